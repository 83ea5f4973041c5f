package authn

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"github.com/openrepo/authstack/identity"
)

// RequestContext carries per-request state for one authentication
// evaluation: transport metadata consulted by implicit methods, the resolved
// identity, and typed attributes methods use to communicate with downstream
// code. It is scoped to a single request and is not safe for concurrent use.
type RequestContext struct {
	// RemoteAddr is the peer address, "host:port" or bare host.
	RemoteAddr string
	// Header exposes read-only transport headers (SSO assertions, bearer
	// tokens). Implicit methods consult it; nil is treated as empty.
	Header http.Header
	// TLS is the connection state when the request arrived over TLS; the
	// certificate method reads peer certificates from it.
	TLS *tls.ConnectionState

	ident           *identity.Identity
	authenticatedBy string
	attrs           map[string]any

	// initHooks is installed by the Chain before walking the stack so a
	// method performing self-registration can fan the init hook out to every
	// configured method from inside the store's transactional boundary.
	initHooks func(ctx context.Context, id *identity.Identity) error
}

// NewContext returns an empty RequestContext for non-HTTP callers.
func NewContext() *RequestContext {
	return &RequestContext{Header: http.Header{}}
}

// NewHTTPContext builds a RequestContext from an incoming HTTP request.
func NewHTTPContext(r *http.Request) *RequestContext {
	return &RequestContext{
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
		TLS:        r.TLS,
	}
}

// Identity returns the currently installed identity, or nil when the request
// is unauthenticated.
func (rc *RequestContext) Identity() *identity.Identity { return rc.ident }

// AuthenticatedBy returns the name of the method that installed the current
// identity, or "" when unauthenticated.
func (rc *RequestContext) AuthenticatedBy() string { return rc.authenticatedBy }

// SetIdentity installs the authenticated identity and records which method
// produced it. Methods call this immediately before returning Success.
func (rc *RequestContext) SetIdentity(id *identity.Identity, method string) {
	rc.ident = id
	rc.authenticatedBy = method
}

// ClearIdentity resets the context to unauthenticated.
func (rc *RequestContext) ClearIdentity() {
	rc.ident = nil
	rc.authenticatedBy = ""
}

// SetAttr stores a per-request attribute (e.g. an authorization code or CAS
// ticket extracted by the caller from the request URL).
func (rc *RequestContext) SetAttr(key string, val any) {
	if rc.attrs == nil {
		rc.attrs = make(map[string]any)
	}
	rc.attrs[key] = val
}

// Attr retrieves a per-request attribute.
func (rc *RequestContext) Attr(key string) (any, bool) {
	v, ok := rc.attrs[key]
	return v, ok
}

// StringAttr retrieves a string-valued attribute, returning "" when absent
// or of another type.
func (rc *RequestContext) StringAttr(key string) string {
	if v, ok := rc.attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RemoteHost returns the host portion of RemoteAddr, tolerating bare hosts.
func (rc *RequestContext) RemoteHost() string {
	host, _, err := net.SplitHostPort(rc.RemoteAddr)
	if err != nil {
		return rc.RemoteAddr
	}
	return host
}

// RunInitHooks invokes the init-identity hook of every configured method for
// a newly self-registered identity. It is a no-op outside a Chain walk.
// Methods call it from inside the identity store's Create callback so a hook
// failure rolls the registration back.
func (rc *RequestContext) RunInitHooks(ctx context.Context, id *identity.Identity) error {
	if rc.initHooks == nil {
		return nil
	}
	return rc.initHooks(ctx, id)
}
