package authn

import (
	"context"

	"github.com/openrepo/authstack/identity"
)

// Method is the capability contract every authentication mechanism
// implements. Implementations must be safe for concurrent use: one instance
// serves many requests, and any internal mutable cache must be synchronized
// or copy-on-write.
type Method interface {
	// Name identifies the method in configuration, logs, and
	// RequestContext.AuthenticatedBy.
	Name() string

	// IsImplicit reports whether the method derives identity from the
	// transport/environment rather than an identifier/secret exchange. Fixed
	// for the lifetime of the instance.
	IsImplicit() bool

	// Authenticate evaluates one attempt. On Success the method must have
	// installed the identity via rc.SetIdentity. Inapplicable mechanisms
	// return BadArgs; applicable mechanisms that match nobody return
	// NoSuchUser. Internal faults are converted to an outcome before
	// returning; a non-nil error is advisory detail for logging and is
	// downgraded by the Chain, never propagated to callers.
	Authenticate(ctx context.Context, rc *RequestContext, creds Credentials) (Outcome, error)

	// CanSelfRegister reports whether this method may auto-create an
	// identity for netID when no match exists. Pure predicate; must not
	// mutate state.
	CanSelfRegister(ctx context.Context, rc *RequestContext, netID string) bool

	// AllowSetPassword reports whether a user known as netID may change a
	// locally stored secret. Independent of Authenticate.
	AllowSetPassword(ctx context.Context, rc *RequestContext, netID string) bool

	// InitIdentity stamps mechanism-specific attributes on a newly
	// self-registered identity. Called once per registration for every
	// method in the stack; implementations with nothing to add return nil.
	InitIdentity(ctx context.Context, rc *RequestContext, id *identity.Identity) error

	// SpecialGroups returns the contextual group grants this method
	// contributes for the request. Evaluated on every request regardless of
	// authentication outcome; returns an empty slice, never nil semantics,
	// when not applicable.
	SpecialGroups(ctx context.Context, rc *RequestContext) []identity.Group

	// LoginPageURL returns where to send a browser to initiate this
	// mechanism out-of-band, or "" when the mechanism never redirects.
	LoginPageURL(ctx context.Context, rc *RequestContext) string
}

// Descriptor is the fixed classification of a configured method.
type Descriptor struct {
	Name     string
	Implicit bool
}
