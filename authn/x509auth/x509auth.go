// Package x509auth implements implicit authentication from TLS client
// certificates. The certificate chain is verified against a configured CA
// pool and the subject email is resolved to a local identity, optionally
// self-registering one on first sight.
package x509auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the certificate method. Defaults can be loaded via envdecode.
type Config struct {
	// CAFile is a PEM bundle of trusted issuing CAs. ENV: AUTHN_X509_CA_FILE
	CAFile string `env:"AUTHN_X509_CA_FILE"`
	// CAPEM supplies the bundle inline; takes precedence over CAFile.
	CAPEM []byte
	// SelfRegister permits creating an identity from certificate subject
	// data on first login. ENV: AUTHN_X509_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_X509_SELF_REGISTER,default=false"`
	// Groups are granted to sessions authenticated by this method
	// (";"-separated in the environment). ENV: AUTHN_X509_GROUPS
	Groups []string `env:"AUTHN_X509_GROUPS"`
}

// Method authenticates TLS peer certificates.
type Method struct {
	cfg    Config
	store  identity.Store
	gstore identity.GroupStore
	roots  *x509.CertPool
	now    func() time.Time

	mu       sync.Mutex
	resolved map[string]*identity.Group
}

var _ authn.Method = (*Method)(nil)

// New builds the certificate method. groups may be nil when cfg.Groups is empty.
func New(cfg Config, store identity.Store, groups identity.GroupStore) (*Method, error) {
	pem := cfg.CAPEM
	if len(pem) == 0 && cfg.CAFile != "" {
		b, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("x509auth: read ca file: %w", err)
		}
		pem = b
	}
	if len(pem) == 0 {
		return nil, errors.New("x509auth: no CA certificates configured")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("x509auth: no parseable CA certificates")
	}
	return &Method{
		cfg:      cfg,
		store:    store,
		gstore:   groups,
		roots:    pool,
		now:      time.Now,
		resolved: make(map[string]*identity.Group),
	}, nil
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(store identity.Store, groups identity.GroupStore) (*Method, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, store, groups)
}

func (m *Method) Name() string     { return "x509" }
func (m *Method) IsImplicit() bool { return true }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	email, out, err := m.verifyPeer(rc)
	if out != authn.Success {
		return out, err
	}

	id, err := m.store.FindByEmail(ctx, email)
	if err == nil {
		if id.LoginDisabled {
			return authn.BadArgs, nil
		}
		rc.SetIdentity(id, m.Name())
		return authn.Success, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return authn.NoSuchUser, err
	}

	if !m.CanSelfRegister(ctx, rc, email) {
		return authn.NoSuchUser, nil
	}
	id, err = m.store.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = email
		rec.SelfRegistered = true
		return rc.RunInitHooks(ctx, rec)
	})
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("self-registration: %w", err)
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

// verifyPeer validates the presented client certificate and extracts the
// subject email. No certificate present means the mechanism does not apply.
func (m *Method) verifyPeer(rc *authn.RequestContext) (string, authn.Outcome, error) {
	if rc.TLS == nil || len(rc.TLS.PeerCertificates) == 0 {
		return "", authn.BadArgs, nil
	}
	leaf := rc.TLS.PeerCertificates[0]
	opts := x509.VerifyOptions{
		Roots:         m.roots,
		CurrentTime:   m.now(),
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	for _, ic := range rc.TLS.PeerCertificates[1:] {
		opts.Intermediates.AddCert(ic)
	}
	if _, err := leaf.Verify(opts); err != nil {
		// Untrusted or expired certificate: the mechanism does not apply to
		// this request, it is not a failed secret.
		return "", authn.BadArgs, fmt.Errorf("certificate verify: %w", err)
	}

	email := ""
	if len(leaf.EmailAddresses) > 0 {
		email = leaf.EmailAddresses[0]
	} else if strings.Contains(leaf.Subject.CommonName, "@") {
		email = leaf.Subject.CommonName
	}
	if email == "" {
		return "", authn.BadArgs, errors.New("certificate carries no email")
	}
	return strings.ToLower(email), authn.Success, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return m.cfg.SelfRegister
}

// AllowSetPassword is always false: certificate holders have no local secret
// to manage through this method.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

// SpecialGroups grants the configured groups to certificate-authenticated
// sessions.
func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	out := []identity.Group{}
	if m.gstore == nil || rc.AuthenticatedBy() != m.Name() {
		return out
	}
	for _, name := range m.cfg.Groups {
		if g := m.resolveGroup(ctx, name); g != nil {
			out = append(out, *g)
		}
	}
	return out
}

func (m *Method) resolveGroup(ctx context.Context, name string) *identity.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.resolved[name]; ok {
		return g
	}
	g, err := m.gstore.FindGroupByName(ctx, name)
	if err != nil {
		return nil
	}
	m.resolved[name] = g
	return g
}

// LoginPageURL is empty: certificates are evaluated transparently.
func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return ""
}
