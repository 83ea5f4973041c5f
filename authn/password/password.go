// Package password implements explicit authentication against locally
// stored bcrypt secrets. It is the usual last entry in a stack: earlier
// implicit methods get a chance to resolve the request before the login form
// path is consulted.
package password

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the password method. Defaults can be loaded via envdecode.
type Config struct {
	// LoginPage is the path of the local login form. ENV: AUTHN_PASSWORD_LOGIN_PAGE
	LoginPage string `env:"AUTHN_PASSWORD_LOGIN_PAGE,default=/login"`
	// SelfRegister permits creating a local account at first login. ENV: AUTHN_PASSWORD_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_PASSWORD_SELF_REGISTER,default=false"`
	// Domains restricts self-registration to the listed email domains
	// (";"-separated in the environment). Empty means any domain.
	Domains []string `env:"AUTHN_PASSWORD_DOMAINS"`
	// LoginGroup names a group granted to sessions authenticated by this
	// method. Empty disables the grant.
	LoginGroup string `env:"AUTHN_PASSWORD_LOGIN_GROUP"`
}

// Method authenticates an email address against the identity store's bcrypt
// secret hash.
type Method struct {
	cfg    Config
	store  identity.Store
	groups identity.GroupStore

	mu         sync.Mutex
	loginGroup *identity.Group // memoized LoginGroup handle
}

var _ authn.Method = (*Method)(nil)

// New builds the password method. groups may be nil when LoginGroup is unset.
func New(cfg Config, store identity.Store, groups identity.GroupStore) *Method {
	return &Method{cfg: cfg, store: store, groups: groups}
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(store identity.Store, groups identity.GroupStore) *Method {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, store, groups)
}

func (m *Method) Name() string     { return "password" }
func (m *Method) IsImplicit() bool { return false }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	if !creds.Complete() {
		return authn.BadArgs, nil
	}
	id, err := m.store.FindByEmail(ctx, strings.ToLower(creds.NetID))
	if errors.Is(err, identity.ErrNotFound) {
		return authn.NoSuchUser, nil
	}
	if err != nil {
		// Lookup fault: fail this method only, let the rest of the stack run.
		return authn.NoSuchUser, err
	}
	if id.LoginDisabled {
		return authn.BadArgs, nil
	}
	if id.RequireCertificate {
		return authn.CertRequired, nil
	}
	ok, err := m.store.VerifySecret(ctx, id, creds.Secret)
	if err != nil {
		return authn.NoSuchUser, err
	}
	if !ok {
		return authn.BadCredentials, nil
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	if !m.cfg.SelfRegister {
		return false
	}
	return m.domainAllowed(netID)
}

// AllowSetPassword mirrors self-registration eligibility: anyone whose email
// domain may hold a local account may manage its secret.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	if netID == "" {
		return false
	}
	return m.domainAllowed(netID)
}

func (m *Method) domainAllowed(email string) bool {
	if len(m.cfg.Domains) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range m.cfg.Domains {
		d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil // local accounts carry no mechanism-specific attributes
}

// SpecialGroups grants the configured login group to sessions this method
// authenticated.
func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	if m.cfg.LoginGroup == "" || m.groups == nil {
		return []identity.Group{}
	}
	if rc.AuthenticatedBy() != m.Name() {
		return []identity.Group{}
	}
	g := m.resolveLoginGroup(ctx)
	if g == nil {
		return []identity.Group{}
	}
	return []identity.Group{*g}
}

func (m *Method) resolveLoginGroup(ctx context.Context) *identity.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loginGroup != nil {
		return m.loginGroup
	}
	g, err := m.groups.FindGroupByName(ctx, m.cfg.LoginGroup)
	if err != nil {
		return nil
	}
	m.loginGroup = g
	return g
}

func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return m.cfg.LoginPage
}
