// Package shibauth implements implicit authentication from SSO gateway
// headers, the deployment model used by Shibboleth and other SAML service
// providers: a trusted front-end validates the federation assertion and
// forwards the attributes as request headers. The assertion wire format is
// never touched here; the gateway is the trust boundary.
package shibauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the SSO-header method. Defaults can be loaded via envdecode.
type Config struct {
	// NetIDHeader carries the federation principal. ENV: AUTHN_SHIB_NETID_HEADER
	NetIDHeader string `env:"AUTHN_SHIB_NETID_HEADER,default=SHIB-NETID"`
	EmailHeader string `env:"AUTHN_SHIB_EMAIL_HEADER,default=SHIB-MAIL"`
	FirstHeader string `env:"AUTHN_SHIB_FIRSTNAME_HEADER,default=SHIB-GIVENNAME"`
	LastHeader  string `env:"AUTHN_SHIB_LASTNAME_HEADER,default=SHIB-SURNAME"`
	// RoleHeader carries ";"-separated role values mapped to groups via
	// RoleGroups. ENV: AUTHN_SHIB_ROLE_HEADER
	RoleHeader string `env:"AUTHN_SHIB_ROLE_HEADER"`
	// RoleGroups entries have the form "roleValue=localGroup"
	// (";"-separated in the environment).
	RoleGroups []string `env:"AUTHN_SHIB_ROLE_GROUPS"`
	// DefaultRoleGroup is granted to every session this method
	// authenticated, independent of roles.
	DefaultRoleGroup string `env:"AUTHN_SHIB_DEFAULT_ROLE_GROUP"`
	// SelfRegister permits creating an identity from forwarded attributes on
	// first login. ENV: AUTHN_SHIB_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_SHIB_SELF_REGISTER,default=true"`
	// LoginInitiator is the gateway's session-initiator URL.
	LoginInitiator string `env:"AUTHN_SHIB_LOGIN_INITIATOR,default=/Shibboleth.sso/Login"`
}

// Method authenticates gateway-asserted principals.
type Method struct {
	cfg     Config
	store   identity.Store
	gstore  identity.GroupStore
	roleMap map[string]string

	mu       sync.Mutex
	resolved map[string]*identity.Group
}

var _ authn.Method = (*Method)(nil)

// New builds the SSO-header method. groups may be nil when no role mapping
// is configured.
func New(cfg Config, store identity.Store, groups identity.GroupStore) *Method {
	rm := make(map[string]string, len(cfg.RoleGroups))
	for _, entry := range cfg.RoleGroups {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		rm[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &Method{
		cfg:      cfg,
		store:    store,
		gstore:   groups,
		roleMap:  rm,
		resolved: make(map[string]*identity.Group),
	}
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(store identity.Store, groups identity.GroupStore) *Method {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, store, groups)
}

func (m *Method) Name() string     { return "shibboleth" }
func (m *Method) IsImplicit() bool { return true }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	if rc.Header == nil {
		return authn.BadArgs, nil
	}
	netID := strings.TrimSpace(rc.Header.Get(m.cfg.NetIDHeader))
	if netID == "" {
		return authn.BadArgs, nil
	}

	id, err := m.store.FindByNetID(ctx, netID)
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

	email := strings.ToLower(strings.TrimSpace(rc.Header.Get(m.cfg.EmailHeader)))
	if email != "" {
		if id, err := m.store.FindByEmail(ctx, email); err == nil {
			if id.LoginDisabled {
				return authn.BadArgs, nil
			}
			id.NetID = netID
			if err := m.store.Update(ctx, id); err != nil {
				return authn.NoSuchUser, err
			}
			rc.SetIdentity(id, m.Name())
			return authn.Success, nil
		} else if !errors.Is(err, identity.ErrNotFound) {
			return authn.NoSuchUser, err
		}
	}

	if !m.CanSelfRegister(ctx, rc, netID) || email == "" {
		return authn.NoSuchUser, nil
	}
	id, err = m.store.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = email
		rec.NetID = netID
		rec.FirstName = rc.Header.Get(m.cfg.FirstHeader)
		rec.LastName = rc.Header.Get(m.cfg.LastHeader)
		rec.SelfRegistered = true
		return rc.RunInitHooks(ctx, rec)
	})
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("self-registration: %w", err)
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return m.cfg.SelfRegister
}

// AllowSetPassword is always false: federation accounts carry no local secret.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

// SpecialGroups maps forwarded role values (plus the default role group) to
// local group handles for sessions this method authenticated.
func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	out := []identity.Group{}
	if m.gstore == nil || rc.AuthenticatedBy() != m.Name() {
		return out
	}
	if m.cfg.DefaultRoleGroup != "" {
		if g := m.resolveGroup(ctx, m.cfg.DefaultRoleGroup); g != nil {
			out = append(out, *g)
		}
	}
	if m.cfg.RoleHeader == "" || rc.Header == nil {
		return out
	}
	for _, role := range strings.Split(rc.Header.Get(m.cfg.RoleHeader), ";") {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		local, ok := m.roleMap[role]
		if !ok {
			continue
		}
		if g := m.resolveGroup(ctx, local); g != nil {
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

func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return m.cfg.LoginInitiator
}
