// Package ldapauth implements explicit authentication against an LDAP
// directory. A single method covers both the flat layout (all users under
// one object context) and the hierarchical layout (subtree search, then bind
// as the discovered DN); the SearchSubtree flag selects between them.
//
// Directory faults (unreachable server, timeouts, ambiguous matches) degrade
// to NoSuchUser so the remaining stack still runs.
package ldapauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the LDAP method. Defaults can be loaded via envdecode.
type Config struct {
	// URL of the directory, e.g. "ldaps://ldap.example.org:636". ENV: AUTHN_LDAP_URL
	URL string `env:"AUTHN_LDAP_URL"`
	// StartTLS upgrades a plain connection before binding. ENV: AUTHN_LDAP_STARTTLS
	StartTLS bool `env:"AUTHN_LDAP_STARTTLS,default=false"`
	// Timeout bounds dial and search operations. ENV: AUTHN_LDAP_TIMEOUT
	Timeout time.Duration `env:"AUTHN_LDAP_TIMEOUT,default=10s"`

	// IDField is the attribute matched against the supplied net id. ENV: AUTHN_LDAP_ID_FIELD
	IDField string `env:"AUTHN_LDAP_ID_FIELD,default=uid"`
	// SearchContext is the base DN for user searches. ENV: AUTHN_LDAP_SEARCH_CONTEXT
	SearchContext string `env:"AUTHN_LDAP_SEARCH_CONTEXT"`
	// SearchSubtree searches the whole subtree under SearchContext instead of
	// one level (the hierarchical directory layout). ENV: AUTHN_LDAP_SEARCH_SUBTREE
	SearchSubtree bool `env:"AUTHN_LDAP_SEARCH_SUBTREE,default=false"`
	// SearchUser/SearchPassword authenticate the search bind. Empty means an
	// anonymous search bind.
	SearchUser     string `env:"AUTHN_LDAP_SEARCH_USER"`
	SearchPassword string `env:"AUTHN_LDAP_SEARCH_PASSWORD"`

	EmailField     string `env:"AUTHN_LDAP_EMAIL_FIELD,default=mail"`
	GivenNameField string `env:"AUTHN_LDAP_GIVENNAME_FIELD,default=givenName"`
	SurnameField   string `env:"AUTHN_LDAP_SURNAME_FIELD,default=sn"`
	PhoneField     string `env:"AUTHN_LDAP_PHONE_FIELD,default=telephoneNumber"`
	// GroupField names a multi-valued attribute (e.g. "memberOf") mapped to
	// special groups via GroupMap.
	GroupField string `env:"AUTHN_LDAP_GROUP_FIELD"`
	// GroupMap entries have the form "directoryValue=localGroup"
	// (";"-separated in the environment).
	GroupMap []string `env:"AUTHN_LDAP_GROUP_MAP"`

	// NetIDEmailDomain is appended to the net id to derive an email address
	// when the directory entry has no email attribute, e.g. "@example.org".
	NetIDEmailDomain string `env:"AUTHN_LDAP_NETID_EMAIL_DOMAIN"`
	// SelfRegister permits creating an identity from directory attributes on
	// first login. ENV: AUTHN_LDAP_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_LDAP_SELF_REGISTER,default=true"`

	LoginPage string `env:"AUTHN_LDAP_LOGIN_PAGE,default=/ldap-login"`
}

// groupsAttrKey carries the entry's group attribute values from Authenticate
// to SpecialGroups on the request context.
const groupsAttrKey = "ldap.groups"

// conn is the slice of *ldap.Conn this method depends on; tests substitute a
// scripted implementation via the dialer.
type conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a directory connection. The default dials cfg.URL with the
// configured timeout and optional StartTLS.
type Dialer func(ctx context.Context, cfg Config) (conn, error)

func dialDirectory(ctx context.Context, cfg Config) (conn, error) {
	c, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: cfg.Timeout}))
	if err != nil {
		return nil, err
	}
	c.SetTimeout(cfg.Timeout)
	if cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{MinVersion: tls.VersionTLS12}); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Method authenticates net id / secret pairs by directory bind.
type Method struct {
	cfg    Config
	store  identity.Store
	groups identity.GroupStore
	dial   Dialer

	mu       sync.Mutex
	groupMap map[string]string          // directory value (lower) -> local group name
	resolved map[string]*identity.Group // memoized local group handles
}

var _ authn.Method = (*Method)(nil)

// New builds the LDAP method. groups may be nil when GroupField is unset.
func New(cfg Config, store identity.Store, groups identity.GroupStore) *Method {
	gm := make(map[string]string, len(cfg.GroupMap))
	for _, entry := range cfg.GroupMap {
		k, v, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		gm[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &Method{
		cfg:      cfg,
		store:    store,
		groups:   groups,
		dial:     dialDirectory,
		groupMap: gm,
		resolved: make(map[string]*identity.Group),
	}
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(store identity.Store, groups identity.GroupStore) *Method {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, store, groups)
}

// WithDialer substitutes the directory dialer. Test hook.
func (m *Method) WithDialer(d Dialer) *Method {
	m.dial = d
	return m
}

func (m *Method) Name() string     { return "ldap" }
func (m *Method) IsImplicit() bool { return false }

// directoryEntry is what one successful search+bind yields.
type directoryEntry struct {
	dn        string
	email     string
	givenName string
	surname   string
	phone     string
	groups    []string
}

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	if !creds.Complete() {
		return authn.BadArgs, nil
	}

	entry, out, err := m.bindUser(ctx, creds.NetID, creds.Secret)
	if out != authn.Success {
		return out, err
	}
	if len(entry.groups) > 0 {
		rc.SetAttr(groupsAttrKey, entry.groups)
	}

	id, err := m.store.FindByNetID(ctx, creds.NetID)
	if err == nil {
		if id.LoginDisabled {
			return authn.BadArgs, nil
		}
		if id.RequireCertificate {
			return authn.CertRequired, nil
		}
		rc.SetIdentity(id, m.Name())
		return authn.Success, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return authn.NoSuchUser, err
	}

	email := entry.email
	if email == "" && m.cfg.NetIDEmailDomain != "" {
		email = creds.NetID + m.cfg.NetIDEmailDomain
	}

	// An existing local account with the directory email is linked to the
	// net id rather than duplicated.
	if email != "" {
		if id, err := m.store.FindByEmail(ctx, email); err == nil {
			if id.LoginDisabled {
				return authn.BadArgs, nil
			}
			id.NetID = creds.NetID
			if err := m.store.Update(ctx, id); err != nil {
				return authn.NoSuchUser, err
			}
			rc.SetIdentity(id, m.Name())
			return authn.Success, nil
		} else if !errors.Is(err, identity.ErrNotFound) {
			return authn.NoSuchUser, err
		}
	}

	if !m.CanSelfRegister(ctx, rc, creds.NetID) || email == "" {
		return authn.NoSuchUser, nil
	}

	id, err = m.store.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = email
		rec.NetID = creds.NetID
		rec.FirstName = entry.givenName
		rec.LastName = entry.surname
		rec.Phone = entry.phone
		rec.SelfRegistered = true
		return rc.RunInitHooks(ctx, rec)
	})
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("self-registration: %w", err)
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

// bindUser locates the directory entry for netID and verifies the secret by
// binding as its DN.
func (m *Method) bindUser(ctx context.Context, netID, secret string) (*directoryEntry, authn.Outcome, error) {
	c, err := m.dial(ctx, m.cfg)
	if err != nil {
		return nil, authn.NoSuchUser, fmt.Errorf("directory dial: %w", err)
	}
	defer c.Close()

	if m.cfg.SearchUser != "" {
		if err := c.Bind(m.cfg.SearchUser, m.cfg.SearchPassword); err != nil {
			return nil, authn.NoSuchUser, fmt.Errorf("search bind: %w", err)
		}
	}

	scope := ldap.ScopeSingleLevel
	if m.cfg.SearchSubtree {
		scope = ldap.ScopeWholeSubtree
	}
	attrs := []string{m.cfg.EmailField, m.cfg.GivenNameField, m.cfg.SurnameField, m.cfg.PhoneField}
	if m.cfg.GroupField != "" {
		attrs = append(attrs, m.cfg.GroupField)
	}
	res, err := c.Search(ldap.NewSearchRequest(
		m.cfg.SearchContext,
		scope, ldap.NeverDerefAliases, 0, int(m.cfg.Timeout.Seconds()), false,
		fmt.Sprintf("(%s=%s)", m.cfg.IDField, ldap.EscapeFilter(netID)),
		attrs,
		nil,
	))
	if err != nil {
		return nil, authn.NoSuchUser, fmt.Errorf("directory search: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, authn.NoSuchUser, nil
	}
	if len(res.Entries) > 1 {
		return nil, authn.NoSuchUser, fmt.Errorf("net id %q matched %d entries", netID, len(res.Entries))
	}

	e := res.Entries[0]
	if err := c.Bind(e.DN, secret); err != nil {
		return nil, authn.BadCredentials, nil
	}
	entry := &directoryEntry{
		dn:        e.DN,
		email:     e.GetAttributeValue(m.cfg.EmailField),
		givenName: e.GetAttributeValue(m.cfg.GivenNameField),
		surname:   e.GetAttributeValue(m.cfg.SurnameField),
		phone:     e.GetAttributeValue(m.cfg.PhoneField),
	}
	if m.cfg.GroupField != "" {
		entry.groups = e.GetAttributeValues(m.cfg.GroupField)
	}
	return entry, authn.Success, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return m.cfg.SelfRegister
}

// AllowSetPassword is always false: directory secrets are managed by the
// directory, not the local store.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

// SpecialGroups maps the directory group attribute recorded during
// Authenticate through GroupMap to local group handles.
func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	out := []identity.Group{}
	if m.groups == nil || len(m.groupMap) == 0 {
		return out
	}
	vals, ok := rc.Attr(groupsAttrKey)
	if !ok {
		return out
	}
	dirGroups, ok := vals.([]string)
	if !ok {
		return out
	}
	for _, v := range dirGroups {
		local, ok := m.groupMap[strings.ToLower(v)]
		if !ok {
			// memberOf values are usually DNs; fall back to the first RDN value.
			local, ok = m.groupMap[strings.ToLower(firstRDNValue(v))]
		}
		if !ok {
			continue
		}
		if g := m.resolveGroup(ctx, local); g != nil {
			out = append(out, *g)
		}
	}
	return out
}

func firstRDNValue(dn string) string {
	first, _, _ := strings.Cut(dn, ",")
	_, val, ok := strings.Cut(first, "=")
	if !ok {
		return first
	}
	return val
}

func (m *Method) resolveGroup(ctx context.Context, name string) *identity.Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.resolved[name]; ok {
		return g
	}
	g, err := m.groups.FindGroupByName(ctx, name)
	if err != nil {
		return nil
	}
	m.resolved[name] = g
	return g
}

func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return m.cfg.LoginPage
}
