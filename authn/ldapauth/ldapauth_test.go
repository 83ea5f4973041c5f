package ldapauth

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
	"github.com/openrepo/authstack/identity/memstore"
)

// fakeConn scripts the directory: one entry per net id, bind accepted when
// the password matches.
type fakeConn struct {
	entries   map[string]*ldap.Entry // netid -> entry
	passwords map[string]string      // dn -> password
	searchErr error
	bindCount int
}

func (f *fakeConn) Bind(username, password string) error {
	if want, ok := f.passwords[username]; ok && want == password {
		f.bindCount++
		return nil
	}
	return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	res := &ldap.SearchResult{}
	for netid, e := range f.entries {
		if req.Filter == "(uid="+netid+")" {
			res.Entries = append(res.Entries, e)
		}
	}
	return res, nil
}

func (f *fakeConn) Close() error { return nil }

func entry(dn string, attrs map[string][]string) *ldap.Entry {
	e := &ldap.Entry{DN: dn}
	for name, vals := range attrs {
		e.Attributes = append(e.Attributes, &ldap.EntryAttribute{Name: name, Values: vals})
	}
	return e
}

func testConfig() Config {
	return Config{
		URL:            "ldap://directory.example.org",
		IDField:        "uid",
		SearchContext:  "ou=people,dc=example,dc=org",
		EmailField:     "mail",
		GivenNameField: "givenName",
		SurnameField:   "sn",
		PhoneField:     "telephoneNumber",
		SelfRegister:   true,
		LoginPage:      "/ldap-login",
	}
}

func newTestMethod(store identity.Store, groups identity.GroupStore, cfg Config, fake *fakeConn) *Method {
	m := New(cfg, store, groups)
	return m.WithDialer(func(ctx context.Context, cfg Config) (conn, error) {
		return fake, nil
	})
}

func directoryWithUser() *fakeConn {
	return &fakeConn{
		entries: map[string]*ldap.Entry{
			"jdoe": entry("uid=jdoe,ou=people,dc=example,dc=org", map[string][]string{
				"mail":      {"jdoe@example.org"},
				"givenName": {"Jane"},
				"sn":        {"Doe"},
				"memberOf":  {"cn=librarians,ou=groups,dc=example,dc=org"},
			}),
		},
		passwords: map[string]string{
			"uid=jdoe,ou=people,dc=example,dc=org": "hunter2",
		},
	}
}

func TestMissingCredentials(t *testing.T) {
	m := newTestMethod(memstore.New(), nil, testConfig(), directoryWithUser())
	out, _ := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{NetID: "jdoe"})
	if out != authn.BadArgs {
		t.Fatalf("outcome = %v, want bad_args", out)
	}
}

func TestBindExistingAccount(t *testing.T) {
	store := memstore.New()
	seeded, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "jdoe@example.org"
		rec.NetID = "jdoe"
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := newTestMethod(store, nil, testConfig(), directoryWithUser())
	rc := authn.NewContext()
	out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{NetID: "jdoe", Secret: "hunter2"})
	if out != authn.Success {
		t.Fatalf("outcome = %v, want success", out)
	}
	if rc.Identity() == nil || rc.Identity().ID != seeded.ID {
		t.Fatalf("identity = %+v, want seeded account", rc.Identity())
	}
}

func TestWrongSecret(t *testing.T) {
	m := newTestMethod(memstore.New(), nil, testConfig(), directoryWithUser())
	out, _ := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{NetID: "jdoe", Secret: "nope"})
	if out != authn.BadCredentials {
		t.Fatalf("outcome = %v, want bad_credentials", out)
	}
}

func TestUnknownNetID(t *testing.T) {
	m := newTestMethod(memstore.New(), nil, testConfig(), directoryWithUser())
	out, _ := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{NetID: "ghost", Secret: "x"})
	if out != authn.NoSuchUser {
		t.Fatalf("outcome = %v, want no_such_user", out)
	}
}

func TestDirectoryFaultDegrades(t *testing.T) {
	conn := directoryWithUser()
	conn.searchErr = errors.New("connection reset")
	m := newTestMethod(memstore.New(), nil, testConfig(), conn)
	out, err := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{NetID: "jdoe", Secret: "hunter2"})
	if out != authn.NoSuchUser {
		t.Fatalf("outcome = %v, want no_such_user", out)
	}
	if err == nil {
		t.Fatal("fault detail not surfaced for logging")
	}
}

func TestLinkByEmail(t *testing.T) {
	store := memstore.New()
	// Account exists with the directory email but no net id yet.
	if _, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "jdoe@example.org"
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := newTestMethod(store, nil, testConfig(), directoryWithUser())
	rc := authn.NewContext()
	out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{NetID: "jdoe", Secret: "hunter2"})
	if out != authn.Success {
		t.Fatalf("outcome = %v, want success", out)
	}
	linked, err := store.FindByNetID(context.Background(), "jdoe")
	if err != nil {
		t.Fatalf("account not linked to net id: %v", err)
	}
	if linked.Email != "jdoe@example.org" {
		t.Errorf("linked account = %+v", linked)
	}
}

func TestSelfRegistration(t *testing.T) {
	store := memstore.New()
	m := newTestMethod(store, nil, testConfig(), directoryWithUser())
	rc := authn.NewContext()
	out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{NetID: "jdoe", Secret: "hunter2"})
	if out != authn.Success {
		t.Fatalf("outcome = %v, want success", out)
	}
	created, err := store.FindByNetID(context.Background(), "jdoe")
	if err != nil {
		t.Fatalf("registered account missing: %v", err)
	}
	if created.FirstName != "Jane" || created.LastName != "Doe" || !created.SelfRegistered {
		t.Errorf("registered account = %+v", created)
	}
}

func TestSelfRegistrationDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.SelfRegister = false
	m := newTestMethod(memstore.New(), nil, cfg, directoryWithUser())
	out, _ := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{NetID: "jdoe", Secret: "hunter2"})
	if out != authn.NoSuchUser {
		t.Fatalf("outcome = %v, want no_such_user", out)
	}
}

func TestGroupMapping(t *testing.T) {
	store := memstore.New()
	g := store.AddGroup("library-staff")

	cfg := testConfig()
	cfg.GroupField = "memberOf"
	cfg.GroupMap = []string{"librarians=library-staff"}

	m := newTestMethod(store, store, cfg, directoryWithUser())
	rc := authn.NewContext()
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{NetID: "jdoe", Secret: "hunter2"}); out != authn.Success {
		t.Fatalf("authenticate failed")
	}
	got := m.SpecialGroups(context.Background(), rc)
	if len(got) != 1 || got[0].ID != g.ID {
		t.Fatalf("groups = %v, want mapped handle %v", got, g)
	}

	// A context that never went through this method gets nothing.
	if got := m.SpecialGroups(context.Background(), authn.NewContext()); len(got) != 0 {
		t.Fatalf("groups without directory attributes = %v", got)
	}
}

func TestAllowSetPasswordAlwaysFalse(t *testing.T) {
	m := newTestMethod(memstore.New(), nil, testConfig(), directoryWithUser())
	if m.AllowSetPassword(context.Background(), authn.NewContext(), "jdoe") {
		t.Error("directory accounts must not manage local secrets")
	}
}
