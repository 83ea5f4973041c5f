package shibauth

import (
	"context"
	"net/http"
	"testing"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
	"github.com/openrepo/authstack/identity/memstore"
)

func testConfig() Config {
	return Config{
		NetIDHeader:  "SHIB-NETID",
		EmailHeader:  "SHIB-MAIL",
		FirstHeader:  "SHIB-GIVENNAME",
		LastHeader:   "SHIB-SURNAME",
		SelfRegister: true,
	}
}

func gatewayContext(headers map[string]string) *authn.RequestContext {
	rc := authn.NewContext()
	rc.Header = http.Header{}
	for k, v := range headers {
		rc.Header.Set(k, v)
	}
	return rc
}

func TestNoAssertionDeclines(t *testing.T) {
	m := New(testConfig(), memstore.New(), nil)

	if out, _ := m.Authenticate(context.Background(), authn.NewContext(), authn.Credentials{}); out != authn.BadArgs {
		t.Fatalf("empty headers outcome = %v, want bad_args", out)
	}
	rc := gatewayContext(map[string]string{"SHIB-NETID": "   "})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.BadArgs {
		t.Fatalf("blank principal outcome = %v, want bad_args", out)
	}
}

func TestKnownPrincipal(t *testing.T) {
	store := memstore.New()
	seeded, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "jdoe@example.org"
		rec.NetID = "jdoe@idp.example.org"
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := New(testConfig(), store, nil)
	rc := gatewayContext(map[string]string{"SHIB-NETID": "jdoe@idp.example.org"})
	out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{})
	if out != authn.Success {
		t.Fatalf("outcome = %v, want success", out)
	}
	if rc.Identity() == nil || rc.Identity().ID != seeded.ID {
		t.Fatalf("identity = %+v, want seeded account", rc.Identity())
	}
	if rc.AuthenticatedBy() != "shibboleth" {
		t.Errorf("AuthenticatedBy = %q", rc.AuthenticatedBy())
	}
}

func TestDisabledPrincipalRejected(t *testing.T) {
	store := memstore.New()
	if _, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "off@example.org"
		rec.NetID = "off@idp.example.org"
		rec.LoginDisabled = true
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := New(testConfig(), store, nil)
	rc := gatewayContext(map[string]string{"SHIB-NETID": "off@idp.example.org"})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.BadArgs {
		t.Fatalf("outcome = %v, want bad_args", out)
	}
}

func TestLinkByEmail(t *testing.T) {
	store := memstore.New()
	if _, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "jdoe@example.org"
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := New(testConfig(), store, nil)
	rc := gatewayContext(map[string]string{
		"SHIB-NETID": "jdoe@idp.example.org",
		"SHIB-MAIL":  "JDoe@Example.org",
	})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.Success {
		t.Fatal("authenticate failed")
	}
	linked, err := store.FindByNetID(context.Background(), "jdoe@idp.example.org")
	if err != nil {
		t.Fatalf("account not linked to principal: %v", err)
	}
	if linked.Email != "jdoe@example.org" {
		t.Errorf("linked account = %+v", linked)
	}
}

func TestSelfRegistration(t *testing.T) {
	store := memstore.New()
	m := New(testConfig(), store, nil)
	rc := gatewayContext(map[string]string{
		"SHIB-NETID":     "new@idp.example.org",
		"SHIB-MAIL":      "new@example.org",
		"SHIB-GIVENNAME": "Nia",
		"SHIB-SURNAME":   "Newcomer",
	})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.Success {
		t.Fatal("authenticate failed")
	}
	created, err := store.FindByNetID(context.Background(), "new@idp.example.org")
	if err != nil {
		t.Fatalf("registered account missing: %v", err)
	}
	if created.FirstName != "Nia" || created.LastName != "Newcomer" || !created.SelfRegistered {
		t.Errorf("registered account = %+v", created)
	}
}

func TestSelfRegistrationNeedsEmail(t *testing.T) {
	m := New(testConfig(), memstore.New(), nil)
	rc := gatewayContext(map[string]string{"SHIB-NETID": "new@idp.example.org"})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.NoSuchUser {
		t.Fatalf("outcome = %v, want no_such_user without an email attribute", out)
	}

	cfg := testConfig()
	cfg.SelfRegister = false
	closed := New(cfg, memstore.New(), nil)
	rc = gatewayContext(map[string]string{
		"SHIB-NETID": "new@idp.example.org",
		"SHIB-MAIL":  "new@example.org",
	})
	if out, _ := closed.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.NoSuchUser {
		t.Fatalf("outcome = %v, want no_such_user while self-register disabled", out)
	}
}

func TestRoleGroups(t *testing.T) {
	store := memstore.New()
	everyone := store.AddGroup("sso-users")
	faculty := store.AddGroup("faculty")
	if _, err := store.Create(context.Background(), func(rec *identity.Identity) error {
		rec.Email = "prof@example.org"
		rec.NetID = "prof@idp.example.org"
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := testConfig()
	cfg.RoleHeader = "SHIB-ROLES"
	cfg.RoleGroups = []string{"faculty=faculty", "staff=staff"}
	cfg.DefaultRoleGroup = "sso-users"
	m := New(cfg, store, store)

	rc := gatewayContext(map[string]string{
		"SHIB-NETID": "prof@idp.example.org",
		"SHIB-ROLES": "Faculty; unknown-role",
	})
	if out, _ := m.Authenticate(context.Background(), rc, authn.Credentials{}); out != authn.Success {
		t.Fatal("authenticate failed")
	}
	got := m.SpecialGroups(context.Background(), rc)
	if len(got) != 2 || got[0].ID != everyone.ID || got[1].ID != faculty.ID {
		t.Fatalf("groups = %v, want [%v %v]", got, everyone, faculty)
	}

	// Sessions this method did not authenticate get nothing.
	if got := m.SpecialGroups(context.Background(), authn.NewContext()); len(got) != 0 {
		t.Fatalf("groups without assertion = %v", got)
	}
}
