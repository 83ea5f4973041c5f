// Package oidcauth implements federated login through an OpenID Connect
// authorization server: the caller extracts the authorization code from the
// callback request, this method exchanges it, verifies the ID token against
// the issuer's JWKS, and resolves (or self-registers) a local identity.
//
// Deployments differing only in claim layout (plain OIDC, generic OAuth
// providers with an OIDC layer, ORCID) share this implementation and select
// a Profile rather than subclassing; see DefaultProfile and ORCIDProfile.
package oidcauth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joeshaw/envdecode"
	"golang.org/x/oauth2"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// CodeAttr is the request-context attribute the caller sets to the
// authorization code extracted from the callback URL.
const CodeAttr = "oidc.code"

// StateAttr optionally carries the opaque state echoed through the
// authorization redirect.
const StateAttr = "oidc.state"

// Config for the OIDC method. Defaults can be loaded via envdecode.
type Config struct {
	// Issuer is the authorization server URL used for discovery. ENV: AUTHN_OIDC_ISSUER
	Issuer       string `env:"AUTHN_OIDC_ISSUER"`
	ClientID     string `env:"AUTHN_OIDC_CLIENT_ID"`
	ClientSecret string `env:"AUTHN_OIDC_CLIENT_SECRET"`
	// RedirectURL is this application's registered callback. ENV: AUTHN_OIDC_REDIRECT_URL
	RedirectURL string `env:"AUTHN_OIDC_REDIRECT_URL"`
	// Scopes requested at authorization (";"-separated in the environment);
	// "openid" is always included. ENV: AUTHN_OIDC_SCOPES
	Scopes []string `env:"AUTHN_OIDC_SCOPES"`
	// SelfRegister permits creating an identity from ID-token claims on
	// first login. ENV: AUTHN_OIDC_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_OIDC_SELF_REGISTER,default=true"`
}

// Profile extracts identity fields from verified ID-token claims. It is the
// strategy axis along which provider variants differ.
type Profile interface {
	// Name becomes the method name ("oidc", "orcid", ...).
	Name() string
	// Extract returns the external net id, email, and display names from the
	// claim set. netID must be non-empty on success.
	Extract(claims map[string]any) (netID, email, first, last string, err error)
}

// DefaultProfile maps standard OIDC claims (sub, email, given_name,
// family_name).
type DefaultProfile struct{}

func (DefaultProfile) Name() string { return "oidc" }

func (DefaultProfile) Extract(claims map[string]any) (string, string, string, string, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", "", "", errors.New("id token carries no subject")
	}
	email, _ := claims["email"].(string)
	first, _ := claims["given_name"].(string)
	last, _ := claims["family_name"].(string)
	return sub, strings.ToLower(email), first, last, nil
}

// ORCIDProfile maps the ORCID member API claim layout: the ORCID iD is the
// subject and the display name arrives as a single "name" claim.
type ORCIDProfile struct{}

func (ORCIDProfile) Name() string { return "orcid" }

func (ORCIDProfile) Extract(claims map[string]any) (string, string, string, string, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", "", "", "", errors.New("id token carries no ORCID iD")
	}
	email, _ := claims["email"].(string)
	first, _ := claims["given_name"].(string)
	last, _ := claims["family_name"].(string)
	if first == "" && last == "" {
		if name, _ := claims["name"].(string); name != "" {
			first, last, _ = strings.Cut(name, " ")
		}
	}
	return sub, strings.ToLower(email), first, last, nil
}

// Method performs the code exchange and ID-token verification.
type Method struct {
	cfg      Config
	profile  Profile
	store    identity.Store
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

var _ authn.Method = (*Method)(nil)

// New discovers the issuer and builds the method. The context bounds the
// discovery request only.
func New(ctx context.Context, cfg Config, profile Profile, store identity.Store) (*Method, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidcauth: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidcauth: client id is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidcauth: discovery: %w", err)
	}
	scopes := []string{oidc.ScopeOpenID}
	for _, s := range cfg.Scopes {
		if s != oidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}
	return &Method{
		cfg:      cfg,
		profile:  profile,
		store:    store,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(ctx context.Context, profile Profile, store identity.Store) (*Method, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg, profile, store)
}

func (m *Method) Name() string     { return m.profile.Name() }
func (m *Method) IsImplicit() bool { return true }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	code := rc.StringAttr(CodeAttr)
	if code == "" {
		return authn.BadArgs, nil
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("code exchange: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return authn.NoSuchUser, errors.New("token response carries no id_token")
	}
	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// The assertion itself failed verification: recognized flow, bad proof.
		return authn.BadCredentials, fmt.Errorf("id token verify: %w", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return authn.NoSuchUser, err
	}
	netID, email, first, last, err := m.profile.Extract(claims)
	if err != nil {
		return authn.BadArgs, err
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
		rec.FirstName = first
		rec.LastName = last
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

// AllowSetPassword is always false: the authorization server owns the secret.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	return []identity.Group{}
}

// LoginPageURL returns the authorization-code entry URL, echoing any state
// the caller stashed on the context.
func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return m.oauth.AuthCodeURL(rc.StringAttr(StateAttr))
}
