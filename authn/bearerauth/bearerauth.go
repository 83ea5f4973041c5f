// Package bearerauth implements implicit authentication from RFC 9068 JWT
// access tokens presented in the Authorization header. Tokens are verified
// against the issuer's JWKS (auto-refreshed) with issuer, audience,
// algorithm, and scope policies, and the token subject is resolved to a
// local identity by net id.
package bearerauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// Config for the bearer-token method. Defaults can be loaded via envdecode.
type Config struct {
	// Issuer is the authorization server. ENV: AUTHN_BEARER_ISSUER
	Issuer string `env:"AUTHN_BEARER_ISSUER"`
	// Audience this resource expects in "aud". ENV: AUTHN_BEARER_AUDIENCE
	Audience string `env:"AUTHN_BEARER_AUDIENCE"`
	// JWKSURL overrides discovery of the key set. ENV: AUTHN_BEARER_JWKS_URL
	JWKSURL string `env:"AUTHN_BEARER_JWKS_URL"`
	// AllowedAlgs restricts JWS algorithms; "none" is never allowed.
	// Defaults to RS256. ENV: AUTHN_BEARER_ALGS
	AllowedAlgs []string `env:"AUTHN_BEARER_ALGS"`
	// RequiredScopes must all be present in the space-delimited scope claim
	// (";"-separated in the environment). ENV: AUTHN_BEARER_SCOPES
	RequiredScopes []string `env:"AUTHN_BEARER_SCOPES"`
	// Leeway tolerates clock skew on time-based claims. ENV: AUTHN_BEARER_LEEWAY
	Leeway time.Duration `env:"AUTHN_BEARER_LEEWAY,default=60s"`
	// RequireATJWTTyp enforces the RFC 9068 "at+jwt" header typ. ENV: AUTHN_BEARER_REQUIRE_TYP
	RequireATJWTTyp bool `env:"AUTHN_BEARER_REQUIRE_TYP,default=true"`
	// SelfRegister permits creating an identity from token claims on first
	// sight of a subject. ENV: AUTHN_BEARER_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_BEARER_SELF_REGISTER,default=false"`
}

// Method validates bearer tokens and resolves their subjects.
type Method struct {
	cfg     Config
	store   identity.Store
	keyfunc jwt.Keyfunc
}

var _ authn.Method = (*Method)(nil)

// New builds the bearer method, discovering the JWKS URL from the issuer
// when cfg.JWKSURL is empty. The context bounds discovery and JWKS refresh.
func New(ctx context.Context, cfg Config, store identity.Store) (*Method, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("bearerauth: issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("bearerauth: audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		provider, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("bearerauth: discovery: %w", err)
		}
		var meta struct {
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("bearerauth: discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("bearerauth: discovery carries no jwks_uri")
		}
		jwksURL = meta.JwksURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("bearerauth: jwks init: %w", err)
	}

	allowed := append([]string(nil), cfg.AllowedAlgs...)
	m := &Method{cfg: cfg, store: store}
	m.keyfunc = func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
	return m, nil
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(ctx context.Context, store identity.Store) (*Method, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg, store)
}

func (m *Method) Name() string     { return "bearer" }
func (m *Method) IsImplicit() bool { return true }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	tok := bearerToken(rc)
	if tok == "" {
		return authn.BadArgs, nil
	}

	claims, out, err := m.verify(tok)
	if out != authn.Success {
		return out, err
	}

	sub, _ := claims["sub"].(string)
	id, err := m.store.FindByNetID(ctx, sub)
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

	email, _ := claims["email"].(string)
	if !m.cfg.SelfRegister || email == "" {
		return authn.NoSuchUser, nil
	}
	id, err = m.store.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = strings.ToLower(email)
		rec.NetID = sub
		rec.SelfRegistered = true
		return rc.RunInitHooks(ctx, rec)
	})
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("self-registration: %w", err)
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

// verify parses and validates the token, returning its claims on success.
func (m *Method) verify(tok string) (jwt.MapClaims, authn.Outcome, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(m.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
		jwt.WithLeeway(m.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, m.keyfunc)
	if err != nil {
		return nil, authn.BadCredentials, fmt.Errorf("token verify: %w", err)
	}
	if m.cfg.RequireATJWTTyp {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, authn.BadCredentials, fmt.Errorf("invalid typ %q; want at+jwt", typ)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authn.BadCredentials, errors.New("invalid claims type")
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, authn.BadCredentials, errors.New("missing sub")
	}
	if len(m.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := map[string]bool{}
		for _, s := range strings.Fields(scopeStr) {
			have[s] = true
		}
		for _, want := range m.cfg.RequiredScopes {
			if !have[want] {
				// Token is genuine but not authorized for this surface; the
				// mechanism does not apply rather than the proof failing.
				return nil, authn.BadArgs, fmt.Errorf("missing scope %q", want)
			}
		}
	}
	return claims, authn.Success, nil
}

func bearerToken(rc *authn.RequestContext) string {
	if rc.Header == nil {
		return ""
	}
	h := rc.Header.Get("Authorization")
	scheme, rest, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return m.cfg.SelfRegister
}

// AllowSetPassword is always false: token subjects have no local secret.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	return []identity.Group{}
}

// LoginPageURL is empty: tokens are obtained out-of-band from the
// authorization server.
func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return ""
}
