// Package casauth implements ticket validation against a CAS (Central
// Authentication Service) server. The caller extracts the service ticket
// from the callback request; this method confirms it with the CAS v2
// serviceValidate endpoint and resolves the asserted principal to a local
// identity.
package casauth

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// TicketAttr is the request-context attribute the caller sets to the
// service ticket extracted from the callback URL.
const TicketAttr = "cas.ticket"

// Config for the CAS method. Defaults can be loaded via envdecode.
type Config struct {
	// ServerURL is the CAS base URL, e.g. "https://cas.example.org/cas".
	// ENV: AUTHN_CAS_SERVER_URL
	ServerURL string `env:"AUTHN_CAS_SERVER_URL"`
	// ServiceURL is this application's registered service URL echoed during
	// validation. ENV: AUTHN_CAS_SERVICE_URL
	ServiceURL string `env:"AUTHN_CAS_SERVICE_URL"`
	// EmailDomain derives an email address from the CAS principal when the
	// response carries none, e.g. "@example.org". ENV: AUTHN_CAS_EMAIL_DOMAIN
	EmailDomain string `env:"AUTHN_CAS_EMAIL_DOMAIN"`
	// SelfRegister permits creating an identity on first login. ENV: AUTHN_CAS_SELF_REGISTER
	SelfRegister bool `env:"AUTHN_CAS_SELF_REGISTER,default=true"`
	// Timeout bounds the validation round-trip. ENV: AUTHN_CAS_TIMEOUT
	Timeout time.Duration `env:"AUTHN_CAS_TIMEOUT,default=10s"`
}

// serviceResponse is the CAS v2 validation envelope.
type serviceResponse struct {
	XMLName xml.Name `xml:"serviceResponse"`
	Success *struct {
		User  string `xml:"user"`
		Email string `xml:"attributes>mail"`
	} `xml:"authenticationSuccess"`
	Failure *struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"authenticationFailure"`
}

// Method validates CAS service tickets.
type Method struct {
	cfg    Config
	store  identity.Store
	client *http.Client
}

var _ authn.Method = (*Method)(nil)

// New builds the CAS method.
func New(cfg Config, store identity.Store) (*Method, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("casauth: server url is required")
	}
	if cfg.ServiceURL == "" {
		return nil, errors.New("casauth: service url is required")
	}
	return &Method{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// NewFromEnv builds the method with envdecode-populated configuration.
func NewFromEnv(store identity.Store) (*Method, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, store)
}

func (m *Method) Name() string     { return "cas" }
func (m *Method) IsImplicit() bool { return true }

func (m *Method) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	ticket := rc.StringAttr(TicketAttr)
	if ticket == "" {
		return authn.BadArgs, nil
	}

	netID, email, out, err := m.validateTicket(ctx, ticket)
	if out != authn.Success {
		return out, err
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

	if email == "" && m.cfg.EmailDomain != "" {
		email = netID + m.cfg.EmailDomain
	}
	if !m.CanSelfRegister(ctx, rc, netID) || email == "" {
		return authn.NoSuchUser, nil
	}
	id, err = m.store.Create(ctx, func(rec *identity.Identity) error {
		rec.Email = strings.ToLower(email)
		rec.NetID = netID
		rec.SelfRegistered = true
		return rc.RunInitHooks(ctx, rec)
	})
	if err != nil {
		return authn.NoSuchUser, fmt.Errorf("self-registration: %w", err)
	}
	rc.SetIdentity(id, m.Name())
	return authn.Success, nil
}

// validateTicket confirms the ticket with the CAS server and returns the
// asserted principal.
func (m *Method) validateTicket(ctx context.Context, ticket string) (netID, email string, out authn.Outcome, err error) {
	q := url.Values{}
	q.Set("ticket", ticket)
	q.Set("service", m.cfg.ServiceURL)
	validateURL := strings.TrimSuffix(m.cfg.ServerURL, "/") + "/serviceValidate?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return "", "", authn.NoSuchUser, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", "", authn.NoSuchUser, fmt.Errorf("cas validate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", authn.NoSuchUser, fmt.Errorf("cas validate: status %d", resp.StatusCode)
	}

	var sr serviceResponse
	if err := xml.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", "", authn.NoSuchUser, fmt.Errorf("cas validate: %w", err)
	}
	if sr.Failure != nil {
		// The server recognized and rejected the ticket: the proof failed.
		return "", "", authn.BadCredentials, fmt.Errorf("cas %s: %s", sr.Failure.Code, strings.TrimSpace(sr.Failure.Message))
	}
	if sr.Success == nil || sr.Success.User == "" {
		return "", "", authn.NoSuchUser, errors.New("cas validate: empty success response")
	}
	return sr.Success.User, strings.TrimSpace(sr.Success.Email), authn.Success, nil
}

func (m *Method) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return m.cfg.SelfRegister
}

// AllowSetPassword is always false: the CAS server owns the secret.
func (m *Method) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return false
}

func (m *Method) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	return nil
}

func (m *Method) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	return []identity.Group{}
}

// LoginPageURL sends the browser to the CAS login endpoint.
func (m *Method) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	q := url.Values{}
	q.Set("service", m.cfg.ServiceURL)
	return strings.TrimSuffix(m.cfg.ServerURL, "/") + "/login?" + q.Encode()
}
