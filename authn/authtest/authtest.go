// Package authtest provides scripted Method stubs for exercising chain
// behavior in tests without real protocol clients.
package authtest

import (
	"context"
	"sync"

	"github.com/openrepo/authstack/authn"
	"github.com/openrepo/authstack/identity"
)

// StubMethod is a scriptable authn.Method. The zero value declines every
// attempt with BadArgs and grants nothing.
type StubMethod struct {
	MethodName string
	Implicit   bool

	// Outcome and Err are returned from Authenticate. When Outcome is
	// Success and Identity is non-nil, the identity is installed first.
	Outcome  authn.Outcome
	Err      error
	Identity *identity.Identity

	// PanicMsg, when non-empty, makes Authenticate panic instead of return.
	PanicMsg string

	SelfRegister bool
	SetPassword  bool
	Groups       []identity.Group
	LoginURL     string
	InitErr      error

	mu        sync.Mutex
	authCalls int
	initCalls int
}

var _ authn.Method = (*StubMethod)(nil)

func (s *StubMethod) Name() string {
	if s.MethodName == "" {
		return "stub"
	}
	return s.MethodName
}

func (s *StubMethod) IsImplicit() bool { return s.Implicit }

func (s *StubMethod) Authenticate(ctx context.Context, rc *authn.RequestContext, creds authn.Credentials) (authn.Outcome, error) {
	s.mu.Lock()
	s.authCalls++
	s.mu.Unlock()
	if s.PanicMsg != "" {
		panic(s.PanicMsg)
	}
	if s.Outcome == authn.Success && s.Identity != nil {
		rc.SetIdentity(s.Identity, s.Name())
	}
	return s.Outcome, s.Err
}

func (s *StubMethod) CanSelfRegister(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return s.SelfRegister
}

func (s *StubMethod) AllowSetPassword(ctx context.Context, rc *authn.RequestContext, netID string) bool {
	return s.SetPassword
}

func (s *StubMethod) InitIdentity(ctx context.Context, rc *authn.RequestContext, id *identity.Identity) error {
	s.mu.Lock()
	s.initCalls++
	s.mu.Unlock()
	return s.InitErr
}

func (s *StubMethod) SpecialGroups(ctx context.Context, rc *authn.RequestContext) []identity.Group {
	return append([]identity.Group(nil), s.Groups...)
}

func (s *StubMethod) LoginPageURL(ctx context.Context, rc *authn.RequestContext) string {
	return s.LoginURL
}

// AuthCalls reports how many times Authenticate ran.
func (s *StubMethod) AuthCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCalls
}

// InitCalls reports how many times InitIdentity ran.
func (s *StubMethod) InitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCalls
}
