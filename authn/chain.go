package authn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openrepo/authstack/identity"
	"github.com/openrepo/authstack/internal/logctx"
)

// GroupCache optionally bounds special-group evaluation. Implementations
// (see authn/groupcache/redisgroups) cache the union of grants per context
// fingerprint with a TTL. Misses and errors both fall through to a full
// evaluation; cache failures never affect results.
type GroupCache interface {
	Get(ctx context.Context, key string) ([]identity.Group, bool, error)
	Set(ctx context.Context, key string, groups []identity.Group) error
}

// Chain walks an immutable Registry of methods, applying the
// first-success-wins policy with best-outcome retention. A Chain holds no
// per-request state and is safe for concurrent use.
type Chain struct {
	reg   *Registry
	store identity.Store
	cache GroupCache
	log   *slog.Logger
}

// Option configures optional Chain behavior.
type Option func(*Chain)

// WithLogger sets the logger used for chain decisions and side-effect
// failures. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.log = l }
}

// WithGroupCache enables TTL-bounded caching of special-group evaluation.
func WithGroupCache(gc GroupCache) Option {
	return func(c *Chain) { c.cache = gc }
}

// New builds a Chain over the given registry and identity store.
func New(reg *Registry, store identity.Store, opts ...Option) *Chain {
	c := &Chain{reg: reg, store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Authenticate evaluates the full stack against the supplied credentials.
// The first method returning Success wins and short-circuits the walk;
// otherwise the most favorable non-success outcome observed is returned.
func (c *Chain) Authenticate(ctx context.Context, rc *RequestContext, creds Credentials) Outcome {
	return c.run(ctx, rc, creds, false)
}

// AuthenticateImplicit evaluates only implicit methods. This is the passive
// per-request resolution path: no login form was submitted, identity (and
// group grants) may still be derivable from the transport.
func (c *Chain) AuthenticateImplicit(ctx context.Context, rc *RequestContext) Outcome {
	return c.run(ctx, rc, Credentials{}, true)
}

func (c *Chain) run(ctx context.Context, rc *RequestContext, creds Credentials, implicitOnly bool) Outcome {
	rc.initHooks = func(hctx context.Context, id *identity.Identity) error {
		return c.initAllWith(hctx, rc, id)
	}
	defer func() { rc.initHooks = nil }()

	best := BadArgs
	for _, m := range c.reg.methods {
		if implicitOnly && !m.IsImplicit() {
			continue
		}
		mctx := logctx.WithAttemptData(ctx, &logctx.AttemptData{
			Method:     m.Name(),
			NetID:      creds.NetID,
			RemoteAddr: rc.RemoteAddr,
		})
		out := c.tryMethod(mctx, rc, creds, m)
		if out == Success {
			c.log.DebugContext(mctx, "authentication succeeded")
			c.touchLastActive(mctx, rc)
			return Success
		}
		c.log.DebugContext(mctx, "method declined", slog.String("outcome", out.String()))
		if out.betterThan(best) {
			best = out
		}
	}
	return best
}

// tryMethod invokes one method, downgrading faults so a misbehaving method
// cannot abort evaluation of the remaining stack. A panic, or an error paired
// with an out-of-range outcome, is treated as NoSuchUser. A method may not
// claim Success alongside an error.
func (c *Chain) tryMethod(ctx context.Context, rc *RequestContext, creds Credentials, m Method) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "method panicked", slog.Any("panic", r))
			rc.ClearIdentity()
			out = NoSuchUser
		}
	}()
	out, err := m.Authenticate(ctx, rc, creds)
	if err != nil {
		c.log.WarnContext(ctx, "method fault", slog.String("err", err.Error()))
		if !out.valid() || out == Success {
			rc.ClearIdentity()
			out = NoSuchUser
		}
		return out
	}
	if !out.valid() {
		c.log.ErrorContext(ctx, "method returned unknown outcome", slog.Int("outcome", int(out)))
		return NoSuchUser
	}
	return out
}

// touchLastActive records the authentication timestamp. Best-effort:
// failures are logged and never downgrade a Success.
func (c *Chain) touchLastActive(ctx context.Context, rc *RequestContext) {
	id := rc.Identity()
	if id == nil {
		return
	}
	if err := c.store.TouchLastActive(ctx, id.ID); err != nil {
		c.log.WarnContext(ctx, "last-active touch failed", slog.String("err", err.Error()))
	}
}

// CanSelfRegister reports whether any configured method permits auto-creating
// an identity for netID. Per-method flags combine permissively.
func (c *Chain) CanSelfRegister(ctx context.Context, rc *RequestContext, netID string) bool {
	for _, m := range c.reg.methods {
		if m.CanSelfRegister(ctx, rc, netID) {
			return true
		}
	}
	return false
}

// AllowSetPassword reports whether any configured method permits netID to
// change a locally stored secret.
func (c *Chain) AllowSetPassword(ctx context.Context, rc *RequestContext, netID string) bool {
	for _, m := range c.reg.methods {
		if m.AllowSetPassword(ctx, rc, netID) {
			return true
		}
	}
	return false
}

// InitIdentity runs every method's init hook against a newly created
// identity. Callers performing self-registration outside a chain walk use
// this directly; during a walk the same fan-out is reachable through
// RequestContext.RunInitHooks.
func (c *Chain) InitIdentity(ctx context.Context, rc *RequestContext, id *identity.Identity) error {
	return c.initAllWith(ctx, rc, id)
}

func (c *Chain) initAllWith(ctx context.Context, rc *RequestContext, id *identity.Identity) error {
	var errs []error
	for _, m := range c.reg.methods {
		if err := m.InitIdentity(ctx, rc, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// SpecialGroups returns the de-duplicated union of contextual group grants
// from every configured method. The walk is never short-circuited: each
// method is consulted regardless of what earlier ones reported. When a
// GroupCache is configured the evaluation is served from and written through
// it, keyed by the context fingerprint.
func (c *Chain) SpecialGroups(ctx context.Context, rc *RequestContext) []identity.Group {
	key := groupCacheKey(rc)
	if c.cache != nil {
		if groups, ok, err := c.cache.Get(ctx, key); err != nil {
			c.log.WarnContext(ctx, "group cache read failed", slog.String("err", err.Error()))
		} else if ok {
			return groups
		}
	}

	seen := make(map[string]struct{})
	groups := []identity.Group{}
	for _, m := range c.reg.methods {
		for _, g := range c.trySpecialGroups(ctx, rc, m) {
			k := g.ID.String() + "|" + g.Name
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			groups = append(groups, g)
		}
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, groups); err != nil {
			c.log.WarnContext(ctx, "group cache write failed", slog.String("err", err.Error()))
		}
	}
	return groups
}

func (c *Chain) trySpecialGroups(ctx context.Context, rc *RequestContext, m Method) (groups []identity.Group) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "special-groups panicked",
				slog.String("method", m.Name()), slog.Any("panic", r))
			groups = nil
		}
	}()
	return m.SpecialGroups(ctx, rc)
}

// groupCacheKey fingerprints the inputs special-group evaluation depends on:
// the authenticated identity (if any) and the remote host.
func groupCacheKey(rc *RequestContext) string {
	who := "anon"
	if id := rc.Identity(); id != nil {
		who = id.ID.String()
	}
	return who + "@" + rc.RemoteHost()
}

// Descriptors returns the configured method descriptors in priority order.
func (c *Chain) Descriptors() []Descriptor { return c.reg.Descriptors() }
