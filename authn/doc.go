// Package authn implements a stackable, chain-of-responsibility
// authentication layer for a digital-repository backend.
//
// An ordered Registry of Method implementations (password, LDAP, X.509,
// SSO headers, OIDC, bearer tokens, IP ranges, CAS) is walked by a Chain for
// every authentication attempt. Each method inspects the supplied Credentials
// and the per-request RequestContext and returns a ranked Outcome. The first
// method to return Success wins and installs the resolved identity on the
// context; otherwise the most favorable non-success outcome observed across
// the walk is returned, so a BadCredentials from one method is never masked
// by a later method merely reporting NoSuchUser.
//
// # Implicit vs. explicit methods
//
// Explicit methods require an identifier and secret supplied by the caller.
// Implicit methods derive identity from the transport or environment (client
// certificates, gateway-asserted SSO headers, bearer tokens, remote address)
// and are additionally consulted by Chain.AuthenticateImplicit, the passive
// per-request resolution path that never involves a login form.
//
// # Outcomes, not errors
//
// Methods convert internal faults (directory timeouts, unparseable
// assertions, lookup errors) into outcomes before returning; a fault in one
// method must never prevent the rest of the stack from being evaluated. The
// Chain additionally recovers panics and downgrades unexpected errors to
// NoSuchUser so one misbehaving method cannot abort the walk.
//
// # Special groups
//
// Every method may grant contextual group memberships via SpecialGroups
// (IP-range grants, directory role mappings, certificate-holder groups).
// Chain.SpecialGroups evaluates every method regardless of authentication
// outcome and returns the de-duplicated union, optionally through a
// TTL-bounded GroupCache.
//
// Example:
//
//	reg, err := authn.NewRegistry(ipMethod, certMethod, passwordMethod)
//	if err != nil { log.Fatal(err) }
//	chain := authn.New(reg, store)
//
//	rc := authn.NewHTTPContext(r)
//	out := chain.Authenticate(ctx, rc, authn.Credentials{NetID: email, Secret: pw})
//	if out == authn.Success {
//	    user := rc.Identity()
//	    groups := chain.SpecialGroups(ctx, rc)
//	    _ = user
//	    _ = groups
//	}
package authn
