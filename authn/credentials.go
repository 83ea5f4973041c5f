package authn

// Credentials carries the caller-supplied inputs for one explicit
// authentication attempt. Implicit methods ignore it and consult the
// RequestContext instead. Values are immutable for the duration of the
// attempt; methods must not modify them.
type Credentials struct {
	// NetID is the claimed identifier: an email address for local-secret
	// logins, a directory uid for LDAP binds.
	NetID string
	// Secret is the proof accompanying NetID.
	Secret string
	// Realm optionally scopes the attempt when a deployment runs the same
	// mechanism against several backends. Empty for most methods.
	Realm string
}

// Complete reports whether both explicit fields are present. Explicit
// methods return BadArgs without it.
func (c Credentials) Complete() bool {
	return c.NetID != "" && c.Secret != ""
}
