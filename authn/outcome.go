package authn

import "fmt"

// Outcome is the ranked result of one authentication attempt. Lower values
// are more favorable; the Chain keeps the best-ranked non-success outcome it
// sees while walking the stack.
//
// The numeric assignments are part of the contract: adding a new outcome
// requires deliberately choosing its rank relative to the existing ones, not
// appending to the end of an iota block.
type Outcome int

const (
	// Success: the method authenticated the credentials and installed the
	// identity on the request context.
	Success Outcome = 1
	// BadCredentials: an identity was recognized but the supplied proof
	// (secret, ticket, token) failed verification.
	BadCredentials Outcome = 2
	// CertRequired: the identity exists but its policy demands a stronger
	// mechanism than the one attempted.
	CertRequired Outcome = 3
	// NoSuchUser: the mechanism applied but matched no identity, or an
	// internal fault degraded the attempt.
	NoSuchUser Outcome = 4
	// BadArgs: the mechanism does not apply to this attempt (missing fields,
	// no certificate presented, account policy forbids this method). Least
	// favorable; the sentinel the Chain starts from.
	BadArgs Outcome = 5
)

// valid reports whether o is one of the five defined outcomes.
func (o Outcome) valid() bool {
	return o >= Success && o <= BadArgs
}

// betterThan reports whether o outranks p (is more favorable).
func (o Outcome) betterThan(p Outcome) bool { return o < p }

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case BadCredentials:
		return "bad_credentials"
	case CertRequired:
		return "cert_required"
	case NoSuchUser:
		return "no_such_user"
	case BadArgs:
		return "bad_args"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}
