package authn

import "testing"

func TestOutcomeRankOrder(t *testing.T) {
	// The total order is part of the contract; a new outcome must slot in
	// deliberately rather than shifting these.
	ordered := []Outcome{Success, BadCredentials, CertRequired, NoSuchUser, BadArgs}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i-1].betterThan(ordered[i]) {
			t.Fatalf("%v should outrank %v", ordered[i-1], ordered[i])
		}
		if ordered[i].betterThan(ordered[i-1]) {
			t.Fatalf("%v should not outrank %v", ordered[i], ordered[i-1])
		}
	}
}

func TestOutcomeNumericAssignments(t *testing.T) {
	want := map[Outcome]int{
		Success:        1,
		BadCredentials: 2,
		CertRequired:   3,
		NoSuchUser:     4,
		BadArgs:        5,
	}
	for o, n := range want {
		if int(o) != n {
			t.Errorf("%v = %d, want %d", o, int(o), n)
		}
	}
}

func TestOutcomeValid(t *testing.T) {
	for _, o := range []Outcome{Success, BadCredentials, CertRequired, NoSuchUser, BadArgs} {
		if !o.valid() {
			t.Errorf("%v should be valid", o)
		}
	}
	for _, o := range []Outcome{0, 6, -1, 100} {
		if o.valid() {
			t.Errorf("outcome %d should be invalid", int(o))
		}
	}
}

func TestOutcomeString(t *testing.T) {
	if got := BadCredentials.String(); got != "bad_credentials" {
		t.Errorf("String() = %q", got)
	}
	if got := Outcome(42).String(); got != "outcome(42)" {
		t.Errorf("String() = %q", got)
	}
}
