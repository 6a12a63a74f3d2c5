package pairing

import (
	"errors"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		cc   string
		want string
	}{
		{name: "local with trunk zero", in: "0821234567", cc: "258", want: "258821234567"},
		{name: "already prefixed", in: "258821234567", cc: "258", want: "258821234567"},
		{name: "subscriber only", in: "821234567", cc: "258", want: "258821234567"},
		{name: "plus and spaces", in: "+258 82 123 4567", cc: "258", want: "258821234567"},
		{name: "international 00", in: "00258821234567", cc: "258", want: "258821234567"},
		{name: "punctuation", in: "(082) 123-4567", cc: "258", want: "258821234567"},
		{name: "country code with plus", in: "821234567", cc: "+258", want: "258821234567"},
		{name: "no digits", in: "abc", cc: "258", want: ""},
		{name: "only zero", in: "0", cc: "258", want: ""},
		{name: "no country code keeps digits", in: "0821234567", cc: "", want: "0821234567"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NormalizePhone(tc.in, tc.cc); got != tc.want {
				t.Fatalf("NormalizePhone(%q,%q)=%q want=%q", tc.in, tc.cc, got, tc.want)
			}
		})
	}
}

func TestNormalizePhone_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"", "0", "00", "000", "0000", "1", "25", "258", "2580", "0258",
		"00258", "0821234567", "00821234567", "000821234567", "821234567",
		"258821234567", "2582582580", "0025800258", "12345678901234567890",
		"+1 (555) 010-0000", "0044 20 7946 0000",
	}
	for _, cc := range []string{"258", "1", "44", ""} {
		for _, in := range inputs {
			once := NormalizePhone(in, cc)
			twice := NormalizePhone(once, cc)
			if once != twice {
				t.Fatalf("cc=%q in=%q: normalize=%q normalize^2=%q", cc, in, once, twice)
			}
		}
	}

	// Exhaustive over short digit strings.
	var walk func(prefix string, depth int)
	walk = func(prefix string, depth int) {
		once := NormalizePhone(prefix, "258")
		if twice := NormalizePhone(once, "258"); once != twice {
			t.Fatalf("in=%q: normalize=%q normalize^2=%q", prefix, once, twice)
		}
		if depth == 0 {
			return
		}
		for _, d := range "02589" {
			walk(prefix+string(d), depth-1)
		}
	}
	walk("", 6)
}

func TestValidatePhone(t *testing.T) {
	t.Parallel()

	if got, err := ValidatePhone("082 123 4567", "258"); err != nil || got != "258821234567" {
		t.Fatalf("ValidatePhone valid: got=%q err=%v", got, err)
	}

	for _, in := range []string{"", "  ", "0", "258", "1234567890123456789"} {
		if _, err := ValidatePhone(in, "258"); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("ValidatePhone(%q) err=%v want ErrInvalidRequest", in, err)
		}
	}
}

func TestValidSessionID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"s1", "bot-01", "A.b_c", "x"} {
		if !ValidSessionID(id) {
			t.Fatalf("ValidSessionID(%q)=false", id)
		}
	}
	for _, id := range []string{"", "..", "../x", "a/b", ".hidden", "-dash", "with space"} {
		if ValidSessionID(id) {
			t.Fatalf("ValidSessionID(%q)=true", id)
		}
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateInit, StateAwaitingIdentifier, StateCodePending, StateConnected, StateFailed, StateClosed} {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseState(%q)=%v,%v", s.String(), got, err)
		}
	}
	if !StateFailed.Terminal() || !StateClosed.Terminal() || StateConnected.Terminal() {
		t.Fatalf("terminal classification mismatch")
	}
}
