package pairing

import (
	"regexp"
	"strings"
)

// maxPhoneDigits is the E.164 upper bound including the country code.
const maxPhoneDigits = 15

var sessionIDRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// NormalizePhone canonicalizes a phone number into country-code-prefixed digits.
//
// Policy: keep digits only; with a country code configured, drop an international "00"
// prefix, leave already-prefixed numbers alone, drop one leading local "0", then prepend
// the country code. Without a country code the digits are returned unchanged.
// The result always starts with the country code (when non-empty), which makes the
// function idempotent.
func NormalizePhone(raw, countryCode string) string {
	digits := onlyDigits(raw)
	cc := onlyDigits(countryCode)
	if digits == "" || cc == "" {
		return digits
	}

	digits = strings.TrimPrefix(digits, "00")
	if strings.HasPrefix(digits, cc) {
		return digits
	}
	digits = strings.TrimPrefix(digits, "0")
	if digits == "" {
		return ""
	}
	return cc + digits
}

// ValidatePhone normalizes raw and rejects empty or over-long results.
func ValidatePhone(raw, countryCode string) (string, error) {
	phone := NormalizePhone(raw, countryCode)
	if phone == "" {
		return "", opError("pairing.ValidatePhone", ErrInvalidRequest, "missing phone number")
	}
	if len(phone) > maxPhoneDigits {
		return "", opError("pairing.ValidatePhone", ErrInvalidRequest, "phone number longer than %d digits", maxPhoneDigits)
	}
	if cc := onlyDigits(countryCode); cc != "" && len(phone) <= len(cc) {
		return "", opError("pairing.ValidatePhone", ErrInvalidRequest, "phone number has no subscriber digits")
	}
	return phone, nil
}

// ValidSessionID reports whether id can name a credentials directory and an archive file.
func ValidSessionID(id string) bool {
	return sessionIDRE.MatchString(id)
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
