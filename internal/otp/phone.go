package otp

import (
	"regexp"
	"strings"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// NormalizePhone canonicalizes a raw phone number to E.164. Non-digit
// characters are stripped; a number without a leading "+" gets the supplied
// country code (or the fallback) prefixed. Returns false when the result is
// not a plausible E.164 number.
func NormalizePhone(raw, countryCode, defaultCountryCode string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	hasPlus := strings.HasPrefix(raw, "+")
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return "", false
	}

	var normalized string
	if hasPlus {
		normalized = "+" + digits.String()
	} else {
		cc := strings.TrimSpace(countryCode)
		if cc == "" {
			cc = defaultCountryCode
		}
		cc = strings.TrimPrefix(cc, "+")
		normalized = "+" + cc + digits.String()
	}

	if !e164Pattern.MatchString(normalized) {
		return "", false
	}
	return normalized, true
}
