// Package nick validates and coerces desired IRC nicknames per RFC 2812.
package nick

import (
	"fmt"
	"regexp"
)

// allowedChars matches any character outside the RFC 2812 section 2.3.1
// nickname character set (which includes the backtick special
// character); Validate strips every match.
var allowedChars = regexp.MustCompile("[^A-Za-z0-9\\]\\[\\^\\\\{}\\-_|`]")

// startsWithLetter checks the RFC 2812 requirement that a nick begin with
// a letter (special characters are technically allowed by the RFC, but
// generated guest identifiers are all-digits and most networks reject
// leading digits in practice).
var startsWithLetter = regexp.MustCompile(`^[A-Za-z]`)

// Limits describes the server-advertised constraints a live session knows
// about. NickLen is zero when no live client has reported ISUPPORT NICKLEN.
type Limits struct {
	NickLen int
}

// Validate maps a desired nick to a valid one under the given limits, or
// fails with a human-readable reason when strict is true and any
// transformation would alter the input.
//
// When strict is false, the coerced result is always returned instead of
// an error.
func Validate(desired string, strict bool, limits Limits) (string, error) {
	stripped := allowedChars.ReplaceAllString(desired, "")

	if strict && stripped != desired {
		return "", fmt.Errorf("nick %q contains illegal characters", desired)
	}

	if !startsWithLetter.MatchString(stripped) {
		if strict {
			return "", fmt.Errorf("nick %q must start with a letter", desired)
		}
		stripped = "M" + stripped
	}

	if limits.NickLen > 0 && len(stripped) > limits.NickLen {
		if strict {
			return "", fmt.Errorf("nick %q too long. (Max: %d)", desired, limits.NickLen)
		}
		stripped = stripped[:limits.NickLen]
	}

	return stripped, nil
}
