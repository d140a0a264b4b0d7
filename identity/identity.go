// Package identity normalizes free-form phone input into the canonical
// address form used by the messaging platform.
//
// Individual identities are "<digits>@c.us"; group identities are
// "<digits>@g.us". Group ids are assigned by the platform and pass through
// unchanged — their digit sequences follow a different scheme and must not
// be rewritten.
package identity

import (
	"fmt"
	"strings"
)

const (
	individualSuffix = "@c.us"
	groupSuffix      = "@g.us"

	minDigits = 10
	maxDigits = 15
)

// Identity is a canonical platform address (individual or group).
type Identity string

// String returns the raw address form.
func (id Identity) String() string { return string(id) }

// IsGroup reports whether the identity addresses a group chat.
func (id Identity) IsGroup() bool { return strings.HasSuffix(string(id), groupSuffix) }

// Digits returns the numeric part of the identity, without any suffix.
func (id Identity) Digits() string {
	s := string(id)
	if i := strings.IndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

// ErrInvalidIdentity is returned when input cannot be normalized into a
// platform address.
type ErrInvalidIdentity struct {
	Input  string
	Reason string
}

func (e *ErrInvalidIdentity) Error() string {
	return fmt.Sprintf("identity: invalid input %q: %s", Mask(Identity(e.Input)), e.Reason)
}

// Normalizer converts free-form phone input into an Identity.
// The zero value uses country code "55" (the reference market).
type Normalizer struct {
	// DefaultCountryCode is prepended when the input carries only a
	// national-length number (10 or 11 digits).
	DefaultCountryCode string
}

// NewNormalizer creates a Normalizer for the given default country code.
// An empty code falls back to "55".
func NewNormalizer(countryCode string) *Normalizer {
	if countryCode == "" {
		countryCode = "55"
	}
	return &Normalizer{DefaultCountryCode: countryCode}
}

// Normalize converts raw phone input into a canonical Identity.
//
// Suffixed inputs ("@c.us", "@g.us") are already canonical and pass
// through unchanged. For everything else all non-digit characters are
// stripped; 10 or 11 remaining digits are taken as a national number and
// get the default country code prepended; 12–15 digits are taken as
// already international. Fewer than 10 or more than 15 digits is an
// ErrInvalidIdentity.
//
// Normalize is idempotent: feeding its own output back yields the same
// Identity. The individual-suffix passthrough carries that invariant for
// one-digit country codes, where a once-prefixed national number is still
// national-length by digit count alone.
func (n *Normalizer) Normalize(raw string) (Identity, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &ErrInvalidIdentity{Input: raw, Reason: "empty input"}
	}

	if strings.HasSuffix(trimmed, groupSuffix) || strings.HasSuffix(trimmed, individualSuffix) {
		return Identity(trimmed), nil
	}

	digits := stripNonDigits(trimmed)
	if len(digits) < minDigits {
		return "", &ErrInvalidIdentity{Input: raw, Reason: fmt.Sprintf("too few digits (%d)", len(digits))}
	}
	if len(digits) > maxDigits {
		return "", &ErrInvalidIdentity{Input: raw, Reason: fmt.Sprintf("too many digits (%d)", len(digits))}
	}

	cc := n.DefaultCountryCode
	if cc == "" {
		cc = "55"
	}

	// 10 or 11 digits is a national number (area code + subscriber);
	// anything longer already carries a country code.
	if len(digits) == 10 || len(digits) == 11 {
		digits = cc + digits
	}

	return Identity(digits + individualSuffix), nil
}

// Mask redacts the middle of an identity's digits for log output,
// keeping the country code and the last two digits.
func Mask(id Identity) string {
	digits := id.Digits()
	if len(digits) <= 6 {
		return strings.Repeat("*", len(digits))
	}
	suffix := ""
	if i := strings.IndexByte(string(id), '@'); i >= 0 {
		suffix = string(id)[i:]
	}
	return digits[:4] + strings.Repeat("*", len(digits)-6) + digits[len(digits)-2:] + suffix
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
