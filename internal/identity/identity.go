// Package identity canonicalizes transport sender identifiers into stable
// conversation keys.
//
// The same end-user can appear under superficially different encodings: with or
// without the country code, with formatting punctuation, or with the country
// code duplicated by the upstream transport. All of them must map to one key so
// that exactly one conversation exists per person.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Constants for identifier validation
const (
	// DefaultCountryCode is the canonical country-code prefix for phone keys.
	DefaultCountryCode = "55"
	// MinNationalDigits is the minimum national-number length accepted.
	MinNationalDigits = 10
	// MaxNationalDigits is the maximum national-number length accepted.
	MaxNationalDigits = 11
	// AliasPrefix tags business-alias identities so they never collide with
	// the phone-number key space.
	AliasPrefix = "biz:"
)

// ErrCannotNormalize is returned when no canonical key can be derived from the
// raw identifier. Callers must drop the message rather than fabricate a key.
var ErrCannotNormalize = errors.New("cannot normalize sender identifier")

var nonDigitRegex = regexp.MustCompile(`\D`)

// Resolver canonicalizes raw sender identifiers. The zero value is not usable;
// construct with NewResolver.
type Resolver struct {
	countryCode string
}

// NewResolver creates a Resolver for the given country-code prefix. An empty
// code selects DefaultCountryCode.
func NewResolver(countryCode string) *Resolver {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &Resolver{countryCode: countryCode}
}

// Resolve derives the canonical conversation key for a raw phone identifier.
// It strips all non-digit characters, collapses duplicated country-code
// prefixes, and ensures the result carries the country code exactly once.
func (r *Resolver) Resolve(raw string) (string, error) {
	digits := nonDigitRegex.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("%w: no digits in %q", ErrCannotNormalize, raw)
	}

	collapsed := r.collapseCountryCode(digits)
	if collapsed != digits {
		slog.Debug("Resolver.Resolve: collapsed duplicated country code", "raw", raw, "collapsed", collapsed)
	}

	// Already prefixed with the country code and a valid national number.
	if strings.HasPrefix(collapsed, r.countryCode) {
		national := collapsed[len(r.countryCode):]
		if validNationalLength(national) {
			return collapsed, nil
		}
	}

	// Bare national number: prepend the country code.
	if validNationalLength(collapsed) {
		return r.countryCode + collapsed, nil
	}

	return "", fmt.Errorf("%w: %q has %d digits after stripping", ErrCannotNormalize, raw, len(collapsed))
}

// ResolveAlias maps a business-alias identifier into the tagged alias key
// space. Alias identities are a separate namespace, not phone numbers.
func (r *Resolver) ResolveAlias(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", fmt.Errorf("%w: empty alias identifier", ErrCannotNormalize)
	}
	return AliasPrefix + id, nil
}

// IsAliasKey reports whether a canonical key belongs to the alias namespace.
func IsAliasKey(key string) bool {
	return strings.HasPrefix(key, AliasPrefix)
}

// collapseCountryCode reduces consecutive repeats of the country-code prefix
// to a single occurrence. The upstream transport is known to occasionally
// duplicate the prefix when relaying forwarded contacts.
func (r *Resolver) collapseCountryCode(digits string) string {
	doubled := r.countryCode + r.countryCode
	for strings.HasPrefix(digits, doubled) {
		digits = digits[len(r.countryCode):]
	}
	return digits
}

func validNationalLength(national string) bool {
	return len(national) >= MinNationalDigits && len(national) <= MaxNationalDigits
}
