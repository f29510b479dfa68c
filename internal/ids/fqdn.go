package ids

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// FQDN is a normalized, validated domain name: lowercased, ASCII-ized
// via IDNA, with any trailing dot stripped. It is the key type for
// ValidatedDomain rows and Certificate domain name lists.
type FQDN string

var punycode = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.VerifyDNSLength(true),
)

// ParseFQDN validates and normalizes s into an FQDN. It rejects the
// root domain, localhost, and anything with fewer than one label.
func ParseFQDN(s string) (FQDN, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	if s == "" {
		return "", fmt.Errorf("ids: fqdn: empty or root domain is not allowed")
	}

	ascii, err := punycode.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("ids: fqdn: invalid domain name %q: %w", s, err)
	}
	ascii = strings.ToLower(ascii)

	labels := strings.Split(ascii, ".")
	if len(labels) < 1 || labels[0] == "" {
		return "", fmt.Errorf("ids: fqdn: %q has no labels", s)
	}
	for _, label := range labels {
		if label == "" {
			return "", fmt.Errorf("ids: fqdn: %q has an empty label", s)
		}
	}

	if ascii == "localhost" || strings.HasSuffix(ascii, ".localhost") {
		return "", fmt.Errorf("ids: fqdn: %q is a localhost domain, not servable", s)
	}

	return FQDN(ascii), nil
}

// String returns the FQDN without a trailing dot, so
// FQDN(x).WithTrailingDot() round-trips back through String().
func (f FQDN) String() string { return string(f) }

// WithTrailingDot returns the DNS wire-form name, used when building
// DNS responses.
func (f FQDN) WithTrailingDot() string { return string(f) + "." }

// StripPort removes an optional ":port" suffix from a Host header
// value before FQDN parsing,.
func StripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		// Only strip if everything after the colon is digits, so IPv6
		// literals without brackets (malformed input) are left alone
		// rather than being truncated incorrectly.
		if isAllDigits(host[i+1:]) {
			return host[:i]
		}
	}
	return host
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
