// Package dns implements custom-domain ownership verification.
//
// A customer proves control of a hostname in two ways at once:
//
//   - a CNAME from the hostname to the platform's canonical serving host
//     (or, when the CNAME is not visible, a live HTTP challenge answered by
//     the hostname itself), and
//   - a TXT record at _chrverify.<hostname> containing the verification token
//     issued when the domain was added.
//
// The Verifier is stateless; persistence of the resulting status belongs to
// the registry service.
package dns

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

const (
	// VerificationSubdomain is the label under which the TXT ownership record
	// is published: _chrverify.<domain>.
	VerificationSubdomain = "_chrverify"

	// VerificationPrefix marks the TXT value for humans. Matching only looks
	// for the raw token.
	VerificationPrefix = "changerawr-domain-verification"

	// MaxDomainsPerProject caps custom domains per project.
	MaxDomainsPerProject = 5

	// DNSPropagationTimeout is how long a PENDING domain is re-checked before
	// it is abandoned.
	DNSPropagationTimeout = 48 * time.Hour
)

// BlockedDomains can never be attached to a project.
var BlockedDomains = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
	"::1",
	"example.com",
	"example.net",
	"example.org",
}

// blockedSuffixes are reserved TLDs (RFC 2606, RFC 6762) that never resolve publicly.
var blockedSuffixes = []string{
	".localhost",
	".local",
	".test",
	".example",
	".invalid",
}

var (
	ErrEmptyDomain   = errors.New("domain must not be empty")
	ErrInvalidDomain = errors.New("invalid domain name")
)

// TXTHost returns the DNS name where the ownership TXT record must be placed.
func TXTHost(domain string) string {
	return VerificationSubdomain + "." + strings.TrimSuffix(domain, ".")
}

// TXTValue returns the TXT record value the owner is asked to publish.
func TXTValue(token string) string {
	return VerificationPrefix + "=" + token
}

// GenerateToken produces a cryptographically random URL-safe token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NormalizeDomain trims, lower-cases and IDNA-encodes a user supplied hostname.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), ".")
	if d == "" {
		return "", ErrEmptyDomain
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return ascii, nil
}

// IsBlocked reports whether domain is on the block list or under a reserved suffix.
func IsBlocked(domain string) bool {
	d := strings.TrimSuffix(strings.ToLower(domain), ".")
	for _, b := range BlockedDomains {
		if d == b {
			return true
		}
	}
	for _, s := range blockedSuffixes {
		if d == strings.TrimPrefix(s, ".") || strings.HasSuffix(d, s) {
			return true
		}
	}
	return false
}

// ValidateDomain checks that a normalised domain is a registrable hostname.
func ValidateDomain(domain string) error {
	if domain == "" {
		return ErrEmptyDomain
	}
	if len(domain) > 253 {
		return fmt.Errorf("%w: longer than 253 characters", ErrInvalidDomain)
	}
	if net.ParseIP(domain) != nil {
		return fmt.Errorf("%w: IP addresses are not allowed", ErrInvalidDomain)
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: must contain at least one dot", ErrInvalidDomain)
	}
	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return err
		}
	}

	// A bare public suffix (co.uk, github.io) cannot be owned by one customer.
	if _, err := publicsuffix.EffectiveTLDPlusOne(domain); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", ErrInvalidDomain)
	}
	if len(label) > 63 {
		return fmt.Errorf("%w: label %q longer than 63 characters", ErrInvalidDomain, label)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("%w: label %q starts or ends with a hyphen", ErrInvalidDomain, label)
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return fmt.Errorf("%w: label %q contains %q", ErrInvalidDomain, label, r)
		}
	}
	return nil
}

// canonicalHost lower-cases a hostname and strips the root dot so that
// "Edge.Changerawr.app." and "edge.changerawr.app" compare equal.
func canonicalHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}
