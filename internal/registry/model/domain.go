package model

import (
	"time"

	"github.com/google/uuid"

	internaldns "github.com/changerawr/domains/internal/dns"
)

// DomainStatus represents the verification state of a custom domain.
type DomainStatus string

const (
	DomainStatusPending  DomainStatus = "PENDING"
	DomainStatusVerified DomainStatus = "VERIFIED"
	DomainStatusFailed   DomainStatus = "FAILED"
)

// AllDomainStatuses lists every status, used to zero the domain gauges.
var AllDomainStatuses = []DomainStatus{DomainStatusPending, DomainStatusVerified, DomainStatusFailed}

// CustomDomain is a customer-owned hostname attached to a project.
type CustomDomain struct {
	ID                uuid.UUID    `json:"id"`
	ProjectID         string       `json:"project_id"`
	Domain            string       `json:"domain"`
	VerificationToken string       `json:"verification_token"`
	Status            DomainStatus `json:"status"`
	LastCheckedAt     *time.Time   `json:"last_checked_at,omitempty"`
	LastErrors        []string     `json:"last_errors"`
	VerifiedAt        *time.Time   `json:"verified_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`

	// Instructions is computed; not stored in DB.
	Instructions []DNSInstruction `json:"instructions,omitempty"`
}

// DNSInstruction is one record the domain owner must publish.
type DNSInstruction struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// InstructionsFor returns the CNAME and TXT records proving ownership of
// domain for token, pointing the CNAME at target.
func InstructionsFor(domain, token, target string) []DNSInstruction {
	return []DNSInstruction{
		{Type: "CNAME", Name: domain, Value: target, TTL: 300},
		{Type: "TXT", Name: internaldns.TXTHost(domain), Value: internaldns.TXTValue(token), TTL: 300},
	}
}

// IsVerified reports whether the domain has passed verification.
func (d *CustomDomain) IsVerified() bool {
	return d.Status == DomainStatusVerified
}

// Expired reports whether a PENDING domain has outlived the propagation window.
func (d *CustomDomain) Expired(now time.Time) bool {
	return d.Status == DomainStatusPending && now.Sub(d.CreatedAt) > internaldns.DNSPropagationTimeout
}
