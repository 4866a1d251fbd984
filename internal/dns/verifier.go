package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// VerificationResult is the outcome of VerifyDNSRecords.
//
// CNAMEValid is true when either the CNAME matched or the HTTP fallback
// confirmed the token; both prove the domain routes to the platform.
type VerificationResult struct {
	CNAMEValid  bool     `json:"cname_valid"`
	TXTValid    bool     `json:"txt_valid"`
	CNAMETarget *string  `json:"cname_target,omitempty"`
	TXTRecord   *string  `json:"txt_record,omitempty"`
	Errors      []string `json:"errors"`
}

// Verified reports whether both ownership proofs passed.
func (r *VerificationResult) Verified() bool {
	return r.CNAMEValid && r.TXTValid
}

// Check names used with CheckRecorder.
const (
	CheckCNAME        = "cname"
	CheckTXT          = "txt"
	CheckHTTPFallback = "http_fallback"
)

// CheckRecorder is an optional callback invoked once per sub-check.
type CheckRecorder func(check string, ok bool)

// Verifier orchestrates the CNAME, TXT and HTTP fallback checks.
type Verifier struct {
	resolver  Resolver
	prober    Prober
	txtBypass bool
	onCheck   CheckRecorder
	logger    *zap.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTXTBypass makes every TXT check succeed without a lookup. It exists for
// local UI work against domains with no real DNS and must stay off in production.
func WithTXTBypass(enabled bool) Option {
	return func(v *Verifier) { v.txtBypass = enabled }
}

// NewVerifier creates a Verifier.
func NewVerifier(resolver Resolver, prober Prober, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{resolver: resolver, prober: prober, logger: logger}
	for _, o := range opts {
		o(v)
	}
	if v.txtBypass {
		logger.Warn("TXT verification bypass is enabled; do not use in production")
	}
	return v
}

// SetCheckRecorder configures the per-check callback.
func (v *Verifier) SetCheckRecorder(fn CheckRecorder) {
	v.onCheck = fn
}

type cnameOutcome struct {
	valid  bool
	target *string
	errMsg string
}

type txtOutcome struct {
	valid  bool
	record *string
	errMsg string
}

// VerifyDNSRecords checks that domain points at expectedTarget and publishes
// token under _chrverify.<domain>. It always returns a result; lookup and
// probe failures are reported in Errors.
func (v *Verifier) VerifyDNSRecords(ctx context.Context, domain, expectedTarget, token string) (result *VerificationResult) {
	result = &VerificationResult{Errors: []string{}}
	defer func() {
		if r := recover(); r != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("DNS verification error: %v", r))
			v.logger.Error("dns verification panicked",
				zap.String("domain", domain),
				zap.Any("panic", r),
			)
		}
	}()

	var (
		cname cnameOutcome
		txt   txtOutcome
	)

	// The two lookups are independent; errors travel in the outcomes.
	var g errgroup.Group
	g.Go(func() error {
		cname = v.guardCNAME(ctx, domain, expectedTarget)
		return nil
	})
	g.Go(func() error {
		txt = v.guardTXT(ctx, domain, token)
		return nil
	})
	_ = g.Wait()

	result.CNAMEValid = cname.valid
	result.CNAMETarget = cname.target
	if cname.errMsg != "" {
		result.Errors = append(result.Errors, cname.errMsg)
	}

	result.TXTValid = txt.valid
	result.TXTRecord = txt.record
	if txt.errMsg != "" {
		result.Errors = append(result.Errors, txt.errMsg)
	}

	if !result.CNAMEValid {
		probe := v.prober.Probe(ctx, domain, token)
		v.record(CheckHTTPFallback, probe.Success)
		if probe.Success {
			result.CNAMEValid = true
			result.Errors = removeMessage(result.Errors, cname.errMsg)
			v.logger.Info("cname proof satisfied by http fallback", zap.String("domain", domain))
		} else {
			result.Errors = append(result.Errors, "HTTP verification fallback failed: "+probe.Error)
		}
	}

	v.logger.Debug("dns verification finished",
		zap.String("domain", domain),
		zap.Bool("cname_valid", result.CNAMEValid),
		zap.Bool("txt_valid", result.TXTValid),
		zap.Strings("errors", result.Errors),
	)
	return result
}

// CheckDomainResolution reports whether domain has any A/AAAA records.
func (v *Verifier) CheckDomainResolution(ctx context.Context, domain string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("domain resolution check panicked", zap.String("domain", domain), zap.Any("panic", r))
			ok = false
		}
	}()

	addrs, err := v.resolver.LookupHost(ctx, domain)
	if err != nil {
		v.logger.Debug("domain does not resolve", zap.String("domain", domain), zap.Error(err))
		return false
	}
	return len(addrs) > 0
}

func (v *Verifier) guardCNAME(ctx context.Context, domain, expected string) (out cnameOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = cnameOutcome{errMsg: fmt.Sprintf("DNS verification error: %v", r)}
		}
	}()
	out = v.checkCNAME(ctx, domain, expected)
	v.record(CheckCNAME, out.valid)
	return out
}

func (v *Verifier) checkCNAME(ctx context.Context, domain, expected string) cnameOutcome {
	records, err := v.resolver.LookupCNAME(ctx, domain)
	if err != nil && !isNotFound(err) {
		return cnameOutcome{errMsg: fmt.Sprintf("CNAME lookup failed for %s: %v", domain, err)}
	}
	if len(records) == 0 {
		return cnameOutcome{errMsg: fmt.Sprintf("No CNAME record found for %s", domain)}
	}

	want := canonicalHost(expected)
	var match *string
	for _, r := range records {
		if MatchCNAME(r, want) {
			s := canonicalHost(r)
			match = &s
			break
		}
	}
	if match != nil {
		return cnameOutcome{valid: true, target: match}
	}

	first := canonicalHost(records[0])
	return cnameOutcome{
		target: &first,
		errMsg: fmt.Sprintf("CNAME record should point to %s, found %s", want, strings.Join(records, ", ")),
	}
}

func (v *Verifier) guardTXT(ctx context.Context, domain, token string) (out txtOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = txtOutcome{errMsg: fmt.Sprintf("DNS verification error: %v", r)}
		}
	}()
	out = v.checkTXT(ctx, domain, token)
	v.record(CheckTXT, out.valid)
	return out
}

func (v *Verifier) checkTXT(ctx context.Context, domain, token string) txtOutcome {
	if v.txtBypass {
		return txtOutcome{valid: true}
	}

	host := TXTHost(domain)
	records, err := v.resolver.LookupTXT(ctx, host)
	if err != nil {
		return txtOutcome{errMsg: fmt.Sprintf("TXT lookup failed for %s: %v", host, err)}
	}
	for _, r := range records {
		if MatchTXT(r, token) {
			rec := r
			return txtOutcome{valid: true, record: &rec}
		}
	}
	return txtOutcome{errMsg: fmt.Sprintf("TXT record at %s does not contain the verification token; expected %q", host, TXTValue(token))}
}

func (v *Verifier) record(check string, ok bool) {
	if v.onCheck != nil {
		v.onCheck(check, ok)
	}
}

// MatchCNAME reports whether an observed CNAME target satisfies the expected
// one: exact match or suffix match.
func MatchCNAME(observed, expected string) bool {
	o, e := canonicalHost(observed), canonicalHost(expected)
	if e == "" {
		return false
	}
	return o == e || strings.HasSuffix(o, e)
}

// MatchTXT reports whether a flattened TXT record contains token.
// Substring containment is deliberate: providers may wrap the value.
func MatchTXT(record, token string) bool {
	return token != "" && strings.Contains(record, token)
}

// isNotFound reports whether err means the name simply has no such record.
func isNotFound(err error) bool {
	if errors.Is(err, ErrNoCNAME) {
		return true
	}
	var le *LookupError
	return errors.As(err, &le) && le.NotFound
}

// removeMessage drops the first occurrence of msg from errs.
func removeMessage(errs []string, msg string) []string {
	if msg == "" {
		return errs
	}
	out := make([]string, 0, len(errs))
	removed := false
	for _, e := range errs {
		if !removed && e == msg {
			removed = true
			continue
		}
		out = append(out, e)
	}
	return out
}
