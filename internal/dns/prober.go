package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// VerifyPath is served by the platform on every hostname that routes to it.
	VerifyPath = "/api/changelog/verify-domain"

	// ProbeUserAgent identifies fallback probe requests.
	ProbeUserAgent = "ChangeRawr-Domain-Verification/1.0"

	// DefaultProbeTimeout bounds a single probe, connect through body.
	DefaultProbeTimeout = 10 * time.Second

	maxProbeBody = 64 << 10
)

// ProbeResult is the outcome of an HTTP ownership probe.
type ProbeResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Prober proves control of a domain by asking the domain itself.
type Prober interface {
	Probe(ctx context.Context, domain, token string) ProbeResult
}

// VerifyResponse is the JSON body returned by VerifyPath.
type VerifyResponse struct {
	Success  bool   `json:"success"`
	Verified bool   `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// HTTPProber fetches VerifyPath over HTTPS on the candidate domain.
type HTTPProber struct {
	client *http.Client
}

// ProberOption configures an HTTPProber.
type ProberOption func(*HTTPProber)

// WithProbeClient replaces the HTTP client. Its Timeout is kept as-is.
func WithProbeClient(c *http.Client) ProberOption {
	return func(p *HTTPProber) { p.client = c }
}

// NewHTTPProber creates an HTTPProber. A zero timeout means DefaultProbeTimeout.
func NewHTTPProber(timeout time.Duration, opts ...ProberOption) *HTTPProber {
	if timeout == 0 {
		timeout = DefaultProbeTimeout
	}
	p := &HTTPProber{client: &http.Client{Timeout: timeout}}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProbeURL builds the challenge URL for domain and token.
func ProbeURL(domain, token string) string {
	q := url.Values{}
	q.Set("domain", domain)
	q.Set("token", token)
	u := url.URL{
		Scheme:   "https",
		Host:     domain,
		Path:     VerifyPath,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Probe implements Prober. It never returns an error; every failure is
// reported through ProbeResult.Error.
func (p *HTTPProber) Probe(ctx context.Context, domain, token string) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ProbeURL(domain, token), nil)
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("User-Agent", ProbeUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return ProbeResult{Error: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ProbeResult{Error: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	var vr VerifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return ProbeResult{Error: fmt.Sprintf("invalid JSON response: %v", err)}
	}
	if vr.Success && vr.Verified {
		return ProbeResult{Success: true}
	}
	if vr.Error != "" {
		return ProbeResult{Error: vr.Error}
	}
	return ProbeResult{Error: "domain did not confirm the verification token"}
}
