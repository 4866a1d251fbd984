package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrVerificationPending is returned by VerifyDomain when the DNS records
	// have not been published or have not propagated yet.
	ErrVerificationPending = errors.New("domain verification pending")

	// ErrNotFound is returned when the domain does not exist.
	ErrNotFound = errors.New("not found")
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// DNSInstruction is one DNS record the domain owner must publish.
type DNSInstruction struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// Domain is a custom domain as returned by the API.
type Domain struct {
	ID                string           `json:"id"`
	ProjectID         string           `json:"project_id"`
	Domain            string           `json:"domain"`
	VerificationToken string           `json:"verification_token"`
	Status            string           `json:"status"`
	LastCheckedAt     *time.Time       `json:"last_checked_at,omitempty"`
	LastErrors        []string         `json:"last_errors"`
	VerifiedAt        *time.Time       `json:"verified_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Instructions      []DNSInstruction `json:"instructions,omitempty"`
}

// DomainList is the response of ListDomains.
type DomainList struct {
	Domains []Domain `json:"domains"`
	Count   int      `json:"count"`
	Max     int      `json:"max"`
}

// CheckResult is the per-record outcome of a verification attempt.
type CheckResult struct {
	CNAMEValid  bool     `json:"cname_valid"`
	TXTValid    bool     `json:"txt_valid"`
	CNAMETarget *string  `json:"cname_target,omitempty"`
	TXTRecord   *string  `json:"txt_record,omitempty"`
	Errors      []string `json:"errors"`
}

// VerifyResult is the response of VerifyDomain.
type VerifyResult struct {
	Verified bool         `json:"verified"`
	Domain   Domain       `json:"domain"`
	Result   *CheckResult `json:"result,omitempty"`
	Message  string       `json:"message,omitempty"`
	Errors   []string     `json:"errors,omitempty"`
}

// Client talks to the domains API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the API at baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// AddDomain attaches domain to a project. The returned record carries the
// DNS instructions to publish.
func (c *Client) AddDomain(ctx context.Context, projectID, domain string) (*Domain, error) {
	payload, _ := json.Marshal(map[string]string{"domain": domain})
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/projects/"+url.PathEscape(projectID)+"/domains", payload)
	if err != nil {
		return nil, err
	}
	var d Domain
	if err := c.doJSON(req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDomains returns every domain attached to a project.
func (c *Client) ListDomains(ctx context.Context, projectID string) (*DomainList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/projects/"+url.PathEscape(projectID)+"/domains", nil)
	if err != nil {
		return nil, err
	}
	var list DomainList
	if err := c.doJSON(req, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetDomain fetches a domain by ID.
func (c *Client) GetDomain(ctx context.Context, id string) (*Domain, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/domains/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var d Domain
	if err := c.doJSON(req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// VerifyDomain asks the platform to check the domain's DNS records.
// It returns the result together with ErrVerificationPending when the domain
// is not verified yet, so callers can show the diagnostics.
func (c *Client) VerifyDomain(ctx context.Context, id string) (*VerifyResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/domains/"+url.PathEscape(id)+"/verify", nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusUnprocessableEntity:
		var res VerifyResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("decode verify response: %w", err)
		}
		if status == http.StatusUnprocessableEntity {
			return &res, ErrVerificationPending
		}
		return &res, nil
	default:
		return nil, apiError(status, body)
	}
}

// RemoveDomain detaches a domain.
func (c *Client) RemoveDomain(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/domains/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// CheckResolution reports whether domain currently resolves, as seen by the
// platform. It returns the normalised domain name.
func (c *Client) CheckResolution(ctx context.Context, domain string) (string, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/domains/resolve?domain="+url.QueryEscape(domain), nil)
	if err != nil {
		return "", false, err
	}
	var resp struct {
		Domain   string `json:"domain"`
		Resolves bool   `json:"resolves"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return "", false, err
	}
	return resp.Domain, resp.Resolves, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doJSON executes req and decodes a 2xx body into out (when non-nil).
func (c *Client) doJSON(req *http.Request, out any) error {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doStatusBody returns (statusCode, body, error) without failing on 4xx
// responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func apiError(status int, body []byte) error {
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}
