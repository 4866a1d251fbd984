package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver is the DNS capability consumed by the Verifier.
type Resolver interface {
	// LookupCNAME returns the canonical-name targets of domain, lower-cased
	// and without the trailing root dot.
	LookupCNAME(ctx context.Context, domain string) ([]string, error)
	// LookupTXT returns one string per TXT record at host, with the record's
	// character-string segments concatenated.
	LookupTXT(ctx context.Context, host string) ([]string, error)
	// LookupHost returns the A/AAAA addresses of domain.
	LookupHost(ctx context.Context, domain string) ([]string, error)
}

// ErrNoCNAME is returned when a name has address records but no CNAME.
var ErrNoCNAME = errors.New("no CNAME record")

// LookupError describes a DNS response that carried no usable answer.
type LookupError struct {
	Name     string
	Type     string
	Rcode    string
	NotFound bool
}

func (e *LookupError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("%s %s: no such record (%s)", e.Type, e.Name, e.Rcode)
	}
	return fmt.Sprintf("%s %s: server answered %s", e.Type, e.Name, e.Rcode)
}

// ── System resolver ─────────────────────────────────────────────────────────

// SystemResolver resolves through the host's configured resolver.
type SystemResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewSystemResolver creates a SystemResolver. A zero timeout defaults to 5s.
func NewSystemResolver(timeout time.Duration) *SystemResolver {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &SystemResolver{resolver: net.DefaultResolver, timeout: timeout}
}

// LookupCNAME implements Resolver.
func (r *SystemResolver) LookupCNAME(ctx context.Context, domain string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cname, err := r.resolver.LookupCNAME(ctx, domain)
	if err != nil {
		return nil, err
	}
	// net.Resolver answers with the queried name itself when the host only
	// has address records.
	target := canonicalHost(cname)
	if target == "" || target == canonicalHost(domain) {
		return nil, ErrNoCNAME
	}
	return []string{target}, nil
}

// LookupTXT implements Resolver. The Go resolver already joins the segments
// of a multi-string record.
func (r *SystemResolver) LookupTXT(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.resolver.LookupTXT(ctx, host)
}

// LookupHost implements Resolver.
func (r *SystemResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.resolver.LookupHost(ctx, domain)
}

// ── Nameserver resolver ─────────────────────────────────────────────────────

// NameserverResolver sends queries straight to a fixed list of recursive
// nameservers ("1.1.1.1:53", "8.8.8.8"), tried in order.
type NameserverResolver struct {
	servers []string
	client  *mdns.Client
	tcp     *mdns.Client
}

// NewNameserverResolver creates a NameserverResolver. Servers without a port
// get :53. A zero timeout defaults to 5s.
func NewNameserverResolver(servers []string, timeout time.Duration) (*NameserverResolver, error) {
	if len(servers) == 0 {
		return nil, errors.New("at least one nameserver is required")
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}
	if len(addrs) == 0 {
		return nil, errors.New("at least one nameserver is required")
	}

	return &NameserverResolver{
		servers: addrs,
		client:  &mdns.Client{Net: "udp", Timeout: timeout},
		tcp:     &mdns.Client{Net: "tcp", Timeout: timeout},
	}, nil
}

// LookupCNAME implements Resolver. Every CNAME in the answer section is
// returned, so a chain a → b → c yields [b, c].
func (r *NameserverResolver) LookupCNAME(ctx context.Context, domain string) ([]string, error) {
	answers, err := r.query(ctx, domain, mdns.TypeCNAME)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, rr := range answers {
		if c, ok := rr.(*mdns.CNAME); ok {
			targets = append(targets, canonicalHost(c.Target))
		}
	}
	if len(targets) == 0 {
		return nil, ErrNoCNAME
	}
	return targets, nil
}

// LookupTXT implements Resolver.
func (r *NameserverResolver) LookupTXT(ctx context.Context, host string) ([]string, error) {
	answers, err := r.query(ctx, host, mdns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var records []string
	for _, rr := range answers {
		if t, ok := rr.(*mdns.TXT); ok {
			records = append(records, strings.Join(t.Txt, ""))
		}
	}
	if len(records) == 0 {
		return nil, &LookupError{Name: host, Type: "TXT", Rcode: "NOERROR", NotFound: true}
	}
	return records, nil
}

// LookupHost implements Resolver.
func (r *NameserverResolver) LookupHost(ctx context.Context, domain string) ([]string, error) {
	var addrs []string
	var lastErr error
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		answers, err := r.query(ctx, domain, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range answers {
			switch v := rr.(type) {
			case *mdns.A:
				addrs = append(addrs, v.A.String())
			case *mdns.AAAA:
				addrs = append(addrs, v.AAAA.String())
			}
		}
	}
	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &LookupError{Name: domain, Type: "A/AAAA", Rcode: "NOERROR", NotFound: true}
	}
	return addrs, nil
}

// query asks each configured server in turn until one gives an authoritative
// answer (NOERROR or NXDOMAIN). Truncated UDP replies are retried over TCP.
func (r *NameserverResolver) query(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	typ := mdns.TypeToString[qtype]
	var lastErr error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp.Truncated {
			resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			lastErr = fmt.Errorf("query %s %s via %s: %w", typ, name, server, err)
			continue
		}

		switch resp.Rcode {
		case mdns.RcodeSuccess:
			return resp.Answer, nil
		case mdns.RcodeNameError:
			return nil, &LookupError{Name: name, Type: typ, Rcode: mdns.RcodeToString[resp.Rcode], NotFound: true}
		default:
			lastErr = &LookupError{Name: name, Type: typ, Rcode: mdns.RcodeToString[resp.Rcode]}
		}
	}
	return nil, lastErr
}

// NewResolver returns a NameserverResolver when servers are configured and a
// SystemResolver otherwise.
func NewResolver(servers []string, timeout time.Duration) (Resolver, error) {
	if len(servers) == 0 {
		return NewSystemResolver(timeout), nil
	}
	return NewNameserverResolver(servers, timeout)
}
