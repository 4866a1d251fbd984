package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/notify"
	"github.com/changerawr/domains/internal/registry/model"
	"github.com/changerawr/domains/internal/registry/repository"
	"github.com/changerawr/domains/internal/rescache"
)

// Sentinel errors for the domain service.
var (
	ErrDomainNotFound     = errors.New("custom domain not found")
	ErrDomainLimitReached = fmt.Errorf("a project may attach at most %d custom domains", internaldns.MaxDomainsPerProject)
	ErrDomainBlocked      = errors.New("this domain cannot be used as a custom domain")
	ErrInvalidDomain      = errors.New("invalid domain")
	ErrDomainTaken        = errors.New("domain is already attached to a project")
)

// domainStore is the storage interface required by DomainService.
// *repository.DomainRepository satisfies this interface.
type domainStore interface {
	Create(ctx context.Context, d *model.CustomDomain, maxPerProject int) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error)
	GetByDomain(ctx context.Context, domain string) (*model.CustomDomain, error)
	ListByProject(ctx context.Context, projectID string) ([]*model.CustomDomain, error)
	ListPending(ctx context.Context, limit int) ([]*model.CustomDomain, error)
	CountByStatus(ctx context.Context) (map[model.DomainStatus]int, error)
	UpdateVerification(ctx context.Context, d *model.CustomDomain, from model.DomainStatus) error
	MarkExpired(ctx context.Context, cutoff time.Time) ([]*model.CustomDomain, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Verifier runs the ownership checks. *dns.Verifier satisfies it; so does the
// gRPC client in internal/verifierrpc.
type Verifier interface {
	VerifyDNSRecords(ctx context.Context, domain, expectedTarget, token string) *internaldns.VerificationResult
	CheckDomainResolution(ctx context.Context, domain string) bool
}

// EventDispatcher delivers domain lifecycle events. *notify.Notifier satisfies it.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload map[string]string)
}

// Verification outcomes passed to the metrics recorder.
const (
	OutcomeVerified        = "verified"
	OutcomePending         = "pending"
	OutcomeFailed          = "failed"
	OutcomeAlreadyVerified = "already_verified"
)

// OutcomeRecorder is an optional callback invoked after every VerifyDomain call.
type OutcomeRecorder func(outcome string)

// DomainService manages custom domains and their verification state.
type DomainService struct {
	store       domainStore
	verifier    Verifier
	cnameTarget string
	events      EventDispatcher
	cache       rescache.Cache
	onOutcome   OutcomeRecorder
	logger      *zap.Logger
}

// NewDomainService creates a DomainService. cnameTarget is the host every
// custom domain must CNAME to.
func NewDomainService(store domainStore, verifier Verifier, cnameTarget string, logger *zap.Logger) *DomainService {
	return &DomainService{
		store:       store,
		verifier:    verifier,
		cnameTarget: strings.TrimSuffix(strings.ToLower(cnameTarget), "."),
		logger:      logger,
	}
}

// SetEventDispatcher configures lifecycle event delivery.
func (s *DomainService) SetEventDispatcher(d EventDispatcher) {
	s.events = d
}

// SetResolutionCache configures the cache used by CheckResolution.
func (s *DomainService) SetResolutionCache(c rescache.Cache) {
	s.cache = c
}

// SetOutcomeRecorder configures the verification metrics callback.
func (s *DomainService) SetOutcomeRecorder(fn OutcomeRecorder) {
	s.onOutcome = fn
}

// CNAMETarget returns the host custom domains must point at.
func (s *DomainService) CNAMETarget() string {
	return s.cnameTarget
}

// AddDomain attaches a new custom domain to a project in PENDING state and
// returns it with the DNS instructions the owner must follow.
func (s *DomainService) AddDomain(ctx context.Context, projectID, rawDomain string) (*model.CustomDomain, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, fmt.Errorf("%w: project id must not be empty", ErrInvalidDomain)
	}

	domain, err := s.normalize(rawDomain)
	if err != nil {
		return nil, err
	}
	if internaldns.IsBlocked(domain) || s.isPlatformHost(domain) {
		return nil, ErrDomainBlocked
	}

	if _, err := s.store.GetByDomain(ctx, domain); err == nil {
		return nil, ErrDomainTaken
	} else if !errors.Is(err, repository.ErrDomainNotFound) {
		return nil, fmt.Errorf("look up domain: %w", err)
	}

	token, err := internaldns.GenerateToken()
	if err != nil {
		return nil, err
	}

	d := &model.CustomDomain{
		ProjectID:         projectID,
		Domain:            domain,
		VerificationToken: token,
		Status:            model.DomainStatusPending,
		LastErrors:        []string{},
	}
	if err := s.store.Create(ctx, d, internaldns.MaxDomainsPerProject); err != nil {
		if errors.Is(err, repository.ErrProjectLimit) {
			return nil, ErrDomainLimitReached
		}
		if errors.Is(err, repository.ErrDomainExists) {
			return nil, ErrDomainTaken
		}
		return nil, fmt.Errorf("persist domain: %w", err)
	}
	d.Instructions = s.instructions(d)

	s.logger.Info("custom domain added",
		zap.String("project_id", projectID),
		zap.String("domain", domain),
		zap.String("txt_host", internaldns.TXTHost(domain)),
	)
	s.dispatch(ctx, notify.EventDomainAdded, d)
	return d, nil
}

// GetDomain returns a domain with its instructions populated.
func (s *DomainService) GetDomain(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Instructions = s.instructions(d)
	return d, nil
}

// ListDomains returns every domain attached to a project.
func (s *DomainService) ListDomains(ctx context.Context, projectID string) ([]*model.CustomDomain, error) {
	domains, err := s.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	for _, d := range domains {
		d.Instructions = s.instructions(d)
	}
	return domains, nil
}

// VerifyDomain re-runs the ownership checks for a domain and persists the
// outcome. A VERIFIED domain is returned unchanged with a nil result.
func (s *DomainService) VerifyDomain(ctx context.Context, id uuid.UUID) (*model.CustomDomain, *internaldns.VerificationResult, error) {
	d, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.IsVerified() {
		s.record(OutcomeAlreadyVerified)
		d.Instructions = s.instructions(d)
		return d, nil, nil
	}

	res, err := s.verify(ctx, d)
	if err != nil {
		return nil, nil, err
	}
	d.Instructions = s.instructions(d)
	return d, res, nil
}

// verify runs the engine for d and applies the status transition. The write
// is conditional on the status d was loaded with; if another writer moved the
// row first, d is refreshed from the store and nothing is dispatched.
func (s *DomainService) verify(ctx context.Context, d *model.CustomDomain) (*internaldns.VerificationResult, error) {
	res := s.verifier.VerifyDNSRecords(ctx, d.Domain, s.cnameTarget, d.VerificationToken)

	now := time.Now().UTC()
	prev := d.Status
	d.LastCheckedAt = &now
	d.LastErrors = res.Errors

	switch {
	case res.Verified():
		d.Status = model.DomainStatusVerified
		d.VerifiedAt = &now
	case d.Expired(now):
		d.Status = model.DomainStatusFailed
	}

	if err := s.store.UpdateVerification(ctx, d, prev); err != nil {
		if errors.Is(err, repository.ErrDomainNotFound) {
			return nil, ErrDomainNotFound
		}
		if errors.Is(err, repository.ErrStaleDomain) {
			fresh, err := s.get(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			s.logger.Info("custom domain changed during verification, keeping stored state",
				zap.String("domain", d.Domain),
				zap.String("status", string(fresh.Status)),
			)
			*d = *fresh
			return res, nil
		}
		return nil, fmt.Errorf("persist verification: %w", err)
	}

	switch {
	case d.Status == model.DomainStatusVerified:
		s.record(OutcomeVerified)
		s.logger.Info("custom domain verified", zap.String("domain", d.Domain), zap.String("id", d.ID.String()))
		s.dispatch(ctx, notify.EventDomainVerified, d)
	case d.Status == model.DomainStatusFailed:
		s.record(OutcomeFailed)
		if prev != model.DomainStatusFailed {
			s.logger.Info("custom domain verification window elapsed", zap.String("domain", d.Domain))
			s.dispatch(ctx, notify.EventDomainFailed, d)
		}
	default:
		s.record(OutcomePending)
		s.logger.Debug("custom domain not yet verified",
			zap.String("domain", d.Domain),
			zap.Strings("errors", res.Errors),
		)
	}
	return res, nil
}

// RemoveDomain detaches a domain.
func (s *DomainService) RemoveDomain(ctx context.Context, id uuid.UUID) error {
	d, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrDomainNotFound) {
			return ErrDomainNotFound
		}
		return fmt.Errorf("delete domain: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, d.Domain); err != nil {
			s.logger.Warn("resolution cache invalidate", zap.Error(err))
		}
	}
	s.logger.Info("custom domain removed", zap.String("domain", d.Domain), zap.String("id", id.String()))
	s.dispatch(ctx, notify.EventDomainRemoved, d)
	return nil
}

// CheckResolution reports whether a hostname currently resolves to any
// address. Answers are cached when a cache is configured.
func (s *DomainService) CheckResolution(ctx context.Context, rawDomain string) (string, bool, error) {
	domain, err := s.normalize(rawDomain)
	if err != nil {
		return "", false, err
	}

	if s.cache != nil {
		resolves, ok, err := s.cache.Get(ctx, domain)
		if err != nil {
			s.logger.Warn("resolution cache get", zap.Error(err))
		} else if ok {
			return domain, resolves, nil
		}
	}

	resolves := s.verifier.CheckDomainResolution(ctx, domain)

	if s.cache != nil {
		if err := s.cache.Set(ctx, domain, resolves); err != nil {
			s.logger.Warn("resolution cache set", zap.Error(err))
		}
	}
	return domain, resolves, nil
}

// ConfirmOwnership answers the HTTP challenge: it reports whether token is
// the verification token issued for domain.
func (s *DomainService) ConfirmOwnership(ctx context.Context, rawDomain, token string) (bool, error) {
	domain, err := internaldns.NormalizeDomain(rawDomain)
	if err != nil {
		return false, ErrDomainNotFound
	}
	d, err := s.store.GetByDomain(ctx, domain)
	if err != nil {
		if errors.Is(err, repository.ErrDomainNotFound) {
			return false, ErrDomainNotFound
		}
		return false, fmt.Errorf("look up domain: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(d.VerificationToken), []byte(token)) == 1, nil
}

// ExpireStale marks PENDING domains older than the propagation timeout as
// FAILED and returns how many changed.
func (s *DomainService) ExpireStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-internaldns.DNSPropagationTimeout)
	expired, err := s.store.MarkExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale domains: %w", err)
	}
	for _, d := range expired {
		s.dispatch(ctx, notify.EventDomainFailed, d)
	}
	if len(expired) > 0 {
		s.logger.Info("expired pending custom domains", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// ListPending returns up to limit PENDING domains for re-verification.
func (s *DomainService) ListPending(ctx context.Context, limit int) ([]*model.CustomDomain, error) {
	domains, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending domains: %w", err)
	}
	return domains, nil
}

// Recheck re-verifies a PENDING domain on behalf of the background sweep.
func (s *DomainService) Recheck(ctx context.Context, d *model.CustomDomain) (*internaldns.VerificationResult, error) {
	if d.IsVerified() {
		return nil, nil
	}
	return s.verify(ctx, d)
}

// StatusCounts returns the number of domains per status, with every status present.
func (s *DomainService) StatusCounts(ctx context.Context) (map[model.DomainStatus]int, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count domains: %w", err)
	}
	for _, st := range model.AllDomainStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

func (s *DomainService) get(ctx context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	d, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrDomainNotFound) {
			return nil, ErrDomainNotFound
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return d, nil
}

func (s *DomainService) normalize(raw string) (string, error) {
	domain, err := internaldns.NormalizeDomain(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	if err := internaldns.ValidateDomain(domain); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDomain, err)
	}
	return domain, nil
}

// isPlatformHost reports whether domain is the CNAME target or lives under it.
func (s *DomainService) isPlatformHost(domain string) bool {
	if s.cnameTarget == "" {
		return false
	}
	return domain == s.cnameTarget || strings.HasSuffix(domain, "."+s.cnameTarget)
}

func (s *DomainService) instructions(d *model.CustomDomain) []model.DNSInstruction {
	return model.InstructionsFor(d.Domain, d.VerificationToken, s.cnameTarget)
}

func (s *DomainService) record(outcome string) {
	if s.onOutcome != nil {
		s.onOutcome(outcome)
	}
}

func (s *DomainService) dispatch(ctx context.Context, event string, d *model.CustomDomain) {
	if s.events == nil {
		return
	}
	s.events.Dispatch(ctx, event, map[string]string{
		"id":         d.ID.String(),
		"project_id": d.ProjectID,
		"domain":     d.Domain,
		"status":     string(d.Status),
	})
}
