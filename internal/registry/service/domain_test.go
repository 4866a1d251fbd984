package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/registry/model"
	"github.com/changerawr/domains/internal/registry/repository"
	"github.com/changerawr/domains/internal/registry/service"
	"github.com/changerawr/domains/internal/rescache"
)

// ── In-memory stub for domainStore ─────────────────────────────────────────

type stubDomainStore struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*model.CustomDomain
}

func newStubStore() *stubDomainStore {
	return &stubDomainStore{rows: make(map[uuid.UUID]*model.CustomDomain)}
}

func (s *stubDomainStore) Create(_ context.Context, d *model.CustomDomain, maxPerProject int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rows {
		if r.ProjectID == d.ProjectID {
			n++
		}
	}
	if maxPerProject > 0 && n >= maxPerProject {
		return repository.ErrProjectLimit
	}
	for _, r := range s.rows {
		if r.Domain == d.Domain {
			return repository.ErrDomainExists
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	s.rows[d.ID] = &cp
	return nil
}

// seed stores d as-is, keeping its CreatedAt.
func (s *stubDomainStore) seed(d *model.CustomDomain) *model.CustomDomain {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.rows[d.ID] = &cp
	return d
}

func (s *stubDomainStore) GetByID(_ context.Context, id uuid.UUID) (*model.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrDomainNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *stubDomainStore) GetByDomain(_ context.Context, domain string) (*model.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.rows {
		if d.Domain == domain {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrDomainNotFound
}

func (s *stubDomainStore) ListByProject(_ context.Context, projectID string) ([]*model.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CustomDomain
	for _, d := range s.rows {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubDomainStore) ListPending(_ context.Context, limit int) ([]*model.CustomDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.CustomDomain
	for _, d := range s.rows {
		if d.Status == model.DomainStatusPending && len(out) < limit {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubDomainStore) CountByStatus(_ context.Context) (map[model.DomainStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[model.DomainStatus]int{}
	for _, d := range s.rows {
		counts[d.Status]++
	}
	return counts, nil
}

func (s *stubDomainStore) UpdateVerification(_ context.Context, d *model.CustomDomain, from model.DomainStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[d.ID]
	if !ok {
		return repository.ErrDomainNotFound
	}
	if row.Status != from {
		return repository.ErrStaleDomain
	}
	row.Status = d.Status
	row.LastCheckedAt = d.LastCheckedAt
	row.LastErrors = d.LastErrors
	row.VerifiedAt = d.VerifiedAt
	return nil
}

func (s *stubDomainStore) MarkExpired(_ context.Context, cutoff time.Time) ([]*model.CustomDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CustomDomain
	for _, d := range s.rows {
		if d.Status == model.DomainStatusPending && d.CreatedAt.Before(cutoff) {
			d.Status = model.DomainStatusFailed
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubDomainStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return repository.ErrDomainNotFound
	}
	delete(s.rows, id)
	return nil
}

// ── Stub verifier and dispatcher ───────────────────────────────────────────

type stubVerifier struct {
	mu       sync.Mutex
	result   internaldns.VerificationResult
	resolves bool
	calls    int
	resolveN int
}

func (v *stubVerifier) VerifyDNSRecords(_ context.Context, _, _, _ string) *internaldns.VerificationResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	r := v.result
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return &r
}

func (v *stubVerifier) CheckDomainResolution(_ context.Context, _ string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resolveN++
	return v.resolves
}

type recordedEvent struct {
	Type    string
	Payload map[string]string
}

type stubDispatcher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (d *stubDispatcher) Dispatch(_ context.Context, eventType string, payload map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, recordedEvent{Type: eventType, Payload: payload})
}

func (d *stubDispatcher) types() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

// ── Helpers ────────────────────────────────────────────────────────────────

const target = "domains.changerawr.app"

var (
	passing = internaldns.VerificationResult{CNAMEValid: true, TXTValid: true}
	noTXT   = internaldns.VerificationResult{CNAMEValid: true, Errors: []string{"TXT record at _chrverify.blog.acme.com does not contain the verification token"}}
)

func newSvc(store *stubDomainStore, v *stubVerifier) (*service.DomainService, *stubDispatcher) {
	svc := service.NewDomainService(store, v, target, zap.NewNop())
	events := &stubDispatcher{}
	svc.SetEventDispatcher(events)
	return svc, events
}

// ── AddDomain ──────────────────────────────────────────────────────────────

func TestAddDomain_CreatesPendingWithInstructions(t *testing.T) {
	store := newStubStore()
	svc, events := newSvc(store, &stubVerifier{})

	d, err := svc.AddDomain(context.Background(), "proj-1", "  Blog.Acme.COM. ")
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, d.ID)
	assert.Equal(t, "blog.acme.com", d.Domain)
	assert.Equal(t, model.DomainStatusPending, d.Status)
	assert.NotEmpty(t, d.VerificationToken)
	require.Len(t, d.Instructions, 2)
	assert.Equal(t, model.DNSInstruction{Type: "CNAME", Name: "blog.acme.com", Value: target, TTL: 300}, d.Instructions[0])
	assert.Equal(t, "_chrverify.blog.acme.com", d.Instructions[1].Name)
	assert.Equal(t, "changerawr-domain-verification="+d.VerificationToken, d.Instructions[1].Value)
	assert.Equal(t, []string{"domain.added"}, events.types())
}

func TestAddDomain_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		want   error
	}{
		{"empty", "", service.ErrInvalidDomain},
		{"single label", "intranet", service.ErrInvalidDomain},
		{"ip literal", "192.168.1.1", service.ErrInvalidDomain},
		{"blocked", "example.com", service.ErrDomainBlocked},
		{"reserved suffix", "printer.local", service.ErrDomainBlocked},
		{"platform target", "domains.changerawr.app", service.ErrDomainBlocked},
		{"under platform target", "x.domains.changerawr.app", service.ErrDomainBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newSvc(newStubStore(), &stubVerifier{})
			_, err := svc.AddDomain(context.Background(), "proj-1", tt.domain)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAddDomain_Duplicate(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	_, err := svc.AddDomain(context.Background(), "proj-1", "blog.acme.com")
	require.NoError(t, err)

	_, err = svc.AddDomain(context.Background(), "proj-2", "BLOG.acme.com")
	assert.ErrorIs(t, err, service.ErrDomainTaken)
}

func TestAddDomain_LimitPerProject(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	ctx := context.Background()
	domains := []string{"a.acme.com", "b.acme.com", "c.acme.com", "d.acme.com", "e.acme.com"}
	for _, d := range domains {
		_, err := svc.AddDomain(ctx, "proj-1", d)
		require.NoError(t, err)
	}

	_, err := svc.AddDomain(ctx, "proj-1", "f.acme.com")
	assert.ErrorIs(t, err, service.ErrDomainLimitReached)

	_, err = svc.AddDomain(ctx, "proj-2", "f.acme.com")
	assert.NoError(t, err, "limit is per project")
}

func TestAddDomain_LimitHoldsUnderConcurrency(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		limited int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.AddDomain(ctx, "proj-1", fmt.Sprintf("d%d.acme.com", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, service.ErrDomainLimitReached):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, internaldns.MaxDomainsPerProject, ok)
	assert.Equal(t, 20-internaldns.MaxDomainsPerProject, limited)

	list, err := svc.ListDomains(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, list, internaldns.MaxDomainsPerProject)
}

// ── VerifyDomain ───────────────────────────────────────────────────────────

func TestVerifyDomain_Success(t *testing.T) {
	store := newStubStore()
	v := &stubVerifier{result: passing}
	svc, events := newSvc(store, v)
	var outcomes []string
	svc.SetOutcomeRecorder(func(o string) { outcomes = append(outcomes, o) })

	d, err := svc.AddDomain(context.Background(), "proj-1", "blog.acme.com")
	require.NoError(t, err)

	got, res, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.DomainStatusVerified, got.Status)
	assert.NotNil(t, got.VerifiedAt)
	assert.NotNil(t, got.LastCheckedAt)
	assert.Empty(t, got.LastErrors)

	stored, _ := store.GetByID(context.Background(), d.ID)
	assert.Equal(t, model.DomainStatusVerified, stored.Status)
	assert.Equal(t, []string{"domain.added", "domain.verified"}, events.types())
	assert.Equal(t, []string{service.OutcomeVerified}, outcomes)
}

func TestVerifyDomain_StaysPendingWithErrors(t *testing.T) {
	store := newStubStore()
	svc, events := newSvc(store, &stubVerifier{result: noTXT})

	d, _ := svc.AddDomain(context.Background(), "proj-1", "blog.acme.com")
	got, res, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)

	assert.Equal(t, model.DomainStatusPending, got.Status)
	assert.Nil(t, got.VerifiedAt)
	assert.Equal(t, noTXT.Errors, got.LastErrors)
	assert.False(t, res.Verified())
	assert.Equal(t, []string{"domain.added"}, events.types())
}

func TestVerifyDomain_VerifiedIsIdempotent(t *testing.T) {
	store := newStubStore()
	v := &stubVerifier{result: passing}
	svc, _ := newSvc(store, v)

	d, _ := svc.AddDomain(context.Background(), "proj-1", "blog.acme.com")
	_, _, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)

	v.result = noTXT
	got, res, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, res, "verified domains are not re-checked")
	assert.Equal(t, model.DomainStatusVerified, got.Status)
	assert.Equal(t, 1, v.calls)
}

func TestVerifyDomain_ExpiredPendingBecomesFailed(t *testing.T) {
	store := newStubStore()
	d := store.seed(&model.CustomDomain{
		ProjectID: "proj-1", Domain: "late.acme.com", VerificationToken: "tok",
		Status:    model.DomainStatusPending,
		CreatedAt: time.Now().Add(-internaldns.DNSPropagationTimeout - time.Hour),
	})
	svc, events := newSvc(store, &stubVerifier{result: noTXT})

	got, _, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DomainStatusFailed, got.Status)
	assert.Equal(t, []string{"domain.failed"}, events.types())
}

func TestVerifyDomain_FailedCanStillSucceed(t *testing.T) {
	store := newStubStore()
	d := store.seed(&model.CustomDomain{
		ProjectID: "proj-1", Domain: "late.acme.com", VerificationToken: "tok",
		Status:    model.DomainStatusFailed,
		CreatedAt: time.Now().Add(-72 * time.Hour),
	})
	svc, _ := newSvc(store, &stubVerifier{result: passing})

	got, _, err := svc.VerifyDomain(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DomainStatusVerified, got.Status)
}

func TestVerifyDomain_NotFound(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	_, _, err := svc.VerifyDomain(context.Background(), uuid.New())
	assert.ErrorIs(t, err, service.ErrDomainNotFound)
}

// ── Get / List / Remove ────────────────────────────────────────────────────

func TestGetAndListDomains(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	ctx := context.Background()
	a, _ := svc.AddDomain(ctx, "proj-1", "a.acme.com")
	_, _ = svc.AddDomain(ctx, "proj-1", "b.acme.com")
	_, _ = svc.AddDomain(ctx, "proj-2", "c.acme.com")

	got, err := svc.GetDomain(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.acme.com", got.Domain)
	assert.Len(t, got.Instructions, 2)

	list, err := svc.ListDomains(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = svc.GetDomain(ctx, uuid.New())
	assert.ErrorIs(t, err, service.ErrDomainNotFound)
}

func TestRemoveDomain(t *testing.T) {
	store := newStubStore()
	svc, events := newSvc(store, &stubVerifier{})
	ctx := context.Background()
	d, _ := svc.AddDomain(ctx, "proj-1", "blog.acme.com")

	require.NoError(t, svc.RemoveDomain(ctx, d.ID))
	_, err := svc.GetDomain(ctx, d.ID)
	assert.ErrorIs(t, err, service.ErrDomainNotFound)
	assert.Equal(t, []string{"domain.added", "domain.removed"}, events.types())

	assert.ErrorIs(t, svc.RemoveDomain(ctx, d.ID), service.ErrDomainNotFound)
}

// ── ConfirmOwnership ───────────────────────────────────────────────────────

func TestConfirmOwnership(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	ctx := context.Background()
	d, _ := svc.AddDomain(ctx, "proj-1", "blog.acme.com")

	ok, err := svc.ConfirmOwnership(ctx, "Blog.Acme.com", d.VerificationToken)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ConfirmOwnership(ctx, "blog.acme.com", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.ConfirmOwnership(ctx, "unknown.acme.com", d.VerificationToken)
	assert.ErrorIs(t, err, service.ErrDomainNotFound)
}

// ── CheckResolution ────────────────────────────────────────────────────────

func TestCheckResolution_UsesCache(t *testing.T) {
	v := &stubVerifier{resolves: true}
	svc, _ := newSvc(newStubStore(), v)
	svc.SetResolutionCache(rescache.NewMemory(time.Minute))
	ctx := context.Background()

	domain, ok, err := svc.CheckResolution(ctx, "WWW.acme.com")
	require.NoError(t, err)
	assert.Equal(t, "www.acme.com", domain)
	assert.True(t, ok)

	v.resolves = false
	_, ok, _ = svc.CheckResolution(ctx, "www.acme.com")
	assert.True(t, ok, "second call should be served from cache")
	assert.Equal(t, 1, v.resolveN)
}

func TestCheckResolution_InvalidDomain(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{})
	_, _, err := svc.CheckResolution(context.Background(), "not a domain")
	assert.ErrorIs(t, err, service.ErrInvalidDomain)
}

// ── ExpireStale / ListPending / StatusCounts ───────────────────────────────

func TestExpireStale(t *testing.T) {
	store := newStubStore()
	old := time.Now().Add(-49 * time.Hour)
	store.seed(&model.CustomDomain{ProjectID: "p", Domain: "old.acme.com", Status: model.DomainStatusPending, CreatedAt: old})
	store.seed(&model.CustomDomain{ProjectID: "p", Domain: "old-ok.acme.com", Status: model.DomainStatusVerified, CreatedAt: old})
	store.seed(&model.CustomDomain{ProjectID: "p", Domain: "new.acme.com", Status: model.DomainStatusPending})
	svc, events := newSvc(store, &stubVerifier{})

	n, err := svc.ExpireStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"domain.failed"}, events.types())

	pending, err := svc.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "new.acme.com", pending[0].Domain)

	counts, err := svc.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[model.DomainStatus]int{
		model.DomainStatusPending:  1,
		model.DomainStatusVerified: 1,
		model.DomainStatusFailed:   1,
	}, counts)
}

func TestRecheck_SkipsVerified(t *testing.T) {
	v := &stubVerifier{result: passing}
	svc, _ := newSvc(newStubStore(), v)
	res, err := svc.Recheck(context.Background(), &model.CustomDomain{Status: model.DomainStatusVerified})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, 0, v.calls)
}

func TestRecheck_StaleBatchDoesNotRegressVerified(t *testing.T) {
	store := newStubStore()
	v := &stubVerifier{result: passing}
	svc, events := newSvc(store, v)
	ctx := context.Background()

	d, err := svc.AddDomain(ctx, "proj-1", "blog.acme.com")
	require.NoError(t, err)

	batch, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, _, err = svc.VerifyDomain(ctx, d.ID)
	require.NoError(t, err)

	v.mu.Lock()
	v.result = noTXT
	v.mu.Unlock()

	_, err = svc.Recheck(ctx, batch[0])
	require.NoError(t, err)
	assert.Equal(t, model.DomainStatusVerified, batch[0].Status, "caller's copy is refreshed")

	got, err := svc.GetDomain(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DomainStatusVerified, got.Status)
	assert.NotNil(t, got.VerifiedAt)
	assert.Empty(t, got.LastErrors)
	assert.Equal(t, []string{"domain.added", "domain.verified"}, events.types())
}

func TestRecheck_StaleBatchVerifiesOnce(t *testing.T) {
	store := newStubStore()
	svc, events := newSvc(store, &stubVerifier{result: passing})
	ctx := context.Background()

	d, err := svc.AddDomain(ctx, "proj-1", "blog.acme.com")
	require.NoError(t, err)
	batch, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, _, err = svc.VerifyDomain(ctx, d.ID)
	require.NoError(t, err)
	_, err = svc.Recheck(ctx, batch[0])
	require.NoError(t, err)

	assert.Equal(t, []string{"domain.added", "domain.verified"}, events.types())
}

func TestRecheck_RemovedDuringSweep(t *testing.T) {
	svc, _ := newSvc(newStubStore(), &stubVerifier{result: noTXT})
	ctx := context.Background()

	d, err := svc.AddDomain(ctx, "proj-1", "blog.acme.com")
	require.NoError(t, err)
	batch, err := svc.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, svc.RemoveDomain(ctx, d.ID))
	_, err = svc.Recheck(ctx, batch[0])
	assert.ErrorIs(t, err, service.ErrDomainNotFound)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	svc := service.NewDomainService(&failingStore{stubDomainStore: newStubStore()}, &stubVerifier{}, target, zap.NewNop())
	_, err := svc.ListDomains(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
}

var errBoom = errors.New("boom")

type failingStore struct {
	*stubDomainStore
}

func (f *failingStore) ListByProject(context.Context, string) ([]*model.CustomDomain, error) {
	return nil, errBoom
}
