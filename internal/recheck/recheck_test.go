package recheck

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/lock"
	"github.com/changerawr/domains/internal/registry/model"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubSource struct {
	expired   int
	pending   []*model.CustomDomain
	verifyOK  map[string]bool
	failOn    string
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	mu        sync.Mutex
	checked   []string
	limit     int
	onList    func()
}

func (s *stubSource) ExpireStale(context.Context) (int, error) { return s.expired, nil }

func (s *stubSource) ListPending(_ context.Context, limit int) ([]*model.CustomDomain, error) {
	s.limit = limit
	if s.onList != nil {
		s.onList()
	}
	return s.pending, nil
}

func (s *stubSource) Recheck(_ context.Context, d *model.CustomDomain) (*internaldns.VerificationResult, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxFlight.Load()
		if n <= m || s.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	s.checked = append(s.checked, d.Domain)
	s.mu.Unlock()

	if d.Domain == s.failOn {
		return nil, errors.New("store unavailable")
	}
	ok := s.verifyOK[d.Domain]
	return &internaldns.VerificationResult{CNAMEValid: ok, TXTValid: ok, Errors: []string{}}, nil
}

func (s *stubSource) StatusCounts(context.Context) (map[model.DomainStatus]int, error) {
	return map[model.DomainStatus]int{
		model.DomainStatusPending:  3,
		model.DomainStatusVerified: 7,
		model.DomainStatusFailed:   1,
	}, nil
}

func pendingDomains(names ...string) []*model.CustomDomain {
	out := make([]*model.CustomDomain, 0, len(names))
	for _, n := range names {
		out = append(out, &model.CustomDomain{Domain: n, Status: model.DomainStatusPending})
	}
	return out
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := New(&stubSource{}, lock.NewLocalLock(), Config{Schedule: "every minute"}, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	j, err := New(&stubSource{}, lock.NewLocalLock(), Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", j.cfg.Schedule)
	assert.Equal(t, 10, j.cfg.Concurrency)
	assert.Equal(t, 200, j.cfg.BatchSize)
}

func TestRunOnce_Sweep(t *testing.T) {
	src := &stubSource{
		expired:  2,
		pending:  pendingDomains("a.acme.com", "b.acme.com", "c.acme.com", "d.acme.com"),
		verifyOK: map[string]bool{"a.acme.com": true, "c.acme.com": true},
		failOn:   "d.acme.com",
	}
	j, err := New(src, lock.NewLocalLock(), Config{Concurrency: 2, BatchSize: 50}, zap.NewNop())
	require.NoError(t, err)

	gauges := map[string]float64{}
	j.SetGaugeRecorder(func(status string, n float64) { gauges[status] = n })

	sum, err := j.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Expired: 2, Checked: 4, Verified: 2, Errors: 1}, sum)
	assert.Equal(t, 50, src.limit)
	assert.ElementsMatch(t, []string{"a.acme.com", "b.acme.com", "c.acme.com", "d.acme.com"}, src.checked)
	assert.LessOrEqual(t, src.maxFlight.Load(), int32(2))
	assert.Equal(t, map[string]float64{"PENDING": 3, "VERIFIED": 7, "FAILED": 1}, gauges)
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	src := &stubSource{pending: pendingDomains("a.acme.com")}
	l := lock.NewLocalLock()
	ok, _ := l.Acquire(context.Background())
	require.True(t, ok)

	j, err := New(src, l, Config{}, zap.NewNop())
	require.NoError(t, err)

	sum, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.Empty(t, src.checked)
}

func TestRunOnce_ReleasesLock(t *testing.T) {
	l := lock.NewLocalLock()
	j, err := New(&stubSource{}, l, Config{}, zap.NewNop())
	require.NoError(t, err)

	_, err = j.RunOnce(context.Background())
	require.NoError(t, err)

	ok, _ := l.Acquire(context.Background())
	assert.True(t, ok, "lock must be released after the sweep")
}

func TestRunOnce_ExtendsRedisLockDuringSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ttl := 900 * time.Millisecond
	l := lock.NewRedisLock(client, "recheck", ttl)

	var extended bool
	src := &stubSource{pending: pendingDomains("a.acme.com")}
	src.onList = func() {
		// Leave the lock 100ms from expiry, then wait for a renewal.
		mr.FastForward(800 * time.Millisecond)
		extended = assert.Eventually(t, func() bool {
			return mr.TTL("lock:recheck") > 500*time.Millisecond
		}, 2*time.Second, 20*time.Millisecond)
	}

	j, err := New(src, l, Config{SweepTTL: ttl}, zap.NewNop())
	require.NoError(t, err)

	sum, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, sum.Skipped)
	assert.True(t, extended, "lock must be renewed while the sweep runs")
	assert.False(t, mr.Exists("lock:recheck"), "lock must be released after the sweep")
}

func TestStart_StopsOnCancel(t *testing.T) {
	j, err := New(&stubSource{}, lock.NewLocalLock(), Config{Schedule: "* * * * *"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
