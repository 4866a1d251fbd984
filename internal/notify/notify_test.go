package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/changerawr/domains/internal/notify"
)

func TestDispatch_SignsAndDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		gotBody  []byte
		gotSig   string
		gotCType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody, gotSig, gotCType = b, r.Header.Get(notify.SignatureHeader), r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := notify.New([]string{srv.URL}, "s3cret", zap.NewNop())
	var outcomes []bool
	n.SetMetricsRecorder(func(ok bool) { outcomes = append(outcomes, ok) })

	n.Dispatch(context.Background(), notify.EventDomainVerified, map[string]string{"domain": "blog.acme.com"})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotBody)
	assert.Equal(t, "application/json", gotCType)
	assert.True(t, notify.Verify(gotBody, "s3cret", gotSig))
	assert.False(t, notify.Verify(gotBody, "other", gotSig))

	var ev notify.Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "domain.verified", ev.Type)
	assert.Equal(t, "blog.acme.com", ev.Payload["domain"])
	assert.Equal(t, []bool{true}, outcomes)
}

func TestDispatch_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := notify.New([]string{srv.URL}, "k", zap.NewNop())
	n.SetRetryDelays([]time.Duration{0, time.Millisecond, time.Millisecond})

	n.Dispatch(context.Background(), notify.EventDomainAdded, nil)
	n.Wait()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatch_GivesUpAfterLastAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := notify.New([]string{srv.URL}, "k", zap.NewNop())
	n.SetRetryDelays([]time.Duration{0, time.Millisecond})

	n.Dispatch(context.Background(), notify.EventDomainFailed, nil)
	n.Wait()

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatch_SurvivesCancelledContext(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := notify.New([]string{srv.URL}, "k", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n.Dispatch(ctx, notify.EventDomainRemoved, nil)
	n.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatch_NoURLs(t *testing.T) {
	n := notify.New(nil, "", zap.NewNop())
	n.Dispatch(context.Background(), notify.EventDomainAdded, nil)
	n.Wait()
}
