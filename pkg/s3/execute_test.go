package s3

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// withFastRetries removes the retry pause so exhaustion tests stay quick.
func withFastRetries(t *testing.T) {
	t.Helper()
	orig := retryInterval
	retryInterval = time.Millisecond
	t.Cleanup(func() { retryInterval = orig })
}

// scriptedServer answers successive requests with the scripted statuses,
// then keeps answering the last one.
func scriptedServer(t *testing.T, calls *atomic.Int64, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		idx := int(n) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		status := statuses[idx]
		if status >= 400 {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`<Error><Code>Oops</Code><Message>scripted failure</Message></Error>`))
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteRetriesOn500ThenSucceeds(t *testing.T) {
	withFastRetries(t)

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 500, 500, 200)
	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})

	resp, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})
	require.NoError(t, err, "expected success after transient 500s")
	drainAndClose(resp.Body)

	require.EqualValues(t, 3, calls.Load(), "exactly three attempts")
}

func TestExecuteExhaustsRetries(t *testing.T) {
	withFastRetries(t)

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 500)
	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})

	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.EqualValues(t, maxAttempts, calls.Load(), "retry ceiling is %d attempts", maxAttempts)
}

func TestExecuteNotFoundNoRetry(t *testing.T) {
	withFastRetries(t)

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 404)
	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})

	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "missing.txt"})

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "missing.txt", nf.Key, "not-found error carries the requested key")
	require.EqualValues(t, 1, calls.Load(), "404 must not be retried")
}

// 500 is the only retryable status; a 503 terminates immediately.
func TestExecuteOtherErrorNoRetry(t *testing.T) {
	withFastRetries(t)

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 503)
	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})

	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, 503, se.StatusCode)
	require.EqualValues(t, 1, calls.Load(), "non-500 errors must not be retried")
}

func TestExecuteExtractsServiceMessage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<Error><Message>Access Denied</Message></Error>`))
	}))
	t.Cleanup(srv.Close)

	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})
	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "Access Denied", se.Message, "service-reported message wins over the generic one")
}

func TestExecuteGenericMessageWithoutBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})
	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "HTTP error", se.Message)
}

func TestExecuteTransportFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})
	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})

	var se *Error
	require.ErrorAs(t, err, &se)
	require.Zero(t, se.StatusCode, "transport failures have no HTTP status")
	require.Error(t, se.Err, "underlying transport error is preserved")
}

func TestExecuteFreshDatePerAttempt(t *testing.T) {
	withFastRetries(t)

	var mu sync.Mutex
	var dates []string
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dates = append(dates, r.Header.Get("Date"))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// Tick the clock forward on every observation.
	base := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	var ticks atomic.Int64
	orig := nowFunc
	nowFunc = func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }
	t.Cleanup(func() { nowFunc = orig })

	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})
	resp, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})
	require.NoError(t, err)
	drainAndClose(resp.Body)

	require.Len(t, dates, 3)
	require.NotEqual(t, dates[0], dates[1], "each attempt must be re-signed with a fresh Date")
	require.NotEqual(t, dates[1], dates[2], "each attempt must be re-signed with a fresh Date")
}

// Cancellation while the executor is paused between attempts must still
// come back inside the error taxonomy, not as a bare context error.
func TestExecuteCancelDuringRetryPause(t *testing.T) {
	orig := retryInterval
	retryInterval = 500 * time.Millisecond
	t.Cleanup(func() { retryInterval = orig })

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 500)
	b := newTestBucket(t, Config{BaseURL: srv.URL + "/test-bucket"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.do(ctx, &request{method: http.MethodGet, key: "k"})

	var se *Error
	require.ErrorAs(t, err, &se, "mid-pause cancellation classifies as a service error")
	require.ErrorIs(t, err, context.DeadlineExceeded, "underlying context error preserved")
	require.EqualValues(t, 1, calls.Load(), "deadline expired before a second attempt was due")
}

// The timeout budgets each attempt, not the whole retry sequence: two
// pauses longer than the timeout combined must not fail the call.
func TestExecuteTimeoutPerAttempt(t *testing.T) {
	orig := retryInterval
	retryInterval = 200 * time.Millisecond
	t.Cleanup(func() { retryInterval = orig })

	var calls atomic.Int64
	srv := scriptedServer(t, &calls, 500, 500, 200)
	b := newTestBucket(t, Config{
		BaseURL: srv.URL + "/test-bucket",
		Timeout: 250 * time.Millisecond,
	})

	resp, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})
	require.NoError(t, err, "pauses between attempts must not consume the per-call timeout")
	drainAndClose(resp.Body)
	require.EqualValues(t, 3, calls.Load())
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	b := newTestBucket(t, Config{
		BaseURL: srv.URL + "/test-bucket",
		Timeout: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := b.do(context.Background(), &request{method: http.MethodGet, key: "k"})
	require.Error(t, err, "timed-out call must fail")
	require.Less(t, time.Since(start), 2*time.Second, "timeout must cut the call short")

	var se *Error
	require.ErrorAs(t, err, &se, "timeouts classify as general service errors")
}
