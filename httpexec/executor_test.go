package httpexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagechat/linkcore/connectivity"
	"github.com/vantagechat/linkcore/fault"
	"github.com/vantagechat/linkcore/internal/backoff"
)

func testSchedule() backoff.Schedule {
	return backoff.Schedule{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond}
}

func newTestExecutor(t *testing.T, url string, monitor OfflineChecker) *Executor {
	t.Helper()
	return New(Options{
		BaseURL:     url,
		MaxAttempts: 3,
		Schedule:    testSchedule(),
		Monitor:     monitor,
		Logger:      zerolog.Nop(),
	})
}

func TestDoRecoversFromTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"message":"warming up"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	start := time.Now()
	resp, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/api/presence/online"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "first retry waits at least the base delay")

	stats := e.Stats()
	assert.EqualValues(t, 1, stats.Calls)
	assert.EqualValues(t, 1, stats.Retries)
	assert.EqualValues(t, 0, stats.Failures)
}

func TestDoExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"success":false,"errorMessage":"upstream down"}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "3 attempts total: initial + 2 retries")
	assert.Equal(t, fault.TransientNetwork, fault.KindOf(err))

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	assert.Equal(t, "upstream down", fe.Message)
}

func TestDoSchemaDefectAbortsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"errorMessage":"Invalid column name 'LastActivityDate'."}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a schema defect must produce exactly one attempt")
	assert.Equal(t, fault.BackendSchemaDefect, fault.KindOf(err))
}

func TestDoNonRetryableStatusAbortsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"message":"bad page number"}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, fault.Unknown, fault.KindOf(err))
}

func TestDoCancellationInterruptsBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	e := New(Options{
		BaseURL:     server.URL,
		MaxAttempts: 3,
		Schedule:    backoff.Schedule{Base: 10 * time.Second, Max: 10 * time.Second},
		Logger:      zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Do(ctx, Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, fault.Cancelled, fault.KindOf(err), "cancellation is distinct from transport errors")
	assert.Less(t, time.Since(start), 5*time.Second, "a sleeping backoff must be interrupted")
}

type fixedMonitor struct {
	snap connectivity.Snapshot
}

func (m fixedMonitor) Current() connectivity.Snapshot { return m.snap }

func TestDoShortCircuitsWhileOffline(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, fixedMonitor{snap: connectivity.Snapshot{Connected: false}})
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, fault.TransientNetwork, fault.KindOf(err))
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls), "no network traffic while offline")
}

func TestDoHonorsRetryAfterHeader(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	start := time.Now()
	_, err := e.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "Retry-After is honored up to the schedule cap")
	assert.Less(t, elapsed, 5*time.Second, "Retry-After beyond the cap is clamped")
}

func TestDoJSONRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"userId":7,"status":"online"}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	var out struct {
		UserID int64  `json:"userId"`
		Status string `json:"status"`
	}
	err := e.DoJSON(context.Background(), http.MethodPost, "/api/presence/users/7", nil, map[string]string{"probe": "yes"}, &out)
	require.NoError(t, err)
	assert.EqualValues(t, 7, out.UserID)
	assert.Equal(t, "online", out.Status)
}

func TestDoJSONDecodeFailureIsProtocolDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"userId":`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	var out map[string]any
	err := e.DoJSON(context.Background(), http.MethodGet, "/x", nil, nil, &out)
	require.Error(t, err)
	assert.Equal(t, fault.ProtocolDecode, fault.KindOf(err))
}

func TestDoSurfacesValidationEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"errors":{"statusMessage":["exceeds 120 characters"]}}`))
	}))
	defer server.Close()

	e := newTestExecutor(t, server.URL, nil)
	_, err := e.Do(context.Background(), Request{Method: http.MethodPut, Path: "/x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statusMessage: exceeds 120 characters")
}
