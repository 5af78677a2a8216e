// Package httpexec executes single request/response operations against the
// backend HTTP API with timeout, retry and structured error classification.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantagechat/linkcore/connectivity"
	"github.com/vantagechat/linkcore/fault"
	"github.com/vantagechat/linkcore/internal/backoff"
)

// Request is a replayable request description. Keeping the body as bytes
// lets the executor rebuild the HTTP request on every attempt.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OfflineChecker is the slice of the connectivity monitor the executor
// needs: calls are short-circuited while the device is offline.
type OfflineChecker interface {
	Current() connectivity.Snapshot
}

type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	MaxAttempts int
	Schedule    backoff.Schedule
	Monitor     OfflineChecker
	Logger      zerolog.Logger
}

// Stats are cumulative observability counters. They are the executor's only
// shared mutable state across calls.
type Stats struct {
	Calls    int64
	Retries  int64
	Failures int64
}

type Executor struct {
	baseURL     string
	client      *http.Client
	maxAttempts int
	schedule    backoff.Schedule
	monitor     OfflineChecker
	log         zerolog.Logger

	calls    atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

func New(opts Options) *Executor {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	schedule := opts.Schedule
	if schedule.Base <= 0 {
		schedule = backoff.Default()
	}
	return &Executor{
		baseURL:     baseURL,
		client:      client,
		maxAttempts: maxAttempts,
		schedule:    schedule,
		monitor:     opts.Monitor,
		log:         opts.Logger,
	}
}

// Do executes the request, retrying classified-safe failures on the
// exponential schedule. On exhaustion the last error is returned verbatim
// so callers can inspect the true failure cause.
func (e *Executor) Do(ctx context.Context, req Request) (Response, error) {
	e.calls.Add(1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, fault.Wrap(fault.Cancelled, err)
		}
		if e.monitor != nil && !e.monitor.Current().Connected {
			e.failures.Add(1)
			e.log.Debug().Str("path", req.Path).Msg("device offline; short-circuiting request")
			return Response{}, fault.New(fault.TransientNetwork, "device is offline")
		}

		resp, err := e.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}

		kind := fault.KindOf(err)
		if !kind.Retryable() || attempt >= e.maxAttempts {
			e.failures.Add(1)
			return Response{}, err
		}

		delay := e.retryDelay(attempt, err)
		e.log.Warn().
			Int("attempt", attempt).
			Dur("delay", delay).
			Str("path", req.Path).
			Err(err).
			Msg("request failed; retrying")
		e.retries.Add(1)
		if sleepErr := backoff.Sleep(ctx, delay); sleepErr != nil {
			e.failures.Add(1)
			return Response{}, fault.Wrap(fault.Cancelled, sleepErr)
		}
	}
}

// DoJSON marshals in (when non-nil), executes the request and unmarshals a
// non-empty response body into out (when non-nil).
func (e *Executor) DoJSON(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	resp, err := e.Do(ctx, Request{Method: method, Path: path, Header: header, Body: body})
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fault.Wrap(fault.ProtocolDecode, err)
	}
	return nil
}

func (e *Executor) Stats() Stats {
	return Stats{
		Calls:    e.calls.Load(),
		Retries:  e.retries.Load(),
		Failures: e.failures.Load(),
	}
}

func (e *Executor) attempt(ctx context.Context, req Request) (Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, e.baseURL+req.Path, bodyReader)
	if err != nil {
		return Response{}, fault.Wrap(fault.Unknown, err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, fault.Wrap(fault.Cancelled, ctx.Err())
		}
		return Response{}, fault.Wrap(fault.TransientNetwork, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Response{}, fault.Wrap(fault.TransientNetwork, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
	}

	apiErr := fault.FromResponse(resp.StatusCode, payload)
	if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
		return Response{}, &retryAfterError{err: apiErr, after: retryAfter}
	}
	return Response{}, apiErr
}

// retryDelay computes the wait before the next attempt; a server-provided
// Retry-After wins when present, clamped to the schedule's cap.
func (e *Executor) retryDelay(attempt int, err error) time.Duration {
	if rae, ok := err.(*retryAfterError); ok && rae.after > 0 {
		if max := e.schedule.Max; max > 0 && rae.after > max {
			return max
		}
		return rae.after
	}
	return e.schedule.Delay(attempt)
}

type retryAfterError struct {
	err   *fault.Error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
