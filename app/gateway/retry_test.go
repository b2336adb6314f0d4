package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		PerAttemptTimeout: 200 * time.Millisecond,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		DefaultRetryAfter: time.Millisecond,
	}
}

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func buildGet(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"pay_1"}`))
	}))
	defer server.Close()

	client := newRetryingClient(testPolicy(), testLogger())
	body, err := client.do(context.Background(), buildGet(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != `{"id":"pay_1"}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDoAuthFailureIsTerminal(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newRetryingClient(testPolicy(), testLogger())
	_, err := client.do(context.Background(), buildGet(server.URL))

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Failure != FailureAuth {
		t.Fatalf("expected auth failure, got %d", reqErr.Failure)
	}
	if !reqErr.Terminal() {
		t.Fatal("auth failure must be terminal")
	}
	if calls != 1 {
		t.Fatalf("auth failure must not be retried, got %d calls", calls)
	}
}

func TestDoRejectionIsTerminalWithCode(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"amount too large"}}`))
	}))
	defer server.Close()

	client := newRetryingClient(testPolicy(), testLogger())
	_, err := client.do(context.Background(), buildGet(server.URL))

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Failure != FailureRejected {
		t.Fatalf("expected rejection, got %d", reqErr.Failure)
	}
	if reqErr.Code != "bad_request_error" {
		t.Fatalf("unexpected rejection code: %s", reqErr.Code)
	}
	if calls != 1 {
		t.Fatalf("rejection must not be retried, got %d calls", calls)
	}
}

func TestDoRetriesServerErrorsUntilExhausted(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newRetryingClient(testPolicy(), testLogger())
	_, err := client.do(context.Background(), buildGet(server.URL))

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if !reqErr.Exhausted() {
		t.Fatalf("expected exhaustion, got failure %d", reqErr.Failure)
	}
	if reqErr.Code != exhaustedErrorCode {
		t.Fatalf("unexpected code: %s", reqErr.Code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoRecoversAfterServerError(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newRetryingClient(testPolicy(), testLogger())
	body, err := client.do(context.Background(), buildGet(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ok" {
		t.Fatalf("unexpected body: %s", body)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestDoHonorsRetryAfterOnRateLimit(t *testing.T) {
	var calls int64
	var firstRetryAt time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		firstRetryAt = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	policy := testPolicy()
	policy.PerAttemptTimeout = 3 * time.Second
	client := newRetryingClient(policy, testLogger())

	start := time.Now()
	_, err := client.do(context.Background(), buildGet(server.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	if firstRetryAt.Sub(start) < time.Second {
		t.Fatalf("retry fired before the server-requested delay: %s", firstRetryAt.Sub(start))
	}
}

func TestDoRetriesTimeouts(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	policy := testPolicy()
	policy.PerAttemptTimeout = 30 * time.Millisecond
	client := newRetryingClient(policy, testLogger())

	_, err := client.do(context.Background(), buildGet(server.URL))

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if !reqErr.Exhausted() {
		t.Fatalf("expected exhaustion after timeouts, got failure %d", reqErr.Failure)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestDoStopsWhenContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	policy := testPolicy()
	policy.BaseBackoff = time.Second
	client := newRetryingClient(policy, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.do(ctx, buildGet(server.URL))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	fallback := 2 * time.Second
	if got := parseRetryAfterHeader("5", fallback); got != 5*time.Second {
		t.Fatalf("unexpected delay: %s", got)
	}
	if got := parseRetryAfterHeader("", fallback); got != fallback {
		t.Fatalf("expected fallback for empty header, got %s", got)
	}
	if got := parseRetryAfterHeader("soon", fallback); got != fallback {
		t.Fatalf("expected fallback for junk header, got %s", got)
	}
	if got := parseRetryAfterHeader("-3", fallback); got != fallback {
		t.Fatalf("expected fallback for negative header, got %s", got)
	}
}
