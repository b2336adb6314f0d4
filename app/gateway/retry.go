package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FailureClass tells the orchestrator how a call ended: a terminal business
// rejection is user-actionable, infrastructure exhaustion is not.
type FailureClass int32

const (
	FailureAuth      FailureClass = 1
	FailureRejected  FailureClass = 2
	FailureExhausted FailureClass = 3
)

const exhaustedErrorCode = "attempts_exhausted"

type RequestError struct {
	Failure    FailureClass
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway request failed: code=%s status=%d: %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway request failed: code=%s status=%d", e.Code, e.StatusCode)
}

// Terminal reports whether retrying the same request can never succeed.
func (e *RequestError) Terminal() bool {
	return e.Failure == FailureAuth || e.Failure == FailureRejected
}

func (e *RequestError) Exhausted() bool {
	return e.Failure == FailureExhausted
}

type RetryPolicy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	DefaultRetryAfter time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = 10 * time.Second
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 8 * time.Second
	}
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = 2 * time.Second
	}
	return p
}

type retryingClient struct {
	http   *http.Client
	policy RetryPolicy
	logger logrus.FieldLogger
}

func newRetryingClient(policy RetryPolicy, logger logrus.FieldLogger) *retryingClient {
	policy = policy.withDefaults()
	return &retryingClient{
		http:   &http.Client{Timeout: policy.PerAttemptTimeout},
		policy: policy,
		logger: logger,
	}
}

// do executes a request with bounded retries. The request is rebuilt per
// attempt so bodies can be replayed.
//
// Classification:
//   - 2xx: success.
//   - 429: sleep the server-signaled Retry-After (or the default) and retry;
//     server backoff replaces the exponential schedule for that attempt.
//   - 401/403: terminal auth failure, zero retries.
//   - other 4xx: terminal business rejection, zero retries.
//   - 5xx, timeout, network error: exponential backoff, doubling and capped,
//     until attempts are exhausted.
func (c *retryingClient) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	backoff := c.policy.BaseBackoff

	var lastStatus int
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.PerAttemptTimeout)
		body, status, header, err := c.attempt(attemptCtx, build)
		cancel()

		if err == nil && status >= 200 && status < 300 {
			return body, nil
		}
		lastStatus = status

		switch {
		case status == http.StatusTooManyRequests:
			delay := parseRetryAfterHeader(header.Get("Retry-After"), c.policy.DefaultRetryAfter)
			c.logger.WithField("attempt", attempt).WithField("retry_after", delay.String()).Warn("gateway rate limited")
			if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			continue

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return nil, &RequestError{
				Failure:    FailureAuth,
				StatusCode: status,
				Code:       "gateway_auth_failed",
				Message:    string(body),
			}

		case status >= 400 && status < 500:
			return nil, &RequestError{
				Failure:    FailureRejected,
				StatusCode: status,
				Code:       rejectionCode(body),
				Message:    string(body),
			}
		}

		// 5xx, timeout, or transport failure.
		if attempt == c.policy.MaxAttempts {
			break
		}
		c.logger.WithField("attempt", attempt).WithField("status", status).WithField("backoff", backoff.String()).Warn("gateway call failed, retrying")
		if sleepErr := sleepContext(ctx, backoff); sleepErr != nil {
			return nil, sleepErr
		}
		backoff *= 2
		if backoff > c.policy.MaxBackoff {
			backoff = c.policy.MaxBackoff
		}
	}

	return nil, &RequestError{
		Failure:    FailureExhausted,
		StatusCode: lastStatus,
		Code:       exhaustedErrorCode,
		Message:    fmt.Sprintf("gave up after %d attempts", c.policy.MaxAttempts),
	}
}

func (c *retryingClient) attempt(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, int, http.Header, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, 0, http.Header{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and transport errors are retryable; status 0 routes
		// them down the backoff path.
		return nil, 0, http.Header{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, resp.Header, err
	}

	return body, resp.StatusCode, resp.Header, nil
}

func rejectionCode(body []byte) string {
	code := parseErrorCode(body)
	if code == "" {
		return "gateway_rejected"
	}
	return code
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfterHeader(value string, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
