package util

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// maxLoggedBody caps how much of a response body is written to the debug log.
const maxLoggedBody = 4 << 10

// LoggingTransport is an http.RoundTripper that logs requests and response
// bodies at debug level. Credentials are never logged.
type LoggingTransport struct {
	Base   http.RoundTripper
	Logger zerolog.Logger
}

func (t *LoggingTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.Logger.Debug().Enabled() {
		return t.base().RoundTrip(req)
	}

	t.Logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Bool("auth", req.Header.Get("Authorization") != "").
		Msg("Outbound request")

	start := time.Now()
	resp, err := t.base().RoundTrip(req)
	if err != nil {
		t.Logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Outbound request failed")
		return resp, err
	}

	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(respBody))

	logged := respBody
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
	}
	t.Logger.Debug().
		Int("status", resp.StatusCode).
		Str("url", req.URL.String()).
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(respBody)).
		Bytes("body", logged).
		Msg("Outbound response")

	return resp, nil
}

// RetryTransport retries requests answered with 429 or a 5xx status. A
// Retry-After header is honoured; otherwise the wait doubles from
// BaseDelay up to MaxDelay.
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     zerolog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	sleep := t.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := base.RoundTrip(req)
		if err != nil || !retryable(resp.StatusCode) || attempt >= t.MaxRetries {
			return resp, err
		}
		if req.Body != nil && req.GetBody == nil {
			// The body was consumed and cannot be replayed.
			return resp, nil
		}

		wait := t.delay(attempt, resp.Header.Get("Retry-After"))
		t.Logger.Warn().
			Int("status", resp.StatusCode).
			Int("attempt", attempt+1).
			Dur("wait", wait).
			Str("url", req.URL.String()).
			Msg("Retrying request")

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := sleep(req.Context(), wait); err != nil {
			return nil, err
		}
	}
}

func (t *RetryTransport) delay(attempt int, retryAfter string) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, time.Now()); ok {
		return d
	}
	d := t.BaseDelay
	if d <= 0 {
		d = time.Second
	}
	d <<= attempt
	if t.MaxDelay > 0 && d > t.MaxDelay {
		d = t.MaxDelay
	}
	return d
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// parseRetryAfter accepts both forms of the header: delay-seconds and an
// HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
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
