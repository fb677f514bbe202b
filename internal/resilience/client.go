package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxBackoff caps the delay between attempts, including server-provided
// Retry-After values.
const MaxBackoff = 30 * time.Second

// StatusError is returned when the final attempt ends with a retryable
// status code.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("resilience: upstream responded %s", e.Status)
}

// HTTPClient wraps an http.Client with retry, timeout and circuit-breaker logic.
// 5xx responses and transport errors count against the breaker; 429 is retried
// honouring Retry-After but does not trip it.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// Do executes req with retries. The body is buffered so every attempt sends
// the same bytes. When the breaker is open ErrOpenCircuit is returned. A nil
// Breaker disables circuit breaking.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if breaker != nil && !breaker.Allow(ctx) {
			lastErr = ErrOpenCircuit
			break
		}
		resp, err := cl.doOnce(ctx, cloneRequest(ctx, req, body))
		wait := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
		switch {
		case err != nil:
			report(ctx, breaker, false)
			lastErr = err
		case resp.StatusCode == http.StatusTooManyRequests:
			report(ctx, breaker, true)
			if ra, ok := RetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				wait = ra
			}
			lastErr = discard(resp)
		case resp.StatusCode >= 500:
			report(ctx, breaker, false)
			lastErr = discard(resp)
		default:
			report(ctx, breaker, true)
			return resp, nil
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, lastErr
}

func report(ctx context.Context, b *Breaker, success bool) {
	if b != nil {
		b.Report(ctx, success)
	}
}

func (cl HTTPClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	if timeout <= 0 {
		return cl.Client.Do(req)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	resp, err := cl.Client.Do(req.WithContext(callCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func discard(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
}

// Backoff returns an exponential backoff duration for the provided attempt,
// capped at MaxBackoff. Jitter is a fraction (0.2 == 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > MaxBackoff {
		d = MaxBackoff
	}
	if jitterPct <= 0 {
		return d
	}
	jitter := float64(d) * jitterPct
	delta := (rand.Float64()*2 - 1) * jitter
	return d + time.Duration(delta)
}

// RetryAfter parses a Retry-After header given either in seconds or as an
// HTTP date.
func RetryAfter(header string, now time.Time) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	var d time.Duration
	if secs, err := strconv.ParseFloat(header, 64); err == nil {
		d = time.Duration(secs * float64(time.Second))
	} else if at, err := http.ParseTime(header); err == nil {
		d = at.Sub(now)
	} else {
		return 0, false
	}
	if d < 0 {
		d = 0
	}
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d, true
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	defer func() { _ = src.Close() }()
	return io.ReadAll(src)
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
