package loom

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"
)

// RetryPolicy classifies handler errors as transient or terminal and
// computes exponential-backoff delays with jitter. The zero value is not
// usable; construct with DefaultRetryPolicy or set all fields.
type RetryPolicy struct {
	// MaxRetries is the retry budget per step (total attempts = MaxRetries+1).
	MaxRetries int
	// Base is the nominal delay before the first retry; each subsequent
	// retry doubles it.
	Base time.Duration
	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration
}

// DefaultRetryPolicy returns the standard policy: up to 3 retries,
// 1 s base, 10 s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Second, Cap: 10 * time.Second}
}

// transientSignals are substrings that mark an integration error as
// retryable. They cover the standard network-transient failures: resets,
// refusals, resolution errors, hang-ups, timeouts, and throttling.
var transientSignals = []string{
	"connection reset",
	"connection refused",
	"no such host",
	"name resolution",
	"eai_again",
	"socket hang up",
	"timeout",
	"timed out",
	"etimedout",
	"econnreset",
	"econnrefused",
	"rate limit",
	"429",
	"503",
	"504",
}

// Transient reports whether err should be retried. HTTP failures retry on
// 429, 503, and 504; everything else is matched against the transient
// signal list. Context cancellation is never transient — a cancelled
// execution must not sleep and retry.
func (p RetryPolicy) Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status == 503 || httpErr.Status == 504
	}
	msg := strings.ToLower(err.Error())
	for _, signal := range transientSignals {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

// Delay returns the backoff before retry attempt (0-based: the first retry
// is attempt 0). The nominal delay is Base·2^attempt with ±25% jitter,
// capped at Cap.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	nominal := p.Base << attempt
	if nominal > p.Cap || nominal <= 0 {
		nominal = p.Cap
	}
	jitter := time.Duration(rand.Int63n(int64(nominal)/2+1)) - nominal/4
	d := nominal + jitter
	if d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}
