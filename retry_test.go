package loom

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTransientClassification(t *testing.T) {
	p := DefaultRetryPolicy()

	transient := []error{
		errors.New("ETIMEDOUT"),
		errors.New("read tcp: connection reset by peer"),
		errors.New("dial tcp: connection refused"),
		errors.New("lookup example.com: no such host"),
		errors.New("socket hang up"),
		errors.New("context deadline exceeded (Client.Timeout exceeded)"),
		errors.New("provider said: rate limit exceeded"),
		&ErrHTTP{Status: 429, Body: "slow down"},
		&ErrHTTP{Status: 503, Body: "unavailable"},
		&ErrHTTP{Status: 504, Body: "gateway timeout"},
		fmt.Errorf("wrapped: %w", &ErrHTTP{Status: 503}),
	}
	for _, err := range transient {
		if !p.Transient(err) {
			t.Errorf("Transient(%v) = false, want true", err)
		}
	}

	terminal := []error{
		nil,
		errors.New("invalid credentials"),
		errors.New("malformed response body"),
		&ErrHTTP{Status: 401, Body: "unauthorized"},
		&ErrHTTP{Status: 404, Body: "not found"},
		&ErrHTTP{Status: 400, Body: "bad request"},
		context.Canceled,
		context.DeadlineExceeded,
	}
	for _, err := range terminal {
		if p.Transient(err) {
			t.Errorf("Transient(%v) = true, want false", err)
		}
	}
}

func TestDelayBackoffShape(t *testing.T) {
	p := DefaultRetryPolicy()

	// Nominal delays double: ~1s, ~2s, ~4s, with ±25% jitter.
	for attempt, nominal := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			lo := nominal - nominal/4
			hi := nominal + nominal/4
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 50; i++ {
		if d := p.Delay(10); d > p.Cap {
			t.Fatalf("Delay(10) = %v exceeds cap %v", d, p.Cap)
		}
	}
}
