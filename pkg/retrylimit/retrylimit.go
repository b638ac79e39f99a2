// Package retrylimit throttles outgoing requests and retries the ones that fail
// for transient reasons. The limiter slows down when the remote side answers
// 429 and speeds back up after a quiet period.
//
// Example usage:
//
//	lim := retrylimit.NewLimiter(2, 0.5, 4)
//	err := retrylimit.Do(ctx, lim, retrylimit.DefaultPolicy(), func(ctx context.Context) error {
//	    return fetch(ctx)
//	})
package retrylimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket whose rate halves on throttling and grows by one
// step on success once no throttling has been seen for recoverAfter.
type Limiter struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	min, max     rate.Limit
	lastThrottle time.Time
	recoverAfter time.Duration
}

// NewLimiter starts at initial requests per second, clamped to [min, max].
func NewLimiter(initial, min, max float64) *Limiter {
	if min <= 0 {
		min = 0.1
	}
	if max < min {
		max = min
	}
	if initial < min {
		initial = min
	}
	if initial > max {
		initial = max
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initial), burstFor(rate.Limit(initial))),
		min:          rate.Limit(min),
		max:          rate.Limit(max),
		recoverAfter: 10 * time.Second,
	}
}

// Wait blocks until a request may be sent.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Throttled halves the rate.
func (l *Limiter) Throttled() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastThrottle = time.Now()
	l.set(l.limiter.Limit() / 2)
}

// Succeeded raises the rate by one request per second after a quiet period.
func (l *Limiter) Succeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastThrottle) > l.recoverAfter {
		l.set(l.limiter.Limit() + 1)
	}
}

// Limit returns the current rate.
func (l *Limiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.limiter.Limit())
}

func (l *Limiter) set(r rate.Limit) {
	r = max(l.min, min(l.max, r))
	if r == l.limiter.Limit() {
		return
	}
	l.limiter.SetLimit(r)
	l.limiter.SetBurst(burstFor(r))
}

func burstFor(r rate.Limit) int {
	return max(1, int(r))
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) StatusCode() int { return e.Code }

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy is an exponential backoff schedule.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy tries three times, starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Initial:    500 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Do runs fn until it succeeds, returns a permanent or non-retryable error,
// ctx ends or the attempts run out. lim may be nil.
func Do(ctx context.Context, lim *Limiter, p Policy, fn func(context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}

	delay := p.Initial
	var err error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if lim != nil {
			if werr := lim.Wait(ctx); werr != nil {
				return werr
			}
		}

		err = fn(ctx)
		if err == nil {
			if lim != nil {
				lim.Succeeded()
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		var status *StatusError
		if errors.As(err, &status) {
			if !status.Retryable() {
				return err
			}
			if status.Code == http.StatusTooManyRequests && lim != nil {
				lim.Throttled()
			}
		}

		if attempt == p.Attempts {
			break
		}

		wait := delay
		if p.Jitter && wait > 0 {
			wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", p.Attempts, err)
}
