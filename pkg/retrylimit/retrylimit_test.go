package retrylimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesServerErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusBadGateway, URL: "https://example.test"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnClientError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastPolicy(5), func(context.Context) error {
		calls++
		return &StatusError{Code: http.StatusNotFound}
	})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.StatusCode())
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	boom := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), nil, fastPolicy(5), func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	boom := errors.New("flaky")
	var retries []int
	p := fastPolicy(2)
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }

	err := Do(context.Background(), nil, p, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, []int{1}, retries)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 5, Initial: time.Hour}

	err := Do(ctx, nil, p, func(context.Context) error {
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiterThrottleAndRecover(t *testing.T) {
	lim := NewLimiter(4, 0.5, 8)
	assert.Equal(t, 4.0, lim.Limit())

	err := Do(context.Background(), lim, fastPolicy(2), func(context.Context) error {
		return &StatusError{Code: http.StatusTooManyRequests}
	})
	require.Error(t, err)
	assert.Equal(t, 1.0, lim.Limit())

	lim.recoverAfter = 0
	lim.Succeeded()
	assert.Equal(t, 2.0, lim.Limit())
}

func TestNewLimiterClamps(t *testing.T) {
	assert.Equal(t, 3.0, NewLimiter(10, 1, 3).Limit())
	assert.Equal(t, 1.0, NewLimiter(0, 1, 3).Limit())
}
