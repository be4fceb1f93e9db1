package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayFor(t *testing.T) {
	backoff := Backoff(5, time.Second, 30*time.Second)

	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"exponential attempt 1", backoff, 1, 1 * time.Second},
		{"exponential attempt 2", backoff, 2, 2 * time.Second},
		{"exponential attempt 3", backoff, 3, 4 * time.Second},
		{"exponential attempt 5", backoff, 5, 16 * time.Second},
		{"exponential capped", backoff, 6, 30 * time.Second},
		{"exponential huge attempt capped", backoff, 200, 30 * time.Second},
		{"fixed attempt 1", Fixed(3, 500*time.Millisecond), 1, 500 * time.Millisecond},
		{"fixed attempt 7", Fixed(3, 500*time.Millisecond), 7, 500 * time.Millisecond},
		{"zero attempt treated as first", backoff, 0, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.DelayFor(tt.attempt))
		})
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	t.Logf("✅ succeeded on attempt %d, no further attempts", calls)
}

func TestDoExhausts(t *testing.T) {
	var failures atomic.Uint32
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("boom")
	}, &failures)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint32(3), failures.Load())
}

func TestDoPermanentErrorNotRetried(t *testing.T) {
	sentinel := errors.New("no endpoint")
	calls := 0
	err := Do(context.Background(), Fixed(5, time.Millisecond), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(sentinel)
	}, nil)

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	err := Do(ctx, Fixed(3, time.Hour), func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoNoWaitAfterLastAttempt(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Fixed(1, 2*time.Second), func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	}, nil)

	assert.Less(t, time.Since(start), time.Second)
}
