package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/llm"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = p.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while the single slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should have unblocked after Release")
	}
}

func TestPoolUnboundedWhenNonPositiveCapacity(t *testing.T) {
	p := NewPool(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, p.Acquire(ctx))
	}
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	p := NewPool(1)
	ctx := context.Background()
	require.NoError(t, p.Acquire(ctx))

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Acquire(cancelCtx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClampsMaxBelowInitial(t *testing.T) {
	l := New(1000, 10)
	assert.Equal(t, float64(1000), l.CurrentTPM())
}

func TestObserveProbesUpwardOnSuccess(t *testing.T) {
	l := New(1000, 2000)
	l.Observe(nil)
	assert.Greater(t, l.CurrentTPM(), float64(1000))
}

func TestObserveBacksOffOnRateLimitedError(t *testing.T) {
	l := New(1000, 2000)
	l.Observe(errors.New("wrap: " + llm.ErrRateLimited.Error()))
	assert.Equal(t, float64(1000), l.CurrentTPM(), "a plain string match should not trigger backoff")

	wrapped := errWrap{llm.ErrRateLimited}
	l.Observe(wrapped)
	assert.Less(t, l.CurrentTPM(), float64(1000))
}

func TestObserveIgnoresUnrelatedErrors(t *testing.T) {
	l := New(1000, 2000)
	l.Observe(errors.New("transport reset"))
	assert.Equal(t, float64(1000), l.CurrentTPM())
}

func TestBackoffNeverGoesBelowMinTPM(t *testing.T) {
	l := New(100, 100)
	for i := 0; i < 20; i++ {
		l.Observe(errWrap{llm.ErrRateLimited})
	}
	assert.GreaterOrEqual(t, l.CurrentTPM(), float64(10))
}

func TestProbeNeverExceedsMaxTPM(t *testing.T) {
	l := New(100, 120)
	for i := 0; i < 20; i++ {
		l.Observe(nil)
	}
	assert.LessOrEqual(t, l.CurrentTPM(), float64(120))
}

func TestWaitOnNilLimiterNeverBlocks(t *testing.T) {
	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), 1000))
}

type errWrap struct{ err error }

func (e errWrap) Error() string { return "rate limited: " + e.err.Error() }
func (e errWrap) Unwrap() error { return e.err }
