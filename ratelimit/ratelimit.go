// Package ratelimit bounds LLM concurrency and throughput across a process
// or a cluster. Pool is a process-wide bounded semaphore applied across all
// runs. Limiter is a richer, optional addition: an
// AIMD token-bucket that throttles tokens-per-minute and backs off when the
// provider signals it is rate limited, coordinating the shared budget across
// processes via a Pulse replicated map when one is supplied. Wrap composes
// either or both into an llm.Client decorator.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/brainrun/brains/llm"
)

// Pool is a process-wide bounded semaphore limiting how many LLM calls may
// be in flight at once. It has no notion of tokens or backoff, just a slot
// count.
type Pool struct {
	slots chan struct{}
}

// NewPool builds a Pool with the given capacity. A non-positive capacity
// means unbounded: Acquire always succeeds immediately.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		return &Pool{}
	}
	return &Pool{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p == nil || p.slots == nil {
		return nil
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot acquired by Acquire. Safe to call on a nil Pool or
// an unbounded Pool as a no-op.
func (p *Pool) Release() {
	if p == nil || p.slots == nil {
		return
	}
	<-p.slots
}

type (
	// Limiter applies an AIMD-style adaptive token bucket in front of an
	// llm.Client. It estimates the token cost of each request, blocks
	// callers until capacity is available, and adjusts its effective
	// tokens-per-minute budget in response to rate limiting signals from the
	// provider.
	//
	// A Limiter constructed with New is process-local. One constructed with
	// NewCluster coordinates its budget with other processes through a
	// Pulse replicated map: a backoff or probe in any process nudges the
	// shared value, and every process reconciles its local bucket when that
	// value changes.
	Limiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		onBackoff func(newTPM float64)
		onProbe   func(newTPM float64)
	}

	// clusterMap is the subset of *rmap.Map NewCluster needs.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

// New constructs a process-local Limiter with an initial tokens-per-minute
// budget and an upper bound. When maxTPM is zero or less than initialTPM, it
// is clamped to initialTPM.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &Limiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// NewCluster constructs a Limiter whose tokens-per-minute budget is shared
// across processes via m under key. If the key does not yet exist it is
// seeded with initialTPM; a concurrent seeder may win the race, in which
// case the existing value is adopted instead.
func NewCluster(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *Limiter {
	if m == nil || key == "" {
		return New(initialTPM, maxTPM)
	}
	return newClusterLimiter(ctx, &rmapClusterMap{m: m}, key, initialTPM, maxTPM)
}

// Wait blocks until the bucket has capacity for estimatedTokens or ctx is
// done.
func (l *Limiter) Wait(ctx context.Context, estimatedTokens int) error {
	if l == nil {
		return nil
	}
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}
	return l.limiter.WaitN(ctx, estimatedTokens)
}

// Observe adjusts the limiter's effective budget in response to the outcome
// of a call that was gated by Wait: a nil error probes the budget upward
// toward maxTPM, an error wrapping llm.ErrRateLimited halves it down toward
// minTPM. Any other error is ignored — only rate-limit signals drive AIMD.
func (l *Limiter) Observe(err error) {
	if l == nil {
		return
	}
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, llm.ErrRateLimited) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *Limiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, mainly for observability.
func (l *Limiter) CurrentTPM() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *Limiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *Limiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

type rmapClusterMap struct {
	m *rmap.Map
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

func newClusterLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *Limiter {
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			// Seeding the shared budget failed; fall back to a process-local
			// limiter so the caller still makes progress.
			return New(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := New(sharedTPM, maxTPM)

	min := l.minTPM
	max := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) { go globalBackoff(context.Background(), m, key, min) },
		func(_ float64) { go globalProbe(context.Background(), m, key, step, max) },
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	casLoop(ctx, m, key, func(cur float64) float64 {
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		return next
	})
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	casLoop(ctx, m, key, func(cur float64) float64 {
		if cur >= ceiling {
			return cur
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		return next
	})
}

// casLoop applies next to the shared value at key, retrying against
// concurrent writers a bounded number of times before giving up. A stale
// update loses silently: the next Subscribe notification reconciles state.
func casLoop(ctx context.Context, m clusterMap, key string, next func(cur float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextVal := next(cur)
		if nextVal == cur {
			return
		}
		nextStr := strconv.Itoa(int(nextVal))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
