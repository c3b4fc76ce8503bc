// Package ratelimit implements a token bucket whose state lives in a store
// that several workers can share. Every call to an upstream API passes
// through a Limiter first.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/logger"
)

var (
	// ErrTimeout is returned by AcquireBlocking when tokens were not granted in time.
	ErrTimeout = errors.New("ratelimit: acquire timed out")
	// ErrOverCapacity is returned when a single request costs more than the bucket holds.
	ErrOverCapacity = errors.New("ratelimit: cost exceeds bucket capacity")
	// ErrHeld is returned by AcquireBlocking when the bucket is on hold past the timeout.
	ErrHeld = errors.New("ratelimit: bucket on hold")
)

// HeldError carries how long the bucket stays on hold. It matches ErrHeld.
type HeldError struct {
	Key string
	For time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s for %s (key %s)", ErrHeld, e.For, e.Key)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

const (
	minWait        = 5 * time.Millisecond
	storeRetryWait = 50 * time.Millisecond
)

// Budget is the refill policy of one bucket.
type Budget struct {
	Capacity        float64
	RefillPerSecond float64
}

// DefaultBudget is 15 requests of burst refilled at 8 per second.
var DefaultBudget = Budget{Capacity: 15, RefillPerSecond: 8}

// State is a point-in-time view of a bucket.
type State struct {
	Key             string    `json:"key"`
	Tokens          float64   `json:"tokens"`
	LastRefill      time.Time `json:"last_refill"`
	Capacity        float64   `json:"capacity"`
	RefillPerSecond float64   `json:"refill_per_second"`
}

// TakeResult reports the outcome of one atomic take. Tokens is the balance
// after the take (or the refilled balance when the take was refused).
// HeldFor is set on a refused take while the bucket is on hold.
type TakeResult struct {
	Granted bool
	Tokens  float64
	HeldFor time.Duration
}

// Store performs the refill-and-deduct step atomically. Hold empties the
// bucket and suspends refill until now+d; a shorter hold never cuts an
// existing one short.
type Store interface {
	Take(ctx context.Context, key string, cost int, b Budget, now time.Time) (TakeResult, error)
	Snapshot(ctx context.Context, key string, b Budget, now time.Time) (State, error)
	Hold(ctx context.Context, key string, b Budget, d time.Duration, now time.Time) error
}

// Stats counts limiter decisions since start.
type Stats struct {
	Granted     int64 `json:"granted"`
	Denied      int64 `json:"denied"`
	StoreErrors int64 `json:"store_errors"`
}

// Limiter guards one bucket key.
type Limiter struct {
	store  Store
	key    string
	budget Budget
	log    *zap.Logger
	now    func() time.Time

	granted     atomic.Int64
	denied      atomic.Int64
	storeErrors atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for store failures.
func WithLogger(l *zap.Logger) Option {
	return func(lim *Limiter) { lim.log = logger.OrNop(l) }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) {
		if now != nil {
			lim.now = now
		}
	}
}

// New builds a limiter for key. A zero budget falls back to DefaultBudget.
func New(store Store, key string, budget Budget, opts ...Option) *Limiter {
	if budget.Capacity <= 0 || budget.RefillPerSecond <= 0 {
		budget = DefaultBudget
	}
	lim := &Limiter{
		store:  store,
		key:    key,
		budget: budget,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// Key returns the bucket key.
func (l *Limiter) Key() string { return l.key }

// Acquire tries once to take cost tokens. A store failure denies.
func (l *Limiter) Acquire(ctx context.Context, cost int) bool {
	cost = normalizeCost(cost)
	if float64(cost) > l.budget.Capacity {
		l.denied.Add(1)
		return false
	}
	res, err := l.take(ctx, cost)
	return err == nil && res.Granted
}

// AcquireBlocking retries until cost tokens are granted, the timeout
// elapses (ErrTimeout) or ctx is done (ctx.Err()). A hold that outlasts the
// timeout fails at once with a *HeldError.
func (l *Limiter) AcquireBlocking(ctx context.Context, cost int, timeout time.Duration) error {
	cost = normalizeCost(cost)
	if float64(cost) > l.budget.Capacity {
		l.denied.Add(1)
		return fmt.Errorf("%w: cost %d, capacity %v", ErrOverCapacity, cost, l.budget.Capacity)
	}

	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		res, err := l.take(ctx, cost)
		if err == nil && res.Granted {
			return nil
		}

		wait := storeRetryWait
		if err != nil {
			lastErr = err
		} else {
			if res.HeldFor > 0 && res.HeldFor >= time.Until(deadline) {
				return &HeldError{Key: l.key, For: res.HeldFor}
			}
			missing := float64(cost) - res.Tokens
			wait = res.HeldFor + time.Duration(missing/l.budget.RefillPerSecond*float64(time.Second))
		}
		if wait < minWait {
			wait = minWait
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w after %s (key %s): last store error: %v", ErrTimeout, timeout, l.key, lastErr)
			}
			return fmt.Errorf("%w after %s (key %s)", ErrTimeout, timeout, l.key)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Budget reports the current state of the bucket.
func (l *Limiter) Budget(ctx context.Context) (State, error) {
	st, err := l.store.Snapshot(ctx, l.key, l.budget, l.now())
	if err != nil {
		return State{}, fmt.Errorf("ratelimit snapshot %s: %w", l.key, err)
	}
	return st, nil
}

// Hold empties the bucket for every worker sharing the store and keeps it
// empty for d. Used when the upstream itself asks callers to back off.
func (l *Limiter) Hold(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if err := l.store.Hold(ctx, l.key, l.budget, d, l.now()); err != nil {
		l.storeErrors.Add(1)
		return fmt.Errorf("ratelimit hold %s: %w", l.key, err)
	}
	l.log.Info("ratelimit: bucket on hold", zap.String("key", l.key), zap.Duration("for", d))
	return nil
}

// Stats returns decision counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Granted:     l.granted.Load(),
		Denied:      l.denied.Load(),
		StoreErrors: l.storeErrors.Load(),
	}
}

func (l *Limiter) take(ctx context.Context, cost int) (TakeResult, error) {
	res, err := l.store.Take(ctx, l.key, cost, l.budget, l.now())
	if err != nil {
		l.storeErrors.Add(1)
		l.denied.Add(1)
		l.log.Warn("ratelimit: store failure, denying", zap.String("key", l.key), zap.Error(err))
		return TakeResult{}, err
	}
	if res.Granted {
		l.granted.Add(1)
	} else {
		l.denied.Add(1)
	}
	return res, nil
}

func normalizeCost(cost int) int {
	if cost <= 0 {
		return 1
	}
	return cost
}
