package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps one x/time/rate limiter per key. It is only shared
// between goroutines of a single process.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*memoryBucket
}

type memoryBucket struct {
	lim       *rate.Limiter
	budget    Budget
	last      time.Time
	heldUntil time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*memoryBucket)}
}

func (s *MemoryStore) bucket(key string, b Budget, now time.Time) *memoryBucket {
	mb, ok := s.limiters[key]
	if !ok {
		mb = &memoryBucket{
			lim:    rate.NewLimiter(rate.Limit(b.RefillPerSecond), burst(b)),
			budget: b,
			last:   now,
		}
		s.limiters[key] = mb
		return mb
	}
	if mb.budget != b {
		mb.lim.SetLimitAt(now, rate.Limit(b.RefillPerSecond))
		mb.lim.SetBurstAt(now, burst(b))
		mb.budget = b
	}
	return mb
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, cost int, b Budget, now time.Time) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.bucket(key, b, now)
	if now.Before(mb.heldUntil) {
		return TakeResult{HeldFor: mb.heldUntil.Sub(now)}, nil
	}
	granted := mb.lim.AllowN(now, cost)
	if now.After(mb.last) {
		mb.last = now
	}
	return TakeResult{Granted: granted, Tokens: mb.lim.TokensAt(now)}, nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, key string, b Budget, now time.Time) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.bucket(key, b, now)
	tokens := 0.0
	if !now.Before(mb.heldUntil) {
		tokens = mb.lim.TokensAt(now)
	}
	return State{
		Key:             key,
		Tokens:          tokens,
		LastRefill:      mb.last,
		Capacity:        b.Capacity,
		RefillPerSecond: b.RefillPerSecond,
	}, nil
}

// Hold implements Store. The limiter is replaced by one drained at the end
// of the hold, so refill starts from zero there.
func (s *MemoryStore) Hold(_ context.Context, key string, b Budget, d time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb := s.bucket(key, b, now)
	until := now.Add(d)
	if !until.After(mb.heldUntil) {
		return nil
	}
	mb.heldUntil = until
	mb.lim = rate.NewLimiter(rate.Limit(b.RefillPerSecond), burst(b))
	mb.lim.AllowN(until, burst(b))
	if until.After(mb.last) {
		mb.last = until
	}
	return nil
}

func burst(b Budget) int {
	return int(math.Floor(b.Capacity))
}
