// Package lease provides short-lived per-key locks so only one worker
// evaluates a pair at a time. Leases expire on their own.
package lease

import (
	"context"
	"sync"
	"time"
)

// Locker grants and releases leases.
type Locker interface {
	// TryLock grants the lease when it is free, expired, or already held by owner.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Unlock releases the lease if owner holds it.
	Unlock(ctx context.Context, key, owner string) error
}

// PairKey returns the lease key for a pair.
func PairKey(pair string) string { return "pair:" + pair }

// Memory is a process-local Locker.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]entry
}

type entry struct {
	owner   string
	expires time.Time
}

// NewMemory returns an empty Memory locker. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, leases: make(map[string]entry)}
}

// TryLock implements Locker.
func (m *Memory) TryLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	m.leases[key] = entry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Unlock implements Locker.
func (m *Memory) Unlock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}
