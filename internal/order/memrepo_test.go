package order

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRepo is an in-memory Repository with the same conditional semantics
// as the sqlite store.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]Order
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]Order)}
}

func (r *memRepo) activeLocked() int {
	n := 0
	for _, o := range r.orders {
		if o.Status.Active() {
			n++
		}
	}
	return n
}

func (r *memRepo) InsertOrder(_ context.Context, o *Order, maxActive int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxActive > 0 && o.Status.Active() && r.activeLocked() >= maxActive {
		return ErrCapacity
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *memRepo) MarkOpen(_ context.Context, id, ref string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok || o.Status != StatusPendingSubmission {
		return ErrNotFound
	}
	o.Status, o.ExternalRef, o.OpenedAt, o.UpdatedAt = StatusOpen, ref, at, at
	r.orders[id] = o
	return nil
}

func (r *memRepo) FailPending(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPendingSubmission {
		return ErrInvalidOrder
	}
	cur.Status, cur.Outcome, cur.FailureReason = StatusClosed, o.Outcome, o.FailureReason
	cur.ClosedAt, cur.UpdatedAt = o.ClosedAt, o.UpdatedAt
	r.orders[o.ID] = cur
	return nil
}

func (r *memRepo) CloseOrder(_ context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == StatusClosed {
		return ErrAlreadyClosed
	}
	r.orders[o.ID] = *o
	return nil
}

func (r *memRepo) GetOrder(_ context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (r *memRepo) ListOrders(_ context.Context, f ListFilter) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if f.PairKey != "" && o.PairKey != f.PairKey {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
			continue
		}
		o := o
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memRepo) CountActive(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(), nil
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
