package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"signal-core/pkg/logger"
)

// BookSource reports the current account state.
type BookSource interface {
	Book(ctx context.Context) (Book, error)
}

// GateMetrics counts admission decisions.
type GateMetrics struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	Outstanding     int    `json:"outstanding_reservations"`
}

// Gate serializes admissions so concurrent proposals cannot overshoot the
// concurrent order limit between validation and persistence.
type Gate struct {
	mu       sync.Mutex
	limits   Limits
	source   BookSource
	reserved int
	log      *zap.Logger

	checks     atomic.Uint64
	rejections atomic.Uint64
}

// NewGate builds a gate reading the book from source.
func NewGate(limits Limits, source BookSource, log *zap.Logger) *Gate {
	return &Gate{limits: limits, source: source, log: logger.OrNop(log)}
}

// Limits returns the configured limits.
func (g *Gate) Limits() Limits { return g.limits }

// Admit validates p against the book plus outstanding reservations. On
// success the caller owns a slot until Release.
func (g *Gate) Admit(ctx context.Context, p Proposal) (*Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks.Add(1)
	book, err := g.source.Book(ctx)
	if err != nil {
		return nil, fmt.Errorf("risk: read book: %w", err)
	}
	book.OpenOrders += g.reserved

	if violations := Validate(p, book, g.limits); len(violations) > 0 {
		g.rejections.Add(1)
		verr := &ViolationError{PairKey: p.PairKey, Violations: violations}
		g.log.Info("risk: proposal rejected",
			zap.String("pair", p.PairKey),
			zap.String("direction", string(p.Direction)),
			zap.Strings("codes", verr.Codes()))
		return nil, verr
	}

	g.reserved++
	return &Reservation{gate: g}, nil
}

// Metrics returns a snapshot of the counters.
func (g *Gate) Metrics() GateMetrics {
	g.mu.Lock()
	outstanding := g.reserved
	g.mu.Unlock()
	return GateMetrics{
		ChecksTotal:     g.checks.Load(),
		RejectionsTotal: g.rejections.Load(),
		Outstanding:     outstanding,
	}
}

// Reservation holds one admitted slot.
type Reservation struct {
	gate *Gate
	once sync.Once
}

// Release frees the slot. Safe to call more than once.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.gate.mu.Lock()
		r.gate.reserved--
		r.gate.mu.Unlock()
	})
}
