package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/pkg/logger"
)

// CapitalState is the account equity derived from closed orders.
type CapitalState struct {
	Initial         float64   `json:"initial"`
	Current         float64   `json:"current"`
	Peak            float64   `json:"peak"`
	RealizedPnL     float64   `json:"realized_pnl"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	MaxDrawdownSeen float64   `json:"max_drawdown_fraction_seen"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Drawdown is the fall from peak as a fraction of peak.
func (s CapitalState) Drawdown() float64 {
	if s.Peak <= 0 {
		return 0
	}
	dd := (s.Peak - s.Current) / s.Peak
	if dd < 0 {
		return 0
	}
	return dd
}

// WinRate is wins over decided trades.
func (s CapitalState) WinRate() float64 {
	n := s.Wins + s.Losses
	if n == 0 {
		return 0
	}
	return float64(s.Wins) / float64(n)
}

// WithResult returns the state after booking one closed order at time at.
func (s CapitalState) WithResult(resultValue float64, at time.Time) CapitalState {
	s.Current += resultValue
	s.RealizedPnL += resultValue
	if s.Current > s.Peak {
		s.Peak = s.Current
	}
	switch {
	case resultValue > 0:
		s.Wins++
	case resultValue < 0:
		s.Losses++
	}
	if dd := s.Drawdown(); dd > s.MaxDrawdownSeen {
		s.MaxDrawdownSeen = dd
	}
	s.UpdatedAt = at
	return s
}

// CapitalStore persists capital state. LoadCapital reports false when
// nothing was saved yet.
type CapitalStore interface {
	LoadCapital(ctx context.Context) (CapitalState, bool, error)
	SaveCapital(ctx context.Context, s CapitalState) error
}

// SharedCapitalStore is a CapitalStore several workers book into. ApplyResult
// adds one result to the stored state in a single write and returns the
// state after it; seed is stored as is when no state exists yet.
type SharedCapitalStore interface {
	CapitalStore
	ApplyResult(ctx context.Context, resultValue float64, seed CapitalState) (CapitalState, error)
}

// Capital tracks realized P&L.
type Capital struct {
	mu     sync.RWMutex
	saveMu sync.Mutex
	state  CapitalState
	store  CapitalStore
	log    *zap.Logger
	now    func() time.Time
}

// NewCapital starts at initial. store may be nil.
func NewCapital(initial float64, store CapitalStore, log *zap.Logger) *Capital {
	return &Capital{
		state: CapitalState{Initial: initial, Current: initial, Peak: initial},
		store: store,
		log:   logger.OrNop(log),
		now:   time.Now,
	}
}

// Restore loads persisted state, keeping the initial state when none exists.
func (c *Capital) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	st, ok, err := c.store.LoadCapital(ctx)
	if err != nil {
		return fmt.Errorf("load capital: %w", err)
	}
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.log.Info("risk: capital restored",
		zap.Float64("current", st.Current),
		zap.Float64("peak", st.Peak),
		zap.Int("wins", st.Wins),
		zap.Int("losses", st.Losses))
	return nil
}

// Apply books the result of one closed order and persists the new state.
// The in-memory state is updated even when persisting fails.
func (c *Capital) Apply(ctx context.Context, resultValue float64) (CapitalState, error) {
	if shared, ok := c.store.(SharedCapitalStore); ok {
		return c.applyShared(ctx, shared, resultValue)
	}

	c.mu.Lock()
	c.state = c.state.WithResult(resultValue, c.now().UTC())
	snap := c.state
	c.mu.Unlock()

	if c.store != nil {
		// Save the latest state so concurrent applies cannot persist out of order.
		c.saveMu.Lock()
		defer c.saveMu.Unlock()
		if err := c.store.SaveCapital(ctx, c.Snapshot()); err != nil {
			c.log.Error("risk: persist capital failed", zap.Error(err))
			return snap, fmt.Errorf("save capital: %w", err)
		}
	}
	return snap, nil
}

func (c *Capital) applyShared(ctx context.Context, store SharedCapitalStore, resultValue float64) (CapitalState, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	local := c.state.WithResult(resultValue, c.now().UTC())
	c.state = local
	c.mu.Unlock()

	st, err := store.ApplyResult(ctx, resultValue, local)
	if err != nil {
		c.log.Error("risk: shared capital not updated", zap.Float64("result_value", resultValue), zap.Error(err))
		return local, fmt.Errorf("apply capital result: %w", err)
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	return st, nil
}

// Refresh reloads the state from a shared store so results booked by other
// workers count against drawdown and sizing. It does nothing for a store
// owned by this process.
func (c *Capital) Refresh(ctx context.Context) error {
	shared, ok := c.store.(SharedCapitalStore)
	if !ok {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	st, found, err := shared.LoadCapital(ctx)
	if err != nil {
		return fmt.Errorf("refresh capital: %w", err)
	}
	if found {
		c.mu.Lock()
		c.state = st
		c.mu.Unlock()
	}
	return nil
}

// Snapshot returns a copy of the state.
func (c *Capital) Snapshot() CapitalState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Current is the current capital.
func (c *Capital) Current() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Current
}

// Drawdown is the current fall from peak.
func (c *Capital) Drawdown() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Drawdown()
}
