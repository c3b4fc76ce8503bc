package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"signal-core/internal/events"
	"signal-core/internal/risk"
	"signal-core/pkg/logger"
)

// Config bounds the lifecycle.
type Config struct {
	MaxConcurrentOrders int
	TimeoutDuration     time.Duration
}

// Manager creates orders, watches them against prices and closes them.
type Manager struct {
	repo    Repository
	gateway Gateway
	capital *risk.Capital
	bus     *events.Bus
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	// closing collapses concurrent closes of one order into a single venue call.
	closing singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithGateway sets the venue used for real orders.
func WithGateway(g Gateway) Option {
	return func(m *Manager) { m.gateway = g }
}

// NewManager wires the lifecycle. bus and log may be nil.
func NewManager(repo Repository, capital *risk.Capital, bus *events.Bus, cfg Config, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:    repo,
		capital: capital,
		bus:     bus,
		cfg:     cfg,
		log:     logger.OrNop(log),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create persists an order for an admitted proposal and, for real orders,
// submits it. Real orders are never downgraded to virtual ones.
func (m *Manager) Create(ctx context.Context, p risk.Proposal) (*Order, error) {
	o, err := NewOrder(p, m.now())
	if err != nil {
		return nil, err
	}
	if o.IsReal && m.gateway == nil {
		return nil, fmt.Errorf("%w: real order for %s but no execution gateway", ErrInvalidOrder, o.PairKey)
	}

	if err := m.repo.InsertOrder(ctx, o, m.cfg.MaxConcurrentOrders); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	if !o.IsReal {
		m.log.Info("order: opened",
			zap.String("order_id", o.ID),
			zap.String("pair", o.PairKey),
			zap.String("direction", string(o.Direction)),
			zap.Float64("entry", o.EntryPrice),
			zap.Float64("size", o.Size))
		m.publish(events.EventOrderOpened, o)
		return o, nil
	}

	return m.submit(ctx, o)
}

func (m *Manager) submit(ctx context.Context, o *Order) (*Order, error) {
	ack, err := m.gateway.SubmitOrder(ctx, submitRequest(o))
	if err == nil {
		if err := m.promote(ctx, o, ack.ExternalRef); err != nil {
			return o, err
		}
		return o, nil
	}

	if !IsDefinitive(err) {
		m.log.Warn("order: submission unconfirmed, left pending",
			zap.String("order_id", o.ID), zap.String("pair", o.PairKey), zap.Error(err))
		return o, &SubmissionError{OrderID: o.ID, Ambiguous: true, Err: err}
	}

	if ferr := m.failSubmission(ctx, o, err.Error()); ferr != nil {
		return o, errors.Join(&SubmissionError{OrderID: o.ID, Err: err}, ferr)
	}
	return o, &SubmissionError{OrderID: o.ID, Err: err}
}

func (m *Manager) promote(ctx context.Context, o *Order, ref string) error {
	now := m.now().UTC()
	if err := m.repo.MarkOpen(ctx, o.ID, ref, now); err != nil {
		return fmt.Errorf("mark order %s open: %w", o.ID, err)
	}
	o.Status = StatusOpen
	o.ExternalRef = ref
	o.OpenedAt = now
	o.UpdatedAt = now
	m.log.Info("order: real order acknowledged",
		zap.String("order_id", o.ID), zap.String("pair", o.PairKey), zap.String("ref", ref))
	m.publish(events.EventOrderOpened, o)
	return nil
}

func (m *Manager) failSubmission(ctx context.Context, o *Order, reason string) error {
	now := m.now().UTC()
	failed := *o
	failed.Status = StatusClosed
	failed.Outcome = OutcomeSubmissionFailed
	failed.FailureReason = reason
	failed.ClosedAt = now
	failed.UpdatedAt = now
	if err := m.repo.FailPending(ctx, &failed); err != nil {
		return fmt.Errorf("close failed submission %s: %w", o.ID, err)
	}
	*o = failed
	m.log.Warn("order: submission failed",
		zap.String("order_id", o.ID), zap.String("pair", o.PairKey), zap.String("reason", reason))
	m.publish(events.EventOrderClosed, o)
	return nil
}

// ConfirmSubmission promotes a pending real order found at the venue.
func (m *Manager) ConfirmSubmission(ctx context.Context, id, externalRef string) (*Order, error) {
	o, err := m.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPendingSubmission {
		return o, fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, id, o.Status)
	}
	return o, m.promote(ctx, o, externalRef)
}

// FailSubmission closes a pending real order the venue never received.
func (m *Manager) FailSubmission(ctx context.Context, id, reason string) (*Order, error) {
	o, err := m.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPendingSubmission {
		return o, fmt.Errorf("%w: order %s is %s", ErrInvalidOrder, id, o.Status)
	}
	return o, m.failSubmission(ctx, o, reason)
}

// Monitor checks the open orders of pair against one price.
func (m *Manager) Monitor(ctx context.Context, pair string, price float64) ([]*Order, error) {
	return m.MonitorRange(ctx, pair, price, price, price)
}

// MonitorRange checks open orders against the price range seen since the
// last check: stop-loss first, then take-profit, then timeout at last.
func (m *Manager) MonitorRange(ctx context.Context, pair string, low, high, last float64) ([]*Order, error) {
	open, err := m.repo.ListOrders(ctx, ListFilter{Statuses: []Status{StatusOpen}, PairKey: pair})
	if err != nil {
		return nil, fmt.Errorf("list open orders %s: %w", pair, err)
	}

	var (
		closed []*Order
		errs   []error
	)
	now := m.now()
	for _, o := range open {
		var (
			exit    float64
			outcome Outcome
		)
		switch trigger, level := risk.CheckExit(o.Direction, o.StopLoss, o.TakeProfit, low, high); {
		case trigger == risk.StopLossHit:
			exit, outcome = level, OutcomeLoss
		case trigger == risk.TakeProfitHit:
			exit, outcome = level, OutcomeWin
		case m.cfg.TimeoutDuration > 0 && now.Sub(o.OpenedAt) >= m.cfg.TimeoutDuration:
			exit, outcome = last, OutcomeTimeout
		default:
			continue
		}

		c, err := m.Close(ctx, o.ID, exit, outcome)
		switch {
		case err == nil:
			closed = append(closed, c)
		case errors.Is(err, ErrAlreadyClosed):
			// closed concurrently (manual close or another worker)
		default:
			errs = append(errs, err)
		}
	}
	return closed, errors.Join(errs...)
}

// Close closes an open order at exitPrice. Real orders are closed at the
// venue first and stay open if that fails. P&L is applied exactly once.
// A caller that arrives while another close of the same order is in flight
// waits for it and gets ErrAlreadyClosed when it succeeded.
func (m *Manager) Close(ctx context.Context, id string, exitPrice float64, outcome Outcome) (*Order, error) {
	if exitPrice <= 0 {
		return nil, fmt.Errorf("%w: exit price %v", ErrInvalidOrder, exitPrice)
	}
	ran := false
	v, err, _ := m.closing.Do(id, func() (any, error) {
		ran = true
		return m.close(ctx, id, exitPrice, outcome)
	})
	o, _ := v.(*Order)
	if !ran && err == nil {
		return o, ErrAlreadyClosed
	}
	return o, err
}

func (m *Manager) close(ctx context.Context, id string, exitPrice float64, outcome Outcome) (*Order, error) {
	o, err := m.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case StatusClosed:
		return o, ErrAlreadyClosed
	case StatusPendingSubmission:
		return o, fmt.Errorf("%w: order %s awaits venue confirmation", ErrInvalidOrder, id)
	}

	if o.IsReal {
		if m.gateway == nil {
			return o, &CancellationError{OrderID: id, Err: errors.New("no execution gateway")}
		}
		if err := m.gateway.CancelOrder(ctx, o.ExternalRef); err != nil {
			m.log.Error("order: venue close failed, order stays open",
				zap.String("order_id", id), zap.String("ref", o.ExternalRef), zap.Error(err))
			return o, &CancellationError{OrderID: id, Err: err}
		}
	}

	now := m.now().UTC()
	o.ResultUnits, o.ResultValue = PnL(o.Direction, o.EntryPrice, exitPrice, o.PipSize, o.UnitValue, o.Size)
	o.Status = StatusClosed
	o.Outcome = outcome
	o.ExitPrice = exitPrice
	o.ClosedAt = now
	o.UpdatedAt = now

	if err := m.repo.CloseOrder(ctx, o); err != nil {
		if errors.Is(err, ErrAlreadyClosed) {
			return o, ErrAlreadyClosed
		}
		return o, fmt.Errorf("close order %s: %w", id, err)
	}

	if m.capital != nil {
		if _, err := m.capital.Apply(ctx, o.ResultValue); err != nil {
			m.log.Error("order: capital not persisted", zap.String("order_id", id), zap.Error(err))
		}
	}

	m.log.Info("order: closed",
		zap.String("order_id", id),
		zap.String("pair", o.PairKey),
		zap.String("outcome", string(outcome)),
		zap.Float64("exit", exitPrice),
		zap.Float64("result_value", o.ResultValue))
	m.publish(events.EventOrderClosed, o)
	return o, nil
}

// Cancel closes an order manually at price.
func (m *Manager) Cancel(ctx context.Context, id string, price float64) (*Order, error) {
	return m.Close(ctx, id, price, OutcomeCancelled)
}

// Restore reports the active orders left by a previous run.
func (m *Manager) Restore(ctx context.Context) ([]*Order, error) {
	active, err := m.repo.ListOrders(ctx, ListFilter{Statuses: []Status{StatusOpen, StatusPendingSubmission}})
	if err != nil {
		return nil, fmt.Errorf("restore orders: %w", err)
	}
	pending := 0
	for _, o := range active {
		if o.Status == StatusPendingSubmission {
			pending++
		}
	}
	m.log.Info("order: restored active orders",
		zap.Int("active", len(active)), zap.Int("pending_submission", pending))
	return active, nil
}

// Book implements risk.BookSource.
func (m *Manager) Book(ctx context.Context) (risk.Book, error) {
	n, err := m.repo.CountActive(ctx)
	if err != nil {
		return risk.Book{}, fmt.Errorf("count active orders: %w", err)
	}
	b := risk.Book{OpenOrders: n}
	if m.capital != nil {
		if err := m.capital.Refresh(ctx); err != nil {
			return risk.Book{}, err
		}
		b.Capital = m.capital.Current()
		b.Drawdown = m.capital.Drawdown()
	}
	return b, nil
}

// Get returns one order.
func (m *Manager) Get(ctx context.Context, id string) (*Order, error) {
	return m.repo.GetOrder(ctx, id)
}

// List returns orders matching f.
func (m *Manager) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	return m.repo.ListOrders(ctx, f)
}

// ActiveForPair counts active orders of one pair.
func (m *Manager) ActiveForPair(ctx context.Context, pair string) (int, error) {
	list, err := m.repo.ListOrders(ctx, ListFilter{
		Statuses: []Status{StatusOpen, StatusPendingSubmission},
		PairKey:  pair,
	})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (m *Manager) publish(e events.Event, o *Order) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(e, ToEvent(o))
}

// ToEvent converts an order into its bus payload.
func ToEvent(o *Order) events.OrderEvent {
	at := o.UpdatedAt
	return events.OrderEvent{
		OrderID:       o.ID,
		PairKey:       o.PairKey,
		Direction:     string(o.Direction),
		Status:        string(o.Status),
		Outcome:       string(o.Outcome),
		EntryPrice:    o.EntryPrice,
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
		Size:          o.Size,
		ExitPrice:     o.ExitPrice,
		ResultUnits:   o.ResultUnits,
		ResultValue:   o.ResultValue,
		IsReal:        o.IsReal,
		FailureReason: o.FailureReason,
		At:            at,
	}
}
