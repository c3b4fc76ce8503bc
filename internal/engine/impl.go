package engine

import (
	"context"
	"fmt"
	"time"

	"signal-core/internal/events"
	"signal-core/internal/market"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/ratelimit"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
	"signal-core/internal/scheduler"
	"signal-core/internal/signal"
)

// Journal reads recorded order events.
type Journal interface {
	Entries(ctx context.Context, orderID string, limit int) ([]persistence.JournalEntry, error)
}

// Runner reports whether the evaluation loop is active.
type Runner interface {
	Running() bool
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	orders     *order.Manager
	journal    Journal
	pipeline   *scheduler.Pipeline
	buffers    *market.Buffers
	capital    *risk.Capital
	gate       *risk.Gate
	limiter    *ratelimit.Limiter
	store      *persistence.Store
	reconciler *reconciliation.Service
	runner     Runner
	bus        *events.Bus
	metrics    *monitor.SystemMetrics

	meta Meta
	now  func() time.Time
}

// Config holds the collaborators of an engine implementation. Everything
// except Orders and Capital is optional.
type Config struct {
	Orders     *order.Manager
	Journal    Journal
	Pipeline   *scheduler.Pipeline
	Buffers    *market.Buffers
	Capital    *risk.Capital
	Gate       *risk.Gate
	Limiter    *ratelimit.Limiter
	Store      *persistence.Store
	Reconciler *reconciliation.Service
	Runner     Runner
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Meta       Meta
}

var _ Service = (*Impl)(nil)

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	metrics := cfg.Metrics
	if metrics == nil && cfg.Pipeline != nil {
		metrics = cfg.Pipeline.Metrics()
	}
	return &Impl{
		orders:     cfg.Orders,
		journal:    cfg.Journal,
		pipeline:   cfg.Pipeline,
		buffers:    cfg.Buffers,
		capital:    cfg.Capital,
		gate:       cfg.Gate,
		limiter:    cfg.Limiter,
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		runner:     cfg.Runner,
		bus:        cfg.Bus,
		metrics:    metrics,
		meta:       cfg.Meta,
		now:        time.Now,
	}
}

// --- Orders ---

func (e *Impl) ListOrders(ctx context.Context, f order.ListFilter) ([]*order.Order, error) {
	return e.orders.List(ctx, f)
}

func (e *Impl) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	return e.orders.Get(ctx, id)
}

func (e *Impl) OrderEvents(ctx context.Context, id string, limit int) ([]persistence.JournalEntry, error) {
	if e.journal == nil {
		return nil, fmt.Errorf("event journal not available")
	}
	if _, err := e.orders.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.journal.Entries(ctx, id, limit)
}

func (e *Impl) CloseOrder(ctx context.Context, id string, price float64) (*order.Order, error) {
	if price <= 0 {
		o, err := e.orders.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		last, ok := e.lastPrice(o.PairKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPrice, o.PairKey)
		}
		price = last
	}
	return e.orders.Cancel(ctx, id, price)
}

func (e *Impl) lastPrice(pair string) (float64, bool) {
	if e.buffers == nil {
		return 0, false
	}
	buf := e.buffers.Get(pair, e.meta.Timeframe)
	if c, ok := buf.Current(); ok {
		return c.Close, true
	}
	if closed := buf.Closed(); len(closed) > 0 {
		return closed[len(closed)-1].Close, true
	}
	return 0, false
}

// --- Signals and account ---

func (e *Impl) Signals(ctx context.Context) []signal.Signal {
	if e.pipeline == nil {
		return []signal.Signal{}
	}
	return e.pipeline.Signals()
}

func (e *Impl) Capital(ctx context.Context) CapitalInfo {
	st := e.capital.Snapshot()
	return CapitalInfo{CapitalState: st, Drawdown: st.Drawdown(), WinRate: st.WinRate()}
}

func (e *Impl) RateLimit(ctx context.Context) (*RateLimitInfo, error) {
	if e.limiter == nil {
		return nil, fmt.Errorf("rate limiter not available")
	}
	st, err := e.limiter.Budget(ctx)
	if err != nil {
		return nil, err
	}
	return &RateLimitInfo{State: st, Stats: e.limiter.Stats()}, nil
}

// --- System ---

func (e *Impl) Metrics(ctx context.Context) MetricsInfo {
	var info MetricsInfo
	if e.metrics != nil {
		info.System = e.metrics.GetSnapshot()
	}
	if e.gate != nil {
		info.Gate = e.gate.Metrics()
	}
	if e.store != nil {
		info.Writer = e.store.WriterMetrics()
	}
	if e.reconciler != nil {
		info.Reconcile = e.reconciler.LastReport()
	}
	if e.bus != nil {
		info.EventsDropped = e.bus.Dropped()
	}
	return info
}

func (e *Impl) SystemStatus(ctx context.Context) *SystemStatus {
	running := false
	if e.runner != nil {
		running = e.runner.Running()
	}
	return &SystemStatus{
		Mode:       e.meta.Mode,
		WorkerID:   e.meta.WorkerID,
		Pairs:      append([]string(nil), e.meta.Pairs...),
		Timeframe:  e.meta.Timeframe.String(),
		Running:    running,
		Store:      e.meta.Store,
		Version:    e.meta.Version,
		ServerTime: e.now().UTC(),
	}
}
