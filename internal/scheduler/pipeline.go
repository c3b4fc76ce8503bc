// Package scheduler runs the per-pair evaluation loop: fetch a price,
// update the buffer, watch open orders, score a signal and open orders
// the risk gate admits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/indicators"
	"signal-core/internal/market"
	"signal-core/internal/monitor"
	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/logger"
)

// CandleSink receives candles as they close.
type CandleSink interface {
	SaveCandle(c market.Candle)
}

// Orders is the part of order.Manager a tick drives.
type Orders interface {
	Monitor(ctx context.Context, pair string, price float64) ([]*order.Order, error)
	Create(ctx context.Context, p risk.Proposal) (*order.Order, error)
	ActiveForPair(ctx context.Context, pair string) (int, error)
}

// Admitter is the risk gate.
type Admitter interface {
	Admit(ctx context.Context, p risk.Proposal) (*risk.Reservation, error)
}

// CapitalSource reports current capital for sizing.
type CapitalSource interface {
	Current() float64
}

// PipelineConfig holds the tick parameters.
type PipelineConfig struct {
	Timeframe        time.Duration
	MaxOrdersPerPair int
	Proposal         ProposalConfig
}

// Pipeline evaluates one pair per Tick.
type Pipeline struct {
	source    market.Source
	buffers   *market.Buffers
	params    indicators.Params
	generator *signal.Generator
	gate      Admitter
	orders    Orders
	capital   CapitalSource
	sink      CandleSink
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	cfg       PipelineConfig
	pairs     map[string]Pair
	log       *zap.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last map[string]signal.Signal
}

// Deps are the collaborators of a Pipeline. Sink, Bus, Metrics and Log
// are optional.
type Deps struct {
	Source    market.Source
	Buffers   *market.Buffers
	Generator *signal.Generator
	Gate      Admitter
	Orders    Orders
	Capital   CapitalSource
	Sink      CandleSink
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	Log       *zap.Logger
}

// NewPipeline builds a pipeline for pairs.
func NewPipeline(d Deps, pairs []Pair, cfg PipelineConfig) *Pipeline {
	if cfg.MaxOrdersPerPair <= 0 {
		cfg.MaxOrdersPerPair = 1
	}
	if cfg.Timeframe <= 0 {
		cfg.Timeframe = time.Minute
	}
	byKey := make(map[string]Pair, len(pairs))
	for _, p := range pairs {
		byKey[p.Key] = p
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Pipeline{
		source:    d.Source,
		buffers:   d.Buffers,
		params:    indicators.DefaultParams,
		generator: d.Generator,
		gate:      d.Gate,
		orders:    d.Orders,
		capital:   d.Capital,
		sink:      d.Sink,
		bus:       d.Bus,
		metrics:   metrics,
		cfg:       cfg,
		pairs:     byKey,
		log:       logger.OrNop(d.Log),
		now:       time.Now,
		last:      make(map[string]signal.Signal),
	}
}

// CandleLoader reads persisted candles, oldest first.
type CandleLoader interface {
	LoadCandles(ctx context.Context, pair string, timeframe time.Duration, limit int) ([]market.Candle, error)
}

// Warmup seeds every pair's buffer with up to limit stored candles.
func (p *Pipeline) Warmup(ctx context.Context, loader CandleLoader, limit int) error {
	for _, pair := range p.Pairs() {
		candles, err := loader.LoadCandles(ctx, pair, p.cfg.Timeframe, limit)
		if err != nil {
			return fmt.Errorf("warm up %s: %w", pair, err)
		}
		buf := p.buffers.Get(pair, p.cfg.Timeframe)
		buf.Seed(candles)
		p.log.Info("scheduler: buffer warmed up", zap.String("pair", pair), zap.Int("candles", buf.Len()))
	}
	return nil
}

// Report summarizes one tick.
type Report struct {
	PairKey      string               `json:"pair_key"`
	Quote        market.Quote         `json:"quote"`
	ClosedCandle *market.Candle       `json:"closed_candle,omitempty"`
	ClosedOrders []*order.Order       `json:"closed_orders,omitempty"`
	Snapshot     *indicators.Snapshot `json:"snapshot,omitempty"`
	Signal       *signal.Signal       `json:"signal,omitempty"`
	Opened       *order.Order         `json:"opened,omitempty"`
	Rejection    *risk.ViolationError `json:"-"`
	Skipped      string               `json:"skipped,omitempty"`
}

// Tick runs one evaluation of pair. Insufficient history, stale ticks and
// risk rejections are reported, not returned as errors.
func (p *Pipeline) Tick(ctx context.Context, pair string) (Report, error) {
	rep := Report{PairKey: pair}
	pairInfo, ok := p.pairs[pair]
	if !ok {
		return rep, fmt.Errorf("unknown pair %q", pair)
	}

	fetch := monitor.NewTimer(p.metrics.FetchLatency)
	q, err := p.source.FetchPrice(ctx, pair)
	fetch.Stop()
	if err != nil {
		if errors.Is(err, market.ErrMalformed) {
			p.log.Error("scheduler: malformed quote", zap.String("pair", pair), zap.Error(err))
		}
		return rep, fmt.Errorf("fetch %s: %w", pair, err)
	}
	rep.Quote = q
	price, at := q.Mid, q.Timestamp
	if at.IsZero() {
		at = p.now()
	}

	closed, err := p.buffers.Ingest(pair, p.cfg.Timeframe, price, at)
	if errors.Is(err, market.ErrStaleTick) || errors.Is(err, market.ErrInvalidTick) {
		p.log.Warn("scheduler: tick dropped", zap.String("pair", pair), zap.Error(err))
		rep.Skipped = err.Error()
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("ingest %s: %w", pair, err)
	}
	if closed != nil {
		rep.ClosedCandle = closed
		if p.sink != nil {
			p.sink.SaveCandle(*closed)
		}
	}

	var errs []error
	closedOrders, err := p.orders.Monitor(ctx, pair, price)
	rep.ClosedOrders = closedOrders
	p.metrics.IncrementOrdersClosed(len(closedOrders))
	if err != nil {
		p.log.Error("scheduler: monitor failed", zap.String("pair", pair), zap.Error(err))
		errs = append(errs, fmt.Errorf("monitor %s: %w", pair, err))
	}

	candles := p.buffers.Get(pair, p.cfg.Timeframe).Candles()
	snap, err := p.params.Compute(candles, p.cfg.Timeframe)
	if errors.Is(err, indicators.ErrInsufficientHistory) {
		p.log.Debug("scheduler: waiting for history", zap.String("pair", pair), zap.Error(err))
		rep.Skipped = "insufficient history"
		return rep, errors.Join(errs...)
	}
	if err != nil {
		return rep, errors.Join(append(errs, fmt.Errorf("indicators %s: %w", pair, err))...)
	}
	rep.Snapshot = &snap

	sig := p.generator.Generate(snap, price)
	rep.Signal = &sig
	p.remember(sig)
	p.metrics.IncrementSignals()
	p.publish(events.EventSignalGenerated, events.SignalGenerated{
		PairKey:    sig.PairKey,
		Direction:  string(sig.Direction),
		Confidence: sig.Confidence,
		Reasons:    sig.Reasons,
		At:         sig.GeneratedAt,
	})
	if !sig.Actionable() {
		return rep, errors.Join(errs...)
	}

	active, err := p.orders.ActiveForPair(ctx, pair)
	if err != nil {
		return rep, errors.Join(append(errs, fmt.Errorf("count active %s: %w", pair, err))...)
	}
	if active >= p.cfg.MaxOrdersPerPair {
		rep.Skipped = fmt.Sprintf("%d active orders for pair", active)
		return rep, errors.Join(errs...)
	}

	prop, err := BuildProposal(sig, snap, price, pairInfo, p.capital.Current(), p.cfg.Proposal)
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}

	res, err := p.gate.Admit(ctx, prop)
	var verr *risk.ViolationError
	if errors.As(err, &verr) {
		rep.Rejection = verr
		p.metrics.IncrementRejections()
		p.publishRejection(prop, verr)
		return rep, errors.Join(errs...)
	}
	if err != nil {
		return rep, errors.Join(append(errs, err)...)
	}
	defer res.Release()

	create := monitor.NewTimer(p.metrics.OrderLatency)
	o, err := p.orders.Create(ctx, prop)
	create.Stop()
	rep.Opened = o
	if err != nil {
		return rep, errors.Join(append(errs, fmt.Errorf("create order %s: %w", pair, err))...)
	}
	p.metrics.IncrementOrdersOpened()
	return rep, errors.Join(errs...)
}

func (p *Pipeline) publishRejection(prop risk.Proposal, verr *risk.ViolationError) {
	msgs := make([]string, len(verr.Violations))
	for i, v := range verr.Violations {
		msgs[i] = v.Message
	}
	p.publish(events.EventRiskRejected, events.RiskRejected{
		PairKey:    prop.PairKey,
		Direction:  string(prop.Direction),
		EntryPrice: prop.EntryPrice,
		RiskAmount: prop.RiskAmount,
		Codes:      verr.Codes(),
		Messages:   msgs,
		At:         p.now().UTC(),
	})
}

func (p *Pipeline) remember(sig signal.Signal) {
	p.mu.Lock()
	p.last[sig.PairKey] = sig
	p.mu.Unlock()
}

// LastSignal returns the latest signal of pair.
func (p *Pipeline) LastSignal(pair string) (signal.Signal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.last[pair]
	return s, ok
}

// Signals returns the latest signal of every pair evaluated so far.
func (p *Pipeline) Signals() []signal.Signal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]signal.Signal, 0, len(p.last))
	for _, s := range p.last {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairKey < out[j].PairKey })
	return out
}

// Pairs lists the configured pair keys.
func (p *Pipeline) Pairs() []string {
	out := make([]string, 0, len(p.pairs))
	for k := range p.pairs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Metrics exposes the pipeline's counters.
func (p *Pipeline) Metrics() *monitor.SystemMetrics { return p.metrics }

func (p *Pipeline) publish(e events.Event, payload any) {
	if p.bus != nil {
		p.bus.Publish(e, payload)
	}
}
