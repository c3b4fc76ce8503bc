package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/events"
	"signal-core/internal/lease"
	"signal-core/internal/monitor"
	"signal-core/pkg/logger"
)

// Ticker evaluates one pair.
type Ticker interface {
	Tick(ctx context.Context, pair string) (Report, error)
}

// Config sets the loop timing.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	WorkerID     string
}

// Scheduler runs one loop per pair. Ticks of a pair never overlap.
type Scheduler struct {
	ticker   Ticker
	pairs    []string
	cfg      Config
	locker   lease.Locker
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	observer TickObserver
	log      *zap.Logger
	now      func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// TickObserver is told when a tick completes without error.
type TickObserver interface {
	TouchTick(at time.Time)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker makes every tick hold the pair lease.
func WithLocker(l lease.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithBus publishes TickFailed events.
func WithBus(b *events.Bus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithMetrics records tick counters and latency.
func WithMetrics(m *monitor.SystemMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTickObserver reports completed ticks, e.g. to a readiness probe.
func WithTickObserver(o TickObserver) Option {
	return func(s *Scheduler) { s.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = logger.OrNop(l) }
}

// New builds a scheduler over pairs.
func New(t Ticker, pairs []string, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	s := &Scheduler{
		ticker:  t,
		pairs:   append([]string(nil), pairs...),
		cfg:     cfg,
		metrics: monitor.NewSystemMetrics(),
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the pair loops. Each loop ticks immediately, then every
// Interval, until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return fmt.Errorf("scheduler already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	for _, pair := range s.pairs {
		s.wg.Add(1)
		go s.loop(ctx, pair)
	}
	s.log.Info("scheduler: started",
		zap.Strings("pairs", s.pairs),
		zap.Duration("interval", s.cfg.Interval),
		zap.String("worker_id", s.cfg.WorkerID))
	return nil
}

// Stop cancels the loops, waits for in-flight ticks and releases leases.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.running.Store(false)

	if s.locker != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		for _, pair := range s.pairs {
			if err := s.locker.Unlock(ctx, lease.PairKey(pair), s.cfg.WorkerID); err != nil {
				s.log.Warn("scheduler: lease release failed", zap.String("pair", pair), zap.Error(err))
			}
		}
	}
	s.log.Info("scheduler: stopped")
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) loop(ctx context.Context, pair string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx, pair)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, pair)
		}
	}
}

// RunOnce performs one guarded tick of pair: lease, timeout, panic
// isolation and failure reporting. It reports whether the tick ran.
func (s *Scheduler) RunOnce(ctx context.Context, pair string) (ran bool) {
	if ctx.Err() != nil {
		return false
	}
	tctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	if s.locker != nil {
		ok, err := s.locker.TryLock(tctx, lease.PairKey(pair), s.cfg.WorkerID, 2*s.cfg.Interval)
		if err != nil {
			s.fail(pair, fmt.Errorf("lease: %w", err))
			return false
		}
		if !ok {
			s.metrics.IncrementLeaseSkips()
			s.log.Debug("scheduler: pair held by another worker", zap.String("pair", pair))
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncrementTickPanics()
			s.fail(pair, fmt.Errorf("panic: %v", r))
			ran = true
		}
	}()

	timer := monitor.NewTimer(s.metrics.TickLatency)
	rep, err := s.ticker.Tick(tctx, pair)
	elapsed := timer.Stop()
	s.metrics.IncrementTicks()
	if err != nil {
		s.fail(pair, err)
		return true
	}
	if s.observer != nil {
		s.observer.TouchTick(s.now())
	}

	fields := []zap.Field{zap.String("pair", pair), zap.Duration("took", elapsed)}
	if rep.Signal != nil {
		fields = append(fields, zap.String("signal", string(rep.Signal.Direction)), zap.Float64("confidence", rep.Signal.Confidence))
	}
	if rep.Skipped != "" {
		fields = append(fields, zap.String("skipped", rep.Skipped))
	}
	s.log.Debug("scheduler: tick done", fields...)
	return true
}

func (s *Scheduler) fail(pair string, err error) {
	s.metrics.IncrementTickFailures()
	s.log.Warn("scheduler: tick failed", zap.String("pair", pair), zap.Error(err))
	if s.bus != nil {
		s.bus.Publish(events.EventTickFailed, events.TickFailed{
			PairKey: pair,
			Error:   err.Error(),
			At:      s.now().UTC(),
		})
	}
}
