package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/health"
	"signal-core/internal/lease"
	"signal-core/internal/market"
	"signal-core/internal/monitor"
	"signal-core/internal/notify"
	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/ratelimit"
	"signal-core/internal/reconciliation"
	"signal-core/internal/risk"
	"signal-core/internal/scheduler"
	"signal-core/internal/signal"
	"signal-core/pkg/config"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
	"signal-core/pkg/pg"
)

const (
	serviceName  = "signal-core"
	version      = "0.1.0"
	priceBucket  = "upstream:price"
	ordersBucket = "orders"
	startTimeout = 30 * time.Second
)

// appOptions builds the fx graph for cfg.
func appOptions(cfg *config.Config) []fx.Option {
	return []fx.Option{
		fx.Supply(cfg),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.StartTimeout(startTimeout),
		fx.Provide(
			newLogger,
			newDatabase,
			newShared,
			newStore,
			newLedger,
			newLimiter,
			newPriceSource,
			newGateway,
			events.NewBus,
			monitor.NewSystemMetrics,
			health.NewState,
			newHealthServer,
			newCapital,
			newManager,
			newGate,
			newBuffers,
			newPipeline,
			newScheduler,
			newReconciler,
			newJournal,
			newNotifiers,
			newDispatcher,
			newAlertMonitor,
			newEngine,
			newAPIServer,
		),
		fx.Invoke(run),
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(serviceName, cfg.LogLevel)
}

func newDatabase(lc fx.Lifecycle, cfg *config.Config) (*db.Database, error) {
	d, err := db.New(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}
	if err := db.ApplyMigrations(d); err != nil {
		_ = d.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(d.Close))
	return d, nil
}

// shared holds the cross-worker stores: the rate-limit bucket and the pair
// leases. They live in Postgres when configured, otherwise in sqlite. Pool
// is nil for sqlite.
type shared struct {
	Buckets ratelimit.Store
	Leases  lease.Locker
	Driver  string
	Pool    *pgxpool.Pool
}

func newShared(lc fx.Lifecycle, cfg *config.Config, d *db.Database, log *zap.Logger) (*shared, error) {
	if cfg.Store.Driver != "postgres" {
		return &shared{
			Buckets: ratelimit.NewSQLStore(d.DB),
			Leases:  lease.NewSQL(d.DB, nil),
			Driver:  "sqlite",
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pg.NewPool(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	lc.Append(fx.StopHook(func() { pool.Close() }))
	log.Info("main: shared state in postgres")
	return newPgShared(pool), nil
}

func newPgShared(pool *pgxpool.Pool) *shared {
	return &shared{
		Buckets: ratelimit.NewPgStore(pool),
		Leases:  lease.NewPg(pool),
		Driver:  "postgres",
		Pool:    pool,
	}
}

func newStore(lc fx.Lifecycle, d *db.Database, log *zap.Logger) (*persistence.Store, error) {
	store, err := persistence.NewStore(d, persistence.Options{}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

// ledger is where orders and capital are kept. With Postgres every worker
// shares one active cap and one capital account; candles and the journal
// stay in local sqlite either way.
type ledger struct {
	fx.Out

	Orders  order.Repository
	Capital risk.CapitalStore
}

func newLedger(sh *shared, store *persistence.Store) ledger {
	if sh.Pool != nil {
		pgs := persistence.NewPgStore(sh.Pool)
		return ledger{Orders: pgs, Capital: pgs}
	}
	return ledger{Orders: store, Capital: store}
}

func newLimiter(cfg *config.Config, sh *shared, log *zap.Logger) *ratelimit.Limiter {
	return ratelimit.New(sh.Buckets, priceBucket, ratelimit.Budget{
		Capacity:        float64(cfg.RateLimitCapacity),
		RefillPerSecond: cfg.RateLimitRefillPerSecond,
	}, ratelimit.WithLogger(log))
}

func newPriceSource(cfg *config.Config, lim *ratelimit.Limiter, log *zap.Logger) market.Source {
	var src market.Source
	switch cfg.PriceSource.Kind {
	case "http":
		src = market.NewHTTPSource(cfg.PriceSource.BaseURL, &http.Client{Timeout: cfg.FetchTimeout})
	default:
		src = market.NewRandomWalk(cfg.PriceSource.StartPrice, 0.0005, time.Now().UnixNano())
	}
	return market.NewLimited(src, lim, cfg.RateLimitAcquireTimeout, log.Named("quotes"))
}

// newGateway returns the paper venue, or the broker adapter metered by the
// shared orders bucket.
func newGateway(cfg *config.Config, sh *shared, log *zap.Logger) order.Gateway {
	if cfg.Execution.Kind == "http" {
		lim := ratelimit.New(sh.Buckets, ordersBucket, ratelimit.Budget{
			Capacity:        float64(cfg.RateLimitCapacity),
			RefillPerSecond: cfg.RateLimitRefillPerSecond,
		}, ratelimit.WithLogger(log))
		return order.NewHTTPGateway(cfg.Execution.BaseURL, cfg.Execution.APIKey,
			&http.Client{Timeout: cfg.FetchTimeout}, lim, cfg.RateLimitAcquireTimeout)
	}
	return order.NewPaperGateway(order.PaperSimConfig{GatewayLatencyMinMs: 5, GatewayLatencyMaxMs: 50})
}

func newHealthServer(state *health.State, log *zap.Logger) *health.Server {
	return health.NewServer(state, log)
}

func newCapital(cfg *config.Config, store risk.CapitalStore, log *zap.Logger) (*risk.Capital, error) {
	capital := risk.NewCapital(cfg.InitialCapital, store, log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := capital.Restore(ctx); err != nil {
		return nil, err
	}
	return capital, nil
}

func newManager(cfg *config.Config, repo order.Repository, capital *risk.Capital, bus *events.Bus, gw order.Gateway, log *zap.Logger) *order.Manager {
	return order.NewManager(repo, capital, bus, order.Config{
		MaxConcurrentOrders: cfg.MaxConcurrentOrders,
		TimeoutDuration:     cfg.TimeoutDuration,
	}, log, order.WithGateway(gw))
}

func newGate(cfg *config.Config, manager *order.Manager, log *zap.Logger) *risk.Gate {
	return risk.NewGate(risk.Limits{
		MaxRiskFraction:     cfg.MaxRiskFraction,
		MaxConcurrentOrders: cfg.MaxConcurrentOrders,
		MinSL:               cfg.MinSL,
		MaxSL:               cfg.MaxSL,
		MinRewardRisk:       cfg.MinRewardRiskRatio,
		MaxDrawdownFraction: cfg.MaxDrawdownFraction,
	}, manager, log)
}

func newBuffers(cfg *config.Config) *market.Buffers {
	return market.NewBuffers(cfg.BufferCapacity)
}

func pairsOf(cfg *config.Config) []scheduler.Pair {
	out := make([]scheduler.Pair, len(cfg.Pairs))
	for i, p := range cfg.Pairs {
		out[i] = scheduler.Pair{Key: p.Key, UnitValue: p.UnitValue, PipSize: p.PipSize, Real: p.Real}
	}
	return out
}

type pipelineParams struct {
	fx.In

	Cfg     *config.Config
	Source  market.Source
	Buffers *market.Buffers
	Gate    *risk.Gate
	Manager *order.Manager
	Capital *risk.Capital
	Store   *persistence.Store
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	Log     *zap.Logger
}

func newPipeline(p pipelineParams) *scheduler.Pipeline {
	return scheduler.NewPipeline(scheduler.Deps{
		Source:    p.Source,
		Buffers:   p.Buffers,
		Generator: signal.NewGenerator(p.Cfg.ActionabilityThreshold, p.Cfg.NormalVolatilityATRFraction),
		Gate:      p.Gate,
		Orders:    p.Manager,
		Capital:   p.Capital,
		Sink:      p.Store,
		Bus:       p.Bus,
		Metrics:   p.Metrics,
		Log:       p.Log,
	}, pairsOf(p.Cfg), scheduler.PipelineConfig{
		Timeframe:        p.Cfg.Timeframe,
		MaxOrdersPerPair: p.Cfg.MaxOrdersPerPair,
		Proposal: scheduler.ProposalConfig{
			MaxRiskFraction:  p.Cfg.MaxRiskFraction,
			MinSL:            p.Cfg.MinSL,
			MaxSL:            p.Cfg.MaxSL,
			SLATRMultiplier:  p.Cfg.SLATRMultiplier,
			TargetRewardRisk: p.Cfg.TargetRewardRiskRatio,
		},
	})
}

func newScheduler(cfg *config.Config, pipeline *scheduler.Pipeline, sh *shared, bus *events.Bus, metrics *monitor.SystemMetrics, state *health.State, log *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(pipeline, pipeline.Pairs(), scheduler.Config{
		Interval:     cfg.TickInterval,
		FetchTimeout: cfg.FetchTimeout,
		WorkerID:     cfg.WorkerID,
	},
		scheduler.WithLocker(sh.Leases),
		scheduler.WithBus(bus),
		scheduler.WithMetrics(metrics),
		scheduler.WithTickObserver(state),
		scheduler.WithLogger(log),
	)
}

func newReconciler(cfg *config.Config, manager *order.Manager, gw order.Gateway, log *zap.Logger) *reconciliation.Service {
	return reconciliation.NewService(manager, gw, cfg.ReconcileInterval, cfg.PendingGrace, log)
}

func newJournal(store *persistence.Store, bus *events.Bus) *persistence.Journal {
	return persistence.NewJournal(store, bus)
}

// newNotifiers always logs; Telegram is added when a token is configured.
func newNotifiers(cfg *config.Config, log *zap.Logger) ([]notify.Notifier, error) {
	out := []notify.Notifier{notify.NewLog(log)}
	if cfg.Notify.TelegramToken == "" {
		return out, nil
	}
	tg, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return append(out, tg), nil
}

func newDispatcher(bus *events.Bus, notifiers []notify.Notifier, log *zap.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(bus, log, notifiers...)
}

// newAlertMonitor sends tick-failure alerts to the most capable notifier.
func newAlertMonitor(bus *events.Bus, notifiers []notify.Notifier, log *zap.Logger) *monitor.Monitor {
	return &monitor.Monitor{
		Bus:       bus,
		Sink:      notifiers[len(notifiers)-1],
		Threshold: 3,
		Log:       log,
	}
}

type engineParams struct {
	fx.In

	Cfg        *config.Config
	Manager    *order.Manager
	Store      *persistence.Store
	Pipeline   *scheduler.Pipeline
	Buffers    *market.Buffers
	Capital    *risk.Capital
	Gate       *risk.Gate
	Limiter    *ratelimit.Limiter
	Reconciler *reconciliation.Service
	Scheduler  *scheduler.Scheduler
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Shared     *shared
}

func newEngine(p engineParams) engine.Service {
	mode := "paper"
	for _, pair := range p.Cfg.Pairs {
		if pair.Real {
			mode = "live"
			break
		}
	}
	return engine.NewImpl(engine.Config{
		Orders:     p.Manager,
		Journal:    p.Store,
		Pipeline:   p.Pipeline,
		Buffers:    p.Buffers,
		Capital:    p.Capital,
		Gate:       p.Gate,
		Limiter:    p.Limiter,
		Store:      p.Store,
		Reconciler: p.Reconciler,
		Runner:     p.Scheduler,
		Bus:        p.Bus,
		Metrics:    p.Metrics,
		Meta: engine.Meta{
			Mode:      mode,
			WorkerID:  p.Cfg.WorkerID,
			Pairs:     p.Pipeline.Pairs(),
			Timeframe: p.Cfg.Timeframe,
			Store:     p.Shared.Driver,
			Version:   version,
		},
	})
}

func newAPIServer(cfg *config.Config, svc engine.Service, bus *events.Bus, state *health.State, metrics *monitor.SystemMetrics, log *zap.Logger) *api.Server {
	return api.NewServer(api.Options{
		Engine:    svc,
		Bus:       bus,
		Health:    state,
		Metrics:   metrics,
		JWTSecret: cfg.API.JWTSecret,
		Log:       log,
	})
}

type runParams struct {
	fx.In

	LC         fx.Lifecycle
	Cfg        *config.Config
	Store      *persistence.Store
	Manager    *order.Manager
	Pipeline   *scheduler.Pipeline
	Scheduler  *scheduler.Scheduler
	Reconciler *reconciliation.Service
	Journal    *persistence.Journal
	Dispatcher *notify.Dispatcher
	Alerts     *monitor.Monitor
	State      *health.State
	GRPC       *health.Server
	API        *api.Server
	Log        *zap.Logger
}

// run starts the background components in dependency order and stops them
// in reverse.
func run(p runParams) {
	var cancel context.CancelFunc

	p.LC.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			active, err := p.Manager.Restore(ctx)
			if err != nil {
				return err
			}
			if err := p.Pipeline.Warmup(ctx, p.Store, p.Cfg.BufferCapacity); err != nil {
				return err
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())

			p.Journal.Start()
			p.Dispatcher.Start()
			p.Alerts.Start(runCtx)
			p.Reconciler.Start(runCtx)
			if err := p.Scheduler.Start(runCtx); err != nil {
				return err
			}
			if err := p.GRPC.Listen(p.Cfg.API.GRPCAddr); err != nil {
				return err
			}
			p.API.Start(p.Cfg.API.HTTPAddr)
			p.State.SetReady(true)

			p.Log.Info("main: signal core started",
				zap.String("version", version),
				zap.String("worker_id", p.Cfg.WorkerID),
				zap.Strings("pairs", p.Pipeline.Pairs()),
				zap.Int("restored_orders", len(active)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.State.Shutdown()
			err := p.API.Shutdown(ctx)
			p.GRPC.Stop()
			p.Scheduler.Stop()
			if cancel != nil {
				cancel()
			}
			p.Dispatcher.Stop()
			p.Journal.Stop()
			if ferr := p.Store.Flush(); ferr != nil {
				p.Log.Warn("main: final flush failed", zap.Error(ferr))
			}
			p.Log.Info("main: signal core stopped")
			return err
		},
	})
}
