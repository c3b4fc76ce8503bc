package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/events"
	"signal-core/internal/market"
	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/ratelimit"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

type fixture struct {
	engine  *Impl
	store   *persistence.Store
	manager *order.Manager
	buffers *market.Buffers
	journal *persistence.Journal
}

type runner bool

func (r runner) Running() bool { return bool(r) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	store, err := persistence.NewStore(d, persistence.Options{FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
		_ = d.Close()
	})

	bus := events.NewBus()
	capital := risk.NewCapital(1_000_000, store, nil)
	manager := order.NewManager(store, capital, bus, order.Config{MaxConcurrentOrders: 5, TimeoutDuration: 4 * time.Hour}, nil)
	journal := persistence.NewJournal(store, bus)
	journal.Start()
	t.Cleanup(journal.Stop)

	buffers := market.NewBuffers(0)
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), "upstream", ratelimit.DefaultBudget)

	e := NewImpl(Config{
		Orders:  manager,
		Journal: store,
		Buffers: buffers,
		Capital: capital,
		Gate:    risk.NewGate(risk.Limits{MaxConcurrentOrders: 5}, manager, nil),
		Limiter: limiter,
		Store:   store,
		Runner:  runner(true),
		Bus:     bus,
		Meta: Meta{
			Mode:      "paper",
			WorkerID:  "w1",
			Pairs:     []string{"USDT/COP"},
			Timeframe: time.Minute,
			Store:     "sqlite",
			Version:   "test",
		},
	})
	return &fixture{engine: e, store: store, manager: manager, buffers: buffers, journal: journal}
}

func (f *fixture) open(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.manager.Create(context.Background(), risk.Proposal{
		PairKey:    "USDT/COP",
		Direction:  signal.Buy,
		EntryPrice: 100,
		StopLoss:   95,
		TakeProfit: 110,
		SLDistance: 5,
		TPDistance: 10,
		RiskAmount: 50,
		UnitValue:  1,
		PipSize:    1,
	})
	require.NoError(t, err)
	return o
}

func TestCloseOrderAtExplicitPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.open(t)

	closed, err := f.engine.CloseOrder(ctx, o.ID, 105)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeCancelled, closed.Outcome)
	assert.Equal(t, 50.0, closed.ResultValue)

	info := f.engine.Capital(ctx)
	assert.Equal(t, 1_000_050.0, info.Current)
	assert.Equal(t, 1.0, info.WinRate)
	assert.Zero(t, info.Drawdown)

	_, err = f.engine.CloseOrder(ctx, o.ID, 105)
	assert.ErrorIs(t, err, order.ErrAlreadyClosed)
}

func TestCloseOrderUsesBufferedPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.open(t)

	_, err := f.engine.CloseOrder(ctx, o.ID, 0)
	assert.ErrorIs(t, err, ErrNoPrice)

	_, err = f.buffers.Ingest("USDT/COP", time.Minute, 98, time.Now())
	require.NoError(t, err)
	closed, err := f.engine.CloseOrder(ctx, o.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 98.0, closed.ExitPrice)
	assert.Equal(t, -20.0, closed.ResultValue)

	_, err = f.engine.CloseOrder(ctx, "missing", 0)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderQueriesAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.open(t)
	_, err := f.engine.CloseOrder(ctx, o.ID, 110)
	require.NoError(t, err)

	list, err := f.engine.ListOrders(ctx, order.ListFilter{Statuses: []order.Status{order.StatusClosed}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := f.engine.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusClosed, got.Status)

	f.journal.Stop()
	require.NoError(t, f.store.Flush())
	entries, err := f.engine.OrderEvents(ctx, o.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.ElementsMatch(t, []events.Event{events.EventOrderOpened, events.EventOrderClosed},
		[]events.Event{entries[0].Event, entries[1].Event})

	_, err = f.engine.OrderEvents(ctx, "missing", 10)
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := f.engine.SystemStatus(ctx)
	assert.True(t, st.Running)
	assert.Equal(t, "1m0s", st.Timeframe)
	assert.Equal(t, []string{"USDT/COP"}, st.Pairs)

	rl, err := f.engine.RateLimit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15.0, rl.Capacity)
	assert.Equal(t, "upstream", rl.Key)

	m := f.engine.Metrics(ctx)
	assert.Zero(t, m.Gate.ChecksTotal)
	assert.Nil(t, m.Reconcile)
	assert.Empty(t, f.engine.Signals(ctx))
}
