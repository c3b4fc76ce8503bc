package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/events"
	"signal-core/internal/market"
	"signal-core/internal/order"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(d))
	s, err := NewStore(d, Options{BatchSize: 100, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = d.Close()
	})
	return s
}

func proposal(real bool) risk.Proposal {
	return risk.Proposal{
		PairKey:    "USDT/COP",
		Direction:  signal.Buy,
		EntryPrice: 4000,
		StopLoss:   3980,
		TakeProfit: 4040,
		SLDistance: 20,
		TPDistance: 40,
		RiskAmount: 10_000,
		UnitValue:  1,
		PipSize:    1,
		IsReal:     real,
	}
}

func newOrder(t *testing.T, real bool, at time.Time) *order.Order {
	t.Helper()
	o, err := order.NewOrder(proposal(real), at)
	require.NoError(t, err)
	return o
}

func TestInsertOrderRespectsCapacity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertOrder(ctx, newOrder(t, false, t0), 2))
	require.NoError(t, s.InsertOrder(ctx, newOrder(t, true, t0), 2))
	err := s.InsertOrder(ctx, newOrder(t, false, t0), 2)
	assert.ErrorIs(t, err, order.ErrCapacity)

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.NoError(t, s.InsertOrder(ctx, newOrder(t, false, t0), 0), "zero means unbounded")
}

func TestOrderRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := newOrder(t, true, t0)
	require.NoError(t, s.InsertOrder(ctx, o, 5))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o, got)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestMarkOpenOnlyFromPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := newOrder(t, true, t0)
	require.NoError(t, s.InsertOrder(ctx, o, 5))

	at := t0.Add(time.Second)
	require.NoError(t, s.MarkOpen(ctx, o.ID, "v-1", at))
	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, got.Status)
	assert.Equal(t, "v-1", got.ExternalRef)
	assert.Equal(t, at, got.OpenedAt)

	assert.ErrorIs(t, s.MarkOpen(ctx, o.ID, "v-2", at), order.ErrNotFound)
}

func TestFailPendingLeavesPromotedOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := newOrder(t, true, t0)
	require.NoError(t, s.InsertOrder(ctx, o, 5))

	stale, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, s.MarkOpen(ctx, o.ID, "venue-123", t0.Add(time.Second)))

	stale.Status = order.StatusClosed
	stale.Outcome = order.OutcomeSubmissionFailed
	stale.FailureReason = "venue has no record of the order"
	stale.ClosedAt = t0.Add(2 * time.Second)
	stale.UpdatedAt = stale.ClosedAt
	assert.ErrorIs(t, s.FailPending(ctx, stale), order.ErrInvalidOrder)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, got.Status)
	assert.Equal(t, order.Outcome(""), got.Outcome)
	assert.Equal(t, "venue-123", got.ExternalRef)

	ghost := newOrder(t, true, t0)
	assert.ErrorIs(t, s.FailPending(ctx, ghost), order.ErrNotFound)
}

func TestFailPendingClosesPendingOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := newOrder(t, true, t0)
	require.NoError(t, s.InsertOrder(ctx, o, 5))

	o.Status = order.StatusClosed
	o.Outcome = order.OutcomeSubmissionFailed
	o.FailureReason = "rejected"
	o.ClosedAt = t0.Add(time.Minute)
	o.UpdatedAt = o.ClosedAt
	require.NoError(t, s.FailPending(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusClosed, got.Status)
	assert.Equal(t, order.OutcomeSubmissionFailed, got.Outcome)
	assert.Equal(t, "rejected", got.FailureReason)

	n, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseOrderIsConditional(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	o := newOrder(t, false, t0)
	require.NoError(t, s.InsertOrder(ctx, o, 5))

	o.Status = order.StatusClosed
	o.Outcome = order.OutcomeWin
	o.ExitPrice = 4040
	o.ResultUnits, o.ResultValue = 40, 20_000
	o.ClosedAt = t0.Add(time.Minute)
	o.UpdatedAt = o.ClosedAt
	require.NoError(t, s.CloseOrder(ctx, o))
	assert.ErrorIs(t, s.CloseOrder(ctx, o), order.ErrAlreadyClosed)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.OutcomeWin, got.Outcome)
	assert.Equal(t, 20_000.0, got.ResultValue)
	assert.Equal(t, o.ClosedAt, got.ClosedAt)

	ghost := newOrder(t, false, t0)
	assert.ErrorIs(t, s.CloseOrder(ctx, ghost), order.ErrNotFound)
}

func TestListOrdersFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first := newOrder(t, false, t0)
	second := newOrder(t, true, t0.Add(time.Second))
	other, err := order.NewOrder(func() risk.Proposal {
		p := proposal(false)
		p.PairKey = "BTC/USD"
		return p
	}(), t0.Add(2*time.Second))
	require.NoError(t, err)
	for _, o := range []*order.Order{first, second, other} {
		require.NoError(t, s.InsertOrder(ctx, o, 0))
	}

	all, err := s.ListOrders(ctx, order.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.ID, all[0].ID)

	pending, err := s.ListOrders(ctx, order.ListFilter{Statuses: []order.Status{order.StatusPendingSubmission}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	pair, err := s.ListOrders(ctx, order.ListFilter{PairKey: "USDT/COP", Statuses: []order.Status{order.StatusOpen, order.StatusPendingSubmission}})
	require.NoError(t, err)
	assert.Len(t, pair, 2)

	limited, err := s.ListOrders(ctx, order.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCapitalPersistence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadCapital(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	c := risk.NewCapital(1_000_000, s, nil)
	_, err = c.Apply(ctx, 20_000)
	require.NoError(t, err)
	_, err = c.Apply(ctx, -50_000)
	require.NoError(t, err)

	restored := risk.NewCapital(1_000_000, s, nil)
	require.NoError(t, restored.Restore(ctx))
	st := restored.Snapshot()
	assert.Equal(t, 970_000.0, st.Current)
	assert.Equal(t, 1_020_000.0, st.Peak)
	assert.Equal(t, -30_000.0, st.RealizedPnL)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 50_000.0/1_020_000.0, st.MaxDrawdownSeen, 1e-12)
}

func TestCandlesBatchedAndLoaded(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.SaveCandle(market.Candle{
			PairKey:   "USDT/COP",
			Timeframe: time.Minute,
			OpenTime:  t0.Add(time.Duration(i) * time.Minute),
			Open:      4000, High: 4001, Low: 3999, Close: 4000 + float64(i),
		})
	}
	assert.Equal(t, 5, s.WriterMetrics().Pending)
	require.NoError(t, s.Flush())

	got, err := s.LoadCandles(ctx, "USDT/COP", time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, t0.Add(2*time.Minute), got[0].OpenTime)
	assert.Equal(t, 4004.0, got[2].Close)
	assert.Equal(t, time.Minute, got[2].Timeframe)

	// rewriting a candle replaces it
	require.NoError(t, s.SaveCandles(ctx, []market.Candle{{
		PairKey: "USDT/COP", Timeframe: time.Minute, OpenTime: t0.Add(4 * time.Minute),
		Open: 1, High: 1, Low: 1, Close: 1,
	}}))
	got, err = s.LoadCandles(ctx, "USDT/COP", time.Minute, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 1.0, got[4].Close)

	none, err := s.LoadCandles(ctx, "USDT/COP", 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJournalRecordsBusEvents(t *testing.T) {
	s := newStore(t)
	bus := events.NewBus()
	j := NewJournal(s, bus)
	j.Start()

	bus.Publish(events.EventOrderOpened, events.OrderEvent{OrderID: "o-1", PairKey: "USDT/COP", Status: "OPEN"})
	bus.Publish(events.EventRiskRejected, events.RiskRejected{PairKey: "USDT/COP", Codes: []string{risk.CodeMaxRisk}})
	bus.Publish(events.EventSignalGenerated, events.SignalGenerated{PairKey: "USDT/COP"})

	j.Stop()
	require.NoError(t, s.Flush())

	all, err := s.Entries(context.Background(), "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2, "signals are not journaled")

	mine, err := s.Entries(context.Background(), "o-1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, events.EventOrderOpened, mine[0].Event)
	assert.Contains(t, mine[0].Payload, `"order_id":"o-1"`)
}

func TestManagerOnStoreNeverExceedsCap(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	capital := risk.NewCapital(1_000_000, s, nil)
	mgr := order.NewManager(s, capital, nil, order.Config{MaxConcurrentOrders: 3, TimeoutDuration: time.Hour}, nil)

	var (
		wg      sync.WaitGroup
		created atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Create(ctx, proposal(false)); err == nil {
				created.Add(1)
			} else {
				assert.ErrorIs(t, err, order.ErrCapacity)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, created.Load())

	closed, err := mgr.Monitor(ctx, "USDT/COP", 4050)
	require.NoError(t, err)
	assert.Len(t, closed, 3)

	st, ok, err := s.LoadCapital(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1_060_000.0, st.Current)
	assert.Equal(t, 3, st.Wins)
}
