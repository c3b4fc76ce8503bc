package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

type venue struct {
	known  map[string]string
	status map[string]string
	fail   map[string]error
}

func (v *venue) SubmitOrder(context.Context, order.SubmitRequest) (order.SubmitAck, error) {
	return order.SubmitAck{}, errors.New("connection reset by peer")
}

func (v *venue) CancelOrder(context.Context, string) error { return nil }

func (v *venue) LookupOrder(_ context.Context, clientID string) (order.VenueOrder, error) {
	if err, ok := v.fail[clientID]; ok {
		return order.VenueOrder{}, err
	}
	if ref, ok := v.known[clientID]; ok {
		status := "OPEN"
		if st, ok := v.status[clientID]; ok {
			status = st
		}
		return order.VenueOrder{ExternalRef: ref, ClientID: clientID, Status: status}, nil
	}
	return order.VenueOrder{}, order.ErrVenueOrderNotFound
}

func realProposal() risk.Proposal {
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
		IsReal:     true,
	}
}

func newPendingOrders(t *testing.T, v *venue, now *time.Time, n int) (*order.Manager, []string) {
	t.Helper()
	d, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.ApplyMigrations(d))
	store, err := persistence.NewStore(d, persistence.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := func() time.Time { return *now }
	mgr := order.NewManager(store, risk.NewCapital(1_000_000, nil, nil), nil,
		order.Config{MaxConcurrentOrders: 5, TimeoutDuration: time.Hour}, nil,
		order.WithGateway(v), order.WithClock(clock))

	var ids []string
	for i := 0; i < n; i++ {
		o, err := mgr.Create(context.Background(), realProposal())
		var serr *order.SubmissionError
		require.ErrorAs(t, err, &serr)
		require.True(t, serr.Ambiguous)
		ids = append(ids, o.ID)
	}
	return mgr, ids
}

func TestReconcileResolvesPendingOrders(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	v := &venue{known: map[string]string{}, fail: map[string]error{}}
	mgr, ids := newPendingOrders(t, v, &now, 4)
	ctx := context.Background()
	v.known[ids[0]] = "v-0"
	v.fail[ids[2]] = errors.New("venue timeout")

	svc := NewService(mgr, v, time.Minute, 2*time.Minute, nil)
	svc.now = clock
	assert.Nil(t, svc.LastReport())

	// inside the grace period unknown orders wait
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Errors)

	o, err := mgr.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, o.Status)
	assert.Equal(t, "v-0", o.ExternalRef)

	now = now.Add(3 * time.Minute)
	report, err = svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Errors)
	assert.Same(t, report, svc.LastReport())

	o, err = mgr.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, order.StatusClosed, o.Status)
	assert.Equal(t, order.OutcomeSubmissionFailed, o.Outcome)

	o, err = mgr.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, order.StatusPendingSubmission, o.Status, "lookup errors leave the order untouched")
}

func TestReconcileWithoutGateway(t *testing.T) {
	svc := NewService(nil, nil, 0, 0, nil)
	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func TestReconcileFollowsVenueStatus(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	v := &venue{known: map[string]string{}, status: map[string]string{}, fail: map[string]error{}}
	mgr, ids := newPendingOrders(t, v, &now, 3)
	ctx := context.Background()

	v.known[ids[0]], v.status[ids[0]] = "v-0", "FILLED"
	v.known[ids[1]], v.status[ids[1]] = "v-1", "REJECTED"
	v.known[ids[2]], v.status[ids[2]] = "v-2", "SUSPENDED"

	svc := NewService(mgr, v, time.Minute, time.Hour, nil)
	svc.now = func() time.Time { return now }
	report, err := svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, 1, report.Failed, "a rejected order fails inside the grace period")
	assert.Equal(t, 1, report.Errors)

	tests := []struct {
		id      string
		status  order.Status
		outcome order.Outcome
	}{
		{ids[0], order.StatusOpen, ""},
		{ids[1], order.StatusClosed, order.OutcomeSubmissionFailed},
		{ids[2], order.StatusPendingSubmission, ""},
	}
	for _, tt := range tests {
		o, err := mgr.Get(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.status, o.Status, tt.id)
		assert.Equal(t, tt.outcome, o.Outcome, tt.id)
	}
}
