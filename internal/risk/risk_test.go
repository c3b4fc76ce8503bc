package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/signal"
)

var limits = Limits{
	MaxRiskFraction:     0.01,
	MaxConcurrentOrders: 5,
	MinSL:               20,
	MaxSL:               100,
	MinRewardRisk:       1.5,
	MaxDrawdownFraction: 0.05,
}

func buyProposal() Proposal {
	return Proposal{
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
	}
}

func TestValidate(t *testing.T) {
	book := Book{Capital: 1_000_000}

	tests := []struct {
		name   string
		mutate func(p *Proposal, b *Book)
		codes  []string
	}{
		{"approved", func(*Proposal, *Book) {}, nil},
		{"risk above limit", func(p *Proposal, _ *Book) { p.RiskAmount = 10_001 }, []string{CodeMaxRisk}},
		{"at concurrent cap", func(_ *Proposal, b *Book) { b.OpenOrders = 5 }, []string{CodeMaxConcurrentOrders}},
		{"stop too tight", func(p *Proposal, _ *Book) { p.SLDistance, p.TPDistance = 10, 20 }, []string{CodeStopLossDistance}},
		{"stop too wide", func(p *Proposal, _ *Book) { p.SLDistance, p.TPDistance = 150, 300 }, []string{CodeStopLossDistance}},
		{"poor reward", func(p *Proposal, _ *Book) { p.TPDistance = 25 }, []string{CodeRewardRisk}},
		{"drawdown breaker", func(_ *Proposal, b *Book) { b.Drawdown = 0.05 }, []string{CodeDrawdown}},
		{"stop above entry on BUY", func(p *Proposal, _ *Book) { p.StopLoss = 4020 }, []string{CodeInvalidGeometry}},
		{"hold is not tradable", func(p *Proposal, _ *Book) { p.Direction = signal.Hold }, []string{CodeInvalidGeometry}},
		{
			name: "every failure reported",
			mutate: func(p *Proposal, b *Book) {
				p.RiskAmount = 50_000
				p.SLDistance, p.TPDistance = 5, 5
				b.OpenOrders = 9
				b.Drawdown = 0.2
			},
			codes: []string{CodeMaxRisk, CodeMaxConcurrentOrders, CodeStopLossDistance, CodeRewardRisk, CodeDrawdown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, b := buyProposal(), book
			tt.mutate(&p, &b)

			var codes []string
			for _, v := range Validate(p, b, limits) {
				codes = append(codes, v.Code)
				assert.NotEmpty(t, v.Message)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}

func TestValidateSellGeometry(t *testing.T) {
	p := buyProposal()
	p.Direction = signal.Sell
	p.StopLoss, p.TakeProfit = 4020, 3960
	assert.Empty(t, Validate(p, Book{Capital: 1_000_000}, limits))

	p.TakeProfit = 4060
	v := Validate(p, Book{Capital: 1_000_000}, limits)
	require.Len(t, v, 1)
	assert.Equal(t, CodeInvalidGeometry, v[0].Code)
}

type staticBook struct {
	mu   sync.Mutex
	book Book
	err  error
}

func (s *staticBook) Book(context.Context) (Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book, s.err
}

func TestGateConcurrentAdmissions(t *testing.T) {
	src := &staticBook{book: Book{Capital: 1_000_000, OpenOrders: 2}}
	gate := NewGate(limits, src, nil)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		rejected atomic.Int64
	)
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := gate.Admit(context.Background(), buyProposal())
			if err != nil {
				var verr *ViolationError
				if assert.ErrorAs(t, err, &verr) {
					assert.True(t, verr.Has(CodeMaxConcurrentOrders))
				}
				rejected.Add(1)
				return
			}
			assert.NotNil(t, res)
			admitted.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 3, admitted.Load())
	assert.EqualValues(t, 17, rejected.Load())
	m := gate.Metrics()
	assert.EqualValues(t, 20, m.ChecksTotal)
	assert.EqualValues(t, 17, m.RejectionsTotal)
	assert.Equal(t, 3, m.Outstanding)
}

func TestReservationReleaseIdempotent(t *testing.T) {
	src := &staticBook{book: Book{Capital: 1_000_000, OpenOrders: 4}}
	gate := NewGate(limits, src, nil)
	ctx := context.Background()

	res, err := gate.Admit(ctx, buyProposal())
	require.NoError(t, err)
	_, err = gate.Admit(ctx, buyProposal())
	require.Error(t, err)

	res.Release()
	res.Release()
	assert.Equal(t, 0, gate.Metrics().Outstanding)

	_, err = gate.Admit(ctx, buyProposal())
	assert.NoError(t, err)
}

func TestGateNeverApprovesExcessRisk(t *testing.T) {
	gate := NewGate(limits, &staticBook{book: Book{Capital: 500_000}}, nil)
	p := buyProposal() // 10,000 risk is 2% of 500,000
	_, err := gate.Admit(context.Background(), p)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{CodeMaxRisk}, verr.Codes())
}

func TestGateBookError(t *testing.T) {
	gate := NewGate(limits, &staticBook{err: errors.New("db down")}, nil)
	_, err := gate.Admit(context.Background(), buyProposal())
	assert.ErrorContains(t, err, "db down")
	assert.Zero(t, gate.Metrics().Outstanding)
}

type memCapitalStore struct {
	saved []CapitalState
	fail  bool
}

func (m *memCapitalStore) LoadCapital(context.Context) (CapitalState, bool, error) {
	if len(m.saved) == 0 {
		return CapitalState{}, false, nil
	}
	return m.saved[len(m.saved)-1], true, nil
}

func (m *memCapitalStore) SaveCapital(_ context.Context, s CapitalState) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, s)
	return nil
}

func TestCapitalApply(t *testing.T) {
	store := &memCapitalStore{}
	c := NewCapital(1_000_000, store, nil)
	ctx := context.Background()

	_, err := c.Apply(ctx, 20_000)
	require.NoError(t, err)
	st, err := c.Apply(ctx, -51_000)
	require.NoError(t, err)

	assert.Equal(t, 969_000.0, st.Current)
	assert.Equal(t, 1_020_000.0, st.Peak)
	assert.Equal(t, -31_000.0, st.RealizedPnL)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 0.05, c.Drawdown(), 1e-12)
	assert.InDelta(t, 0.05, st.MaxDrawdownSeen, 1e-12)
	assert.Equal(t, 0.5, st.WinRate())
	require.Len(t, store.saved, 2)

	restored := NewCapital(1_000_000, store, nil)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, 969_000.0, restored.Current())
}

func TestCapitalPersistFailureKeepsMemoryState(t *testing.T) {
	c := NewCapital(1_000, &memCapitalStore{fail: true}, nil)
	_, err := c.Apply(context.Background(), 10)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1_010.0, c.Current())
}

// sharedCapitalStore adds results to one stored state, the way a database
// shared by several workers does.
type sharedCapitalStore struct {
	mu    sync.Mutex
	state *CapitalState
}

func (m *sharedCapitalStore) LoadCapital(context.Context) (CapitalState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return CapitalState{}, false, nil
	}
	return *m.state, true, nil
}

func (m *sharedCapitalStore) SaveCapital(_ context.Context, s CapitalState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}

func (m *sharedCapitalStore) ApplyResult(_ context.Context, v float64, seed CapitalState) (CapitalState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		m.state = &seed
		return seed, nil
	}
	next := m.state.WithResult(v, seed.UpdatedAt)
	m.state = &next
	return next, nil
}

func TestSharedCapitalAcrossWorkers(t *testing.T) {
	store := &sharedCapitalStore{}
	a := NewCapital(1_000_000, store, nil)
	b := NewCapital(1_000_000, store, nil)
	ctx := context.Background()

	_, err := a.Apply(ctx, -30_000)
	require.NoError(t, err)
	st, err := b.Apply(ctx, -25_000)
	require.NoError(t, err)

	assert.Equal(t, 945_000.0, st.Current, "b books on top of a's loss")
	assert.Equal(t, 2, st.Losses)
	assert.Equal(t, 945_000.0, b.Current())

	assert.Equal(t, 970_000.0, a.Current(), "a has not seen b's loss yet")
	require.NoError(t, a.Refresh(ctx))
	assert.Equal(t, 945_000.0, a.Current())
	assert.InDelta(t, 0.055, a.Drawdown(), 1e-12)
}

func TestRefreshIgnoresLocalStore(t *testing.T) {
	store := &memCapitalStore{saved: []CapitalState{{Initial: 1, Current: 1, Peak: 1}}}
	c := NewCapital(1_000, store, nil)
	require.NoError(t, c.Refresh(context.Background()))
	assert.Equal(t, 1_000.0, c.Current())
}

func TestCheckExit(t *testing.T) {
	tests := []struct {
		name      string
		dir       signal.Direction
		low, high float64
		trigger   ExitTrigger
		level     float64
	}{
		{"buy target", signal.Buy, 111, 111, TakeProfitHit, 110},
		{"buy stop", signal.Buy, 94, 94, StopLossHit, 95},
		{"buy gap crosses both", signal.Buy, 94, 111, StopLossHit, 95},
		{"buy inside", signal.Buy, 100, 100, NoExit, 0},
		{"sell target", signal.Sell, 89, 89, TakeProfitHit, 90},
		{"sell stop", signal.Sell, 106, 106, StopLossHit, 105},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sl, tp := 95.0, 110.0
			if tt.dir == signal.Sell {
				sl, tp = 105, 90
			}
			trigger, level := CheckExit(tt.dir, sl, tp, tt.low, tt.high)
			assert.Equal(t, tt.trigger, trigger)
			assert.Equal(t, tt.level, level)
		})
	}
}
