package market

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// RandomWalkSource generates synthetic quotes for dry runs.
type RandomWalkSource struct {
	mu         sync.Mutex
	rng        *rand.Rand
	now        func() time.Time
	startPrice float64
	step       float64
	spread     float64
	prices     map[string]float64
}

// NewRandomWalk starts every pair at startPrice and moves it by up to
// step (a fraction of price) per fetch.
func NewRandomWalk(startPrice, step float64, seed int64) *RandomWalkSource {
	if startPrice <= 0 {
		startPrice = 100.0
	}
	if step <= 0 {
		step = 0.001
	}
	return &RandomWalkSource{
		rng:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
		startPrice: startPrice,
		step:       step,
		spread:     step / 4,
		prices:     make(map[string]float64),
	}
}

// FetchPrice implements Source.
func (m *RandomWalkSource) FetchPrice(ctx context.Context, pair string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, sourceErr(KindUnavailable, pair, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	price, ok := m.prices[pair]
	if !ok {
		price = m.startPrice
	}
	// simple random walk
	price *= 1 + (m.rng.Float64()*2-1)*m.step
	if price <= 0 {
		price = m.startPrice
	}
	m.prices[pair] = price

	half := price * m.spread / 2
	return Quote{
		PairKey:   pair,
		Bid:       price - half,
		Ask:       price + half,
		Mid:       price,
		Timestamp: m.now().UTC(),
	}, nil
}

// ScriptedSource replays a fixed sequence of quotes or errors per pair.
type ScriptedSource struct {
	mu    sync.Mutex
	steps map[string][]ScriptStep
}

// ScriptStep is one scripted fetch result.
type ScriptStep struct {
	Quote Quote
	Err   error
}

// ErrScriptExhausted is wrapped in an Unavailable error once a pair runs out of steps.
var ErrScriptExhausted = errors.New("script exhausted")

// NewScripted returns an empty script.
func NewScripted() *ScriptedSource {
	return &ScriptedSource{steps: make(map[string][]ScriptStep)}
}

// Push appends quotes for their pairs; Mid defaults to the bid/ask midpoint.
func (s *ScriptedSource) Push(quotes ...Quote) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range quotes {
		if q.Mid == 0 {
			q.Mid = (q.Bid + q.Ask) / 2
		}
		s.steps[q.PairKey] = append(s.steps[q.PairKey], ScriptStep{Quote: q})
	}
	return s
}

// PushError appends a failing fetch for pair.
func (s *ScriptedSource) PushError(pair string, err error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[pair] = append(s.steps[pair], ScriptStep{Err: err})
	return s
}

// Remaining is the number of unconsumed steps for pair.
func (s *ScriptedSource) Remaining(pair string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps[pair])
}

// FetchPrice implements Source.
func (s *ScriptedSource) FetchPrice(_ context.Context, pair string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[pair]
	if len(steps) == 0 {
		return Quote{}, sourceErr(KindUnavailable, pair, ErrScriptExhausted)
	}
	step := steps[0]
	s.steps[pair] = steps[1:]
	if step.Err != nil {
		var se *SourceError
		if errors.As(step.Err, &se) {
			return Quote{}, step.Err
		}
		return Quote{}, sourceErr(KindUnavailable, pair, step.Err)
	}
	return step.Quote, nil
}
