package scheduler

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signal-core/internal/indicators"
	"signal-core/internal/risk"
	"signal-core/internal/signal"
)

// ErrNotActionable is returned when a HOLD signal reaches the proposal builder.
var ErrNotActionable = errors.New("signal not actionable")

// Pair is one monitored instrument.
type Pair struct {
	Key       string
	UnitValue float64 // quote value of one pip per unit of size
	PipSize   float64 // price units per pip
	Real      bool
}

// ProposalConfig sets stop and target placement.
type ProposalConfig struct {
	MaxRiskFraction  float64
	MinSL            float64 // pips
	MaxSL            float64 // pips
	SLATRMultiplier  float64
	TargetRewardRisk float64
}

// BuildProposal turns an actionable signal into a trade proposal. The stop
// sits ATR*multiplier pips away, clamped to [MinSL, MaxSL]; the target is
// TargetRewardRisk times further; the risk is a fixed fraction of capital.
func BuildProposal(sig signal.Signal, snap indicators.Snapshot, entry float64, pair Pair, capital float64, cfg ProposalConfig) (risk.Proposal, error) {
	if !sig.Actionable() {
		return risk.Proposal{}, fmt.Errorf("%w: %s", ErrNotActionable, sig.Direction)
	}
	if pair.PipSize <= 0 {
		return risk.Proposal{}, fmt.Errorf("pair %s: pip size %v", pair.Key, pair.PipSize)
	}

	pip := decimal.NewFromFloat(pair.PipSize)
	atrPips := decimal.NewFromFloat(snap.ATR).Div(pip)
	sl := atrPips.Mul(decimal.NewFromFloat(cfg.SLATRMultiplier))
	if lo := decimal.NewFromFloat(cfg.MinSL); sl.LessThan(lo) {
		sl = lo
	}
	if hi := decimal.NewFromFloat(cfg.MaxSL); cfg.MaxSL > 0 && sl.GreaterThan(hi) {
		sl = hi
	}
	tp := sl.Mul(decimal.NewFromFloat(cfg.TargetRewardRisk))

	e := decimal.NewFromFloat(entry)
	slPrice, tpPrice := e.Sub(sl.Mul(pip)), e.Add(tp.Mul(pip))
	if sig.Direction == signal.Sell {
		slPrice, tpPrice = e.Add(sl.Mul(pip)), e.Sub(tp.Mul(pip))
	}
	riskAmount := decimal.NewFromFloat(capital).Mul(decimal.NewFromFloat(cfg.MaxRiskFraction))

	return risk.Proposal{
		PairKey:    pair.Key,
		Direction:  sig.Direction,
		EntryPrice: entry,
		StopLoss:   slPrice.InexactFloat64(),
		TakeProfit: tpPrice.InexactFloat64(),
		SLDistance: sl.InexactFloat64(),
		TPDistance: tp.InexactFloat64(),
		RiskAmount: riskAmount.InexactFloat64(),
		UnitValue:  pair.UnitValue,
		PipSize:    pair.PipSize,
		IsReal:     pair.Real,
		Confidence: sig.Confidence,
	}, nil
}
