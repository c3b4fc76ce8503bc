package risk

import (
	"fmt"

	"signal-core/internal/signal"
)

// Validate runs every check and returns all violations; nil means approved.
func Validate(p Proposal, book Book, limits Limits) []Violation {
	var out []Violation
	add := func(code, format string, args ...any) {
		out = append(out, Violation{Code: code, Message: fmt.Sprintf(format, args...)})
	}

	maxRisk := limits.MaxRiskFraction * book.Capital
	if p.RiskAmount > maxRisk {
		add(CodeMaxRisk, "risk %.2f exceeds %.2f (%.2f%% of capital %.2f)",
			p.RiskAmount, maxRisk, limits.MaxRiskFraction*100, book.Capital)
	}

	if book.OpenOrders >= limits.MaxConcurrentOrders {
		add(CodeMaxConcurrentOrders, "%d active orders, limit %d", book.OpenOrders, limits.MaxConcurrentOrders)
	}

	if p.SLDistance < limits.MinSL || p.SLDistance > limits.MaxSL {
		add(CodeStopLossDistance, "stop distance %.2f outside [%.2f, %.2f]", p.SLDistance, limits.MinSL, limits.MaxSL)
	}

	if p.SLDistance <= 0 {
		add(CodeRewardRisk, "stop distance %.2f leaves reward/risk undefined", p.SLDistance)
	} else if rr := p.TPDistance / p.SLDistance; rr < limits.MinRewardRisk {
		add(CodeRewardRisk, "reward/risk %.2f below %.2f", rr, limits.MinRewardRisk)
	}

	if book.Drawdown >= limits.MaxDrawdownFraction {
		add(CodeDrawdown, "drawdown %.2f%% reached limit %.2f%%", book.Drawdown*100, limits.MaxDrawdownFraction*100)
	}

	if msg := geometry(p); msg != "" {
		add(CodeInvalidGeometry, "%s", msg)
	}

	return out
}

func geometry(p Proposal) string {
	switch {
	case p.EntryPrice <= 0:
		return fmt.Sprintf("entry price %v not positive", p.EntryPrice)
	case p.RiskAmount <= 0:
		return fmt.Sprintf("risk amount %v not positive", p.RiskAmount)
	case p.UnitValue <= 0 || p.PipSize <= 0:
		return fmt.Sprintf("unit value %v / pip size %v not positive", p.UnitValue, p.PipSize)
	}
	switch p.Direction {
	case signal.Buy:
		if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
			return fmt.Sprintf("BUY needs stop %v < entry %v < target %v", p.StopLoss, p.EntryPrice, p.TakeProfit)
		}
	case signal.Sell:
		if !(p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss) {
			return fmt.Sprintf("SELL needs target %v < entry %v < stop %v", p.TakeProfit, p.EntryPrice, p.StopLoss)
		}
	default:
		return fmt.Sprintf("direction %q is not tradable", p.Direction)
	}
	return ""
}
