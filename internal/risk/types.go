// Package risk validates trade proposals against the configured limits and
// tracks capital.
package risk

import (
	"fmt"
	"strings"

	"signal-core/internal/signal"
)

// Violation codes.
const (
	CodeMaxRisk             = "max_risk"
	CodeMaxConcurrentOrders = "max_concurrent_orders"
	CodeStopLossDistance    = "stop_loss_distance"
	CodeRewardRisk          = "reward_risk"
	CodeDrawdown            = "drawdown_circuit_breaker"
	CodeInvalidGeometry     = "invalid_geometry"
)

// Proposal is a candidate trade derived from an actionable signal.
// Distances are in pips; prices in quote units.
type Proposal struct {
	PairKey    string           `json:"pair_key"`
	Direction  signal.Direction `json:"direction"`
	EntryPrice float64          `json:"entry_price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
	SLDistance float64          `json:"sl_distance"`
	TPDistance float64          `json:"tp_distance"`
	RiskAmount float64          `json:"risk_amount"`
	UnitValue  float64          `json:"unit_value"`
	PipSize    float64          `json:"pip_size"`
	IsReal     bool             `json:"is_real"`
	Confidence float64          `json:"confidence"`
}

// Limits are the configured risk bounds.
type Limits struct {
	MaxRiskFraction     float64
	MaxConcurrentOrders int
	MinSL               float64
	MaxSL               float64
	MinRewardRisk       float64
	MaxDrawdownFraction float64
}

// Book is the account state a proposal is checked against.
type Book struct {
	Capital    float64 `json:"capital"`
	OpenOrders int     `json:"open_orders"`
	Drawdown   float64 `json:"drawdown"`
}

// Violation is one failed check.
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ViolationError carries every violation of a rejected proposal.
type ViolationError struct {
	PairKey    string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Code + ": " + v.Message
	}
	return fmt.Sprintf("risk rejected %s: %s", e.PairKey, strings.Join(parts, "; "))
}

// Codes lists the violation codes in check order.
func (e *ViolationError) Codes() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Code
	}
	return out
}

// Has reports whether code is among the violations.
func (e *ViolationError) Has(code string) bool {
	for _, v := range e.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}
