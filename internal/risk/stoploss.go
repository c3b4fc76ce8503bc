package risk

import "signal-core/internal/signal"

// ExitTrigger names the level a price crossed.
type ExitTrigger int

const (
	NoExit ExitTrigger = iota
	StopLossHit
	TakeProfitHit
)

func (t ExitTrigger) String() string {
	switch t {
	case StopLossHit:
		return "stop_loss"
	case TakeProfitHit:
		return "take_profit"
	default:
		return "none"
	}
}

// CheckExit reports whether the observed price range [low, high] crossed
// the stop or the target of a position, and the level to close at. The stop
// wins when one observation crosses both.
func CheckExit(dir signal.Direction, stopLoss, takeProfit, low, high float64) (ExitTrigger, float64) {
	if isStopLossTriggered(dir, stopLoss, low, high) {
		return StopLossHit, stopLoss
	}
	if isTakeProfitTriggered(dir, takeProfit, low, high) {
		return TakeProfitHit, takeProfit
	}
	return NoExit, 0
}

func isStopLossTriggered(dir signal.Direction, stopLoss, low, high float64) bool {
	if dir == signal.Buy {
		return low <= stopLoss
	}
	return high >= stopLoss
}

func isTakeProfitTriggered(dir signal.Direction, takeProfit, low, high float64) bool {
	if dir == signal.Buy {
		return high >= takeProfit
	}
	return low <= takeProfit
}
