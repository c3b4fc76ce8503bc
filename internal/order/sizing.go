package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signal-core/internal/signal"
)

const sizePlaces = 8

// PositionSize is risk / (stop distance in pips * unit value), rounded to
// 8 places.
func PositionSize(riskAmount, entry, stopLoss, pipSize, unitValue float64) (float64, error) {
	pip := decimal.NewFromFloat(pipSize)
	if !pip.IsPositive() {
		return 0, fmt.Errorf("%w: pip size %v", ErrInvalidOrder, pipSize)
	}
	slUnits := decimal.NewFromFloat(entry).Sub(decimal.NewFromFloat(stopLoss)).Abs().Div(pip)
	den := slUnits.Mul(decimal.NewFromFloat(unitValue))
	if !den.IsPositive() {
		return 0, fmt.Errorf("%w: zero stop distance or unit value", ErrInvalidOrder)
	}
	size := decimal.NewFromFloat(riskAmount).DivRound(den, sizePlaces)
	if !size.IsPositive() {
		return 0, fmt.Errorf("%w: size rounds to zero", ErrInvalidOrder)
	}
	return size.InexactFloat64(), nil
}

// PnL returns the result in pips (negated for SELL) and in quote value.
func PnL(dir signal.Direction, entry, exit, pipSize, unitValue, size float64) (units, value float64) {
	pip := decimal.NewFromFloat(pipSize)
	if !pip.IsPositive() {
		return 0, 0
	}
	u := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).Div(pip)
	if dir == signal.Sell {
		u = u.Neg()
	}
	v := u.Mul(decimal.NewFromFloat(unitValue)).Mul(decimal.NewFromFloat(size))
	return u.Round(sizePlaces).InexactFloat64(), v.Round(sizePlaces).InexactFloat64()
}
