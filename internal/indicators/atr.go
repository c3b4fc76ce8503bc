package indicators

import (
	"math"

	"signal-core/internal/market"
)

// TrueRange of c given the previous close.
func TrueRange(c market.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ATR is Wilder's average true range. The first candle only provides the
// previous close, so period+1 candles are needed.
func ATR(candles []market.Candle, period int) (float64, error) {
	if err := checkPeriod("atr", period); err != nil {
		return 0, err
	}
	if len(candles) < period+1 {
		return 0, insufficient("atr", period+1, len(candles))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += TrueRange(candles[i], candles[i-1].Close)
	}
	p := float64(period)
	atr := sum / p
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*(p-1) + TrueRange(candles[i], candles[i-1].Close)) / p
	}
	return atr, nil
}
