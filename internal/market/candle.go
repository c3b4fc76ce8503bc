package market

import "time"

// Candle is one OHLCV bar. OpenTime is the tick time truncated to Timeframe.
type Candle struct {
	PairKey   string        `json:"pair_key"`
	Timeframe time.Duration `json:"timeframe"`
	OpenTime  time.Time     `json:"open_time"`
	Open      float64       `json:"open"`
	High      float64       `json:"high"`
	Low       float64       `json:"low"`
	Close     float64       `json:"close"`
	Volume    float64       `json:"volume"`
}

// CloseTime is the end of the candle's period.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe)
}

// Closes extracts close prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
