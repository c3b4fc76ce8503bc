package indicators

import (
	"fmt"
	"time"

	"signal-core/internal/market"
)

// MinHistory is the number of contiguous candles Compute needs: the
// longest period in use (the slow MACD EMA).
const MinHistory = 26

// Params are the indicator periods.
type Params struct {
	RSIPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
	BBPeriod   int
	BBWidth    float64
	ATRPeriod  int
}

// DefaultParams are the classic periods.
var DefaultParams = Params{
	RSIPeriod:  14,
	MACDFast:   12,
	MACDSlow:   26,
	MACDSignal: 9,
	BBPeriod:   20,
	BBWidth:    2,
	ATRPeriod:  14,
}

// Snapshot holds every indicator for the latest candle of a pair.
type Snapshot struct {
	PairKey    string    `json:"pair_key"`
	At         time.Time `json:"at"`
	Close      float64   `json:"close"`
	RSI        float64   `json:"rsi"`
	MACDLine   float64   `json:"macd_line"`
	MACDSignal float64   `json:"macd_signal"`
	MACDHist   float64   `json:"macd_hist"`
	BBUpper    float64   `json:"bb_upper"`
	BBMid      float64   `json:"bb_mid"`
	BBLower    float64   `json:"bb_lower"`
	ATR        float64   `json:"atr"`
	Candles    int       `json:"candles"`
}

// Compute derives a snapshot from the trailing contiguous run of candles
// using DefaultParams.
func Compute(candles []market.Candle, timeframe time.Duration) (Snapshot, error) {
	return DefaultParams.Compute(candles, timeframe)
}

// Compute derives a snapshot from the trailing contiguous run of candles.
// At is the open time of the latest candle.
func (p Params) Compute(candles []market.Candle, timeframe time.Duration) (Snapshot, error) {
	run := Contiguous(candles, timeframe)
	if len(run) < MinHistory {
		return Snapshot{}, fmt.Errorf("compute: %w: %d contiguous of %d candles, need %d",
			ErrInsufficientHistory, len(run), len(candles), MinHistory)
	}

	closes := market.Closes(run)
	rsi, err := RSI(closes, p.RSIPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	macd, err := MACD(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	if err != nil {
		return Snapshot{}, err
	}
	bands, err := Bollinger(closes, p.BBPeriod, p.BBWidth)
	if err != nil {
		return Snapshot{}, err
	}
	atr, err := ATR(run, p.ATRPeriod)
	if err != nil {
		return Snapshot{}, err
	}

	last := run[len(run)-1]
	return Snapshot{
		PairKey:    last.PairKey,
		At:         last.OpenTime,
		Close:      last.Close,
		RSI:        rsi,
		MACDLine:   macd.Line,
		MACDSignal: macd.Signal,
		MACDHist:   macd.Hist,
		BBUpper:    bands.Upper,
		BBMid:      bands.Mid,
		BBLower:    bands.Lower,
		ATR:        atr,
		Candles:    len(run),
	}, nil
}

// Contiguous returns the trailing candles whose open times are exactly one
// timeframe apart.
func Contiguous(candles []market.Candle, timeframe time.Duration) []market.Candle {
	if len(candles) == 0 {
		return nil
	}
	start := len(candles) - 1
	for start > 0 && candles[start].OpenTime.Sub(candles[start-1].OpenTime) == timeframe {
		start--
	}
	return candles[start:]
}
