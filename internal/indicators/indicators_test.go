package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-core/internal/market"
)

func TestSMA(t *testing.T) {
	v, err := SMA([]float64{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	_, err = SMA([]float64{1}, 2)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
	_, err = SMA([]float64{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestEMASeededWithFirstValue(t *testing.T) {
	out, err := EMA([]float64{1, 2, 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.5, 2.25}, out)

	_, err = EMA([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		period int
		want   float64
	}{
		{"only gains", []float64{1, 2, 3, 4, 5}, 3, 100},
		{"flat", []float64{5, 5, 5, 5}, 3, 50},
		{"wilder smoothing", []float64{1, 2, 1, 2}, 2, 75},
		{"only losses", []float64{5, 4, 3, 2}, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RSI(tt.values, tt.period)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := RSI([]float64{1, 2, 3}, 3)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestMACD(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 4000
	}
	res, err := MACD(flat, 12, 26, 9)
	require.NoError(t, err)
	assert.Equal(t, MACDResult{}, res)

	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	res, err = MACD(rising, 12, 26, 9)
	require.NoError(t, err)
	assert.Positive(t, res.Line, "fast EMA leads in an uptrend")
	assert.InDelta(t, res.Line-res.Signal, res.Hist, 1e-12)

	_, err = MACD(rising[:25], 12, 26, 9)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestBollinger(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = float64(i + 1)
	}
	b, err := Bollinger(values, 20, 2)
	require.NoError(t, err)
	sd := math.Sqrt(33.25)
	assert.InDelta(t, 10.5, b.Mid, 1e-9)
	assert.InDelta(t, 10.5+2*sd, b.Upper, 1e-9)
	assert.InDelta(t, 10.5-2*sd, b.Lower, 1e-9)
}

func TestATR(t *testing.T) {
	candles := []market.Candle{
		{Close: 10},
		{High: 12, Low: 9, Close: 11},
		{High: 11, Low: 10, Close: 10.5},
		{High: 15, Low: 11, Close: 14},
	}
	atr, err := ATR(candles, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.25, atr, 1e-9)

	_, err = ATR(candles[:2], 2)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func series(n int, start time.Time, step time.Duration) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		c := 4000 + float64(i)
		out[i] = market.Candle{
			PairKey:   "USDT/COP",
			Timeframe: time.Minute,
			OpenTime:  start.Add(time.Duration(i) * step),
			Open:      c - 0.5,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
		}
	}
	return out
}

func TestCompute(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("enough history", func(t *testing.T) {
		candles := series(30, start, time.Minute)
		snap, err := Compute(candles, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "USDT/COP", snap.PairKey)
		assert.Equal(t, candles[29].OpenTime, snap.At)
		assert.Equal(t, 4029.0, snap.Close)
		assert.Equal(t, 30, snap.Candles)
		assert.Equal(t, 100.0, snap.RSI)
		assert.Positive(t, snap.MACDLine)
		assert.Greater(t, snap.BBUpper, snap.BBMid)
		assert.InDelta(t, 2, snap.ATR, 1e-9)
	})

	t.Run("exactly minimum", func(t *testing.T) {
		_, err := Compute(series(MinHistory, start, time.Minute), time.Minute)
		assert.NoError(t, err)
		_, err = Compute(series(MinHistory-1, start, time.Minute), time.Minute)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
	})

	t.Run("gap breaks the run", func(t *testing.T) {
		candles := series(40, start, time.Minute)
		for i := 20; i < len(candles); i++ {
			candles[i].OpenTime = candles[i].OpenTime.Add(5 * time.Minute)
		}
		_, err := Compute(candles, time.Minute)
		require.True(t, errors.Is(err, ErrInsufficientHistory))
		assert.Len(t, Contiguous(candles, time.Minute), 20)
	})
}
