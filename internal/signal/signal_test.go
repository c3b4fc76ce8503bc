package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"signal-core/internal/indicators"
)

var at = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func bullish() indicators.Snapshot {
	return indicators.Snapshot{
		PairKey:  "USDT/COP",
		At:       at,
		Close:    4050,
		RSI:      68,
		MACDLine: 12,
		MACDHist: 3,
		BBMid:    4020,
		ATR:      8,
	}
}

func TestGenerate(t *testing.T) {
	g := NewGenerator(70, 0.01)

	tests := []struct {
		name       string
		snap       func() indicators.Snapshot
		price      float64
		want       Direction
		confidence float64
		reasons    int
	}{
		{
			name:       "full bullish confluence",
			snap:       bullish,
			price:      4050,
			want:       Buy,
			confidence: 90,
			reasons:    5,
		},
		{
			name: "full bearish confluence",
			snap: func() indicators.Snapshot {
				s := bullish()
				s.RSI, s.MACDLine, s.MACDHist = 32, -12, -3
				return s
			},
			price:      4000,
			want:       Sell,
			confidence: 90,
			reasons:    5,
		},
		{
			name: "high volatility drops below threshold",
			snap: func() indicators.Snapshot {
				s := bullish()
				s.RSI = 55
				s.ATR = 100
				return s
			},
			price:      4050,
			want:       Hold,
			confidence: 65,
			reasons:    4,
		},
		{
			name: "partial confluence holds",
			snap: func() indicators.Snapshot {
				s := bullish()
				s.RSI = 55
				s.BBMid = 5000
				s.MACDHist = 3
				return s
			},
			price:      4050,
			want:       Hold,
			confidence: 60,
			reasons:    4,
		},
		{
			name: "tie holds at zero",
			snap: func() indicators.Snapshot {
				s := bullish()
				s.RSI, s.MACDLine, s.MACDHist = 50, 0, 0
				s.BBMid = 4050
				return s
			},
			price:      4050,
			want:       Hold,
			confidence: 0,
			reasons:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := g.Generate(tt.snap(), tt.price)
			assert.Equal(t, tt.want, sig.Direction)
			assert.Equal(t, tt.confidence, sig.Confidence)
			assert.Len(t, sig.Reasons, tt.reasons)
			assert.Equal(t, at, sig.GeneratedAt)
			assert.Equal(t, "USDT/COP", sig.PairKey)
		})
	}
}

func TestThresholdIsStrict(t *testing.T) {
	snap := bullish()
	snap.RSI = 55 // drops momentum: 30 + 20 + 15 + 10 = 75

	assert.Equal(t, Buy, NewGenerator(74, 0.01).Generate(snap, 4050).Direction)
	assert.Equal(t, Hold, NewGenerator(75, 0.01).Generate(snap, 4050).Direction)
}

func TestGenerateDeterministic(t *testing.T) {
	g := NewGenerator(70, 0.01)
	first := g.Generate(bullish(), 4050)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, g.Generate(bullish(), 4050))
	}
}

func TestReasonsFollowTableOrder(t *testing.T) {
	sig := NewGenerator(70, 0.01).Generate(bullish(), 4050)
	assert.Contains(t, sig.Reasons[0], "MACD histogram")
	assert.Contains(t, sig.Reasons[1], "MACD line")
	assert.Contains(t, sig.Reasons[2], "momentum")
	assert.Contains(t, sig.Reasons[3], "Bollinger")
	assert.Contains(t, sig.Reasons[4], "volatility")
}
