// Package signal scores indicator snapshots into BUY, SELL or HOLD signals.
package signal

import (
	"fmt"
	"time"

	"signal-core/internal/indicators"
)

// Direction is the action a signal recommends.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Signal is a decision emitted for a pair.
type Signal struct {
	PairKey     string    `json:"pair_key"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	Reasons     []string  `json:"reasons"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Actionable reports whether the signal asks for an order.
func (s Signal) Actionable() bool {
	return s.Direction == Buy || s.Direction == Sell
}

// Weights of each confluence condition.
type Weights struct {
	Agreement   float64 // RSI and MACD histogram agree
	MACDTrend   float64 // MACD line on the trend side of zero
	RSIMomentum float64 // RSI >= 60 or <= 40
	PriceVsMid  float64 // price on the trend side of the Bollinger mid
	Volatility  float64 // ATR/price below the normal band, added to the winner
}

// DefaultWeights sum to 90 for a full single-sided confluence.
var DefaultWeights = Weights{
	Agreement:   30,
	MACDTrend:   20,
	RSIMomentum: 15,
	PriceVsMid:  15,
	Volatility:  10,
}

// Generator scores snapshots. It holds no state and reads no clock.
type Generator struct {
	Weights          Weights
	Threshold        float64
	NormalVolatility float64
}

// NewGenerator uses DefaultWeights.
func NewGenerator(threshold, normalVolatility float64) *Generator {
	return &Generator{
		Weights:          DefaultWeights,
		Threshold:        threshold,
		NormalVolatility: normalVolatility,
	}
}

type side struct {
	score   float64
	reasons []string
}

func (s *side) add(ok bool, weight float64, format string, args ...any) {
	if !ok {
		return
	}
	s.score += weight
	s.reasons = append(s.reasons, fmt.Sprintf(format, args...))
}

// Generate scores snap at the current price. The winning side must score
// strictly above the threshold to produce BUY or SELL.
func (g *Generator) Generate(snap indicators.Snapshot, price float64) Signal {
	w := g.Weights
	var bull, bear side

	bull.add(snap.RSI > 50 && snap.MACDHist > 0, w.Agreement,
		"RSI %.1f above 50 with positive MACD histogram", snap.RSI)
	bear.add(snap.RSI < 50 && snap.MACDHist < 0, w.Agreement,
		"RSI %.1f below 50 with negative MACD histogram", snap.RSI)

	bull.add(snap.MACDLine > 0, w.MACDTrend, "MACD line %.4f above zero", snap.MACDLine)
	bear.add(snap.MACDLine < 0, w.MACDTrend, "MACD line %.4f below zero", snap.MACDLine)

	bull.add(snap.RSI >= 60, w.RSIMomentum, "RSI %.1f shows bullish momentum", snap.RSI)
	bear.add(snap.RSI <= 40, w.RSIMomentum, "RSI %.1f shows bearish momentum", snap.RSI)

	bull.add(price > snap.BBMid, w.PriceVsMid, "price %.4f above Bollinger mid %.4f", price, snap.BBMid)
	bear.add(price < snap.BBMid, w.PriceVsMid, "price %.4f below Bollinger mid %.4f", price, snap.BBMid)

	sig := Signal{
		PairKey:     snap.PairKey,
		Direction:   Hold,
		GeneratedAt: snap.At,
	}

	var (
		winner *side
		dir    Direction
	)
	switch {
	case bull.score > bear.score:
		winner, dir = &bull, Buy
	case bear.score > bull.score:
		winner, dir = &bear, Sell
	default:
		sig.Reasons = []string{"bullish and bearish scores tied"}
		return sig
	}

	if price > 0 && snap.ATR/price < g.NormalVolatility {
		winner.add(true, w.Volatility, "volatility normal (ATR %.2f%% of price)", snap.ATR/price*100)
	}

	sig.Confidence = clamp(winner.score, 0, 100)
	sig.Reasons = winner.reasons
	if sig.Confidence > g.Threshold {
		sig.Direction = dir
	} else {
		sig.Reasons = append(sig.Reasons, fmt.Sprintf("confidence %.0f not above threshold %.0f", sig.Confidence, g.Threshold))
	}
	return sig
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
