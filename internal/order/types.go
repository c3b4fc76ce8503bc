// Package order owns the order lifecycle: sizing, creation, monitoring
// against prices and closure with P&L.
package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/risk"
	"signal-core/internal/signal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPendingSubmission Status = "PENDING_SUBMISSION"
	StatusOpen              Status = "OPEN"
	StatusClosed            Status = "CLOSED"
)

// Active reports whether the order counts against the concurrent limit.
func (s Status) Active() bool {
	return s == StatusPendingSubmission || s == StatusOpen
}

// Outcome is how a closed order ended.
type Outcome string

const (
	OutcomeNone             Outcome = ""
	OutcomeWin              Outcome = "WIN"
	OutcomeLoss             Outcome = "LOSS"
	OutcomeTimeout          Outcome = "TIMEOUT"
	OutcomeCancelled        Outcome = "CANCELLED"
	OutcomeSubmissionFailed Outcome = "SUBMISSION_FAILED"
)

// Order is a virtual or real position opened from a proposal.
type Order struct {
	ID            string           `json:"id"`
	PairKey       string           `json:"pair_key"`
	Direction     signal.Direction `json:"direction"`
	EntryPrice    float64          `json:"entry_price"`
	StopLoss      float64          `json:"stop_loss"`
	TakeProfit    float64          `json:"take_profit"`
	Size          float64          `json:"size"`
	RiskAmount    float64          `json:"risk_amount"`
	UnitValue     float64          `json:"unit_value"`
	PipSize       float64          `json:"pip_size"`
	Status        Status           `json:"status"`
	Outcome       Outcome          `json:"outcome,omitempty"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      time.Time        `json:"closed_at,omitempty"`
	ExitPrice     float64          `json:"exit_price,omitempty"`
	ResultUnits   float64          `json:"result_units"`
	ResultValue   float64          `json:"result_value"`
	IsReal        bool             `json:"is_real"`
	ExternalRef   string           `json:"external_ref,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// NewOrder builds an order from an admitted proposal. Real orders start
// pending submission; virtual ones open immediately.
func NewOrder(p risk.Proposal, now time.Time) (*Order, error) {
	if err := checkGeometry(p.Direction, p.EntryPrice, p.StopLoss, p.TakeProfit); err != nil {
		return nil, err
	}
	if p.RiskAmount <= 0 {
		return nil, fmt.Errorf("%w: risk amount %v", ErrInvalidOrder, p.RiskAmount)
	}
	if p.UnitValue <= 0 || p.PipSize <= 0 {
		return nil, fmt.Errorf("%w: unit value %v, pip size %v", ErrInvalidOrder, p.UnitValue, p.PipSize)
	}

	size, err := PositionSize(p.RiskAmount, p.EntryPrice, p.StopLoss, p.PipSize, p.UnitValue)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	o := &Order{
		ID:         uuid.NewString(),
		PairKey:    p.PairKey,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Size:       size,
		RiskAmount: p.RiskAmount,
		UnitValue:  p.UnitValue,
		PipSize:    p.PipSize,
		Status:     StatusOpen,
		OpenedAt:   now,
		IsReal:     p.IsReal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.IsReal {
		o.Status = StatusPendingSubmission
	}
	return o, nil
}

func checkGeometry(dir signal.Direction, entry, sl, tp float64) error {
	if entry <= 0 {
		return fmt.Errorf("%w: entry price %v", ErrInvalidOrder, entry)
	}
	switch dir {
	case signal.Buy:
		if !(sl < entry && entry < tp) {
			return fmt.Errorf("%w: BUY needs stop %v < entry %v < target %v", ErrInvalidOrder, sl, entry, tp)
		}
	case signal.Sell:
		if !(tp < entry && entry < sl) {
			return fmt.Errorf("%w: SELL needs target %v < entry %v < stop %v", ErrInvalidOrder, tp, entry, sl)
		}
	default:
		return fmt.Errorf("%w: direction %q", ErrInvalidOrder, dir)
	}
	return nil
}

// ListFilter narrows ListOrders. Zero values match everything.
type ListFilter struct {
	Statuses []Status
	PairKey  string
	Limit    int
}
