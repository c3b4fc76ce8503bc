package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"signal-core/internal/signal"
)

var (
	// ErrRejected means the venue definitively refused the order.
	ErrRejected = errors.New("rejected by venue")
	// ErrNotSent means the request never left the process.
	ErrNotSent = errors.New("request not sent")
	// ErrVenueOrderNotFound means the venue has no order for the client id.
	ErrVenueOrderNotFound = errors.New("order not found at venue")
)

// IsDefinitive reports whether a submission error proves the venue does
// not hold the order. Anything else is ambiguous.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrNotSent)
}

// SubmitRequest is sent to the venue. ClientID is the order id and makes
// submission idempotent.
type SubmitRequest struct {
	ClientID   string           `json:"client_id"`
	PairKey    string           `json:"pair"`
	Direction  signal.Direction `json:"side"`
	Size       float64          `json:"size"`
	EntryPrice float64          `json:"price"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
}

// SubmitAck is the venue acknowledgement.
type SubmitAck struct {
	ExternalRef string    `json:"order_id"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// VenueOrder is the venue's view of an order.
type VenueOrder struct {
	ExternalRef string `json:"order_id"`
	ClientID    string `json:"client_id"`
	Status      string `json:"status"`
}

// Live reports whether the venue holds the order as a working or filled position.
func (v VenueOrder) Live() bool {
	switch strings.ToUpper(v.Status) {
	case "NEW", "OPEN", "PARTIALLY_FILLED", "FILLED":
		return true
	}
	return false
}

// Dead reports whether the venue refused or already ended the order.
func (v VenueOrder) Dead() bool {
	switch strings.ToUpper(v.Status) {
	case "REJECTED", "CANCELED", "CANCELLED", "EXPIRED", "CLOSED":
		return true
	}
	return false
}

// Gateway executes real orders.
type Gateway interface {
	SubmitOrder(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	CancelOrder(ctx context.Context, externalRef string) error
	LookupOrder(ctx context.Context, clientID string) (VenueOrder, error)
}

func submitRequest(o *Order) SubmitRequest {
	return SubmitRequest{
		ClientID:   o.ID,
		PairKey:    o.PairKey,
		Direction:  o.Direction,
		Size:       o.Size,
		EntryPrice: o.EntryPrice,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
	}
}
