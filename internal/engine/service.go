// Package engine provides a unified interface for the signal core.
// The API layer reads state and issues commands only through Service.
package engine

import (
	"context"
	"errors"

	"signal-core/internal/order"
	"signal-core/internal/persistence"
	"signal-core/internal/signal"
)

// ErrNoPrice is returned when an order is closed without a price and the
// pair has no buffered price yet.
var ErrNoPrice = errors.New("no price available for pair")

// Service defines the operations exposed to the API layer.
type Service interface {
	// Order queries
	ListOrders(ctx context.Context, f order.ListFilter) ([]*order.Order, error)
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	OrderEvents(ctx context.Context, id string, limit int) ([]persistence.JournalEntry, error)

	// Order commands. A non-positive price closes at the latest buffered price.
	CloseOrder(ctx context.Context, id string, price float64) (*order.Order, error)

	// Signals and account
	Signals(ctx context.Context) []signal.Signal
	Capital(ctx context.Context) CapitalInfo
	RateLimit(ctx context.Context) (*RateLimitInfo, error)

	// System
	Metrics(ctx context.Context) MetricsInfo
	SystemStatus(ctx context.Context) *SystemStatus
}
