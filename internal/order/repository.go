package order

import (
	"context"
	"time"
)

// Repository persists orders. Implementations must make InsertOrder,
// MarkOpen, FailPending and CloseOrder single conditional writes so that several
// workers sharing the store cannot exceed the active cap or close an order
// twice.
type Repository interface {
	// InsertOrder fails with ErrCapacity when maxActive active orders exist.
	InsertOrder(ctx context.Context, o *Order, maxActive int) error
	// MarkOpen promotes a pending order; ErrNotFound if it is no longer pending.
	MarkOpen(ctx context.Context, id, externalRef string, openedAt time.Time) error
	// FailPending stores a failed submission only while the order is still
	// pending: ErrNotFound if it is missing, ErrInvalidOrder if it moved on.
	FailPending(ctx context.Context, o *Order) error
	// CloseOrder stores the closed order unless it is already closed (ErrAlreadyClosed).
	CloseOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context, f ListFilter) ([]*Order, error)
	CountActive(ctx context.Context) (int, error)
}
