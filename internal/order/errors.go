package order

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyClosed = errors.New("order already closed")
	ErrCapacity      = errors.New("active order capacity reached")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrNotFound      = errors.New("order not found")
)

// SubmissionError reports a failed real-order submission. Ambiguous
// failures leave the order pending for reconciliation.
type SubmissionError struct {
	OrderID   string
	Ambiguous bool
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "rejected"
	if e.Ambiguous {
		kind = "unconfirmed"
	}
	return fmt.Sprintf("order %s submission %s: %v", e.OrderID, kind, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// CancellationError reports that the venue did not confirm closing a real
// order; the order stays open.
type CancellationError struct {
	OrderID string
	Err     error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("order %s cancellation failed: %v", e.OrderID, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }
