package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Quote is one price observation for a pair.
type Quote struct {
	PairKey   string    `json:"pair_key"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Mid       float64   `json:"mid"`
	Timestamp time.Time `json:"timestamp"`
}

// Source fetches the latest quote of a pair.
type Source interface {
	FetchPrice(ctx context.Context, pair string) (Quote, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, pair string) (Quote, error)

// FetchPrice implements Source.
func (f SourceFunc) FetchPrice(ctx context.Context, pair string) (Quote, error) {
	return f(ctx, pair)
}

// ErrorKind classifies price source failures.
type ErrorKind int

const (
	KindUnavailable ErrorKind = iota
	KindRateLimited
	KindMalformed
)

var (
	ErrRateLimited = errors.New("price source rate limited")
	ErrUnavailable = errors.New("price source unavailable")
	ErrMalformed   = errors.New("price source returned malformed data")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindMalformed:
		return ErrMalformed
	default:
		return ErrUnavailable
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	default:
		return "unavailable"
	}
}

// SourceError is returned by every Source implementation. It matches the
// sentinel of its Kind with errors.Is and unwraps to the cause.
type SourceError struct {
	Kind       ErrorKind
	Pair       string
	Err        error
	RetryAfter time.Duration
}

func (e *SourceError) Error() string {
	msg := fmt.Sprintf("%s (%s)", e.Kind.sentinel(), e.Pair)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	return msg
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func sourceErr(kind ErrorKind, pair string, err error) *SourceError {
	return &SourceError{Kind: kind, Pair: pair, Err: err}
}
