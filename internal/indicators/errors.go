// Package indicators holds pure technical-indicator functions over close
// prices and candles.
package indicators

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientHistory is returned when there is too little data for a period.
	ErrInsufficientHistory = errors.New("insufficient history")
	// ErrInvalidPeriod is returned for non-positive periods.
	ErrInvalidPeriod = errors.New("invalid period")
)

func insufficient(name string, need, have int) error {
	return fmt.Errorf("%s: %w: need %d, have %d", name, ErrInsufficientHistory, need, have)
}

func checkPeriod(name string, period int) error {
	if period <= 0 {
		return fmt.Errorf("%s: %w: %d", name, ErrInvalidPeriod, period)
	}
	return nil
}
