// Package core holds the shared error taxonomy for the trading core.
package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests rejected before any work begins.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups of unknown strategies or backtest runs.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientData marks backtest runs with too little history.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrExchange marks upstream exchange calls that failed after retries.
	ErrExchange = errors.New("exchange error")
	// ErrRiskRejected marks signals dropped by the sizing boundary.
	ErrRiskRejected = errors.New("risk rejected")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// InsufficientDataf wraps ErrInsufficientData with a formatted message.
func InsufficientDataf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInsufficientData}, args...)...)
}

// Exchangef wraps ErrExchange with a formatted message.
func Exchangef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrExchange}, args...)...)
}

// RiskRejectedf wraps ErrRiskRejected with a formatted message.
func RiskRejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRiskRejected}, args...)...)
}
