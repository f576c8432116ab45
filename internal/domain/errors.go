package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "place_order")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrInsufficientBalance is returned when a lock or transfer exceeds available funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned when an amount violates step, precision, min or max rules.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrSmallOrderValue is returned when an order notional is below the market minimum.
	ErrSmallOrderValue = errors.New("order value too small")

	// ErrHedgeFailure is returned when external rebalancing could not be placed.
	ErrHedgeFailure = errors.New("hedge failed")

	// ErrAbruptPriceMove is returned when the price moved beyond tolerance between quote and execution.
	ErrAbruptPriceMove = errors.New("abrupt price move")

	// ErrTokenExpired is returned when an instant trade quote is executed after its deadline.
	ErrTokenExpired = errors.New("quote token expired")

	// ErrIntegrity marks a broken ledger invariant. Never retriable.
	ErrIntegrity = errors.New("ledger integrity violation")

	// ErrLockNotAllowed is returned when a (market, reason) pair is not on the lock allow-list.
	ErrLockNotAllowed = errors.New("lock not allowed for wallet market")

	ErrNotFound         = errors.New("not found")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrNoLiquidity      = errors.New("no liquidity")
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrPositionBusy is returned when a position is not in the state an operation requires.
	ErrPositionBusy = errors.New("position busy")

	// ErrCloseUnfilled is returned when a closing order found no liquidity.
	ErrCloseUnfilled = errors.New("close unfilled")

	// ErrInvalidTransfer is returned for a transfer between markets that do not exchange funds directly.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)

// BalanceError describes which wallet could not cover an operation.
type BalanceError struct {
	WalletID  uint64
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: wallet=%d asset=%s required=%s available=%s",
		e.WalletID, e.Asset, e.Required, e.Available)
}

func (e *BalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// IntegrityError reports a programmer error detected inside a pipeline.
type IntegrityError struct {
	Op     string
	Detail string
}

func (e *IntegrityError) Error() string {
	return "ledger integrity violation [" + e.Op + "]: " + e.Detail
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

func (e *IntegrityError) IsRetriable() bool {
	return false
}

// NewIntegrityError formats an IntegrityError.
func NewIntegrityError(op, format string, args ...any) *IntegrityError {
	return &IntegrityError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// CloseUnfilledError is returned when a closing order produced no fill.
// The position is back to OPEN and the next sweep retries.
type CloseUnfilledError struct {
	PositionID uint64
	Reason     string
}

func (e *CloseUnfilledError) Error() string {
	return fmt.Sprintf("position %d close unfilled: %s", e.PositionID, e.Reason)
}

func (e *CloseUnfilledError) IsRetriable() bool {
	return true
}

func (e *CloseUnfilledError) Unwrap() error {
	return ErrCloseUnfilled
}
