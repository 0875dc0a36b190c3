// Package errors provides the pipeline's error taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Data errors. Recovered locally by dropping or flagging.
var (
	ErrOutOfOrderData = errors.New("out of order data")
	ErrDuplicateData  = errors.New("duplicate data")
	ErrDataGap        = errors.New("data gap")
	ErrInvalidRecord  = errors.New("invalid market data record")
)

// Order and execution errors.
var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicateFill     = errors.New("duplicate fill")
	ErrOverfill          = errors.New("fill exceeds remaining quantity")
	ErrTimedOut          = errors.New("acknowledgement timed out")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrOrderRejected     = errors.New("order rejected")
	ErrRateLimited       = errors.New("rate limited")
)

// Pipeline errors.
var (
	ErrStrategySuspended  = errors.New("strategy suspended")
	ErrDuplicateStrategy  = errors.New("strategy already registered")
	ErrUnknownStrategy    = errors.New("unknown strategy")
	ErrInstrumentHalted   = errors.New("instrument halted")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrNotFound           = errors.New("not found")
)

// DataError represents a market data problem for one instrument.
type DataError struct {
	Instrument string
	Message    string
	Err        error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s]: %s: %v", e.Instrument, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s]: %s", e.Instrument, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(instrument, message string, err error) *DataError {
	return &DataError{
		Instrument: instrument,
		Message:    message,
		Err:        err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID    string
	Instrument string
	Action     string
	Reason     string
	Err        error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Instrument, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Instrument, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, instrument, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID:    orderID,
		Instrument: instrument,
		Action:     action,
		Reason:     reason,
		Err:        err,
	}
}

// BrokerError represents an error from the broker collaborator.
type BrokerError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, retryable bool, err error) *BrokerError {
	return &BrokerError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Err:       err,
	}
}

// StrategyError wraps a failure raised inside a strategy callback.
type StrategyError struct {
	StrategyID string
	Callback   string
	Panic      bool
	Err        error
}

func (e *StrategyError) Error() string {
	kind := "error"
	if e.Panic {
		kind = "panic"
	}
	return fmt.Sprintf("strategy %s [%s] in %s: %v", kind, e.StrategyID, e.Callback, e.Err)
}

// Unwrap exposes both the cause and ErrStrategySuspended, since a strategy
// error always suspends the strategy.
func (e *StrategyError) Unwrap() []error {
	return []error{e.Err, ErrStrategySuspended}
}

// NewStrategyError creates a new StrategyError.
func NewStrategyError(strategyID, callback string, panicked bool, err error) *StrategyError {
	return &StrategyError{
		StrategyID: strategyID,
		Callback:   callback,
		Panic:      panicked,
		Err:        err,
	}
}

// InvariantError reports a broken portfolio or order invariant. It always
// unwraps to ErrInvariantViolation.
type InvariantError struct {
	Instrument string
	Invariant  string
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation [%s] %s: %s", e.Instrument, e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// NewInvariantError creates a new InvariantError.
func NewInvariantError(instrument, invariant, detail string) *InvariantError {
	return &InvariantError{
		Instrument: instrument,
		Invariant:  invariant,
		Detail:     detail,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// IsRetryable reports whether err is worth one more attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return errors.Is(err, ErrTimedOut) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBrokerUnavailable)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
