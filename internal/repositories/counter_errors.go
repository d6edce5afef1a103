package repositories

import (
	"errors"
	"fmt"
)

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	// CounterErrorInvalidInput indicates the caller supplied invalid arguments.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorExhausted indicates the counter reached its configured ceiling.
	CounterErrorExhausted CounterErrorCode = "counter_exhausted"
)

// CounterError wraps counter-specific failures with machine readable codes.
type CounterError struct {
	CounterID string
	Code      CounterErrorCode
	Message   string
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.CounterID != "" {
		return fmt.Sprintf("counter %s: %s", e.CounterID, e.Message)
	}
	return e.Message
}

// NewCounterError constructs a typed counter error.
func NewCounterError(counterID string, code CounterErrorCode, message string) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{CounterID: counterID, Code: code, Message: message}
}

// IsCounterExhausted reports whether err signals a counter past its ceiling.
func IsCounterExhausted(err error) bool {
	var counterErr *CounterError
	return errors.As(err, &counterErr) && counterErr.Code == CounterErrorExhausted
}
