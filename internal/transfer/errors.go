// SPDX-License-Identifier: MIT
package transfer

import (
	"fmt"
	"time"
)

// ErrorCode classifies processing errors crossing the context boundary.
type ErrorCode int

const (
	CodeInvalidConfiguration ErrorCode = iota
	CodeBufferOverflow
	CodeMemoryAllocationFailed
	CodeProcessingFailed
)

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidConfiguration:
		return "invalid_configuration"
	case CodeBufferOverflow:
		return "buffer_overflow"
	case CodeMemoryAllocationFailed:
		return "memory_allocation_failed"
	case CodeProcessingFailed:
		return "processing_failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so codes serialize by
// name in JSON payloads.
func (c ErrorCode) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ErrorContext carries the optional diagnostic detail attached to a
// ProcessingError: where it happened, what the component was doing,
// and a snapshot of relevant state.
type ErrorContext struct {
	Location  string         `json:"location,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProcessingError is the structured error surfaced from the audio side
// to the consumer. Unlike pool exhaustion, which is expected
// back-pressure, a ProcessingError indicates a programming or
// environment defect and is never silently dropped.
type ProcessingError struct {
	Code    ErrorCode     `json:"code"`
	Message string        `json:"message"`
	Context *ErrorContext `json:"context,omitempty"`
}

var _ error = (*ProcessingError)(nil)

// NewProcessingError builds an error with the given code and message.
func NewProcessingError(code ErrorCode, format string, args ...any) *ProcessingError {
	return &ProcessingError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithContext attaches diagnostic context and stamps it, returning the
// error for chaining.
func (e *ProcessingError) WithContext(location, detail string, state map[string]any) *ProcessingError {
	e.Context = &ErrorContext{
		Location:  location,
		Detail:    detail,
		State:     state,
		Timestamp: time.Now(),
	}
	return e
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Context != nil && e.Context.Location != "" {
		return fmt.Sprintf("%s: %s (at %s)", e.Code, e.Message, e.Context.Location)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
