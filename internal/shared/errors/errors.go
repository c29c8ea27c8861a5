// Package errors defines the node error taxonomy: transient I/O, bind
// failures, handler failures, protocol errors, lookups, retry exhaustion and
// shutdown.
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies a NodeError.
type ErrorType string

const (
	ErrorTypeTransientIO    ErrorType = "transient_io"
	ErrorTypeBindFailed     ErrorType = "bind_failed"
	ErrorTypeHandlerFailure ErrorType = "handler_failure"
	ErrorTypeProtocol       ErrorType = "protocol_error"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRetryExhausted ErrorType = "retry_exhausted"
	ErrorTypeStopped        ErrorType = "stopped"
)

// NodeError carries the taxonomy type plus optional detail and cause.
type NodeError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *NodeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, message string, details []string) *NodeError {
	detail := ""
	if len(details) > 0 {
		detail = details[0]
	}
	return &NodeError{Type: t, Message: message, Details: detail}
}

// NewTransientIOError wraps a socket level failure.
func NewTransientIOError(message string, err error) *NodeError {
	return &NodeError{Type: ErrorTypeTransientIO, Message: message, Err: err}
}

// NewBindError wraps a listener bind/listen failure.
func NewBindError(message string, err error) *NodeError {
	return &NodeError{Type: ErrorTypeBindFailed, Message: message, Err: err}
}

func NewHandlerError(message string, details ...string) *NodeError {
	return newError(ErrorTypeHandlerFailure, message, details)
}

func NewProtocolError(message string, details ...string) *NodeError {
	return newError(ErrorTypeProtocol, message, details)
}

func NewNotFoundError(message string, details ...string) *NodeError {
	return newError(ErrorTypeNotFound, message, details)
}

func NewRetryExhaustedError(message string, details ...string) *NodeError {
	return newError(ErrorTypeRetryExhausted, message, details)
}

func NewStoppedError(message string, details ...string) *NodeError {
	return newError(ErrorTypeStopped, message, details)
}

// IsNodeError reports whether err wraps a NodeError.
func IsNodeError(err error) bool {
	var nodeErr *NodeError
	return errors.As(err, &nodeErr)
}

// GetNodeError extracts the NodeError from err, or nil.
func GetNodeError(err error) *NodeError {
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	return nil
}

func isType(err error, t ErrorType) bool {
	nodeErr := GetNodeError(err)
	return nodeErr != nil && nodeErr.Type == t
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsProtocolError(err error) bool {
	return isType(err, ErrorTypeProtocol)
}

func IsStoppedError(err error) bool {
	return isType(err, ErrorTypeStopped)
}

func IsRetryExhaustedError(err error) bool {
	return isType(err, ErrorTypeRetryExhausted)
}
