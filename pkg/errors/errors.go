// Package errors provides structured infrastructure errors for gompcore.
// Share rejections are not ServiceErrors; see the engine's ShareError.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType is the subsystem an error came from.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	// ErrorTypeBitcoin covers bitcoind RPC failures.
	ErrorTypeBitcoin ErrorType = "bitcoin"
	ErrorTypeKafka   ErrorType = "kafka"
	// ErrorTypeTemplate covers block template fetch and decode failures.
	ErrorTypeTemplate ErrorType = "template"
	// ErrorTypeStratum covers miner connection failures.
	ErrorTypeStratum  ErrorType = "stratum"
	ErrorTypeTimeout  ErrorType = "timeout"
	ErrorTypeInternal ErrorType = "internal"
)

// retryableTypes are retried when an error is created without a cause.
var retryableTypes = map[ErrorType]bool{
	ErrorTypeNetwork:  true,
	ErrorTypeTimeout:  true,
	ErrorTypeKafka:    true,
	ErrorTypeTemplate: true,
}

// transientMessages match driver errors that do not expose a typed cause.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
}

// ServiceError is an infrastructure failure with the operation that failed
// and enough context to log it.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error renders as "<type> <operation>: <message>[: <cause>]".
func (e *ServiceError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", e.Type, e.Operation, e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the operation may succeed if repeated.
func (e *ServiceError) IsRetryable() bool { return e.Retryable }

// WithContext adds a key to the error's context and returns e.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

func newError(typ ErrorType, op, msg string, cause error, retryable bool) *ServiceError {
	return &ServiceError{
		Type:      typ,
		Operation: op,
		Message:   msg,
		Cause:     cause,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// New creates an error without a cause. Retryability follows the type.
func New(typ ErrorType, op, msg string) *ServiceError {
	return newError(typ, op, msg, nil, retryableTypes[typ])
}

// Wrap wraps err. Retryability is inherited from a wrapped ServiceError and
// otherwise derived from the cause itself, not from typ. Wrap(nil) returns
// nil.
func Wrap(err error, typ ErrorType, op, msg string) *ServiceError {
	if err == nil {
		return nil
	}
	return newError(typ, op, msg, err, IsRetryable(err))
}

// Permanent wraps err so that retry loops give up on it immediately.
func Permanent(err error, typ ErrorType, op, msg string) *ServiceError {
	if err == nil {
		return nil
	}
	return newError(typ, op, msg, err, false)
}

// isRetryableByDefault classifies errors that carry no retry decision.
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func as(err error) (*ServiceError, bool) {
	var se *ServiceError
	ok := errors.As(err, &se)
	return se, ok
}

// IsType reports whether err is a ServiceError of typ.
func IsType(err error, typ ErrorType) bool {
	se, ok := as(err)
	return ok && se.Type == typ
}

// IsRetryable reports whether err may succeed if the operation is repeated.
// The outermost ServiceError decides; other errors are classified by cause.
func IsRetryable(err error) bool {
	if se, ok := as(err); ok {
		return se.Retryable
	}
	return isRetryableByDefault(err)
}

// GetContext returns the context of the outermost ServiceError in err.
func GetContext(err error) map[string]any {
	if se, ok := as(err); ok {
		return se.Context
	}
	return nil
}
