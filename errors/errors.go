// Package errors provides standardized error handling for Qollective transports and the agent
// registry. It combines a three-way retry classification (transient, invalid, fatal) with a
// kind taxonomy so that callers can branch on what failed without matching strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind identifies what failed. Transports surface the most specific kind they can.
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	KindConfig
	KindTLS
	KindTransport
	KindTimeout
	KindNoResponders
	KindConnectionClosed
	KindValidation
	KindProtocol
	KindSerialization
	KindDeserialization
	KindNotFound
	KindCapacity
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindTLS:              "tls",
	KindTransport:        "transport",
	KindTimeout:          "timeout",
	KindNoResponders:     "no_responders",
	KindConnectionClosed: "connection_closed",
	KindValidation:       "validation",
	KindProtocol:         "protocol",
	KindSerialization:    "serialization",
	KindDeserialization:  "deserialization",
	KindNotFound:         "not_found",
	KindCapacity:         "capacity",
	KindCancelled:        "cancelled",
}

// String returns the snake_case name of the kind, used as a metric label.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind returns the kind with the given snake_case name, or KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Class maps a kind onto the retry classification.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindTransport, KindTimeout, KindNoResponders, KindConnectionClosed:
		return ErrorTransient
	case KindConfig, KindTLS:
		return ErrorFatal
	default:
		return ErrorInvalid
	}
}

// Error is a kinded error. Op names the operation in "component.method" form.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Message == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// Kind sentinels for errors.Is checks
var (
	ErrConfig           = &Error{Kind: KindConfig}
	ErrTLS              = &Error{Kind: KindTLS}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNoResponders     = &Error{Kind: KindNoResponders}
	ErrConnectionClosed = &Error{Kind: KindConnectionClosed}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrSerialization    = &Error{Kind: KindSerialization}
	ErrDeserialization  = &Error{Kind: KindDeserialization}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrCapacity         = &Error{Kind: KindCapacity}
	ErrCancelled        = &Error{Kind: KindCancelled}
)

// Standard error variables for common conditions
var (
	ErrAlreadyStarted = errors.New("already started")

	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	ErrInvalidData    = errors.New("invalid data format")
	ErrParsingFailed  = errors.New("parsing failed")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrClientNotReady = errors.New("client not available")

	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

// New creates a kinded error with a message and no cause.
func New(kind Kind, op, message string) error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates a kinded error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WithKind wraps err with a kind. A nil err yields nil. If err already carries a kind it is
// returned unchanged so the most specific kind survives re-wrapping.
func WithKind(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind carried by err. Context errors map onto Timeout and Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// FromContext converts a finished context into a Timeout or Cancelled error.
func FromContext(ctx context.Context, op string) error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	default:
		return &Error{Kind: KindCancelled, Op: op, Err: ctx.Err()}
	}
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.Class() == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.Class() == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrResourceExhausted)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind.Class() == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) || errors.Is(err, ErrParsingFailed)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Unknown errors default to transient so callers may retry
	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is, As and Join re-export the standard library helpers so callers need a single import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
