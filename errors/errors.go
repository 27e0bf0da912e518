// Package errors provides the error classification and error kinds used across
// the Reef packages. Every error surfaced by the bus wraps one of the sentinel
// values below so callers can branch with errors.Is and retry decisions can be
// made from the error class.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/reef/pkg/retry"
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

// Kind names the conditions a bus operation can report.
type Kind string

// Error kinds.
const (
	KindUnknown              Kind = "unknown"
	KindInvalidArgument      Kind = "invalid-argument"
	KindUnknownChannel       Kind = "unknown-channel"
	KindUnknownRecipient     Kind = "unknown-recipient"
	KindMissingRecipientKeys Kind = "missing-recipient-keys"
	KindNotConnected         Kind = "not-connected"
	KindConnectionFailure    Kind = "connection-failure"
	KindPublishFailure       Kind = "publish-failure"
	KindIntegrityFailure     Kind = "integrity-failure"
	KindDecodeFailure        Kind = "decode-failure"
	KindHandlerFailure       Kind = "handler-failure"
)

// Reef error kinds
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrUnknownChannel       = errors.New("unknown channel")
	ErrUnknownRecipient     = errors.New("unknown recipient")
	ErrMissingRecipientKeys = errors.New("missing recipient keys")
	ErrNotConnected         = errors.New("not connected")
	ErrConnectionFailure    = errors.New("connection failure")
	ErrPublishFailure       = errors.New("publish failure")
	ErrIntegrityFailure     = errors.New("integrity failure")
	ErrDecodeFailure        = errors.New("decode failure")
	ErrHandlerFailure       = errors.New("handler failure")
)

// Lifecycle and configuration errors
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindInvalidArgument, ErrInvalidArgument},
	{KindUnknownChannel, ErrUnknownChannel},
	{KindUnknownRecipient, ErrUnknownRecipient},
	{KindMissingRecipientKeys, ErrMissingRecipientKeys},
	{KindNotConnected, ErrNotConnected},
	{KindConnectionFailure, ErrConnectionFailure},
	{KindPublishFailure, ErrPublishFailure},
	{KindIntegrityFailure, ErrIntegrityFailure},
	{KindDecodeFailure, ErrDecodeFailure},
	{KindHandlerFailure, ErrHandlerFailure},
}

// KindOf reports the bus error kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return KindUnknown
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

	switch KindOf(err) {
	case KindConnectionFailure, KindPublishFailure, KindNotConnected:
		return true
	case KindUnknown:
	default:
		return false
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
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

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
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

	switch KindOf(err) {
	case KindInvalidArgument, KindUnknownChannel, KindUnknownRecipient,
		KindMissingRecipientKeys, KindIntegrityFailure, KindDecodeFailure:
		return true
	}
	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Unknown errors default to transient so they may be retried
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

// Invalidf builds an invalid-argument error with a formatted detail.
func Invalidf(component, method, format string, args ...any) error {
	detail := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
	return WrapInvalid(detail, component, method, "argument check")
}

// Kindf builds an error of the given sentinel with a formatted detail,
// classified the way Classify would classify the sentinel.
func Kindf(sentinel error, component, method, format string, args ...any) error {
	detail := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
	class := Classify(sentinel)
	wrapped := Wrap(detail, component, method, string(KindOf(sentinel)))
	return newClassified(class, wrapped, component, method, wrapped.Error())
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableErrors []error
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	if !IsTransient(err) {
		return false
	}
	if len(rc.RetryableErrors) > 0 {
		for _, retryableErr := range rc.RetryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}
	return true
}

// ToRetryConfig converts to the retry package Config. MaxRetries counts
// attempts beyond the first, so the total is MaxRetries+1.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
