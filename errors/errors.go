// Package errors provides the error taxonomy for the event publishing
// subsystem. Every error crossing a package boundary carries a Kind that
// callers use to decide between retrying, surfacing, or giving up.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for handling purposes.
type Kind int

const (
	// KindConfig marks local validation failures. Terminal, never retried.
	KindConfig Kind = iota
	// KindConnection marks broker connectivity failures. Retriable.
	KindConnection
	// KindPublish marks failures of an individual publish attempt,
	// including timeouts. Retriable.
	KindPublish
	// KindAuth marks authentication/authorization failures.
	KindAuth
	// KindPool marks pool-level failures (no healthy connection).
	// Retriable.
	KindPool
	// KindStream marks stream management failures, including durable API
	// calls on a publisher without durable mode.
	KindStream
	// KindNotFound marks registry and lookup misses.
	KindNotFound
	// KindStorage marks durable store (SQL) failures. Retriable.
	KindStorage
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindConnection:
		return "connection"
	case KindPublish:
		return "publish"
	case KindAuth:
		return "auth"
	case KindPool:
		return "pool"
	case KindStream:
		return "stream"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Retriable reports whether errors of this kind may succeed on retry.
func (k Kind) Retriable() bool {
	switch k {
	case KindConnection, KindPublish, KindPool, KindStorage:
		return true
	default:
		return false
	}
}

// Standard error variables for common conditions.
var (
	ErrNotConnected        = errors.New("not connected to NATS")
	ErrNoHealthyConnection = errors.New("no healthy connection in pool")
	ErrConnectionTimeout   = errors.New("connection timeout")
	ErrPublishTimeout      = errors.New("publish timeout")
	ErrStreamNotEnabled    = errors.New("durable stream not enabled")
	ErrPublisherClosed     = errors.New("publisher is closed")
	ErrPublisherNotFound   = errors.New("publisher not found")
	ErrWebhookNotFound     = errors.New("webhook not found")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrAuthFailed          = errors.New("authentication failed")
)

// Error wraps an error with its classification and the component context
// where it occurred.
type Error struct {
	Kind      Kind
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of an error. Unclassified errors that
// look transient (timeouts, connection loss) map to KindConnection so
// callers default to retrying them; everything else maps to KindConfig.
func KindOf(err error) Kind {
	if err == nil {
		return KindConfig
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, ErrStreamNotEnabled) {
		return KindStream
	}
	if errors.Is(err, ErrPublisherNotFound) || errors.Is(err, ErrWebhookNotFound) {
		return KindNotFound
	}
	if errors.Is(err, ErrNoHealthyConnection) {
		return KindPool
	}
	if errors.Is(err, ErrAuthFailed) {
		return KindAuth
	}
	if errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrPublishTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return KindConnection
	}

	// Fall back to message inspection for errors raised inside third-party
	// client libraries.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "unavailable", "temporar"} {
		if strings.Contains(msg, pattern) {
			return KindConnection
		}
	}

	return KindConfig
}

// IsRetriable reports whether the error may succeed on retry.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retriable()
}

// IsNotFound reports whether the error is a lookup miss.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConfig reports whether the error is a terminal configuration error.
func IsConfig(err error) bool {
	return KindOf(err) == KindConfig
}

// wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func wrap(kind Kind, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Err:       fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err),
		Component: component,
		Operation: method,
	}
}

// WrapConfig wraps a validation failure.
func WrapConfig(err error, component, method, action string) error {
	return wrap(KindConfig, err, component, method, action)
}

// WrapConnection wraps a broker connectivity failure.
func WrapConnection(err error, component, method, action string) error {
	return wrap(KindConnection, err, component, method, action)
}

// WrapPublish wraps a publish attempt failure.
func WrapPublish(err error, component, method, action string) error {
	return wrap(KindPublish, err, component, method, action)
}

// WrapAuth wraps an authentication failure.
func WrapAuth(err error, component, method, action string) error {
	return wrap(KindAuth, err, component, method, action)
}

// WrapPool wraps a pool-level failure.
func WrapPool(err error, component, method, action string) error {
	return wrap(KindPool, err, component, method, action)
}

// WrapStream wraps a stream management failure.
func WrapStream(err error, component, method, action string) error {
	return wrap(KindStream, err, component, method, action)
}

// WrapNotFound wraps a lookup miss.
func WrapNotFound(err error, component, method, action string) error {
	return wrap(KindNotFound, err, component, method, action)
}

// WrapStorage wraps a durable store failure.
func WrapStorage(err error, component, method, action string) error {
	return wrap(KindStorage, err, component, method, action)
}
