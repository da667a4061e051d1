package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound              = errors.New("resource not found")
	ErrUnsupportedLogistics  = errors.New("unsupported logistic type")
	ErrDuplicateNotification = errors.New("duplicate notification")
	ErrQueueFull             = errors.New("notification queue full")
	ErrNoShipment            = errors.New("order has no shipment")
)

// AuthError means the marketplace credentials could not be used or renewed. It is fatal for the
// current operation.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("marketplace auth failed (%s): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("marketplace auth failed (%s)", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HttpError is a non-2xx marketplace response
type HttpError struct {
	Status int
	Body   string
	Method string
	Path   string
}

func (e *HttpError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("marketplace %s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// Is lets a 404 match ErrNotFound
func (e *HttpError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Retryable reports whether an idempotent read may be retried
func (e *HttpError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// NotFoundError names the upstream resource that vanished
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError is a malformed inbound payload
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsAuthError reports whether err is or wraps an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether a marketplace read failure is transient
func IsRetryable(err error) bool {
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return false
}
