package marketplace

import (
	"errors"
	"fmt"
	"time"
)

// Base error classes for emission failures.
var (
	ErrInvalidEvent   = errors.New("invalid usage event")
	ErrStaleEvent     = errors.New("usage event older than 24 hours")
	ErrAuthentication = errors.New("authentication failed")
	ErrRateLimited    = errors.New("rate limited")
	ErrServer         = errors.New("server error")
	ErrPermanent      = errors.New("permanently rejected")
)

// ErrorClass categorizes an emission failure for retry decisions.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassAuth       ErrorClass = "auth"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassServer     ErrorClass = "server"
	ClassNetwork    ErrorClass = "network"
	ClassPermanent  ErrorClass = "permanent"
)

// APIError is a structured error for metering API operations.
type APIError struct {
	Class      ErrorClass
	Op         string // operation that failed (e.g. "emit_usage", "get_token")
	StatusCode int    // HTTP status code if applicable
	Err        error  // underlying error
	Timestamp  time.Time
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is maps error classes onto the package sentinels so callers can use
// errors.Is without digging into status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInvalidEvent:
		return e.Class == ClassValidation
	case ErrAuthentication:
		return e.Class == ClassAuth
	case ErrRateLimited:
		return e.Class == ClassRateLimit
	case ErrServer:
		return e.Class == ClassServer || e.Class == ClassNetwork
	case ErrPermanent:
		return e.Class == ClassPermanent
	}
	return errors.Is(e.Err, target)
}

func newAPIError(class ErrorClass, op string, status int, err error) *APIError {
	return &APIError{
		Class:      class,
		Op:         op,
		StatusCode: status,
		Err:        err,
		Timestamp:  time.Now(),
		Retryable:  classRetryable(class),
	}
}

func classRetryable(class ErrorClass) bool {
	switch class {
	case ClassAuth, ClassRateLimit, ClassServer, ClassNetwork:
		return true
	default:
		return false
	}
}

// classifyStatus maps a metering API status code to an error class.
// 409 is not an error and is handled before classification.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 400:
		return ClassPermanent
	case status == 401:
		return ClassAuth
	case status == 403:
		return ClassPermanent
	case status == 429:
		return ClassRateLimit
	case status >= 500:
		return ClassServer
	default:
		return ClassPermanent
	}
}

// IsRetryable reports whether an emission error is worth retrying, either
// within the attempt loop or on a later scheduler cycle.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

// IsPermanent reports whether an error will never succeed through retry
// (validation failures, stale events, 400/403 rejections).
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrPermanent) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable
	}
	return false
}
