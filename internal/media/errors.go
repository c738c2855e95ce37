package media

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by every error that means the asset does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRangeNotSatisfiable is returned when a Range header lies outside the asset.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")
)

// ErrorKind classifies origin failures.
type ErrorKind string

const (
	KindNotFound ErrorKind = "not_found"
	KindTimeout  ErrorKind = "timeout"
	KindQuota    ErrorKind = "quota"
	KindAuth     ErrorKind = "auth"
	KindNetwork  ErrorKind = "network"
)

// OriginError represents a failure talking to the remote storage API, including
// missing objects, timeouts, rate limiting and transport errors.
type OriginError struct {
	Op         string    // The operation that failed (e.g., "metadata", "open")
	Kind       ErrorKind // Failure class used for retries and HTTP mapping
	StatusCode int       // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string    // Error message from the API or network layer
	Err        error     // Underlying error, if any
}

func (e *OriginError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("origin %s error during %s (HTTP %d): %s", e.Kind, e.Op, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("origin %s error during %s: %s", e.Kind, e.Op, e.Message)
}

func (e *OriginError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) match not-found origin errors.
func (e *OriginError) Is(target error) bool {
	return target == ErrNotFound && e.Kind == KindNotFound
}

// Retryable reports whether another attempt may succeed. Client errors other than
// the classified ones are never retried.
func (e *OriginError) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindNetwork:
		return e.StatusCode == 0 || e.StatusCode >= 500
	default:
		return false
	}
}

// IntegrityError is returned when a downloaded object does not match its expected size.
type IntegrityError struct {
	FileID   string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %d bytes, got %d", e.FileID, e.Expected, e.Actual)
}

// ContractError reports a call made without a required field.
type ContractError struct {
	Op    string
	Field string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: missing required field %s", e.Op, e.Field)
}

// AccessDeniedError is returned when a principal may not read an asset.
type AccessDeniedError struct {
	FileID string
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied to %s: %s", e.FileID, e.Reason)
}

// KindOf returns the origin error kind carried by err, or "" when err is not an origin error.
func KindOf(err error) ErrorKind {
	var originErr *OriginError
	if errors.As(err, &originErr) {
		return originErr.Kind
	}

	return ""
}
