package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for the index error taxonomy.
// Use errors.Is(err, services.ErrNotFound) to check.
var (
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInternal        = errors.New("internal error")
)

// Refinements of the sentinels above. Each one still matches its parent
// with errors.Is.
var (
	ErrInvalidToken        = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	ErrTokenExpired        = fmt.Errorf("%w: token expired", ErrUnauthorized)
	ErrPasswordRequired    = fmt.Errorf("%w: password required", ErrUnauthorized)
	ErrRangeNotSatisfiable = fmt.Errorf("%w: range not satisfiable", ErrBadRequest)
	ErrObjectNotFound      = fmt.Errorf("%w: object does not exist", ErrNotFound)
)

// IndexError wraps a sentinel with a stable machine-readable code and a
// reason suitable for the public error shape.
type IndexError struct {
	Err     error // sentinel, for errors.Is()
	Code    string
	Message string
	Reason  string
	// Details is rendered verbatim in the error body (for example the
	// protection state behind a password prompt).
	Details any
}

func (e *IndexError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

func newError(sentinel error, code, message, reason string) *IndexError {
	return &IndexError{Err: sentinel, Code: code, Message: message, Reason: reason}
}

// classifyStoreError keeps typed failures from the store and turns anything
// else (network, quota, decoding) into ErrInternal.
func classifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) {
		return err
	}
	return &IndexError{
		Err:     fmt.Errorf("%w: %w", ErrInternal, err),
		Code:    "STORE_ERROR",
		Message: "remote store request failed",
		Reason:  op,
	}
}
