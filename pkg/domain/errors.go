package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates the message does not exist in the target queue
	ErrNotFound = errors.New("message not found")

	// ErrConflict indicates the requested transition is not permitted
	ErrConflict = errors.New("conflicting queue operation")

	// ErrMissingLock indicates an ack without the stream lock fields
	ErrMissingLock = errors.New("message lock fields are missing")

	// ErrInvalidSignature indicates a tampered or unsigned envelope
	ErrInvalidSignature = errors.New("message signature mismatch")

	// ErrCodec indicates an envelope that cannot be decoded
	ErrCodec = errors.New("message is not decodable")

	// ErrEnqueueFailed indicates the append to the band stream failed
	ErrEnqueueFailed = errors.New("enqueue failed")

	// ErrSubstrateUnavailable indicates the stream store cannot be reached
	ErrSubstrateUnavailable = errors.New("substrate unavailable")
)

// BrokerError carries an HTTP status alongside the underlying error.
type BrokerError struct {
	Code    int    // HTTP status code
	Message string // Error message
	Err     error  // Underlying error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *BrokerError) HTTPStatusCode() int {
	return e.Code
}

// NewBrokerError creates a new broker error.
func NewBrokerError(code int, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ToHTTPError converts an error to a BrokerError with appropriate HTTP status.
func ToHTTPError(err error) *BrokerError {
	if err == nil {
		return nil
	}

	// Check if already a BrokerError
	var be *BrokerError
	if errors.As(err, &be) {
		return be
	}

	// Map known errors to HTTP status codes
	switch {
	case errors.Is(err, ErrNotFound):
		return NewBrokerError(http.StatusNotFound, err.Error(), err)
	case errors.Is(err, ErrConflict):
		return NewBrokerError(http.StatusConflict, err.Error(), err)
	case errors.Is(err, ErrMissingLock):
		return NewBrokerError(http.StatusBadRequest, err.Error(), err)
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrCodec):
		return NewBrokerError(http.StatusUnprocessableEntity, err.Error(), err)
	case errors.Is(err, ErrSubstrateUnavailable):
		return NewBrokerError(http.StatusServiceUnavailable, err.Error(), err)
	default:
		return NewBrokerError(http.StatusInternalServerError, "internal broker error", err)
	}
}
