package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout reports that an attempt hit its deadline and was abandoned.
	ErrTimeout = errors.New("remote: request timed out")
	// ErrAborted reports that an attempt was cancelled before completing.
	ErrAborted = errors.New("remote: request aborted")
	// ErrCircuitOpen reports that the breaker rejected the call without
	// touching the network.
	ErrCircuitOpen = errors.New("remote: circuit open")
	// ErrResponseTooLarge reports a 2xx body over the driver's size cap. It
	// is not retried: the same query returns the same body.
	ErrResponseTooLarge = errors.New("remote: response too large")
)

// TransportError wraps a connection-level failure such as a reset or refused
// connection.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("remote: transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx answer from the remote data API. Status is zero when
// the driver does not expose it.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("remote: api error (%s): %s", e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("remote: api status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: api status %d: %s", e.Status, e.Message)
}

// DecodeError reports a 2xx response whose body is not valid JSON.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("remote: malformed payload: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a network-level failure that may
// succeed on retry. API rejections, malformed payloads and an open breaker
// are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrAborted) {
		return true
	}
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// classify maps a raw client error onto the taxonomy above.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return &TransportError{Err: err}
}
