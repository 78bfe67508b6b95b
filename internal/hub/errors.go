package hub

import (
	"context"
	"errors"
	"fmt"
	"net"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/thermo-controller/internal/retry"
)

// Domain-specific errors for hub operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("hub: client not connected")

	// ErrTimeout is returned when the service did not answer in time.
	ErrTimeout = errors.New("hub: operation timed out")

	// ErrThrottled is returned when the service rejected a request with 429.
	ErrThrottled = errors.New("hub: request throttled")

	// ErrUnauthorized is returned when the service refused the credential.
	ErrUnauthorized = errors.New("hub: credential rejected")

	// ErrDeviceDisabled is returned when the service rejected the device identity.
	ErrDeviceDisabled = errors.New("hub: device disabled")

	// ErrLockLost is returned when completing a message that was received
	// on a connection that has since been replaced.
	ErrLockLost = errors.New("hub: message lock lost")

	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("hub: client closed")

	// ErrInvalidConnectionString is returned by ParseConnectionString.
	ErrInvalidConnectionString = errors.New("hub: invalid connection string")

	// ErrMalformedResponse is returned when a service response cannot be decoded.
	ErrMalformedResponse = errors.New("hub: malformed response")
)

// StatusError is a non-success status returned by a twin request.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub: %s returned status %d", e.Op, e.Code)
}

// Classify maps hub errors onto retry classes.
//
// Connection loss, timeouts, throttling, server errors and network errors
// are transient. Rejected credentials and disabled devices belong to the
// connection status handling. Everything else is fatal.
func Classify(err error) retry.Class {
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrDeviceDisabled):
		return retry.Auth
	case errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrThrottled),
		errors.Is(err, paho.ErrNotConnected),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return retry.Transient
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429 || se.Code >= 500:
			return retry.Transient
		case se.Code == 401 || se.Code == 403:
			return retry.Auth
		default:
			return retry.Fatal
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return retry.Transient
	}

	return retry.Fatal
}

// ClassifyReceive is Classify for the cloud-to-device receive path, where an
// expired message lock is logged and dropped.
var ClassifyReceive = retry.WithIgnorable(Classify, ErrLockLost)
