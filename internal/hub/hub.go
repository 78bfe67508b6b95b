// Package hub is the device side of the cloud service: telemetry upload,
// the device twin (desired and reported properties) and cloud-to-device
// messages, with an abstraction for testing.
//
// The real implementation speaks the IoT Hub device protocol over MQTT.
// The fake implementation records calls and lets tests drive status
// changes and desired-property deltas.
package hub

import (
	"context"
	"encoding/json"
	"time"
)

// ConnectionState is the connection status reported by a Client.
type ConnectionState string

const (
	Connected            ConnectionState = "Connected"
	DisconnectedRetrying ConnectionState = "DisconnectedRetrying"
	Disconnected         ConnectionState = "Disconnected"
	Disabled             ConnectionState = "Disabled"
)

// DisconnectReason qualifies a Disconnected state. It is ReasonNone for
// every other state.
type DisconnectReason string

const (
	ReasonNone               DisconnectReason = ""
	ReasonBadCredential      DisconnectReason = "BadCredential"
	ReasonDeviceDisabled     DisconnectReason = "DeviceDisabled"
	ReasonRetryExpired       DisconnectReason = "RetryExpired"
	ReasonCommunicationError DisconnectReason = "CommunicationError"
	ReasonOther              DisconnectReason = "Other"
)

// Status pairs a state with its reason.
type Status struct {
	State  ConnectionState
	Reason DisconnectReason
}

func (s Status) String() string {
	if s.Reason == ReasonNone {
		return string(s.State)
	}
	return string(s.State) + "/" + string(s.Reason)
}

// StatusHandler is invoked by a Client whenever its connection status
// changes. It may be called from any goroutine.
type StatusHandler func(state ConnectionState, reason DisconnectReason)

// Property is one desired-property entry, in the order the service sent it.
type Property struct {
	Key   string
	Value json.RawMessage
}

// String returns the value as text: JSON strings are unquoted, anything
// else is returned as raw JSON.
func (p Property) String() string {
	var s string
	if err := json.Unmarshal(p.Value, &s); err == nil {
		return s
	}
	return string(p.Value)
}

// Properties is a reported-properties patch.
type Properties map[string]any

// DeltaHandler receives desired-property deltas pushed by the service.
type DeltaHandler func(props []Property)

// Configuration is a snapshot of the desired properties.
type Configuration struct {
	Desired map[string]json.RawMessage
	Version int64
}

// Lookup returns the raw desired value for name.
func (c Configuration) Lookup(name string) (json.RawMessage, bool) {
	v, ok := c.Desired[name]
	return v, ok
}

// Message is a device-to-cloud or cloud-to-device message.
type Message struct {
	ID              string
	Body            []byte
	Properties      map[string]string
	ContentType     string
	ContentEncoding string

	// receipt is set on received messages and consumed by Complete.
	receipt *receipt
}

type receipt struct {
	epoch uint64
	ack   func()
}

// Client is a single connection to the service. Implementations must be
// safe for concurrent use.
type Client interface {
	// Open connects. Calling Open on an open client is a no-op.
	Open(ctx context.Context) error

	// Close disconnects and releases the client. It is idempotent.
	Close(ctx context.Context) error

	// Send uploads a device-to-cloud message.
	Send(ctx context.Context, msg *Message) error

	// Receive waits up to timeout for a cloud-to-device message.
	// It returns nil, nil when nothing arrived in time.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)

	// Complete acknowledges a received message.
	Complete(ctx context.Context, msg *Message) error

	// GetConfiguration fetches the full desired-properties snapshot.
	GetConfiguration(ctx context.Context) (Configuration, error)

	// UpdateReported patches the reported properties.
	UpdateReported(ctx context.Context, props Properties) error

	// OnConfigurationDelta registers the desired-property delta handler.
	OnConfigurationDelta(handler DeltaHandler)
}

// Factory constructs a Client for a credential. onStatus receives every
// status change of the new client.
type Factory func(cred Credential, onStatus StatusHandler) (Client, error)
