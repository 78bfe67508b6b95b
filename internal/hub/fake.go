package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// FakeClient records calls for test assertions. Configure the exported
// fields before handing the client to the code under test; read results
// through the accessor methods, which are safe while the client is in use.
type FakeClient struct {
	// Cred is the credential the client was built for.
	Cred Credential

	// Desired is returned by GetConfiguration.
	Desired map[string]json.RawMessage

	// OpenErrors are returned by successive Open calls, then nil.
	OpenErrors []error

	// SendErrors are returned by successive Send calls, then nil.
	SendErrors []error

	// UpdateErrors are returned by successive UpdateReported calls, then nil.
	UpdateErrors []error

	// GetErrors are returned by successive GetConfiguration calls, then nil.
	GetErrors []error

	// CompleteErrors are returned by successive Complete calls, then nil.
	CompleteErrors []error

	// ConnectOnOpen, if set, makes a successful Open report Connected.
	ConnectOnOpen bool

	// RejectCredential, if set, makes Open report Disconnected/BadCredential
	// and fail with ErrUnauthorized, as the service does for a bad key.
	RejectCredential bool

	mu        sync.Mutex
	onStatus  StatusHandler
	delta     DeltaHandler
	inbox     chan *Message
	sent      []*Message
	reported  []Properties
	completed []*Message
	opens     int
	gets      int
	closed    bool
}

// NewFakeClient creates a FakeClient. onStatus may be nil.
func NewFakeClient(cred Credential, onStatus StatusHandler) *FakeClient {
	return &FakeClient{
		Cred:     cred,
		Desired:  map[string]json.RawMessage{},
		onStatus: onStatus,
		inbox:    make(chan *Message, 16),
	}
}

// FakeFactory returns a Factory that builds FakeClients, passing each one to
// configure (if non-nil) before returning it.
func FakeFactory(configure func(*FakeClient)) Factory {
	return func(cred Credential, onStatus StatusHandler) (Client, error) {
		f := NewFakeClient(cred, onStatus)
		if configure != nil {
			configure(f)
		}
		return f, nil
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

// Open counts the call and returns the next scripted error.
func (f *FakeClient) Open(_ context.Context) error {
	f.mu.Lock()
	f.opens++
	if f.RejectCredential {
		f.mu.Unlock()
		f.EmitStatus(Disconnected, ReasonBadCredential)
		return ErrUnauthorized
	}
	err := pop(&f.OpenErrors)
	connect := err == nil && f.ConnectOnOpen
	f.mu.Unlock()

	if connect {
		f.EmitStatus(Connected, ReasonNone)
	}
	return err
}

// Close marks the client closed.
func (f *FakeClient) Close(_ context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Send records msg.
func (f *FakeClient) Send(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.SendErrors); err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

// Receive returns a message queued with Enqueue, or nil after timeout.
func (f *FakeClient) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete records msg.
func (f *FakeClient) Complete(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.CompleteErrors); err != nil {
		return err
	}
	f.completed = append(f.completed, msg)
	return nil
}

// GetConfiguration returns Desired.
func (f *FakeClient) GetConfiguration(_ context.Context) (Configuration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := pop(&f.GetErrors); err != nil {
		return Configuration{}, err
	}
	desired := make(map[string]json.RawMessage, len(f.Desired))
	for k, v := range f.Desired {
		desired[k] = v
	}
	return Configuration{Desired: desired, Version: 1}, nil
}

// UpdateReported records props.
func (f *FakeClient) UpdateReported(_ context.Context, props Properties) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.UpdateErrors); err != nil {
		return err
	}
	patch := make(Properties, len(props))
	for k, v := range props {
		patch[k] = v
	}
	f.reported = append(f.reported, patch)
	return nil
}

// OnConfigurationDelta stores handler for PushDelta.
func (f *FakeClient) OnConfigurationDelta(handler DeltaHandler) {
	f.mu.Lock()
	f.delta = handler
	f.mu.Unlock()
}

// EmitStatus invokes the status handler as the real client would.
func (f *FakeClient) EmitStatus(state ConnectionState, reason DisconnectReason) {
	f.mu.Lock()
	handler := f.onStatus
	f.mu.Unlock()
	if handler != nil {
		handler(state, reason)
	}
}

// PushDelta delivers a desired-property delta to the registered handler.
// It returns false if no handler is registered.
func (f *FakeClient) PushDelta(props ...Property) bool {
	f.mu.Lock()
	handler := f.delta
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(props)
	return true
}

// Enqueue makes msg available to Receive.
func (f *FakeClient) Enqueue(msg *Message) {
	msg.receipt = &receipt{ack: func() {}}
	f.inbox <- msg
}

// Sent returns the messages passed to Send.
func (f *FakeClient) Sent() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.sent...)
}

// Reported returns the patches passed to UpdateReported.
func (f *FakeClient) Reported() []Properties {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Properties(nil), f.reported...)
}

// Completed returns the messages passed to Complete.
func (f *FakeClient) Completed() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.completed...)
}

// Opens returns the number of Open calls.
func (f *FakeClient) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Gets returns the number of GetConfiguration calls.
func (f *FakeClient) Gets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// DesiredValue is a test helper that encodes v as a desired value.
func DesiredValue(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
