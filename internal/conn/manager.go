// Package conn owns the single remote client handle and its lifecycle.
//
// The Manager walks an ordered chain of credentials, rebuilding the client
// when the current one declares itself dead and discarding credentials the
// service rejects. It is the only holder of the client: everything else
// reaches the service through Execute.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/retry"
)

var (
	// ErrNoCredentials is returned by New for an empty credential list.
	ErrNoCredentials = errors.New("conn: no credentials configured")

	// ErrCredentialsExhausted means every credential was rejected.
	ErrCredentialsExhausted = errors.New("conn: all credentials rejected")

	// ErrDeviceDisabled means the service disabled the device identity.
	ErrDeviceDisabled = errors.New("conn: device disabled by service")

	// ErrReleased is returned after Release.
	ErrReleased = errors.New("conn: manager released")
)

// Event is an accepted status change as seen by OnStatusChange observers.
// Seq increases with every accepted change.
type Event struct {
	Seq                  uint64
	Status               hub.Status
	CredentialsRemaining int
	Terminal             error
}

// Op is an operation against the current client.
type Op func(ctx context.Context, client hub.Client) error

// Manager implements the connection state machine.
type Manager struct {
	factory hub.Factory
	exec    *retry.Executor
	log     zerolog.Logger

	// initMu serialises client construction.
	initMu sync.Mutex

	mu       sync.RWMutex
	chain    []hub.Credential
	client   hub.Client
	gen      uint64
	status   hub.Status
	dead     bool
	rejected uint64
	terminal error
	released bool
	delta    hub.DeltaHandler
	observer func(Event)
	seq      uint64

	// notifyMu serialises observer calls; delivered is the Seq of the last
	// event handed to the observer.
	notifyMu  sync.Mutex
	delivered uint64

	reinit      chan struct{}
	releaseOnce sync.Once
}

// New creates a Manager in the Disconnected state. creds is the ordered
// credential chain; it must not be empty.
func New(creds []hub.Credential, factory hub.Factory, exec *retry.Executor, log zerolog.Logger) (*Manager, error) {
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return &Manager{
		factory: factory,
		exec:    exec,
		log:     log,
		chain:   append([]hub.Credential(nil), creds...),
		status:  hub.Status{State: hub.Disconnected},
		reinit:  make(chan struct{}, 1),
	}, nil
}

// SetDeltaHandler registers the desired-property delta handler. It is
// attached to the current client and to every client built afterwards.
func (m *Manager) SetDeltaHandler(h hub.DeltaHandler) {
	m.mu.Lock()
	m.delta = h
	client := m.client
	m.mu.Unlock()
	if client != nil {
		client.OnConfigurationDelta(h)
	}
}

// OnStatusChange registers fn to be called after accepted status changes.
// Calls are serialised and arrive in the order the changes were applied; a
// change overtaken by a newer one before delivery is not delivered.
func (m *Manager) OnStatusChange(fn func(Event)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Status returns the current connection state and reason.
func (m *Manager) Status() hub.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.Status().State == hub.Connected
}

// Terminal returns ErrCredentialsExhausted or ErrDeviceDisabled once the
// manager has given up, and nil otherwise.
func (m *Manager) Terminal() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminal
}

// CredentialsRemaining returns the length of the credential chain.
func (m *Manager) CredentialsRemaining() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chain)
}

// needsInitLocked reports whether a new client should be built. Callers
// hold m.mu.
func (m *Manager) needsInitLocked() bool {
	if m.released || m.terminal != nil || len(m.chain) == 0 {
		return false
	}
	if m.status.State != hub.Disconnected && m.status.State != hub.Disabled {
		return false
	}
	return m.client == nil || m.dead
}

// EnsureInitialized builds a client from the head credential when there is
// none or the current one has declared itself Disconnected or Disabled, then
// opens it. Concurrent callers produce a single construction.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	m.mu.RLock()
	need := m.needsInitLocked()
	gen := m.gen
	m.mu.RUnlock()
	if !need {
		return nil
	}

	if err := m.construct(ctx, gen); err != nil {
		return err
	}

	_, err := m.exec.Execute(ctx, "open", m.open, retry.Always, classifyOpen)
	return err
}

// construct builds a client unless another caller already did so since gen
// was observed.
func (m *Manager) construct(ctx context.Context, observed uint64) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.Lock()
	if !m.needsInitLocked() || m.gen != observed {
		m.mu.Unlock()
		return nil
	}
	old := m.client
	head := m.chain[0]
	m.gen++
	gen := m.gen
	m.client = nil
	m.dead = false
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			m.log.Warn().Err(err).Msg("closing previous client")
		}
	}

	m.log.Info().Str("credential", head.String()).Uint64("generation", gen).Msg("creating client")
	client, err := m.factory(head, func(state hub.ConnectionState, reason hub.DisconnectReason) {
		m.handleStatus(gen, state, reason)
	})
	if err != nil {
		m.mu.Lock()
		m.dead = true
		m.mu.Unlock()
		return fmt.Errorf("create client for %s: %w", head, err)
	}

	m.mu.Lock()
	m.client = client
	delta := m.delta
	m.mu.Unlock()

	if delta != nil {
		client.OnConfigurationDelta(delta)
	}
	return nil
}

// open is one attempt at opening the current client, rebuilding it first if
// it died while earlier attempts were backing off.
func (m *Manager) open(ctx context.Context) error {
	m.mu.RLock()
	need := m.needsInitLocked()
	gen := m.gen
	m.mu.RUnlock()
	if need {
		if err := m.construct(ctx, gen); err != nil {
			return err
		}
	}

	m.mu.RLock()
	client, terminal, released := m.client, m.terminal, m.released
	m.mu.RUnlock()

	switch {
	case released:
		return ErrReleased
	case terminal != nil:
		return terminal
	case client == nil:
		return hub.ErrNotConnected
	}
	return client.Open(ctx)
}

func classifyOpen(err error) retry.Class {
	switch {
	case errors.Is(err, ErrCredentialsExhausted), errors.Is(err, ErrDeviceDisabled):
		return retry.Auth
	case errors.Is(err, ErrReleased):
		return retry.Ignorable
	}
	return hub.Classify(err)
}

// handleStatus is the status callback of the client built as generation gen.
func (m *Manager) handleStatus(gen uint64, state hub.ConnectionState, reason hub.DisconnectReason) {
	status := hub.Status{State: state, Reason: reason}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.log.Debug().Uint64("generation", gen).Stringer("status", status).Msg("dropping status from replaced client")
		return
	}
	prev := m.status
	m.status = status
	m.dead = state == hub.Disconnected || state == hub.Disabled

	var reinit bool
	var rejected string
	if state == hub.Disconnected {
		switch reason {
		case hub.ReasonBadCredential:
			// A client reports its rejection once per credential.
			if m.rejected != gen && len(m.chain) > 0 {
				m.rejected = gen
				rejected = m.chain[0].String()
				m.chain = m.chain[1:]
			}
			if len(m.chain) > 0 {
				reinit = true
			} else {
				m.terminal = ErrCredentialsExhausted
			}
		case hub.ReasonRetryExpired, hub.ReasonCommunicationError:
			reinit = true
		case hub.ReasonDeviceDisabled:
			m.terminal = ErrDeviceDisabled
		}
	}
	m.seq++
	ev := Event{Seq: m.seq, Status: status, CredentialsRemaining: len(m.chain), Terminal: m.terminal}
	remaining := ev.CredentialsRemaining
	terminal := ev.Terminal
	observer := m.observer
	m.mu.Unlock()

	m.log.Info().Stringer("from", prev).Stringer("to", status).Msg("connection status changed")
	if rejected != "" {
		m.log.Warn().Str("credential", rejected).Int("remaining", remaining).Msg("credential rejected, discarded")
	}
	if terminal != nil && state == hub.Disconnected {
		m.log.Error().Err(terminal).Msg("connection permanently failed, no further attempts")
	}

	if observer != nil {
		m.notify(observer, ev)
	}
	if reinit {
		select {
		case m.reinit <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) notify(observer func(Event), ev Event) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if ev.Seq <= m.delivered {
		m.log.Debug().Uint64("seq", ev.Seq).Stringer("status", ev.Status).Msg("dropping overtaken status notification")
		return
	}
	m.delivered = ev.Seq
	observer(ev)
}

// Run re-initialises the client whenever a status change calls for it. It
// returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reinit:
			if err := m.EnsureInitialized(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("re-initialisation failed")
			}
		}
	}
}

// Execute runs op against the current client through the retry executor.
// The client is looked up afresh on every attempt.
func (m *Manager) Execute(ctx context.Context, name string, op Op, shouldRun func() bool, classify retry.Classifier) (retry.Result, error) {
	return m.exec.Execute(ctx, name, func(ctx context.Context) error {
		m.mu.RLock()
		client := m.client
		m.mu.RUnlock()
		if client == nil {
			return hub.ErrNotConnected
		}
		return op(ctx, client)
	}, shouldRun, classify)
}

// Release closes the client. It is safe to call more than once and when no
// client was ever built.
func (m *Manager) Release(ctx context.Context) error {
	var err error
	m.releaseOnce.Do(func() {
		m.initMu.Lock()
		defer m.initMu.Unlock()

		m.mu.Lock()
		m.released = true
		client := m.client
		m.mu.Unlock()

		if client != nil {
			err = client.Close(ctx)
		}
		m.log.Info().Msg("connection manager released")
	})
	return err
}
