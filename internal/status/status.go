// Package status provides a thread-safe status tracker for the controller.
// It is read by the HTTP status page.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/retry"
	"github.com/sweeney/thermo-controller/internal/sensor"
)

// transitionHistory is the number of connection transitions kept.
const transitionHistory = 32

// Config contains controller configuration for display.
type Config struct {
	DeviceID       string
	Host           string
	Transport      string
	IntervalMs     int64
	FanPin         int
	AlertThreshold float64
	HTTPAddr       string
}

// Transition is one accepted connection status change.
type Transition struct {
	Time   time.Time
	Status hub.Status
}

// TelemetryCounts tracks telemetry send outcomes since startup.
type TelemetryCounts struct {
	Sent    int
	Skipped int
	Failed  int
}

// Snapshot is a point-in-time view of controller state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Connection           hub.Status
	CredentialsRemaining int
	Terminal             string
	Setpoint             int
	Decision             logic.Decision
	Counts               logic.ActionCounts
	Sample               *sensor.Sample
	Telemetry            TelemetryCounts
	Transitions          []Transition
	StartTime            time.Time
	Now                  time.Time
	Config               Config
}

// Uptime returns the duration since the controller started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Connected reports whether the connection state is Connected.
func (s Snapshot) Connected() bool {
	return s.Connection.State == hub.Connected
}

// Tracker holds mutable controller state behind an RWMutex.
type Tracker struct {
	mu          sync.RWMutex
	snap        Snapshot
	transitions *ring
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Connection: hub.Status{State: hub.Disconnected},
			Decision:   logic.Decision{Action: logic.ActionUnknown},
			StartTime:  startTime,
			Config:     cfg,
		},
		transitions: newRing(transitionHistory),
	}
}

// UpdateCycle records the outcome of a control cycle.
func (t *Tracker) UpdateCycle(sample sensor.Sample, dec logic.Decision, counts logic.ActionCounts) {
	t.mu.Lock()
	t.snap.Sample = &sample
	t.snap.Decision = dec
	t.snap.Counts = counts
	t.mu.Unlock()
}

// SetSetpoint records the current setpoint.
func (t *Tracker) SetSetpoint(v int) {
	t.mu.Lock()
	t.snap.Setpoint = v
	t.mu.Unlock()
}

// RecordTelemetry counts one telemetry send outcome.
func (t *Tracker) RecordTelemetry(res retry.Result) {
	t.mu.Lock()
	switch res {
	case retry.Done:
		t.snap.Telemetry.Sent++
	case retry.Failed:
		t.snap.Telemetry.Failed++
	default:
		t.snap.Telemetry.Skipped++
	}
	t.mu.Unlock()
}

// RecordConnection records a connection status change along with the
// credential chain length and terminal failure, if any.
func (t *Tracker) RecordConnection(at time.Time, s hub.Status, remaining int, terminal error) {
	t.mu.Lock()
	t.snap.Connection = s
	t.snap.CredentialsRemaining = remaining
	if terminal != nil {
		t.snap.Terminal = terminal.Error()
	}
	t.transitions.push(Transition{Time: at, Status: s})
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the controller state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Transitions = t.transitions.items()
	if t.snap.Sample != nil {
		sample := *t.snap.Sample
		s.Sample = &sample
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
