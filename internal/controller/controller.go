// Package controller runs the periodic control cycle: sample the sensor,
// send telemetry, report the derived room state and drive the fan relay.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/thermo-controller/internal/conn"
	"github.com/sweeney/thermo-controller/internal/gpio"
	"github.com/sweeney/thermo-controller/internal/history"
	"github.com/sweeney/thermo-controller/internal/hub"
	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/retry"
	"github.com/sweeney/thermo-controller/internal/sensor"
	"github.com/sweeney/thermo-controller/internal/status"
	"github.com/sweeney/thermo-controller/internal/telemetry"
	"github.com/sweeney/thermo-controller/internal/twin"
)

// Twin property names.
const (
	PropertyThermostat      = "Thermostat"
	PropertyRoomAction      = "RoomAction"
	PropertyRoomTemperature = "RoomTemperature"
)

// Config holds the control cycle settings.
type Config struct {
	DeviceID        string
	FanPin          int
	DefaultSetpoint int
	AlertThreshold  float64
	// Interval is the time between cycles. It also bounds each telemetry send.
	Interval time.Duration
	// SensorRetryDelay is the pause before the single retry of a failed read.
	SensorRetryDelay time.Duration
	// InitialReadTimeout bounds the startup read of the desired setpoint.
	InitialReadTimeout time.Duration
	// ReceiveIdle is the pause between receive attempts while disconnected.
	ReceiveIdle time.Duration
	// ReceiveTimeout is how long one receive call waits for a message.
	ReceiveTimeout time.Duration
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		FanPin:             gpio.PinFan,
		DefaultSetpoint:    21,
		AlertThreshold:     logic.DefaultAlertThreshold,
		Interval:           24 * time.Second,
		SensorRetryDelay:   100 * time.Millisecond,
		InitialReadTimeout: time.Minute,
		ReceiveIdle:        5 * time.Second,
		ReceiveTimeout:     5 * time.Second,
	}
}

// Controller owns the per-cycle state: setpoint, decider and collaborators.
type Controller struct {
	cfg      Config
	mgr      *conn.Manager
	twin     *twin.Synchronizer
	sensor   sensor.Sensor
	actuator gpio.Actuator
	tracker  *status.Tracker
	history  history.Recorder
	decider  *logic.Decider
	log      zerolog.Logger

	setpoint atomic.Int64
}

// New creates a Controller. tracker may be nil; a nil recorder disables the
// history mirror.
func New(cfg Config, mgr *conn.Manager, tw *twin.Synchronizer, s sensor.Sensor, a gpio.Actuator,
	tracker *status.Tracker, rec history.Recorder, log zerolog.Logger) *Controller {
	if rec == nil {
		rec = history.Nop{}
	}
	c := &Controller{
		cfg:      cfg,
		mgr:      mgr,
		twin:     tw,
		sensor:   s,
		actuator: a,
		tracker:  tracker,
		history:  rec,
		decider:  logic.NewDecider(cfg.AlertThreshold, time.Now()),
		log:      log,
	}
	c.setSetpoint(cfg.DefaultSetpoint)
	return c
}

// Setpoint returns the current setpoint.
func (c *Controller) Setpoint() int {
	return int(c.setpoint.Load())
}

func (c *Controller) setSetpoint(v int) {
	c.setpoint.Store(int64(v))
	if c.tracker != nil {
		c.tracker.SetSetpoint(v)
	}
}

// Init connects, loads the desired setpoint and subscribes to setpoint
// changes. An error here is unrecoverable.
func (c *Controller) Init(ctx context.Context) error {
	c.twin.Subscribe(ctx, c.handleDelta)

	if err := c.mgr.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.mgr.Terminal(); err != nil {
		c.log.Error().Err(err).Msg("hub unavailable, running without remote configuration")
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.InitialReadTimeout)
	defer cancel()
	c.setSetpoint(twin.ReadInitial(readCtx, c.twin, PropertyThermostat, c.cfg.DefaultSetpoint))
	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.Info().Int("setpoint", c.Setpoint()).Msg("controller initialised")
	return nil
}

// handleDelta applies Thermostat changes and returns the properties it
// applied so they are echoed back. A malformed value keeps the previous
// setpoint and is not echoed.
func (c *Controller) handleDelta(props []hub.Property) []hub.Property {
	var applied []hub.Property
	for _, p := range props {
		if p.Key != PropertyThermostat {
			c.log.Debug().Str("property", p.Key).Msg("ignoring desired property")
			continue
		}
		v, err := twin.Decode[int](p.Value)
		if err != nil {
			c.log.Warn().Err(err).Str("raw", string(p.Value)).Int("setpoint", c.Setpoint()).
				Msg("invalid thermostat value, keeping setpoint")
			continue
		}
		prev := c.Setpoint()
		c.setSetpoint(v)
		c.log.Info().Int("from", prev).Int("to", v).Msg("setpoint changed")
		applied = append(applied, p)
	}
	return applied
}

// Run executes one cycle immediately and another on every tick until ctx
// is cancelled.
func (c *Controller) Run(ctx context.Context, tick <-chan time.Time) error {
	c.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("control loop stopped")
			return nil
		case <-tick:
			c.Cycle(ctx)
		}
	}
}

// Cycle runs one sample-decide-report-actuate pass.
func (c *Controller) Cycle(ctx context.Context) {
	sample, err := c.sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("sensor read failed, skipping cycle")
		}
		return
	}

	setpoint := c.Setpoint()
	dec := c.decider.Decide(logic.Input{
		Room:      sample.Temperature,
		Enclosure: sample.CPUTemperature,
		Setpoint:  setpoint,
		Time:      sample.Time,
	})

	c.sendTelemetry(ctx, sample, dec.Alert)
	c.report(ctx, PropertyRoomAction, string(dec.Action))
	c.report(ctx, PropertyRoomTemperature, dec.RoomTemperature)

	if err := c.actuator.SetOutput(c.cfg.FanPin, dec.FanOn); err != nil {
		c.log.Error().Err(err).Int("pin", c.cfg.FanPin).Bool("on", dec.FanOn).Msg("fan output failed")
	}

	c.log.Info().
		Int64("message_id", sample.MessageID).
		Float64("temperature", sample.Temperature).
		Float64("cpu_temperature", sample.CPUTemperature).
		Int("setpoint", setpoint).
		Str("action", string(dec.Action)).
		Bool("alert", dec.Alert).
		Bool("fan", dec.FanOn).
		Msg("cycle")

	if c.tracker != nil {
		c.tracker.UpdateCycle(sample, dec, c.decider.Counts())
	}
	c.history.Record(sample, dec, setpoint)
}

// sample reads the sensor, retrying a failed read once after a short delay.
func (c *Controller) sample(ctx context.Context) (sensor.Sample, error) {
	s, err := c.sensor.Sample(ctx)
	if err == nil || !errors.Is(err, sensor.ErrRead) {
		return s, err
	}
	c.log.Debug().Err(err).Dur("delay", c.cfg.SensorRetryDelay).Msg("sensor read failed, retrying")

	t := time.NewTimer(c.cfg.SensorRetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return sensor.Sample{}, ctx.Err()
	case <-t.C:
	}
	return c.sensor.Sample(ctx)
}

// sendTelemetry sends the sample while connected. A send still retrying
// when the next cycle is due is abandoned.
func (c *Controller) sendTelemetry(ctx context.Context, s sensor.Sample, alert bool) {
	msg, err := telemetry.NewMessage(s, c.cfg.DeviceID, alert)
	if err != nil {
		c.log.Error().Err(err).Msg("building telemetry message")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.Interval)
	defer cancel()
	res, err := c.mgr.Execute(sendCtx, "send telemetry", func(ctx context.Context, client hub.Client) error {
		return client.Send(ctx, msg)
	}, c.mgr.IsConnected, hub.Classify)
	if c.tracker != nil {
		c.tracker.RecordTelemetry(res)
	}
	switch {
	case err != nil && ctx.Err() == nil:
		c.log.Warn().Err(err).Int64("message_id", s.MessageID).Msg("telemetry not sent")
	case res == retry.Skipped:
		c.log.Debug().Int64("message_id", s.MessageID).Msg("telemetry skipped while disconnected")
	}
}

func (c *Controller) report(ctx context.Context, key string, value any) {
	if _, err := c.twin.ReportDiff(ctx, key, value); err != nil && ctx.Err() == nil {
		c.log.Warn().Err(err).Str("property", key).Msg("reporting property failed")
	}
}

// ReceiveLoop receives and completes cloud-to-device messages until ctx is
// cancelled, idling while disconnected.
func (c *Controller) ReceiveLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if !c.mgr.IsConnected() {
			c.idle(ctx)
			continue
		}

		var got *hub.Message
		res, err := c.mgr.Execute(ctx, "receive and complete", func(ctx context.Context, client hub.Client) error {
			msg, err := client.Receive(ctx, c.cfg.ReceiveTimeout)
			if err != nil || msg == nil {
				return err
			}
			got = msg
			return client.Complete(ctx, msg)
		}, c.mgr.IsConnected, hub.ClassifyReceive)

		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			c.log.Warn().Err(err).Msg("receive failed")
			c.idle(ctx)
		case res == retry.Done && got != nil:
			c.log.Info().Str("id", got.ID).Bytes("body", got.Body).Interface("properties", got.Properties).
				Msg("completed cloud-to-device message")
		case res == retry.Ignored:
			c.idle(ctx)
		}
	}
}

func (c *Controller) idle(ctx context.Context) {
	t := time.NewTimer(c.cfg.ReceiveIdle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
