// Package history mirrors every control cycle to a local time-series
// store. Writes never block the control loop and never fail it.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/sweeney/thermo-controller/internal/logic"
	"github.com/sweeney/thermo-controller/internal/sensor"
)

// Measurement is the name every cycle point is written under.
const Measurement = "thermostat"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 20
	defaultFlushInterval  = 10 * time.Second
)

var (
	// ErrDisabled is returned by Connect when the mirror is switched off.
	ErrDisabled = errors.New("history: disabled in configuration")

	// ErrConnectionFailed indicates the store could not be reached at startup.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Recorder receives one entry per control cycle.
type Recorder interface {
	Record(s sensor.Sample, d logic.Decision, setpoint int)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(sensor.Sample, logic.Decision, int) {}
func (Nop) Close() error                              { return nil }

// Config selects the InfluxDB bucket the mirror writes to.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	DeviceID      string
	BatchSize     uint
	FlushInterval time.Duration
}

// Influx writes cycle points through the non-blocking WriteAPI.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	deviceID string
	log      zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Connect pings the server and returns a ready Influx recorder.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Influx, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	// The error channel must exist before Close, which closes it.
	errs := writeAPI.Errors()

	in := &Influx{
		client:   client,
		writeAPI: writeAPI,
		deviceID: cfg.DeviceID,
		log:      log,
		done:     make(chan struct{}),
	}
	go in.drainErrors(errs)
	return in, nil
}

// Async write failures surface here and are only logged.
func (in *Influx) drainErrors(errs <-chan error) {
	defer close(in.done)
	for err := range errs {
		in.log.Warn().Err(err).Msg("history write failed")
	}
}

// Record queues one point.
func (in *Influx) Record(s sensor.Sample, d logic.Decision, setpoint int) {
	in.writeAPI.WritePoint(NewPoint(in.deviceID, s, d, setpoint))
}

// Close flushes pending points and shuts the client down.
func (in *Influx) Close() error {
	in.closeOnce.Do(func() {
		in.writeAPI.Flush()
		in.client.Close()
		<-in.done
	})
	return nil
}

// NewPoint builds the point for one cycle.
func NewPoint(deviceID string, s sensor.Sample, d logic.Decision, setpoint int) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"device_id": deviceID,
			"action":    string(d.Action),
		},
		map[string]interface{}{
			"temperature":      s.Temperature,
			"cpu_temperature":  s.CPUTemperature,
			"pressure":         s.Pressure,
			"humidity":         s.Humidity,
			"altitude":         s.Altitude,
			"message_id":       s.MessageID,
			"room_temperature": d.RoomTemperature,
			"setpoint":         setpoint,
			"alert":            d.Alert,
			"fan":              d.FanOn,
		},
		s.Time,
	)
}
