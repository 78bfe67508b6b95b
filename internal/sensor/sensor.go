// Package sensor provides environment readings with abstraction for testing.
package sensor

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrDeviceNotFound is returned at construction when the sensor is absent.
	ErrDeviceNotFound = errors.New("sensor: device not found")

	// ErrRead is returned when a reading could not be taken. It is usually
	// transient and worth one retry.
	ErrRead = errors.New("sensor: read failed")
)

// Sample is one set of readings.
type Sample struct {
	Time time.Time
	// MessageID increases by one per sample, starting at 0.
	MessageID int64
	// Temperature is the room temperature in °C.
	Temperature float64
	// CPUTemperature is the board temperature in °C, 0 when unavailable.
	CPUTemperature float64
	// Pressure is in hPa.
	Pressure float64
	// Humidity is relative humidity in percent.
	Humidity float64
	// Altitude is in metres, derived from pressure and temperature.
	Altitude float64
}

// Sensor takes samples.
type Sensor interface {
	// Sample takes one reading. It may block briefly.
	Sample(ctx context.Context) (Sample, error)

	// Close releases the sensor.
	Close() error
}

// MeanSeaLevelHPa is the standard atmosphere pressure at sea level.
const MeanSeaLevelHPa = 1013.25

// Altitude returns the height in metres at which pressure (hPa) is measured,
// given the sea-level pressure and the air temperature, using the
// hypsometric formula.
func Altitude(pressure, seaLevel, temperature float64) float64 {
	if pressure <= 0 || seaLevel <= 0 {
		return 0
	}
	return (math.Pow(seaLevel/pressure, 1/5.255) - 1) * (temperature + 273.15) / 0.0065
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
