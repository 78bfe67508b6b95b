package sensor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sysfs attribute names of the bme280 IIO driver.
const (
	attrTemperature = "in_temp_input"
	attrPressure    = "in_pressure_input"
	attrHumidity    = "in_humidityrelative_input"
)

// SysfsConfig locates the sensor files.
type SysfsConfig struct {
	// IIODevice is the IIO device directory, e.g. /sys/bus/iio/devices/iio:device0.
	IIODevice string
	// CPUThermal is the thermal zone temperature file. Optional.
	CPUThermal string
	// SeaLevelHPa is the reference pressure for altitude.
	SeaLevelHPa float64
}

// Sysfs reads a bme280 through the kernel IIO driver and the CPU
// temperature from a thermal zone.
type Sysfs struct {
	cfg    SysfsConfig
	now    func() time.Time
	nextID int64
}

// NewSysfs checks that the IIO device exists and returns a Sysfs sensor.
func NewSysfs(cfg SysfsConfig) (*Sysfs, error) {
	info, err := os.Stat(cfg.IIODevice)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, cfg.IIODevice)
	}
	if cfg.SeaLevelHPa <= 0 {
		cfg.SeaLevelHPa = MeanSeaLevelHPa
	}
	return &Sysfs{cfg: cfg, now: time.Now}, nil
}

// Sample reads all attributes. Temperature is in milli-degrees, pressure in
// kPa and humidity in milli-percent.
func (s *Sysfs) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	milliC, err := s.readIIO(attrTemperature)
	if err != nil {
		return Sample{}, err
	}
	kPa, err := s.readIIO(attrPressure)
	if err != nil {
		return Sample{}, err
	}
	milliPct, err := s.readIIO(attrHumidity)
	if err != nil {
		return Sample{}, err
	}

	temp := milliC / 1000
	pressure := kPa * 10

	sample := Sample{
		Time:           s.now(),
		MessageID:      s.nextID,
		Temperature:    round2(temp),
		CPUTemperature: round2(s.cpuTemperature()),
		Pressure:       round2(pressure),
		Humidity:       round2(milliPct / 1000),
		Altitude:       round2(Altitude(pressure, s.cfg.SeaLevelHPa, temp)),
	}
	s.nextID++
	return sample, nil
}

func (s *Sysfs) readIIO(attr string) (float64, error) {
	v, err := readFloat(filepath.Join(s.cfg.IIODevice, attr))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrRead, attr, err)
	}
	return v, nil
}

// cpuTemperature returns 0 when the thermal zone is not configured or unreadable.
func (s *Sysfs) cpuTemperature() float64 {
	if s.cfg.CPUThermal == "" {
		return 0
	}
	v, err := readFloat(s.cfg.CPUThermal)
	if err != nil {
		return 0
	}
	return v / 1000
}

// Close is a no-op; files are opened per read.
func (s *Sysfs) Close() error {
	return nil
}

func readFloat(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
}
