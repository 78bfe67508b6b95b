package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

func newTestSysfs(t *testing.T) (*Sysfs, string) {
	t.Helper()
	dir := t.TempDir()
	dev := filepath.Join(dir, "iio:device0")
	require.NoError(t, os.Mkdir(dev, 0o755))
	writeAttr(t, dev, attrTemperature, "22370")
	writeAttr(t, dev, attrPressure, "101.325")
	writeAttr(t, dev, attrHumidity, "45123")
	writeAttr(t, dir, "temp", "48312")

	s, err := NewSysfs(SysfsConfig{IIODevice: dev, CPUThermal: filepath.Join(dir, "temp")})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
	return s, dev
}

func TestNewSysfsMissingDevice(t *testing.T) {
	_, err := NewSysfs(SysfsConfig{IIODevice: filepath.Join(t.TempDir(), "nope")})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSysfsSample(t *testing.T) {
	s, _ := newTestSysfs(t)

	got, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), got.MessageID)
	assert.InDelta(t, 22.37, got.Temperature, 1e-9)
	assert.InDelta(t, 48.31, got.CPUTemperature, 1e-9)
	assert.InDelta(t, 1013.25, got.Pressure, 1e-9)
	assert.InDelta(t, 45.12, got.Humidity, 1e-9)
	assert.InDelta(t, 0, got.Altitude, 1e-9)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), got.Time)

	got, err = s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MessageID)
}

func TestSysfsSampleReadError(t *testing.T) {
	s, dev := newTestSysfs(t)
	require.NoError(t, os.Remove(filepath.Join(dev, attrHumidity)))

	_, err := s.Sample(context.Background())
	require.ErrorIs(t, err, ErrRead)

	// A failed read does not consume a message id.
	writeAttr(t, dev, attrHumidity, "50000")
	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MessageID)
}

func TestSysfsWithoutThermalZone(t *testing.T) {
	s, _ := newTestSysfs(t)
	s.cfg.CPUThermal = ""

	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got.CPUTemperature)
}

func TestAltitude(t *testing.T) {
	assert.InDelta(t, 0, Altitude(MeanSeaLevelHPa, MeanSeaLevelHPa, 15), 1e-9)
	// About 111 m at 1000 hPa and 15 °C.
	assert.InDelta(t, 111, Altitude(1000, MeanSeaLevelHPa, 15), 1.5)
	assert.Zero(t, Altitude(0, MeanSeaLevelHPa, 15))
}

func TestFakeScriptsErrorsThenSamples(t *testing.T) {
	boom := errors.New("i2c glitch")
	f := NewFake(Sample{Temperature: 20}, Sample{Temperature: 21})
	f.Errors = []error{boom}
	ctx := context.Background()

	_, err := f.Sample(ctx)
	require.ErrorIs(t, err, boom)

	for i, want := range []float64{20, 21, 21} {
		s, err := f.Sample(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, s.Temperature)
		assert.Equal(t, int64(i), s.MessageID)
	}
	assert.Equal(t, 4, f.Calls)
}
