// Package gpio drives GPIO outputs with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Actuator drives output pins.
type Actuator interface {
	// SetOutput switches pin on or off. Setting the current state again is
	// a no-op.
	SetOutput(pin int, on bool) error

	// ReleaseAll drives every pin used so far to off and releases it.
	ReleaseAll() error
}

// PinFan is the fan relay pin (BCM numbering).
const PinFan = 16

// level returns the raw line value for a logical state. Active-low relay
// boards energise on a low line.
func level(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}
