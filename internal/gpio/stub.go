//go:build !linux

package gpio

import "errors"

// RealActuator is not available on non-Linux platforms.
type RealActuator struct{}

// NewRealActuator returns an error on non-Linux platforms.
func NewRealActuator(chipName string, activeLow bool) (*RealActuator, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// SetOutput is not implemented on non-Linux platforms.
func (a *RealActuator) SetOutput(pin int, on bool) error {
	return errors.New("gpio: not supported")
}

// ReleaseAll is not implemented on non-Linux platforms.
func (a *RealActuator) ReleaseAll() error {
	return nil
}
