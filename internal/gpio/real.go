//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warthog618/go-gpiocdev"
)

// RealActuator drives outputs on actual hardware using Linux GPIO character device.
// It is owned by a single goroutine and does no locking.
type RealActuator struct {
	chip      *gpiocdev.Chip
	activeLow bool
	lines     map[int]*gpiocdev.Line
	state     map[int]bool
}

// NewRealActuator opens the GPIO chip. Lines are requested on first use.
func NewRealActuator(chipName string, activeLow bool) (*RealActuator, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealActuator{
		chip:      chip,
		activeLow: activeLow,
		lines:     make(map[int]*gpiocdev.Line),
		state:     make(map[int]bool),
	}, nil
}

// SetOutput switches pin, requesting it as an output the first time it is used.
// The line is only written when the state changes.
func (a *RealActuator) SetOutput(pin int, on bool) error {
	line, ok := a.lines[pin]
	if !ok {
		l, err := a.chip.RequestLine(pin, gpiocdev.AsOutput(level(on, a.activeLow)))
		if err != nil {
			return fmt.Errorf("request pin %d: %w", pin, err)
		}
		a.lines[pin] = l
		a.state[pin] = on
		return nil
	}

	if a.state[pin] == on {
		return nil
	}
	if err := line.SetValue(level(on, a.activeLow)); err != nil {
		return fmt.Errorf("set pin %d: %w", pin, err)
	}
	a.state[pin] = on
	return nil
}

// ReleaseAll drives every used pin off, then leaves it as an input biased
// toward the off level and closes it, so the relay stays released while
// nothing owns the line. Errors are collected; every pin is attempted.
func (a *RealActuator) ReleaseAll() error {
	var errs []error

	bias := gpiocdev.WithPullDown
	if a.activeLow {
		bias = gpiocdev.WithPullUp
	}

	pins := make([]int, 0, len(a.lines))
	for pin := range a.lines {
		pins = append(pins, pin)
	}
	sort.Ints(pins)

	for _, pin := range pins {
		line := a.lines[pin]
		if err := line.SetValue(level(false, a.activeLow)); err != nil {
			errs = append(errs, fmt.Errorf("drive pin %d off: %w", pin, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, bias); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
		delete(a.lines, pin)
		delete(a.state, pin)
	}

	if a.chip != nil {
		if err := a.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		a.chip = nil
	}

	return errors.Join(errs...)
}
