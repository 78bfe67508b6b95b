package gpio

// Write is one recorded line write.
type Write struct {
	Pin int
	On  bool
}

// FakeActuator is a test double that records output changes.
type FakeActuator struct {
	// Writes contains every state change, in order. Repeated SetOutput
	// calls with the current state are not recorded.
	Writes []Write

	// State is the current logical state per pin.
	State map[int]bool

	// Released tracks if ReleaseAll was called.
	Released bool

	// SetError, if set, will be returned by SetOutput.
	SetError error

	// ReleaseError, if set, will be returned by ReleaseAll after releasing.
	ReleaseError error
}

// NewFakeActuator creates a FakeActuator.
func NewFakeActuator() *FakeActuator {
	return &FakeActuator{State: make(map[int]bool)}
}

// SetOutput records a change of state.
func (f *FakeActuator) SetOutput(pin int, on bool) error {
	if f.SetError != nil {
		return f.SetError
	}
	if cur, ok := f.State[pin]; ok && cur == on {
		return nil
	}
	f.State[pin] = on
	f.Writes = append(f.Writes, Write{Pin: pin, On: on})
	return nil
}

// ReleaseAll drives every pin off and marks the actuator released.
func (f *FakeActuator) ReleaseAll() error {
	for pin, on := range f.State {
		if on {
			f.Writes = append(f.Writes, Write{Pin: pin, On: false})
		}
		f.State[pin] = false
	}
	f.Released = true
	return f.ReleaseError
}
