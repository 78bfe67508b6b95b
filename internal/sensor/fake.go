package sensor

import (
	"context"
	"errors"
)

// Fake is a test double that returns scripted samples.
type Fake struct {
	// Samples contains scripted samples to return.
	// Each successful call to Sample consumes the next one; once exhausted,
	// the last sample is returned repeatedly. MessageID is assigned by the fake.
	Samples []Sample

	// Errors are returned by successive calls before any sample is consumed.
	Errors []error

	// Calls counts Sample invocations.
	Calls int

	// Closed tracks if Close was called.
	Closed bool

	index  int
	nextID int64
}

// NewFake creates a Fake with the given samples.
func NewFake(samples ...Sample) *Fake {
	return &Fake{Samples: samples}
}

// Sample returns the next scripted error or sample.
func (f *Fake) Sample(_ context.Context) (Sample, error) {
	f.Calls++
	if len(f.Errors) > 0 {
		err := f.Errors[0]
		f.Errors = f.Errors[1:]
		return Sample{}, err
	}
	if len(f.Samples) == 0 {
		return Sample{}, errors.New("no samples configured")
	}

	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	s.MessageID = f.nextID
	f.nextID++
	return s, nil
}

// Close marks the sensor as closed.
func (f *Fake) Close() error {
	f.Closed = true
	return nil
}
