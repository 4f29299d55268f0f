package relay

import (
	"errors"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// Sample represents one scripted button reading (already in logical form).
type Sample struct {
	Basic    bool
	Standard bool
	Premium  bool
}

// FakeButtons is a test double that returns scripted button states.
type FakeButtons struct {
	// Samples contains scripted readings. Each call to Read() consumes the
	// next sample; when exhausted the last sample repeats.
	Samples []Sample

	index int

	// Closed tracks if Close was called.
	Closed bool

	// ReadError, if set, will be returned by Read().
	ReadError error
}

// NewFakeButtons creates a FakeButtons with the given samples.
func NewFakeButtons(samples []Sample) *FakeButtons {
	return &FakeButtons{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeButtons) Read() (bool, bool, bool, error) {
	if f.ReadError != nil {
		return false, false, false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, false, false, errors.New("no samples configured")
	}

	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s.Basic, s.Standard, s.Premium, nil
}

// Close marks the reader as closed.
func (f *FakeButtons) Close() error {
	f.Closed = true
	return nil
}

// Reset rewinds to the first sample.
func (f *FakeButtons) Reset() {
	f.index = 0
	f.Closed = false
}

// FakeDriver records relay switching for assertions in tests.
type FakeDriver struct {
	// History records every state change as "on:BASIC", "off".
	History []string

	// Active holds the currently energized tier, or -1 when idle.
	Active machine.Kind

	// Closed tracks if Close was called.
	Closed bool

	// EnergizeError, if set, will be returned by Energize().
	EnergizeError error

	// DeenergizeError, if set, will be returned by Deenergize(). The fake
	// still records the switch-off, matching a driver whose line write fails
	// after the hardware already reacted.
	DeenergizeError error
}

// NewFakeDriver creates an idle FakeDriver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Active: -1}
}

func (f *FakeDriver) Energize(k machine.Kind) error {
	if f.EnergizeError != nil {
		return f.EnergizeError
	}
	f.Active = k
	f.History = append(f.History, "on:"+k.String())
	return nil
}

func (f *FakeDriver) Deenergize() error {
	f.Active = -1
	f.History = append(f.History, "off")
	return f.DeenergizeError
}

func (f *FakeDriver) Close() error {
	f.Deenergize()
	f.Closed = true
	return nil
}
