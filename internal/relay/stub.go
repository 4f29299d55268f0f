//go:build !linux

package relay

import (
	"errors"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// RealButtons is not available on non-Linux platforms.
type RealButtons struct{}

// NewRealButtons returns an error on non-Linux platforms.
func NewRealButtons(pins Pins) (*RealButtons, error) {
	return nil, errors.New("relay: not supported on this platform (requires Linux)")
}

func (r *RealButtons) Read() (bool, bool, bool, error) {
	return false, false, false, errors.New("relay: not supported")
}

func (r *RealButtons) Close() error { return nil }

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	return nil, errors.New("relay: not supported on this platform (requires Linux)")
}

func (d *RealDriver) Energize(k machine.Kind) error {
	return errors.New("relay: not supported")
}

func (d *RealDriver) Deenergize() error { return nil }

func (d *RealDriver) Close() error { return nil }
