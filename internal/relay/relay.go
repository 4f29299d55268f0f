// Package relay provides the hardware abstraction for the treatment panel:
// the three tier buttons and the per-tier ozone relays with their indicator
// LEDs. The real implementation uses the Linux GPIO character device; the
// fake implementation allows testing without hardware.
package relay

import "github.com/mesraekuiti/ozone-machine/internal/machine"

// ButtonReader reads the raw (electrical) state of the three tier buttons.
type ButtonReader interface {
	// Read returns the logical pressed state of each button.
	// The raw GPIO values are inverted: the inputs are pulled up and a
	// press pulls them low, so raw 0 = pressed.
	Read() (basic, standard, premium bool, err error)

	// Close releases GPIO resources.
	Close() error
}

// Driver energizes the ozone relay for one tier at a time and mirrors the
// relay state on that tier's indicator LED. It satisfies machine.Outputs.
type Driver interface {
	// Energize switches on the relay and LED for the given tier, switching
	// off any other tier first.
	Energize(k machine.Kind) error

	// Deenergize switches every relay and LED off.
	Deenergize() error

	// Close deenergizes everything and releases GPIO resources.
	Close() error
}

// Pins holds the BCM line numbers for every panel line, indexed by
// machine.Kind.
type Pins struct {
	Buttons [3]int
	Relays  [3]int
	LEDs    [3]int
}

// DefaultPins returns the pin assignment of the production panel board.
func DefaultPins() Pins {
	return Pins{
		Buttons: [3]int{27, 14, 12},
		Relays:  [3]int{23, 13, 32},
		LEDs:    [3]int{19, 18, 5},
	}
}
