//go:build linux

package relay

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// RealButtons reads the tier buttons from actual hardware using the Linux
// GPIO character device.
type RealButtons struct {
	chip  *gpiocdev.Chip
	lines [3]*gpiocdev.Line
}

// NewRealButtons requests the three button lines as pulled-up inputs.
func NewRealButtons(pins Pins) (*RealButtons, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &RealButtons{chip: chip}
	for _, k := range machine.Kinds {
		line, err := chip.RequestLine(pins.Buttons[k], gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request %s button pin %d: %w", k, pins.Buttons[k], err)
		}
		r.lines[k] = line
	}
	return r, nil
}

// Read returns the logical pressed state of each button.
// The inputs are pulled up; a press shorts the line to ground, so raw 0
// means pressed.
func (r *RealButtons) Read() (basic, standard, premium bool, err error) {
	var pressed [3]bool
	for _, k := range machine.Kinds {
		raw, verr := r.lines[k].Value()
		if verr != nil {
			return false, false, false, fmt.Errorf("read %s button: %w", k, verr)
		}
		pressed[k] = raw == 0
	}
	return pressed[machine.Basic], pressed[machine.Standard], pressed[machine.Premium], nil
}

// Close releases the button lines and the chip handle.
func (r *RealButtons) Close() error {
	var errs []error
	for _, k := range machine.Kinds {
		if r.lines[k] == nil {
			continue
		}
		if err := r.lines[k].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s button: %w", k, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealDriver drives the ozone relays and indicator LEDs.
// The relay board is active-low: writing 0 energizes the relay. The LEDs are
// active-high.
type RealDriver struct {
	chip   *gpiocdev.Chip
	relays [3]*gpiocdev.Line
	leds   [3]*gpiocdev.Line
}

// NewRealDriver requests the relay and LED lines as outputs, everything off.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	d := &RealDriver{chip: chip}
	for _, k := range machine.Kinds {
		// Relays idle high (de-energized).
		line, err := chip.RequestLine(pins.Relays[k], gpiocdev.AsOutput(1))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request %s relay pin %d: %w", k, pins.Relays[k], err)
		}
		d.relays[k] = line

		led, err := chip.RequestLine(pins.LEDs[k], gpiocdev.AsOutput(0))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request %s led pin %d: %w", k, pins.LEDs[k], err)
		}
		d.leds[k] = led
	}
	return d, nil
}

// Energize switches on the relay and LED for k and everything else off.
func (d *RealDriver) Energize(k machine.Kind) error {
	for _, other := range machine.Kinds {
		relayVal, ledVal := 1, 0
		if other == k {
			relayVal, ledVal = 0, 1
		}
		if err := d.relays[other].SetValue(relayVal); err != nil {
			return fmt.Errorf("set %s relay: %w", other, err)
		}
		if err := d.leds[other].SetValue(ledVal); err != nil {
			return fmt.Errorf("set %s led: %w", other, err)
		}
	}
	return nil
}

// Deenergize switches every relay and LED off.
func (d *RealDriver) Deenergize() error {
	var errs []error
	for _, k := range machine.Kinds {
		if err := d.relays[k].SetValue(1); err != nil {
			errs = append(errs, fmt.Errorf("clear %s relay: %w", k, err))
		}
		if err := d.leds[k].SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("clear %s led: %w", k, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deenergize errors: %v", errs)
	}
	return nil
}

// Close deenergizes the panel and releases GPIO resources.
// The relays must never be left energized by a dying process.
func (d *RealDriver) Close() error {
	var errs []error
	for _, k := range machine.Kinds {
		if d.relays[k] != nil {
			if err := d.relays[k].SetValue(1); err != nil {
				errs = append(errs, fmt.Errorf("clear %s relay: %w", k, err))
			}
			if err := d.relays[k].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s relay: %w", k, err))
			}
		}
		if d.leds[k] != nil {
			if err := d.leds[k].SetValue(0); err != nil {
				errs = append(errs, fmt.Errorf("clear %s led: %w", k, err))
			}
			if err := d.leds[k].Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s led: %w", k, err))
			}
		}
	}
	if d.chip != nil {
		if err := d.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
