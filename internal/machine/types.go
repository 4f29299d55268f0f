// Package machine contains pure business logic for the ozone treatment
// state machine: button debouncing, the start/stop/timeout rules, and the
// per-tier counters. This package has NO external dependencies (no GPIO,
// HTTP, filesystem, or time.Sleep). Time is always injectable via time.Time
// parameters.
package machine

import "time"

// Kind identifies a treatment tier.
type Kind int

const (
	Basic Kind = iota
	Standard
	Premium
)

// Kinds lists all treatment tiers in counter-storage order.
var Kinds = [3]Kind{Basic, Standard, Premium}

// String returns the wire token for the kind ("BASIC", "STANDARD", "PREMIUM").
func (k Kind) String() string {
	switch k {
	case Basic:
		return "BASIC"
	case Standard:
		return "STANDARD"
	case Premium:
		return "PREMIUM"
	default:
		return "UNKNOWN"
	}
}

// Counters holds the monotonically increasing treatment counters, one per kind.
type Counters struct {
	Basic    uint32
	Standard uint32
	Premium  uint32
}

// Get returns the counter value for a kind.
func (c Counters) Get(k Kind) uint32 {
	switch k {
	case Basic:
		return c.Basic
	case Standard:
		return c.Standard
	case Premium:
		return c.Premium
	default:
		return 0
	}
}

// Inc increments the counter for a kind and returns the new value.
func (c *Counters) Inc(k Kind) uint32 {
	switch k {
	case Basic:
		c.Basic++
		return c.Basic
	case Standard:
		c.Standard++
		return c.Standard
	case Premium:
		c.Premium++
		return c.Premium
	default:
		return 0
	}
}

// Intent is a debounced control request produced by the button sampler.
type Intent int

const (
	IntentNone Intent = iota
	IntentStartBasic
	IntentStartStandard
	IntentStartPremium
	IntentStop
)

// StartKind returns the kind a start intent refers to.
// ok is false for IntentNone and IntentStop.
func (i Intent) StartKind() (Kind, bool) {
	switch i {
	case IntentStartBasic:
		return Basic, true
	case IntentStartStandard:
		return Standard, true
	case IntentStartPremium:
		return Premium, true
	default:
		return 0, false
	}
}

func (i Intent) String() string {
	switch i {
	case IntentStartBasic:
		return "START_BASIC"
	case IntentStartStandard:
		return "START_STANDARD"
	case IntentStartPremium:
		return "START_PREMIUM"
	case IntentStop:
		return "STOP"
	default:
		return "NONE"
	}
}

// Durations holds the fixed activation duration per kind.
type Durations struct {
	Basic    time.Duration
	Standard time.Duration
	Premium  time.Duration
}

// Get returns the duration for a kind.
func (d Durations) Get(k Kind) time.Duration {
	switch k {
	case Basic:
		return d.Basic
	case Standard:
		return d.Standard
	case Premium:
		return d.Premium
	default:
		return 0
	}
}

// Event is emitted exactly once per treatment start. It is immutable; the
// sync side derives the outbound wire record from it.
type Event struct {
	Kind      Kind
	Counter   uint32 // counter value after the increment for this start
	StartedAt time.Time
	Duration  time.Duration
	Counters  Counters // snapshot of all counters after the increment
}

// Raw is a single undebounced sample of the three button levels.
// true = pressed.
type Raw struct {
	Basic    bool
	Standard bool
	Premium  bool
	Time     time.Time
}
