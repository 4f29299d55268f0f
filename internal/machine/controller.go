package machine

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// ErrTreatmentActive is returned by Start while a treatment is running.
var ErrTreatmentActive = errors.New("machine: treatment already active")

// Persister stores the counters and the reset epoch durably. Start does not
// return until the incremented counter has been handed to the persister.
type Persister interface {
	SaveCounters(c Counters, resetEpoch uint32) error
}

// Outputs drives the treatment relay and its mirrored indicator.
type Outputs interface {
	Energize(k Kind) error
	Deenergize() error
}

// Controller owns the device treatment state: the counters, the reset epoch
// and the at-most-one active treatment. All mutation goes through its
// methods; callers in other goroutines must hand requests over a channel.
type Controller struct {
	persist   Persister
	outputs   Outputs
	durations Durations

	counters   Counters
	resetEpoch uint32

	active     bool
	activeKind Kind
	startedAt  time.Time
	duration   time.Duration
}

// NewController creates a controller with the given starting counters and
// reset epoch (normally loaded from the store at boot).
func NewController(persist Persister, outputs Outputs, durations Durations, counters Counters, resetEpoch uint32) *Controller {
	return &Controller{
		persist:    persist,
		outputs:    outputs,
		durations:  durations,
		counters:   counters,
		resetEpoch: resetEpoch,
	}
}

// Start begins a treatment of the given kind. The counter is incremented and
// persisted before the relay is energized and before Start returns. Exactly
// one Event is emitted per successful start.
//
// If a treatment is already active, Start is a no-op and returns
// ErrTreatmentActive. A persist or relay failure does not abort the
// treatment (the device keeps working offline / with a stuck indicator); the
// failure is reported in err alongside the valid event.
func (c *Controller) Start(k Kind, now time.Time) (Event, error) {
	if c.active {
		return Event{}, ErrTreatmentActive
	}

	counter := c.counters.Inc(k)
	var err error
	if perr := c.persist.SaveCounters(c.counters, c.resetEpoch); perr != nil {
		err = fmt.Errorf("persist counters: %w", perr)
	}

	c.active = true
	c.activeKind = k
	c.startedAt = now
	c.duration = c.durations.Get(k)

	if oerr := c.outputs.Energize(k); oerr != nil {
		err = errors.Join(err, fmt.Errorf("energize %s: %w", k, oerr))
	}

	return Event{
		Kind:      k,
		Counter:   counter,
		StartedAt: now,
		Duration:  c.duration,
		Counters:  c.counters,
	}, err
}

// Stop ends the active treatment (long-press stop or remote stop). It
// returns false if nothing was active. Completion emits no event; the
// backend infers the end from the duration.
func (c *Controller) Stop(now time.Time) bool {
	if !c.active {
		return false
	}
	c.active = false
	if err := c.outputs.Deenergize(); err != nil {
		// State is Idle regardless, but a relay that may still be energized
		// must never fail silently.
		log.Printf("machine: deenergize: %v", err)
	}
	return true
}

// Tick checks the treatment timer. It returns true exactly when the active
// treatment reached its duration and was stopped on this call.
func (c *Controller) Tick(now time.Time) bool {
	if !c.active {
		return false
	}
	if now.Sub(c.startedAt) < c.duration {
		return false
	}
	return c.Stop(now)
}

// ResetCounters zeroes all counters and increments the reset epoch. An
// active treatment is stopped first; the in-flight counter value was already
// persisted and enqueued at start, so resetting mid-treatment corrupts
// nothing. Returns whether a treatment was stopped.
func (c *Controller) ResetCounters(now time.Time) (stopped bool, err error) {
	stopped = c.Stop(now)
	c.counters = Counters{}
	c.resetEpoch++
	if perr := c.persist.SaveCounters(c.counters, c.resetEpoch); perr != nil {
		err = fmt.Errorf("persist counters: %w", perr)
	}
	return stopped, err
}

// SetCounters overwrites the counters (local operator edit) and persists.
func (c *Controller) SetCounters(counters Counters) error {
	c.counters = counters
	if err := c.persist.SaveCounters(c.counters, c.resetEpoch); err != nil {
		return fmt.Errorf("persist counters: %w", err)
	}
	return nil
}

// Active returns the active treatment kind, if any.
func (c *Controller) Active() (Kind, bool) {
	return c.activeKind, c.active
}

// Remaining returns the time left on the active treatment, or zero.
func (c *Controller) Remaining(now time.Time) time.Duration {
	if !c.active {
		return 0
	}
	left := c.duration - now.Sub(c.startedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Counters returns the current counter values.
func (c *Controller) Counters() Counters {
	return c.counters
}

// ResetEpoch returns the current reset epoch.
func (c *Controller) ResetEpoch() uint32 {
	return c.resetEpoch
}
