package machine

import "time"

// buttonState tracks debounce state for a single button.
type buttonState struct {
	// Current stable (debounced) level. true = pressed.
	stable bool
	// Pending level observed but not yet stable.
	pending bool
	// Whether a pending level is being timed.
	timing bool
	// Time when the pending level was first observed.
	pendingSince time.Time
}

// settle feeds one raw level into the debouncer. It returns true exactly when
// the stable level flips to pressed (a press edge).
func (b *buttonState) settle(raw bool, now time.Time, debounce time.Duration) bool {
	if raw == b.stable {
		b.timing = false
		return false
	}
	if !b.timing || b.pending != raw {
		b.pending = raw
		b.pendingSince = now
		b.timing = true
		return false
	}
	if now.Sub(b.pendingSince) < debounce {
		return false
	}
	b.stable = raw
	b.timing = false
	return b.stable
}

// Buttons debounces the three treatment buttons and turns stable edges into
// control intents. The Premium button doubles as the stop button: while a
// treatment is active, only a hold of at least the stop-hold time is honored,
// and only after the button has been released at least once since the active
// treatment started. After a stop the button stays blocked until it is fully
// released, so a still-held finger cannot restart a treatment.
type Buttons struct {
	debounce time.Duration
	holdTime time.Duration

	basic    buttonState
	standard buttonState
	premium  buttonState

	// Premium long-press tracking.
	holdTiming bool
	holdSince  time.Time

	// Guards carried over from the source firmware:
	// releasedSinceStart gates stop-holds so the press that started a
	// Premium treatment cannot also stop it; blocked gates starts after a
	// long-press stop until the button is released.
	releasedSinceStart bool
	blocked            bool
}

// NewButtons creates a debouncer with the given debounce interval and
// stop-hold threshold.
func NewButtons(debounce, holdTime time.Duration) *Buttons {
	return &Buttons{
		debounce:           debounce,
		holdTime:           holdTime,
		releasedSinceStart: true,
	}
}

// NoteStart informs the sampler that a treatment has started. For a
// Premium start the initiating press must be released before a stop-hold
// can be recognized.
func (b *Buttons) NoteStart(k Kind) {
	b.releasedSinceStart = k != Premium
	b.holdTiming = false
}

// Sample feeds one raw reading through the debouncer and returns at most one
// intent. active reports whether a treatment is currently running; it decides
// whether stable edges mean "start" or the Premium hold means "stop".
func (b *Buttons) Sample(raw Raw, active bool) Intent {
	basicEdge := b.basic.settle(raw.Basic, raw.Time, b.debounce)
	standardEdge := b.standard.settle(raw.Standard, raw.Time, b.debounce)
	premiumEdge := b.premium.settle(raw.Premium, raw.Time, b.debounce)

	if active {
		// Short presses of Basic/Standard are ignored during a treatment.
		if !b.premium.stable {
			b.releasedSinceStart = true
			b.holdTiming = false
			return IntentNone
		}
		if !b.releasedSinceStart {
			// Still the same hold that started the treatment.
			return IntentNone
		}
		if !b.holdTiming {
			b.holdTiming = true
			b.holdSince = raw.Time
			return IntentNone
		}
		if raw.Time.Sub(b.holdSince) >= b.holdTime {
			b.holdTiming = false
			b.blocked = true
			return IntentStop
		}
		return IntentNone
	}

	b.holdTiming = false

	if b.blocked {
		if !b.premium.stable {
			b.blocked = false
		} else {
			premiumEdge = false
		}
	}

	switch {
	case basicEdge:
		return IntentStartBasic
	case standardEdge:
		return IntentStartStandard
	case premiumEdge:
		return IntentStartPremium
	}
	return IntentNone
}
