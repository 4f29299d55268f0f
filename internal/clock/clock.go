// Package clock provides the device's timestamp source. The hardware RTC is
// an external collaborator; this wraps whatever "now" the process has with a
// settable offset so a remote SYNC_TIME command can correct drift without
// touching the system clock.
package clock

import (
	"sync"
	"time"
)

// Layout is the timestamp format emitted in events, in local device time.
const Layout = "2006-01-02 15:04:05"

// Clock produces device-local timestamps.
// Safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	now    func() time.Time
	offset time.Duration
}

// New creates a clock reading from the given time source
// (time.Now in production).
func New(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current device time (source time plus the sync offset).
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

// Timestamp returns Now formatted for the event wire format.
func (c *Clock) Timestamp() string {
	return c.Now().Local().Format(Layout)
}

// SetTime adjusts the clock so that Now returns t at the moment of the call.
// Used by the SYNC_TIME command.
func (c *Clock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.now())
}

// Offset returns the current sync offset.
func (c *Clock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
