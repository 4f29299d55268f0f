package backend

import (
	"fmt"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/store"
)

// CountersJSON is the wire form of the per-kind counters.
type CountersJSON struct {
	Basic    uint32 `json:"basic"`
	Standard uint32 `json:"standard"`
	Premium  uint32 `json:"premium"`
}

func countersJSON(c machine.Counters) CountersJSON {
	return CountersJSON{Basic: c.Basic, Standard: c.Standard, Premium: c.Premium}
}

// EventRecord is the outbound treatment event as queued and uploaded.
// Immutable once enqueued; it is removed from the queue only after a
// confirmed 2xx upload.
type EventRecord struct {
	DeviceID        string       `json:"device_id"`
	Firmware        string       `json:"firmware"`
	EventID         string       `json:"event_id"`
	Event           string       `json:"event"`
	Treatment       string       `json:"treatment"`
	Counter         uint32       `json:"counter"`
	TS              string       `json:"ts"`
	CurrentCounters CountersJSON `json:"current_counters"`
}

// NewEventRecord builds the wire record for a treatment start.
// ts is the device-local timestamp string, uptime the time since boot.
func NewEventRecord(id store.Identity, firmware string, ev machine.Event, resetEpoch uint32, uptime time.Duration, ts string) EventRecord {
	return EventRecord{
		DeviceID:        id.DeviceID,
		Firmware:        firmware,
		EventID:         eventID(id.DeviceID, ev.Kind, resetEpoch, uptime, ev.Counter),
		Event:           "treatment",
		Treatment:       ev.Kind.String(),
		Counter:         ev.Counter,
		TS:              ts,
		CurrentCounters: countersJSON(ev.Counters),
	}
}

// eventID derives the idempotency identifier the backend dedupes on. It is
// stable across retries of the same record. Uptime resets on every boot; the
// reset epoch keeps ids from colliding across reboots, but the combination
// is not globally time-unique (a firmware swap or epoch overflow can reuse
// an id for a different event).
func eventID(deviceID string, k machine.Kind, resetEpoch uint32, uptime time.Duration, counter uint32) string {
	return fmt.Sprintf("%s-%s-%d-%d-%d", deviceID, k, resetEpoch, uptime.Milliseconds(), counter)
}
