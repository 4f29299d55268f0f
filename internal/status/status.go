// Package status provides a thread-safe status tracker for the ozone-machine
// daemon. It is designed to be read by HTTP handlers and the MQTT heartbeat.
package status

import (
	"sync"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// SyncInfo contains backend sync state. This is a local copy to avoid
// importing internal/backend from status.
type SyncInfo struct {
	Online         bool
	UploadAttempts int
	PollAttempts   int
	LastUploadOK   time.Time
	LastPollOK     time.Time
}

// Config contains daemon configuration for display.
type Config struct {
	InputPollMs   int64
	ControlTickMs int64
	DebounceMs    int64
	HoldMs        int64
	CommandPollMs int64
	HeartbeatMs   int64
	BackendURL    string
	Broker        string
	HTTPPort      string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type — safe to use after the lock is released.
type Snapshot struct {
	Active        bool
	Kind          machine.Kind
	Remaining     time.Duration
	Counters      machine.Counters
	ResetEpoch    uint32
	DeviceID      string
	Assigned      bool
	Firmware      string
	Sync          SyncInfo
	EventBytes    int64
	CommandBytes  int64
	MQTTConnected bool
	StartTime     time.Time
	Now           time.Time
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, firmware string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Firmware:  firmware,
			Config:    cfg,
		},
	}
}

// UpdateTreatment sets the treatment state and counters.
// Called from the control worker on every tick.
func (t *Tracker) UpdateTreatment(active bool, kind machine.Kind, remaining time.Duration, counters machine.Counters, resetEpoch uint32) {
	t.mu.Lock()
	t.snap.Active = active
	t.snap.Kind = kind
	t.snap.Remaining = remaining
	t.snap.Counters = counters
	t.snap.ResetEpoch = resetEpoch
	t.mu.Unlock()
}

// SetIdentity sets the backend-assigned identity for display.
func (t *Tracker) SetIdentity(deviceID string, assigned bool) {
	t.mu.Lock()
	t.snap.DeviceID = deviceID
	t.snap.Assigned = assigned
	t.mu.Unlock()
}

// SetSync sets the backend sync state.
func (t *Tracker) SetSync(info SyncInfo) {
	t.mu.Lock()
	t.snap.Sync = info
	t.mu.Unlock()
}

// SetQueues sets the on-disk queue sizes.
func (t *Tracker) SetQueues(eventBytes, commandBytes int64) {
	t.mu.Lock()
	t.snap.EventBytes = eventBytes
	t.snap.CommandBytes = commandBytes
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
