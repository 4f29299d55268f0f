package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Treatment     string       `json:"treatment"`
	RemainingMs   int64        `json:"remaining_ms"`
	Counters      CountersJSON `json:"counters"`
	ResetEpoch    uint32       `json:"reset_epoch"`
	DeviceID      string       `json:"device_id,omitempty"`
	Assigned      bool         `json:"assigned"`
	Firmware      string       `json:"firmware"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Sync          SyncJSON     `json:"sync"`
	Queues        QueuesJSON   `json:"queues"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Config        ConfigJSON   `json:"config"`
}

// CountersJSON is the JSON representation of the lifetime counters.
type CountersJSON struct {
	Basic    uint32 `json:"basic"`
	Standard uint32 `json:"standard"`
	Premium  uint32 `json:"premium"`
}

// SyncJSON reports backend sync state.
type SyncJSON struct {
	Online         bool   `json:"online"`
	UploadAttempts int    `json:"upload_attempts"`
	PollAttempts   int    `json:"poll_attempts"`
	LastUploadOK   string `json:"last_upload_ok,omitempty"`
	LastPollOK     string `json:"last_poll_ok,omitempty"`
}

// QueuesJSON reports on-disk queue sizes.
type QueuesJSON struct {
	EventBytes   int64 `json:"event_bytes"`
	CommandBytes int64 `json:"command_bytes"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	InputPollMs   int64  `json:"input_poll_ms"`
	ControlTickMs int64  `json:"control_tick_ms"`
	DebounceMs    int64  `json:"debounce_ms"`
	HoldMs        int64  `json:"hold_ms"`
	CommandPollMs int64  `json:"command_poll_ms"`
	HeartbeatMs   int64  `json:"heartbeat_ms"`
	BackendURL    string `json:"backend_url"`
	Broker        string `json:"broker"`
	HTTPPort      string `json:"http_port"`
}

func buildInner(snap Snapshot) StatusInner {
	treatment := "IDLE"
	var remaining int64
	if snap.Active {
		treatment = snap.Kind.String()
		remaining = snap.Remaining.Milliseconds()
	}

	sync := SyncJSON{
		Online:         snap.Sync.Online,
		UploadAttempts: snap.Sync.UploadAttempts,
		PollAttempts:   snap.Sync.PollAttempts,
	}
	if !snap.Sync.LastUploadOK.IsZero() {
		sync.LastUploadOK = snap.Sync.LastUploadOK.UTC().Format(time.RFC3339)
	}
	if !snap.Sync.LastPollOK.IsZero() {
		sync.LastPollOK = snap.Sync.LastPollOK.UTC().Format(time.RFC3339)
	}

	return StatusInner{
		Treatment:     treatment,
		RemainingMs:   remaining,
		Counters:      CountersJSON{Basic: snap.Counters.Basic, Standard: snap.Counters.Standard, Premium: snap.Counters.Premium},
		ResetEpoch:    snap.ResetEpoch,
		DeviceID:      snap.DeviceID,
		Assigned:      snap.Assigned,
		Firmware:      snap.Firmware,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Sync:          sync,
		Queues:        QueuesJSON{EventBytes: snap.EventBytes, CommandBytes: snap.CommandBytes},
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			InputPollMs:   snap.Config.InputPollMs,
			ControlTickMs: snap.Config.ControlTickMs,
			DebounceMs:    snap.Config.DebounceMs,
			HoldMs:        snap.Config.HoldMs,
			CommandPollMs: snap.Config.CommandPollMs,
			HeartbeatMs:   snap.Config.HeartbeatMs,
			BackendURL:    snap.Config.BackendURL,
			Broker:        snap.Config.Broker,
			HTTPPort:      snap.Config.HTTPPort,
		},
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
