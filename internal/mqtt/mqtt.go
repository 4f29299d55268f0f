// Package mqtt mirrors treatment telemetry to an MQTT broker, with
// abstraction for testing. The broker feed is best-effort: the durable
// record of every treatment is the backend event queue, so a publish
// failure never blocks or fails a treatment.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// Topic is the MQTT topic for treatment events.
const Topic = "ozone/machine/treatments"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "ozone/machine/system"

// Publisher publishes telemetry to MQTT.
type Publisher interface {
	// Publish sends a started treatment to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event machine.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Treatment TreatmentPayload `json:"treatment"`
}

// TreatmentPayload contains the treatment event details.
type TreatmentPayload struct {
	Timestamp string       `json:"timestamp"`
	Tier      string       `json:"tier"`
	Counter   uint32       `json:"counter"`
	DurationS float64      `json:"duration_s"`
	Counters  TierCounters `json:"counters"`
}

// TierCounters mirrors the lifetime counters at the time of the event.
type TierCounters struct {
	Basic    uint32 `json:"basic"`
	Standard uint32 `json:"standard"`
	Premium  uint32 `json:"premium"`
}

// FormatPayload creates the JSON payload for a treatment event.
func FormatPayload(event machine.Event) ([]byte, error) {
	payload := Payload{
		Treatment: TreatmentPayload{
			Timestamp: event.StartedAt.UTC().Format(time.RFC3339),
			Tier:      event.Kind.String(),
			Counter:   event.Counter,
			DurationS: event.Duration.Seconds(),
			Counters: TierCounters{
				Basic:    event.Counters.Basic,
				Standard: event.Counters.Standard,
				Premium:  event.Counters.Premium,
			},
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status
// snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
