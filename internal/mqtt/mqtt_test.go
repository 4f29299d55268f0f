package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

func sampleEvent() machine.Event {
	return machine.Event{
		Kind:      machine.Standard,
		Counter:   42,
		StartedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Duration:  10 * time.Second,
		Counters:  machine.Counters{Basic: 7, Standard: 42, Premium: 3},
	}
}

func TestFormatPayload(t *testing.T) {
	raw, err := FormatPayload(sampleEvent())
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var got Payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}

	tr := got.Treatment
	if tr.Timestamp != "2026-03-14T09:26:53Z" {
		t.Errorf("timestamp = %q", tr.Timestamp)
	}
	if tr.Tier != "STANDARD" {
		t.Errorf("tier = %q", tr.Tier)
	}
	if tr.Counter != 42 {
		t.Errorf("counter = %d", tr.Counter)
	}
	if tr.DurationS != 10 {
		t.Errorf("duration_s = %v", tr.DurationS)
	}
	if tr.Counters != (TierCounters{Basic: 7, Standard: 42, Premium: 3}) {
		t.Errorf("counters = %+v", tr.Counters)
	}
}

func TestFormatPayloadLocalTimeNormalizedToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ev := sampleEvent()
	ev.StartedAt = time.Date(2026, 3, 14, 17, 26, 53, 0, loc)

	raw, err := FormatPayload(ev)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var got Payload
	json.Unmarshal(raw, &got)
	if got.Treatment.Timestamp != "2026-03-14T09:26:53Z" {
		t.Errorf("timestamp = %q, want UTC", got.Treatment.Timestamp)
	}
}

func TestFormatSystemPayload(t *testing.T) {
	raw, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var got SystemPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.System.Event != "SHUTDOWN" || got.System.Reason != "SIGTERM" {
		t.Errorf("system payload = %+v", got.System)
	}
	if got.System.Timestamp != "2026-03-14T09:00:00Z" {
		t.Errorf("timestamp = %q", got.System.Timestamp)
	}
}

func TestFormatSystemPayloadOmitsEmptyReason(t *testing.T) {
	raw, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     "HEARTBEAT",
	})
	if err != nil {
		t.Fatalf("format: %v", err)
	}

	var m map[string]map[string]any
	json.Unmarshal(raw, &m)
	if _, ok := m["system"]["reason"]; ok {
		t.Error("empty reason serialized")
	}
}

func TestFormatSystemPayloadRawPassthrough(t *testing.T) {
	want := []byte(`{"system":{"event":"STARTUP","extra":1}}`)
	got, err := FormatSystemPayload(SystemEvent{RawPayload: want})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("raw payload not passed through: %s", got)
	}
}

func TestFakePublisherRecords(t *testing.T) {
	f := NewFakePublisher()

	if err := f.Publish(sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := f.PublishSystem(SystemEvent{Event: "STARTUP", Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish system: %v", err)
	}

	if len(f.Events) != 1 || f.Events[0].Counter != 42 {
		t.Errorf("events = %+v", f.Events)
	}
	if len(f.Payloads) != 1 || !json.Valid(f.Payloads[0]) {
		t.Errorf("payloads = %d", len(f.Payloads))
	}
	if len(f.SystemEvents) != 1 || f.SystemEvents[0].Event != "STARTUP" {
		t.Errorf("system events = %+v", f.SystemEvents)
	}
}

func TestFakePublisherError(t *testing.T) {
	f := NewFakePublisher()
	f.PublishError = errors.New("broker down")

	if err := f.Publish(sampleEvent()); err == nil {
		t.Error("expected error to be returned")
	}
	if len(f.Events) != 0 {
		t.Error("event recorded despite error")
	}
}

func TestFakePublisherReset(t *testing.T) {
	f := NewFakePublisher()
	f.Publish(sampleEvent())
	f.Close()
	f.Reset()

	if len(f.Events) != 0 || len(f.Payloads) != 0 || f.Closed {
		t.Errorf("reset incomplete: %+v", f)
	}
}
