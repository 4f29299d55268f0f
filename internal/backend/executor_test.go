package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/clock"
	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/store"
)

// fakeMachine stands in for the control worker's channel bridge.
type fakeMachine struct {
	counters machine.Counters
	epoch    uint32
	resets   int
}

func (f *fakeMachine) Counters() machine.Counters { return f.counters }

func (f *fakeMachine) ResetCounters() (machine.Counters, uint32) {
	f.resets++
	f.counters = machine.Counters{}
	f.epoch++
	return f.counters, f.epoch
}

type executorFixture struct {
	exec     *Executor
	client   *Client
	mach     *fakeMachine
	dev      *store.Device
	kv       *store.Fake
	events   *queue.Queue
	commands *queue.Queue
	clk      *clock.Clock
	reports  *[]resultReport
	rebooted *bool
}

func newExecutorFixture(t *testing.T, reportStatus int) *executorFixture {
	t.Helper()

	reports := &[]resultReport{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/handshake/":
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": "tok-1"})
		case strings.HasPrefix(r.URL.Path, "/api/device/dev-1/commands/"):
			var rep resultReport
			json.NewDecoder(r.Body).Decode(&rep)
			*reports = append(*reports, rep)
			w.WriteHeader(reportStatus)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)

	kv := store.NewFake()
	dev := store.NewDevice(kv)
	client := NewClient(srv.URL, "AA:BB:CC:DD:EE:FF", "1.0.0", dev, 5*time.Second)
	events := testQueue(t, "events.jsonl")
	commands := testQueue(t, "commands.jsonl")
	mach := &fakeMachine{counters: machine.Counters{Basic: 7, Standard: 2, Premium: 1}, epoch: 3}

	now := time.Date(2026, 3, 14, 9, 26, 0, 0, time.Local)
	clk := clock.New(func() time.Time { return now })

	rebooted := false
	exec := NewExecutor(mach, dev, events, commands, clk, func() { rebooted = true }, func() time.Duration { return 90 * time.Second })

	return &executorFixture{
		exec: exec, client: client, mach: mach, dev: dev, kv: kv,
		events: events, commands: commands, clk: clk,
		reports: reports, rebooted: &rebooted,
	}
}

func enqueueCommand(t *testing.T, q *queue.Queue, id, typ, payload string) {
	t.Helper()
	rec := CommandRecord{CommandID: id, Type: typ}
	if payload != "" {
		rec.Payload = json.RawMessage(payload)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	if err := q.Append(raw); err != nil {
		t.Fatalf("enqueue command: %v", err)
	}
}

func TestExecuteResetCounters(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	enqueueCommand(t, fx.commands, "cmd-1", "RESET_COUNTERS", "")

	done, err := fx.exec.ExecuteNext(fx.client)
	if err != nil || !done {
		t.Fatalf("execute = (%v, %v)", done, err)
	}

	if fx.mach.resets != 1 {
		t.Errorf("resets = %d", fx.mach.resets)
	}
	if fx.mach.counters != (machine.Counters{}) {
		t.Errorf("counters after reset = %+v", fx.mach.counters)
	}
	if fx.mach.epoch != 4 {
		t.Errorf("epoch = %d, want 4", fx.mach.epoch)
	}
	if len(*fx.reports) != 1 {
		t.Fatalf("reports = %d", len(*fx.reports))
	}
	rep := (*fx.reports)[0]
	if !rep.Success {
		t.Errorf("reported failure: %s", rep.Message)
	}
	if rep.CurrentCounters != (CountersJSON{}) {
		t.Errorf("reported counters = %+v, want zeros", rep.CurrentCounters)
	}
	if _, ok, _ := fx.commands.PeekFront(); ok {
		t.Error("command not popped")
	}
}

func TestExecuteUnknownCommandReportedFailed(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	enqueueCommand(t, fx.commands, "cmd-1", "EJECT_WARP_CORE", "")

	done, err := fx.exec.ExecuteNext(fx.client)
	if err != nil || !done {
		t.Fatalf("execute = (%v, %v)", done, err)
	}
	if len(*fx.reports) != 1 || (*fx.reports)[0].Success {
		t.Errorf("reports = %+v, want one failure", *fx.reports)
	}
	if _, ok, _ := fx.commands.PeekFront(); ok {
		t.Error("unknown command not popped")
	}
}

func TestExecutePoisonCommandDropped(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	fx.commands.Append([]byte(`{not json`))
	enqueueCommand(t, fx.commands, "cmd-2", "GET_STATUS", "")

	done, err := fx.exec.ExecuteNext(fx.client)
	if err != nil || !done {
		t.Fatalf("execute poison = (%v, %v)", done, err)
	}
	if len(*fx.reports) != 0 {
		t.Errorf("poison produced a report: %+v", *fx.reports)
	}

	// The healthy command behind it runs on the next step.
	done, err = fx.exec.ExecuteNext(fx.client)
	if err != nil || !done {
		t.Fatalf("execute after poison = (%v, %v)", done, err)
	}
	if len(*fx.reports) != 1 || !(*fx.reports)[0].Success {
		t.Errorf("reports = %+v", *fx.reports)
	}
}

func TestExecutePopsEvenWhenReportFails(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusInternalServerError)
	enqueueCommand(t, fx.commands, "cmd-1", "RESET_COUNTERS", "")

	done, err := fx.exec.ExecuteNext(fx.client)
	if err != nil || !done {
		t.Fatalf("execute = (%v, %v)", done, err)
	}
	if fx.mach.resets != 1 {
		t.Errorf("resets = %d", fx.mach.resets)
	}
	if _, ok, _ := fx.commands.PeekFront(); ok {
		t.Error("command retained after failed report; must be at most once")
	}
}

func TestExecuteClearQueue(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	fx.events.Append([]byte(`{"counter":1}`))
	fx.events.Append([]byte(`{"counter":2}`))
	enqueueCommand(t, fx.commands, "cmd-1", "CLEAR_QUEUE", "")

	if _, err := fx.exec.ExecuteNext(fx.client); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fx.events.SizeBytes() != 0 {
		t.Errorf("event queue not cleared: %d bytes", fx.events.SizeBytes())
	}
	if _, ok, _ := fx.commands.PeekFront(); ok {
		t.Error("command queue not cleared")
	}
	if len(*fx.reports) != 1 || !(*fx.reports)[0].Success {
		t.Errorf("reports = %+v", *fx.reports)
	}
}

func TestExecuteClearMemoryKeepsIdentity(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	fx.dev.SaveCounters(machine.Counters{Basic: 5}, 2)
	enqueueCommand(t, fx.commands, "cmd-1", "CLEAR_MEMORY", "")

	if _, err := fx.exec.ExecuteNext(fx.client); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c, epoch := fx.dev.LoadCounters(); c != (machine.Counters{}) || epoch != 0 {
		t.Errorf("counters survived clear: %+v epoch=%d", c, epoch)
	}
	// Identity was stored by the handshake the report triggered.
	if id := fx.dev.LoadIdentity(); id.DeviceID != "dev-1" {
		t.Errorf("identity lost: %+v", id)
	}
}

func TestExecuteRebootAfterReport(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	enqueueCommand(t, fx.commands, "cmd-1", "REBOOT", "")

	if _, err := fx.exec.ExecuteNext(fx.client); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !*fx.rebooted {
		t.Error("reboot hook not called")
	}
	if len(*fx.reports) != 1 || !(*fx.reports)[0].Success {
		t.Errorf("reports = %+v", *fx.reports)
	}
	if _, ok, _ := fx.commands.PeekFront(); ok {
		t.Error("reboot command not popped before restart")
	}
}

func TestExecuteSyncTime(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	enqueueCommand(t, fx.commands, "cmd-1", "SYNC_TIME", `{"ts":"2026-03-14 10:00:00"}`)

	if _, err := fx.exec.ExecuteNext(fx.client); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	if got := fx.clk.Now(); !got.Equal(want) {
		t.Errorf("clock after sync = %v, want %v", got, want)
	}
}

func TestExecuteGetStatus(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	enqueueCommand(t, fx.commands, "cmd-1", "GET_STATUS", "")

	if _, err := fx.exec.ExecuteNext(fx.client); err != nil {
		t.Fatalf("execute: %v", err)
	}
	msg := (*fx.reports)[0].Message
	if !strings.Contains(msg, "uptime=1m30s") || !strings.Contains(msg, "counters=7/2/1") {
		t.Errorf("status message = %q", msg)
	}
}

func TestExecuteEmptyQueue(t *testing.T) {
	fx := newExecutorFixture(t, http.StatusOK)
	done, err := fx.exec.ExecuteNext(fx.client)
	if err != nil || done {
		t.Errorf("execute on empty queue = (%v, %v)", done, err)
	}
}

func TestParseSyncTime(t *testing.T) {
	epoch := time.Unix(1770000000, 0)
	cases := []struct {
		name    string
		payload string
		want    time.Time
		wantErr bool
	}{
		{"local layout", `{"ts":"2026-03-14 09:26:53"}`, time.Date(2026, 3, 14, 9, 26, 53, 0, time.Local), false},
		{"rfc3339", `{"ts":"2026-03-14T09:26:53Z"}`, time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC), false},
		{"epoch", `{"epoch":1770000000}`, epoch, false},
		{"garbage ts", `{"ts":"yesterday"}`, time.Time{}, true},
		{"empty", `{}`, time.Time{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseSyncTime(json.RawMessage(tc.payload))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parsed %q to %v, want error", tc.payload, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.payload, err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("parse %q = %v, want %v", tc.payload, got, tc.want)
			}
		})
	}
}
