package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/store"
)

func testQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), name), 1<<20)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *store.Fake) {
	t.Helper()
	fake := store.NewFake()
	c := NewClient(srv.URL, "AA:BB:CC:DD:EE:FF", "1.0.0", store.NewDevice(fake), 5*time.Second)
	return c, fake
}

func TestHandshakeStoresIdentity(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/handshake/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"device_id": "dev-1", "token": "tok-1", "assigned": true,
		})
	}))
	defer srv.Close()

	c, fake := newTestClient(t, srv)
	if err := c.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	if gotBody["mac"] != "AA:BB:CC:DD:EE:FF" || gotBody["firmware"] != "1.0.0" {
		t.Errorf("handshake body = %v", gotBody)
	}
	if id := c.Identity(); id.DeviceID != "dev-1" || id.Token != "tok-1" {
		t.Errorf("identity = %+v", id)
	}
	if !c.Assigned() {
		t.Error("assigned flag not set")
	}
	// Identity persisted for the next boot.
	if string(fake.Values["device_id"]) != "dev-1" {
		t.Errorf("persisted device_id = %q", fake.Values["device_id"])
	}
}

func TestHandshakeRejectsEmptyIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"device_id": "", "token": ""})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	if err := c.Handshake(); err == nil {
		t.Fatal("empty identity accepted")
	}
}

func TestUploadNextSuccessPops(t *testing.T) {
	var uploads []EventRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/handshake/":
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": "tok-1"})
		case "/api/device/events/":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
				t.Errorf("auth header = %q", got)
			}
			var rec EventRecord
			json.NewDecoder(r.Body).Decode(&rec)
			uploads = append(uploads, rec)
			w.WriteHeader(http.StatusCreated)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	events := testQueue(t, "events.jsonl")
	events.Append([]byte(`{"event_id":"dev-1-BASIC-0-100-1","treatment":"BASIC","counter":1}`))

	uploaded, err := c.UploadNext(events)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !uploaded {
		t.Fatal("nothing uploaded")
	}
	if len(uploads) != 1 || uploads[0].EventID != "dev-1-BASIC-0-100-1" {
		t.Errorf("uploads = %+v", uploads)
	}
	if _, ok, _ := events.PeekFront(); ok {
		t.Error("record not popped after 2xx")
	}

	// Empty queue: nothing pending, no error.
	uploaded, err = c.UploadNext(events)
	if err != nil || uploaded {
		t.Errorf("empty upload = (%v, %v)", uploaded, err)
	}
}

func TestUploadNextServerErrorKeepsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/handshake/" {
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": "tok-1"})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	events := testQueue(t, "events.jsonl")
	events.Append([]byte(`{"counter":1}`))

	uploaded, err := c.UploadNext(events)
	if err == nil || uploaded {
		t.Fatalf("upload = (%v, %v), want error", uploaded, err)
	}
	if _, ok, _ := events.PeekFront(); !ok {
		t.Error("record lost on failed upload")
	}
}

func TestUploadNextPoisonDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("poison record reached the network: %s", r.URL.Path)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	events := testQueue(t, "events.jsonl")
	events.Append([]byte(`{broken`))
	events.Append([]byte(`{"counter":2}`))

	uploaded, err := c.UploadNext(events)
	if err != nil || uploaded {
		t.Fatalf("poison upload = (%v, %v)", uploaded, err)
	}
	rec, ok, _ := events.PeekFront()
	if !ok || string(rec) != `{"counter":2}` {
		t.Errorf("front after poison = %q ok=%v", rec, ok)
	}
}

func TestUnauthorizedTriggersOneRehandshake(t *testing.T) {
	handshakes := 0
	tokens := []string{"stale", "fresh"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/handshake/":
			handshakes++
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": tokens[1]})
		case "/api/device/events/":
			if r.Header.Get("Authorization") == "Bearer "+tokens[1] {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	fake := store.NewFake()
	dev := store.NewDevice(fake)
	dev.SaveIdentity(store.Identity{DeviceID: "dev-1", Token: tokens[0]})
	c := NewClient(srv.URL, "AA:BB:CC:DD:EE:FF", "1.0.0", dev, 5*time.Second)

	events := testQueue(t, "events.jsonl")
	events.Append([]byte(`{"counter":1}`))

	uploaded, err := c.UploadNext(events)
	if err != nil || !uploaded {
		t.Fatalf("upload after 401 = (%v, %v)", uploaded, err)
	}
	if handshakes != 1 {
		t.Errorf("handshakes = %d, want 1", handshakes)
	}
	if got := c.Identity().Token; got != "fresh" {
		t.Errorf("token after re-handshake = %q", got)
	}
}

func TestRehandshakeRetargetsDeviceID(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/handshake/":
			// The backend re-enrolled this MAC under a new device id.
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-2", "token": "fresh"})
		case "/api/device/dev-1/commands/":
			paths = append(paths, r.URL.Path)
			w.WriteHeader(http.StatusUnauthorized)
		case "/api/device/dev-2/commands/":
			paths = append(paths, r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{"commands": []map[string]any{
				{"command_id": "cmd-1", "command_type": "GET_STATUS"},
			}})
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fake := store.NewFake()
	dev := store.NewDevice(fake)
	dev.SaveIdentity(store.Identity{DeviceID: "dev-1", Token: "stale"})
	c := NewClient(srv.URL, "AA:BB:CC:DD:EE:FF", "1.0.0", dev, 5*time.Second)

	commands := testQueue(t, "commands.jsonl")
	n, err := c.PollCommands(commands, time.Minute)
	if err != nil {
		t.Fatalf("poll after 401: %v", err)
	}
	if n != 1 {
		t.Errorf("queued = %d, want 1", n)
	}
	// The retry must target the re-issued device id, not the stale one.
	want := []string{"/api/device/dev-1/commands/", "/api/device/dev-2/commands/"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("polled paths = %v, want %v", paths, want)
	}
	if id := c.Identity(); id.DeviceID != "dev-2" {
		t.Errorf("identity after re-handshake = %+v", id)
	}
}

func TestPollCommandsValidatesIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/handshake/":
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": "tok-1"})
		case "/api/device/dev-1/commands/":
			json.NewEncoder(w).Encode(map[string]any{"commands": []map[string]any{
				{"command_id": "cmd-1", "command_type": "RESET_COUNTERS"},
				{"command_id": "", "command_type": "REBOOT"},
				{"command_id": "null", "command_type": "REBOOT"},
				{"command_id": "cmd-2", "command_type": "GET_STATUS", "payload": map[string]any{"verbose": true}},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	commands := testQueue(t, "commands.jsonl")

	n, err := c.PollCommands(commands, 42*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 2 {
		t.Errorf("queued = %d, want 2 (invalid ids skipped)", n)
	}

	raw, ok, _ := commands.PeekFront()
	if !ok {
		t.Fatal("command queue empty")
	}
	var rec CommandRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("queued record: %v", err)
	}
	if rec.CommandID != "cmd-1" || rec.Type != "RESET_COUNTERS" {
		t.Errorf("first queued command = %+v", rec)
	}
	if rec.ReceivedAtUptimeMs != 42000 {
		t.Errorf("received uptime = %d", rec.ReceivedAtUptimeMs)
	}
}

func TestReportCommandResult(t *testing.T) {
	var got resultReport
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/handshake/" {
			json.NewEncoder(w).Encode(map[string]any{"device_id": "dev-1", "token": "tok-1"})
			return
		}
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	counters := machine.Counters{Basic: 3, Standard: 1}
	if err := c.ReportCommandResult("cmd-9", true, "done", counters, "2026-03-14 09:26:53"); err != nil {
		t.Fatalf("report: %v", err)
	}

	if gotPath != "/api/device/dev-1/commands/cmd-9/" {
		t.Errorf("path = %s", gotPath)
	}
	if !got.Success || got.Message != "done" || got.Timestamp != "2026-03-14 09:26:53" {
		t.Errorf("report body = %+v", got)
	}
	if got.CurrentCounters != (CountersJSON{Basic: 3, Standard: 1}) {
		t.Errorf("counters = %+v", got.CurrentCounters)
	}
}

func TestCheckLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound) // any response proves the link
	}))

	c, _ := newTestClient(t, srv)
	if err := c.CheckLink(); err != nil {
		t.Errorf("link probe with 404: %v", err)
	}

	srv.Close()
	if err := c.CheckLink(); err == nil {
		t.Error("link probe succeeded against a closed server")
	}
}
