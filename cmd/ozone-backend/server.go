package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// device is one enrolled dispenser. The device id is stable per MAC; the
// token rotates on every handshake, which is how 401 recovery gets exercised
// against this simulator.
type device struct {
	MAC      string
	DeviceID string
	Token    string
	Firmware string
	Assigned bool
	LastSeen time.Time
}

type pendingCommand struct {
	CommandID   string          `json:"command_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type commandResult struct {
	DeviceID        string          `json:"device_id"`
	CommandID       string          `json:"command_id"`
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	Timestamp       string          `json:"timestamp"`
	CurrentCounters json.RawMessage `json:"current_counters"`
}

// simulator is an in-memory stand-in for the fleet backend, for bench tests
// and local development of the firmware. Nothing survives a restart.
type simulator struct {
	mu       sync.Mutex
	assigned bool
	byMAC    map[string]*device
	byToken  map[string]*device
	events   []json.RawMessage
	seen     map[string]bool
	pending  map[string][]pendingCommand
	sent     map[string]pendingCommand
	results  []commandResult
}

func newSimulator(assigned bool) *simulator {
	return &simulator{
		assigned: assigned,
		byMAC:    make(map[string]*device),
		byToken:  make(map[string]*device),
		seen:     make(map[string]bool),
		pending:  make(map[string][]pendingCommand),
		sent:     make(map[string]pendingCommand),
	}
}

func (s *simulator) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/api/handshake/", s.handleHandshake).Methods(http.MethodPost)
	r.HandleFunc("/api/device/events/", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/api/device/{device}/commands/", s.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/api/device/{device}/commands/{command}/", s.handleResult).Methods(http.MethodPost)
	r.HandleFunc("/admin/commands/", s.handleInject).Methods(http.MethodPost)
	r.HandleFunc("/admin/events/", s.handleDump).Methods(http.MethodGet)
	r.HandleFunc("/admin/results/", s.handleResults).Methods(http.MethodGet)
	return r
}

func (s *simulator) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	n := len(s.byMAC)
	e := len(s.events)
	s.mu.Unlock()
	fmt.Fprintf(w, "ozone backend simulator: %d devices, %d events\n", n, e)
}

func (s *simulator) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MAC      string `json:"mac"`
		Firmware string `json:"firmware"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MAC == "" {
		httpError(w, http.StatusBadRequest, "mac required")
		return
	}

	s.mu.Lock()
	d, ok := s.byMAC[req.MAC]
	if !ok {
		d = &device{
			MAC:      req.MAC,
			DeviceID: "dev-" + uuid.NewString()[:8],
			Assigned: s.assigned,
		}
		s.byMAC[req.MAC] = d
	}
	// Rotate the token; the previous one stops working immediately.
	delete(s.byToken, d.Token)
	d.Token = uuid.NewString()
	d.Firmware = req.Firmware
	d.LastSeen = time.Now()
	s.byToken[d.Token] = d
	resp := map[string]any{"device_id": d.DeviceID, "token": d.Token, "assigned": d.Assigned}
	s.mu.Unlock()

	log.Printf("backend: handshake mac=%s device_id=%s firmware=%s", req.MAC, d.DeviceID, req.Firmware)
	writeJSON(w, http.StatusOK, resp)
}

// authorize resolves the bearer token to a device, or writes a 401.
func (s *simulator) authorize(w http.ResponseWriter, r *http.Request) *device {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	d := s.byToken[tok]
	if d != nil {
		d.LastSeen = time.Now()
	}
	s.mu.Unlock()
	if d == nil || tok == "" {
		httpError(w, http.StatusUnauthorized, "invalid token")
		return nil
	}
	return d
}

func (s *simulator) handleEvents(w http.ResponseWriter, r *http.Request) {
	d := s.authorize(w, r)
	if d == nil {
		return
	}
	var ev struct {
		EventID   string `json:"event_id"`
		Treatment string `json:"treatment"`
		Counter   uint32 `json:"counter"`
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := json.Unmarshal(raw, &ev); err != nil || ev.EventID == "" {
		httpError(w, http.StatusBadRequest, "event_id required")
		return
	}

	s.mu.Lock()
	dup := s.seen[ev.EventID]
	if !dup {
		s.seen[ev.EventID] = true
		s.events = append(s.events, raw)
	}
	s.mu.Unlock()

	if dup {
		log.Printf("backend: duplicate event %s from %s", ev.EventID, d.DeviceID)
	} else {
		log.Printf("backend: event %s from %s: %s #%d", ev.EventID, d.DeviceID, ev.Treatment, ev.Counter)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "duplicate": dup})
}

func (s *simulator) handlePoll(w http.ResponseWriter, r *http.Request) {
	d := s.authorize(w, r)
	if d == nil {
		return
	}
	if mux.Vars(r)["device"] != d.DeviceID {
		httpError(w, http.StatusForbidden, "device mismatch")
		return
	}

	// A command is handed out exactly once: the device queues it durably on
	// receipt and drops it after one execution attempt, so re-delivering
	// would run it twice.
	s.mu.Lock()
	cmds := s.pending[d.DeviceID]
	delete(s.pending, d.DeviceID)
	for _, c := range cmds {
		s.sent[c.CommandID] = c
	}
	s.mu.Unlock()

	if cmds == nil {
		cmds = []pendingCommand{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (s *simulator) handleResult(w http.ResponseWriter, r *http.Request) {
	d := s.authorize(w, r)
	if d == nil {
		return
	}
	vars := mux.Vars(r)
	if vars["device"] != d.DeviceID {
		httpError(w, http.StatusForbidden, "device mismatch")
		return
	}
	cmdID := vars["command"]

	var req struct {
		Success         bool            `json:"success"`
		Message         string          `json:"message"`
		Timestamp       string          `json:"timestamp"`
		CurrentCounters json.RawMessage `json:"current_counters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.mu.Lock()
	_, found := s.sent[cmdID]
	delete(s.sent, cmdID)
	s.results = append(s.results, commandResult{
		DeviceID:        d.DeviceID,
		CommandID:       cmdID,
		Success:         req.Success,
		Message:         req.Message,
		Timestamp:       req.Timestamp,
		CurrentCounters: req.CurrentCounters,
	})
	s.mu.Unlock()

	// A result for a command this simulator never issued is still accepted:
	// the device may be reporting after a simulator restart.
	if !found {
		log.Printf("backend: result for unknown command %s from %s", cmdID, d.DeviceID)
	}
	log.Printf("backend: command %s done on %s: success=%v %s", cmdID, d.DeviceID, req.Success, req.Message)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *simulator) handleInject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID    string          `json:"device_id"`
		CommandType string          `json:"command_type"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandType == "" {
		httpError(w, http.StatusBadRequest, "command_type required")
		return
	}

	s.mu.Lock()
	known := false
	for _, d := range s.byMAC {
		if d.DeviceID == req.DeviceID {
			known = true
			break
		}
	}
	var cmd pendingCommand
	if known {
		cmd = pendingCommand{
			CommandID:   uuid.NewString(),
			CommandType: req.CommandType,
			Payload:     req.Payload,
		}
		s.pending[req.DeviceID] = append(s.pending[req.DeviceID], cmd)
	}
	s.mu.Unlock()

	if !known {
		httpError(w, http.StatusNotFound, "unknown device")
		return
	}
	log.Printf("backend: queued %s %s for %s", req.CommandType, cmd.CommandID, req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]any{"command_id": cmd.CommandID})
}

func (s *simulator) handleDump(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	events := append([]json.RawMessage(nil), s.events...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *simulator) handleResults(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	results := append([]commandResult(nil), s.results...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("backend: write response: %v", err)
	}
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
