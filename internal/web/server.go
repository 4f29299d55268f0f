// Package web provides the local HTTP interface for the ozone-machine
// daemon: a human-readable status page, the machine status as JSON, and a
// maintenance endpoint for editing the lifetime counters.
package web

import (
	"context"
	"net"
	"net/http"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/status"
)

// CounterSetter applies edited counter values on the control worker and
// returns the values actually stored.
type CounterSetter func(machine.Counters) (machine.Counters, error)

// Server serves the status page over HTTP.
type Server struct {
	httpServer  *http.Server
	tracker     *status.Tracker
	setCounters CounterSetter
}

// New creates a Server that reads state from the given tracker. setCounters
// may be nil, which disables the counter edit endpoint.
func New(addr string, tracker *status.Tracker, setCounters CounterSetter) *Server {
	s := &Server{tracker: tracker, setCounters: setCounters}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/status", s.handleJSON)
	mux.HandleFunc("/counters", s.handleCounters)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}
