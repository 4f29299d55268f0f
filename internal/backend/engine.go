package backend

import (
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/queue"
)

// Engine sequences the sync sub-tasks: link probing, event upload, command
// polling and command execution. Each sub-task keeps its own backoff domain
// and due time; RunStep performs whatever is due at the given instant and
// never blocks beyond one bounded HTTP call. The daemon's sync worker calls
// RunStep on a fixed cadence.
type Engine struct {
	client   *Client
	events   *queue.Queue
	commands *queue.Queue
	exec     *Executor

	pollInterval time.Duration
	uptime       func() time.Duration

	upload    *Backoff
	poll      *Backoff
	reconnect *Backoff

	online     bool
	nextProbe  time.Time
	nextUpload time.Time
	nextPoll   time.Time

	mu    sync.Mutex
	state State
}

// State is a snapshot of the sync engine for status reporting.
type State struct {
	Online         bool
	UploadAttempts int
	PollAttempts   int
	LastUploadOK   time.Time
	LastPollOK     time.Time
}

// NewEngine wires the sync engine. pollInterval is the cadence of command
// polling while healthy; uptime reports time since boot for queued command
// records.
func NewEngine(client *Client, events, commands *queue.Queue, exec *Executor, pollInterval time.Duration, uptime func() time.Duration) *Engine {
	e := &Engine{
		client:       client,
		events:       events,
		commands:     commands,
		exec:         exec,
		pollInterval: pollInterval,
		uptime:       uptime,
		upload:       NewBackoff(2*time.Second, 300*time.Second),
		poll:         NewBackoff(2*time.Second, 300*time.Second),
		reconnect:    NewBackoff(30*time.Second, 300*time.Second),
		online:       true, // assume up; the first failed call corrects this
	}
	e.state.Online = true
	return e
}

// RunStep performs every sync sub-task whose due time has passed.
func (e *Engine) RunStep(now time.Time) {
	if !e.online {
		if now.Before(e.nextProbe) {
			return
		}
		if err := e.client.CheckLink(); err != nil {
			delay := e.reconnect.Next()
			e.nextProbe = now.Add(delay)
			log.Printf("sync: link down, next probe in %s (attempt %d)", delay.Truncate(time.Millisecond), e.reconnect.Attempts())
			return
		}
		log.Printf("sync: link restored")
		e.online = true
		e.reconnect.Reset()
		e.setOnline(true)
		// Resume immediately rather than waiting out stale due times.
		e.nextUpload = now
		e.nextPoll = now
	}

	if !now.Before(e.nextUpload) {
		e.stepUpload(now)
	}
	if !now.Before(e.nextPoll) {
		e.stepPoll(now)
	}
	e.stepExecute()
}

func (e *Engine) stepUpload(now time.Time) {
	uploaded, err := e.client.UploadNext(e.events)
	switch {
	case err != nil && uploaded:
		// Uploaded but not popped; treat as success, the re-send dedupes.
		log.Printf("sync: %v", err)
		fallthrough
	case err == nil && uploaded:
		e.upload.Reset()
		e.nextUpload = now // keep draining
		e.mu.Lock()
		e.state.LastUploadOK = now
		e.mu.Unlock()
	case err == nil:
		// Nothing pending.
		e.nextUpload = now.Add(time.Second)
	default:
		delay := e.upload.Next()
		e.nextUpload = now.Add(delay)
		log.Printf("sync: upload failed, retrying in %s (attempt %d): %v", delay.Truncate(time.Millisecond), e.upload.Attempts(), err)
		e.noteFailure(now, err)
	}
	e.mu.Lock()
	e.state.UploadAttempts = e.upload.Attempts()
	e.mu.Unlock()
}

func (e *Engine) stepPoll(now time.Time) {
	n, err := e.client.PollCommands(e.commands, e.uptime())
	if err != nil {
		delay := e.poll.Next()
		e.nextPoll = now.Add(delay)
		log.Printf("sync: command poll failed, retrying in %s (attempt %d): %v", delay.Truncate(time.Millisecond), e.poll.Attempts(), err)
		e.noteFailure(now, err)
	} else {
		if n > 0 {
			log.Printf("sync: queued %d remote command(s)", n)
		}
		e.poll.Reset()
		e.nextPoll = now.Add(e.pollInterval)
		e.mu.Lock()
		e.state.LastPollOK = now
		e.mu.Unlock()
	}
	e.mu.Lock()
	e.state.PollAttempts = e.poll.Attempts()
	e.mu.Unlock()
}

func (e *Engine) stepExecute() {
	done, err := e.exec.ExecuteNext(e.client)
	if err != nil {
		log.Printf("sync: execute command: %v", err)
	}
	_ = done
}

// noteFailure flips the engine offline when the error was a transport
// failure rather than an HTTP status. HTTP errors mean the link is fine and
// only the call should back off.
func (e *Engine) noteFailure(now time.Time, err error) {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return
	}
	if !e.online {
		// Upload and poll can both fail in the same step; only the first
		// transition arms the probe timer.
		return
	}
	log.Printf("sync: link lost: %v", err)
	e.online = false
	e.setOnline(false)
	e.nextProbe = now.Add(e.reconnect.Next())
}

func (e *Engine) setOnline(v bool) {
	e.mu.Lock()
	e.state.Online = v
	e.mu.Unlock()
}

// Snapshot returns the current sync state for the status tracker.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
