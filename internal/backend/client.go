// Package backend implements the device synchronization engine: the
// authentication handshake, the durable outbound-event upload, remote
// command polling and execution, and the per-domain retry backoff.
package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/store"
)

// Client talks to the telemetry backend over HTTP. All calls are blocking
// with the configured timeout; none are cancellable mid-flight.
// Safe for concurrent use, though in practice the sync worker is the only
// caller.
type Client struct {
	baseURL  string
	mac      string
	firmware string
	http     *http.Client
	dev      *store.Device

	mu       sync.Mutex
	identity store.Identity
	assigned bool
}

// NewClient creates a client for the given backend. The persisted identity,
// if any, is loaded immediately so a rebooted device can upload without a
// fresh handshake.
func NewClient(baseURL, mac, firmware string, dev *store.Device, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		mac:      mac,
		firmware: firmware,
		http:     &http.Client{Timeout: timeout},
		dev:      dev,
		identity: dev.LoadIdentity(),
	}
}

// Identity returns the current device identity (empty before a handshake).
func (c *Client) Identity() store.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Assigned reports whether the backend has assigned this device to a
// machine (handshake response flag; provisioning status only).
func (c *Client) Assigned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assigned
}

type handshakeResponse struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Assigned bool   `json:"assigned"`
}

// Handshake announces the device to the backend and stores the issued
// identity. Required before any authenticated call; re-triggered
// automatically when a call returns 401.
func (c *Client) Handshake() error {
	body, err := json.Marshal(map[string]string{"mac": c.mac, "firmware": c.firmware})
	if err != nil {
		return fmt.Errorf("handshake: marshal: %w", err)
	}

	resp, err := c.http.Post(c.baseURL+"/api/handshake/", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("handshake: status %d", resp.StatusCode)
	}

	var hr handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return fmt.Errorf("handshake: decode: %w", err)
	}
	if hr.DeviceID == "" || hr.Token == "" {
		return errors.New("handshake: response missing device_id or token")
	}

	id := store.Identity{DeviceID: hr.DeviceID, Token: hr.Token}
	c.mu.Lock()
	c.identity = id
	c.assigned = hr.Assigned
	c.mu.Unlock()

	if err := c.dev.SaveIdentity(id); err != nil {
		// Degraded: identity lives in memory until the next boot.
		log.Printf("sync: persist identity: %v", err)
	}
	log.Printf("sync: handshake ok, device_id=%s assigned=%v", hr.DeviceID, hr.Assigned)
	return nil
}

// ensureIdentity performs a handshake if no identity is known yet.
func (c *Client) ensureIdentity() error {
	if c.Identity().Token != "" {
		return nil
	}
	return c.Handshake()
}

// doAuthorized sends a bearer-authenticated request. A 401 triggers exactly
// one re-handshake and one retry; a second 401 is returned to the caller.
// path is evaluated per attempt: a re-handshake can hand out a different
// device id, and the retry must target it. The caller must drain and close
// the response.
func (c *Client) doAuthorized(method string, path func() string, body []byte) (*http.Response, error) {
	if err := c.ensureIdentity(); err != nil {
		return nil, err
	}

	resp, err := c.send(method, path(), body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	log.Printf("sync: %s %s unauthorized, re-handshaking", method, path())
	if err := c.Handshake(); err != nil {
		return nil, fmt.Errorf("re-handshake after 401: %w", err)
	}
	return c.send(method, path(), body)
}

func (c *Client) send(method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Identity().Token)
	return c.http.Do(req)
}

// UploadNext uploads the earliest queued event. It returns true when an
// event was uploaded and popped, false when nothing is pending. A non-2xx
// response or network failure leaves the record queued and is returned as an
// error for the caller's backoff. An unparseable record is poison: popped
// and dropped immediately.
func (c *Client) UploadNext(events *queue.Queue) (bool, error) {
	rec, ok, err := events.PeekFront()
	if err != nil {
		return false, fmt.Errorf("peek event: %w", err)
	}
	if !ok {
		return false, nil
	}

	if !json.Valid(rec) {
		log.Printf("sync: dropping malformed queued event: %.60q", rec)
		if err := events.PopFront(); err != nil {
			return false, fmt.Errorf("pop malformed event: %w", err)
		}
		return false, nil
	}

	resp, err := c.doAuthorized(http.MethodPost, func() string { return "/api/device/events/" }, rec)
	if err != nil {
		return false, fmt.Errorf("upload event: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("upload event: status %d", resp.StatusCode)
	}

	if err := events.PopFront(); err != nil {
		// The event will be re-sent with the same event_id; the backend
		// dedupes. Report the pop failure but count the upload.
		return true, fmt.Errorf("pop uploaded event: %w", err)
	}
	return true, nil
}

type pollResponse struct {
	Commands []struct {
		CommandID   string          `json:"command_id"`
		CommandType string          `json:"command_type"`
		Payload     json.RawMessage `json:"payload"`
	} `json:"commands"`
}

// PollCommands fetches pending commands and appends the valid ones to the
// command queue. It returns the count newly queued. Entries with an empty or
// literal "null" command id are skipped, not queued.
func (c *Client) PollCommands(commands *queue.Queue, uptime time.Duration) (int, error) {
	if err := c.ensureIdentity(); err != nil {
		return 0, err
	}

	path := func() string { return "/api/device/" + c.Identity().DeviceID + "/commands/" }
	resp, err := c.doAuthorized(http.MethodGet, path, nil)
	if err != nil {
		return 0, fmt.Errorf("poll commands: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("poll commands: status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, fmt.Errorf("poll commands: decode: %w", err)
	}

	queued := 0
	for _, cmd := range pr.Commands {
		if cmd.CommandID == "" || cmd.CommandID == "null" {
			log.Printf("sync: skipping command with invalid id %q", cmd.CommandID)
			continue
		}
		rec := CommandRecord{
			CommandID:          cmd.CommandID,
			Type:               cmd.CommandType,
			Payload:            cmd.Payload,
			ReceivedAtUptimeMs: uptime.Milliseconds(),
		}
		b, err := json.Marshal(rec)
		if err != nil {
			log.Printf("sync: marshal command %s: %v", cmd.CommandID, err)
			continue
		}
		if err := commands.Append(b); err != nil {
			// Dropped, never silently: the operator re-issues.
			log.Printf("sync: queue command %s: %v", cmd.CommandID, err)
			continue
		}
		queued++
	}
	return queued, nil
}

// resultReport is the body POSTed after executing a command.
type resultReport struct {
	Success         bool         `json:"success"`
	Message         string       `json:"message"`
	Timestamp       string       `json:"timestamp"`
	CurrentCounters CountersJSON `json:"current_counters"`
}

// ReportCommandResult posts the execution outcome for a command.
func (c *Client) ReportCommandResult(commandID string, success bool, message string, counters machine.Counters, ts string) error {
	body, err := json.Marshal(resultReport{
		Success:         success,
		Message:         message,
		Timestamp:       ts,
		CurrentCounters: countersJSON(counters),
	})
	if err != nil {
		return fmt.Errorf("report result: marshal: %w", err)
	}

	path := func() string {
		return "/api/device/" + c.Identity().DeviceID + "/commands/" + commandID + "/"
	}
	resp, err := c.doAuthorized(http.MethodPost, path, body)
	if err != nil {
		return fmt.Errorf("report result: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("report result: status %d", resp.StatusCode)
	}
	return nil
}

// CheckLink probes backend reachability. Any HTTP response, whatever the
// status, proves the link; only transport failures count as down.
func (c *Client) CheckLink() error {
	resp, err := c.http.Get(c.baseURL + "/")
	if err != nil {
		return fmt.Errorf("link probe: %w", err)
	}
	drain(resp)
	return nil
}

// drain discards the rest of a response body and closes it so the
// connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
