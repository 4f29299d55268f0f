package backend

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/clock"
	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/store"
)

// Machine is the executor's view of the treatment controller. The controller
// is owned by the control worker; implementations bridge these calls across
// that boundary (a channel round-trip in the daemon, a plain struct in
// tests).
type Machine interface {
	// Counters returns the current counter values.
	Counters() machine.Counters

	// ResetCounters stops any active treatment, zeroes all counters, bumps
	// the reset epoch, and persists. It returns the post-reset counters and
	// epoch.
	ResetCounters() (machine.Counters, uint32)
}

// Executor drains the inbound command queue. Commands are strictly FIFO and
// terminal after one execution attempt: the record is popped after the
// result report whether or not the report (or the command itself) succeeded,
// so a poison command can never wedge the queue.
type Executor struct {
	machine  Machine
	dev      *store.Device
	events   *queue.Queue
	commands *queue.Queue
	clock    *clock.Clock

	// reboot restarts the process. Called only for an operator-issued
	// REBOOT command, after its result has been reported.
	reboot func()

	uptime func() time.Duration
}

// NewExecutor wires an executor. reboot may be nil (REBOOT then reports
// failure); uptime must not be nil.
func NewExecutor(m Machine, dev *store.Device, events, commands *queue.Queue, clk *clock.Clock, reboot func(), uptime func() time.Duration) *Executor {
	return &Executor{
		machine:  m,
		dev:      dev,
		events:   events,
		commands: commands,
		clock:    clk,
		reboot:   reboot,
		uptime:   uptime,
	}
}

// ExecuteNext pops and runs one command. It returns true when a command was
// consumed (executed or dropped as poison), false when the queue is empty.
func (e *Executor) ExecuteNext(c *Client) (bool, error) {
	raw, ok, err := e.commands.PeekFront()
	if err != nil {
		return false, fmt.Errorf("peek command: %w", err)
	}
	if !ok {
		return false, nil
	}

	var rec CommandRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		log.Printf("sync: dropping malformed queued command: %.60q", raw)
		if perr := e.commands.PopFront(); perr != nil {
			return false, fmt.Errorf("pop malformed command: %w", perr)
		}
		return true, nil
	}

	ct := ParseCommandType(rec.Type)
	success, message := e.run(ct, rec)
	log.Printf("sync: command %s (%s): success=%v %s", rec.CommandID, ct, success, message)

	if err := c.ReportCommandResult(rec.CommandID, success, message, e.machine.Counters(), e.clock.Timestamp()); err != nil {
		// At-most-once: the command is dropped regardless; a supervising
		// operator re-issues if the outcome never arrived.
		log.Printf("sync: report result for %s: %v", rec.CommandID, err)
	}

	if err := e.commands.PopFront(); err != nil {
		return true, fmt.Errorf("pop command: %w", err)
	}

	if ct == CmdReboot && success && e.reboot != nil {
		e.reboot()
	}
	return true, nil
}

func (e *Executor) run(ct CommandType, rec CommandRecord) (bool, string) {
	switch ct {
	case CmdResetCounters:
		_, epoch := e.machine.ResetCounters()
		return true, fmt.Sprintf("counters reset, epoch %d", epoch)

	case CmdClearMemory:
		if err := e.dev.ClearMemory(); err != nil {
			return false, fmt.Sprintf("clear memory: %v", err)
		}
		return true, "persisted state cleared (identity kept)"

	case CmdClearQueue:
		if err := e.events.Clear(); err != nil {
			return false, fmt.Sprintf("clear event queue: %v", err)
		}
		if err := e.commands.Clear(); err != nil {
			return false, fmt.Sprintf("clear command queue: %v", err)
		}
		return true, "queues cleared"

	case CmdReboot:
		if e.reboot == nil {
			return false, "reboot not supported on this build"
		}
		return true, "rebooting"

	case CmdGetStatus:
		c := e.machine.Counters()
		return true, fmt.Sprintf("uptime=%s counters=%d/%d/%d events_queued=%dB commands_queued=%dB",
			e.uptime().Truncate(time.Second), c.Basic, c.Standard, c.Premium,
			e.events.SizeBytes(), e.commands.SizeBytes())

	case CmdUpdateSettings:
		// No remotely tunable settings in this firmware; acknowledged so
		// the backend does not retry forever.
		return true, "settings acknowledged"

	case CmdSyncTime:
		t, err := parseSyncTime(rec.Payload)
		if err != nil {
			return false, fmt.Sprintf("sync time: %v", err)
		}
		e.clock.SetTime(t)
		return true, "clock set to " + t.Local().Format(clock.Layout)

	case CmdUpdateFirmware:
		return false, "firmware update not supported"

	default:
		return false, fmt.Sprintf("unknown command type %q", rec.Type)
	}
}

// parseSyncTime accepts {"ts":"YYYY-MM-DD HH:MM:SS"} (device-local),
// {"ts":"RFC3339"} or {"epoch":<unix seconds>}.
func parseSyncTime(payload json.RawMessage) (time.Time, error) {
	var p struct {
		TS    string          `json:"ts"`
		Epoch json.RawMessage `json:"epoch"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return time.Time{}, fmt.Errorf("payload: %w", err)
	}
	if p.TS != "" {
		if t, err := time.ParseInLocation(clock.Layout, p.TS, time.Local); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, p.TS); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("unrecognized ts %q", p.TS)
	}
	if len(p.Epoch) > 0 {
		sec, err := strconv.ParseInt(string(p.Epoch), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("epoch: %w", err)
		}
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("payload missing ts and epoch")
}
