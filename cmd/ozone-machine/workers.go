package main

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/backend"
	"github.com/mesraekuiti/ozone-machine/internal/clock"
	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/mqtt"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/relay"
	"github.com/mesraekuiti/ozone-machine/internal/status"
)

// machineOp selects the operation a machineRequest performs.
type machineOp int

const (
	opCounters machineOp = iota
	opResetCounters
	opSetCounters
)

type machineRequest struct {
	op    machineOp
	set   machine.Counters
	reply chan machineReply
}

type machineReply struct {
	counters machine.Counters
	epoch    uint32
	err      error
}

// machineBridge gives the sync worker and the web server synchronous access
// to the controller, which only the control worker touches. Each call is a
// request/reply round-trip over the control worker's channel.
type machineBridge struct {
	reqs chan machineRequest
	stop <-chan struct{}
}

func (b *machineBridge) do(req machineRequest) machineReply {
	req.reply = make(chan machineReply, 1)
	select {
	case b.reqs <- req:
	case <-b.stop:
		return machineReply{err: errors.New("shutting down")}
	}
	select {
	case r := <-req.reply:
		return r
	case <-b.stop:
		return machineReply{err: errors.New("shutting down")}
	}
}

// Counters implements backend.Machine.
func (b *machineBridge) Counters() machine.Counters {
	return b.do(machineRequest{op: opCounters}).counters
}

// ResetCounters implements backend.Machine.
func (b *machineBridge) ResetCounters() (machine.Counters, uint32) {
	r := b.do(machineRequest{op: opResetCounters})
	return r.counters, r.epoch
}

// SetCounters implements web.CounterSetter.
func (b *machineBridge) SetCounters(c machine.Counters) (machine.Counters, error) {
	r := b.do(machineRequest{op: opSetCounters, set: c})
	return r.counters, r.err
}

// inputLoop polls the panel buttons and hands raw samples to the control
// worker. A full channel drops the sample: the next poll is 50 ms away and
// debouncing absorbs the gap.
func inputLoop(reader relay.ButtonReader, samples chan<- machine.Raw, tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			b, s, p, err := reader.Read()
			if err != nil {
				log.Printf("input: read buttons: %v", err)
				continue
			}
			raw := machine.Raw{Basic: b, Standard: s, Premium: p, Time: time.Now()}
			select {
			case samples <- raw:
			default:
				log.Printf("input: sample channel full, dropping sample")
			}
		}
	}
}

// controlDeps carries everything the control worker needs. The controller
// and panel state are owned exclusively by controlLoop.
type controlDeps struct {
	ctl       *machine.Controller
	buttons   *machine.Buttons
	events    *queue.Queue
	publisher mqtt.Publisher
	tracker   *status.Tracker
	client    *backend.Client
	clk       *clock.Clock
	uptime    func() time.Duration
	firmware  string
}

// controlLoop owns the treatment state machine: it debounces button samples
// into intents, runs the treatment timer, and serves controller requests
// from the other workers.
func controlLoop(d controlDeps, samples <-chan machine.Raw, reqs <-chan machineRequest, tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			if d.ctl.Stop(time.Now()) {
				log.Printf("control: treatment stopped for shutdown")
			}
			return

		case raw := <-samples:
			_, active := d.ctl.Active()
			intent := d.buttons.Sample(raw, active)
			if intent != machine.IntentNone {
				d.handleIntent(intent, raw.Time)
			}
			d.updateTracker(raw.Time)

		case now := <-tick:
			if d.ctl.Tick(now) {
				log.Printf("control: treatment complete")
			}
			d.updateTracker(now)

		case req := <-reqs:
			req.reply <- d.serve(req)
			d.updateTracker(time.Now())
		}
	}
}

func (d controlDeps) handleIntent(intent machine.Intent, now time.Time) {
	if intent == machine.IntentStop {
		if d.ctl.Stop(now) {
			log.Printf("control: treatment stopped by operator")
		}
		return
	}

	k, ok := intent.StartKind()
	if !ok {
		return
	}

	ev, err := d.ctl.Start(k, now)
	if errors.Is(err, machine.ErrTreatmentActive) {
		return
	}
	if err != nil {
		// Degraded start: the treatment runs, the failure is logged.
		log.Printf("control: start %s degraded: %v", k, err)
	}
	d.buttons.NoteStart(k)
	log.Printf("control: %s treatment started, counter=%d duration=%v", k, ev.Counter, ev.Duration)

	// The durable record comes first; telemetry and status are best effort.
	record := backend.NewEventRecord(d.client.Identity(), d.firmware, ev, d.ctl.ResetEpoch(), d.uptime(), d.clk.Timestamp())
	raw, merr := json.Marshal(record)
	if merr != nil {
		log.Printf("control: marshal event: %v", merr)
	} else if aerr := d.events.Append(raw); aerr != nil {
		if errors.Is(aerr, queue.ErrFull) {
			log.Printf("control: event queue full, dropping event %s", record.EventID)
		} else {
			log.Printf("control: enqueue event: %v", aerr)
		}
	}

	if d.publisher != nil {
		if perr := d.publisher.Publish(ev); perr != nil {
			log.Printf("control: publish telemetry: %v", perr)
		}
	}
}

func (d controlDeps) serve(req machineRequest) machineReply {
	switch req.op {
	case opResetCounters:
		stopped, err := d.ctl.ResetCounters(time.Now())
		if stopped {
			log.Printf("control: treatment stopped by counter reset")
		}
		if err != nil {
			log.Printf("control: reset counters: %v", err)
		}
		return machineReply{counters: d.ctl.Counters(), epoch: d.ctl.ResetEpoch(), err: err}

	case opSetCounters:
		err := d.ctl.SetCounters(req.set)
		return machineReply{counters: d.ctl.Counters(), epoch: d.ctl.ResetEpoch(), err: err}

	default:
		return machineReply{counters: d.ctl.Counters(), epoch: d.ctl.ResetEpoch()}
	}
}

func (d controlDeps) updateTracker(now time.Time) {
	if d.tracker == nil {
		return
	}
	k, active := d.ctl.Active()
	d.tracker.UpdateTreatment(active, k, d.ctl.Remaining(now), d.ctl.Counters(), d.ctl.ResetEpoch())
}

// syncLoop drives the backend sync engine and mirrors its state into the
// status tracker.
func syncLoop(engine *backend.Engine, client *backend.Client, events, commands *queue.Queue, tracker *status.Tracker, tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case now := <-tick:
			engine.RunStep(now)

			st := engine.Snapshot()
			tracker.SetSync(status.SyncInfo{
				Online:         st.Online,
				UploadAttempts: st.UploadAttempts,
				PollAttempts:   st.PollAttempts,
				LastUploadOK:   st.LastUploadOK,
				LastPollOK:     st.LastPollOK,
			})
			tracker.SetQueues(events.SizeBytes(), commands.SizeBytes())
			id := client.Identity()
			tracker.SetIdentity(id.DeviceID, client.Assigned())
		}
	}
}

// statusLoop keeps connectivity flags fresh and publishes the periodic
// heartbeat snapshot.
func statusLoop(tracker *status.Tracker, publisher mqtt.Publisher, conn mqtt.ConnectionStatus, heartbeat time.Duration, tick <-chan time.Time, stop <-chan struct{}) {
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-tick:
			if conn != nil {
				tracker.SetMQTTConnected(conn.IsConnected())
			}
			if publisher == nil || heartbeat <= 0 || now.Sub(last) < heartbeat {
				continue
			}
			last = now

			snap := tracker.Snapshot()
			ev := mqtt.SystemEvent{
				Timestamp:  snap.Now,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			}
			if err := publisher.PublishSystem(ev); err != nil {
				log.Printf("status: heartbeat publish: %v", err)
			} else {
				log.Printf("status: heartbeat uptime=%v counters=%d/%d/%d",
					snap.Uptime().Truncate(time.Second), snap.Counters.Basic, snap.Counters.Standard, snap.Counters.Premium)
			}
		}
	}
}
