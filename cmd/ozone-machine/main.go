// Command ozone-machine runs the dispenser firmware: it reads the panel
// buttons, drives the per-tier ozone relays, records every treatment in a
// durable on-disk queue, and syncs events and remote commands with the
// backend whenever the network allows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mesraekuiti/ozone-machine/internal/backend"
	"github.com/mesraekuiti/ozone-machine/internal/clock"
	"github.com/mesraekuiti/ozone-machine/internal/machine"
	"github.com/mesraekuiti/ozone-machine/internal/mqtt"
	"github.com/mesraekuiti/ozone-machine/internal/queue"
	"github.com/mesraekuiti/ozone-machine/internal/relay"
	"github.com/mesraekuiti/ozone-machine/internal/status"
	"github.com/mesraekuiti/ozone-machine/internal/store"
	"github.com/mesraekuiti/ozone-machine/internal/web"
)

const firmwareVersion = "1.0.0"

type config struct {
	durations    machine.Durations
	debounce     time.Duration
	hold         time.Duration
	startupDelay time.Duration

	inputPoll time.Duration
	tick      time.Duration
	syncStep  time.Duration
	statusUpd time.Duration

	backendURL  string
	commandPoll time.Duration
	broker      string
	heartbeat   time.Duration
	httpAddr    string

	stateDir    string
	eventsMax   int64
	commandsMax int64

	mac  string
	pins relay.Pins
}

func main() {
	defaults := relay.DefaultPins()

	basic := flag.Duration("basic", 5*time.Second, "Basic treatment duration")
	standard := flag.Duration("standard", 10*time.Second, "Standard treatment duration")
	premium := flag.Duration("premium", 15*time.Second, "Premium treatment duration")
	debounce := flag.Duration("debounce", 50*time.Millisecond, "Button debounce duration")
	hold := flag.Duration("hold", 2*time.Second, "Premium-button hold time that stops a treatment")
	startupDelay := flag.Duration("startup-delay", time.Second, "Delay before accepting button input")
	inputPoll := flag.Duration("input-poll", 50*time.Millisecond, "Button polling interval")
	tick := flag.Duration("tick", 100*time.Millisecond, "Treatment timer tick interval")
	syncStep := flag.Duration("sync-step", time.Second, "Sync engine step interval")
	commandPoll := flag.Duration("command-poll", 10*time.Second, "Backend command poll interval")
	backendURL := flag.String("backend", "http://192.168.1.10:8000", "Backend base URL")
	broker := flag.String("broker", "", "MQTT broker address for telemetry (empty to disable)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	httpAddr := flag.String("http", ":8080", "HTTP status address (empty to disable)")
	stateDir := flag.String("state-dir", "/var/lib/ozone-machine", "Directory for persisted state and queues")
	eventsMax := flag.Int64("events-max", 4<<20, "Event queue size limit in bytes")
	commandsMax := flag.Int64("commands-max", 1<<20, "Command queue size limit in bytes")
	mac := flag.String("mac", "", "MAC address override (default: first hardware interface)")
	pinButtonBasic := flag.Int("pin-button-basic", defaults.Buttons[machine.Basic], "BCM pin for the Basic button")
	pinButtonStandard := flag.Int("pin-button-standard", defaults.Buttons[machine.Standard], "BCM pin for the Standard button")
	pinButtonPremium := flag.Int("pin-button-premium", defaults.Buttons[machine.Premium], "BCM pin for the Premium button")
	printCounters := flag.Bool("print-counters", false, "Print stored counters and exit")

	flag.Parse()

	cfg := config{
		durations:    machine.Durations{Basic: *basic, Standard: *standard, Premium: *premium},
		debounce:     *debounce,
		hold:         *hold,
		startupDelay: *startupDelay,
		inputPoll:    *inputPoll,
		tick:         *tick,
		syncStep:     *syncStep,
		statusUpd:    500 * time.Millisecond,
		backendURL:   *backendURL,
		commandPoll:  *commandPoll,
		broker:       *broker,
		heartbeat:    *heartbeat,
		httpAddr:     *httpAddr,
		stateDir:     *stateDir,
		eventsMax:    *eventsMax,
		commandsMax:  *commandsMax,
		mac:          *mac,
		pins:         defaults,
	}
	cfg.pins.Buttons[machine.Basic] = *pinButtonBasic
	cfg.pins.Buttons[machine.Standard] = *pinButtonStandard
	cfg.pins.Buttons[machine.Premium] = *pinButtonPremium

	if *printCounters {
		if err := runPrintCounters(cfg.stateDir); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	if err := run(cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func runPrintCounters(stateDir string) error {
	kv, err := store.NewFileKV(stateDir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	counters, epoch := store.NewDevice(kv).LoadCounters()
	fmt.Printf("basic: %d\nstandard: %d\npremium: %d\nreset epoch: %d\n",
		counters.Basic, counters.Standard, counters.Premium, epoch)
	return nil
}

func run(cfg config) error {
	// Persistent state
	kv, err := store.NewFileKV(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	dev := store.NewDevice(kv)
	counters, resetEpoch := dev.LoadCounters()
	log.Printf("store: counters basic=%d standard=%d premium=%d epoch=%d",
		counters.Basic, counters.Standard, counters.Premium, resetEpoch)

	events, err := queue.Open(filepath.Join(cfg.stateDir, "events.jsonl"), cfg.eventsMax)
	if err != nil {
		return fmt.Errorf("open event queue: %w", err)
	}
	commands, err := queue.Open(filepath.Join(cfg.stateDir, "commands.jsonl"), cfg.commandsMax)
	if err != nil {
		return fmt.Errorf("open command queue: %w", err)
	}

	// Hardware
	buttons, err := relay.NewRealButtons(cfg.pins)
	if err != nil {
		return fmt.Errorf("init buttons: %w", err)
	}
	defer buttons.Close()

	driver, err := relay.NewRealDriver(cfg.pins)
	if err != nil {
		return fmt.Errorf("init relay driver: %w", err)
	}
	defer driver.Close()

	// MQTT telemetry mirror (best effort; the event queue is the durable
	// record)
	var publisher mqtt.Publisher
	var mqttConn mqtt.ConnectionStatus
	if cfg.broker != "" {
		real, err := mqtt.NewRealPublisher(cfg.broker, "ozone-machine")
		if err != nil {
			log.Printf("mqtt: %v (telemetry disabled)", err)
		} else {
			publisher = real
			mqttConn = real
			defer real.Close()
		}
	}

	mac := cfg.mac
	if mac == "" {
		mac = macAddress()
	}

	clk := clock.New(time.Now)
	startTime := time.Now()
	uptime := func() time.Duration { return time.Since(startTime) }

	client := backend.NewClient(cfg.backendURL, mac, firmwareVersion, dev, 5*time.Second)
	controller := machine.NewController(dev, driver, cfg.durations, counters, resetEpoch)
	panel := machine.NewButtons(cfg.debounce, cfg.hold)

	tracker := status.NewTracker(startTime, firmwareVersion, status.Config{
		InputPollMs:   cfg.inputPoll.Milliseconds(),
		ControlTickMs: cfg.tick.Milliseconds(),
		DebounceMs:    cfg.debounce.Milliseconds(),
		HoldMs:        cfg.hold.Milliseconds(),
		CommandPollMs: cfg.commandPoll.Milliseconds(),
		HeartbeatMs:   cfg.heartbeat.Milliseconds(),
		BackendURL:    cfg.backendURL,
		Broker:        cfg.broker,
		HTTPPort:      cfg.httpAddr,
	})
	id := client.Identity()
	tracker.SetIdentity(id.DeviceID, client.Assigned())
	tracker.UpdateTreatment(false, machine.Basic, 0, controller.Counters(), controller.ResetEpoch())

	stop := make(chan struct{})
	bridge := &machineBridge{reqs: make(chan machineRequest, 4), stop: stop}

	executor := backend.NewExecutor(bridge, dev, events, commands, clk, systemReboot, uptime)
	engine := backend.NewEngine(client, events, commands, executor, cfg.commandPoll, uptime)

	// HTTP status server
	if cfg.httpAddr != "" {
		srv := web.New(cfg.httpAddr, tracker, bridge.SetCounters)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.httpAddr)
	}

	// Startup event with full status snapshot
	if publisher != nil {
		snap := tracker.Snapshot()
		startupEvent := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(startupEvent); err != nil {
			log.Printf("failed to publish startup event: %v", err)
		} else {
			log.Printf("published startup event")
		}
	}

	log.Printf("started: mac=%s backend=%s durations=%v/%v/%v debounce=%v hold=%v",
		mac, cfg.backendURL, cfg.durations.Basic, cfg.durations.Standard, cfg.durations.Premium,
		cfg.debounce, cfg.hold)

	// Let the panel hardware settle before trusting button reads.
	time.Sleep(cfg.startupDelay)

	samples := make(chan machine.Raw, 16)

	inputTick := time.NewTicker(cfg.inputPoll)
	defer inputTick.Stop()
	controlTick := time.NewTicker(cfg.tick)
	defer controlTick.Stop()
	syncTick := time.NewTicker(cfg.syncStep)
	defer syncTick.Stop()
	statusTick := time.NewTicker(cfg.statusUpd)
	defer statusTick.Stop()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		inputLoop(buttons, samples, inputTick.C, stop)
	}()
	go func() {
		defer wg.Done()
		controlLoop(controlDeps{
			ctl:       controller,
			buttons:   panel,
			events:    events,
			publisher: publisher,
			tracker:   tracker,
			client:    client,
			clk:       clk,
			uptime:    uptime,
			firmware:  firmwareVersion,
		}, samples, bridge.reqs, controlTick.C, stop)
	}()
	go func() {
		defer wg.Done()
		syncLoop(engine, client, events, commands, tracker, syncTick.C, stop)
	}()
	go func() {
		defer wg.Done()
		statusLoop(tracker, publisher, mqttConn, cfg.heartbeat, statusTick.C, stop)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Printf("received %v, shutting down", s)

	close(stop)
	wg.Wait()

	if publisher != nil {
		signalName := "SIGTERM"
		if s == syscall.SIGINT {
			signalName = "SIGINT"
		}
		snap := tracker.Snapshot()
		event := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "SHUTDOWN",
			Reason:     signalName,
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
		}
		if err := publisher.PublishSystem(event); err != nil {
			log.Printf("failed to publish shutdown event: %v", err)
		} else {
			log.Printf("published shutdown event")
		}
	}
	return nil
}

// systemReboot restarts the device after a remote REBOOT command. Under
// systemd Restart=always, exiting is the fallback when /sbin/reboot is
// unavailable (containers, dev boxes).
func systemReboot() {
	log.Printf("reboot: restarting system")
	if err := exec.Command("/sbin/reboot").Run(); err != nil {
		log.Printf("reboot: %v, exiting for supervisor restart", err)
		os.Exit(0)
	}
}

func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 || len(ifi.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(ifi.HardwareAddr.String())
	}
	return "00:00:00:00:00:00"
}
