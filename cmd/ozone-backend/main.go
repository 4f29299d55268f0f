// Command ozone-backend runs an in-memory fleet backend for developing and
// bench-testing dispensers without the production service. It speaks the
// same HTTP API the firmware syncs against and adds /admin/ endpoints to
// inject commands and inspect received events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	httpAddr := flag.String("http", ":8000", "listen address")
	assigned := flag.Bool("assigned", true, "report new devices as assigned to a machine")
	flag.Parse()

	if err := run(*httpAddr, *assigned); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(addr string, assigned bool) error {
	sim := newSimulator(assigned)
	srv := &http.Server{
		Addr:         addr,
		Handler:      sim.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("backend: listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case s := <-sig:
		log.Printf("backend: %v, shutting down", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
