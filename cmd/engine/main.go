package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tkenna/streamcore/pkg/config"
	"github.com/tkenna/streamcore/pkg/engine"
	"github.com/tkenna/streamcore/pkg/health"
	"github.com/tkenna/streamcore/pkg/transform"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the pipeline configuration")
	flag.Parse()

	log.Println("[Engine] Starting streamcore...")
	cfg := config.Load(*configPath)

	var lookup transform.Lookup
	var notifier health.Notifier = logNotifier{}

	eng, err := engine.New(cfg, lookup, notifier)
	if err != nil {
		log.Fatalf("[Engine] Failed to initialize engine: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("[Engine] Failed to start pipeline: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("[Engine] Received %v, shutting down", s)

	if err := eng.Stop(cfg.ShutdownGrace); err != nil {
		log.Printf("[Engine] Shutdown finished with error: %v", err)
		os.Exit(1)
	}
	log.Println("[Engine] Shutdown complete")
}

// logNotifier is the default alert transport when no external one is wired.
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, a health.Alert) error {
	log.Printf("[Health] ALERT %s severity=%s pipeline=%s score=%.1f: %s",
		a.ID, a.Severity, a.Pipeline, a.Score, a.Message)
	return nil
}
