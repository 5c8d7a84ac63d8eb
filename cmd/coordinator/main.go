// Command coordinator runs a federated training session over a simulated
// Walker-Delta mesh. It serves Prometheus metrics, a JSON status page and a
// gRPC health endpoint that reports SERVING while the mesh has links.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/orbital-training-coordinator/internal/config"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/logging"
	"github.com/signalsfoundry/orbital-training-coordinator/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (optional; OTC_* env vars override it)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	d, err := newDaemon(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	return d.run(ctx)
}
