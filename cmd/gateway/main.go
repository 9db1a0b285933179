// Command gateway launches one Driftwire event-plane replica.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftwire/driftwire/config"
	"github.com/driftwire/driftwire/internal/acl"
	"github.com/driftwire/driftwire/internal/gateway"
	"github.com/driftwire/driftwire/internal/observability"
	"github.com/driftwire/driftwire/internal/telemetry"
)

const (
	defaultConfigPath        = "config/gateway.yaml"
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the gateway configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := log.New(os.Stderr, "gateway ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger("gateway ", *debug))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, loadedFromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s prefix=%s store=%s",
		cfg.Environment, cfg.Prefix, cfg.Store.Addr)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	source := acl.PermissionSource()
	if cfg.AllowAuthDisabled {
		logger.Printf("auth disabled: admitting every principal to every topic")
		source = acl.AllowAll()
	}

	gw, err := gateway.New(cfg, source)
	if err != nil {
		logger.Fatalf("initialise gateway: %v", err)
	}

	gw.Start(ctx)
	logger.Printf("event plane running")

	<-ctx.Done()
	logger.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Printf("gateway shutdown: %v", err)
	}

	telemetryCtx, cancelTelemetry := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancelTelemetry()
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}

	logger.Printf("shutdown complete")
}
