// Command hyperctld is the control-plane daemon: it wires config, the
// sqlite-backed store, the Lifecycle Coordinator, and the HTTP API
// together and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infinibay/hyperctl/internal/config"
	"github.com/infinibay/hyperctl/internal/coordinator"
	"github.com/infinibay/hyperctl/internal/diskimg"
	"github.com/infinibay/hyperctl/internal/eventbus"
	"github.com/infinibay/hyperctl/internal/httpapi"
	"github.com/infinibay/hyperctl/internal/qemuargs"
	"github.com/infinibay/hyperctl/internal/store"
	"github.com/infinibay/hyperctl/pkg/hclog"
)

const reconcileInterval = 30 * time.Second

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	log := hclog.For("hyperctld")

	if err := hclog.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "hyperctld: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *hclog.Logger) error {
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var bus eventbus.Bus
	if cfg.EnableEventBus {
		bus = eventbus.NewInProcess()
	} else {
		bus = eventbus.NoOp()
	}

	builder := qemuargs.NewDefaultBuilder(cfg.QEMUBinary)
	disks := diskimg.New(cfg.QEMUImgBinary)

	coord := coordinator.New(cfg, db, builder, disks, bus)
	api := httpapi.New(coord, bus, cfg.HTTPAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal %s, shutting down", sig)
		cancel()
	}()

	go reconcileLoop(ctx, coord, log)

	log.Info("hyperctld starting, http-addr=%s db=%s", cfg.HTTPAddr, cfg.DBPath)
	return api.Run(ctx)
}

// reconcileLoop runs Reconcile on a fixed interval, mirroring a host
// agent's boot-time crash sweep extended to a standing periodic check.
func reconcileLoop(ctx context.Context, coord *coordinator.Coordinator, log *hclog.Logger) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := coord.Reconcile(ctx)
			if err != nil {
				log.Warn("periodic reconcile failed: %v", err)
				continue
			}
			if len(result.Repaired) > 0 {
				log.Info("periodic reconcile repaired %d orphaned vm(s): %v", len(result.Repaired), result.Repaired)
			}
		}
	}
}
