// SPDX-License-Identifier: GPL-2.0-or-later

// Command lightnvrd is the CLI entrypoint wiring configuration,
// logging, the catalog, and the Supervisor together, grounded on the
// teacher's nvr.go Run()/newApp() (env flag, signal-driven graceful
// shutdown with a bounded deadline).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"lightnvr/pkg/catalog"
	"lightnvr/pkg/config"
	"lightnvr/pkg/log"
	"lightnvr/pkg/shutdown"
	"lightnvr/pkg/storage"
	"lightnvr/pkg/supervisor"
)

const (
	reconcileInterval = 30 * time.Second
	retentionInterval = time.Hour
	shutdownDeadline  = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if *configFlag == "" {
		flag.Usage()
		return nil
	}

	configPath, err := filepath.Abs(*configFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of config.yaml: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if err := cfg.PrepareStorage(); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger(wg)
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Start(ctx)

	logDB := log.NewDB(cfg.LogDBPath, wg)
	if err := logDB.Init(ctx); err != nil {
		logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go logDB.SaveEntries(ctx, logger)
	}

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("could not open catalog: %w", err)
	}
	defer cat.Close()

	coord := shutdown.New()
	sup := supervisor.New(cat, coord, logger)
	sup.SetDiskMonitor(storage.NewMonitor(cfg.StoragePath))

	logger.Info().Src("app").Msg("recovering orphaned recordings")
	if err := sup.RecoverOrphans(); err != nil {
		logger.Error().Src("app").Msgf("recover orphans: %v", err)
	}

	if err := sup.Start(ctx, reconcileInterval); err != nil {
		return fmt.Errorf("could not start supervisor: %w", err)
	}

	go retentionLoop(ctx, sup, cfg, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	sig := <-stop
	logger.Info().Src("app").Msgf("received %v, stopping", sig)

	coord.InitiateShutdown()
	cancel()

	if !coord.WaitForQuiescence(shutdownDeadline) {
		logger.Warn().Src("app").Msg("shutdown deadline exceeded, some recorders may be detached")
		return nil
	}
	sup.Wait()

	return nil
}

func retentionLoop(ctx context.Context, sup *supervisor.Supervisor, cfg *config.Config, logger *log.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := sup.RetentionSweep(cfg.RetentionDays, cfg.MaxStorageGB, cfg.AutoDeleteOldest)
			if err != nil {
				logger.Error().Src("app").Msgf("retention sweep: %v", err)
			}
		}
	}
}
