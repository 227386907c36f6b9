// Package main assembles the sync core as a standalone process: it wires
// configuration, storage, the operation queue, the blob cache, the remote
// client and the scheduler, then runs until interrupted. Mobile builds
// use the same wiring behind a platform bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/parloapp/parlo-core/internal/cache"
	"github.com/parloapp/parlo-core/internal/config"
	"github.com/parloapp/parlo-core/internal/logging"
	"github.com/parloapp/parlo-core/internal/network"
	"github.com/parloapp/parlo-core/internal/remote"
	"github.com/parloapp/parlo-core/internal/store"
	syncpkg "github.com/parloapp/parlo-core/internal/sync"
	"github.com/parloapp/parlo-core/internal/sync/scheduler"
	"github.com/parloapp/parlo-core/internal/syncq"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	identityToken := flag.String("token", os.Getenv("PARLO_IDENTITY_TOKEN"), "identity token for the sync backend")
	flag.Parse()

	if err := run(*configPath, *identityToken); err != nil {
		fmt.Fprintf(os.Stderr, "parlo-core: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, identityToken string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.Init(logging.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	logging.Info("Starting parlo core", logging.Fields{"version": Version, "data_dir": cfg.DataDir})

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	entityStore, err := store.NewSQLiteStore(db)
	if err != nil {
		return err
	}

	queue, err := syncq.NewSQLiteQueue(db.DB)
	if err != nil {
		return err
	}
	if recovered, err := queue.RecoverInFlight(); err != nil {
		return err
	} else if recovered > 0 {
		logging.Info("Recovered interrupted operations", logging.Fields{"count": recovered})
	}

	client := remote.NewClient(cfg.ServerURL, identityToken, cfg.RequestTimeout)

	blobCache, err := cache.NewManager(db.DB, filepath.Join(cfg.DataDir, "blobs"), cache.Options{
		BudgetBytes: cfg.CacheBudgetBytes,
		DefaultTTL:  cfg.CacheDefaultTTL,
		Fetcher:     cache.NewHTTPFetcher(cfg.RequestTimeout),
	})
	if err != nil {
		return err
	}
	if dangling, err := blobCache.VerifyBlobs(); err != nil {
		return err
	} else if len(dangling) > 0 {
		logging.Warn("Dropped dangling cache metadata", logging.Fields{"count": len(dangling)})
	}

	monitor := network.NewMonitor()
	engine := syncpkg.NewEngine(entityStore, queue, client, monitor, cfg)
	sched := scheduler.NewScheduler(engine, queue, monitor, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	// Standalone builds have no platform connectivity bridge; assume an
	// online wifi link so the periodic loop runs.
	monitor.SetState(network.State{Online: true, Transport: network.TransportWifi})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logging.Info("Shutting down", logging.Fields{"signal": sig.String()})
	return nil
}
