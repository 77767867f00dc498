package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"strategyengine/internal/api"
	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/monitor"
	"strategyengine/internal/notify"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/snapshot"
	"strategyengine/internal/strategy"
	"strategyengine/internal/vault"
	"strategyengine/internal/worker"
	"strategyengine/pkg/config"
	"strategyengine/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MAIN] load config: %v", err)
	}
	log.Printf("[MAIN] config loaded, port=%s dry_run=%v db=%s", cfg.Port, cfg.DryRun, cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[MAIN] open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[MAIN] apply migrations: %v", err)
	}

	encKeys := map[int][]byte{1: []byte(cfg.CredentialEncryptionKey)}
	if cfg.CredentialEncryptionKeyV2 != "" {
		encKeys[2] = []byte(cfg.CredentialEncryptionKeyV2)
	}
	v, err := vault.New(database, encKeys, bus)
	if err != nil {
		log.Fatalf("[MAIN] build vault: %v", err)
	}

	led := ledger.New(database)
	store := strategy.New(database, bus)

	factory := gatewaypool.DefaultFactory
	if cfg.DryRun {
		factory = gatewaypool.DryRunFactory
		log.Println("[MAIN] dry-run mode: order submission routed through mock.DryRunGateway")
	}
	pool := gatewaypool.New(factory, gatewaypool.DefaultConfig())
	pool.Start(ctx)

	orc := orchestrator.New(pool, v, led, store, bus)

	checkInterval := time.Duration(cfg.StrategyCheckIntervalMinutes) * time.Minute
	wk := worker.New(store, led, pool, v, orc, checkInterval, 8)
	go wk.Start(ctx)

	resetter := strategy.NewResetter(database)
	if err := resetter.Start(); err != nil {
		log.Fatalf("[MAIN] start PnL window resetter: %v", err)
	}
	defer resetter.Stop()

	snapshotSchedule := ""
	if cfg.SnapshotIntervalHours > 0 {
		snapshotSchedule = "0 */" + strconv.Itoa(cfg.SnapshotIntervalHours) + " * * *"
	}
	snap := snapshot.New(database, v, pool, bus, snapshotSchedule)
	if err := snap.Start(); err != nil {
		log.Fatalf("[MAIN] start balance snapshot pipeline: %v", err)
	}
	defer snap.Stop()

	notifier := notify.New(database, bus)
	notifier.Start(ctx)
	defer notifier.Stop()

	metrics := monitor.NewSystemMetrics()
	go refreshGauges(ctx, metrics, pool, store, wk.Concurrency)

	mon := &monitor.Monitor{Bus: bus, AlertFn: func(msg string) {
		log.Printf("[ALERT] %s", msg)
	}}
	mon.Start(ctx)

	server := api.NewServer(api.Config{
		Bus: bus, DB: database, Vault: v, Ledger: led, Store: store,
		Pool: pool, Orchestrator: orc, Worker: wk, Snapshot: snap,
		Metrics: metrics, JWTSecret: cfg.JWTSecret,
		Meta: api.SystemMeta{DryRun: cfg.DryRun, Version: version()},
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[MAIN] http server: %v", err)
		}
	}()
	log.Printf("[MAIN] strategy engine listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("[MAIN] shutting down")
	cancel()
	wk.Stop()
}

// refreshGauges periodically copies the gateway pool's and strategy
// store's point-in-time state into the metrics snapshot, since neither
// component pushes its state to monitor on every change.
func refreshGauges(ctx context.Context, metrics *monitor.SystemMetrics, pool *gatewaypool.Pool, store *strategy.Store, workerConcurrency int) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetGatewayPoolStats(pool.Stats())
			active, err := store.ListActive(ctx)
			if err != nil {
				continue
			}
			metrics.SetEngineGauges(len(active), workerConcurrency)
		}
	}
}

func version() string {
	if v := os.Getenv("APP_VERSION"); v != "" {
		return v
	}
	return "dev"
}

