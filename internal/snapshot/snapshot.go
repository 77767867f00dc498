// Package snapshot runs the Balance Snapshot Pipeline: a recurring job
// that, for every user with at least one active linked exchange, fetches
// balances and prices through the Gateway, aggregates to a per-user USD
// total, and appends a balance_history row. Grounded on the teacher's
// internal/balance.Manager sync-then-ticker loop, generalized from one
// account to a bounded worker-pool fan-out over users (each user's linked
// exchanges are visited in turn), with internal/persistence.BatchWriter
// buffering the resulting inserts.
package snapshot

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/persistence"
	"strategyengine/pkg/db"
)

const defaultConcurrency = 8

// Pipeline is the Balance Snapshot Pipeline component.
type Pipeline struct {
	db    *db.Database
	vault orchestrator.CredentialResolver
	pool  *gatewaypool.Pool
	bus   *events.Bus
	bw    *persistence.BatchWriter

	cron        *cron.Cron
	schedule    string
	concurrency int

	mu      sync.Mutex
	running bool
}

// New builds a Pipeline. schedule is a standard 5-field cron expression;
// pass "" for the spec default of every 4 hours on the hour.
func New(database *db.Database, vault orchestrator.CredentialResolver, pool *gatewaypool.Pool, bus *events.Bus, schedule string) *Pipeline {
	if schedule == "" {
		schedule = "0 */4 * * *"
	}
	return &Pipeline{
		db: database, vault: vault, pool: pool, bus: bus,
		bw:          persistence.NewBatchWriter(database.DB, 20, 2*time.Second),
		cron:        cron.New(),
		schedule:    schedule,
		concurrency: defaultConcurrency,
	}
}

// Start schedules the recurring sweep and returns immediately.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.schedule, func() { p.Run(context.Background()) }); err != nil {
		p.mu.Unlock()
		return err
	}
	p.cron.Start()
	p.running = true
	p.mu.Unlock()
	log.Printf("[SNAPSHOT] balance snapshot pipeline started, schedule=%q", p.schedule)
	return nil
}

// Stop halts the scheduler and flushes any buffered writes. Safe to call
// when the pipeline is not running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	ctx := p.cron.Stop()
	<-ctx.Done()
	if err := p.bw.Flush(); err != nil {
		log.Printf("[SNAPSHOT] flush on stop: %v", err)
	}
}

// Running reports whether the scheduler is currently active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run executes one sweep synchronously, for both the scheduler and tests.
func (p *Pipeline) Run(ctx context.Context) {
	userIDs, err := p.db.ListActiveLinkedUserIDs(ctx)
	if err != nil {
		log.Printf("[SNAPSHOT] list linked users: %v", err)
		return
	}

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		userID := userID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[SNAPSHOT] user %s panicked: %v", userID, r)
				}
			}()
			p.snapshotUser(ctx, userID)
		}()
	}
	wg.Wait()
	if err := p.bw.Flush(); err != nil {
		log.Printf("[SNAPSHOT] flush sweep: %v", err)
	}
}

func (p *Pipeline) snapshotUser(ctx context.Context, userID string) {
	linked, err := p.db.ListUserExchangesByUser(ctx, userID)
	if err != nil {
		log.Printf("[SNAPSHOT] %s list linked exchanges: %v", userID, err)
		return
	}

	var totalUSD, totalBRL float64
	exchanges := make([]db.ExchangeBalance, 0, len(linked))
	for _, ue := range linked {
		eb := p.snapshotExchange(ctx, userID, ue)
		exchanges = append(exchanges, eb)
		if eb.Success {
			totalUSD += eb.TotalUSD
			totalBRL += eb.TotalBRL
		}
	}

	exchangesJSON, err := json.Marshal(exchanges)
	if err != nil {
		log.Printf("[SNAPSHOT] %s marshal exchanges: %v", userID, err)
		return
	}

	p.bw.WriteQuery(`
		INSERT INTO balance_history (id, user_id, timestamp, total_usd, total_brl, exchanges_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), userID, time.Now(), totalUSD, totalBRL, string(exchangesJSON))

	if p.bus != nil {
		p.bus.Publish(events.EventBalanceSnapshotTaken, userID)
	}
}

// snapshotExchange fetches balances and per-asset tickers for one linked
// exchange. A failure here marks success=false on this subrecord only; it
// never fails the user's overall snapshot.
func (p *Pipeline) snapshotExchange(ctx context.Context, userID string, ue db.UserExchange) db.ExchangeBalance {
	eb := db.ExchangeBalance{ExchangeID: ue.ExchangeID, ExchangeName: ue.ExchangeType}

	cred, err := p.vault.GetForExchange(ctx, userID, ue.ExchangeID)
	if err != nil {
		log.Printf("[SNAPSHOT] %s/%s resolve credential: %v", userID, ue.ExchangeID, err)
		return eb
	}
	gw, err := p.pool.Get(ue.ExchangeID, cred.Testnet)
	if err != nil {
		log.Printf("[SNAPSHOT] %s/%s resolve gateway: %v", userID, ue.ExchangeID, err)
		return eb
	}
	balances, err := gw.FetchBalances(ctx, cred)
	if err != nil {
		p.pool.RecordFailure(ue.ExchangeID, cred.Testnet)
		log.Printf("[SNAPSHOT] %s/%s fetch balances: %v", userID, ue.ExchangeID, err)
		return eb
	}
	p.pool.RecordSuccess(ue.ExchangeID, cred.Testnet)

	var totalUSD float64
	for _, bal := range balances {
		if bal.Total <= 0 {
			continue
		}
		ticker, err := gw.FetchTicker(ctx, cred, bal.Asset+"USDT")
		if err != nil {
			// An asset with no USDT pair (e.g. USDT itself) contributes at
			// parity rather than failing the whole exchange subrecord.
			if bal.Asset == "USDT" || bal.Asset == "USD" {
				totalUSD += bal.Total
			}
			continue
		}
		totalUSD += bal.Total * ticker.Last
	}

	// total_brl is left at zero: no FX-rate source is wired anywhere in
	// this pipeline, so only the USD total is ever populated.
	eb.TotalUSD = totalUSD
	eb.Success = true
	return eb
}
