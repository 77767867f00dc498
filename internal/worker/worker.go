// Package worker runs the Strategy Worker: the single recurring task that,
// for every active strategy, reads a fresh price, runs the pure Trigger
// Evaluator, and dispatches any triggered decision to the Order
// Orchestrator while persisting every side-effect the evaluator produced.
// Grounded on the teacher's order.AsyncExecutor bounded worker-pool
// pattern, generalized from one-shot order dispatch to a recurring,
// per-strategy ticking loop.
package worker

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/strategy"
	"strategyengine/internal/strategy/evaluator"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"

	"github.com/google/uuid"
)

const leaseDuration = 30 * time.Second

// Worker is the Strategy Worker component.
type Worker struct {
	Store        *strategy.Store
	Ledger       *ledger.Ledger
	Pool         *gatewaypool.Pool
	Vault        orchestrator.CredentialResolver
	Orchestrator *orchestrator.Orchestrator

	Interval    time.Duration
	Concurrency int

	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New builds a Worker over its collaborators. interval is how often the
// active-strategy set is swept; concurrency bounds how many strategies are
// evaluated at once.
func New(store *strategy.Store, led *ledger.Ledger, pool *gatewaypool.Pool, vault orchestrator.CredentialResolver, orc *orchestrator.Orchestrator, interval time.Duration, concurrency int) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Worker{
		Store: store, Ledger: led, Pool: pool, Vault: vault, Orchestrator: orc,
		Interval: interval, Concurrency: concurrency,
		workerPool: make(chan struct{}, concurrency),
		stopCh:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. It blocks the calling
// goroutine; callers typically run it with `go worker.Start(ctx)`.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	w.stopCh = make(chan struct{})
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	log.Printf("[WORKER] strategy worker started, interval=%s concurrency=%d", w.Interval, w.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-w.stopCh:
			w.wg.Wait()
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the sweep loop to halt and returns without waiting; Start
// waits for in-flight evaluations before it returns. Safe to call when the
// worker is not running.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
}

// Running reports whether the sweep loop is currently active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// TriggerSweep runs one sweep immediately, outside the regular ticker
// cadence, for an operator-requested manual trigger.
func (w *Worker) TriggerSweep(ctx context.Context) {
	w.sweep(ctx)
}

// tickerGroup is a set of strategies that share one ticker fetch: all on
// the same exchange and symbol, resolved against the same venue (testnet
// vs mainnet is folded into the key because it selects a distinct Gateway
// and a distinct price feed in gatewaypool.Pool).
type tickerGroup struct {
	exchangeID string
	symbol     string
	testnet    bool
	gw         exchange.Gateway
	cred       exchange.Credential
	strategies []db.Strategy
}

func (w *Worker) sweep(ctx context.Context) {
	strategies, err := w.Store.ListActive(ctx)
	if err != nil {
		log.Printf("[WORKER] list active strategies: %v", err)
		return
	}

	groups := make(map[string]*tickerGroup)
	var order []string
	for _, strat := range strategies {
		cred, err := w.Vault.GetForExchange(ctx, strat.UserID, strat.ExchangeID)
		if err != nil {
			log.Printf("[WORKER] %s resolve credential: %v", strat.ID, err)
			continue
		}
		gw, err := w.Pool.Get(strat.ExchangeID, cred.Testnet)
		if err != nil {
			log.Printf("[WORKER] %s resolve gateway: %v", strat.ID, err)
			continue
		}
		key := strat.ExchangeID + "|" + strat.Token + "|" + strconv.FormatBool(cred.Testnet)
		g, ok := groups[key]
		if !ok {
			g = &tickerGroup{exchangeID: strat.ExchangeID, symbol: strat.Token, testnet: cred.Testnet, gw: gw, cred: cred}
			groups[key] = g
			order = append(order, key)
		}
		g.strategies = append(g.strategies, strat)
	}

	for _, key := range order {
		w.evaluateGroup(ctx, groups[key])
	}
}

// evaluateGroup fetches one ticker for the group's (exchange, symbol)
// venue and fans per-strategy evaluation out across the worker pool, so a
// panic or error in one strategy stays isolated to that strategy.
func (w *Worker) evaluateGroup(ctx context.Context, g *tickerGroup) {
	ticker, err := g.gw.FetchTicker(ctx, g.cred, g.symbol)
	if err != nil {
		w.Pool.RecordFailure(g.exchangeID, g.testnet)
		log.Printf("[WORKER] fetch ticker %s/%s: %v", g.exchangeID, g.symbol, err)
		return
	}
	w.Pool.RecordSuccess(g.exchangeID, g.testnet)

	for _, strat := range g.strategies {
		strat := strat
		w.wg.Add(1)
		w.workerPool <- struct{}{}
		go func() {
			defer w.wg.Done()
			defer func() { <-w.workerPool }()
			// Per-strategy error isolation: a panic or error evaluating one
			// strategy must never take down the sweep for the rest.
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[WORKER] strategy %s panicked: %v", strat.ID, r)
				}
			}()
			w.evaluateOne(ctx, strat, ticker)
		}()
	}
}

func (w *Worker) evaluateOne(ctx context.Context, strat db.Strategy, ticker exchange.Ticker) {
	// Each evaluation, and every gateway/DB call it makes, runs under a
	// deadline no longer than the lease it holds.
	ctx, cancel := context.WithTimeout(ctx, leaseDuration)
	defer cancel()

	leaseToken := uuid.NewString()
	until := time.Now().Add(leaseDuration)
	acquired, err := w.Store.AcquireLease(ctx, strat.ID, leaseToken, until)
	if err != nil {
		log.Printf("[WORKER] %s acquire lease: %v", strat.ID, err)
		return
	}
	if !acquired {
		return // another worker is already evaluating this strategy
	}
	defer func() {
		if err := w.Store.ReleaseLease(ctx, strat.ID, leaseToken); err != nil {
			log.Printf("[WORKER] %s release lease: %v", strat.ID, err)
		}
	}()

	pos, err := w.Ledger.GetPosition(ctx, strat.UserID, strat.ExchangeID, strat.Token)
	if err != nil {
		log.Printf("[WORKER] %s load position: %v", strat.ID, err)
		return
	}

	market := evaluator.MarketData{}
	if ticker.Volume24h != 0 {
		v := ticker.Volume24h
		market.Volume24h = &v
	}
	if ticker.Change24h != 0 {
		c := ticker.Change24h
		market.Change24h = &c
	}

	decision := evaluator.Evaluate(strat.Rules, strat.Tracking, pos.EntryPrice, ticker.Last, pos.Amount, market, time.Now())

	w.applySideEffects(ctx, strat, decision)

	if !decision.ShouldTrigger {
		return
	}
	if err := w.Orchestrator.Execute(ctx, strat, decision, ticker.Last); err != nil {
		log.Printf("[WORKER] %s execute %s: %v", strat.ID, decision.ReasonCode(), err)
	}
}

// applySideEffects persists evaluator state changes that are not
// themselves a trigger: a trailing-stop high-water-mark update, and a
// circuit-breaker trip that requests the strategy be paused. Both happen
// regardless of decision.ShouldTrigger.
func (w *Worker) applySideEffects(ctx context.Context, strat db.Strategy, decision evaluator.Decision) {
	if decision.Trailing != nil && decision.Trailing.Changed {
		state := db.TrailingStopState{
			IsActive:         decision.Trailing.IsActive,
			HighestPriceSeen: decision.Trailing.HighestPriceSeen,
			CurrentStopPrice: decision.Trailing.CurrentStopPrice,
			ActivatedAt:      decision.Trailing.ActivatedAt,
		}
		if err := w.Store.UpdateTrailing(ctx, strat.ID, state); err != nil {
			log.Printf("[WORKER] %s persist trailing state: %v", strat.ID, err)
		}
	}
	if decision.CircuitBreaker != nil && decision.CircuitBreaker.ShouldPause {
		if err := w.Store.PauseSystem(ctx, strat.ID, "circuit breaker tripped on "+decision.CircuitBreaker.Window+" pnl limit"); err != nil {
			log.Printf("[WORKER] %s pause on circuit breaker: %v", strat.ID, err)
		}
	}
}
