package strategy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"strategyengine/internal/events"
	"strategyengine/pkg/db"
)

// ErrAlreadyExists is returned by Create when an active strategy already
// covers the requested (user, exchange, token) triple.
var ErrAlreadyExists = errors.New("strategy: an active strategy already exists for this exchange/token")

// Store is the Strategy Store: it owns the per-strategy document (rules +
// tracking), applies validated/normalized rules on creation, and performs
// every mutation as a single atomic, idempotent document update.
type Store struct {
	db  *db.Database
	bus *events.Bus
}

// New builds a Store backed by database, publishing lifecycle events onto bus.
func New(database *db.Database, bus *events.Bus) *Store {
	return &Store{db: database, bus: bus}
}

// CreateInput describes the three supported creation modes, checked in
// priority order: Template, then LegacyRules, then an explicit Rules
// document, then (if none given) DefaultRules.
type CreateInput struct {
	UserID     string
	ExchangeID string
	Token      string
	IsActive   bool

	Template string
	Legacy   *LegacyRules
	Rules    *db.Rules
}

// Create validates and normalizes the requested rules and inserts a new
// strategy document. Fails if an active strategy already exists for this
// (user, exchange, token) triple.
func (s *Store) Create(ctx context.Context, in CreateInput) (*db.Strategy, error) {
	rules, err := s.resolveRules(in)
	if err != nil {
		return nil, err
	}
	if err := ValidateRules(rules); err != nil {
		return nil, fmt.Errorf("strategy: invalid rules: %w", err)
	}

	existing, err := s.db.ListStrategiesByUser(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("strategy: check existing: %w", err)
	}
	for _, e := range existing {
		if e.ExchangeID == in.ExchangeID && e.Token == in.Token && e.IsActive {
			return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyExists, in.Token, in.ExchangeID)
		}
	}

	now := time.Now()
	strat := &db.Strategy{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		ExchangeID: in.ExchangeID,
		Token:      in.Token,
		IsActive:   in.IsActive,
		Rules:      rules,
		Tracking:   db.Tracking{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.CreateStrategy(ctx, *strat); err != nil {
		return nil, fmt.Errorf("strategy: create: %w", err)
	}

	log.Printf("[STRATEGY] created %s for user=%s %s/%s", strat.ID, in.UserID, in.ExchangeID, in.Token)
	s.publish(events.EventStrategyCreated, strat)
	return strat, nil
}

func (s *Store) resolveRules(in CreateInput) (db.Rules, error) {
	switch {
	case in.Template != "":
		return TemplateRules(in.Template)
	case in.Legacy != nil:
		return NormalizeLegacyRules(*in.Legacy), nil
	case in.Rules != nil:
		return *in.Rules, nil
	default:
		return DefaultRules(), nil
	}
}

// Get returns a strategy by id, scoped to userID (see db.UserQueries).
func (s *Store) Get(ctx context.Context, userID, strategyID string) (*db.Strategy, error) {
	return s.db.Queries().GetStrategyByID(ctx, userID, strategyID)
}

// ListActive returns every strategy eligible for worker pickup.
func (s *Store) ListActive(ctx context.Context) ([]db.Strategy, error) {
	return s.db.ListActiveStrategies(ctx)
}

// ListByUser returns every strategy a user owns, active or not.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]db.Strategy, error) {
	return s.db.Queries().GetStrategiesByUser(ctx, userID)
}

// Pause deactivates a strategy on behalf of its owning user, after checking
// ownership. The worker's circuit-breaker pause goes through PauseSystem.
func (s *Store) Pause(ctx context.Context, userID, strategyID string) error {
	if err := s.db.Queries().AssertOwnsStrategy(ctx, userID, strategyID); err != nil {
		return err
	}
	if err := s.db.SetStrategyActive(ctx, strategyID, false); err != nil {
		return err
	}
	s.publishID(events.EventStrategyPaused, strategyID)
	return nil
}

// PauseSystem deactivates a strategy without an ownership check, for use by
// the worker acting on a tripped circuit breaker.
func (s *Store) PauseSystem(ctx context.Context, strategyID, reason string) error {
	if err := s.db.SetStrategyActive(ctx, strategyID, false); err != nil {
		return err
	}
	log.Printf("[STRATEGY] %s paused by circuit breaker: %s", strategyID, reason)
	s.publishID(events.EventCircuitBreakerHit, strategyID)
	return nil
}

// Resume reactivates a paused strategy.
func (s *Store) Resume(ctx context.Context, userID, strategyID string) error {
	if err := s.db.Queries().AssertOwnsStrategy(ctx, userID, strategyID); err != nil {
		return err
	}
	if err := s.db.SetStrategyActive(ctx, strategyID, true); err != nil {
		return err
	}
	s.publishID(events.EventStrategyResumed, strategyID)
	return nil
}

// Delete removes a strategy the user owns.
func (s *Store) Delete(ctx context.Context, userID, strategyID string) error {
	if err := s.db.Queries().AssertOwnsStrategy(ctx, userID, strategyID); err != nil {
		return err
	}
	return s.db.DeleteStrategy(ctx, strategyID, userID)
}

// UpdateRules validates and replaces the rules document on an existing
// strategy, owned by userID.
func (s *Store) UpdateRules(ctx context.Context, userID, strategyID string, rules db.Rules) error {
	if err := s.db.Queries().AssertOwnsStrategy(ctx, userID, strategyID); err != nil {
		return err
	}
	if err := ValidateRules(rules); err != nil {
		return fmt.Errorf("strategy: invalid rules: %w", err)
	}
	return s.db.UpdateStrategyRules(ctx, strategyID, rules)
}

// MarkNeedsRepair flags a strategy whose rules document failed a later
// validation pass (e.g. after a schema change), taking it out of the
// worker's active set without deleting it.
func (s *Store) MarkNeedsRepair(ctx context.Context, strategyID string, reason string) error {
	if err := s.db.SetNeedsRepair(ctx, strategyID, true); err != nil {
		return err
	}
	log.Printf("[STRATEGY] %s needs_repair: %s", strategyID, reason)
	s.publishID(events.EventStrategyNeedsRepair, strategyID)
	return nil
}

// ExecutionResult is what the Order Orchestrator reports back after acting
// on a Decision, for the Store to fold into the tracking document.
type ExecutionResult struct {
	Action      string // "BUY" or "SELL"
	ReasonCode  string
	Price       float64
	Amount      float64
	PnLUSD      float64
	OrderRef    string
	TPLevelHit  *float64 // the TP level's percent, when Action == SELL and reason is a TP level
	DCALevelHit *float64 // the DCA level's percent, when Action == BUY and reason is a DCA level
}

// PersistExecution atomically folds an execution result into the tracking
// document: counters, PnL windows, last_* fields, the newly-executed
// level, and the cooldown window. Idempotent against replay under its own
// (strategy_id, order_ref) key: if result.OrderRef is already present in
// tracking.Stats.ProcessedOrderRefs, the call is a no-op.
func (s *Store) PersistExecution(ctx context.Context, strategyID string, result ExecutionResult) error {
	strat, err := s.db.GetStrategy(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("strategy: load for execution: %w", err)
	}
	tracking := strat.Tracking

	if result.OrderRef != "" {
		for _, ref := range tracking.Stats.ProcessedOrderRefs {
			if ref == result.OrderRef {
				log.Printf("[STRATEGY] %s order_ref %s already processed, skipping replay", strategyID, result.OrderRef)
				return nil
			}
		}
	}

	now := time.Now()

	tracking.Stats.TotalExecutions++
	switch result.Action {
	case "BUY":
		tracking.Stats.TotalBuys++
	case "SELL":
		tracking.Stats.TotalSells++
	}
	tracking.Stats.TotalPnLUSD += result.PnLUSD
	tracking.Stats.DailyPnLUSD += result.PnLUSD
	tracking.Stats.WeeklyPnLUSD += result.PnLUSD
	tracking.Stats.MonthlyPnLUSD += result.PnLUSD
	tracking.Stats.LastExecutionAt = &now
	tracking.Stats.LastExecutionType = result.Action
	tracking.Stats.LastExecutionReason = result.ReasonCode
	tracking.Stats.LastExecutionPrice = result.Price
	tracking.Stats.LastExecutionAmount = result.Amount
	if result.OrderRef != "" {
		tracking.Stats.ProcessedOrderRefs = append(tracking.Stats.ProcessedOrderRefs, result.OrderRef)
	}
	if result.TPLevelHit != nil {
		tracking.Stats.ExecutedTPLevels = append(tracking.Stats.ExecutedTPLevels, *result.TPLevelHit)
	}
	if result.DCALevelHit != nil {
		tracking.Stats.ExecutedDCALevels = append(tracking.Stats.ExecutedDCALevels, *result.DCALevelHit)
	}

	rules := strat.Rules
	if rules.Cooldown.Enabled {
		var minutes int
		if result.Action == "SELL" {
			minutes = rules.Cooldown.MinutesAfterSell
		} else {
			minutes = rules.Cooldown.MinutesAfterBuy
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		tracking.Cooldown.CooldownUntil = &until
		tracking.Cooldown.LastAction = result.Action
		tracking.Cooldown.LastActionAt = &now
	}

	// A SELL that fully liquidates the trailing-protected position clears
	// the trailing state so the next BUY starts fresh.
	if result.Action == "SELL" && result.ReasonCode == "TRAILING_STOP" {
		tracking.Trailing = db.TrailingStopState{}
	}

	if err := s.db.PersistExecution(ctx, strategyID, tracking); err != nil {
		return fmt.Errorf("strategy: persist execution: %w", err)
	}
	log.Printf("[STRATEGY] %s executed %s (%s) price=%.8f amount=%.8f pnl=%.2f", strategyID, result.Action, result.ReasonCode, result.Price, result.Amount, result.PnLUSD)
	s.publishID(events.EventStrategyExecuted, strategyID)
	return nil
}

// UpdateTrailing persists a trailing-stop state change the evaluator
// produced, independent of whether the evaluation also triggered a fill.
func (s *Store) UpdateTrailing(ctx context.Context, strategyID string, trailing db.TrailingStopState) error {
	return s.db.UpdateTrailing(ctx, strategyID, trailing)
}

// AcquireLease attempts the per-strategy compare-and-swap lease the worker
// uses to prevent two goroutines from evaluating the same strategy at once.
func (s *Store) AcquireLease(ctx context.Context, strategyID, leaseToken string, until time.Time) (bool, error) {
	return s.db.AcquireLease(ctx, strategyID, leaseToken, until)
}

// ReleaseLease releases a held lease early, used once a worker finishes
// before the lease's natural expiry.
func (s *Store) ReleaseLease(ctx context.Context, strategyID, leaseToken string) error {
	return s.db.ReleaseLease(ctx, strategyID, leaseToken)
}

func (s *Store) publish(event events.Event, strat *db.Strategy) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event, strat)
}

func (s *Store) publishID(event events.Event, strategyID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(event, strategyID)
}
