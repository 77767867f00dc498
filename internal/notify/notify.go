// Package notify subscribes to the event bus and turns strategy and
// exchange lifecycle events into persisted Notification rows a user can
// fetch through the API. Grounded on the same Subscribe/for-range
// consumption pattern internal/monitor uses to turn circuit-breaker events
// into operator alerts, applied here to durable storage instead.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"strategyengine/internal/events"
	"strategyengine/pkg/db"
)

const subscriberBuffer = 64

// Notifier is the Notifications component: it owns no state beyond the
// database it writes to and the bus it listens on.
type Notifier struct {
	db  *db.Database
	bus *events.Bus

	unsubs []func()
}

// New builds a Notifier over database, not yet subscribed to bus.
func New(database *db.Database, bus *events.Bus) *Notifier {
	return &Notifier{db: database, bus: bus}
}

// Start subscribes to every event this package turns into a notification
// and processes them on its own goroutine until ctx is canceled.
func (n *Notifier) Start(ctx context.Context) {
	n.listen(ctx, events.EventStrategyExecuted, n.handleStrategyExecuted)
	n.listen(ctx, events.EventCircuitBreakerHit, n.handleCircuitBreaker)
	n.listen(ctx, events.EventStrategyNeedsRepair, n.handleNeedsRepair)
	n.listen(ctx, events.EventExchangeDisconnected, n.handleExchangeDisconnected)
	log.Println("[NOTIFY] subscribed to strategy and exchange lifecycle events")
}

// Stop unsubscribes from every event this Notifier registered with Start.
func (n *Notifier) Stop() {
	for _, unsub := range n.unsubs {
		unsub()
	}
	n.unsubs = nil
}

func (n *Notifier) listen(ctx context.Context, event events.Event, handle func(context.Context, any)) {
	ch, unsub := n.bus.Subscribe(event, subscriberBuffer)
	n.unsubs = append(n.unsubs, unsub)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				handle(ctx, payload)
			}
		}
	}()
}

func (n *Notifier) handleStrategyExecuted(ctx context.Context, payload any) {
	strategyID, ok := payload.(string)
	if !ok {
		return
	}
	strat, err := n.db.GetStrategy(ctx, strategyID)
	if err != nil {
		log.Printf("[NOTIFY] load strategy %s: %v", strategyID, err)
		return
	}
	stats := strat.Tracking.Stats
	message := fmt.Sprintf("%s %s on %s at %.8f (pnl %.2f USD)",
		stats.LastExecutionType, stats.LastExecutionReason, strat.Token, stats.LastExecutionPrice, stats.DailyPnLUSD)
	n.notify(ctx, strat.UserID, "strategy.executed", message, map[string]any{
		"strategy_id": strategyID,
		"reason":      stats.LastExecutionReason,
		"price":       stats.LastExecutionPrice,
	})
}

func (n *Notifier) handleCircuitBreaker(ctx context.Context, payload any) {
	strategyID, ok := payload.(string)
	if !ok {
		return
	}
	strat, err := n.db.GetStrategy(ctx, strategyID)
	if err != nil {
		log.Printf("[NOTIFY] load strategy %s: %v", strategyID, err)
		return
	}
	message := fmt.Sprintf("strategy on %s paused: circuit breaker tripped", strat.Token)
	n.notify(ctx, strat.UserID, "circuit_breaker", message, map[string]any{"strategy_id": strategyID})
}

func (n *Notifier) handleNeedsRepair(ctx context.Context, payload any) {
	strategyID, ok := payload.(string)
	if !ok {
		return
	}
	strat, err := n.db.GetStrategy(ctx, strategyID)
	if err != nil {
		log.Printf("[NOTIFY] load strategy %s: %v", strategyID, err)
		return
	}
	message := fmt.Sprintf("strategy on %s needs repair and was taken out of rotation", strat.Token)
	n.notify(ctx, strat.UserID, "needs_repair", message, map[string]any{"strategy_id": strategyID})
}

func (n *Notifier) handleExchangeDisconnected(ctx context.Context, payload any) {
	userExchangeID, ok := payload.(string)
	if !ok {
		return
	}
	// The disconnecting user is not part of this payload; Notifier looks
	// it up so a disconnect notification lands on the right inbox even
	// though strategy.ExecutionResult-style payloads only carry an id.
	ue, err := n.lookupUserExchangeOwner(ctx, userExchangeID)
	if err != nil {
		log.Printf("[NOTIFY] lookup user_exchange %s: %v", userExchangeID, err)
		return
	}
	message := fmt.Sprintf("exchange connection %s was disconnected", ue.ExchangeType)
	n.notify(ctx, ue.UserID, "exchange_disconnected", message, map[string]any{"user_exchange_id": userExchangeID})
}

func (n *Notifier) lookupUserExchangeOwner(ctx context.Context, userExchangeID string) (db.UserExchange, error) {
	row := n.db.DB.QueryRowContext(ctx, `SELECT user_id, exchange_id, exchange_type FROM user_exchanges WHERE id = ?`, userExchangeID)
	var ue db.UserExchange
	if err := row.Scan(&ue.UserID, &ue.ExchangeID, &ue.ExchangeType); err != nil {
		return db.UserExchange{}, err
	}
	return ue, nil
}

func (n *Notifier) notify(ctx context.Context, userID, kind, message string, data map[string]any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		log.Printf("[NOTIFY] marshal data: %v", err)
		dataJSON = []byte("{}")
	}
	note := db.Notification{
		ID:      uuid.NewString(),
		UserID:  userID,
		Type:    kind,
		Message: message,
		Data:    string(dataJSON),
	}
	if err := n.db.CreateNotification(ctx, note); err != nil {
		log.Printf("[NOTIFY] persist notification: %v", err)
	}
}
