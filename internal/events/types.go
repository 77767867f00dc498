package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// Strategy lifecycle.
	EventStrategyCreated      Event = "strategy.created"
	EventStrategyPaused       Event = "strategy.paused"
	EventStrategyResumed      Event = "strategy.resumed"
	EventStrategyNeedsRepair  Event = "strategy.needs_repair"
	EventStrategyExecuted     Event = "strategy.executed"
	EventCircuitBreakerHit    Event = "strategy.circuit_breaker"

	// Credential vault lifecycle.
	EventExchangeLinked       Event = "exchange.linked"
	EventExchangeUnlinked     Event = "exchange.unlinked"
	EventExchangeDisconnected Event = "exchange.disconnected"

	// Balance pipeline.
	EventBalanceSnapshotTaken Event = "balance.snapshot"
)
