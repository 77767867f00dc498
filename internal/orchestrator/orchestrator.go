// Package orchestrator converts a Trigger Evaluator decision into an
// exchange order, sizes it against the strategy's execution rules, submits
// it through a pooled Gateway, and folds the fill back into the Position
// Ledger and Strategy Store. Grounded on the teacher's order.Executor.Handle
// pipeline (submit, persist, publish) generalized to multi-tenant credential
// resolution instead of a single global gateway.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/strategy"
	"strategyengine/internal/strategy/evaluator"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"

	"github.com/google/uuid"
)

// CredentialResolver yields the decrypted credential a user has linked for
// a catalog exchange id. Satisfied by *vault.Vault.
type CredentialResolver interface {
	GetForExchange(ctx context.Context, userID, exchangeID string) (exchange.Credential, error)
}

// Orchestrator is the Order Orchestrator component.
type Orchestrator struct {
	Pool   *gatewaypool.Pool
	Vault  CredentialResolver
	Ledger *ledger.Ledger
	Store  *strategy.Store
	Bus    *events.Bus
}

// New builds an Orchestrator over its collaborators.
func New(pool *gatewaypool.Pool, vault CredentialResolver, led *ledger.Ledger, store *strategy.Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{Pool: pool, Vault: vault, Ledger: led, Store: store, Bus: bus}
}

// Execute acts on a triggered evaluator Decision for one strategy: sizes
// the order against execution rules, submits it through the pooled
// Gateway, then folds the result into the Position Ledger and Strategy
// Store. A non-triggering Decision (should_trigger=false) is rejected with
// an error before anything is sized or submitted.
func (o *Orchestrator) Execute(ctx context.Context, strat db.Strategy, decision evaluator.Decision, currentPrice float64) error {
	if !decision.ShouldTrigger {
		return fmt.Errorf("orchestrator: decision does not trigger, nothing to execute")
	}

	pos, err := o.Ledger.GetPosition(ctx, strat.UserID, strat.ExchangeID, strat.Token)
	if err != nil {
		return fmt.Errorf("orchestrator: load position: %w", err)
	}

	qty, err := sizeOrder(decision, pos, currentPrice, strat.Rules.Execution)
	if err != nil {
		return fmt.Errorf("orchestrator: size order: %w", err)
	}
	if qty <= 0 {
		log.Printf("[ORCHESTRATOR] %s %s skipped: sized quantity is zero", strat.ID, decision.ReasonCode())
		return nil
	}

	cred, err := o.Vault.GetForExchange(ctx, strat.UserID, strat.ExchangeID)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve credential: %w", err)
	}
	gw, err := o.Pool.Get(strat.ExchangeID, cred.Testnet)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve gateway: %w", err)
	}

	side := exchange.SideBuy
	if decision.Action == evaluator.ActionSell {
		side = exchange.SideSell
	}

	orderRef := uuid.NewString()
	req := exchange.OrderRequest{
		Symbol:   strat.Token,
		Side:     side,
		Type:     exchange.OrderTypeMarket,
		Quantity: qty,
		ClientID: orderRef,
	}

	res, err := gw.CreateOrder(ctx, cred, req)
	if err != nil {
		o.Pool.RecordFailure(strat.ExchangeID, cred.Testnet)
		if o.Bus != nil {
			o.Bus.Publish(events.EventOrderRejected, err.Error())
		}
		return fmt.Errorf("orchestrator: submit order: %w", err)
	}
	o.Pool.RecordSuccess(strat.ExchangeID, cred.Testnet)

	fillPrice := res.AverageFillPrice
	if fillPrice <= 0 {
		fillPrice = currentPrice
	}
	filledQty := res.Filled
	if filledQty <= 0 {
		filledQty = qty
	}

	var pnl float64
	if side == exchange.SideSell {
		if _, err := o.Ledger.RecordSell(ctx, strat.UserID, strat.ExchangeID, strat.Token, filledQty, fillPrice, orderRef); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				log.Printf("[ORCHESTRATOR] %s order_ref %s already recorded, skipping replay", strat.ID, orderRef)
				return nil
			}
			return fmt.Errorf("orchestrator: ledger sell: %w", err)
		}
		pnl = (fillPrice-pos.EntryPrice)*filledQty - res.Fee
	} else {
		if _, err := o.Ledger.RecordBuy(ctx, strat.UserID, strat.ExchangeID, strat.Token, filledQty, fillPrice, orderRef); err != nil {
			if errors.Is(err, ledger.ErrConflict) {
				log.Printf("[ORCHESTRATOR] %s order_ref %s already recorded, skipping replay", strat.ID, orderRef)
				return nil
			}
			return fmt.Errorf("orchestrator: ledger buy: %w", err)
		}
	}

	result := strategy.ExecutionResult{
		Action:     string(decision.Action),
		ReasonCode: decision.ReasonCode(),
		Price:      fillPrice,
		Amount:     filledQty,
		PnLUSD:     pnl,
		OrderRef:   orderRef,
	}
	if decision.Reason == evaluator.ReasonTakeProfit {
		v := tpLevelPercent(strat.Rules, decision.Level)
		result.TPLevelHit = v
	}
	if decision.Reason == evaluator.ReasonDCA {
		v := dcaLevelPercent(strat.Rules, decision.Level)
		result.DCALevelHit = v
	}

	if err := o.Store.PersistExecution(ctx, strat.ID, result); err != nil {
		return fmt.Errorf("orchestrator: persist execution: %w", err)
	}

	if o.Bus != nil {
		o.Bus.Publish(events.EventOrderFilled, result)
	}
	log.Printf("[ORCHESTRATOR] %s %s %s qty=%.8f price=%.8f", strat.ID, decision.ReasonCode(), side, filledQty, fillPrice)
	return nil
}

// ExecuteManual submits a user-specified order directly, bypassing the
// Trigger Evaluator and the Strategy Store's tracking document entirely —
// the path manual /orders/buy and /orders/sell calls take, sharing the
// same gateway resolution and ledger fold Execute uses for rule-triggered
// fills.
func (o *Orchestrator) ExecuteManual(ctx context.Context, userID, exchangeID, token string, side exchange.Side, quantity float64) (exchange.OrderResult, error) {
	if quantity <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("orchestrator: quantity must be > 0")
	}

	cred, err := o.Vault.GetForExchange(ctx, userID, exchangeID)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("orchestrator: resolve credential: %w", err)
	}
	gw, err := o.Pool.Get(exchangeID, cred.Testnet)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("orchestrator: resolve gateway: %w", err)
	}

	orderRef := uuid.NewString()
	req := exchange.OrderRequest{
		Symbol:   token,
		Side:     side,
		Type:     exchange.OrderTypeMarket,
		Quantity: quantity,
		ClientID: orderRef,
	}

	res, err := gw.CreateOrder(ctx, cred, req)
	if err != nil {
		o.Pool.RecordFailure(exchangeID, cred.Testnet)
		return exchange.OrderResult{}, fmt.Errorf("orchestrator: submit order: %w", err)
	}
	o.Pool.RecordSuccess(exchangeID, cred.Testnet)

	fillPrice := res.AverageFillPrice
	filledQty := res.Filled
	if filledQty <= 0 {
		filledQty = quantity
	}

	if side == exchange.SideSell {
		if _, err := o.Ledger.RecordSell(ctx, userID, exchangeID, token, filledQty, fillPrice, orderRef); err != nil {
			log.Printf("[ORCHESTRATOR] manual sell ledger fold failed: %v", err)
		}
	} else {
		if _, err := o.Ledger.RecordBuy(ctx, userID, exchangeID, token, filledQty, fillPrice, orderRef); err != nil {
			log.Printf("[ORCHESTRATOR] manual buy ledger fold failed: %v", err)
		}
	}

	if o.Bus != nil {
		o.Bus.Publish(events.EventOrderFilled, res)
	}
	log.Printf("[ORCHESTRATOR] manual %s %s qty=%.8f price=%.8f", side, token, filledQty, fillPrice)
	return res, nil
}

// sizeOrder converts the evaluator's requested quantity_percent into an
// absolute quantity, clamped to the holding (for sells) and to
// max_order_size_percent. The evaluator already demotes should_trigger to
// false with metadata.reason=below_min_size before a decision reaches here,
// so the min_order_size_usd check below is a backstop against a decision
// built outside Evaluate (tests, future callers) rather than the primary
// gate.
func sizeOrder(decision evaluator.Decision, pos db.Position, price float64, rules db.ExecutionRule) (float64, error) {
	var base float64
	if decision.Action == evaluator.ActionSell {
		base = pos.Amount
	} else {
		// A BUY's "holding" base is the position's total invested divided
		// by price is not meaningful pre-fill; dip/DCA buys size off the
		// configured USD notional implied by quantity_percent of the
		// position's total invested so far, falling back to the
		// min_order_size_usd floor when there is no existing position yet.
		base = pos.TotalInvested / maxFloat(price, epsilon)
		if base <= 0 {
			base = rules.MinOrderSizeUSD / maxFloat(price, epsilon)
		}
	}

	pct := decision.QuantityPercent
	if pct <= 0 {
		pct = 100
	}
	if rules.MaxOrderSizePercent > 0 && pct > rules.MaxOrderSizePercent {
		pct = rules.MaxOrderSizePercent
	}
	qty := base * (pct / 100)

	if qty*price < rules.MinOrderSizeUSD {
		if !rules.AllowPartialFills {
			return 0, fmt.Errorf("sized order %.2f USD below min_order_size_usd %.2f", qty*price, rules.MinOrderSizeUSD)
		}
		return 0, nil
	}
	if decision.Action == evaluator.ActionSell && qty > pos.Amount {
		qty = pos.Amount
	}
	return qty, nil
}

const epsilon = 1e-9

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func tpLevelPercent(rules db.Rules, level int) *float64 {
	if level < 1 || level > len(rules.TakeProfitLevels) {
		return nil
	}
	v := rules.TakeProfitLevels[level-1].Percent
	return &v
}

func dcaLevelPercent(rules db.Rules, level int) *float64 {
	if level < 1 || level > len(rules.BuyDip.DCALevels) {
		return nil
	}
	v := rules.BuyDip.DCALevels[level-1].Percent
	return &v
}
