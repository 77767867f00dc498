package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/strategy"
	"strategyengine/internal/strategy/evaluator"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"
)

type fakeVault struct{}

func (fakeVault) GetForExchange(ctx context.Context, userID, exchangeID string) (exchange.Credential, error) {
	return exchange.Credential{APIKey: "k", APISecret: "s"}, nil
}

type fakeGateway struct {
	lastReq exchange.OrderRequest
	fillAt  float64
}

func (g *fakeGateway) FetchBalances(context.Context, exchange.Credential) ([]exchange.AssetBalance, error) {
	return nil, nil
}
func (g *fakeGateway) FetchTicker(context.Context, exchange.Credential, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}
func (g *fakeGateway) CreateOrder(_ context.Context, _ exchange.Credential, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.lastReq = req
	return exchange.OrderResult{Status: exchange.StatusFilled, Filled: req.Quantity, AverageFillPrice: g.fillAt}, nil
}
func (g *fakeGateway) CancelOrder(context.Context, exchange.Credential, string, string) error { return nil }
func (g *fakeGateway) FetchOrder(context.Context, exchange.Credential, string, string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func newTestOrchestrator(t *testing.T, gw *fakeGateway) (*Orchestrator, *strategy.Store, *ledger.Ledger) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bus := events.NewBus()
	store := strategy.New(database, bus)
	led := ledger.New(database)
	pool := gatewaypool.New(func(exchangeID string, testnet bool) (exchange.Gateway, error) {
		return gw, nil
	}, gatewaypool.DefaultConfig())

	return New(pool, fakeVault{}, led, store, bus), store, led
}

func TestExecuteSellFoldsIntoLedgerAndStore(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fillAt: 110}
	orc, store, led := newTestOrchestrator(t, gw)

	strat, err := store.Create(ctx, strategy.CreateInput{
		UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true,
	})
	require.NoError(t, err)

	_, err = led.RecordBuy(ctx, "u1", "mock", "BTCUSDT", 1, 100, "seed-buy")
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	decision := evaluator.Decision{
		ShouldTrigger:   true,
		Action:          evaluator.ActionSell,
		Reason:          evaluator.ReasonTakeProfit,
		Level:           1,
		QuantityPercent: 100,
	}
	require.NoError(t, orc.Execute(ctx, *got, decision, 110))

	assert.Equal(t, exchange.SideSell, gw.lastReq.Side)

	pos, err := led.GetPosition(ctx, "u1", "mock", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0, pos.Amount, "full take-profit sell liquidates the position")

	updated, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Tracking.Stats.TotalSells)
	assert.Contains(t, updated.Tracking.Stats.ExecutedTPLevels, 5.0)
}

func TestExecuteSkipsBelowMinOrderSizeWithPartialFillsAllowed(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{fillAt: 100}
	orc, store, led := newTestOrchestrator(t, gw)

	rules := strategy.DefaultRules()
	rules.Execution.MinOrderSizeUSD = 1000
	rules.Execution.AllowPartialFills = true

	strat, err := store.Create(ctx, strategy.CreateInput{
		UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true, Rules: &rules,
	})
	require.NoError(t, err)

	// A tiny existing position means a 1% buy-dip is sized far below the
	// min_order_size_usd floor.
	_, err = led.RecordBuy(ctx, "u1", "mock", "BTCUSDT", 0.01, 100, "seed-buy")
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	decision := evaluator.Decision{ShouldTrigger: true, Action: evaluator.ActionBuy, Reason: evaluator.ReasonBuyDip, QuantityPercent: 1}
	require.NoError(t, orc.Execute(ctx, *got, decision, 100))

	assert.Equal(t, exchange.OrderRequest{}, gw.lastReq, "order below min_order_size_usd with partial fills allowed is silently skipped")
}

func TestExecuteRejectsNonTriggeringDecision(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{}
	orc, store, _ := newTestOrchestrator(t, gw)

	strat, err := store.Create(ctx, strategy.CreateInput{UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true})
	require.NoError(t, err)
	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	err = orc.Execute(ctx, *got, evaluator.Decision{ShouldTrigger: false}, 100)
	assert.Error(t, err)
}
