package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/internal/ledger"
	"strategyengine/internal/orchestrator"
	"strategyengine/internal/strategy"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"
)

type fakeVault struct{ testnet bool }

func (f fakeVault) GetForExchange(ctx context.Context, userID, exchangeID string) (exchange.Credential, error) {
	return exchange.Credential{APIKey: "k", APISecret: "s", Testnet: f.testnet}, nil
}

type fakeGateway struct {
	last        float64
	orders      int
	tickerCalls int
}

func newFakeGateway(last float64) *fakeGateway {
	return &fakeGateway{last: last}
}

func (g *fakeGateway) FetchBalances(context.Context, exchange.Credential) ([]exchange.AssetBalance, error) {
	return nil, nil
}
func (g *fakeGateway) FetchTicker(context.Context, exchange.Credential, string) (exchange.Ticker, error) {
	g.tickerCalls++
	return exchange.Ticker{Last: g.last}, nil
}
func (g *fakeGateway) CreateOrder(_ context.Context, _ exchange.Credential, req exchange.OrderRequest) (exchange.OrderResult, error) {
	g.orders++
	return exchange.OrderResult{Status: exchange.StatusFilled, Filled: req.Quantity, AverageFillPrice: g.last}, nil
}
func (g *fakeGateway) CancelOrder(context.Context, exchange.Credential, string, string) error { return nil }
func (g *fakeGateway) FetchOrder(context.Context, exchange.Credential, string, string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func newTestWorker(t *testing.T, gw *fakeGateway) (*Worker, *strategy.Store, *ledger.Ledger) {
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
	vault := fakeVault{}
	orc := orchestrator.New(pool, vault, led, store, bus)

	w := New(store, led, pool, vault, orc, time.Hour, 2)
	return w, store, led
}

func TestEvaluateOneTriggersOrchestratorOnTakeProfit(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(105)
	w, store, led := newTestWorker(t, gw)

	strat, err := store.Create(ctx, strategy.CreateInput{UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true})
	require.NoError(t, err)
	_, err = led.RecordBuy(ctx, "u1", "mock", "BTCUSDT", 1, 100, "seed")
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	w.evaluateOne(ctx, *got, exchange.Ticker{Last: gw.last})

	assert.Equal(t, 1, gw.orders, "a 5% gain against the default take-profit rule must submit a sell")

	updated, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Tracking.Stats.TotalSells)
}

func TestEvaluateOnePersistsTrailingStateWithoutTriggering(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(103)
	w, store, led := newTestWorker(t, gw)

	rules := strategy.DefaultRules()
	rules.TakeProfitLevels[0].Percent = 50 // keep take-profit out of reach
	rules.StopLoss.TrailingEnabled = true
	rules.StopLoss.TrailingActivationPercent = 2
	rules.StopLoss.TrailingPercent = 10

	strat, err := store.Create(ctx, strategy.CreateInput{UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true, Rules: &rules})
	require.NoError(t, err)
	_, err = led.RecordBuy(ctx, "u1", "mock", "BTCUSDT", 1, 100, "seed")
	require.NoError(t, err)

	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	w.evaluateOne(ctx, *got, exchange.Ticker{Last: gw.last})

	assert.Equal(t, 0, gw.orders, "trailing activation alone must not submit an order")

	updated, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)
	assert.True(t, updated.Tracking.Trailing.IsActive)
	assert.Equal(t, 103.0, updated.Tracking.Trailing.HighestPriceSeen)
}

func TestEvaluateOneSkipsStrategyUnderActiveLease(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(100)
	w, store, _ := newTestWorker(t, gw)

	strat, err := store.Create(ctx, strategy.CreateInput{UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true})
	require.NoError(t, err)

	ok, err := store.AcquireLease(ctx, strat.ID, "other-worker", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, "u1", strat.ID)
	require.NoError(t, err)

	w.evaluateOne(ctx, *got, exchange.Ticker{Last: gw.last}) // must return early without panicking or double-evaluating
	assert.Equal(t, 0, gw.orders)
}

func TestSweepSharesOneTickerFetchPerExchangeAndSymbol(t *testing.T) {
	ctx := context.Background()
	gw := newFakeGateway(100)
	w, store, led := newTestWorker(t, gw)

	_, err := store.Create(ctx, strategy.CreateInput{UserID: "u1", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true})
	require.NoError(t, err)
	_, err = store.Create(ctx, strategy.CreateInput{UserID: "u2", ExchangeID: "mock", Token: "BTCUSDT", IsActive: true})
	require.NoError(t, err)
	_, err = led.RecordBuy(ctx, "u1", "mock", "BTCUSDT", 1, 100, "seed-u1")
	require.NoError(t, err)
	_, err = led.RecordBuy(ctx, "u2", "mock", "BTCUSDT", 1, 100, "seed-u2")
	require.NoError(t, err)

	w.sweep(ctx)
	w.wg.Wait()

	assert.Equal(t, 1, gw.tickerCalls, "two strategies on the same exchange/symbol must share one ticker fetch")
}
