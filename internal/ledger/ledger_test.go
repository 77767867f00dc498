package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/pkg/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return New(database)
}

func TestRecordBuyWeightedAverageEntryPrice(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	p, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 100.0, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Amount)
	assert.Equal(t, 100.0, p.EntryPrice)

	p, err = l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 200.0, "order-2")
	require.NoError(t, err)
	assert.Equal(t, 2.0, p.Amount)
	assert.InDelta(t, 150.0, p.EntryPrice, 1e-9)
}

func TestRecordBuyDuplicateOrderRefIsConflict(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 100.0, "order-1")
	require.NoError(t, err)

	p, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 999.0, "order-1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1.0, p.Amount, "duplicate order_ref must not double-apply the fill")
}

func TestRecordSellRealizesPnLAndPreservesEntryPriceUntilZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 2.0, 100.0, "buy-1")
	require.NoError(t, err)

	p, err := l.RecordSell(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 150.0, "sell-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Amount)
	assert.Equal(t, 100.0, p.EntryPrice, "entry price preserved while amount > 0")
	require.Len(t, p.Sales, 1)
	assert.InDelta(t, 50.0, p.Sales[0].PnLUSD, 1e-9)

	p, err = l.RecordSell(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 150.0, "sell-2")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Amount)
	assert.Equal(t, 0.0, p.EntryPrice, "entry price resets once the position is fully closed")
}

func TestRecordSellInsufficientPosition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 100.0, "buy-1")
	require.NoError(t, err)

	_, err = l.RecordSell(ctx, "u1", "binance-spot", "BTCUSDT", 5.0, 100.0, "sell-1")
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestSyncFromExchangeAppliesDiffAndIsIdempotentWhenInSync(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.RecordBuy(ctx, "u1", "binance-spot", "BTCUSDT", 1.0, 100.0, "buy-1")
	require.NoError(t, err)

	diff, err := l.SyncFromExchange(ctx, "u1", "binance-spot", "BTCUSDT", 1.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, diff, 1e-9)

	p, err := l.GetPosition(ctx, "u1", "binance-spot", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, p.Amount, 1e-9)

	diff, err = l.SyncFromExchange(ctx, "u1", "binance-spot", "BTCUSDT", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 0.0, diff, "already in sync, no diff applied")
}
