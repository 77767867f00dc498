package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/internal/strategy"
	"strategyengine/internal/vault"
	"strategyengine/pkg/db"
)

func newTestNotifier(t *testing.T) (*Notifier, *db.Database, *strategy.Store, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	bus := events.NewBus()
	store := strategy.New(database, bus)
	n := New(database, bus)
	return n, database, store, bus
}

func waitForNotification(t *testing.T, database *db.Database, userID string) db.Notification {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		notes, err := database.ListNotificationsByUser(context.Background(), userID, 10)
		require.NoError(t, err)
		if len(notes) > 0 {
			return notes[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for notification")
	return db.Notification{}
}

func TestCircuitBreakerHitPersistsNotification(t *testing.T) {
	n, database, store, _ := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	strat, err := store.Create(ctx, strategy.CreateInput{
		UserID: "u1", ExchangeID: "binance-spot", Token: "BTCUSDT", IsActive: true,
	})
	require.NoError(t, err)

	require.NoError(t, store.PauseSystem(ctx, strat.ID, "circuit breaker tripped"))

	note := waitForNotification(t, database, "u1")
	assert.Equal(t, "circuit_breaker", note.Type)
}

func TestStrategyExecutedPersistsNotification(t *testing.T) {
	n, database, store, _ := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	strat, err := store.Create(ctx, strategy.CreateInput{
		UserID: "u1", ExchangeID: "binance-spot", Token: "BTCUSDT", IsActive: true,
	})
	require.NoError(t, err)

	require.NoError(t, store.PersistExecution(ctx, strat.ID, strategy.ExecutionResult{
		Action:     "sell",
		ReasonCode: "take_profit",
		Price:      105,
		Amount:     1,
		PnLUSD:     5,
	}))

	note := waitForNotification(t, database, "u1")
	assert.Equal(t, "strategy.executed", note.Type)
}

func TestExchangeDisconnectedPersistsNotificationForOwner(t *testing.T) {
	n, database, _, bus := newTestNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n.Start(ctx)
	defer n.Stop()

	v, err := vault.New(database, map[int][]byte{1: testVaultKey()}, bus)
	require.NoError(t, err)
	id, err := v.Link(ctx, "u1", "binance-spot", "binance", "k1", "s1")
	require.NoError(t, err)

	require.NoError(t, v.Disconnect(ctx, "u1", id))

	note := waitForNotification(t, database, "u1")
	assert.Equal(t, "exchange_disconnected", note.Type)
}

func testVaultKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}
