package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategyengine/internal/events"
	"strategyengine/internal/gatewaypool"
	"strategyengine/pkg/db"
	exchange "strategyengine/pkg/exchange/common"
)

var errGatewayUnavailable = errors.New("gateway unavailable")

type fakeVault struct{}

func (fakeVault) GetForExchange(ctx context.Context, userID, exchangeID string) (exchange.Credential, error) {
	return exchange.Credential{APIKey: "k", APISecret: "s"}, nil
}

type fakeGateway struct{ fail bool }

func (g fakeGateway) FetchBalances(context.Context, exchange.Credential) ([]exchange.AssetBalance, error) {
	if g.fail {
		return nil, errGatewayUnavailable
	}
	return []exchange.AssetBalance{{Asset: "BTC", Total: 2}, {Asset: "USDT", Total: 500}}, nil
}
func (g fakeGateway) FetchTicker(context.Context, exchange.Credential, string) (exchange.Ticker, error) {
	return exchange.Ticker{Last: 100}, nil
}
func (g fakeGateway) CreateOrder(context.Context, exchange.Credential, exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (g fakeGateway) CancelOrder(context.Context, exchange.Credential, string, string) error { return nil }
func (g fakeGateway) FetchOrder(context.Context, exchange.Credential, string, string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func newTestPipeline(t *testing.T, gw exchange.Gateway) (*Pipeline, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	pool := gatewaypool.New(func(exchangeID string, testnet bool) (exchange.Gateway, error) {
		return gw, nil
	}, gatewaypool.DefaultConfig())

	p := New(database, fakeVault{}, pool, events.NewBus(), "")
	t.Cleanup(func() { _ = p.bw.Close() })
	return p, database
}

func TestRunAggregatesBalancesAcrossLinkedExchanges(t *testing.T) {
	ctx := context.Background()
	p, database := newTestPipeline(t, fakeGateway{})

	require.NoError(t, database.CreateUserExchange(ctx, db.UserExchange{
		ID: "ue1", UserID: "u1", ExchangeID: "mock", ExchangeType: "mock", IsActive: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	p.Run(ctx)

	history, err := database.ListBalanceHistoryByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	// 2 BTC @ 100 + 500 USDT at parity = 700.
	assert.Equal(t, 700.0, history[0].TotalUSD)
	require.Len(t, history[0].Exchanges, 1)
	assert.True(t, history[0].Exchanges[0].Success)
}

func TestRunMarksFailedExchangeWithoutFailingUserSnapshot(t *testing.T) {
	ctx := context.Background()
	p, database := newTestPipeline(t, fakeGateway{fail: true})

	require.NoError(t, database.CreateUserExchange(ctx, db.UserExchange{
		ID: "ue1", UserID: "u1", ExchangeID: "mock", ExchangeType: "mock", IsActive: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	p.Run(ctx)

	history, err := database.ListBalanceHistoryByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0.0, history[0].TotalUSD)
	require.Len(t, history[0].Exchanges, 1)
	assert.False(t, history[0].Exchanges[0].Success)
}

func TestRunSkipsUsersWithNoActiveLinkedExchange(t *testing.T) {
	ctx := context.Background()
	p, database := newTestPipeline(t, fakeGateway{})

	p.Run(ctx)

	userIDs, err := database.ListActiveLinkedUserIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, userIDs)
}
