package gatewaypool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	exchange "strategyengine/pkg/exchange/common"
)

func TestGetCachesByExchangeAndTestnet(t *testing.T) {
	calls := 0
	factory := func(exchangeID string, testnet bool) (exchange.Gateway, error) {
		calls++
		return fakeGateway{}, nil
	}
	pool := New(factory, DefaultConfig())

	_, err := pool.Get("mock", false)
	require.NoError(t, err)
	_, err = pool.Get("mock", false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second Get for the same key must hit the cache")

	_, err = pool.Get("mock", true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "testnet is a distinct cache key")
}

func TestCircuitOpensAfterFailureThreshold(t *testing.T) {
	factory := func(exchangeID string, testnet bool) (exchange.Gateway, error) { return fakeGateway{}, nil }
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	pool := New(factory, cfg)

	_, err := pool.Get("mock", false)
	require.NoError(t, err)

	pool.RecordFailure("mock", false)
	pool.RecordFailure("mock", false)

	_, err = pool.Get("mock", false)
	assert.True(t, errors.Is(err, ErrUnhealthy))

	pool.RecordSuccess("mock", false)
	_, err = pool.Get("mock", false)
	assert.NoError(t, err)
}

func TestPoolEvictsLRUWhenMaxSizeReached(t *testing.T) {
	factory := func(exchangeID string, testnet bool) (exchange.Gateway, error) { return fakeGateway{}, nil }
	cfg := DefaultConfig()
	cfg.MaxSize = 1
	pool := New(factory, cfg)

	_, err := pool.Get("mock", false)
	require.NoError(t, err)

	// A second distinct key evicts the LRU entry instead of erroring,
	// since MaxSize > 0 always has room after eviction.
	_, err = pool.Get("binance-spot", false)
	require.NoError(t, err)

	stats := pool.Stats()
	assert.Equal(t, 1, stats.TotalGateways)
}

type fakeGateway struct{}

func (fakeGateway) FetchBalances(context.Context, exchange.Credential) ([]exchange.AssetBalance, error) {
	return nil, nil
}

func (fakeGateway) FetchTicker(context.Context, exchange.Credential, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (fakeGateway) CreateOrder(context.Context, exchange.Credential, exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}

func (fakeGateway) CancelOrder(context.Context, exchange.Credential, string, string) error {
	return nil
}

func (fakeGateway) FetchOrder(context.Context, exchange.Credential, string, string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
