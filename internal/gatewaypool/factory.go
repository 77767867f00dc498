package gatewaypool

import (
	"fmt"

	"strategyengine/pkg/exchange/binance"
	exchange "strategyengine/pkg/exchange/common"
	"strategyengine/pkg/exchange/mock"
)

// Factory creates a Gateway instance for a given exchange catalog
// identifier, keyed the same way the exchanges table is (e.g.
// "binance-spot", "mock"). Per-user credentials are not bound at
// construction time: every Gateway method takes a Credential argument,
// so one Gateway instance is shared across every user linked to that
// exchange.
type Factory func(exchangeID string, testnet bool) (exchange.Gateway, error)

// DefaultFactory switches on the exchange catalog identifier to build a
// concrete adapter. At minimum two variants are registered so the
// factory pattern is exercised by more than one gateway: a real
// Binance-compatible spot adapter and a synthetic mock adapter used for
// paper trading and tests.
func DefaultFactory(exchangeID string, testnet bool) (exchange.Gateway, error) {
	switch exchangeID {
	case "binance-spot":
		return binance.New(testnet), nil

	case "mock":
		return mock.New(), nil

	default:
		return nil, fmt.Errorf("gatewaypool: unsupported exchange id: %s", exchangeID)
	}
}

// DryRunFactory wraps DefaultFactory so every created gateway routes order
// submission through mock.DryRunGateway while reads still hit the real
// adapter. Selected at process boot from STRATEGY_DRY_RUN.
func DryRunFactory(exchangeID string, testnet bool) (exchange.Gateway, error) {
	real, err := DefaultFactory(exchangeID, testnet)
	if err != nil {
		return nil, err
	}
	return mock.NewDryRunGateway(real), nil
}
