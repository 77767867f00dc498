// Package mock provides a synthetic exchange.Gateway for dry-run mode and
// local development, generating a random-walk ticker per symbol.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	exchange "strategyengine/pkg/exchange/common"
)

// Gateway synthesizes tickers and fills without ever calling upstream.
type Gateway struct {
	mu      sync.Mutex
	prices  map[string]float64
	step    float64
	volumes map[string]float64
}

// New builds a mock gateway with no seeded prices; a symbol without a
// SeedPrice starts its random walk at 100.0 on its first fetch.
func New() *Gateway {
	return &Gateway{
		prices:  make(map[string]float64),
		volumes: make(map[string]float64),
		step:    0.004, // ~0.4% random walk per fetch
	}
}

// SeedPrice sets (or overrides) the starting price for a symbol.
func (g *Gateway) SeedPrice(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[symbol] = price
}

func (g *Gateway) FetchTicker(_ context.Context, _ exchange.Credential, symbol string) (exchange.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[symbol]
	if !ok {
		price = 100.0
	}
	price += price * (rand.Float64()*2 - 1) * g.step
	if price <= 0 {
		price = 0.01
	}
	g.prices[symbol] = price
	g.volumes[symbol] = g.volumes[symbol]*0.8 + rand.Float64()*1_000_000

	return exchange.Ticker{
		Symbol:    symbol,
		Bid:       price * 0.9995,
		Ask:       price * 1.0005,
		Last:      price,
		Volume24h: g.volumes[symbol],
		Change24h: (rand.Float64()*10 - 5),
		FetchedAt: time.Now(),
	}, nil
}

func (g *Gateway) FetchBalances(_ context.Context, _ exchange.Credential) ([]exchange.AssetBalance, error) {
	return []exchange.AssetBalance{
		{Asset: "USDT", Total: 10000, Available: 10000},
	}, nil
}

// CreateOrder never calls upstream; it synthesizes a FILLED result at the
// current simulated ticker price.
func (g *Gateway) CreateOrder(ctx context.Context, cred exchange.Credential, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.Quantity <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("%w: quantity must be positive", exchange.ErrInvalidOrder)
	}
	ticker, err := g.FetchTicker(ctx, cred, req.Symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	price := ticker.Last
	if req.Type == exchange.OrderTypeLimit {
		price = req.Price
	}
	return exchange.OrderResult{
		ExchangeOrderID:  "mock-" + uuid.NewString(),
		Status:           exchange.StatusFilled,
		Filled:           req.Quantity,
		Remaining:        0,
		AverageFillPrice: price,
		Fee:              price * req.Quantity * 0.001,
	}, nil
}

func (g *Gateway) CancelOrder(_ context.Context, _ exchange.Credential, _, _ string) error {
	return nil
}

func (g *Gateway) FetchOrder(_ context.Context, _ exchange.Credential, _, exchangeOrderID string) (exchange.OrderResult, error) {
	return exchange.OrderResult{ExchangeOrderID: exchangeOrderID, Status: exchange.StatusFilled}, nil
}

// DryRunGateway wraps any exchange.Gateway so CreateOrder is always
// synthesized locally at the live ticker price, while every read operation
// still passes through to the wrapped gateway. Selected at process boot
// from STRATEGY_DRY_RUN.
type DryRunGateway struct {
	Real exchange.Gateway
	mock *Gateway
}

// NewDryRunGateway wraps real for reads and synthesizes fills for writes.
func NewDryRunGateway(real exchange.Gateway) *DryRunGateway {
	return &DryRunGateway{Real: real, mock: New()}
}

func (d *DryRunGateway) FetchBalances(ctx context.Context, cred exchange.Credential) ([]exchange.AssetBalance, error) {
	return d.Real.FetchBalances(ctx, cred)
}

func (d *DryRunGateway) FetchTicker(ctx context.Context, cred exchange.Credential, symbol string) (exchange.Ticker, error) {
	return d.Real.FetchTicker(ctx, cred, symbol)
}

func (d *DryRunGateway) CreateOrder(ctx context.Context, cred exchange.Credential, req exchange.OrderRequest) (exchange.OrderResult, error) {
	ticker, err := d.Real.FetchTicker(ctx, cred, req.Symbol)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	price := ticker.Last
	if req.Type == exchange.OrderTypeLimit {
		price = req.Price
	}
	return exchange.OrderResult{
		ExchangeOrderID:  "dryrun-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		Status:           exchange.StatusFilled,
		Filled:           req.Quantity,
		Remaining:        0,
		AverageFillPrice: price,
	}, nil
}

func (d *DryRunGateway) CancelOrder(ctx context.Context, cred exchange.Credential, symbol, exchangeOrderID string) error {
	return d.Real.CancelOrder(ctx, cred, symbol, exchangeOrderID)
}

func (d *DryRunGateway) FetchOrder(ctx context.Context, cred exchange.Credential, symbol, exchangeOrderID string) (exchange.OrderResult, error) {
	return d.Real.FetchOrder(ctx, cred, symbol, exchangeOrderID)
}
