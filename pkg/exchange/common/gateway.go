package common

import (
	"context"
	"errors"
)

// Gateway is the uniform capability set every exchange adapter exposes to
// the core. Callers never switch on exchange identity; the concrete
// implementation is resolved by a registry keyed on an exchange identifier.
type Gateway interface {
	FetchBalances(ctx context.Context, cred Credential) ([]AssetBalance, error)
	FetchTicker(ctx context.Context, cred Credential, symbol string) (Ticker, error)
	CreateOrder(ctx context.Context, cred Credential, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) error
	FetchOrder(ctx context.Context, cred Credential, symbol, exchangeOrderID string) (OrderResult, error)
}

// Sentinel errors a Gateway implementation returns so callers can dispatch
// on failure kind with errors.Is instead of switching on exchange identity.
var (
	ErrTransient          = errors.New("gateway: transient upstream error")
	ErrAuth               = errors.New("gateway: authentication error")
	ErrInsufficientFunds  = errors.New("gateway: insufficient funds")
	ErrInvalidOrder       = errors.New("gateway: invalid order")
	ErrUnknownSymbol      = errors.New("gateway: unknown symbol")
)
