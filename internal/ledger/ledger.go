// Package ledger tracks per-(user, exchange, token) holdings: weighted
// average entry price on buys, realized P&L on sells, and reconciliation
// against exchange-reported balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"strategyengine/pkg/db"
)

var (
	// ErrInsufficientPosition is returned when a sell would take the
	// position below zero.
	ErrInsufficientPosition = errors.New("ledger: insufficient position for sell")
	// ErrConflict is returned when an order_ref has already been applied,
	// making this call a duplicate (idempotent retry).
	ErrConflict = errors.New("ledger: order_ref already recorded")
)

const epsilon = 1e-9

// Ledger is the Position Ledger component: it owns the authoritative
// per-(user, exchange, token) holding and mediates every mutation through
// a key-scoped lock so concurrent fills on the same token serialize.
type Ledger struct {
	db *db.Database

	keyMu sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Ledger backed by database.
func New(database *db.Database) *Ledger {
	return &Ledger{db: database, locks: make(map[string]*sync.Mutex)}
}

func key(userID, exchangeID, token string) string {
	return userID + "|" + exchangeID + "|" + token
}

func (l *Ledger) lockFor(k string) *sync.Mutex {
	l.keyMu.Lock()
	defer l.keyMu.Unlock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	return m
}

// GetPosition returns the current holding, or, if none exists yet, an
// unsaved zero-amount position for the key with IsActive set.
func (l *Ledger) GetPosition(ctx context.Context, userID, exchangeID, token string) (db.Position, error) {
	p, err := l.db.GetPosition(ctx, userID, exchangeID, token)
	if errors.Is(err, db.ErrNotFound) {
		return db.Position{UserID: userID, ExchangeID: exchangeID, Token: token, IsActive: true}, nil
	}
	if err != nil {
		return db.Position{}, err
	}
	return *p, nil
}

func hasOrderRef(p db.Position, orderRef string) bool {
	if orderRef == "" {
		return false
	}
	for _, pu := range p.Purchases {
		if pu.OrderRef == orderRef {
			return true
		}
	}
	for _, s := range p.Sales {
		if s.OrderRef == orderRef {
			return true
		}
	}
	return false
}

// RecordBuy applies a fill that increases the position, recomputing the
// weighted-average entry price: newAvg = (oldAvg*oldQty + price*qty) / newQty.
// Idempotent on orderRef: a repeat call with the same orderRef returns the
// current position and ErrConflict without double-applying the fill.
func (l *Ledger) RecordBuy(ctx context.Context, userID, exchangeID, token string, amount, price float64, orderRef string) (db.Position, error) {
	if amount <= 0 {
		return db.Position{}, fmt.Errorf("ledger: buy amount must be positive, got %v", amount)
	}
	k := key(userID, exchangeID, token)
	mu := l.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	p, err := l.GetPosition(ctx, userID, exchangeID, token)
	if err != nil {
		return db.Position{}, err
	}
	if hasOrderRef(p, orderRef) {
		return p, ErrConflict
	}

	newAmount := p.Amount + amount
	var newEntry float64
	if newAmount > epsilon {
		newEntry = (p.EntryPrice*p.Amount + price*amount) / newAmount
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UserID, p.ExchangeID, p.Token = userID, exchangeID, token
	p.Amount = newAmount
	p.EntryPrice = newEntry
	p.TotalInvested += price * amount
	p.IsActive = true
	p.Purchases = append(p.Purchases, db.Purchase{Amount: amount, Price: price, OrderRef: orderRef, At: time.Now()})

	if err := l.db.UpsertPosition(ctx, p); err != nil {
		return db.Position{}, fmt.Errorf("ledger: persist buy: %w", err)
	}
	return p, nil
}

// RecordSell applies a fill that decreases the position, realizing P&L on
// the closed quantity: pnl = (price - entryPrice) * amount. The entry price
// is preserved until the position reaches zero, at which point it resets.
func (l *Ledger) RecordSell(ctx context.Context, userID, exchangeID, token string, amount, price float64, orderRef string) (db.Position, error) {
	if amount <= 0 {
		return db.Position{}, fmt.Errorf("ledger: sell amount must be positive, got %v", amount)
	}
	k := key(userID, exchangeID, token)
	mu := l.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	p, err := l.GetPosition(ctx, userID, exchangeID, token)
	if err != nil {
		return db.Position{}, err
	}
	if hasOrderRef(p, orderRef) {
		return p, ErrConflict
	}
	if p.Amount+epsilon < amount {
		return p, ErrInsufficientPosition
	}

	pnl := (price - p.EntryPrice) * amount
	p.Amount -= amount
	p.TotalInvested -= p.EntryPrice * amount
	if p.Amount < epsilon {
		p.Amount = 0
		p.EntryPrice = 0
		p.TotalInvested = 0
	}
	p.Sales = append(p.Sales, db.Sale{Amount: amount, Price: price, PnLUSD: pnl, OrderRef: orderRef, At: time.Now()})

	if err := l.db.UpsertPosition(ctx, p); err != nil {
		return db.Position{}, fmt.Errorf("ledger: persist sell: %w", err)
	}
	return p, nil
}

// SyncFromExchange reconciles the local ledger amount against the exchange-
// reported balance, overwriting the local amount when they disagree beyond
// a small tolerance. The entry price is kept unless the new amount is zero,
// in which case entry price and total invested reset to zero. Returns the diff
// applied (exchangeAmount - priorLocalAmount); zero if already in sync.
func (l *Ledger) SyncFromExchange(ctx context.Context, userID, exchangeID, token string, exchangeAmount float64) (float64, error) {
	k := key(userID, exchangeID, token)
	mu := l.lockFor(k)
	mu.Lock()
	defer mu.Unlock()

	p, err := l.GetPosition(ctx, userID, exchangeID, token)
	if err != nil {
		return 0, err
	}

	diff := exchangeAmount - p.Amount
	if math.Abs(diff) < epsilon {
		return 0, nil
	}

	log.Printf("[LEDGER] syncing %s/%s/%s from %.8f to %.8f (diff %.8f)", userID, exchangeID, token, p.Amount, exchangeAmount, diff)

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.UserID, p.ExchangeID, p.Token = userID, exchangeID, token
	p.Amount = exchangeAmount
	if p.Amount <= epsilon {
		p.EntryPrice = 0
		p.TotalInvested = 0
	}
	if err := l.db.UpsertPosition(ctx, p); err != nil {
		return 0, fmt.Errorf("ledger: persist sync: %w", err)
	}
	return diff, nil
}

// ListByUser returns every position held by a user, active or not.
func (l *Ledger) ListByUser(ctx context.Context, userID string) ([]db.Position, error) {
	return l.db.ListPositionsByUser(ctx, userID)
}
