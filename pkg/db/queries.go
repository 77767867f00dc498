// Package db provides user-isolated database queries for multi-tenant architecture.
package db

import (
	"context"
	"errors"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries, requiring an explicit
// userID on every call so a handler cannot accidentally cross tenants.
type UserQueries struct {
	db *Database
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *Database) *UserQueries {
	return &UserQueries{db: db}
}

// ----------------------------------------
// Strategy Queries
// ----------------------------------------

func (q *UserQueries) GetStrategiesByUser(ctx context.Context, userID string) ([]Strategy, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.db.ListStrategiesByUser(ctx, userID)
}

func (q *UserQueries) GetStrategyByID(ctx context.Context, userID, strategyID string) (*Strategy, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	s, err := q.db.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

func (q *UserQueries) GetPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.db.ListPositionsByUser(ctx, userID)
}

func (q *UserQueries) GetPosition(ctx context.Context, userID, exchangeID, token string) (*Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.db.GetPosition(ctx, userID, exchangeID, token)
}

// ----------------------------------------
// Balance History Queries
// ----------------------------------------

func (q *UserQueries) GetBalanceHistoryByUser(ctx context.Context, userID string, limit int) ([]BalanceSnapshot, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	return q.db.ListBalanceHistoryByUser(ctx, userID, limit)
}

// ----------------------------------------
// User Exchange (credential) Queries
// ----------------------------------------

func (q *UserQueries) GetUserExchangesByUser(ctx context.Context, userID string) ([]UserExchange, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.db.ListUserExchangesByUser(ctx, userID)
}

func (q *UserQueries) GetUserExchangeByID(ctx context.Context, userID, id string) (*UserExchange, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	return q.db.GetUserExchange(ctx, userID, id)
}

// ----------------------------------------
// Notification Queries
// ----------------------------------------

func (q *UserQueries) GetNotificationsByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 50
	}
	return q.db.ListNotificationsByUser(ctx, userID, limit)
}

// ----------------------------------------
// Cross-tenant existence check, used by handlers before mutating.
// ----------------------------------------

// AssertOwnsStrategy returns ErrNotFound if strategyID does not belong to userID.
func (q *UserQueries) AssertOwnsStrategy(ctx context.Context, userID, strategyID string) error {
	_, err := q.GetStrategyByID(ctx, userID, strategyID)
	return err
}

// AssertOwnsUserExchange returns ErrNotFound if id does not belong to userID.
func (q *UserQueries) AssertOwnsUserExchange(ctx context.Context, userID, id string) error {
	_, err := q.GetUserExchangeByID(ctx, userID, id)
	return err
}
