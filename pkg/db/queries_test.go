package db

import (
	"context"
	"testing"
	"time"
)

func TestUserQueriesRequireUserID(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	q := database.Queries()
	ctx := context.Background()

	t.Run("GetStrategiesByUser requires userID", func(t *testing.T) {
		_, err := q.GetStrategiesByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetPositionsByUser requires userID", func(t *testing.T) {
		_, err := q.GetPositionsByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetBalanceHistoryByUser requires userID", func(t *testing.T) {
		_, err := q.GetBalanceHistoryByUser(ctx, "", 10)
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetUserExchangesByUser requires userID", func(t *testing.T) {
		_, err := q.GetUserExchangesByUser(ctx, "")
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})

	t.Run("GetNotificationsByUser requires userID", func(t *testing.T) {
		_, err := q.GetNotificationsByUser(ctx, "", 10)
		if err != ErrUserIDRequired {
			t.Errorf("expected ErrUserIDRequired, got %v", err)
		}
	})
}

func TestUserQueriesDataIsolation(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	q := database.Queries()
	ctx := context.Background()

	userA := "user-a-123"
	userB := "user-b-456"

	stratA := Strategy{
		ID:         "strat-a-1",
		UserID:     userA,
		ExchangeID: "binance-spot",
		Token:      "BTCUSDT",
		IsActive:   true,
		Rules:      Rules{},
		Tracking:   Tracking{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	stratB := Strategy{
		ID:         "strat-b-1",
		UserID:     userB,
		ExchangeID: "binance-spot",
		Token:      "ETHUSDT",
		IsActive:   true,
		Rules:      Rules{},
		Tracking:   Tracking{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := database.CreateStrategy(ctx, stratA); err != nil {
		t.Fatalf("failed to create strategy A: %v", err)
	}
	if err := database.CreateStrategy(ctx, stratB); err != nil {
		t.Fatalf("failed to create strategy B: %v", err)
	}

	t.Run("User A sees only their strategies", func(t *testing.T) {
		strategies, err := q.GetStrategiesByUser(ctx, userA)
		if err != nil {
			t.Fatalf("failed to get strategies: %v", err)
		}
		if len(strategies) != 1 {
			t.Errorf("expected 1 strategy, got %d", len(strategies))
		}
		if len(strategies) > 0 && strategies[0].ID != "strat-a-1" {
			t.Errorf("expected strat-a-1, got %s", strategies[0].ID)
		}
	})

	t.Run("User B sees only their strategies", func(t *testing.T) {
		strategies, err := q.GetStrategiesByUser(ctx, userB)
		if err != nil {
			t.Fatalf("failed to get strategies: %v", err)
		}
		if len(strategies) != 1 {
			t.Errorf("expected 1 strategy, got %d", len(strategies))
		}
	})

	t.Run("Unknown user sees no strategies", func(t *testing.T) {
		strategies, err := q.GetStrategiesByUser(ctx, "user-unknown")
		if err != nil {
			t.Fatalf("failed to get strategies: %v", err)
		}
		if len(strategies) != 0 {
			t.Errorf("expected 0 strategies, got %d", len(strategies))
		}
	})

	t.Run("User B cannot fetch User A's strategy by ID", func(t *testing.T) {
		_, err := q.GetStrategyByID(ctx, userB, "strat-a-1")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	posA := Position{
		ID:         "pos-a-1",
		UserID:     userA,
		ExchangeID: "binance-spot",
		Token:      "BTCUSDT",
		Amount:     0.5,
		EntryPrice: 50000,
		IsActive:   true,
	}
	if err := database.UpsertPosition(ctx, posA); err != nil {
		t.Fatalf("failed to upsert position: %v", err)
	}

	t.Run("User B sees no positions belonging to user A", func(t *testing.T) {
		positions, err := q.GetPositionsByUser(ctx, userB)
		if err != nil {
			t.Fatalf("failed to get positions: %v", err)
		}
		if len(positions) != 0 {
			t.Errorf("expected 0 positions, got %d", len(positions))
		}
	})

	t.Run("User A sees their own position", func(t *testing.T) {
		positions, err := q.GetPositionsByUser(ctx, userA)
		if err != nil {
			t.Fatalf("failed to get positions: %v", err)
		}
		if len(positions) != 1 {
			t.Errorf("expected 1 position, got %d", len(positions))
		}
	})
}

func TestAcquireLeaseIsExclusive(t *testing.T) {
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer database.Close()

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	ctx := context.Background()
	s := Strategy{
		ID:         "strat-1",
		UserID:     "user-1",
		ExchangeID: "binance-spot",
		Token:      "BTCUSDT",
		IsActive:   true,
	}
	if err := database.CreateStrategy(ctx, s); err != nil {
		t.Fatalf("failed to create strategy: %v", err)
	}

	until := time.Now().Add(time.Minute)
	ok, err := database.AcquireLease(ctx, s.ID, "worker-1", until)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("expected first lease acquisition to succeed")
	}

	ok, err = database.AcquireLease(ctx, s.ID, "worker-2", until)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if ok {
		t.Fatal("expected second lease acquisition to fail while lease is held")
	}

	if err := database.ReleaseLease(ctx, s.ID, "worker-1"); err != nil {
		t.Fatalf("release lease: %v", err)
	}

	ok, err = database.AcquireLease(ctx, s.ID, "worker-2", until)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if !ok {
		t.Fatal("expected lease acquisition to succeed after release")
	}
}
