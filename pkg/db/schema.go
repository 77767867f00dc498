package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchanges (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    kind TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_exchanges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_id TEXT NOT NULL,
    exchange_type TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_user_exchanges_user ON user_exchanges(user_id);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_id TEXT NOT NULL,
    token TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    needs_repair BOOLEAN DEFAULT 0,
    rules_json TEXT NOT NULL,
    tracking_json TEXT NOT NULL,
    lease_until DATETIME,
    lease_token TEXT DEFAULT '',
    last_checked_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id);
CREATE INDEX IF NOT EXISTS idx_strategies_active_lease ON strategies(is_active, lease_until);
CREATE INDEX IF NOT EXISTS idx_strategies_token ON strategies(exchange_id, token);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange_id TEXT NOT NULL,
    token TEXT NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    entry_price REAL NOT NULL DEFAULT 0,
    total_invested REAL NOT NULL DEFAULT 0,
    purchases_json TEXT NOT NULL DEFAULT '[]',
    sales_json TEXT NOT NULL DEFAULT '[]',
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_unique ON positions(user_id, exchange_id, token);

CREATE TABLE IF NOT EXISTS balance_history (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    total_usd REAL NOT NULL DEFAULT 0,
    total_brl REAL NOT NULL DEFAULT 0,
    exchanges_json TEXT NOT NULL DEFAULT '[]',
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_balance_history_user_ts ON balance_history(user_id, timestamp);

CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    type TEXT NOT NULL,
    message TEXT NOT NULL,
    data_json TEXT NOT NULL DEFAULT '{}',
    is_read BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_notifications_user_read ON notifications(user_id, is_read);
`

// ApplyMigrations bootstraps the schema and seeds the exchange catalog.
// Keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "strategies", "needs_repair", "BOOLEAN DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategies", "lease_token", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "strategies", "last_checked_at", "DATETIME"); err != nil {
		return err
	}

	if err := seedExchangeCatalog(d.DB); err != nil {
		return err
	}
	return nil
}

func seedExchangeCatalog(db *sql.DB) error {
	catalog := []ExchangeCatalogEntry{
		{ID: "binance-spot", Name: "Binance Spot", Kind: "binance-spot"},
		{ID: "mock", Name: "Mock Exchange", Kind: "mock"},
	}
	for _, c := range catalog {
		if _, err := db.Exec(`
			INSERT INTO exchanges (id, name, kind) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, c.ID, c.Name, c.Kind); err != nil {
			return fmt.Errorf("seed exchange catalog %s: %w", c.ID, err)
		}
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
