package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ---- Rules subdocument ----

type TPLevel struct {
	Percent         float64 `json:"percent" yaml:"percent"`
	QuantityPercent float64 `json:"quantity_percent" yaml:"quantity_percent"`
	Enabled         bool    `json:"enabled" yaml:"enabled"`
}

type StopLossRule struct {
	Percent                   float64 `json:"percent" yaml:"percent"`
	Enabled                   bool    `json:"enabled" yaml:"enabled"`
	TrailingEnabled           bool    `json:"trailing_enabled" yaml:"trailing_enabled"`
	TrailingPercent           float64 `json:"trailing_percent" yaml:"trailing_percent"`
	TrailingActivationPercent float64 `json:"trailing_activation_percent" yaml:"trailing_activation_percent"`
}

type DCALevel struct {
	Percent         float64 `json:"percent" yaml:"percent"`
	QuantityPercent float64 `json:"quantity_percent" yaml:"quantity_percent"`
}

type BuyDipRule struct {
	Percent    float64    `json:"percent" yaml:"percent"`
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	DCAEnabled bool       `json:"dca_enabled" yaml:"dca_enabled"`
	DCALevels  []DCALevel `json:"dca_levels" yaml:"dca_levels"`
}

type CooldownRule struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	MinutesAfterSell int  `json:"minutes_after_sell" yaml:"minutes_after_sell"`
	MinutesAfterBuy  int  `json:"minutes_after_buy" yaml:"minutes_after_buy"`
}

type RiskManagementRule struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	MaxDailyLossUSD   *float64 `json:"max_daily_loss_usd,omitempty" yaml:"max_daily_loss_usd,omitempty"`
	MaxWeeklyLossUSD  *float64 `json:"max_weekly_loss_usd,omitempty" yaml:"max_weekly_loss_usd,omitempty"`
	MaxMonthlyLossUSD *float64 `json:"max_monthly_loss_usd,omitempty" yaml:"max_monthly_loss_usd,omitempty"`
	PauseOnLimit      bool     `json:"pause_on_limit" yaml:"pause_on_limit"`
	ResetHourUTC      int      `json:"reset_hour_utc" yaml:"reset_hour_utc"`
}

type TradingHoursRule struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Timezone     string `json:"timezone" yaml:"timezone"`
	AllowedHours []int  `json:"allowed_hours" yaml:"allowed_hours"`
	AllowedDays  []int  `json:"allowed_days" yaml:"allowed_days"`
}

type BlackoutPeriod struct {
	Start   time.Time `json:"start" yaml:"start"`
	End     time.Time `json:"end" yaml:"end"`
	Enabled bool      `json:"enabled" yaml:"enabled"`
}

type VolumeCheckRule struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	Min24hVolumeUSD float64 `json:"min_24h_volume_usd" yaml:"min_24h_volume_usd"`
}

type ExecutionRule struct {
	MinOrderSizeUSD     float64 `json:"min_order_size_usd" yaml:"min_order_size_usd"`
	MaxOrderSizePercent float64 `json:"max_order_size_percent" yaml:"max_order_size_percent"`
	AllowPartialFills   bool    `json:"allow_partial_fills" yaml:"allow_partial_fills"`
}

// Rules is the full set of execution rules attached to a strategy.
type Rules struct {
	TakeProfitLevels []TPLevel          `json:"take_profit_levels" yaml:"take_profit_levels"`
	StopLoss         StopLossRule       `json:"stop_loss" yaml:"stop_loss"`
	BuyDip           BuyDipRule         `json:"buy_dip" yaml:"buy_dip"`
	Cooldown         CooldownRule       `json:"cooldown" yaml:"cooldown"`
	RiskManagement   RiskManagementRule `json:"risk_management" yaml:"risk_management"`
	TradingHours     TradingHoursRule   `json:"trading_hours" yaml:"trading_hours"`
	BlackoutPeriods  []BlackoutPeriod   `json:"blackout_periods" yaml:"blackout_periods"`
	VolumeCheck      VolumeCheckRule    `json:"volume_check" yaml:"volume_check"`
	Execution        ExecutionRule      `json:"execution" yaml:"execution"`
}

// ---- Tracking subdocument ----

type ExecutionStats struct {
	TotalExecutions     int        `json:"total_executions"`
	TotalBuys           int        `json:"total_buys"`
	TotalSells          int        `json:"total_sells"`
	TotalPnLUSD         float64    `json:"total_pnl_usd"`
	DailyPnLUSD         float64    `json:"daily_pnl_usd"`
	WeeklyPnLUSD        float64    `json:"weekly_pnl_usd"`
	MonthlyPnLUSD       float64    `json:"monthly_pnl_usd"`
	ExecutedTPLevels    []float64  `json:"executed_tp_levels"`
	ExecutedDCALevels   []float64  `json:"executed_dca_levels"`
	LastExecutionAt     *time.Time `json:"last_execution_at,omitempty"`
	LastExecutionType   string     `json:"last_execution_type"`
	LastExecutionReason string     `json:"last_execution_reason"`
	LastExecutionPrice  float64    `json:"last_execution_price"`
	LastExecutionAmount float64    `json:"last_execution_amount"`
	DailyWindowStart    time.Time  `json:"daily_window_start"`
	WeeklyWindowStart   time.Time  `json:"weekly_window_start"`
	MonthlyWindowStart  time.Time  `json:"monthly_window_start"`
	ProcessedOrderRefs  []string   `json:"processed_order_refs"`
}

type TrailingStopState struct {
	IsActive         bool       `json:"is_active"`
	HighestPriceSeen float64    `json:"highest_price_seen"`
	CurrentStopPrice float64    `json:"current_stop_price"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
}

type CooldownState struct {
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastAction    string     `json:"last_action"`
	LastActionAt  *time.Time `json:"last_action_at,omitempty"`
}

// Tracking is the strategy's mutable execution state.
type Tracking struct {
	Stats    ExecutionStats    `json:"stats"`
	Trailing TrailingStopState `json:"trailing"`
	Cooldown CooldownState     `json:"cooldown"`
}

// Strategy is a user's configured rule set against one (exchange, token) pair.
type Strategy struct {
	ID            string
	UserID        string
	ExchangeID    string
	Token         string
	IsActive      bool
	NeedsRepair   bool
	Rules         Rules
	Tracking      Tracking
	LeaseUntil    *time.Time
	LeaseToken    string
	LastCheckedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ---- Position subdocuments ----

type Purchase struct {
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	OrderRef string    `json:"order_ref"`
	At       time.Time `json:"at"`
}

type Sale struct {
	Amount   float64   `json:"amount"`
	Price    float64   `json:"price"`
	PnLUSD   float64   `json:"pnl_usd"`
	OrderRef string    `json:"order_ref"`
	At       time.Time `json:"at"`
}

// Position is the ledger's running holding for one (user, exchange, token).
type Position struct {
	ID            string
	UserID        string
	ExchangeID    string
	Token         string
	Amount        float64
	EntryPrice    float64
	TotalInvested float64
	Purchases     []Purchase
	Sales         []Sale
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ---- Balance snapshot ----

type ExchangeBalance struct {
	ExchangeID   string  `json:"exchange_id"`
	ExchangeName string  `json:"exchange_name"`
	TotalUSD     float64 `json:"total_usd"`
	TotalBRL     float64 `json:"total_brl"`
	Success      bool    `json:"success"`
}

type BalanceSnapshot struct {
	ID        string
	UserID    string
	Timestamp time.Time
	TotalUSD  float64
	TotalBRL  float64
	Exchanges []ExchangeBalance
}

// ---- Users, exchange catalog, linked exchanges, notifications ----

type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ExchangeCatalogEntry struct {
	ID   string
	Name string
	Kind string
}

type UserExchange struct {
	ID                 string
	UserID             string
	ExchangeID         string
	ExchangeType       string
	APIKeyEncrypted    string
	APISecretEncrypted string
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Message   string
	Data      string // raw JSON
	IsRead    bool
	CreatedAt time.Time
}

// ---- Strategy CRUD ----

func (d *Database) CreateStrategy(ctx context.Context, s Strategy) error {
	rulesJSON, err := json.Marshal(s.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	trackingJSON, err := json.Marshal(s.Tracking)
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO strategies (
			id, user_id, exchange_id, token, is_active, needs_repair,
			rules_json, tracking_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, s.ID, s.UserID, s.ExchangeID, s.Token, s.IsActive, s.NeedsRepair,
		string(rulesJSON), string(trackingJSON), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanStrategy(row interface {
	Scan(dest ...any) error
}) (Strategy, error) {
	var s Strategy
	var rulesJSON, trackingJSON string
	var leaseUntil, lastCheckedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.ExchangeID, &s.Token, &s.IsActive, &s.NeedsRepair,
		&rulesJSON, &trackingJSON, &leaseUntil, &s.LeaseToken, &lastCheckedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(rulesJSON), &s.Rules); err != nil {
		return s, fmt.Errorf("unmarshal rules: %w", err)
	}
	if err := json.Unmarshal([]byte(trackingJSON), &s.Tracking); err != nil {
		return s, fmt.Errorf("unmarshal tracking: %w", err)
	}
	if leaseUntil.Valid {
		s.LeaseUntil = &leaseUntil.Time
	}
	if lastCheckedAt.Valid {
		s.LastCheckedAt = &lastCheckedAt.Time
	}
	return s, nil
}

const strategyColumns = `id, user_id, exchange_id, token, is_active, needs_repair,
	rules_json, tracking_json, lease_until, lease_token, last_checked_at, created_at, updated_at`

func (d *Database) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) ListStrategiesByUser(ctx context.Context, userID string) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActiveStrategies returns every active strategy, for the worker's tick scan.
func (d *Database) ListActiveStrategies(ctx context.Context) ([]Strategy, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE is_active = 1 AND needs_repair = 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AcquireLease atomically claims a strategy for tick evaluation. It only
// succeeds if the lease is free (lease_until is NULL or already expired).
// Returns false (no error) if another worker holds the lease.
func (d *Database) AcquireLease(ctx context.Context, strategyID, leaseToken string, until time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE strategies
		SET lease_until = ?, lease_token = ?
		WHERE id = ? AND (lease_until IS NULL OR lease_until < CURRENT_TIMESTAMP)
	`, until, leaseToken, strategyID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears the lease if it is still held by leaseToken.
func (d *Database) ReleaseLease(ctx context.Context, strategyID, leaseToken string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE strategies SET lease_until = NULL, lease_token = '', last_checked_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_token = ?
	`, strategyID, leaseToken)
	return err
}

// PersistExecution atomically stores updated Tracking after a fill. The
// caller (internal/strategy.Store) is responsible for the
// (strategy_id, order_ref) idempotency check before calling this; by the
// time Tracking reaches here it is assumed final.
func (d *Database) PersistExecution(ctx context.Context, strategyID string, tracking Tracking) error {
	trackingJSON, err := json.Marshal(tracking)
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		UPDATE strategies SET tracking_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(trackingJSON), strategyID)
	return err
}

// UpdateTrailing persists only the trailing-stop high-water-mark state;
// the worker calls it whenever an evaluation changed that state, whether
// or not an order was placed.
func (d *Database) UpdateTrailing(ctx context.Context, strategyID string, trailing TrailingStopState) error {
	s, err := d.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	s.Tracking.Trailing = trailing
	return d.PersistExecution(ctx, strategyID, s.Tracking)
}

func (d *Database) SetStrategyActive(ctx context.Context, strategyID string, active bool) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategies SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, active, strategyID)
	return err
}

func (d *Database) SetNeedsRepair(ctx context.Context, strategyID string, needsRepair bool) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE strategies SET needs_repair = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, needsRepair, strategyID)
	return err
}

func (d *Database) UpdateStrategyRules(ctx context.Context, strategyID string, rules Rules) error {
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `UPDATE strategies SET rules_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(rulesJSON), strategyID)
	return err
}

func (d *Database) DeleteStrategy(ctx context.Context, strategyID, userID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM strategies WHERE id = ? AND user_id = ?`, strategyID, userID)
	return err
}

// ---- Position CRUD ----

func scanPosition(row interface {
	Scan(dest ...any) error
}) (Position, error) {
	var p Position
	var purchasesJSON, salesJSON string
	if err := row.Scan(&p.ID, &p.UserID, &p.ExchangeID, &p.Token, &p.Amount, &p.EntryPrice,
		&p.TotalInvested, &purchasesJSON, &salesJSON, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(purchasesJSON), &p.Purchases); err != nil {
		return p, fmt.Errorf("unmarshal purchases: %w", err)
	}
	if err := json.Unmarshal([]byte(salesJSON), &p.Sales); err != nil {
		return p, fmt.Errorf("unmarshal sales: %w", err)
	}
	return p, nil
}

const positionColumns = `id, user_id, exchange_id, token, amount, entry_price,
	total_invested, purchases_json, sales_json, is_active, created_at, updated_at`

func (d *Database) GetPosition(ctx context.Context, userID, exchangeID, token string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND exchange_id = ? AND token = ?`, userID, exchangeID, token)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListPositionsByUser(ctx context.Context, userID string) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPosition writes the full position row, used by the ledger after
// every RecordBuy/RecordSell mutation.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	purchasesJSON, err := json.Marshal(p.Purchases)
	if err != nil {
		return fmt.Errorf("marshal purchases: %w", err)
	}
	salesJSON, err := json.Marshal(p.Sales)
	if err != nil {
		return fmt.Errorf("marshal sales: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO positions (
			id, user_id, exchange_id, token, amount, entry_price, total_invested,
			purchases_json, sales_json, is_active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, exchange_id, token) DO UPDATE SET
			amount = excluded.amount,
			entry_price = excluded.entry_price,
			total_invested = excluded.total_invested,
			purchases_json = excluded.purchases_json,
			sales_json = excluded.sales_json,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.UserID, p.ExchangeID, p.Token, p.Amount, p.EntryPrice, p.TotalInvested,
		string(purchasesJSON), string(salesJSON), p.IsActive)
	return err
}

// ---- Balance snapshot ----

func (d *Database) InsertBalanceSnapshot(ctx context.Context, b BalanceSnapshot) error {
	exchangesJSON, err := json.Marshal(b.Exchanges)
	if err != nil {
		return fmt.Errorf("marshal exchanges: %w", err)
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO balance_history (id, user_id, timestamp, total_usd, total_brl, exchanges_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.UserID, b.Timestamp, b.TotalUSD, b.TotalBRL, string(exchangesJSON))
	return err
}

func (d *Database) ListBalanceHistoryByUser(ctx context.Context, userID string, limit int) ([]BalanceSnapshot, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, timestamp, total_usd, total_brl, exchanges_json
		FROM balance_history WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceSnapshot
	for rows.Next() {
		var b BalanceSnapshot
		var exchangesJSON string
		if err := rows.Scan(&b.ID, &b.UserID, &b.Timestamp, &b.TotalUSD, &b.TotalBRL, &exchangesJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(exchangesJSON), &b.Exchanges); err != nil {
			return nil, fmt.Errorf("unmarshal exchanges: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- Users ----

func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, u.ID, u.Email, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	return err
}

func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id = ?`, id)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ---- Exchange catalog ----

func (d *Database) ListExchangeCatalog(ctx context.Context) ([]ExchangeCatalogEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id, name, kind FROM exchanges ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExchangeCatalogEntry
	for rows.Next() {
		var e ExchangeCatalogEntry
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *Database) GetExchangeCatalogEntry(ctx context.Context, id string) (*ExchangeCatalogEntry, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT id, name, kind FROM exchanges WHERE id = ?`, id)
	var e ExchangeCatalogEntry
	if err := row.Scan(&e.ID, &e.Name, &e.Kind); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ---- Linked user exchanges (credentials) ----

func (d *Database) CreateUserExchange(ctx context.Context, ue UserExchange) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO user_exchanges (
			id, user_id, exchange_id, exchange_type, api_key_encrypted, api_secret_encrypted,
			is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, ue.ID, ue.UserID, ue.ExchangeID, ue.ExchangeType, ue.APIKeyEncrypted, ue.APISecretEncrypted,
		ue.IsActive, ue.CreatedAt, ue.UpdatedAt)
	return err
}

func (d *Database) GetUserExchange(ctx context.Context, userID, id string) (*UserExchange, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange_id, exchange_type, api_key_encrypted, api_secret_encrypted, is_active, created_at, updated_at
		FROM user_exchanges WHERE id = ? AND user_id = ?
	`, id, userID)
	var ue UserExchange
	if err := row.Scan(&ue.ID, &ue.UserID, &ue.ExchangeID, &ue.ExchangeType, &ue.APIKeyEncrypted,
		&ue.APISecretEncrypted, &ue.IsActive, &ue.CreatedAt, &ue.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ue, nil
}

func (d *Database) ListUserExchangesByUser(ctx context.Context, userID string) ([]UserExchange, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, exchange_id, exchange_type, api_key_encrypted, api_secret_encrypted, is_active, created_at, updated_at
		FROM user_exchanges WHERE user_id = ? AND is_active = 1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserExchange
	for rows.Next() {
		var ue UserExchange
		if err := rows.Scan(&ue.ID, &ue.UserID, &ue.ExchangeID, &ue.ExchangeType, &ue.APIKeyEncrypted,
			&ue.APISecretEncrypted, &ue.IsActive, &ue.CreatedAt, &ue.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ue)
	}
	return out, rows.Err()
}

// ListActiveLinkedUserIDs returns every user with at least one active
// linked exchange, for the Balance Snapshot Pipeline's per-user fan-out.
func (d *Database) ListActiveLinkedUserIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM user_exchanges WHERE is_active = 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

func (d *Database) DeactivateUserExchange(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE user_exchanges SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND user_id = ?
	`, id, userID)
	return err
}

func (d *Database) ReactivateUserExchange(ctx context.Context, id, userID string, apiKeyEncrypted, apiSecretEncrypted string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE user_exchanges
		SET is_active = 1, api_key_encrypted = ?, api_secret_encrypted = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND user_id = ?
	`, apiKeyEncrypted, apiSecretEncrypted, id, userID)
	return err
}

// DeleteUserExchange permanently removes a linked exchange record, distinct
// from DeactivateUserExchange which keeps the encrypted credential at rest
// for a possible Reconnect.
func (d *Database) DeleteUserExchange(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM user_exchanges WHERE id = ? AND user_id = ?`, id, userID)
	return err
}

// ---- Notifications ----

func (d *Database) CreateNotification(ctx context.Context, n Notification) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, message, data_json, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, n.ID, n.UserID, n.Type, n.Message, n.Data, n.IsRead, n.CreatedAt)
	return err
}

func (d *Database) ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, type, message, data_json, is_read, created_at
		FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Message, &n.Data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (d *Database) MarkNotificationRead(ctx context.Context, id, userID string) error {
	_, err := d.DB.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	return err
}
