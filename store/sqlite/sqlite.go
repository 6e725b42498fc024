/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements engine.TxStore using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  engine.RepairStore:     Repair requests and quotes
  engine.AccountStore:    Balances and the credit ledger
  engine.CommissionStore: Settlement entries
  engine.LoyaltyStore:    Loyalty cards and usages
  engine.SettingsStore:   Per-Centro settings documents
  engine.TxStore:         All of the above inside one database transaction

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on credit_transactions or loyalty_usages
  - commission_entries only ever update their paid columns and status

KEY TABLES:
  repairs:             One row per job, per-status timestamps as JSON
  quotes:              At most one per repair
  accounts:            Running balance per (tenant_kind, tenant_id)
  credit_transactions: Immutable balance ledger
  commission_entries:  Settlement rows with four shares
  loyalty_cards:       Cards per (customer, centro)
  loyalty_usages:      Discounts granted against a card
  tenant_settings:     Raw settings JSON per Centro

INDEXES:
  - idx_repairs_active_slot: a slot is held by at most one live repair
  - idx_loyalty_one_active: at most one active card per (customer, centro)
  - idx_credit_tenant: ledger reads in append order (hot path)

MONEY AND TIME:
  Amounts are stored as decimal TEXT, never REAL. Times are UTC TEXT in a
  fixed-width layout so lexical order is chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. Every read inside WithTx goes through
  the open *sql.Tx so fn sees its own writes.

USAGE:
  store, err := sqlite.New("./data/repair.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/repair-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	conn *conn
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, conn: &conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Repair requests (never deleted)
	CREATE TABLE IF NOT EXISTS repairs (
		id TEXT PRIMARY KEY,
		centro_id TEXT NOT NULL,
		corner_id TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		riparatore_id TEXT NOT NULL DEFAULT '',
		device_category TEXT NOT NULL DEFAULT '',
		device_brand TEXT NOT NULL DEFAULT '',
		device_model TEXT NOT NULL DEFAULT '',
		variant TEXT NOT NULL,
		status TEXT NOT NULL,
		estimate TEXT NOT NULL DEFAULT '0',
		timestamps_json TEXT NOT NULL DEFAULT '{}',
		slot_shelf TEXT,
		slot_number INTEGER,
		slot_label TEXT,
		slot_assigned_at TEXT,
		rates_json TEXT,
		forfeiture_warned_at TEXT,
		forfeiture_notified_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_repairs_centro_status
		ON repairs(centro_id, status);
	CREATE INDEX IF NOT EXISTS idx_repairs_corner
		ON repairs(corner_id);

	-- CRITICAL: A slot is held by at most one repair that is still in flight
	CREATE UNIQUE INDEX IF NOT EXISTS idx_repairs_active_slot
		ON repairs(centro_id, slot_shelf, slot_number)
		WHERE slot_number IS NOT NULL AND status NOT IN ('delivered', 'cancelled', 'forfeited');

	-- Quotes
	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		repair_id TEXT NOT NULL UNIQUE REFERENCES repairs(id),
		total_cost TEXT NOT NULL,
		parts_cost TEXT NOT NULL,
		status TEXT NOT NULL,
		signed_at TEXT,
		commission_prepaid_amount TEXT NOT NULL DEFAULT '0',
		commission_prepaid_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Accounts (running balance per tenant)
	CREATE TABLE IF NOT EXISTS accounts (
		tenant_kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		credit_balance TEXT NOT NULL,
		warning_threshold TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		last_credit_update TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_kind, tenant_id)
	);

	-- Credit transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS credit_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		reference_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_credit_tenant
		ON credit_transactions(tenant_kind, tenant_id, seq);
	CREATE INDEX IF NOT EXISTS idx_credit_reference
		ON credit_transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Commission entries (one per settled repair)
	CREATE TABLE IF NOT EXISTS commission_entries (
		id TEXT PRIMARY KEY,
		repair_id TEXT NOT NULL UNIQUE,
		centro_id TEXT NOT NULL,
		corner_id TEXT NOT NULL DEFAULT '',
		riparatore_id TEXT NOT NULL DEFAULT '',
		gross_revenue TEXT NOT NULL,
		parts_cost TEXT NOT NULL,
		gross_margin TEXT NOT NULL,
		platform_rate TEXT NOT NULL,
		platform_amount TEXT NOT NULL,
		platform_paid INTEGER NOT NULL DEFAULT 0,
		platform_paid_at TEXT,
		corner_rate TEXT NOT NULL,
		corner_amount TEXT NOT NULL,
		corner_paid INTEGER NOT NULL DEFAULT 0,
		corner_paid_at TEXT,
		centro_rate TEXT NOT NULL,
		centro_amount TEXT NOT NULL,
		centro_paid INTEGER NOT NULL DEFAULT 0,
		centro_paid_at TEXT,
		riparatore_rate TEXT NOT NULL,
		riparatore_amount TEXT NOT NULL,
		riparatore_paid INTEGER NOT NULL DEFAULT 0,
		riparatore_paid_at TEXT,
		prepaid_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commission_centro
		ON commission_entries(centro_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_commission_status
		ON commission_entries(status);

	-- Loyalty cards
	CREATE TABLE IF NOT EXISTS loyalty_cards (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		centro_id TEXT NOT NULL,
		corner_id TEXT NOT NULL DEFAULT '',
		card_number TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_reference TEXT,
		activated_at TEXT,
		expires_at TEXT,
		devices_used INTEGER NOT NULL DEFAULT 0,
		max_devices INTEGER NOT NULL,
		amount_paid TEXT NOT NULL,
		split_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: At most one active card per customer and centro
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loyalty_one_active
		ON loyalty_cards(customer_id, centro_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_loyalty_customer_centro
		ON loyalty_cards(customer_id, centro_id, created_at DESC);

	-- Loyalty usages (append-only)
	CREATE TABLE IF NOT EXISTS loyalty_usages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		card_id TEXT NOT NULL REFERENCES loyalty_cards(id),
		repair_id TEXT,
		kind TEXT NOT NULL,
		original_amount TEXT NOT NULL,
		discounted_amount TEXT NOT NULL,
		savings TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loyalty_usages_card
		ON loyalty_usages(card_id, seq);

	-- Tenant settings (raw JSON, parsed by factory)
	CREATE TABLE IF NOT EXISTS tenant_settings (
		centro_id TEXT PRIMARY KEY,
		settings_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (engine.Store interface)
// =============================================================================

func (s *Store) GetRepair(ctx context.Context, id string) (engine.RepairRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetRepair(ctx, id)
}

func (s *Store) SaveRepair(ctx context.Context, r engine.RepairRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveRepair(ctx, r)
}

func (s *Store) ListRepairs(ctx context.Context, f engine.RepairFilter) ([]engine.RepairRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListRepairs(ctx, f)
}

func (s *Store) GetQuote(ctx context.Context, repairID string) (engine.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetQuote(ctx, repairID)
}

func (s *Store) SaveQuote(ctx context.Context, q engine.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveQuote(ctx, q)
}

func (s *Store) GetAccount(ctx context.Context, t engine.TenantRef) (engine.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetAccount(ctx, t)
}

func (s *Store) SaveAccount(ctx context.Context, a engine.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveAccount(ctx, a)
}

func (s *Store) AppendCreditTransaction(ctx context.Context, tx engine.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AppendCreditTransaction(ctx, tx)
}

func (s *Store) ListCreditTransactions(ctx context.Context, t engine.TenantRef) ([]engine.CreditTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListCreditTransactions(ctx, t)
}

func (s *Store) AppendCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AppendCommissionEntry(ctx, e)
}

func (s *Store) GetCommissionEntry(ctx context.Context, id string) (engine.CommissionLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetCommissionEntry(ctx, id)
}

func (s *Store) FindCommissionEntry(ctx context.Context, repairID string) (engine.CommissionLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.FindCommissionEntry(ctx, repairID)
}

func (s *Store) ListCommissionEntries(ctx context.Context, f engine.CommissionFilter) ([]engine.CommissionLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListCommissionEntries(ctx, f)
}

func (s *Store) SaveCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveCommissionEntry(ctx, e)
}

func (s *Store) SaveLoyaltyCard(ctx context.Context, c engine.LoyaltyCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveLoyaltyCard(ctx, c)
}

func (s *Store) GetLoyaltyCard(ctx context.Context, id string) (engine.LoyaltyCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetLoyaltyCard(ctx, id)
}

func (s *Store) ListLoyaltyCards(ctx context.Context, customerID, centroID string) ([]engine.LoyaltyCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListLoyaltyCards(ctx, customerID, centroID)
}

func (s *Store) AppendLoyaltyUsage(ctx context.Context, u engine.LoyaltyUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.AppendLoyaltyUsage(ctx, u)
}

func (s *Store) ListLoyaltyUsages(ctx context.Context, cardID string) ([]engine.LoyaltyUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.ListLoyaltyUsages(ctx, cardID)
}

func (s *Store) GetTenantSettings(ctx context.Context, centroID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.GetTenantSettings(ctx, centroID)
}

func (s *Store) SaveTenantSettings(ctx context.Context, centroID string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.SaveTenantSettings(ctx, centroID, doc)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.Persist("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return engine.Persist("commit", sqlTx.Commit())
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"loyalty_usages", "loyalty_cards", "commission_entries", "credit_transactions",
		"accounts", "quotes", "repairs", "tenant_settings",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by Store and the WithTx view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query against either the pool or an open transaction.
// Callers hold the Store lock.
type conn struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// -----------------------------------------------------------------------------
// Repairs
// -----------------------------------------------------------------------------

const repairColumns = `id, centro_id, corner_id, customer_id, riparatore_id,
	device_category, device_brand, device_model, variant, status, estimate,
	timestamps_json, slot_shelf, slot_number, slot_label, slot_assigned_at,
	rates_json, forfeiture_warned_at, forfeiture_notified_at, created_at, updated_at`

func (c *conn) GetRepair(ctx context.Context, id string) (engine.RepairRequest, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+repairColumns+` FROM repairs WHERE id = ?`, id)
	r, err := scanRepair(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.RepairRequest{}, engine.ErrNotFound
	}
	return r, err
}

func (c *conn) SaveRepair(ctx context.Context, r engine.RepairRequest) error {
	timestamps, err := json.Marshal(r.Timestamps)
	if err != nil {
		return fmt.Errorf("failed to encode timestamps: %w", err)
	}
	var rates sql.NullString
	if r.Rates != nil {
		b, err := json.Marshal(r.Rates)
		if err != nil {
			return fmt.Errorf("failed to encode rates: %w", err)
		}
		rates = sql.NullString{String: string(b), Valid: true}
	}
	var shelf, label sql.NullString
	var number sql.NullInt64
	if r.Slot != nil {
		// Empty shelf stays non-NULL so the unique index sees flat slots.
		shelf = sql.NullString{String: r.Slot.Shelf, Valid: true}
		number = sql.NullInt64{Int64: int64(r.Slot.Number), Valid: true}
		label = nullString(r.Slot.Label)
	}

	query := `
		INSERT INTO repairs (` + repairColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			corner_id = excluded.corner_id,
			customer_id = excluded.customer_id,
			riparatore_id = excluded.riparatore_id,
			device_category = excluded.device_category,
			device_brand = excluded.device_brand,
			device_model = excluded.device_model,
			status = excluded.status,
			estimate = excluded.estimate,
			timestamps_json = excluded.timestamps_json,
			slot_shelf = excluded.slot_shelf,
			slot_number = excluded.slot_number,
			slot_label = excluded.slot_label,
			slot_assigned_at = excluded.slot_assigned_at,
			rates_json = excluded.rates_json,
			forfeiture_warned_at = excluded.forfeiture_warned_at,
			forfeiture_notified_at = excluded.forfeiture_notified_at,
			updated_at = excluded.updated_at
	`
	_, err = c.q.ExecContext(ctx, query,
		r.ID, r.CentroID, r.CornerID, r.CustomerID, r.RiparatoreID,
		string(r.Device.Category), r.Device.Brand, r.Device.Model,
		string(r.Variant), string(r.Status), r.Estimate.String(),
		string(timestamps), shelf, number, label, nullTime(r.SlotAssignedAt),
		rates, nullTime(r.ForfeitureWarnedAt), nullTime(r.ForfeitureNotifiedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "repairs.slot_number") || isUniqueConstraintError(err, "idx_repairs_active_slot") {
			return fmt.Errorf("slot %s already held: %w", r.Slot, engine.ErrSlotsExhausted)
		}
		return fmt.Errorf("failed to save repair: %w", err)
	}
	return nil
}

func (c *conn) ListRepairs(ctx context.Context, f engine.RepairFilter) ([]engine.RepairRequest, error) {
	var where []string
	var args []any
	if f.CentroID != "" {
		where = append(where, "centro_id = ?")
		args = append(args, f.CentroID)
	}
	if f.CornerID != "" {
		where = append(where, "corner_id = ?")
		args = append(args, f.CornerID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.ActiveOnly {
		where = append(where, "status NOT IN ('delivered', 'cancelled', 'forfeited')")
	}

	query := `SELECT ` + repairColumns + ` FROM repairs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query repairs: %w", err)
	}
	defer rows.Close()

	var out []engine.RepairRequest
	for rows.Next() {
		r, err := scanRepair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRepair(row scanner) (engine.RepairRequest, error) {
	var (
		r                           engine.RepairRequest
		category, variant, status   string
		estimate, timestamps        string
		shelf, label, slotAt, rates sql.NullString
		warnedAt, notifiedAt        sql.NullString
		number                      sql.NullInt64
		createdAt, updatedAt        string
	)
	err := row.Scan(&r.ID, &r.CentroID, &r.CornerID, &r.CustomerID, &r.RiparatoreID,
		&category, &r.Device.Brand, &r.Device.Model, &variant, &status, &estimate,
		&timestamps, &shelf, &number, &label, &slotAt, &rates,
		&warnedAt, &notifiedAt, &createdAt, &updatedAt)
	if err != nil {
		return engine.RepairRequest{}, err
	}

	r.Device.Category = engine.DeviceCategory(category)
	r.Variant = engine.Variant(variant)
	r.Status = engine.Status(status)
	r.Estimate = parseMoney(estimate)
	if err := json.Unmarshal([]byte(timestamps), &r.Timestamps); err != nil {
		return engine.RepairRequest{}, fmt.Errorf("repair %s: bad timestamps: %w", r.ID, err)
	}
	if number.Valid {
		r.Slot = &engine.SlotRef{Shelf: shelf.String, Number: int(number.Int64), Label: label.String}
		r.SlotAssignedAt = parseNullTime(slotAt)
	}
	if rates.Valid {
		var cr engine.CommissionRates
		if err := json.Unmarshal([]byte(rates.String), &cr); err != nil {
			return engine.RepairRequest{}, fmt.Errorf("repair %s: bad rates: %w", r.ID, err)
		}
		r.Rates = &cr
	}
	r.ForfeitureWarnedAt = parseNullTime(warnedAt)
	r.ForfeitureNotifiedAt = parseNullTime(notifiedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// -----------------------------------------------------------------------------
// Quotes
// -----------------------------------------------------------------------------

func (c *conn) GetQuote(ctx context.Context, repairID string) (engine.Quote, error) {
	var (
		q                    engine.Quote
		total, parts, status string
		prepaid, createdAt   string
		signedAt, prepaidAt  sql.NullString
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT id, repair_id, total_cost, parts_cost, status, signed_at,
		       commission_prepaid_amount, commission_prepaid_at, created_at
		FROM quotes WHERE repair_id = ?`, repairID,
	).Scan(&q.ID, &q.RepairID, &total, &parts, &status, &signedAt, &prepaid, &prepaidAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Quote{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Quote{}, fmt.Errorf("failed to get quote: %w", err)
	}
	q.TotalCost = parseMoney(total)
	q.PartsCost = parseMoney(parts)
	q.Status = engine.QuoteStatus(status)
	q.SignedAt = parseNullTime(signedAt)
	q.CommissionPrepaidAmount = parseMoney(prepaid)
	q.CommissionPrepaidAt = parseNullTime(prepaidAt)
	q.CreatedAt = parseTime(createdAt)
	return q, nil
}

func (c *conn) SaveQuote(ctx context.Context, q engine.Quote) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO quotes (id, repair_id, total_cost, parts_cost, status, signed_at,
		                    commission_prepaid_amount, commission_prepaid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repair_id) DO UPDATE SET
			id = excluded.id,
			total_cost = excluded.total_cost,
			parts_cost = excluded.parts_cost,
			status = excluded.status,
			signed_at = excluded.signed_at,
			commission_prepaid_amount = excluded.commission_prepaid_amount,
			commission_prepaid_at = excluded.commission_prepaid_at
	`,
		q.ID, q.RepairID, q.TotalCost.String(), q.PartsCost.String(), string(q.Status),
		nullTime(q.SignedAt), q.CommissionPrepaidAmount.String(), nullTime(q.CommissionPrepaidAt),
		formatTime(q.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accounts and credit ledger
// -----------------------------------------------------------------------------

func (c *conn) GetAccount(ctx context.Context, t engine.TenantRef) (engine.Account, error) {
	var (
		a                          engine.Account
		balance, threshold, status string
		lastUpdate                 sql.NullString
		createdAt                  string
	)
	err := c.q.QueryRowContext(ctx, `
		SELECT display_name, credit_balance, warning_threshold, payment_status,
		       last_credit_update, created_at
		FROM accounts WHERE tenant_kind = ? AND tenant_id = ?`,
		string(t.Kind), t.ID,
	).Scan(&a.DisplayName, &balance, &threshold, &status, &lastUpdate, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Account{}, engine.ErrNotFound
	}
	if err != nil {
		return engine.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	a.Tenant = t
	a.CreditBalance = parseMoney(balance)
	a.WarningThreshold = parseMoney(threshold)
	a.PaymentStatus = engine.PaymentStatus(status)
	a.LastCreditUpdate = parseNullTime(lastUpdate)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func (c *conn) SaveAccount(ctx context.Context, a engine.Account) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO accounts (tenant_kind, tenant_id, display_name, credit_balance,
		                      warning_threshold, payment_status, last_credit_update, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_kind, tenant_id) DO UPDATE SET
			display_name = excluded.display_name,
			credit_balance = excluded.credit_balance,
			warning_threshold = excluded.warning_threshold,
			payment_status = excluded.payment_status,
			last_credit_update = excluded.last_credit_update
	`,
		string(a.Tenant.Kind), a.Tenant.ID, a.DisplayName, a.CreditBalance.String(),
		a.WarningThreshold.String(), string(a.PaymentStatus), nullTime(a.LastCreditUpdate),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (c *conn) AppendCreditTransaction(ctx context.Context, tx engine.CreditTransaction) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO credit_transactions
		(id, tenant_kind, tenant_id, amount, balance_after, tx_type, description, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, string(tx.Tenant.Kind), tx.Tenant.ID, tx.Amount.String(), tx.BalanceAfter.String(),
		string(tx.Type), tx.Description, nullString(tx.ReferenceID), formatTime(tx.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append credit transaction: %w", err)
	}
	return nil
}

func (c *conn) ListCreditTransactions(ctx context.Context, t engine.TenantRef) ([]engine.CreditTransaction, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, amount, balance_after, tx_type, description, reference_id, created_at
		FROM credit_transactions
		WHERE tenant_kind = ? AND tenant_id = ?
		ORDER BY seq ASC
	`, string(t.Kind), t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer rows.Close()

	var out []engine.CreditTransaction
	for rows.Next() {
		var (
			tx                           engine.CreditTransaction
			amount, balanceAfter, txType string
			description, reference       sql.NullString
			createdAt                    string
		)
		if err := rows.Scan(&tx.ID, &amount, &balanceAfter, &txType, &description, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}
		tx.Tenant = t
		tx.Amount = parseMoney(amount)
		tx.BalanceAfter = parseMoney(balanceAfter)
		tx.Type = engine.TransactionType(txType)
		tx.Description = description.String
		tx.ReferenceID = reference.String
		tx.CreatedAt = parseTime(createdAt)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Commission entries
// -----------------------------------------------------------------------------

const commissionColumns = `id, repair_id, centro_id, corner_id, riparatore_id,
	gross_revenue, parts_cost, gross_margin,
	platform_rate, platform_amount, platform_paid, platform_paid_at,
	corner_rate, corner_amount, corner_paid, corner_paid_at,
	centro_rate, centro_amount, centro_paid, centro_paid_at,
	riparatore_rate, riparatore_amount, riparatore_paid, riparatore_paid_at,
	prepaid_amount, status, created_at`

func (c *conn) AppendCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	args := []any{e.ID, e.RepairID, e.CentroID, e.CornerID, e.RiparatoreID,
		e.GrossRevenue.String(), e.PartsCost.String(), e.GrossMargin.String()}
	for _, b := range engine.Beneficiaries {
		sh := e.Share(b)
		args = append(args, sh.Rate.String(), sh.Amount.String(), sh.Paid, nullTime(sh.PaidAt))
	}
	args = append(args, e.PrepaidAmount.String(), string(e.Status), formatTime(e.CreatedAt))

	_, err := c.q.ExecContext(ctx,
		`INSERT INTO commission_entries (`+commissionColumns+`) VALUES (`+placeholders(len(args))+`)`,
		args...)
	if err != nil {
		if isUniqueConstraintError(err, "commission_entries.repair_id") {
			return fmt.Errorf("repair %s already settled: %w", e.RepairID, err)
		}
		return fmt.Errorf("failed to append commission entry: %w", err)
	}
	return nil
}

func (c *conn) GetCommissionEntry(ctx context.Context, id string) (engine.CommissionLedgerEntry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commission_entries WHERE id = ?`, id)
	e, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.CommissionLedgerEntry{}, engine.ErrNotFound
	}
	return e, err
}

func (c *conn) FindCommissionEntry(ctx context.Context, repairID string) (engine.CommissionLedgerEntry, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commission_entries WHERE repair_id = ?`, repairID)
	e, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.CommissionLedgerEntry{}, engine.ErrNotFound
	}
	return e, err
}

func (c *conn) ListCommissionEntries(ctx context.Context, f engine.CommissionFilter) ([]engine.CommissionLedgerEntry, error) {
	var where []string
	var args []any
	if f.CentroID != "" {
		where = append(where, "centro_id = ?")
		args = append(args, f.CentroID)
	}
	if f.CornerID != "" {
		where = append(where, "corner_id = ?")
		args = append(args, f.CornerID)
	}
	if f.RiparatoreID != "" {
		where = append(where, "riparatore_id = ?")
		args = append(args, f.RiparatoreID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + commissionColumns + ` FROM commission_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commission entries: %w", err)
	}
	defer rows.Close()

	var out []engine.CommissionLedgerEntry
	for rows.Next() {
		e, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveCommissionEntry only touches the paid columns and status.
func (c *conn) SaveCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE commission_entries SET
			platform_paid = ?, platform_paid_at = ?,
			corner_paid = ?, corner_paid_at = ?,
			centro_paid = ?, centro_paid_at = ?,
			riparatore_paid = ?, riparatore_paid_at = ?,
			status = ?
		WHERE id = ?
	`,
		e.Platform.Paid, nullTime(e.Platform.PaidAt),
		e.Corner.Paid, nullTime(e.Corner.PaidAt),
		e.Centro.Paid, nullTime(e.Centro.PaidAt),
		e.Riparatore.Paid, nullTime(e.Riparatore.PaidAt),
		string(e.Status), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save commission entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func scanCommission(row scanner) (engine.CommissionLedgerEntry, error) {
	var (
		e                          engine.CommissionLedgerEntry
		revenue, parts, margin     string
		prepaid, status, createdAt string
		rates, amounts             [4]string
		paid                       [4]bool
		paidAt                     [4]sql.NullString
	)
	dest := []any{&e.ID, &e.RepairID, &e.CentroID, &e.CornerID, &e.RiparatoreID, &revenue, &parts, &margin}
	for i := range engine.Beneficiaries {
		dest = append(dest, &rates[i], &amounts[i], &paid[i], &paidAt[i])
	}
	dest = append(dest, &prepaid, &status, &createdAt)
	if err := row.Scan(dest...); err != nil {
		return engine.CommissionLedgerEntry{}, err
	}

	e.GrossRevenue = parseMoney(revenue)
	e.PartsCost = parseMoney(parts)
	e.GrossMargin = parseMoney(margin)
	for i, b := range engine.Beneficiaries {
		*e.Share(b) = engine.Share{
			Rate:   engine.Rate{Value: parseMoney(rates[i]).Value},
			Amount: parseMoney(amounts[i]),
			Paid:   paid[i],
			PaidAt: parseNullTime(paidAt[i]),
		}
	}
	e.PrepaidAmount = parseMoney(prepaid)
	e.Status = engine.EntryStatus(status)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

// -----------------------------------------------------------------------------
// Loyalty
// -----------------------------------------------------------------------------

const cardColumns = `id, customer_id, centro_id, corner_id, card_number, status,
	payment_method, payment_reference, activated_at, expires_at, devices_used,
	max_devices, amount_paid, split_json, created_at, updated_at`

func (c *conn) SaveLoyaltyCard(ctx context.Context, card engine.LoyaltyCard) error {
	split, err := json.Marshal(card.Split)
	if err != nil {
		return fmt.Errorf("failed to encode card split: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO loyalty_cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payment_reference = excluded.payment_reference,
			activated_at = excluded.activated_at,
			expires_at = excluded.expires_at,
			devices_used = excluded.devices_used,
			updated_at = excluded.updated_at
	`,
		card.ID, card.CustomerID, card.CentroID, card.CornerID, card.CardNumber, string(card.Status),
		string(card.PaymentMethod), nullString(card.PaymentReference),
		nullTime(card.ActivatedAt), nullTime(card.ExpiresAt), card.DevicesUsed, card.MaxDevices,
		card.AmountPaid.String(), string(split), formatTime(card.CreatedAt), formatTime(card.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "idx_loyalty_one_active") || isUniqueConstraintError(err, "loyalty_cards.customer_id") {
			return fmt.Errorf("customer %s at centro %s: %w", card.CustomerID, card.CentroID, engine.ErrDuplicateActiveCard)
		}
		return fmt.Errorf("failed to save loyalty card: %w", err)
	}
	return nil
}

func (c *conn) GetLoyaltyCard(ctx context.Context, id string) (engine.LoyaltyCard, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM loyalty_cards WHERE id = ?`, id)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.LoyaltyCard{}, engine.ErrNotFound
	}
	return card, err
}

func (c *conn) ListLoyaltyCards(ctx context.Context, customerID, centroID string) ([]engine.LoyaltyCard, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT `+cardColumns+` FROM loyalty_cards
		WHERE customer_id = ? AND centro_id = ?
		ORDER BY created_at DESC, id DESC
	`, customerID, centroID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty cards: %w", err)
	}
	defer rows.Close()

	var out []engine.LoyaltyCard
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, card)
	}
	return out, rows.Err()
}

func scanCard(row scanner) (engine.LoyaltyCard, error) {
	var (
		card                            engine.LoyaltyCard
		status, method, amount, split   string
		reference, activatedAt, expires sql.NullString
		createdAt, updatedAt            string
	)
	err := row.Scan(&card.ID, &card.CustomerID, &card.CentroID, &card.CornerID, &card.CardNumber,
		&status, &method, &reference, &activatedAt, &expires, &card.DevicesUsed, &card.MaxDevices,
		&amount, &split, &createdAt, &updatedAt)
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	card.Status = engine.CardStatus(status)
	card.PaymentMethod = engine.PaymentMethod(method)
	card.PaymentReference = reference.String
	card.ActivatedAt = parseNullTime(activatedAt)
	card.ExpiresAt = parseNullTime(expires)
	card.AmountPaid = parseMoney(amount)
	if err := json.Unmarshal([]byte(split), &card.Split); err != nil {
		return engine.LoyaltyCard{}, fmt.Errorf("card %s: bad split: %w", card.ID, err)
	}
	card.CreatedAt = parseTime(createdAt)
	card.UpdatedAt = parseTime(updatedAt)
	return card, nil
}

func (c *conn) AppendLoyaltyUsage(ctx context.Context, u engine.LoyaltyUsage) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO loyalty_usages
		(id, card_id, repair_id, kind, original_amount, discounted_amount, savings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		u.ID, u.CardID, nullString(u.RepairID), string(u.Kind), u.OriginalAmount.String(),
		u.DiscountedAmount.String(), u.Savings.String(), formatTime(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append loyalty usage: %w", err)
	}
	return nil
}

func (c *conn) ListLoyaltyUsages(ctx context.Context, cardID string) ([]engine.LoyaltyUsage, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, card_id, repair_id, kind, original_amount, discounted_amount, savings, created_at
		FROM loyalty_usages WHERE card_id = ? ORDER BY seq ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty usages: %w", err)
	}
	defer rows.Close()

	var out []engine.LoyaltyUsage
	for rows.Next() {
		var (
			u                                   engine.LoyaltyUsage
			repairID                            sql.NullString
			kind, original, discounted, savings string
			createdAt                           string
		)
		if err := rows.Scan(&u.ID, &u.CardID, &repairID, &kind, &original, &discounted, &savings, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan loyalty usage: %w", err)
		}
		u.RepairID = repairID.String
		u.Kind = engine.UsageKind(kind)
		u.OriginalAmount = parseMoney(original)
		u.DiscountedAmount = parseMoney(discounted)
		u.Savings = parseMoney(savings)
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// Tenant settings
// -----------------------------------------------------------------------------

func (c *conn) GetTenantSettings(ctx context.Context, centroID string) ([]byte, error) {
	var doc string
	err := c.q.QueryRowContext(ctx,
		"SELECT settings_json FROM tenant_settings WHERE centro_id = ?", centroID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}
	return []byte(doc), nil
}

func (c *conn) SaveTenantSettings(ctx context.Context, centroID string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("settings for %s: invalid JSON", centroID)
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO tenant_settings (centro_id, settings_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(centro_id) DO UPDATE SET
			settings_json = excluded.settings_json,
			updated_at = excluded.updated_at
	`, centroID, string(doc), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save tenant settings: %w", err)
	}
	return nil
}

// Helper functions

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseMoney reads a stored decimal. Stored values were written by
// Money.String, so a parse failure means a corrupted row and yields zero.
func parseMoney(s string) engine.Money {
	m, err := engine.ParseMoney(s)
	if err != nil {
		return engine.Money{}
	}
	return m
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func isUniqueConstraintError(err error, target string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), target)
}
