/*
store.go - Persistence interface for repairs, balances and commission entries

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  RepairStore:     Repair requests and their quotes
  AccountStore:    Tenant balances and the append-only credit ledger
  CommissionStore: Settlement ledger entries
  LoyaltyStore:    Loyalty cards and usage rows
  SettingsStore:   Raw per-Centro settings documents
  TxStore:         Transactional operations (atomic multi-table writes)

APPEND-ONLY PARTS:
  Credit transactions and loyalty usages have no update or delete.
  Commission entries are appended once; only their paid flags change
  afterwards through SaveCommissionEntry.

ATOMICITY:
  Every state-changing operation that touches more than one record (status
  stamp + slot + balance + ledger row) runs inside WithTx. Either everything
  commits or nothing does. A failing fn rolls back and its error is returned
  unchanged.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - engine/store/memory.go: In-memory for testing

SEE ALSO:
  - credit.go: Credit Balance Manager using AccountStore
  - repair/lifecycle.go: the main WithTx user
*/
package engine

import "context"

// =============================================================================
// STORE - Interfaces for persistence
// =============================================================================

// RepairFilter narrows ListRepairs. Zero fields match everything.
type RepairFilter struct {
	CentroID   string
	CornerID   string
	Statuses   []Status
	ActiveOnly bool // Excludes terminal statuses
}

// Matches applies the filter in memory.
func (f RepairFilter) Matches(r RepairRequest) bool {
	if f.CentroID != "" && r.CentroID != f.CentroID {
		return false
	}
	if f.CornerID != "" && r.CornerID != f.CornerID {
		return false
	}
	if f.ActiveOnly && r.Status.IsTerminal() {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if r.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

type RepairStore interface {
	// GetRepair returns ErrNotFound for unknown ids.
	GetRepair(ctx context.Context, id string) (RepairRequest, error)
	SaveRepair(ctx context.Context, r RepairRequest) error
	// ListRepairs is ordered by CreatedAt.
	ListRepairs(ctx context.Context, filter RepairFilter) ([]RepairRequest, error)

	// GetQuote returns the quote attached to a repair, or ErrNotFound.
	GetQuote(ctx context.Context, repairID string) (Quote, error)
	SaveQuote(ctx context.Context, q Quote) error
}

type AccountStore interface {
	// GetAccount returns ErrNotFound for unknown tenants.
	GetAccount(ctx context.Context, tenant TenantRef) (Account, error)
	SaveAccount(ctx context.Context, a Account) error

	AppendCreditTransaction(ctx context.Context, tx CreditTransaction) error
	// ListCreditTransactions is ordered oldest first.
	ListCreditTransactions(ctx context.Context, tenant TenantRef) ([]CreditTransaction, error)
}

// CommissionFilter narrows ListCommissionEntries. Zero fields match everything.
type CommissionFilter struct {
	CentroID     string
	CornerID     string
	RiparatoreID string
	Status       EntryStatus
}

func (f CommissionFilter) Matches(e CommissionLedgerEntry) bool {
	return (f.CentroID == "" || e.CentroID == f.CentroID) &&
		(f.CornerID == "" || e.CornerID == f.CornerID) &&
		(f.RiparatoreID == "" || e.RiparatoreID == f.RiparatoreID) &&
		(f.Status == "" || e.Status == f.Status)
}

type CommissionStore interface {
	AppendCommissionEntry(ctx context.Context, e CommissionLedgerEntry) error
	GetCommissionEntry(ctx context.Context, id string) (CommissionLedgerEntry, error)
	// FindCommissionEntry returns the entry settled for a repair, or ErrNotFound.
	FindCommissionEntry(ctx context.Context, repairID string) (CommissionLedgerEntry, error)
	ListCommissionEntries(ctx context.Context, filter CommissionFilter) ([]CommissionLedgerEntry, error)
	// SaveCommissionEntry only persists paid flags and status.
	SaveCommissionEntry(ctx context.Context, e CommissionLedgerEntry) error
}

type LoyaltyStore interface {
	SaveLoyaltyCard(ctx context.Context, c LoyaltyCard) error
	GetLoyaltyCard(ctx context.Context, id string) (LoyaltyCard, error)
	// ListLoyaltyCards returns every card of a customer at a Centro, newest first.
	ListLoyaltyCards(ctx context.Context, customerID, centroID string) ([]LoyaltyCard, error)

	AppendLoyaltyUsage(ctx context.Context, u LoyaltyUsage) error
	ListLoyaltyUsages(ctx context.Context, cardID string) ([]LoyaltyUsage, error)
}

type SettingsStore interface {
	// GetTenantSettings returns the raw JSON document, or ErrNotFound.
	GetTenantSettings(ctx context.Context, centroID string) ([]byte, error)
	SaveTenantSettings(ctx context.Context, centroID string, doc []byte) error
}

// Store is the full persistence surface.
type Store interface {
	RepairStore
	AccountStore
	CommissionStore
	LoyaltyStore
	SettingsStore
}

// =============================================================================
// TRANSACTIONAL STORE - For atomic operations across multiple writes
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
