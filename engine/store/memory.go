// Package store provides Store implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	d  *data
}

// data holds every table. Records are stored by value so callers never share
// state with the store.
type data struct {
	repairs      map[string]engine.RepairRequest
	quotes       map[string]engine.Quote // by repair id
	accounts     map[string]engine.Account
	credits      map[string][]engine.CreditTransaction // by tenant key
	commissions  map[string]engine.CommissionLedgerEntry
	commissionOf map[string]string // repair id -> entry id
	cards        map[string]engine.LoyaltyCard
	usages       map[string][]engine.LoyaltyUsage // by card id
	settings     map[string][]byte
}

func newData() *data {
	return &data{
		repairs:      make(map[string]engine.RepairRequest),
		quotes:       make(map[string]engine.Quote),
		accounts:     make(map[string]engine.Account),
		credits:      make(map[string][]engine.CreditTransaction),
		commissions:  make(map[string]engine.CommissionLedgerEntry),
		commissionOf: make(map[string]string),
		cards:        make(map[string]engine.LoyaltyCard),
		usages:       make(map[string][]engine.LoyaltyUsage),
		settings:     make(map[string][]byte),
	}
}

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

func (m *Memory) read() func()  { m.mu.RLock(); return m.mu.RUnlock }
func (m *Memory) write() func() { m.mu.Lock(); return m.mu.Unlock }

func (m *Memory) GetRepair(ctx context.Context, id string) (engine.RepairRequest, error) {
	defer m.read()()
	return m.d.GetRepair(ctx, id)
}

func (m *Memory) SaveRepair(ctx context.Context, r engine.RepairRequest) error {
	defer m.write()()
	return m.d.SaveRepair(ctx, r)
}

func (m *Memory) ListRepairs(ctx context.Context, f engine.RepairFilter) ([]engine.RepairRequest, error) {
	defer m.read()()
	return m.d.ListRepairs(ctx, f)
}

func (m *Memory) GetQuote(ctx context.Context, repairID string) (engine.Quote, error) {
	defer m.read()()
	return m.d.GetQuote(ctx, repairID)
}

func (m *Memory) SaveQuote(ctx context.Context, q engine.Quote) error {
	defer m.write()()
	return m.d.SaveQuote(ctx, q)
}

func (m *Memory) GetAccount(ctx context.Context, t engine.TenantRef) (engine.Account, error) {
	defer m.read()()
	return m.d.GetAccount(ctx, t)
}

func (m *Memory) SaveAccount(ctx context.Context, a engine.Account) error {
	defer m.write()()
	return m.d.SaveAccount(ctx, a)
}

func (m *Memory) AppendCreditTransaction(ctx context.Context, tx engine.CreditTransaction) error {
	defer m.write()()
	return m.d.AppendCreditTransaction(ctx, tx)
}

func (m *Memory) ListCreditTransactions(ctx context.Context, t engine.TenantRef) ([]engine.CreditTransaction, error) {
	defer m.read()()
	return m.d.ListCreditTransactions(ctx, t)
}

func (m *Memory) AppendCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	defer m.write()()
	return m.d.AppendCommissionEntry(ctx, e)
}

func (m *Memory) GetCommissionEntry(ctx context.Context, id string) (engine.CommissionLedgerEntry, error) {
	defer m.read()()
	return m.d.GetCommissionEntry(ctx, id)
}

func (m *Memory) FindCommissionEntry(ctx context.Context, repairID string) (engine.CommissionLedgerEntry, error) {
	defer m.read()()
	return m.d.FindCommissionEntry(ctx, repairID)
}

func (m *Memory) ListCommissionEntries(ctx context.Context, f engine.CommissionFilter) ([]engine.CommissionLedgerEntry, error) {
	defer m.read()()
	return m.d.ListCommissionEntries(ctx, f)
}

func (m *Memory) SaveCommissionEntry(ctx context.Context, e engine.CommissionLedgerEntry) error {
	defer m.write()()
	return m.d.SaveCommissionEntry(ctx, e)
}

func (m *Memory) SaveLoyaltyCard(ctx context.Context, c engine.LoyaltyCard) error {
	defer m.write()()
	return m.d.SaveLoyaltyCard(ctx, c)
}

func (m *Memory) GetLoyaltyCard(ctx context.Context, id string) (engine.LoyaltyCard, error) {
	defer m.read()()
	return m.d.GetLoyaltyCard(ctx, id)
}

func (m *Memory) ListLoyaltyCards(ctx context.Context, customerID, centroID string) ([]engine.LoyaltyCard, error) {
	defer m.read()()
	return m.d.ListLoyaltyCards(ctx, customerID, centroID)
}

func (m *Memory) AppendLoyaltyUsage(ctx context.Context, u engine.LoyaltyUsage) error {
	defer m.write()()
	return m.d.AppendLoyaltyUsage(ctx, u)
}

func (m *Memory) ListLoyaltyUsages(ctx context.Context, cardID string) ([]engine.LoyaltyUsage, error) {
	defer m.read()()
	return m.d.ListLoyaltyUsages(ctx, cardID)
}

func (m *Memory) GetTenantSettings(ctx context.Context, centroID string) ([]byte, error) {
	defer m.read()()
	return m.d.GetTenantSettings(ctx, centroID)
}

func (m *Memory) SaveTenantSettings(ctx context.Context, centroID string, doc []byte) error {
	defer m.write()()
	return m.d.SaveTenantSettings(ctx, centroID, doc)
}

// Reset clears all data.
func (m *Memory) Reset(ctx context.Context) error {
	defer m.write()()
	m.d = newData()
	return nil
}

// =============================================================================
// TABLE OPERATIONS - Callers hold the lock
// =============================================================================

func (d *data) GetRepair(_ context.Context, id string) (engine.RepairRequest, error) {
	r, ok := d.repairs[id]
	if !ok {
		return engine.RepairRequest{}, engine.ErrNotFound
	}
	return r.Clone(), nil
}

func (d *data) SaveRepair(_ context.Context, r engine.RepairRequest) error {
	d.repairs[r.ID] = r.Clone()
	return nil
}

func (d *data) ListRepairs(_ context.Context, f engine.RepairFilter) ([]engine.RepairRequest, error) {
	var out []engine.RepairRequest
	for _, r := range d.repairs {
		if f.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *data) GetQuote(_ context.Context, repairID string) (engine.Quote, error) {
	q, ok := d.quotes[repairID]
	if !ok {
		return engine.Quote{}, engine.ErrNotFound
	}
	return q, nil
}

func (d *data) SaveQuote(_ context.Context, q engine.Quote) error {
	d.quotes[q.RepairID] = q
	return nil
}

func (d *data) GetAccount(_ context.Context, t engine.TenantRef) (engine.Account, error) {
	a, ok := d.accounts[t.Key()]
	if !ok {
		return engine.Account{}, engine.ErrNotFound
	}
	return a, nil
}

func (d *data) SaveAccount(_ context.Context, a engine.Account) error {
	d.accounts[a.Tenant.Key()] = a
	return nil
}

func (d *data) AppendCreditTransaction(_ context.Context, tx engine.CreditTransaction) error {
	k := tx.Tenant.Key()
	d.credits[k] = append(d.credits[k], tx)
	return nil
}

func (d *data) ListCreditTransactions(_ context.Context, t engine.TenantRef) ([]engine.CreditTransaction, error) {
	src := d.credits[t.Key()]
	out := make([]engine.CreditTransaction, len(src))
	copy(out, src)
	return out, nil
}

func (d *data) AppendCommissionEntry(_ context.Context, e engine.CommissionLedgerEntry) error {
	d.commissions[e.ID] = e
	d.commissionOf[e.RepairID] = e.ID
	return nil
}

func (d *data) GetCommissionEntry(_ context.Context, id string) (engine.CommissionLedgerEntry, error) {
	e, ok := d.commissions[id]
	if !ok {
		return engine.CommissionLedgerEntry{}, engine.ErrNotFound
	}
	return e, nil
}

func (d *data) FindCommissionEntry(ctx context.Context, repairID string) (engine.CommissionLedgerEntry, error) {
	id, ok := d.commissionOf[repairID]
	if !ok {
		return engine.CommissionLedgerEntry{}, engine.ErrNotFound
	}
	return d.GetCommissionEntry(ctx, id)
}

func (d *data) ListCommissionEntries(_ context.Context, f engine.CommissionFilter) ([]engine.CommissionLedgerEntry, error) {
	var out []engine.CommissionLedgerEntry
	for _, e := range d.commissions {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *data) SaveCommissionEntry(_ context.Context, e engine.CommissionLedgerEntry) error {
	cur, ok := d.commissions[e.ID]
	if !ok {
		return engine.ErrNotFound
	}
	for _, b := range engine.Beneficiaries {
		s := cur.Share(b)
		s.Paid = e.Share(b).Paid
		s.PaidAt = e.Share(b).PaidAt
	}
	cur.Status = e.Status
	d.commissions[e.ID] = cur
	return nil
}

func (d *data) SaveLoyaltyCard(_ context.Context, c engine.LoyaltyCard) error {
	d.cards[c.ID] = c
	return nil
}

func (d *data) GetLoyaltyCard(_ context.Context, id string) (engine.LoyaltyCard, error) {
	c, ok := d.cards[id]
	if !ok {
		return engine.LoyaltyCard{}, engine.ErrNotFound
	}
	return c, nil
}

func (d *data) ListLoyaltyCards(_ context.Context, customerID, centroID string) ([]engine.LoyaltyCard, error) {
	var out []engine.LoyaltyCard
	for _, c := range d.cards {
		if c.CustomerID == customerID && c.CentroID == centroID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (d *data) AppendLoyaltyUsage(_ context.Context, u engine.LoyaltyUsage) error {
	d.usages[u.CardID] = append(d.usages[u.CardID], u)
	return nil
}

func (d *data) ListLoyaltyUsages(_ context.Context, cardID string) ([]engine.LoyaltyUsage, error) {
	src := d.usages[cardID]
	out := make([]engine.LoyaltyUsage, len(src))
	copy(out, src)
	return out, nil
}

func (d *data) GetTenantSettings(_ context.Context, centroID string) ([]byte, error) {
	doc, ok := d.settings[centroID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (d *data) SaveTenantSettings(_ context.Context, centroID string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("settings for %s: invalid JSON", centroID)
	}
	d.settings[centroID] = append([]byte(nil), doc...)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory

	// FailNext makes the next WithTx fail after fn ran, simulating a
	// commit failure. Tests only.
	FailNext error
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// fn must only use the Store it is given: the outer methods would deadlock.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.d.clone()

	if err := fn(tm.d); err != nil {
		tm.d = snapshot
		return err
	}
	if tm.FailNext != nil {
		err := tm.FailNext
		tm.FailNext = nil
		tm.d = snapshot
		return engine.Persist("commit", err)
	}
	return nil
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.repairs {
		c.repairs[k] = v.Clone()
	}
	for k, v := range d.quotes {
		c.quotes[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.credits {
		c.credits[k] = append([]engine.CreditTransaction(nil), v...)
	}
	for k, v := range d.commissions {
		c.commissions[k] = v
	}
	for k, v := range d.commissionOf {
		c.commissionOf[k] = v
	}
	for k, v := range d.cards {
		c.cards[k] = v
	}
	for k, v := range d.usages {
		c.usages[k] = append([]engine.LoyaltyUsage(nil), v...)
	}
	for k, v := range d.settings {
		c.settings[k] = v
	}
	return c
}
