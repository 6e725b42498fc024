/*
credit.go - Credit Balance Manager

PURPOSE:
  Maintains each Centro/Corner prepaid balance and its payment status.
  Every balance change is a CreditTransaction appended next to the updated
  account in one atomic write.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: credit transactions are never updated or deleted
  2. RUNNING BALANCE: BalanceAfter is computed from the balance read inside
     the same transaction, never from a copy held by the caller
  3. DERIVED STATUS: payment status is recomputed on every mutation
  4. NO FLOOR: negative balances are allowed and drive "suspended", which
     other systems use to block paid actions

COMPOSITION:
  Debit/Credit take the tenant's balance lock and open their own transaction.
  DebitIn/CreditIn run inside a transaction the caller already opened (the
  lifecycle service debits while stamping a status). The caller then holds
  the balance lock itself.

EXAMPLE:
  m := NewCreditManager(store, locker, clock, logger)
  tx, err := m.Debit(ctx, Centro("c1"), MustParseMoney("1.50"),
      TxLoyaltyCommission, "Loyalty card LC-123", cardID)
  // tx.BalanceAfter = previous balance - 1.50

SEE ALSO:
  - store.go: AccountStore
  - types.go: Account, CreditTransaction, DerivePaymentStatus
*/
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// CREDIT MANAGER
// =============================================================================

type CreditManager struct {
	Store  TxStore
	Locker Locker
	Clock  Clock
	Logger *zap.Logger
}

func NewCreditManager(store TxStore, locker Locker, clock Clock, logger *zap.Logger) *CreditManager {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditManager{Store: store, Locker: locker, Clock: clock, Logger: logger}
}

// Posting describes one balance movement.
type Posting struct {
	Tenant      TenantRef
	Amount      Money // Always positive; direction comes from the call
	Type        TransactionType
	Description string
	ReferenceID string
}

// Debit subtracts p.Amount from the tenant balance.
func (m *CreditManager) Debit(ctx context.Context, p Posting) (CreditTransaction, error) {
	return m.locked(ctx, p, true)
}

// Credit adds p.Amount to the tenant balance. Used for confirmed top-ups and
// manual adjustments.
func (m *CreditManager) Credit(ctx context.Context, p Posting) (CreditTransaction, error) {
	return m.locked(ctx, p, false)
}

func (m *CreditManager) locked(ctx context.Context, p Posting, debit bool) (CreditTransaction, error) {
	if m.Locker != nil {
		unlock, err := m.Locker.Lock(ctx, BalanceLockKey(p.Tenant))
		if err != nil {
			return CreditTransaction{}, err
		}
		defer unlock()
	}

	var out CreditTransaction
	err := m.Store.WithTx(ctx, func(s Store) error {
		var err error
		if debit {
			out, err = m.DebitIn(ctx, s, p)
		} else {
			out, err = m.CreditIn(ctx, s, p)
		}
		return err
	})
	if err != nil {
		return CreditTransaction{}, err
	}
	m.Logger.Info("balance updated",
		zap.String("tenant", p.Tenant.Key()),
		zap.String("type", string(p.Type)),
		zap.String("amount", out.Amount.String()),
		zap.String("balance_after", out.BalanceAfter.String()))
	return out, nil
}

// DebitIn applies a debit inside an open transaction.
func (m *CreditManager) DebitIn(ctx context.Context, s Store, p Posting) (CreditTransaction, error) {
	if !p.Amount.IsPositive() {
		return CreditTransaction{}, fmt.Errorf("debit %s for %s: %w", p.Amount, p.Tenant, ErrInvalidAmount)
	}
	return m.apply(ctx, s, p, p.Amount.Neg())
}

// CreditIn applies a credit inside an open transaction.
func (m *CreditManager) CreditIn(ctx context.Context, s Store, p Posting) (CreditTransaction, error) {
	if !p.Amount.IsPositive() {
		return CreditTransaction{}, fmt.Errorf("credit %s for %s: %w", p.Amount, p.Tenant, ErrInvalidAmount)
	}
	return m.apply(ctx, s, p, p.Amount)
}

func (m *CreditManager) apply(ctx context.Context, s Store, p Posting, delta Money) (CreditTransaction, error) {
	acct, err := s.GetAccount(ctx, p.Tenant)
	if errors.Is(err, ErrNotFound) {
		return CreditTransaction{}, &MissingContextError{What: "account", ID: p.Tenant.Key()}
	}
	if err != nil {
		return CreditTransaction{}, Persist("get account", err)
	}

	now := m.Clock.Now()
	threshold := acct.WarningThreshold
	if threshold.IsZero() {
		threshold = DefaultWarningThreshold
	}

	acct.CreditBalance = acct.CreditBalance.Add(delta).RoundMinor()
	acct.PaymentStatus = DerivePaymentStatus(acct.CreditBalance, threshold)
	acct.LastCreditUpdate = &now

	tx := CreditTransaction{
		ID:           NewID(),
		Tenant:       p.Tenant,
		Amount:       delta.RoundMinor(),
		BalanceAfter: acct.CreditBalance,
		Type:         p.Type,
		Description:  p.Description,
		ReferenceID:  p.ReferenceID,
		CreatedAt:    now,
	}

	if err := s.SaveAccount(ctx, acct); err != nil {
		return CreditTransaction{}, Persist("save account", err)
	}
	if err := s.AppendCreditTransaction(ctx, tx); err != nil {
		return CreditTransaction{}, Persist("append credit transaction", err)
	}
	return tx, nil
}

// =============================================================================
// ACCOUNTS - Read side
// =============================================================================

// OpenAccount creates a zero-balance account if the tenant has none.
// An existing account is returned unchanged.
func (m *CreditManager) OpenAccount(ctx context.Context, tenant TenantRef, name string, threshold Money) (Account, error) {
	var out Account
	err := m.Store.WithTx(ctx, func(s Store) error {
		existing, err := s.GetAccount(ctx, tenant)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Persist("get account", err)
		}
		if threshold.IsZero() {
			threshold = DefaultWarningThreshold
		}
		out = Account{
			Tenant:           tenant,
			DisplayName:      name,
			WarningThreshold: threshold,
			PaymentStatus:    DerivePaymentStatus(Money{}, threshold),
			CreatedAt:        m.Clock.Now(),
		}
		return Persist("save account", s.SaveAccount(ctx, out))
	})
	return out, err
}

// Balance returns the tenant's account as stored.
func (m *CreditManager) Balance(ctx context.Context, tenant TenantRef) (Account, error) {
	acct, err := m.Store.GetAccount(ctx, tenant)
	if errors.Is(err, ErrNotFound) {
		return Account{}, &MissingContextError{What: "account", ID: tenant.Key()}
	}
	return acct, err
}

// History returns the tenant's credit transactions, oldest first.
func (m *CreditManager) History(ctx context.Context, tenant TenantRef) ([]CreditTransaction, error) {
	return m.Store.ListCreditTransactions(ctx, tenant)
}

// Replay sums the ledger and checks every BalanceAfter against the running
// total. It returns the replayed balance.
func (m *CreditManager) Replay(ctx context.Context, tenant TenantRef) (Money, error) {
	txs, err := m.History(ctx, tenant)
	if err != nil {
		return Money{}, err
	}
	var running Money
	for i, tx := range txs {
		running = running.Add(tx.Amount)
		if !running.Equal(tx.BalanceAfter) {
			return running, fmt.Errorf("transaction %d (%s): balance_after %s, running total %s",
				i, tx.ID, tx.BalanceAfter, running)
		}
	}
	return running, nil
}
