package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestCredit(t *testing.T) (*engine.CreditManager, *store.TxMemory, *engine.FixedClock) {
	t.Helper()
	st := store.NewTxMemory()
	clock := engine.NewFixedClock(testNow)
	return engine.NewCreditManager(st, engine.NewKeyedMutex(), clock, nil), st, clock
}

func fund(t *testing.T, m *engine.CreditManager, tenant engine.TenantRef, amount engine.Money) {
	t.Helper()
	_, err := m.OpenAccount(context.Background(), tenant, tenant.ID, engine.Money{})
	require.NoError(t, err)
	if amount.IsPositive() {
		_, err = m.Credit(context.Background(), engine.Posting{Tenant: tenant, Amount: amount, Type: engine.TxTopup})
		require.NoError(t, err)
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestOpenAccount(t *testing.T) {
	m, _, _ := newTestCredit(t)
	ctx := context.Background()

	// GIVEN: No account yet
	// WHEN: Opened without a threshold
	acct, err := m.OpenAccount(ctx, engine.Centro("c1"), "Centro Uno", engine.Money{})

	// THEN: Zero balance, default threshold, suspended until topped up
	require.NoError(t, err)
	assert.True(t, acct.CreditBalance.IsZero())
	assert.True(t, acct.WarningThreshold.Equal(engine.DefaultWarningThreshold))
	assert.Equal(t, engine.PaymentSuspended, acct.PaymentStatus)

	// AND: Opening again returns the existing account unchanged
	again, err := m.OpenAccount(ctx, engine.Centro("c1"), "Other name", engine.Cents(100))
	require.NoError(t, err)
	assert.Equal(t, "Centro Uno", again.DisplayName)
	assert.True(t, again.WarningThreshold.Equal(engine.DefaultWarningThreshold))
}

func TestBalance_MissingAccount(t *testing.T) {
	m, _, _ := newTestCredit(t)

	_, err := m.Balance(context.Background(), engine.Corner("nobody"))

	assert.ErrorIs(t, err, engine.ErrInsufficientContext)
}

// =============================================================================
// DEBIT / CREDIT
// =============================================================================

func TestDebit_UpdatesBalanceAndStatus(t *testing.T) {
	// GIVEN: A Centro with exactly its 50.00 threshold
	m, _, _ := newTestCredit(t)
	c := engine.Centro("c1")
	fund(t, m, c, engine.Cents(5000))
	ctx := context.Background()

	acct, err := m.Balance(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentGoodStanding, acct.PaymentStatus)

	// WHEN: 1.50 is debited
	tx, err := m.Debit(ctx, engine.Posting{
		Tenant:      c,
		Amount:      engine.Cents(150),
		Type:        engine.TxLoyaltyCommission,
		Description: "card",
		ReferenceID: "card-1",
	})

	// THEN: The balance drops below the threshold
	require.NoError(t, err)
	assert.Equal(t, "-1.50", tx.Amount.String())
	assert.Equal(t, "48.50", tx.BalanceAfter.String())
	assert.Equal(t, "card-1", tx.ReferenceID)

	acct, err = m.Balance(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "48.50", acct.CreditBalance.String())
	assert.Equal(t, engine.PaymentWarning, acct.PaymentStatus)
	require.NotNil(t, acct.LastCreditUpdate)
	assert.True(t, acct.LastCreditUpdate.Equal(testNow))
}

func TestDebit_CanGoNegative(t *testing.T) {
	m, _, _ := newTestCredit(t)
	c := engine.Centro("c1")
	fund(t, m, c, engine.Cents(1000))

	tx, err := m.Debit(context.Background(), engine.Posting{Tenant: c, Amount: engine.Cents(2500), Type: engine.TxCommissionPrepaid})

	require.NoError(t, err)
	assert.Equal(t, "-15.00", tx.BalanceAfter.String())
	acct, err := m.Balance(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentSuspended, acct.PaymentStatus)
}

func TestDebit_Errors(t *testing.T) {
	m, _, _ := newTestCredit(t)
	fund(t, m, engine.Centro("c1"), engine.Cents(1000))
	ctx := context.Background()

	_, err := m.Debit(ctx, engine.Posting{Tenant: engine.Centro("ghost"), Amount: engine.Cents(100)})
	assert.ErrorIs(t, err, engine.ErrInsufficientContext)

	_, err = m.Debit(ctx, engine.Posting{Tenant: engine.Centro("c1"), Amount: engine.Money{}})
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)

	_, err = m.Credit(ctx, engine.Posting{Tenant: engine.Centro("c1"), Amount: engine.Cents(-100)})
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
}

func TestDebit_FailedCommitChangesNothing(t *testing.T) {
	m, st, _ := newTestCredit(t)
	c := engine.Centro("c1")
	fund(t, m, c, engine.Cents(1000))
	ctx := context.Background()

	st.FailNext = assert.AnError
	_, err := m.Debit(ctx, engine.Posting{Tenant: c, Amount: engine.Cents(100)})

	require.Error(t, err)
	assert.True(t, engine.IsRetryable(err))
	acct, err := m.Balance(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "10.00", acct.CreditBalance.String())
	history, err := m.History(ctx, c)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConcurrentDebits_NoLostUpdates(t *testing.T) {
	// GIVEN: A Centro with 100.00
	m, _, _ := newTestCredit(t)
	c := engine.Centro("c1")
	fund(t, m, c, engine.Cents(10000))
	ctx := context.Background()

	// WHEN: 40 debits of 1.25 run concurrently
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Debit(ctx, engine.Posting{Tenant: c, Amount: engine.Cents(125), Type: engine.TxCommissionPrepaid})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: Every one of them is reflected and the ledger replays to the balance
	acct, err := m.Balance(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "50.00", acct.CreditBalance.String())

	replayed, err := m.Replay(ctx, c)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(acct.CreditBalance))
}

func TestReplay_DetectsTampering(t *testing.T) {
	m, st, _ := newTestCredit(t)
	c := engine.Centro("c1")
	fund(t, m, c, engine.Cents(1000))
	ctx := context.Background()

	require.NoError(t, st.AppendCreditTransaction(ctx, engine.CreditTransaction{
		ID:           "forged",
		Tenant:       c,
		Amount:       engine.Cents(500),
		BalanceAfter: engine.Cents(99900),
		Type:         engine.TxAdjustment,
		CreatedAt:    testNow,
	}))

	_, err := m.Replay(ctx, c)
	assert.Error(t, err)
}

func TestDerivePaymentStatus(t *testing.T) {
	threshold := engine.Cents(5000)
	tests := []struct {
		balance engine.Money
		want    engine.PaymentStatus
	}{
		{engine.Cents(5000), engine.PaymentGoodStanding},
		{engine.Cents(4999), engine.PaymentWarning},
		{engine.Cents(1), engine.PaymentWarning},
		{engine.Money{}, engine.PaymentSuspended},
		{engine.Cents(-500), engine.PaymentSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.balance.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, engine.DerivePaymentStatus(tt.balance, threshold))
		})
	}
}
