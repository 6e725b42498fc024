package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/engine/store"
	"github.com/warp/repair-engine/notify"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	clock  *engine.FixedClock
	sink   *notify.Recorder
	credit *engine.CreditManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewTxMemory()
	clock := engine.NewFixedClock(testNow)
	sink := &notify.Recorder{}
	locker := engine.NewKeyedMutex()
	credit := engine.NewCreditManager(st, locker, clock, nil)
	cfg := engine.StaticConfig(engine.TenantConfig{Loyalty: engine.DefaultLoyaltyTerms()})
	svc := NewService(st, cfg, credit, locker, clock, engine.NewDispatcher(sink, nil), nil)

	ctx := context.Background()
	_, err := credit.OpenAccount(ctx, engine.Centro("centro-1"), "Centro Uno", engine.Money{})
	require.NoError(t, err)
	_, err = credit.Credit(ctx, engine.Posting{Tenant: engine.Centro("centro-1"), Amount: engine.Cents(10000), Type: engine.TxTopup})
	require.NoError(t, err)

	return &fixture{svc: svc, clock: clock, sink: sink, credit: credit}
}

func (f *fixture) balance(t *testing.T) engine.Money {
	t.Helper()
	acct, err := f.credit.Balance(context.Background(), engine.Centro("centro-1"))
	require.NoError(t, err)
	return acct.CreditBalance
}

func (f *fixture) activate(t *testing.T, customer string) engine.LoyaltyCard {
	t.Helper()
	card, err := f.svc.Activate(context.Background(), ActivateRequest{
		CustomerID: customer,
		CentroID:   "centro-1",
		Method:     engine.PaymentBonifico,
	})
	require.NoError(t, err)
	return card
}

// =============================================================================
// ACTIVATION
// =============================================================================

func TestActivate_BonificoDebitsPlatformShare(t *testing.T) {
	f := newFixture(t)

	// GIVEN: A 30.00 card with a 5% platform rate, paid by bank transfer
	// WHEN: Activated
	card := f.activate(t, "anna")

	// THEN: Active for twelve months and 1.50 charged to the Centro
	assert.Equal(t, engine.CardActive, card.Status)
	require.NotNil(t, card.ExpiresAt)
	assert.Equal(t, testNow.AddDate(1, 0, 0), *card.ExpiresAt)
	assert.Equal(t, 3, card.MaxDevices)
	assert.True(t, card.Split.Platform.Equal(engine.Cents(150)), "got %s", card.Split.Platform)
	assert.True(t, card.Split.Centro.Equal(engine.Cents(2850)), "got %s", card.Split.Centro)
	assert.True(t, f.balance(t).Equal(engine.Cents(9850)))
	assert.Contains(t, f.sink.Kinds(engine.RoleCustomer), engine.EventLoyaltyActivated)
}

func TestActivate_ThroughCorner(t *testing.T) {
	f := newFixture(t)

	card, err := f.svc.Activate(context.Background(), ActivateRequest{
		CustomerID: "anna",
		CentroID:   "centro-1",
		CornerID:   "corner-1",
		Method:     engine.PaymentBonifico,
	})
	require.NoError(t, err)

	assert.True(t, card.Split.Corner.Equal(engine.Cents(1000)), "got %s", card.Split.Corner)
	assert.True(t, card.Split.Total().Equal(engine.Cents(3000)))
	assert.Contains(t, f.sink.Kinds(engine.RoleCorner), engine.EventLoyaltyActivated)
}

func TestActivate_DuplicateActiveCard(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "anna")

	_, err := f.svc.Activate(context.Background(), ActivateRequest{
		CustomerID: "anna", CentroID: "centro-1", Method: engine.PaymentBonifico,
	})
	assert.ErrorIs(t, err, engine.ErrDuplicateActiveCard)

	// Only the first activation was charged
	assert.True(t, f.balance(t).Equal(engine.Cents(9850)))
}

func TestActivate_ExpiredCardIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.activate(t, "anna")

	// GIVEN: Thirteen months later
	f.clock.Set(testNow.AddDate(0, 13, 0))

	// WHEN: The customer buys a new card
	second := f.activate(t, "anna")

	// THEN: The old one was expired on the way
	old, err := f.svc.Card(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CardExpired, old.Status)
	assert.Equal(t, engine.CardActive, second.Status)

	active, ok, err := f.svc.ActiveCard(ctx, "anna", "centro-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, active.ID)
}

func TestActivate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Activate(ctx, ActivateRequest{CustomerID: "anna", CentroID: "centro-1", Method: "cash"})
	assert.ErrorIs(t, err, engine.ErrInvalidPaymentMethod)

	_, err = f.svc.Activate(ctx, ActivateRequest{CentroID: "centro-1", Method: engine.PaymentBonifico})
	assert.ErrorIs(t, err, engine.ErrInsufficientContext)
}

func TestConfirmPayment_Stripe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// GIVEN: A card paid by card, awaiting the provider
	card, err := f.svc.Activate(ctx, ActivateRequest{
		CustomerID: "marco", CentroID: "centro-1", Method: engine.PaymentStripe,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.CardPendingPayment, card.Status)
	assert.True(t, f.balance(t).Equal(engine.Cents(10000)))

	_, ok, err := f.svc.ActiveCard(ctx, "marco", "centro-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// WHEN: The payment is confirmed twice
	confirmed, err := f.svc.ConfirmPayment(ctx, card.ID, "pi_123")
	require.NoError(t, err)
	again, err := f.svc.ConfirmPayment(ctx, card.ID, "pi_123")
	require.NoError(t, err)

	// THEN: Activated and charged once
	assert.Equal(t, engine.CardActive, confirmed.Status)
	assert.Equal(t, "pi_123", confirmed.PaymentReference)
	assert.Equal(t, engine.CardActive, again.Status)
	assert.True(t, f.balance(t).Equal(engine.Cents(9850)))
}

// =============================================================================
// BENEFITS AND USAGE
// =============================================================================

func TestBenefits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Without a card
	b, err := f.svc.Benefits(ctx, "anna", "centro-1")
	require.NoError(t, err)
	assert.False(t, b.HasCard)
	assert.True(t, b.DiagnosticFee.Equal(engine.Cents(1500)))
	assert.True(t, b.RepairDiscountPercent.Value.IsZero())

	// With one
	f.activate(t, "anna")
	b, err = f.svc.Benefits(ctx, "anna", "centro-1")
	require.NoError(t, err)
	assert.True(t, b.HasCard)
	assert.True(t, b.DiagnosticFee.Equal(engine.Cents(1000)))
	assert.Equal(t, 3, b.DevicesRemaining)

	discounted, savings := b.DiscountRepair(engine.Cents(20000))
	assert.True(t, discounted.Equal(engine.Cents(18000)))
	assert.True(t, savings.Equal(engine.Cents(2000)))
}

func TestRecordUsage_DiagnosticFee(t *testing.T) {
	f := newFixture(t)
	card := f.activate(t, "anna")

	u, err := f.svc.RecordUsage(context.Background(), UsageInput{CardID: card.ID, Kind: engine.UsageDiagnosticFee})
	require.NoError(t, err)

	assert.True(t, u.OriginalAmount.Equal(engine.Cents(1500)))
	assert.True(t, u.DiscountedAmount.Equal(engine.Cents(1000)))
	assert.True(t, u.Savings.Equal(engine.Cents(500)))
}

func TestRecordUsage_DeviceAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.activate(t, "anna")

	// GIVEN: Three repair discounts used
	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordUsage(ctx, UsageInput{
			CardID: card.ID, Kind: engine.UsageRepairDiscount, OriginalAmount: engine.Cents(10000),
		})
		require.NoError(t, err)
	}

	// WHEN: A fourth is requested
	_, err := f.svc.RecordUsage(ctx, UsageInput{
		CardID: card.ID, Kind: engine.UsageRepairDiscount, OriginalAmount: engine.Cents(10000),
	})

	// THEN: The allowance is exhausted, diagnostic fees still apply
	assert.ErrorIs(t, err, engine.ErrCardExhausted)

	b, err := f.svc.Benefits(ctx, "anna", "centro-1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.DevicesRemaining)
	assert.True(t, b.RepairDiscountPercent.Value.IsZero())
	assert.True(t, b.DiagnosticFee.Equal(engine.Cents(1000)))

	usages, err := f.svc.Usages(ctx, card.ID)
	require.NoError(t, err)
	assert.Len(t, usages, 3)
}

func TestRecordUsage_ExpiredCard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.activate(t, "anna")
	f.clock.Set(testNow.AddDate(1, 0, 1))

	_, err := f.svc.RecordUsage(ctx, UsageInput{CardID: card.ID, Kind: engine.UsageDiagnosticFee})
	assert.ErrorIs(t, err, engine.ErrCardNotActive)

	got, err := f.svc.Card(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CardExpired, got.Status)
}

func TestRecordUsage_UnknownKind(t *testing.T) {
	f := newFixture(t)
	card := f.activate(t, "anna")

	_, err := f.svc.RecordUsage(context.Background(), UsageInput{CardID: card.ID, Kind: "free_phone"})
	assert.ErrorIs(t, err, engine.ErrInvalidUsageKind)
}

func TestCard_ExpiresOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	card := f.activate(t, "anna")

	// GIVEN: A month past the card's expiry
	f.clock.Set(testNow.AddDate(1, 1, 0))

	// WHEN: The card is read by id
	got, err := f.svc.Card(ctx, card.ID)

	// THEN: It comes back expired
	require.NoError(t, err)
	assert.Equal(t, engine.CardExpired, got.Status)

	// AND: The expiry was saved, so listing agrees
	cards, err := f.svc.Cards(ctx, "anna", "centro-1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, engine.CardExpired, cards[0].Status)
}

func TestCards_ExpiresOnList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.activate(t, "anna")
	f.clock.Set(testNow.AddDate(1, 1, 0))

	cards, err := f.svc.Cards(ctx, "anna", "centro-1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, engine.CardExpired, cards[0].Status)

	_, ok, err := f.svc.ActiveCard(ctx, "anna", "centro-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCard_NotYetExpired(t *testing.T) {
	f := newFixture(t)
	card := f.activate(t, "anna")
	f.clock.Set(testNow.AddDate(0, 11, 0))

	got, err := f.svc.Card(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CardActive, got.Status)
}
