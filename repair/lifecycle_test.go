package repair

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/engine/store"
	"github.com/warp/repair-engine/notify"
)

// =============================================================================
// FIXTURE
// =============================================================================

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *LifecycleService
	store  *store.TxMemory
	clock  *engine.FixedClock
	sink   *notify.Recorder
	credit *engine.CreditManager
}

func testConfig() engine.TenantConfig {
	return engine.TenantConfig{
		Rates:               engine.CommissionRates{Platform: engine.Percent(5), Corner: engine.Percent(15)}.WithResidualCentro(),
		WarningThreshold:    engine.Cents(5000),
		ForfeitureGraceDays: 30,
		Loyalty:             engine.DefaultLoyaltyTerms(),
	}
}

func newFixture(t *testing.T, cfg engine.TenantConfig) *fixture {
	t.Helper()
	st := store.NewTxMemory()
	clock := engine.NewFixedClock(testNow)
	sink := &notify.Recorder{}
	locker := engine.NewKeyedMutex()
	credit := engine.NewCreditManager(st, locker, clock, nil)
	svc := NewLifecycleService(st, engine.StaticConfig(cfg), credit, locker, clock, engine.NewDispatcher(sink, nil), nil)
	return &fixture{svc: svc, store: st, clock: clock, sink: sink, credit: credit}
}

func (f *fixture) fund(t *testing.T, tenant engine.TenantRef, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.credit.OpenAccount(ctx, tenant, tenant.ID, engine.Money{})
	require.NoError(t, err)
	_, err = f.credit.Credit(ctx, engine.Posting{Tenant: tenant, Amount: engine.MustParseMoney(amount), Type: engine.TxTopup})
	require.NoError(t, err)
}

func (f *fixture) referred(t *testing.T) engine.RepairRequest {
	t.Helper()
	req, err := f.svc.Intake(context.Background(), IntakeRequest{
		CentroID:   "centro-1",
		CornerID:   "corner-1",
		CustomerID: "cust-1",
		Device:     engine.Device{Category: engine.DeviceSmartphone, Brand: "Apple", Model: "iPhone 13"},
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) direct(t *testing.T, estimate string) engine.RepairRequest {
	t.Helper()
	req, err := f.svc.Intake(context.Background(), IntakeRequest{
		CentroID:   "centro-1",
		CustomerID: "cust-2",
		Device:     engine.Device{Category: engine.DeviceSmartphone},
		Estimate:   engine.MustParseMoney(estimate),
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) advance(t *testing.T, id string, statuses ...engine.Status) Transition {
	t.Helper()
	var last Transition
	for _, s := range statuses {
		tr, err := f.svc.Advance(context.Background(), id, s, Actor{ID: "op-1", Role: engine.RoleCentro})
		require.NoError(t, err, "advance to %s", s)
		last = tr
	}
	return last
}

// toQuoteSent brings a referred request to quote_sent with a 120/20 quote.
func (f *fixture) toQuoteSent(t *testing.T, id string) {
	t.Helper()
	f.advance(t, id, engine.StatusAssigned, engine.StatusQuoteSent)
	_, err := f.svc.AttachQuote(context.Background(), id, QuoteInput{
		TotalCost: engine.MustParseMoney("120.00"),
		PartsCost: engine.MustParseMoney("20.00"),
	})
	require.NoError(t, err)
}

// =============================================================================
// INTAKE
// =============================================================================

func TestIntake_VariantFollowsCorner(t *testing.T) {
	f := newFixture(t, testConfig())

	ref := f.referred(t)
	dir := f.direct(t, "80.00")

	assert.Equal(t, engine.VariantReferred, ref.Variant)
	assert.Equal(t, engine.VariantDirect, dir.Variant)
	assert.Equal(t, engine.StatusPending, ref.Status)

	at, ok := ref.EnteredAt(engine.StatusPending)
	require.True(t, ok)
	assert.Equal(t, testNow, at)
}

func TestIntake_Errors(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.svc.Intake(ctx, IntakeRequest{})
	assert.ErrorIs(t, err, engine.ErrInsufficientContext)

	_, err = f.svc.Intake(ctx, IntakeRequest{CentroID: "c1", Estimate: engine.Cents(-1)})
	assert.ErrorIs(t, err, engine.ErrInvalidAmount)
}

// =============================================================================
// PREPAID COMMISSION
// =============================================================================

func TestAdvance_QuoteAcceptedDebitsCentro(t *testing.T) {
	f := newFixture(t, testConfig())
	f.fund(t, engine.Centro("centro-1"), "50.00")
	req := f.referred(t)
	f.toQuoteSent(t, req.ID)

	// GIVEN: A 120.00 quote with 20.00 of parts, platform 5% and corner 15%
	// WHEN: The customer accepts
	tr := f.advance(t, req.ID, engine.StatusQuoteAccepted)

	// THEN: 20% of the 100.00 margin is charged to the Centro
	require.NotNil(t, tr.Prepaid)
	assert.True(t, tr.Prepaid.Amount.Equal(engine.Cents(-2000)), "got %s", tr.Prepaid.Amount)
	require.NotNil(t, tr.Quote)
	assert.Equal(t, engine.QuoteAccepted, tr.Quote.Status)
	assert.True(t, tr.Quote.CommissionPrepaidAmount.Equal(engine.Cents(2000)))

	acct, err := f.credit.Balance(context.Background(), engine.Centro("centro-1"))
	require.NoError(t, err)
	assert.True(t, acct.CreditBalance.Equal(engine.Cents(3000)), "got %s", acct.CreditBalance)
	assert.Equal(t, engine.PaymentWarning, acct.PaymentStatus)

	assert.Contains(t, f.sink.Kinds(engine.RoleCentro), engine.EventCommissionPrepaid)
}

func TestAdvance_MissingAccountLeavesStatus(t *testing.T) {
	f := newFixture(t, testConfig())
	req := f.referred(t)
	f.toQuoteSent(t, req.ID)

	// GIVEN: No credit account for the Centro
	// WHEN: The quote is accepted
	_, err := f.svc.Advance(context.Background(), req.ID, engine.StatusQuoteAccepted, Actor{})

	// THEN: Insufficient context, nothing changed
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrInsufficientContext)

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusQuoteSent, got.Status)
	_, ok := got.EnteredAt(engine.StatusQuoteAccepted)
	assert.False(t, ok)

	q, err := f.svc.Quote(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.QuotePending, q.Status)
}

func TestAdvance_MissingQuote(t *testing.T) {
	f := newFixture(t, testConfig())
	f.fund(t, engine.Centro("centro-1"), "50.00")
	req := f.referred(t)
	f.advance(t, req.ID, engine.StatusAssigned, engine.StatusQuoteSent)

	_, err := f.svc.Advance(context.Background(), req.ID, engine.StatusQuoteAccepted, Actor{})
	assert.ErrorIs(t, err, engine.ErrInsufficientContext)
}

func TestAdvance_FailedCommitRollsBackDebit(t *testing.T) {
	f := newFixture(t, testConfig())
	f.fund(t, engine.Centro("centro-1"), "50.00")
	req := f.referred(t)
	f.toQuoteSent(t, req.ID)

	// GIVEN: The next commit fails
	f.store.FailNext = errors.New("disk full")

	// WHEN: The quote is accepted
	_, err := f.svc.Advance(context.Background(), req.ID, engine.StatusQuoteAccepted, Actor{})

	// THEN: Neither the status nor the balance moved
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrPersistenceFailure)
	assert.True(t, engine.IsRetryable(err))

	got, err := f.svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusQuoteSent, got.Status)

	acct, err := f.credit.Balance(context.Background(), engine.Centro("centro-1"))
	require.NoError(t, err)
	assert.True(t, acct.CreditBalance.Equal(engine.Cents(5000)))

	history, err := f.credit.History(context.Background(), engine.Centro("centro-1"))
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// AND: A retry succeeds
	tr := f.advance(t, req.ID, engine.StatusQuoteAccepted)
	assert.NotNil(t, tr.Prepaid)
}

func TestAttachQuote_AfterAcceptance(t *testing.T) {
	f := newFixture(t, testConfig())
	f.fund(t, engine.Centro("centro-1"), "50.00")
	req := f.referred(t)
	f.toQuoteSent(t, req.ID)
	f.advance(t, req.ID, engine.StatusQuoteAccepted)

	_, err := f.svc.AttachQuote(context.Background(), req.ID, QuoteInput{TotalCost: engine.Cents(10000)})
	assert.ErrorIs(t, err, engine.ErrQuoteAlreadyAccepted)

	_, err = f.svc.RejectQuote(context.Background(), req.ID)
	assert.ErrorIs(t, err, engine.ErrQuoteAlreadyAccepted)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestAdvance_CompletionSettlesDirectJob(t *testing.T) {
	f := newFixture(t, testConfig())
	req := f.direct(t, "100.00")

	// GIVEN: A direct job with a 100.00 estimate and no quote
	// WHEN: Completed
	tr := f.advance(t, req.ID, engine.StatusInRepair, engine.StatusRepairCompleted)

	// THEN: The corner rate folds into the Centro share
	e := tr.Settlement
	require.NotNil(t, e)
	assert.True(t, e.GrossMargin.Equal(engine.Cents(10000)))
	assert.True(t, e.Platform.Amount.Equal(engine.Cents(500)), "platform %s", e.Platform.Amount)
	assert.True(t, e.Corner.Amount.IsZero())
	assert.True(t, e.Centro.Amount.Equal(engine.Cents(9500)), "centro %s", e.Centro.Amount)
	assert.Equal(t, req.ID, e.RepairID)

	assert.Contains(t, f.sink.Kinds(engine.RoleCentro), engine.EventCommissionSettled)
}

func TestAdvance_SettlementIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	req := f.direct(t, "100.00")
	f.advance(t, req.ID, engine.StatusInRepair)

	// GIVEN: An entry already settled for the request
	existing := engine.CommissionLedgerEntry{
		ID: "entry-1", RepairID: req.ID, CentroID: "centro-1",
		GrossRevenue: engine.Cents(10000), GrossMargin: engine.Cents(10000),
		Status: engine.EntryPending, CreatedAt: testNow,
	}
	require.NoError(t, f.store.AppendCommissionEntry(ctx, existing))

	// WHEN: The request completes
	tr := f.advance(t, req.ID, engine.StatusRepairCompleted)

	// THEN: The existing entry is returned and nothing new is written
	require.NotNil(t, tr.Settlement)
	assert.Equal(t, "entry-1", tr.Settlement.ID)

	entries, err := f.svc.Commissions(ctx, engine.CommissionFilter{CentroID: "centro-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAdvance_ReferredSettlementKeepsPrepaid(t *testing.T) {
	f := newFixture(t, testConfig())
	f.fund(t, engine.Centro("centro-1"), "50.00")
	req := f.referred(t)
	f.toQuoteSent(t, req.ID)

	tr := f.advance(t, req.ID,
		engine.StatusQuoteAccepted, engine.StatusAwaitingPickup, engine.StatusPickedUp,
		engine.StatusInDiagnosis, engine.StatusInRepair, engine.StatusRepairCompleted)

	e := tr.Settlement
	require.NotNil(t, e)
	assert.True(t, e.Corner.Amount.Equal(engine.Cents(1500)))
	assert.True(t, e.Centro.Amount.Equal(engine.Cents(8000)))
	assert.True(t, e.PrepaidAmount.Equal(engine.Cents(2000)))

	// The balance was charged once, at acceptance
	acct, err := f.credit.Balance(context.Background(), engine.Centro("centro-1"))
	require.NoError(t, err)
	assert.True(t, acct.CreditBalance.Equal(engine.Cents(3000)))
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	req := f.direct(t, "100.00")
	tr := f.advance(t, req.ID, engine.StatusInRepair, engine.StatusRepairCompleted)

	e, err := f.svc.MarkPaid(ctx, tr.Settlement.ID, engine.BeneficiaryPlatform)
	require.NoError(t, err)
	assert.True(t, e.Platform.Paid)

	entries, err := f.svc.Commissions(ctx, engine.CommissionFilter{})
	require.NoError(t, err)
	owed := Owed(entries)
	assert.Equal(t, "0.00", owed[engine.BeneficiaryPlatform].String())
	assert.Equal(t, "95.00", owed[engine.BeneficiaryCentro].String())
}

// =============================================================================
// SLOTS
// =============================================================================

func slotConfig(n int) engine.TenantConfig {
	cfg := testConfig()
	cfg.Slots = engine.SlotLayout{Enabled: true, Prefix: "S", MaxSlots: n}
	return cfg
}

func TestAdvance_SlotFollowsHeldRange(t *testing.T) {
	f := newFixture(t, slotConfig(5))
	req := f.direct(t, "50.00")

	// WHEN: Work starts
	tr := f.advance(t, req.ID, engine.StatusInRepair)

	// THEN: The request takes the first free slot
	require.NotNil(t, tr.Slot)
	assert.Equal(t, "S1", tr.Slot.Label)

	// AND: Keeps it while waiting for parts
	tr = f.advance(t, req.ID, engine.StatusWaitingForParts, engine.StatusRepairCompleted)
	require.NotNil(t, tr.Request.Slot)
	assert.Nil(t, tr.Slot)

	// AND: Frees it on delivery
	tr = f.advance(t, req.ID, engine.StatusDelivered)
	require.NotNil(t, tr.Released)
	assert.Equal(t, "S1", tr.Released.Label)
	assert.Nil(t, tr.Request.Slot)

	occ, err := f.svc.Occupancy(context.Background(), "centro-1")
	require.NoError(t, err)
	assert.Equal(t, 0, occ.Occupied)
}

func TestAdvance_SlotsExhausted(t *testing.T) {
	f := newFixture(t, slotConfig(1))
	a := f.direct(t, "50.00")
	b := f.direct(t, "50.00")
	f.advance(t, a.ID, engine.StatusInRepair)

	// WHEN: The only slot is taken
	tr := f.advance(t, b.ID, engine.StatusInRepair)

	// THEN: The transition proceeds without a slot and the Centro is told
	assert.Equal(t, engine.StatusInRepair, tr.Request.Status)
	assert.Nil(t, tr.Request.Slot)
	assert.ErrorIs(t, tr.SlotErr, engine.ErrSlotsExhausted)
	assert.Contains(t, f.sink.Kinds(engine.RoleCentro), engine.EventSlotsExhausted)
}

func TestAdvance_RequireSlotBlocksTransition(t *testing.T) {
	cfg := slotConfig(1)
	cfg.RequireSlot = true
	f := newFixture(t, cfg)
	a := f.direct(t, "50.00")
	b := f.direct(t, "50.00")
	f.advance(t, a.ID, engine.StatusInRepair)

	_, err := f.svc.Advance(context.Background(), b.ID, engine.StatusInRepair, Actor{})
	assert.ErrorIs(t, err, engine.ErrSlotsExhausted)

	got, err := f.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, got.Status)
}

func TestAdvance_ConcurrentSlotAssignment(t *testing.T) {
	f := newFixture(t, slotConfig(3))
	const n = 6

	ids := make([]string, n)
	for i := range ids {
		ids[i] = f.direct(t, "50.00").ID
	}

	// GIVEN: Six requests racing for three slots
	var wg sync.WaitGroup
	results := make([]Transition, n)
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Advance(context.Background(), ids[i], engine.StatusInRepair, Actor{})
		}(i)
	}
	wg.Wait()

	// THEN: Every transition went through, three with distinct slots
	seen := make(map[string]bool)
	exhausted := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].Slot == nil {
			exhausted++
			continue
		}
		key := results[i].Slot.Key()
		assert.False(t, seen[key], "slot %s assigned twice", key)
		seen[key] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, exhausted)
}

func TestAssignSlot_Explicit(t *testing.T) {
	f := newFixture(t, slotConfig(5))
	ctx := context.Background()
	req := f.direct(t, "50.00")

	ref, err := f.svc.AssignSlot(ctx, req.ID, &engine.SlotRef{Number: 4, Label: "S4"})
	require.NoError(t, err)
	assert.Equal(t, 4, ref.Number)

	// Released twice without error
	require.NoError(t, f.svc.ReleaseSlot(ctx, req.ID))
	require.NoError(t, f.svc.ReleaseSlot(ctx, req.ID))

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Slot)
}

// =============================================================================
// TIMELINE AND NOTIFICATIONS
// =============================================================================

func TestTimeline_MonotonicStamps(t *testing.T) {
	f := newFixture(t, testConfig())
	req := f.direct(t, "50.00")

	f.clock.Advance(time.Hour)
	f.advance(t, req.ID, engine.StatusInRepair)
	f.clock.Advance(2 * time.Hour)
	f.advance(t, req.ID, engine.StatusRepairCompleted)

	tl, err := f.svc.Timeline(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, tl, 3)
	assert.Equal(t, engine.StatusPending, tl[0].Status)
	assert.Equal(t, engine.StatusRepairCompleted, tl[2].Status)
	for i := 1; i < len(tl); i++ {
		assert.False(t, tl[i].At.Before(tl[i-1].At))
	}
}

func TestAdvance_NotifiesCornerAndCustomer(t *testing.T) {
	f := newFixture(t, testConfig())
	req := f.referred(t)
	f.sink.Reset()

	f.advance(t, req.ID, engine.StatusAssigned)

	assert.Equal(t, []engine.EventKind{engine.EventStatusChanged}, f.sink.Kinds(engine.RoleCorner))
	assert.Equal(t, []engine.EventKind{engine.EventStatusChanged}, f.sink.Kinds(engine.RoleCustomer))
}

func TestAdvance_NotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t, testConfig())
	req := f.direct(t, "50.00")
	f.sink.Err = errors.New("broker down")

	tr, err := f.svc.Advance(context.Background(), req.ID, engine.StatusInRepair, Actor{})
	require.NoError(t, err)
	assert.Equal(t, engine.StatusInRepair, tr.Request.Status)
}
