/*
lifecycle.go - Repair lifecycle service

PURPOSE:
  The only code path that changes a repair request. Every command validates
  legality first, computes the new state and its side effects next, and
  persists everything last in one store transaction.

ADVANCE FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  lock request ──▶ check table ──▶ lock slots/balance ──▶ WithTx {    │
  │                                                                      │
  │      re-read + re-check                                              │
  │      stamp status                                                    │
  │      assign or release slot                                          │
  │      quote_accepted:   prepaid debit of corner + platform shares     │
  │      repair_completed: settlement entry, all shares unpaid           │
  │      save request                                                    │
  │                                                                      │
  │  } ──▶ notify (best effort)                                          │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

  If any step inside WithTx fails nothing is written: no status stamp, no
  ledger row, no slot. Notifications run after commit and never fail the
  transition.

SLOTS:
  Entering the held range without a slot asks the allocator for one.
  Leaving the held range, for any status, releases it. When every slot is
  taken the transition still goes through without a slot unless the Centro
  requires one, and the Centro is told slots ran out.

DOUBLE CHARGING:
  A referred job is charged corner + platform at quote acceptance and then
  gets a full settlement entry at completion. Both are kept. The entry
  records the prepaid amount so reconciliation can net it out.

LOCK ORDER:
  repair:<id> → slots:<centro> → balance:centro:<id>

SEE ALSO:
  - status.go: transition tables
  - engine/commission.go, engine/credit.go, engine/slots.go
*/
package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// LIFECYCLE SERVICE
// =============================================================================

type LifecycleService struct {
	Store   engine.TxStore
	Config  engine.TenantConfigProvider
	Credit  *engine.CreditManager
	Locker  engine.Locker
	Clock   engine.Clock
	Notify  *engine.Dispatcher
	Logger  *zap.Logger
	Machine Machine
}

func NewLifecycleService(
	store engine.TxStore,
	config engine.TenantConfigProvider,
	credit *engine.CreditManager,
	locker engine.Locker,
	clock engine.Clock,
	notify *engine.Dispatcher,
	logger *zap.Logger,
) *LifecycleService {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if locker == nil {
		locker = engine.NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleService{
		Store:  store,
		Config: config,
		Credit: credit,
		Locker: locker,
		Clock:  clock,
		Notify: notify,
		Logger: logger,
	}
}

// Actor is who issued a command. Used for logging only; permission checks
// belong to the caller.
type Actor struct {
	ID   string
	Role engine.Role
}

// Transition is the outcome of a successful Advance.
type Transition struct {
	Request engine.RepairRequest
	From    engine.Status
	To      engine.Status

	Slot     *engine.SlotRef // Assigned by this transition
	Released *engine.SlotRef // Released by this transition
	SlotErr  error           // SlotsExhausted when the transition went ahead slot-less

	Quote      *engine.Quote
	Prepaid    *engine.CreditTransaction
	Settlement *engine.CommissionLedgerEntry
}

// =============================================================================
// INTAKE AND QUOTES
// =============================================================================

type IntakeRequest struct {
	CentroID     string
	CornerID     string // Empty for a direct job
	CustomerID   string
	RiparatoreID string
	Device       engine.Device
	Estimate     engine.Money
	Rates        *engine.CommissionRates
}

// Intake creates a pending request. The variant follows from CornerID.
func (s *LifecycleService) Intake(ctx context.Context, in IntakeRequest) (engine.RepairRequest, error) {
	if in.CentroID == "" {
		return engine.RepairRequest{}, &engine.MissingContextError{What: "centro", ID: ""}
	}
	if in.Estimate.IsNegative() {
		return engine.RepairRequest{}, fmt.Errorf("estimate %s: %w", in.Estimate, engine.ErrInvalidAmount)
	}

	now := s.Clock.Now()
	req := engine.RepairRequest{
		ID:           engine.NewID(),
		CentroID:     in.CentroID,
		CornerID:     in.CornerID,
		CustomerID:   in.CustomerID,
		RiparatoreID: in.RiparatoreID,
		Device:       in.Device,
		Variant:      engine.VariantDirect,
		Estimate:     in.Estimate.RoundMinor(),
		Rates:        in.Rates,
		CreatedAt:    now,
	}
	if in.CornerID != "" {
		req.Variant = engine.VariantReferred
	}
	req.Stamp(engine.StatusPending, now)

	if err := s.Store.SaveRepair(ctx, req); err != nil {
		return engine.RepairRequest{}, engine.Persist("save repair", err)
	}
	s.Logger.Info("repair intake",
		zap.String("request_id", req.ID),
		zap.String("tenant", req.CentroID),
		zap.String("variant", string(req.Variant)))
	s.Notify.Send(ctx, engine.Audience{TenantID: req.CentroID, Role: engine.RoleCentro},
		engine.Event{Kind: engine.EventStatusChanged, RepairRequestID: req.ID, Status: req.Status})
	return req, nil
}

type QuoteInput struct {
	TotalCost engine.Money
	PartsCost engine.Money
}

// AttachQuote sets or replaces the pending quote of a request.
func (s *LifecycleService) AttachQuote(ctx context.Context, repairID string, in QuoteInput) (engine.Quote, error) {
	if !in.TotalCost.IsPositive() || in.PartsCost.IsNegative() {
		return engine.Quote{}, fmt.Errorf("quote total %s parts %s: %w", in.TotalCost, in.PartsCost, engine.ErrInvalidAmount)
	}
	unlock, err := s.lock(ctx, engine.RepairLockKey(repairID))
	if err != nil {
		return engine.Quote{}, err
	}
	defer unlock()

	var out engine.Quote
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		req, err := tx.GetRepair(ctx, repairID)
		if err != nil {
			return engine.Persist("get repair", err)
		}
		if req.Status.IsTerminal() {
			return &engine.IllegalTransitionError{RequestID: req.ID, Variant: req.Variant, From: req.Status, To: engine.StatusQuoteSent}
		}

		q, err := tx.GetQuote(ctx, repairID)
		switch {
		case errors.Is(err, engine.ErrNotFound):
			q = engine.Quote{ID: engine.NewID(), RepairID: repairID, CreatedAt: s.Clock.Now()}
		case err != nil:
			return engine.Persist("get quote", err)
		case q.Status == engine.QuoteAccepted:
			return fmt.Errorf("quote %s: %w", q.ID, engine.ErrQuoteAlreadyAccepted)
		}
		q.TotalCost = in.TotalCost.RoundMinor()
		q.PartsCost = in.PartsCost.RoundMinor()
		q.Status = engine.QuotePending
		out = q
		return engine.Persist("save quote", tx.SaveQuote(ctx, q))
	})
	return out, err
}

// RejectQuote marks a pending quote rejected. The request keeps its status;
// the caller usually cancels it next.
func (s *LifecycleService) RejectQuote(ctx context.Context, repairID string) (engine.Quote, error) {
	unlock, err := s.lock(ctx, engine.RepairLockKey(repairID))
	if err != nil {
		return engine.Quote{}, err
	}
	defer unlock()

	var out engine.Quote
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		q, err := tx.GetQuote(ctx, repairID)
		if err != nil {
			return engine.Persist("get quote", err)
		}
		if q.Status == engine.QuoteAccepted {
			return fmt.Errorf("quote %s: %w", q.ID, engine.ErrQuoteAlreadyAccepted)
		}
		q.Status = engine.QuoteRejected
		out = q
		return engine.Persist("save quote", tx.SaveQuote(ctx, q))
	})
	return out, err
}

// =============================================================================
// ADVANCE
// =============================================================================

// Advance moves a request to target. It fails with IllegalTransitionError
// unless target is reachable from the current status.
func (s *LifecycleService) Advance(ctx context.Context, id string, target engine.Status, actor Actor) (Transition, error) {
	unlock, err := s.lock(ctx, engine.RepairLockKey(id))
	if err != nil {
		return Transition{}, err
	}
	defer unlock()

	req, err := s.Store.GetRepair(ctx, id)
	if err != nil {
		return Transition{}, engine.Persist("get repair", err)
	}
	if err := s.Machine.Check(req.ID, req.Variant, req.Status, target); err != nil {
		s.Logger.Info("illegal transition",
			zap.String("request_id", id),
			zap.String("from", string(req.Status)),
			zap.String("to", string(target)),
			zap.String("actor", actor.ID))
		return Transition{}, err
	}

	cfg, err := s.Config.TenantConfig(ctx, req.CentroID)
	if err != nil {
		return Transition{}, fmt.Errorf("tenant config for %s: %w", req.CentroID, err)
	}

	assigning := s.Machine.Held(req.Variant, target) && req.Slot == nil && cfg.Slots.Enabled
	charging := target == engine.StatusQuoteAccepted && req.Variant == engine.VariantReferred

	var keys []string
	if assigning {
		keys = append(keys, engine.SlotsLockKey(req.CentroID))
	}
	if charging {
		keys = append(keys, engine.BalanceLockKey(req.Tenant()))
	}
	unlockMore, err := s.lock(ctx, keys...)
	if err != nil {
		return Transition{}, err
	}
	defer unlockMore()

	now := s.Clock.Now()
	var t Transition
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		t = Transition{}
		cur, err := tx.GetRepair(ctx, id)
		if err != nil {
			return engine.Persist("get repair", err)
		}
		if err := s.Machine.Check(cur.ID, cur.Variant, cur.Status, target); err != nil {
			return err
		}

		next := cur.Clone()
		t.From, t.To = cur.Status, target
		next.Stamp(target, now)

		if err := s.moveSlot(ctx, tx, cfg, &next, now, &t); err != nil {
			return err
		}
		if charging {
			if err := s.prepay(ctx, tx, cfg, &next, now, &t); err != nil {
				return err
			}
		}
		if target == engine.StatusRepairCompleted {
			if err := s.settle(ctx, tx, cfg, &next, now, &t); err != nil {
				return err
			}
		}

		if err := tx.SaveRepair(ctx, next); err != nil {
			return engine.Persist("save repair", err)
		}
		t.Request = next
		return nil
	})
	if err != nil {
		fields := []zap.Field{
			zap.String("request_id", id),
			zap.String("from", string(req.Status)),
			zap.String("to", string(target)),
			zap.Error(err),
		}
		if errors.Is(err, engine.ErrRoundingOverflow) {
			s.Logger.Error("commission integrity fault, transition rejected", fields...)
		} else {
			s.Logger.Warn("transition failed", fields...)
		}
		return Transition{}, err
	}

	s.Logger.Info("status advanced",
		zap.String("request_id", id),
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("actor", actor.ID))
	s.emit(ctx, t)
	return t, nil
}

func (s *LifecycleService) moveSlot(ctx context.Context, tx engine.Store, cfg engine.TenantConfig, req *engine.RepairRequest, now time.Time, t *Transition) error {
	alloc := engine.SlotAllocator{Store: tx}
	if !s.Machine.Held(req.Variant, req.Status) {
		if req.Slot != nil {
			released := *req.Slot
			alloc.Release(req)
			t.Released = &released
		}
		return nil
	}
	if req.Slot != nil || !cfg.Slots.Enabled {
		return nil
	}

	ref, err := alloc.Assign(ctx, cfg.Slots, req, nil, now)
	switch {
	case err == nil:
		t.Slot = &ref
	case errors.Is(err, engine.ErrSlotsExhausted) && !cfg.RequireSlot:
		t.SlotErr = err
	default:
		return err
	}
	return nil
}

func (s *LifecycleService) prepay(ctx context.Context, tx engine.Store, cfg engine.TenantConfig, req *engine.RepairRequest, now time.Time, t *Transition) error {
	q, err := tx.GetQuote(ctx, req.ID)
	if errors.Is(err, engine.ErrNotFound) {
		return &engine.MissingContextError{What: "quote", ID: req.ID}
	}
	if err != nil {
		return engine.Persist("get quote", err)
	}
	if q.Status == engine.QuoteAccepted {
		return fmt.Errorf("quote %s: %w", q.ID, engine.ErrQuoteAlreadyAccepted)
	}

	amount, _, err := engine.Prepaid(q.TotalCost, q.PartsCost, cfg.RatesFor(req))
	if err != nil {
		return err
	}

	q.Status = engine.QuoteAccepted
	q.SignedAt = &now
	if amount.IsPositive() {
		ct, err := s.Credit.DebitIn(ctx, tx, engine.Posting{
			Tenant:      req.Tenant(),
			Amount:      amount,
			Type:        engine.TxCommissionPrepaid,
			Description: "Prepaid commission for repair " + shortID(req.ID),
			ReferenceID: req.ID,
		})
		if err != nil {
			return err
		}
		q.CommissionPrepaidAmount = amount
		q.CommissionPrepaidAt = &now
		t.Prepaid = &ct
	}

	if err := tx.SaveQuote(ctx, q); err != nil {
		return engine.Persist("save quote", err)
	}
	t.Quote = &q
	return nil
}

func (s *LifecycleService) settle(ctx context.Context, tx engine.Store, cfg engine.TenantConfig, req *engine.RepairRequest, now time.Time, t *Transition) error {
	existing, err := tx.FindCommissionEntry(ctx, req.ID)
	if err == nil {
		t.Settlement = &existing
		return nil
	}
	if !errors.Is(err, engine.ErrNotFound) {
		return engine.Persist("find commission entry", err)
	}

	revenue, parts, prepaid := req.Estimate, engine.Money{}, engine.Money{}
	q, err := tx.GetQuote(ctx, req.ID)
	switch {
	case err == nil && q.Status != engine.QuoteRejected:
		revenue, parts, prepaid = q.TotalCost, q.PartsCost, q.CommissionPrepaidAmount
	case err != nil && !errors.Is(err, engine.ErrNotFound):
		return engine.Persist("get quote", err)
	}
	if !revenue.IsPositive() {
		return &engine.MissingContextError{What: "quote", ID: req.ID}
	}

	split, err := engine.Split(revenue, parts, cfg.RatesFor(req))
	if err != nil {
		return err
	}
	entry := split.Entry(engine.NewID(), req, now)
	entry.PrepaidAmount = prepaid
	if err := tx.AppendCommissionEntry(ctx, entry); err != nil {
		return engine.Persist("append commission entry", err)
	}
	t.Settlement = &entry
	return nil
}

// emit runs after commit.
func (s *LifecycleService) emit(ctx context.Context, t Transition) {
	req := t.Request
	changed := engine.Event{Kind: engine.EventStatusChanged, RepairRequestID: req.ID, Status: t.To}
	s.Notify.Send(ctx, engine.Audience{TenantID: req.CentroID, Role: engine.RoleCentro}, changed)
	if req.CornerID != "" {
		s.Notify.Send(ctx, engine.Audience{TenantID: req.CornerID, Role: engine.RoleCorner}, changed)
	}
	if req.CustomerID != "" {
		s.Notify.Send(ctx, engine.Audience{TenantID: req.CustomerID, Role: engine.RoleCustomer}, changed)
	}

	if t.SlotErr != nil {
		s.Notify.Send(ctx, engine.Audience{TenantID: req.CentroID, Role: engine.RoleCentro},
			engine.Event{Kind: engine.EventSlotsExhausted, RepairRequestID: req.ID, Status: t.To})
	}

	if t.Prepaid != nil {
		amount := t.Prepaid.Amount.Neg()
		s.Notify.Send(ctx, engine.Audience{TenantID: req.CentroID, Role: engine.RoleCentro},
			engine.Event{Kind: engine.EventCommissionPrepaid, RepairRequestID: req.ID, Amount: &amount})
		s.balanceAlert(ctx, req.Tenant())
	}

	if e := t.Settlement; e != nil {
		centro := e.Centro.Amount
		s.Notify.Send(ctx, engine.Audience{TenantID: req.CentroID, Role: engine.RoleCentro},
			engine.Event{Kind: engine.EventCommissionSettled, RepairRequestID: req.ID, Amount: &centro})
		if req.CornerID != "" {
			corner := e.Corner.Amount
			s.Notify.Send(ctx, engine.Audience{TenantID: req.CornerID, Role: engine.RoleCorner},
				engine.Event{Kind: engine.EventCommissionSettled, RepairRequestID: req.ID, Amount: &corner})
		}
		if req.RiparatoreID != "" {
			tech := e.Riparatore.Amount
			s.Notify.Send(ctx, engine.Audience{TenantID: req.RiparatoreID, Role: engine.RoleRiparatore},
				engine.Event{Kind: engine.EventCommissionSettled, RepairRequestID: req.ID, Amount: &tech})
		}
	}
}

func (s *LifecycleService) balanceAlert(ctx context.Context, tenant engine.TenantRef) {
	acct, err := s.Store.GetAccount(ctx, tenant)
	if err != nil {
		return
	}
	if ev, ok := engine.BalanceEvent(acct.PaymentStatus, acct.CreditBalance); ok {
		s.Notify.Send(ctx, engine.Audience{TenantID: tenant.ID, Role: engine.Role(tenant.Kind)}, ev)
	}
}

// =============================================================================
// SLOTS
// =============================================================================

// AssignSlot gives a request a slot outside of a transition, for instance
// when a Centro enables slots while devices are already on the shelves.
// An explicit slot is stored as given.
func (s *LifecycleService) AssignSlot(ctx context.Context, id string, explicit *engine.SlotRef) (engine.SlotRef, error) {
	req, err := s.Store.GetRepair(ctx, id)
	if err != nil {
		return engine.SlotRef{}, engine.Persist("get repair", err)
	}
	cfg, err := s.Config.TenantConfig(ctx, req.CentroID)
	if err != nil {
		return engine.SlotRef{}, fmt.Errorf("tenant config for %s: %w", req.CentroID, err)
	}
	unlock, err := s.lock(ctx, engine.RepairLockKey(id), engine.SlotsLockKey(req.CentroID))
	if err != nil {
		return engine.SlotRef{}, err
	}
	defer unlock()

	var out engine.SlotRef
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		cur, err := tx.GetRepair(ctx, id)
		if err != nil {
			return engine.Persist("get repair", err)
		}
		if cur.Status.IsTerminal() {
			return &engine.IllegalTransitionError{RequestID: id, Variant: cur.Variant, From: cur.Status, To: cur.Status}
		}
		out, err = engine.SlotAllocator{Store: tx}.Assign(ctx, cfg.Slots, &cur, explicit, s.Clock.Now())
		if err != nil {
			return err
		}
		return engine.Persist("save repair", tx.SaveRepair(ctx, cur))
	})
	if err != nil {
		return engine.SlotRef{}, err
	}
	s.Logger.Info("slot assigned", zap.String("request_id", id), zap.String("slot", out.String()))
	return out, nil
}

// ReleaseSlot clears a request's slot. Idempotent.
func (s *LifecycleService) ReleaseSlot(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx, engine.RepairLockKey(id))
	if err != nil {
		return err
	}
	defer unlock()

	return s.Store.WithTx(ctx, func(tx engine.Store) error {
		cur, err := tx.GetRepair(ctx, id)
		if err != nil {
			return engine.Persist("get repair", err)
		}
		if !(engine.SlotAllocator{}).Release(&cur) {
			return nil
		}
		return engine.Persist("save repair", tx.SaveRepair(ctx, cur))
	})
}

// Occupancy reports the slot usage of a Centro.
func (s *LifecycleService) Occupancy(ctx context.Context, centroID string) (engine.Occupancy, error) {
	cfg, err := s.Config.TenantConfig(ctx, centroID)
	if err != nil {
		return engine.Occupancy{}, fmt.Errorf("tenant config for %s: %w", centroID, err)
	}
	return engine.SlotAllocator{Store: s.Store}.Occupancy(ctx, centroID, cfg.Slots)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *LifecycleService) Get(ctx context.Context, id string) (engine.RepairRequest, error) {
	return s.Store.GetRepair(ctx, id)
}

func (s *LifecycleService) List(ctx context.Context, f engine.RepairFilter) ([]engine.RepairRequest, error) {
	return s.Store.ListRepairs(ctx, f)
}

func (s *LifecycleService) Quote(ctx context.Context, repairID string) (engine.Quote, error) {
	return s.Store.GetQuote(ctx, repairID)
}

// TimelineEntry is one stamped status.
type TimelineEntry struct {
	Status engine.Status
	At     time.Time
}

// Timeline returns every status the request entered, oldest first.
func (s *LifecycleService) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	req, err := s.Store.GetRepair(ctx, id)
	if err != nil {
		return nil, err
	}
	order := make(map[engine.Status]int)
	for i, st := range s.Machine.Statuses(req.Variant) {
		order[st] = i
	}
	out := make([]TimelineEntry, 0, len(req.Timestamps))
	for st, at := range req.Timestamps {
		out = append(out, TimelineEntry{Status: st, At: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return order[out[i].Status] < order[out[j].Status]
		}
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// lock acquires keys in the given order and returns one function releasing
// them in reverse.
func (s *LifecycleService) lock(ctx context.Context, keys ...string) (func(), error) {
	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.Locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
