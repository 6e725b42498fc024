package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// FORFEITURE POLICY - Abandoned devices
// =============================================================================
//
// A repaired device that the customer does not collect may be declared
// abandoned once the grace period after completion has run out. The policy
// only reports; it never changes status. Forfeiting is an explicit Advance
// to forfeited issued by the Centro.
//
//	completed_at ──── grace - warning ────▶ warn ──── warning ────▶ deadline
//	                                                                eligible
//	daysRemaining = grace - whole days since completed_at
//
// The deadline day itself is eligible: 30 whole days after completion with
// a 30 day grace.

// ForfeiturePolicy evaluates one request against a grace period.
type ForfeiturePolicy struct {
	GraceDays   int
	WarningDays int
}

// ForfeitureStatus is the policy's verdict at a point in time.
type ForfeitureStatus struct {
	// Applicable is false unless the request is completed and not yet
	// delivered, cancelled or forfeited.
	Applicable    bool
	Eligible      bool
	DaysRemaining int
	CompletedAt   time.Time
	Deadline      time.Time

	// Warning is true inside the warning window before the deadline.
	Warning bool
	// WarningDue and NoticeDue report a notice that has not been sent yet.
	WarningDue bool
	NoticeDue  bool
}

// Applicable statuses: the repair is done and the device is still out.
var awaitingCollection = []engine.Status{
	engine.StatusRepairCompleted,
	engine.StatusReadyForReturn,
	engine.StatusAtCorner,
}

func (p ForfeiturePolicy) grace() int {
	if p.GraceDays <= 0 {
		return engine.DefaultForfeitureGraceDays
	}
	return p.GraceDays
}

func (p ForfeiturePolicy) warning() int {
	if p.WarningDays <= 0 {
		return engine.DefaultForfeitureWarningDays
	}
	return p.WarningDays
}

// Evaluate is a pure function of the request's timestamps and now.
func (p ForfeiturePolicy) Evaluate(req engine.RepairRequest, now time.Time) ForfeitureStatus {
	completedAt, ok := req.EnteredAt(engine.StatusRepairCompleted)
	if !ok || !isAwaitingCollection(req.Status) {
		return ForfeitureStatus{}
	}
	grace := p.grace()
	remaining := grace - engine.DaysBetween(completedAt, now)
	st := ForfeitureStatus{
		Applicable:    true,
		Eligible:      remaining <= 0,
		DaysRemaining: remaining,
		CompletedAt:   completedAt,
		Deadline:      completedAt.AddDate(0, 0, grace),
	}
	st.Warning = !st.Eligible && remaining <= p.warning()
	st.WarningDue = st.Warning && req.ForfeitureWarnedAt == nil
	st.NoticeDue = st.Eligible && req.ForfeitureNotifiedAt == nil
	return st
}

func isAwaitingCollection(s engine.Status) bool {
	for _, a := range awaitingCollection {
		if s == a {
			return true
		}
	}
	return false
}

// =============================================================================
// SERVICE ENTRY POINTS
// =============================================================================

// Forfeiture evaluates one request with its Centro's grace period.
func (s *LifecycleService) Forfeiture(ctx context.Context, id string) (ForfeitureStatus, error) {
	req, err := s.Store.GetRepair(ctx, id)
	if err != nil {
		return ForfeitureStatus{}, err
	}
	cfg, err := s.Config.TenantConfig(ctx, req.CentroID)
	if err != nil {
		return ForfeitureStatus{}, fmt.Errorf("tenant config for %s: %w", req.CentroID, err)
	}
	return ForfeiturePolicy{GraceDays: cfg.ForfeitureGraceDays}.Evaluate(req, s.Clock.Now()), nil
}

// ForfeitureCandidate is an eligible request found by a scan.
type ForfeitureCandidate struct {
	Request engine.RepairRequest
	Status  ForfeitureStatus
}

// ForfeitureCandidates lists every eligible request, for one Centro or for
// all of them when centroID is empty.
func (s *LifecycleService) ForfeitureCandidates(ctx context.Context, centroID string) ([]ForfeitureCandidate, error) {
	return s.forfeitureScan(ctx, centroID, func(st ForfeitureStatus) bool { return st.Eligible })
}

// ForfeitureNotices lists every request with a warning or eligibility
// notice not yet sent.
func (s *LifecycleService) ForfeitureNotices(ctx context.Context, centroID string) ([]ForfeitureCandidate, error) {
	return s.forfeitureScan(ctx, centroID, func(st ForfeitureStatus) bool { return st.WarningDue || st.NoticeDue })
}

func (s *LifecycleService) forfeitureScan(ctx context.Context, centroID string, keep func(ForfeitureStatus) bool) ([]ForfeitureCandidate, error) {
	reqs, err := s.Store.ListRepairs(ctx, engine.RepairFilter{CentroID: centroID, Statuses: awaitingCollection})
	if err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	policies := make(map[string]ForfeiturePolicy)
	var out []ForfeitureCandidate
	for _, r := range reqs {
		p, ok := policies[r.CentroID]
		if !ok {
			cfg, err := s.Config.TenantConfig(ctx, r.CentroID)
			if err != nil {
				return nil, fmt.Errorf("tenant config for %s: %w", r.CentroID, err)
			}
			p = ForfeiturePolicy{GraceDays: cfg.ForfeitureGraceDays}
			policies[r.CentroID] = p
		}
		if st := p.Evaluate(r, now); keep(st) {
			out = append(out, ForfeitureCandidate{Request: r, Status: st})
		}
	}
	return out, nil
}

// MarkForfeitureNotice records that the notice of the given kind was sent.
// It reports false when another caller already recorded it, so each notice
// goes out once even with several schedulers.
func (s *LifecycleService) MarkForfeitureNotice(ctx context.Context, id string, kind engine.EventKind) (bool, error) {
	unlock, err := s.lock(ctx, engine.RepairLockKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()

	marked := false
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		cur, err := tx.GetRepair(ctx, id)
		if err != nil {
			return engine.Persist("get repair", err)
		}
		var field **time.Time
		switch kind {
		case engine.EventForfeitureWarning:
			field = &cur.ForfeitureWarnedAt
		case engine.EventForfeitureEligible:
			field = &cur.ForfeitureNotifiedAt
		default:
			return fmt.Errorf("not a forfeiture notice: %s", kind)
		}
		if *field != nil {
			return nil
		}
		now := s.Clock.Now()
		*field = &now
		marked = true
		return engine.Persist("save repair", tx.SaveRepair(ctx, cur))
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}
