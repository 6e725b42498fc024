package engine

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// NOTIFICATION SINK - Fire-and-forget events for the outside world
// =============================================================================

// Role of the recipient within a tenant.
type Role string

const (
	RoleCentro     Role = "centro"
	RoleCorner     Role = "corner"
	RoleCustomer   Role = "customer"
	RoleRiparatore Role = "riparatore"
	RolePlatform   Role = "platform"
)

type Audience struct {
	TenantID string
	Role     Role
}

type EventKind string

const (
	EventStatusChanged      EventKind = "status_changed"
	EventQuoteAccepted      EventKind = "quote_accepted"
	EventCommissionPrepaid  EventKind = "commission_prepaid"
	EventCommissionSettled  EventKind = "commission_settled"
	EventSlotsExhausted     EventKind = "slots_exhausted"
	EventCreditWarning      EventKind = "credit_warning"
	EventCreditSuspended    EventKind = "credit_suspended"
	EventLoyaltyActivated   EventKind = "loyalty_activated"
	EventForfeitureWarning  EventKind = "forfeiture_warning"
	EventForfeitureEligible EventKind = "forfeiture_eligible"
)

// Event is what the engine emits. RepairRequestID and Amount are optional.
type Event struct {
	Kind            EventKind
	RepairRequestID string
	Amount          *Money
	Status          Status
}

// Notifier delivers events. Implementations may block on I/O; callers go
// through Dispatcher so failures never reach the caller.
type Notifier interface {
	Notify(ctx context.Context, to Audience, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to Audience, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, to Audience, ev Event) error { return f(ctx, to, ev) }

// Dispatcher sends events best-effort: a failing sink is logged at Warn and
// otherwise ignored. The zero Dispatcher drops everything.
type Dispatcher struct {
	Sink   Notifier
	Logger *zap.Logger
}

func NewDispatcher(sink Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{Sink: sink, Logger: logger}
}

func (d *Dispatcher) Send(ctx context.Context, to Audience, ev Event) {
	if d == nil || d.Sink == nil {
		return
	}
	if err := d.Sink.Notify(ctx, to, ev); err != nil {
		log := d.Logger
		if log == nil {
			log = zap.NewNop()
		}
		log.Warn("notification failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("tenant", to.TenantID),
			zap.String("request_id", ev.RepairRequestID),
			zap.Error(err))
	}
}

// BalanceEvent returns the event to emit after a balance moved into status,
// or false when the new status needs no alert.
func BalanceEvent(status PaymentStatus, balance Money) (Event, bool) {
	switch status {
	case PaymentWarning:
		return Event{Kind: EventCreditWarning, Amount: &balance}, true
	case PaymentSuspended:
		return Event{Kind: EventCreditSuspended, Amount: &balance}, true
	}
	return Event{}, false
}
