/*
Package notify provides engine.Notifier implementations.

PURPOSE:
  The engine hands events to a single Notifier through engine.Dispatcher,
  which logs and swallows failures. This package supplies the sinks behind
  it: nothing here ever affects whether a transition commits.

SINKS:
  LogSink:       writes every event to zap (always on)
  AMQPPublisher: publishes JSON messages to a durable RabbitMQ queue for
                 the push/email delivery workers
  Multi:         fans out to several sinks, joining their errors
  Recorder:      keeps events in memory (tests, demo scenarios)

WIRE FORMAT:
  {
    "kind": "commission_prepaid",
    "tenant_id": "centro-1",
    "role": "centro",
    "repair_request_id": "3f1c...",
    "amount": "20.00",
    "status": "quote_accepted",
    "at": "2025-03-10T09:00:00Z"
  }

SEE ALSO:
  - engine/notify.go: Event, Audience, Dispatcher
  - cmd/server/main.go: sink wiring
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// Message is the serialized form of one delivery.
type Message struct {
	Kind            engine.EventKind `json:"kind"`
	TenantID        string           `json:"tenant_id"`
	Role            engine.Role      `json:"role"`
	RepairRequestID string           `json:"repair_request_id,omitempty"`
	Amount          *engine.Money    `json:"amount,omitempty"`
	Status          engine.Status    `json:"status,omitempty"`
	At              time.Time        `json:"at"`
}

func NewMessage(to engine.Audience, ev engine.Event, at time.Time) Message {
	return Message{
		Kind:            ev.Kind,
		TenantID:        to.TenantID,
		Role:            to.Role,
		RepairRequestID: ev.RepairRequestID,
		Amount:          ev.Amount,
		Status:          ev.Status,
		At:              at.UTC(),
	}
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes events to a zap logger at Info.
type LogSink struct {
	Logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Notify(_ context.Context, to engine.Audience, ev engine.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.String("tenant", to.TenantID),
		zap.String("role", string(to.Role)),
	}
	if ev.RepairRequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RepairRequestID))
	}
	if ev.Amount != nil {
		fields = append(fields, zap.String("amount", ev.Amount.String()))
	}
	if ev.Status != "" {
		fields = append(fields, zap.String("status", string(ev.Status)))
	}
	s.Logger.Info("notification", fields...)
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every sink, even after one fails.
type Multi []engine.Notifier

func (m Multi) Notify(ctx context.Context, to engine.Audience, ev engine.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, to, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// RECORDER
// =============================================================================

// Delivery is one recorded Notify call.
type Delivery struct {
	To    engine.Audience
	Event engine.Event
}

// Recorder keeps every delivery in memory.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error // Returned by every Notify when set
}

func (r *Recorder) Notify(_ context.Context, to engine.Audience, ev engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{To: to, Event: ev})
	return r.Err
}

// Deliveries returns a copy of everything recorded so far.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Kinds lists the recorded event kinds sent to role, in order.
func (r *Recorder) Kinds(role engine.Role) []engine.EventKind {
	var out []engine.EventKind
	for _, d := range r.Deliveries() {
		if d.To.Role == role {
			out = append(out, d.Event.Kind)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}
