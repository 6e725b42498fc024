/*
Package repair implements the repair request lifecycle.

PURPOSE:
  A repair request moves through a fixed set of statuses from intake to
  delivery. This package decides which moves are legal, stamps them, and
  runs the money and storage side effects that belong to specific moves.

TWO LIFECYCLES:
  Referred (Corner -> Centro):

    pending → assigned → quote_sent → quote_accepted → awaiting_pickup →
    picked_up → in_diagnosis → in_repair → repair_completed →
    ready_for_return → at_corner → delivered

    in_diagnosis and in_repair may detour into waiting_for_parts, which
    only returns to in_repair. cancelled is reachable from every
    non-terminal status. forfeited is reachable once the repair is done
    and the device has not been delivered.

  Direct (customer -> Centro, no Corner):

    pending → in_progress → waiting_parts → completed → delivered

    waiting_parts is optional and may go back to in_progress. cancelled is
    reachable only from pending, forfeited only from completed.

ONE VOCABULARY:
  Direct statuses are spelled differently in the outside world. They are
  mapped onto the canonical engine.Status values at the boundary:

    in_progress   => in_repair
    waiting_parts => waiting_for_parts
    completed     => repair_completed

  so both tables, the slot range and the forfeiture clock use one enum.

SEE ALSO:
  - lifecycle.go: Advance, side effects, atomic commit
  - forfeiture.go: abandonment policy
*/
package repair

import (
	"fmt"
	"strings"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// STATUS VOCABULARY
// =============================================================================

var directAliases = map[string]engine.Status{
	"in_progress":   engine.StatusInRepair,
	"waiting_parts": engine.StatusWaitingForParts,
	"completed":     engine.StatusRepairCompleted,
}

var canonical = map[engine.Status]bool{
	engine.StatusPending: true, engine.StatusAssigned: true, engine.StatusQuoteSent: true,
	engine.StatusQuoteAccepted: true, engine.StatusAwaitingPickup: true, engine.StatusPickedUp: true,
	engine.StatusInDiagnosis: true, engine.StatusWaitingForParts: true, engine.StatusInRepair: true,
	engine.StatusRepairCompleted: true, engine.StatusReadyForReturn: true, engine.StatusAtCorner: true,
	engine.StatusDelivered: true, engine.StatusCancelled: true, engine.StatusForfeited: true,
}

// Normalize maps any accepted spelling onto the canonical status.
func Normalize(s string) (engine.Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if st, ok := directAliases[s]; ok {
		return st, nil
	}
	if canonical[engine.Status(s)] {
		return engine.Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q: %w", s, engine.ErrInvalidStatus)
}

// External renders a status the way the variant's clients spell it.
func External(v engine.Variant, s engine.Status) string {
	if v == engine.VariantDirect {
		for alias, st := range directAliases {
			if st == s {
				return alias
			}
		}
	}
	return string(s)
}

// =============================================================================
// MACHINE - Transition tables
// =============================================================================

type table map[engine.Status][]engine.Status

var referred = table{
	engine.StatusPending:         {engine.StatusAssigned},
	engine.StatusAssigned:        {engine.StatusQuoteSent},
	engine.StatusQuoteSent:       {engine.StatusQuoteAccepted},
	engine.StatusQuoteAccepted:   {engine.StatusAwaitingPickup},
	engine.StatusAwaitingPickup:  {engine.StatusPickedUp},
	engine.StatusPickedUp:        {engine.StatusInDiagnosis},
	engine.StatusInDiagnosis:     {engine.StatusWaitingForParts, engine.StatusInRepair},
	engine.StatusWaitingForParts: {engine.StatusInRepair},
	engine.StatusInRepair:        {engine.StatusWaitingForParts, engine.StatusRepairCompleted},
	engine.StatusRepairCompleted: {engine.StatusReadyForReturn, engine.StatusForfeited},
	engine.StatusReadyForReturn:  {engine.StatusAtCorner, engine.StatusForfeited},
	engine.StatusAtCorner:        {engine.StatusDelivered, engine.StatusForfeited},
}

var direct = table{
	engine.StatusPending:         {engine.StatusInRepair, engine.StatusCancelled},
	engine.StatusInRepair:        {engine.StatusWaitingForParts, engine.StatusRepairCompleted},
	engine.StatusWaitingForParts: {engine.StatusInRepair, engine.StatusRepairCompleted},
	engine.StatusRepairCompleted: {engine.StatusDelivered, engine.StatusForfeited},
}

// Physically held ranges: the device sits in a Centro slot.
var held = map[engine.Variant]map[engine.Status]bool{
	engine.VariantReferred: {
		engine.StatusPickedUp:        true,
		engine.StatusInDiagnosis:     true,
		engine.StatusWaitingForParts: true,
		engine.StatusInRepair:        true,
		engine.StatusRepairCompleted: true,
		engine.StatusReadyForReturn:  true,
	},
	engine.VariantDirect: {
		engine.StatusInRepair:        true,
		engine.StatusWaitingForParts: true,
		engine.StatusRepairCompleted: true,
	},
}

// Machine answers legality questions. It holds no state.
type Machine struct{}

// Next lists the statuses reachable from from, cancelled included.
func (Machine) Next(v engine.Variant, from engine.Status) []engine.Status {
	if from.IsTerminal() {
		return nil
	}
	switch v {
	case engine.VariantReferred:
		next := append([]engine.Status(nil), referred[from]...)
		return append(next, engine.StatusCancelled)
	case engine.VariantDirect:
		return append([]engine.Status(nil), direct[from]...)
	}
	return nil
}

// Check returns IllegalTransitionError unless to is reachable from from.
func (m Machine) Check(requestID string, v engine.Variant, from, to engine.Status) error {
	for _, s := range m.Next(v, from) {
		if s == to {
			return nil
		}
	}
	return &engine.IllegalTransitionError{RequestID: requestID, Variant: v, From: from, To: to}
}

// Held reports whether a request in status s occupies a storage slot.
func (Machine) Held(v engine.Variant, s engine.Status) bool {
	return held[v][s]
}

// Statuses lists every status a variant can be in, in lifecycle order.
func (Machine) Statuses(v engine.Variant) []engine.Status {
	if v == engine.VariantDirect {
		return []engine.Status{
			engine.StatusPending, engine.StatusInRepair, engine.StatusWaitingForParts,
			engine.StatusRepairCompleted, engine.StatusDelivered,
			engine.StatusCancelled, engine.StatusForfeited,
		}
	}
	return []engine.Status{
		engine.StatusPending, engine.StatusAssigned, engine.StatusQuoteSent,
		engine.StatusQuoteAccepted, engine.StatusAwaitingPickup, engine.StatusPickedUp,
		engine.StatusInDiagnosis, engine.StatusWaitingForParts, engine.StatusInRepair,
		engine.StatusRepairCompleted, engine.StatusReadyForReturn, engine.StatusAtCorner,
		engine.StatusDelivered, engine.StatusCancelled, engine.StatusForfeited,
	}
}
