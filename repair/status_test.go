package repair

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
)

func TestMachine_ReferredHappyPath(t *testing.T) {
	m := Machine{}
	path := []engine.Status{
		engine.StatusPending, engine.StatusAssigned, engine.StatusQuoteSent,
		engine.StatusQuoteAccepted, engine.StatusAwaitingPickup, engine.StatusPickedUp,
		engine.StatusInDiagnosis, engine.StatusInRepair, engine.StatusRepairCompleted,
		engine.StatusReadyForReturn, engine.StatusAtCorner, engine.StatusDelivered,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.NoError(t, m.Check("r1", engine.VariantReferred, path[i], path[i+1]),
			"%s -> %s", path[i], path[i+1])
	}
}

func TestMachine_RejectsEveryPairOutsideNext(t *testing.T) {
	m := Machine{}
	for _, v := range []engine.Variant{engine.VariantReferred, engine.VariantDirect} {
		for _, from := range m.Statuses(v) {
			allowed := map[engine.Status]bool{}
			for _, s := range m.Next(v, from) {
				allowed[s] = true
			}
			for _, to := range m.Statuses(v) {
				err := m.Check("r1", v, from, to)
				if allowed[to] {
					assert.NoError(t, err, "%s: %s -> %s", v, from, to)
					continue
				}
				require.Error(t, err, "%s: %s -> %s", v, from, to)
				assert.True(t, errors.Is(err, engine.ErrIllegalTransition))

				var ite *engine.IllegalTransitionError
				require.ErrorAs(t, err, &ite)
				assert.Equal(t, from, ite.From)
				assert.Equal(t, to, ite.To)
			}
		}
	}
}

func TestMachine_RejectsSkippedSteps(t *testing.T) {
	m := Machine{}
	tests := []struct {
		name     string
		variant  engine.Variant
		from, to engine.Status
	}{
		{"referred pending to in_repair", engine.VariantReferred, engine.StatusPending, engine.StatusInRepair},
		{"referred delivered before corner", engine.VariantReferred, engine.StatusReadyForReturn, engine.StatusDelivered},
		{"direct uses no quote", engine.VariantDirect, engine.StatusPending, engine.StatusQuoteSent},
		{"direct cancel after work started", engine.VariantDirect, engine.StatusInRepair, engine.StatusCancelled},
		{"forfeit before completion", engine.VariantReferred, engine.StatusInRepair, engine.StatusForfeited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, m.Check("r1", tt.variant, tt.from, tt.to), engine.ErrIllegalTransition)
		})
	}
}

func TestMachine_TerminalStatusesHaveNoExits(t *testing.T) {
	m := Machine{}
	for _, v := range []engine.Variant{engine.VariantReferred, engine.VariantDirect} {
		for _, s := range m.Statuses(v) {
			if s.IsTerminal() {
				assert.Empty(t, m.Next(v, s), "%s: %s", v, s)
			}
		}
	}
}

func TestMachine_ReferredCancelsFromAnyOpenStatus(t *testing.T) {
	m := Machine{}
	for _, s := range m.Statuses(engine.VariantReferred) {
		if s.IsTerminal() {
			continue
		}
		assert.NoError(t, m.Check("r1", engine.VariantReferred, s, engine.StatusCancelled), "from %s", s)
	}
}

func TestMachine_PartsLoop(t *testing.T) {
	m := Machine{}

	// Both variants may wait for parts more than once
	for _, v := range []engine.Variant{engine.VariantReferred, engine.VariantDirect} {
		assert.NoError(t, m.Check("r1", v, engine.StatusInRepair, engine.StatusWaitingForParts))
		assert.NoError(t, m.Check("r1", v, engine.StatusWaitingForParts, engine.StatusInRepair))
	}
}

func TestMachine_Held(t *testing.T) {
	m := Machine{}

	assert.False(t, m.Held(engine.VariantReferred, engine.StatusAwaitingPickup))
	assert.True(t, m.Held(engine.VariantReferred, engine.StatusPickedUp))
	assert.True(t, m.Held(engine.VariantReferred, engine.StatusReadyForReturn))
	assert.False(t, m.Held(engine.VariantReferred, engine.StatusAtCorner))

	assert.False(t, m.Held(engine.VariantDirect, engine.StatusPending))
	assert.True(t, m.Held(engine.VariantDirect, engine.StatusInRepair))
	assert.True(t, m.Held(engine.VariantDirect, engine.StatusRepairCompleted))
	assert.False(t, m.Held(engine.VariantDirect, engine.StatusDelivered))
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want engine.Status
	}{
		{"in_progress", engine.StatusInRepair},
		{"waiting_parts", engine.StatusWaitingForParts},
		{"completed", engine.StatusRepairCompleted},
		{" Quote_Accepted ", engine.StatusQuoteAccepted},
		{"at_corner", engine.StatusAtCorner},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Normalize("teleported")
	assert.ErrorIs(t, err, engine.ErrInvalidStatus)
}

func TestExternal(t *testing.T) {
	assert.Equal(t, "in_progress", External(engine.VariantDirect, engine.StatusInRepair))
	assert.Equal(t, "completed", External(engine.VariantDirect, engine.StatusRepairCompleted))
	assert.Equal(t, "pending", External(engine.VariantDirect, engine.StatusPending))
	assert.Equal(t, "repair_completed", External(engine.VariantReferred, engine.StatusRepairCompleted))
}
