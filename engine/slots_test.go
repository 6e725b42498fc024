package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/engine/store"
)

func flatLayout(n int) engine.SlotLayout {
	return engine.SlotLayout{Enabled: true, Prefix: "S", MaxSlots: n}
}

func shelvesLayout() engine.SlotLayout {
	return engine.SlotLayout{
		Enabled: true,
		Shelves: []engine.Shelf{
			{
				ID: "a", Prefix: "A", Rows: 2, Columns: 2,
				Capacity: map[engine.DeviceCategory]int{engine.DeviceSmartphone: 3, engine.DeviceNotebook: 0},
			},
			{
				ID: "b", Name: "Laptops", Rows: 1, Columns: 4,
				Merged:   []engine.MergedSlot{{Start: 2, Span: 3}},
				Capacity: map[engine.DeviceCategory]int{engine.DeviceNotebook: 1},
			},
		},
	}
}

// assign runs one allocation and saves the request, as the lifecycle does.
func assign(t *testing.T, st *store.Memory, layout engine.SlotLayout, req *engine.RepairRequest) (engine.SlotRef, error) {
	t.Helper()
	ctx := context.Background()
	ref, err := engine.SlotAllocator{Store: st}.Assign(ctx, layout, req, nil, testNow)
	if err != nil {
		return ref, err
	}
	require.NoError(t, st.SaveRepair(ctx, *req))
	return ref, nil
}

func newRequest(id string, cat engine.DeviceCategory) *engine.RepairRequest {
	return &engine.RepairRequest{
		ID:        id,
		CentroID:  "c1",
		Variant:   engine.VariantDirect,
		Status:    engine.StatusInRepair,
		Device:    engine.Device{Category: cat},
		CreatedAt: testNow,
	}
}

// =============================================================================
// LAYOUT
// =============================================================================

func TestSlotLayout_Flat(t *testing.T) {
	l := flatLayout(3)

	slots := l.Slots("")

	require.Len(t, slots, 3)
	assert.Equal(t, "S1", slots[0].Label)
	assert.Equal(t, "S3", slots[2].Label)
	assert.Equal(t, 3, l.Total())
	assert.Empty(t, engine.SlotLayout{MaxSlots: 3}.Slots(""), "disabled layout has no slots")
}

func TestSlotLayout_Shelves(t *testing.T) {
	l := shelvesLayout()

	// Merged span 2..4 collapses to one slot numbered 2
	assert.Equal(t, []int{1, 2}, l.Shelves[1].Positions())
	assert.Equal(t, 6, l.Total())

	phones := l.Slots(engine.DeviceSmartphone)
	require.Len(t, phones, 6, "smartphones are not listed on shelf b, so they fit")
	assert.Equal(t, "A1", phones[0].Label)

	laptops := l.Slots(engine.DeviceNotebook)
	require.Len(t, laptops, 2)
	assert.Equal(t, "Laptops-1", laptops[0].Label)
	assert.Equal(t, "b#2", laptops[1].Key())

	ref, ok := l.Lookup(engine.SlotRef{Shelf: "a", Number: 4})
	assert.True(t, ok)
	assert.Equal(t, "A4", ref.Label)
	_, ok = l.Lookup(engine.SlotRef{Shelf: "b", Number: 3})
	assert.False(t, ok, "hidden by the merge")
}

func TestShelf_Fits(t *testing.T) {
	sh := shelvesLayout().Shelves[0]

	assert.True(t, sh.Fits(engine.DeviceSmartphone))
	assert.False(t, sh.Fits(engine.DeviceNotebook))
	assert.True(t, sh.Fits(engine.DeviceTablet), "unlisted categories fit")
	assert.True(t, sh.Fits(""))
}

// =============================================================================
// ALLOCATOR
// =============================================================================

func TestSlotAllocator_FillReleaseReuse(t *testing.T) {
	// GIVEN: Three flat slots
	st := store.NewMemory()
	l := flatLayout(3)

	// WHEN: Three requests are assigned
	var reqs []*engine.RepairRequest
	for i, id := range []string{"r1", "r2", "r3"} {
		req := newRequest(id, engine.DeviceSmartphone)
		ref, err := assign(t, st, l, req)
		require.NoError(t, err)
		assert.Equal(t, i+1, ref.Number)
		require.NotNil(t, req.SlotAssignedAt)
		reqs = append(reqs, req)
	}

	// THEN: A fourth finds none
	_, err := assign(t, st, l, newRequest("r4", engine.DeviceSmartphone))
	assert.ErrorIs(t, err, engine.ErrSlotsExhausted)

	// WHEN: The second is released
	alloc := engine.SlotAllocator{Store: st}
	assert.True(t, alloc.Release(reqs[1]))
	assert.False(t, alloc.Release(reqs[1]))
	require.NoError(t, st.SaveRepair(context.Background(), *reqs[1]))

	// THEN: The next request gets exactly that slot
	ref, err := assign(t, st, l, newRequest("r5", engine.DeviceSmartphone))
	require.NoError(t, err)
	assert.Equal(t, "S2", ref.Label)
}

func TestSlotAllocator_KeepsExistingSlot(t *testing.T) {
	st := store.NewMemory()
	req := newRequest("r1", engine.DeviceSmartphone)
	first, err := assign(t, st, flatLayout(3), req)
	require.NoError(t, err)

	again, err := assign(t, st, flatLayout(3), req)

	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSlotAllocator_TerminalRequestsFreeTheirSlot(t *testing.T) {
	st := store.NewMemory()
	req := newRequest("r1", engine.DeviceSmartphone)
	_, err := assign(t, st, flatLayout(1), req)
	require.NoError(t, err)

	// A delivered request that still carries a slot does not occupy it
	req.Status = engine.StatusDelivered
	require.NoError(t, st.SaveRepair(context.Background(), *req))

	ref, err := assign(t, st, flatLayout(1), newRequest("r2", engine.DeviceSmartphone))
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Number)
}

func TestSlotAllocator_CategoryRouting(t *testing.T) {
	st := store.NewMemory()
	l := shelvesLayout()

	ref, err := assign(t, st, l, newRequest("n1", engine.DeviceNotebook))
	require.NoError(t, err)
	assert.Equal(t, "b", ref.Shelf)

	ref, err = assign(t, st, l, newRequest("n2", engine.DeviceNotebook))
	require.NoError(t, err)
	assert.Equal(t, engine.SlotRef{Shelf: "b", Number: 2, Label: "Laptops-2"}, ref)

	_, err = assign(t, st, l, newRequest("n3", engine.DeviceNotebook))
	assert.ErrorIs(t, err, engine.ErrSlotsExhausted)
}

func TestSlotAllocator_Disabled(t *testing.T) {
	st := store.NewMemory()

	_, err := assign(t, st, engine.SlotLayout{}, newRequest("r1", engine.DeviceSmartphone))

	assert.ErrorIs(t, err, engine.ErrSlotsExhausted)
}

func TestSlotAllocator_Occupancy(t *testing.T) {
	st := store.NewMemory()
	l := flatLayout(4)
	_, err := assign(t, st, l, newRequest("r1", engine.DeviceSmartphone))
	require.NoError(t, err)
	_, err = assign(t, st, l, newRequest("r2", engine.DeviceTablet))
	require.NoError(t, err)

	o, err := engine.SlotAllocator{Store: st}.Occupancy(context.Background(), "c1", l)

	require.NoError(t, err)
	assert.Equal(t, 4, o.Total)
	assert.Equal(t, 2, o.Occupied)
	assert.Equal(t, 2, o.Available)
	assert.Equal(t, "r1", o.Slots[0].RequestID)
	assert.Equal(t, "", o.Slots[3].RequestID)
}
