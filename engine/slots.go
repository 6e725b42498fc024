/*
slots.go - Storage Slot Allocator

PURPOSE:
  Hands out the physical shelf positions where devices wait while a Centro
  holds them. Each slot holds one device.

OCCUPANCY:
  There is no slot ownership table. Occupancy is recomputed every time from
  the Centro's repair requests: a slot is taken iff some non-terminal request
  has it in its Slot field. Releasing a slot is clearing that field.

LAYOUTS:
  Flat:    slots 1..MaxSlots, labelled Prefix+N
  Shelves: each shelf has Rows x Columns positions numbered row by row from
           StartNumber (default 1) and labelled Prefix+N. Merged slots span
           several positions and count as one slot numbered by their first
           position. An optional capacity map per device category marks
           shelves a category does not fit on.

PICK ORDER:
  Lowest number first, shelves in configuration order. Deterministic so the
  first free slot after a release is the one just freed.

SEE ALSO:
  - repair/lifecycle.go: assigns on entry into the held range, releases on exit
  - factory/tenant.go: builds SlotLayout from tenant settings
*/
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// SLOT REFERENCE
// =============================================================================

// SlotRef identifies one slot. Shelf is empty for flat layouts.
type SlotRef struct {
	Shelf  string
	Number int
	Label  string
}

// Key is unique within a Centro.
func (s SlotRef) Key() string {
	if s.Shelf == "" {
		return strconv.Itoa(s.Number)
	}
	return s.Shelf + "#" + strconv.Itoa(s.Number)
}

func (s SlotRef) String() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Key()
}

// =============================================================================
// LAYOUT
// =============================================================================

// MergedSlot joins Span consecutive positions starting at Start.
type MergedSlot struct {
	Start int
	Span  int
}

func (m MergedSlot) covers(n int) bool { return n >= m.Start && n < m.Start+m.Span }

type Shelf struct {
	ID          string
	Name        string
	Prefix      string
	Rows        int
	Columns     int
	StartNumber int
	Merged      []MergedSlot

	// Capacity per device category. A category mapped to 0 does not fit on
	// this shelf. Categories not listed fit.
	Capacity map[DeviceCategory]int
}

// Fits reports whether a device of category c may be stored on the shelf.
func (s Shelf) Fits(c DeviceCategory) bool {
	if c == "" || s.Capacity == nil {
		return true
	}
	n, ok := s.Capacity[c]
	return !ok || n > 0
}

// Positions returns slot numbers in pick order, merged spans collapsed.
func (s Shelf) Positions() []int {
	total := s.Rows * s.Columns
	start := s.StartNumber
	if start < 1 {
		start = 1
	}
	out := make([]int, 0, total)
	for n := start; n < start+total; n++ {
		if s.hiddenByMerge(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s Shelf) hiddenByMerge(n int) bool {
	for _, m := range s.Merged {
		if m.covers(n) && n != m.Start {
			return true
		}
	}
	return false
}

func (s Shelf) label(n int) string {
	if s.Prefix != "" {
		return s.Prefix + strconv.Itoa(n)
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	return name + "-" + strconv.Itoa(n)
}

// SlotLayout is either flat (Shelves empty) or multi-shelf.
type SlotLayout struct {
	Enabled  bool
	Prefix   string
	MaxSlots int
	Shelves  []Shelf
}

// Slots lists every slot a device of category c may use, in pick order.
// An empty category lists every slot.
func (l SlotLayout) Slots(c DeviceCategory) []SlotRef {
	if !l.Enabled {
		return nil
	}
	if len(l.Shelves) == 0 {
		out := make([]SlotRef, 0, l.MaxSlots)
		for n := 1; n <= l.MaxSlots; n++ {
			out = append(out, SlotRef{Number: n, Label: l.Prefix + strconv.Itoa(n)})
		}
		return out
	}
	var out []SlotRef
	for _, sh := range l.Shelves {
		if !sh.Fits(c) {
			continue
		}
		for _, n := range sh.Positions() {
			out = append(out, SlotRef{Shelf: sh.ID, Number: n, Label: sh.label(n)})
		}
	}
	return out
}

// Total is the number of distinct slots.
func (l SlotLayout) Total() int { return len(l.Slots("")) }

// Lookup finds the configured slot matching ref, filling its label.
func (l SlotLayout) Lookup(ref SlotRef) (SlotRef, bool) {
	for _, s := range l.Slots("") {
		if s.Key() == ref.Key() {
			return s, true
		}
	}
	return ref, false
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// SlotAllocator works against whatever RepairStore it is given, usually the
// transactional view inside WithTx. Callers hold the Centro's slots lock.
type SlotAllocator struct {
	Store RepairStore
}

// ListOccupied maps slot key to the id of the request holding it.
func (a SlotAllocator) ListOccupied(ctx context.Context, centroID string) (map[string]string, error) {
	reqs, err := a.Store.ListRepairs(ctx, RepairFilter{CentroID: centroID, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list occupied slots: %w", err)
	}
	occupied := make(map[string]string)
	for _, r := range reqs {
		if r.Slot != nil {
			occupied[r.Slot.Key()] = r.ID
		}
	}
	return occupied, nil
}

// Assign gives req a slot and returns it. A request that already holds one
// keeps it. An explicit slot is taken as given: the caller is responsible for
// not colliding. Otherwise the lowest free slot is picked, or
// ErrSlotsExhausted is returned. The request is modified but not saved.
func (a SlotAllocator) Assign(ctx context.Context, layout SlotLayout, req *RepairRequest, explicit *SlotRef, at time.Time) (SlotRef, error) {
	if req.Slot != nil {
		return *req.Slot, nil
	}
	if explicit != nil {
		ref, _ := layout.Lookup(*explicit)
		a.set(req, ref, at)
		return ref, nil
	}
	if !layout.Enabled {
		return SlotRef{}, fmt.Errorf("centro %s has no storage slots: %w", req.CentroID, ErrSlotsExhausted)
	}

	occupied, err := a.ListOccupied(ctx, req.CentroID)
	if err != nil {
		return SlotRef{}, err
	}
	for _, s := range layout.Slots(req.Device.Category) {
		if _, taken := occupied[s.Key()]; !taken {
			a.set(req, s, at)
			return s, nil
		}
	}
	return SlotRef{}, fmt.Errorf("centro %s: %w", req.CentroID, ErrSlotsExhausted)
}

func (a SlotAllocator) set(req *RepairRequest, ref SlotRef, at time.Time) {
	req.Slot = &ref
	req.SlotAssignedAt = &at
}

// Release clears the assignment. Releasing a request with no slot is a no-op.
func (a SlotAllocator) Release(req *RepairRequest) bool {
	if req.Slot == nil {
		return false
	}
	req.Slot = nil
	req.SlotAssignedAt = nil
	return true
}

// SlotState is one row of the occupancy view.
type SlotState struct {
	Slot      SlotRef
	RequestID string // Empty when free
}

type Occupancy struct {
	Total     int
	Occupied  int
	Available int
	Slots     []SlotState
}

// Occupancy reports every configured slot and who holds it. Explicit slots
// outside the layout still count as occupied.
func (a SlotAllocator) Occupancy(ctx context.Context, centroID string, layout SlotLayout) (Occupancy, error) {
	occupied, err := a.ListOccupied(ctx, centroID)
	if err != nil {
		return Occupancy{}, err
	}
	slots := layout.Slots("")
	o := Occupancy{Total: len(slots), Occupied: len(occupied)}
	for _, s := range slots {
		o.Slots = append(o.Slots, SlotState{Slot: s, RequestID: occupied[s.Key()]})
	}
	o.Available = o.Total - o.Occupied
	if o.Available < 0 {
		o.Available = 0
	}
	return o, nil
}
