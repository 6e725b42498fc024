package engine

import (
	"time"
)

// =============================================================================
// REPAIR STATUS - One canonical vocabulary for both lifecycle variants
// =============================================================================

// Status is the canonical repair status. Direct-job spellings (in_progress,
// waiting_parts, completed) are normalized into this vocabulary at the
// boundary by the repair package.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAssigned        Status = "assigned"
	StatusQuoteSent       Status = "quote_sent"
	StatusQuoteAccepted   Status = "quote_accepted"
	StatusAwaitingPickup  Status = "awaiting_pickup"
	StatusPickedUp        Status = "picked_up"
	StatusInDiagnosis     Status = "in_diagnosis"
	StatusWaitingForParts Status = "waiting_for_parts"
	StatusInRepair        Status = "in_repair"
	StatusRepairCompleted Status = "repair_completed"
	StatusReadyForReturn  Status = "ready_for_return"
	StatusAtCorner        Status = "at_corner"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
	StatusForfeited       Status = "forfeited"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusForfeited:
		return true
	}
	return false
}

// Variant selects which lifecycle table governs a request.
type Variant string

const (
	VariantReferred Variant = "referred" // Corner -> Centro
	VariantDirect   Variant = "direct"   // Customer -> Centro
)

// =============================================================================
// REPAIR REQUEST
// =============================================================================

type DeviceCategory string

const (
	DeviceSmartphone DeviceCategory = "smartphone"
	DeviceTablet     DeviceCategory = "tablet"
	DeviceNotebook   DeviceCategory = "notebook"
	DevicePC         DeviceCategory = "pc"
)

type Device struct {
	Category DeviceCategory
	Brand    string
	Model    string
}

// RepairRequest is a device-repair job. It is mutated only through the
// lifecycle service and never deleted.
type RepairRequest struct {
	ID           string
	CentroID     string
	CornerID     string // Empty for direct jobs
	CustomerID   string
	RiparatoreID string // Optional collaborator doing the work
	Device       Device
	Variant      Variant
	Status       Status
	Estimate     Money

	// One entry per status ever entered. Never cleared.
	Timestamps map[Status]time.Time

	// Storage slot held while the device is physically at the Centro.
	Slot           *SlotRef
	SlotAssignedAt *time.Time

	// Request-level override of the tenant's commission rates.
	Rates *CommissionRates

	// Forfeiture notices already sent. Kept on the row so a restarted
	// scheduler does not send them again.
	ForfeitureWarnedAt   *time.Time
	ForfeitureNotifiedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnteredAt returns when the request entered status s, if ever.
func (r *RepairRequest) EnteredAt(s Status) (time.Time, bool) {
	t, ok := r.Timestamps[s]
	return t, ok
}

// Stamp records entry into s. Timestamps are monotonically non-decreasing:
// a stamp earlier than the latest one is moved forward to it.
func (r *RepairRequest) Stamp(s Status, at time.Time) {
	if r.Timestamps == nil {
		r.Timestamps = make(map[Status]time.Time)
	}
	for _, t := range r.Timestamps {
		if t.After(at) {
			at = t
		}
	}
	r.Timestamps[s] = at
	r.Status = s
	r.UpdatedAt = at
}

// Tenant is the Centro that owns the request.
func (r *RepairRequest) Tenant() TenantRef { return Centro(r.CentroID) }

// Clone returns a deep copy so callers can compute a candidate state without
// touching the stored one.
func (r RepairRequest) Clone() RepairRequest {
	c := r
	if r.Timestamps != nil {
		c.Timestamps = make(map[Status]time.Time, len(r.Timestamps))
		for k, v := range r.Timestamps {
			c.Timestamps[k] = v
		}
	}
	if r.Slot != nil {
		s := *r.Slot
		c.Slot = &s
	}
	if r.SlotAssignedAt != nil {
		t := *r.SlotAssignedAt
		c.SlotAssignedAt = &t
	}
	if r.Rates != nil {
		rt := *r.Rates
		c.Rates = &rt
	}
	c.ForfeitureWarnedAt = cloneTime(r.ForfeitureWarnedAt)
	c.ForfeitureNotifiedAt = cloneTime(r.ForfeitureNotifiedAt)
	return c
}

// =============================================================================
// QUOTE
// =============================================================================

type QuoteStatus string

const (
	QuotePending  QuoteStatus = "pending"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteRejected QuoteStatus = "rejected"
)

// Quote is the priced proposal attached to a repair request.
type Quote struct {
	ID        string
	RepairID  string
	TotalCost Money
	PartsCost Money
	Status    QuoteStatus
	SignedAt  *time.Time

	// Set when prepaid mode charged the Centro at acceptance.
	CommissionPrepaidAmount Money
	CommissionPrepaidAt     *time.Time

	CreatedAt time.Time
}

// GrossMargin is total cost minus parts cost. A negative margin is not
// rejected here; the calculator decides what to do with it.
func (q Quote) GrossMargin() Money { return q.TotalCost.Sub(q.PartsCost) }

// =============================================================================
// COMMISSION LEDGER ENTRY
// =============================================================================

type Beneficiary string

const (
	BeneficiaryPlatform   Beneficiary = "platform"
	BeneficiaryCorner     Beneficiary = "corner"
	BeneficiaryCentro     Beneficiary = "centro"
	BeneficiaryRiparatore Beneficiary = "riparatore"
)

// Beneficiaries in ledger column order.
var Beneficiaries = []Beneficiary{BeneficiaryPlatform, BeneficiaryCorner, BeneficiaryCentro, BeneficiaryRiparatore}

// Share is one beneficiary's slice of a settled margin. Paid is toggled
// out-of-band when the payout actually happens.
type Share struct {
	Rate   Rate
	Amount Money
	Paid   bool
	PaidAt *time.Time
}

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryPaid    EntryStatus = "paid"
)

// CommissionLedgerEntry is written once per settled repair. Only paid flags
// change afterwards.
type CommissionLedgerEntry struct {
	ID           string
	RepairID     string
	CentroID     string
	CornerID     string
	RiparatoreID string

	GrossRevenue Money
	PartsCost    Money
	GrossMargin  Money

	Platform   Share
	Corner     Share
	Centro     Share
	Riparatore Share

	// Amount already charged in prepaid mode for the same request, kept for
	// reconciliation. It is not subtracted from the shares above.
	PrepaidAmount Money

	Status    EntryStatus
	CreatedAt time.Time
}

// Share returns a pointer to the named share.
func (e *CommissionLedgerEntry) Share(b Beneficiary) *Share {
	switch b {
	case BeneficiaryPlatform:
		return &e.Platform
	case BeneficiaryCorner:
		return &e.Corner
	case BeneficiaryCentro:
		return &e.Centro
	case BeneficiaryRiparatore:
		return &e.Riparatore
	}
	return nil
}

// Total is the sum of the four amounts.
func (e *CommissionLedgerEntry) Total() Money {
	return e.Platform.Amount.Add(e.Corner.Amount).Add(e.Centro.Amount).Add(e.Riparatore.Amount)
}

// RefreshStatus marks the entry paid once every non-zero share is paid.
func (e *CommissionLedgerEntry) RefreshStatus() {
	for _, b := range Beneficiaries {
		s := e.Share(b)
		if !s.Amount.IsZero() && !s.Paid {
			e.Status = EntryPending
			return
		}
	}
	e.Status = EntryPaid
}

// =============================================================================
// LOYALTY CARD
// =============================================================================

type CardStatus string

const (
	CardPendingPayment CardStatus = "pending_payment"
	CardActive         CardStatus = "active"
	CardExpired        CardStatus = "expired"
)

type PaymentMethod string

const (
	PaymentBonifico PaymentMethod = "bonifico" // Bank transfer, confirmed by the Centro
	PaymentStripe   PaymentMethod = "stripe"   // Confirmed later by the payment webhook collaborator
)

// LoyaltyCard is per (customer, Centro). At most one is active per pair.
type LoyaltyCard struct {
	ID               string
	CustomerID       string
	CentroID         string
	CornerID         string
	CardNumber       string
	Status           CardStatus
	PaymentMethod    PaymentMethod
	PaymentReference string
	ActivatedAt      *time.Time
	ExpiresAt        *time.Time
	DevicesUsed      int
	MaxDevices       int
	AmountPaid       Money

	// Commission shares computed at activation.
	Split CommissionSplit

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExpiredAt reports whether an active card is past its expiry at now.
func (c *LoyaltyCard) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

type UsageKind string

const (
	UsageDiagnosticFee  UsageKind = "diagnostic_fee"
	UsageRepairDiscount UsageKind = "repair_discount"
)

// LoyaltyUsage records one discount granted against a card.
type LoyaltyUsage struct {
	ID               string
	CardID           string
	RepairID         string
	Kind             UsageKind
	OriginalAmount   Money
	DiscountedAmount Money
	Savings          Money
	CreatedAt        time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
