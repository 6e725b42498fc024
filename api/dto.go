/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract: statuses are rendered
  in the variant's own spelling, money is a fixed two-decimal string, and
  tenants are flattened into kind/id pairs.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are accepted as JSON numbers or strings ("12.5", 12.5) and always
  returned as strings with two decimals ("12.50").

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/tenant.go: SettingsJSON, the tenant settings document
*/
package api

import (
	"time"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/loyalty"
	"github.com/warp/repair-engine/repair"
)

// =============================================================================
// REPAIRS
// =============================================================================

type DeviceDTO struct {
	Category string `json:"category"`
	Brand    string `json:"brand,omitempty"`
	Model    string `json:"model,omitempty"`
}

type RatesDTO struct {
	Platform           float64 `json:"platform_rate"`
	Corner             float64 `json:"corner_rate"`
	Centro             float64 `json:"centro_rate"`
	Riparatore         float64 `json:"riparatore_rate"`
	RiparatoreOfCentro float64 `json:"riparatore_of_centro_rate,omitempty"`
}

// IntakeRequest creates a repair. A non-empty corner_id makes it a referred job.
type IntakeRequest struct {
	CentroID     string       `json:"centro_id"`
	CornerID     string       `json:"corner_id"`
	CustomerID   string       `json:"customer_id"`
	RiparatoreID string       `json:"riparatore_id"`
	Device       DeviceDTO    `json:"device"`
	Estimate     engine.Money `json:"estimate"`
	Rates        *RatesDTO    `json:"rates,omitempty"`
}

type SlotDTO struct {
	Shelf  string `json:"shelf,omitempty"`
	Number int    `json:"number"`
	Label  string `json:"label"`
}

type RepairDTO struct {
	ID             string     `json:"id"`
	CentroID       string     `json:"centro_id"`
	CornerID       string     `json:"corner_id,omitempty"`
	CustomerID     string     `json:"customer_id,omitempty"`
	RiparatoreID   string     `json:"riparatore_id,omitempty"`
	Device         DeviceDTO  `json:"device"`
	Variant        string     `json:"variant"`
	Status         string     `json:"status"`
	NextStatuses   []string   `json:"next_statuses"`
	Estimate       string     `json:"estimate"`
	Slot           *SlotDTO   `json:"slot,omitempty"`
	SlotAssignedAt *time.Time `json:"slot_assigned_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AdvanceRequest moves a repair. Status may use either variant's spelling.
type AdvanceRequest struct {
	Status    string `json:"status"`
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role"`
}

type TransitionDTO struct {
	Repair       RepairDTO       `json:"repair"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Slot         *SlotDTO        `json:"slot,omitempty"`
	ReleasedSlot *SlotDTO        `json:"released_slot,omitempty"`
	SlotWarning  string          `json:"slot_warning,omitempty"`
	Quote        *QuoteDTO       `json:"quote,omitempty"`
	Prepaid      *TransactionDTO `json:"prepaid,omitempty"`
	Settlement   *CommissionDTO  `json:"settlement,omitempty"`
}

type TimelineEntryDTO struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

type ForfeitureDTO struct {
	RepairID      string     `json:"repair_id"`
	Applicable    bool       `json:"applicable"`
	Eligible      bool       `json:"eligible"`
	Warning       bool       `json:"warning"`
	DaysRemaining int        `json:"days_remaining"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
}

// =============================================================================
// QUOTES
// =============================================================================

type QuoteRequest struct {
	TotalCost engine.Money `json:"total_cost"`
	PartsCost engine.Money `json:"parts_cost"`
}

type QuoteDTO struct {
	ID                      string     `json:"id"`
	RepairID                string     `json:"repair_id"`
	TotalCost               string     `json:"total_cost"`
	PartsCost               string     `json:"parts_cost"`
	GrossMargin             string     `json:"gross_margin"`
	Status                  string     `json:"status"`
	SignedAt                *time.Time `json:"signed_at,omitempty"`
	CommissionPrepaidAmount string     `json:"commission_prepaid_amount"`
	CommissionPrepaidAt     *time.Time `json:"commission_prepaid_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
}

// =============================================================================
// SLOTS
// =============================================================================

// AssignSlotRequest picks a specific slot. An empty body takes the first free one.
type AssignSlotRequest struct {
	Shelf  string `json:"shelf"`
	Number int    `json:"number"`
}

type SlotStateDTO struct {
	Slot     SlotDTO `json:"slot"`
	RepairID string  `json:"repair_id,omitempty"`
}

type OccupancyDTO struct {
	CentroID  string         `json:"centro_id"`
	Total     int            `json:"total"`
	Occupied  int            `json:"occupied"`
	Available int            `json:"available"`
	Slots     []SlotStateDTO `json:"slots"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type OpenAccountRequest struct {
	Kind             string        `json:"kind"`
	ID               string        `json:"id"`
	DisplayName      string        `json:"display_name"`
	WarningThreshold *engine.Money `json:"warning_threshold,omitempty"`
}

type AccountDTO struct {
	TenantKind       string     `json:"tenant_kind"`
	TenantID         string     `json:"tenant_id"`
	DisplayName      string     `json:"display_name,omitempty"`
	CreditBalance    string     `json:"credit_balance"`
	WarningThreshold string     `json:"warning_threshold"`
	PaymentStatus    string     `json:"payment_status"`
	LastCreditUpdate *time.Time `json:"last_credit_update,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TopupRequest records a provider-confirmed recharge.
type TopupRequest struct {
	Amount      engine.Money `json:"amount"`
	Reference   string       `json:"reference"`
	Description string       `json:"description"`
}

// AdjustmentRequest is a manual correction. A negative amount debits.
type AdjustmentRequest struct {
	Amount      engine.Money `json:"amount"`
	Description string       `json:"description"`
}

type TransactionDTO struct {
	ID           string    `json:"id"`
	TenantKind   string    `json:"tenant_kind"`
	TenantID     string    `json:"tenant_id"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	Type         string    `json:"type"`
	Description  string    `json:"description,omitempty"`
	ReferenceID  string    `json:"reference_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// =============================================================================
// COMMISSIONS
// =============================================================================

type ShareDTO struct {
	Rate   string     `json:"rate"`
	Amount string     `json:"amount"`
	Paid   bool       `json:"paid"`
	PaidAt *time.Time `json:"paid_at,omitempty"`
}

type CommissionDTO struct {
	ID            string              `json:"id"`
	RepairID      string              `json:"repair_id"`
	CentroID      string              `json:"centro_id"`
	CornerID      string              `json:"corner_id,omitempty"`
	RiparatoreID  string              `json:"riparatore_id,omitempty"`
	GrossRevenue  string              `json:"gross_revenue"`
	PartsCost     string              `json:"parts_cost"`
	GrossMargin   string              `json:"gross_margin"`
	Shares        map[string]ShareDTO `json:"shares"`
	PrepaidAmount string              `json:"prepaid_amount"`
	Status        string              `json:"status"`
	CreatedAt     time.Time           `json:"created_at"`
}

type MarkPaidRequest struct {
	Beneficiary string `json:"beneficiary"`
}

// SplitPreviewRequest prices a margin without writing anything.
type SplitPreviewRequest struct {
	GrossRevenue engine.Money `json:"gross_revenue"`
	PartsCost    engine.Money `json:"parts_cost"`
	Rates        RatesDTO     `json:"rates"`
}

type SplitDTO struct {
	GrossRevenue string `json:"gross_revenue"`
	PartsCost    string `json:"parts_cost"`
	GrossMargin  string `json:"gross_margin"`
	Platform     string `json:"platform"`
	Corner       string `json:"corner"`
	Centro       string `json:"centro"`
	Riparatore   string `json:"riparatore"`
	Prepaid      string `json:"prepaid"`
}

// =============================================================================
// LOYALTY
// =============================================================================

type ActivateCardRequest struct {
	CustomerID       string `json:"customer_id"`
	CentroID         string `json:"centro_id"`
	CornerID         string `json:"corner_id"`
	PaymentMethod    string `json:"payment_method"`
	PaymentReference string `json:"payment_reference"`
}

type ConfirmPaymentRequest struct {
	Reference string `json:"reference"`
}

type LoyaltyCardDTO struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	CentroID         string     `json:"centro_id"`
	CornerID         string     `json:"corner_id,omitempty"`
	CardNumber       string     `json:"card_number"`
	Status           string     `json:"status"`
	PaymentMethod    string     `json:"payment_method"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	DevicesUsed      int        `json:"devices_used"`
	MaxDevices       int        `json:"max_devices"`
	AmountPaid       string     `json:"amount_paid"`
	PlatformShare    string     `json:"platform_commission"`
	CornerShare      string     `json:"corner_commission"`
	CentroShare      string     `json:"centro_revenue"`
}

type BenefitsDTO struct {
	HasCard               bool            `json:"has_card"`
	Card                  *LoyaltyCardDTO `json:"card,omitempty"`
	StandardDiagnosticFee string          `json:"standard_diagnostic_fee"`
	DiagnosticFee         string          `json:"diagnostic_fee"`
	RepairDiscountPercent string          `json:"repair_discount_percent"`
	DevicesRemaining      int             `json:"devices_remaining"`
}

type UsageRequest struct {
	RepairID       string       `json:"repair_id"`
	Kind           string       `json:"kind"`
	OriginalAmount engine.Money `json:"original_amount"`
}

type UsageDTO struct {
	ID               string    `json:"id"`
	CardID           string    `json:"card_id"`
	RepairID         string    `json:"repair_id,omitempty"`
	Kind             string    `json:"kind"`
	OriginalAmount   string    `json:"original_amount"`
	DiscountedAmount string    `json:"discounted_amount"`
	Savings          string    `json:"savings"`
	CreatedAt        time.Time `json:"created_at"`
}

// =============================================================================
// TENANTS AND SCENARIOS
// =============================================================================

// TenantConfigDTO is the effective configuration after defaults are applied.
type TenantConfigDTO struct {
	CentroID            string   `json:"centro_id"`
	Rates               RatesDTO `json:"rates"`
	WarningThreshold    string   `json:"credit_warning_threshold"`
	RequireSlot         bool     `json:"require_slot"`
	SlotsEnabled        bool     `json:"slots_enabled"`
	TotalSlots          int      `json:"total_slots"`
	ForfeitureGraceDays int      `json:"forfeiture_grace_days"`
	LoyaltyAnnualPrice  string   `json:"loyalty_annual_price"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type ScanResultDTO struct {
	Eligible []ForfeitureDTO `json:"eligible"`
	Notified int             `json:"notified"`
}

// ErrorResponse is returned for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRepairDTO(r engine.RepairRequest) RepairDTO {
	dto := RepairDTO{
		ID:             r.ID,
		CentroID:       r.CentroID,
		CornerID:       r.CornerID,
		CustomerID:     r.CustomerID,
		RiparatoreID:   r.RiparatoreID,
		Device:         DeviceDTO{Category: string(r.Device.Category), Brand: r.Device.Brand, Model: r.Device.Model},
		Variant:        string(r.Variant),
		Status:         repair.External(r.Variant, r.Status),
		NextStatuses:   []string{},
		Estimate:       r.Estimate.String(),
		Slot:           toSlotDTO(r.Slot),
		SlotAssignedAt: r.SlotAssignedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	for _, s := range (repair.Machine{}).Next(r.Variant, r.Status) {
		dto.NextStatuses = append(dto.NextStatuses, repair.External(r.Variant, s))
	}
	return dto
}

func toSlotDTO(s *engine.SlotRef) *SlotDTO {
	if s == nil {
		return nil
	}
	return &SlotDTO{Shelf: s.Shelf, Number: s.Number, Label: s.String()}
}

func (d *RatesDTO) toRates() engine.CommissionRates {
	return engine.CommissionRates{
		Platform:           engine.Percent(d.Platform),
		Corner:             engine.Percent(d.Corner),
		Centro:             engine.Percent(d.Centro),
		Riparatore:         engine.Percent(d.Riparatore),
		RiparatoreOfCentro: engine.Percent(d.RiparatoreOfCentro),
	}
}

func toRatesDTO(r engine.CommissionRates) RatesDTO {
	return RatesDTO{
		Platform:           r.Platform.Float64(),
		Corner:             r.Corner.Float64(),
		Centro:             r.Centro.Float64(),
		Riparatore:         r.Riparatore.Float64(),
		RiparatoreOfCentro: r.RiparatoreOfCentro.Float64(),
	}
}

func toQuoteDTO(q engine.Quote) QuoteDTO {
	return QuoteDTO{
		ID:                      q.ID,
		RepairID:                q.RepairID,
		TotalCost:               q.TotalCost.String(),
		PartsCost:               q.PartsCost.String(),
		GrossMargin:             q.GrossMargin().String(),
		Status:                  string(q.Status),
		SignedAt:                q.SignedAt,
		CommissionPrepaidAmount: q.CommissionPrepaidAmount.String(),
		CommissionPrepaidAt:     q.CommissionPrepaidAt,
		CreatedAt:               q.CreatedAt,
	}
}

func toTransitionDTO(t repair.Transition) TransitionDTO {
	dto := TransitionDTO{
		Repair:       toRepairDTO(t.Request),
		From:         repair.External(t.Request.Variant, t.From),
		To:           repair.External(t.Request.Variant, t.To),
		Slot:         toSlotDTO(t.Slot),
		ReleasedSlot: toSlotDTO(t.Released),
	}
	if t.SlotErr != nil {
		dto.SlotWarning = t.SlotErr.Error()
	}
	if t.Quote != nil {
		q := toQuoteDTO(*t.Quote)
		dto.Quote = &q
	}
	if t.Prepaid != nil {
		tx := toTransactionDTO(*t.Prepaid)
		dto.Prepaid = &tx
	}
	if t.Settlement != nil {
		c := toCommissionDTO(*t.Settlement)
		dto.Settlement = &c
	}
	return dto
}

func toForfeitureDTO(id string, st repair.ForfeitureStatus) ForfeitureDTO {
	dto := ForfeitureDTO{
		RepairID:      id,
		Applicable:    st.Applicable,
		Eligible:      st.Eligible,
		Warning:       st.Warning,
		DaysRemaining: st.DaysRemaining,
	}
	if st.Applicable {
		completed, deadline := st.CompletedAt, st.Deadline
		dto.CompletedAt, dto.Deadline = &completed, &deadline
	}
	return dto
}

func toOccupancyDTO(centroID string, o engine.Occupancy) OccupancyDTO {
	dto := OccupancyDTO{
		CentroID:  centroID,
		Total:     o.Total,
		Occupied:  o.Occupied,
		Available: o.Available,
		Slots:     make([]SlotStateDTO, 0, len(o.Slots)),
	}
	for _, s := range o.Slots {
		dto.Slots = append(dto.Slots, SlotStateDTO{Slot: *toSlotDTO(&s.Slot), RepairID: s.RequestID})
	}
	return dto
}

func toAccountDTO(a engine.Account) AccountDTO {
	return AccountDTO{
		TenantKind:       string(a.Tenant.Kind),
		TenantID:         a.Tenant.ID,
		DisplayName:      a.DisplayName,
		CreditBalance:    a.CreditBalance.String(),
		WarningThreshold: a.WarningThreshold.String(),
		PaymentStatus:    string(a.PaymentStatus),
		LastCreditUpdate: a.LastCreditUpdate,
		CreatedAt:        a.CreatedAt,
	}
}

func toTransactionDTO(tx engine.CreditTransaction) TransactionDTO {
	return TransactionDTO{
		ID:           tx.ID,
		TenantKind:   string(tx.Tenant.Kind),
		TenantID:     tx.Tenant.ID,
		Amount:       tx.Amount.String(),
		BalanceAfter: tx.BalanceAfter.String(),
		Type:         string(tx.Type),
		Description:  tx.Description,
		ReferenceID:  tx.ReferenceID,
		CreatedAt:    tx.CreatedAt,
	}
}

func toCommissionDTO(e engine.CommissionLedgerEntry) CommissionDTO {
	dto := CommissionDTO{
		ID:            e.ID,
		RepairID:      e.RepairID,
		CentroID:      e.CentroID,
		CornerID:      e.CornerID,
		RiparatoreID:  e.RiparatoreID,
		GrossRevenue:  e.GrossRevenue.String(),
		PartsCost:     e.PartsCost.String(),
		GrossMargin:   e.GrossMargin.String(),
		Shares:        make(map[string]ShareDTO, len(engine.Beneficiaries)),
		PrepaidAmount: e.PrepaidAmount.String(),
		Status:        string(e.Status),
		CreatedAt:     e.CreatedAt,
	}
	for _, b := range engine.Beneficiaries {
		s := e.Share(b)
		dto.Shares[string(b)] = ShareDTO{Rate: s.Rate.String(), Amount: s.Amount.String(), Paid: s.Paid, PaidAt: s.PaidAt}
	}
	return dto
}

func toSplitDTO(s engine.CommissionSplit) SplitDTO {
	return SplitDTO{
		GrossRevenue: s.GrossRevenue.String(),
		PartsCost:    s.PartsCost.String(),
		GrossMargin:  s.GrossMargin.String(),
		Platform:     s.Platform.String(),
		Corner:       s.Corner.String(),
		Centro:       s.Centro.String(),
		Riparatore:   s.Riparatore.String(),
		Prepaid:      s.PrepaidAmount().String(),
	}
}

func toLoyaltyCardDTO(c engine.LoyaltyCard) LoyaltyCardDTO {
	return LoyaltyCardDTO{
		ID:               c.ID,
		CustomerID:       c.CustomerID,
		CentroID:         c.CentroID,
		CornerID:         c.CornerID,
		CardNumber:       c.CardNumber,
		Status:           string(c.Status),
		PaymentMethod:    string(c.PaymentMethod),
		PaymentReference: c.PaymentReference,
		ActivatedAt:      c.ActivatedAt,
		ExpiresAt:        c.ExpiresAt,
		DevicesUsed:      c.DevicesUsed,
		MaxDevices:       c.MaxDevices,
		AmountPaid:       c.AmountPaid.String(),
		PlatformShare:    c.Split.Platform.String(),
		CornerShare:      c.Split.Corner.String(),
		CentroShare:      c.Split.Centro.String(),
	}
}

func toBenefitsDTO(b loyalty.Benefits) BenefitsDTO {
	dto := BenefitsDTO{
		HasCard:               b.HasCard,
		StandardDiagnosticFee: b.StandardDiagnosticFee.String(),
		DiagnosticFee:         b.DiagnosticFee.String(),
		RepairDiscountPercent: b.RepairDiscountPercent.String(),
		DevicesRemaining:      b.DevicesRemaining,
	}
	if b.Card != nil {
		c := toLoyaltyCardDTO(*b.Card)
		dto.Card = &c
	}
	return dto
}

func toUsageDTO(u engine.LoyaltyUsage) UsageDTO {
	return UsageDTO{
		ID:               u.ID,
		CardID:           u.CardID,
		RepairID:         u.RepairID,
		Kind:             string(u.Kind),
		OriginalAmount:   u.OriginalAmount.String(),
		DiscountedAmount: u.DiscountedAmount.String(),
		Savings:          u.Savings.String(),
		CreatedAt:        u.CreatedAt,
	}
}

func toTenantConfigDTO(c engine.TenantConfig) TenantConfigDTO {
	return TenantConfigDTO{
		CentroID:            c.CentroID,
		Rates:               toRatesDTO(c.Rates),
		WarningThreshold:    c.WarningThreshold.String(),
		RequireSlot:         c.RequireSlot,
		SlotsEnabled:        c.Slots.Enabled,
		TotalSlots:          c.Slots.Total(),
		ForfeitureGraceDays: c.ForfeitureGraceDays,
		LoyaltyAnnualPrice:  c.Loyalty.AnnualPrice.String(),
	}
}
