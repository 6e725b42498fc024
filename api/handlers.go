/*
handlers.go - HTTP API handlers for the repair settlement engine

PURPOSE:
  Exposes the repair lifecycle, credit ledger, commission ledger and loyalty
  program via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the repair and loyalty services.

ENDPOINTS:
  Repairs:
    GET    /api/repairs                       List (centro_id, corner_id, status)
    POST   /api/repairs                       Intake
    GET    /api/repairs/{id}                  Get with allowed next statuses
    POST   /api/repairs/{id}/advance          Move to a new status
    GET    /api/repairs/{id}/timeline         Per-status timestamps
    GET    /api/repairs/{id}/forfeiture       Abandonment countdown
    GET    /api/repairs/{id}/quote            Attached quote
    PUT    /api/repairs/{id}/quote            Attach or replace the quote
    POST   /api/repairs/{id}/quote/reject     Reject the pending quote
    POST   /api/repairs/{id}/slot             Assign a slot (explicit or first free)
    DELETE /api/repairs/{id}/slot             Release the slot

  Accounts:
    POST   /api/accounts                              Open a prepaid account
    GET    /api/accounts/{kind}/{id}                  Balance and payment status
    GET    /api/accounts/{kind}/{id}/transactions     Credit ledger
    POST   /api/accounts/{kind}/{id}/topups           Confirmed recharge
    POST   /api/accounts/{kind}/{id}/adjustments      Manual correction

  Commissions:
    GET    /api/commissions                   List (centro_id, corner_id, status)
    GET    /api/commissions/owed              Unpaid totals per beneficiary
    POST   /api/commissions/preview           Price a margin, no writes
    GET    /api/commissions/{id}              Get entry
    POST   /api/commissions/{id}/paid         Flag one share paid

  Loyalty:
    POST   /api/loyalty/cards                 Sell a card
    GET    /api/loyalty/cards/{id}            Get card
    POST   /api/loyalty/cards/{id}/confirm    Payment confirmed by the provider
    GET    /api/loyalty/cards/{id}/usages     Granted discounts
    POST   /api/loyalty/cards/{id}/usages     Grant a discount
    GET    /api/loyalty/customers/{customer}/centri/{centro}/active
    GET    /api/loyalty/customers/{customer}/centri/{centro}/benefits

  Centri:
    GET    /api/centri/{id}/settings          Stored settings document
    PUT    /api/centri/{id}/settings          Validate and store settings
    GET    /api/centri/{id}/config            Effective configuration
    GET    /api/centri/{id}/slots             Slot occupancy
    GET    /api/centri/{id}/forfeiture        Eligible repairs

ERROR HANDLING:
  Every handler reports failures through writeServiceError, which maps the
  engine's error taxonomy to one HTTP status:
  - 400: Invalid input (unknown status, bad amount, bad beneficiary)
  - 404: Resource not found
  - 409: Conflict (illegal transition, slots exhausted, duplicate card,
         quote already accepted, card exhausted or not active)
  - 422: Missing context (no account, no quote), commission rounding fault
  - 503: Retryable (persistence failure, lock timeout)
  - 500: Anything else

SECURITY NOTE:
  No authentication or authorization. Callers are trusted to have checked
  who may issue which command.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - scheduler.go: Forfeiture scan
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/factory"
	"github.com/warp/repair-engine/loyalty"
	"github.com/warp/repair-engine/repair"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    engine.TxStore
	Repairs  *repair.LifecycleService
	Loyalty  *loyalty.Service
	Credit   *engine.CreditManager
	Settings *factory.SettingsProvider
	Logger   *zap.Logger

	// Scheduler backs the manual scan endpoint. Optional.
	Scheduler *ForfeitureScheduler

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the given services.
func NewHandler(
	store engine.TxStore,
	repairs *repair.LifecycleService,
	loyaltySvc *loyalty.Service,
	credit *engine.CreditManager,
	settings *factory.SettingsProvider,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Store:    store,
		Repairs:  repairs,
		Loyalty:  loyaltySvc,
		Credit:   credit,
		Settings: settings,
		Logger:   logger,
	}
}

// =============================================================================
// REPAIR HANDLERS
// =============================================================================

// ListRepairs returns repairs matching the query filters.
func (h *Handler) ListRepairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := engine.RepairFilter{
		CentroID: q.Get("centro_id"),
		CornerID: q.Get("corner_id"),
	}
	for _, s := range q["status"] {
		st, err := repair.Normalize(s)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	reqs, err := h.Repairs.List(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]RepairDTO, len(reqs))
	for i, req := range reqs {
		dtos[i] = toRepairDTO(req)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRepair takes a device in.
func (h *Handler) CreateRepair(w http.ResponseWriter, r *http.Request) {
	var body IntakeRequest
	if !decodeBody(w, r, &body) {
		return
	}

	in := repair.IntakeRequest{
		CentroID:     body.CentroID,
		CornerID:     body.CornerID,
		CustomerID:   body.CustomerID,
		RiparatoreID: body.RiparatoreID,
		Device: engine.Device{
			Category: engine.DeviceCategory(strings.ToLower(body.Device.Category)),
			Brand:    body.Device.Brand,
			Model:    body.Device.Model,
		},
		Estimate: body.Estimate,
	}
	if body.Rates != nil {
		rates := body.Rates.toRates()
		in.Rates = &rates
	}

	req, err := h.Repairs.Intake(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepairDTO(req))
}

// GetRepair returns a single repair.
func (h *Handler) GetRepair(w http.ResponseWriter, r *http.Request) {
	req, err := h.Repairs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairDTO(req))
}

// AdvanceRepair moves a repair to the requested status.
func (h *Handler) AdvanceRepair(w http.ResponseWriter, r *http.Request) {
	var body AdvanceRequest
	if !decodeBody(w, r, &body) {
		return
	}
	target, err := repair.Normalize(body.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	actor := repair.Actor{ID: body.ActorID, Role: engine.Role(body.ActorRole)}
	t, err := h.Repairs.Advance(r.Context(), chi.URLParam(r, "id"), target, actor)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionDTO(t))
}

// GetTimeline returns every status the repair entered.
func (h *Handler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	req, err := h.Repairs.Get(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	entries, err := h.Repairs.Timeline(ctx, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]TimelineEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = TimelineEntryDTO{Status: repair.External(req.Variant, e.Status), At: e.At}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetForfeiture returns the abandonment countdown of one repair.
func (h *Handler) GetForfeiture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.Repairs.Forfeiture(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toForfeitureDTO(id, st))
}

// =============================================================================
// QUOTE HANDLERS
// =============================================================================

// GetQuote returns the quote attached to a repair.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.Repairs.Quote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// PutQuote attaches or replaces the pending quote.
func (h *Handler) PutQuote(w http.ResponseWriter, r *http.Request) {
	var body QuoteRequest
	if !decodeBody(w, r, &body) {
		return
	}
	q, err := h.Repairs.AttachQuote(r.Context(), chi.URLParam(r, "id"), repair.QuoteInput{
		TotalCost: body.TotalCost,
		PartsCost: body.PartsCost,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// RejectQuote marks the pending quote rejected.
func (h *Handler) RejectQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.Repairs.RejectQuote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// =============================================================================
// SLOT HANDLERS
// =============================================================================

// AssignSlot gives a repair a slot. An empty body or number 0 takes the
// first free slot.
func (h *Handler) AssignSlot(w http.ResponseWriter, r *http.Request) {
	var body AssignSlotRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	var explicit *engine.SlotRef
	if body.Number > 0 {
		explicit = &engine.SlotRef{Shelf: body.Shelf, Number: body.Number}
	}

	ref, err := h.Repairs.AssignSlot(r.Context(), chi.URLParam(r, "id"), explicit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTO(&ref))
}

// ReleaseSlot frees a repair's slot.
func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	if err := h.Repairs.ReleaseSlot(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetOccupancy returns the slot usage of a Centro.
func (h *Handler) GetOccupancy(w http.ResponseWriter, r *http.Request) {
	centroID := chi.URLParam(r, "id")
	o, err := h.Repairs.Occupancy(r.Context(), centroID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupancyDTO(centroID, o))
}

// ListForfeitable returns the Centro's repairs that may be declared abandoned.
func (h *Handler) ListForfeitable(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.Repairs.ForfeitureCandidates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]ForfeitureDTO, len(candidates))
	for i, c := range candidates {
		dtos[i] = toForfeitureDTO(c.Request.ID, c.Status)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// OpenAccount creates a zero-balance prepaid account.
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var body OpenAccountRequest
	if !decodeBody(w, r, &body) {
		return
	}
	tenant, ok := parseTenant(w, body.Kind, body.ID)
	if !ok {
		return
	}
	var threshold engine.Money
	if body.WarningThreshold != nil {
		threshold = body.WarningThreshold.RoundMinor()
	}

	acct, err := h.Credit.OpenAccount(r.Context(), tenant, body.DisplayName, threshold)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(acct))
}

// GetAccount returns balance and payment status.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	acct, err := h.Credit.Balance(r.Context(), tenant)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetTransactions returns the tenant's credit ledger, oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	txs, err := h.Credit.History(r.Context(), tenant)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTopup credits a provider-confirmed recharge.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body TopupRequest
	if !decodeBody(w, r, &body) {
		return
	}
	desc := body.Description
	if desc == "" {
		desc = "Credit top-up"
	}

	tx, err := h.Credit.Credit(r.Context(), engine.Posting{
		Tenant:      tenant,
		Amount:      body.Amount.RoundMinor(),
		Type:        engine.TxTopup,
		Description: desc,
		ReferenceID: body.Reference,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// CreateAdjustment applies a manual correction in either direction.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var body AdjustmentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required", nil)
		return
	}

	p := engine.Posting{
		Tenant:      tenant,
		Amount:      body.Amount.Abs().RoundMinor(),
		Type:        engine.TxAdjustment,
		Description: body.Description,
	}
	var (
		tx  engine.CreditTransaction
		err error
	)
	if body.Amount.IsNegative() {
		tx, err = h.Credit.Debit(r.Context(), p)
	} else {
		tx, err = h.Credit.Credit(r.Context(), p)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

func commissionFilter(r *http.Request) engine.CommissionFilter {
	q := r.URL.Query()
	return engine.CommissionFilter{
		CentroID:     q.Get("centro_id"),
		CornerID:     q.Get("corner_id"),
		RiparatoreID: q.Get("riparatore_id"),
		Status:       engine.EntryStatus(q.Get("status")),
	}
}

// ListCommissions returns settlement entries matching the query filters.
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Repairs.Commissions(r.Context(), commissionFilter(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]CommissionDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toCommissionDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOwed sums unpaid shares per beneficiary.
func (h *Handler) GetOwed(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Repairs.Commissions(r.Context(), commissionFilter(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	owed := make(map[string]string, len(engine.Beneficiaries))
	for b, amt := range repair.Owed(entries) {
		owed[string(b)] = amt.String()
	}
	writeJSON(w, http.StatusOK, owed)
}

// PreviewSplit runs the commission calculator without writing anything.
func (h *Handler) PreviewSplit(w http.ResponseWriter, r *http.Request) {
	var body SplitPreviewRequest
	if !decodeBody(w, r, &body) {
		return
	}
	rates := body.Rates.toRates()
	if rates.Centro.IsZero() {
		rates = rates.WithResidualCentro()
	}
	split, err := engine.Split(body.GrossRevenue, body.PartsCost, rates)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSplitDTO(split))
}

// GetCommission returns one entry.
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	e, err := h.Repairs.Commission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(e))
}

// MarkCommissionPaid flags one beneficiary's share paid.
func (h *Handler) MarkCommissionPaid(w http.ResponseWriter, r *http.Request) {
	var body MarkPaidRequest
	if !decodeBody(w, r, &body) {
		return
	}
	e, err := h.Repairs.MarkPaid(r.Context(), chi.URLParam(r, "id"), engine.Beneficiary(strings.ToLower(body.Beneficiary)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(e))
}

// =============================================================================
// LOYALTY HANDLERS
// =============================================================================

// ActivateCard sells a loyalty card.
func (h *Handler) ActivateCard(w http.ResponseWriter, r *http.Request) {
	var body ActivateCardRequest
	if !decodeBody(w, r, &body) {
		return
	}
	card, err := h.Loyalty.Activate(r.Context(), loyalty.ActivateRequest{
		CustomerID:       body.CustomerID,
		CentroID:         body.CentroID,
		CornerID:         body.CornerID,
		Method:           engine.PaymentMethod(strings.ToLower(body.PaymentMethod)),
		PaymentReference: body.PaymentReference,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoyaltyCardDTO(card))
}

// GetCard returns one card, expired first if its validity ran out.
func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.Loyalty.Card(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoyaltyCardDTO(card))
}

// ConfirmCardPayment activates a card awaiting provider confirmation.
func (h *Handler) ConfirmCardPayment(w http.ResponseWriter, r *http.Request) {
	var body ConfirmPaymentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	card, err := h.Loyalty.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), body.Reference)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoyaltyCardDTO(card))
}

// GetActiveCard returns the customer's active card at a Centro.
func (h *Handler) GetActiveCard(w http.ResponseWriter, r *http.Request) {
	card, ok, err := h.Loyalty.ActiveCard(r.Context(), chi.URLParam(r, "customer"), chi.URLParam(r, "centro"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No active loyalty card", nil)
		return
	}
	writeJSON(w, http.StatusOK, toLoyaltyCardDTO(card))
}

// GetBenefits prices the diagnostic fee and repair discount for a customer.
func (h *Handler) GetBenefits(w http.ResponseWriter, r *http.Request) {
	b, err := h.Loyalty.Benefits(r.Context(), chi.URLParam(r, "customer"), chi.URLParam(r, "centro"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitsDTO(b))
}

// ListUsages returns the discounts granted against a card.
func (h *Handler) ListUsages(w http.ResponseWriter, r *http.Request) {
	usages, err := h.Loyalty.Usages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]UsageDTO, len(usages))
	for i, u := range usages {
		dtos[i] = toUsageDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecordUsage grants a discount against a card.
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var body UsageRequest
	if !decodeBody(w, r, &body) {
		return
	}
	u, err := h.Loyalty.RecordUsage(r.Context(), loyalty.UsageInput{
		CardID:         chi.URLParam(r, "id"),
		RepairID:       body.RepairID,
		Kind:           engine.UsageKind(strings.ToLower(body.Kind)),
		OriginalAmount: body.OriginalAmount,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUsageDTO(u))
}

// =============================================================================
// CENTRO SETTINGS HANDLERS
// =============================================================================

// GetSettings returns the stored settings document as saved.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Store.GetTenantSettings(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// PutSettings validates and stores a settings document.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	centroID := chi.URLParam(r, "id")
	cfg, err := h.Settings.Validate(doc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings", err)
		return
	}
	if err := h.Store.SaveTenantSettings(r.Context(), centroID, doc); err != nil {
		h.writeServiceError(w, r, engine.Persist("save settings", err))
		return
	}
	cfg.CentroID = centroID
	h.Logger.Info("settings saved", zap.String("tenant", centroID))
	writeJSON(w, http.StatusOK, toTenantConfigDTO(cfg))
}

// GetConfig returns the effective configuration of a Centro.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Settings.TenantConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantConfigDTO(cfg))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerForfeitureScan runs one scan now, outside the schedule.
func (h *Handler) TriggerForfeitureScan(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Forfeiture scheduler not configured", nil)
		return
	}
	candidates, notified, err := h.Scheduler.Scan(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res := ScanResultDTO{Eligible: make([]ForfeitureDTO, len(candidates)), Notified: notified}
	for i, c := range candidates {
		res.Eligible[i] = toForfeitureDTO(c.Request.ID, c.Status)
	}
	writeJSON(w, http.StatusOK, res)
}

// resetter is implemented by stores that can be wiped for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the engine's error taxonomy to an HTTP status.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrIllegalTransition):
		return http.StatusConflict, "Illegal status transition"
	case errors.Is(err, engine.ErrSlotsExhausted):
		return http.StatusConflict, "Storage slots exhausted"
	case errors.Is(err, engine.ErrDuplicateActiveCard):
		return http.StatusConflict, "Active loyalty card already exists"
	case errors.Is(err, engine.ErrQuoteAlreadyAccepted):
		return http.StatusConflict, "Quote already accepted"
	case errors.Is(err, engine.ErrCardExhausted), errors.Is(err, engine.ErrCardNotActive):
		return http.StatusConflict, "Loyalty card cannot be used"
	case errors.Is(err, engine.ErrInsufficientContext):
		return http.StatusUnprocessableEntity, "Missing required record"
	case errors.Is(err, engine.ErrRoundingOverflow):
		return http.StatusUnprocessableEntity, "Commission integrity fault"
	case engine.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case engine.IsClientError(err):
		return http.StatusBadRequest, "Invalid request"
	case engine.IsRetryable(err):
		return http.StatusServiceUnavailable, "Temporarily unavailable, retry"
	}
	return http.StatusInternalServerError, "Internal error"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, msg, err)
}

// decodeBody writes a 400 and returns false when the body is not valid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseTenant(w http.ResponseWriter, kind, id string) (engine.TenantRef, bool) {
	if id == "" {
		writeError(w, http.StatusBadRequest, "Tenant id is required", nil)
		return engine.TenantRef{}, false
	}
	switch engine.TenantKind(strings.ToLower(kind)) {
	case engine.TenantCentro:
		return engine.Centro(id), true
	case engine.TenantCorner:
		return engine.Corner(id), true
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown tenant kind %q (use centro or corner)", kind), nil)
	return engine.TenantRef{}, false
}

func tenantParam(w http.ResponseWriter, r *http.Request) (engine.TenantRef, bool) {
	return parseTenant(w, chi.URLParam(r, "kind"), chi.URLParam(r, "id"))
}
