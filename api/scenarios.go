/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario configures one or more Centri, funds their
	prepaid accounts and walks repairs through the lifecycle using the same
	services the API uses, so every balance, slot and ledger row is real.

AVAILABLE SCENARIOS:

	referred-flow:  Corner -> Centro jobs at every stage, prepaid and settled
	low-credit:     A Centro slipping into warning, then suspension
	multi-shelf:    Direct jobs spread over two shelves with merged slots
	loyalty:        Active bonifico card with usages, pending stripe card
	forfeiture:     Devices left uncollected past the grace period

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save Centro settings documents
 3. Open and fund prepaid accounts
 4. Take repairs in and advance them
 5. Optionally backdate completed repairs

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "referred-flow"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/tenant.go: Settings JSON definitions
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
	"github.com/warp/repair-engine/loyalty"
	"github.com/warp/repair-engine/repair"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "referred-flow",
		Name:        "Referred Flow",
		Description: "Corner-referred repairs at every stage: prepaid at acceptance, settled at completion",
		Category:    "lifecycle",
	},
	{
		ID:          "low-credit",
		Name:        "Low Credit",
		Description: "Prepaid commissions pushing a Centro into warning and then suspension",
		Category:    "credit",
	},
	{
		ID:          "multi-shelf",
		Name:        "Multi-Shelf Storage",
		Description: "Direct repairs occupying slots on two shelves with merged positions",
		Category:    "storage",
	},
	{
		ID:          "loyalty",
		Name:        "Loyalty Cards",
		Description: "Bonifico card with recorded discounts and a stripe card awaiting payment",
		Category:    "loyalty",
	},
	{
		ID:          "forfeiture",
		Name:        "Forfeiture",
		Description: "Completed repairs never collected, one past the grace period and one inside the warning window",
		Category:    "lifecycle",
	},
}

const (
	demoCentro  = "centro-milano"
	demoCorner  = "corner-navigli"
	scenarioBot = "scenario-loader"
)

const demoSettings = `{
  "commission": {"platform_rate": 5, "corner_rate": 15},
  "credit_warning_threshold": 50,
  "storage_slots": {"enabled": true, "max_slots": 20, "prefix": "S"},
  "forfeiture_grace_days": 30
}`

const shelvesSettings = `{
  "commission": {"platform_rate": 5},
  "multi_shelf": {
    "enabled": true,
    "shelves": [
      {"id": "a", "name": "Phones", "prefix": "A", "rows": 2, "columns": 3,
       "slotCapacity": {"smartphone": 3, "tablet": 2, "notebook": 0, "pc": 0}},
      {"id": "b", "name": "Laptops", "prefix": "B", "rows": 1, "columns": 4,
       "mergedSlots": [{"startSlot": 1, "span": 2}],
       "slotCapacity": {"smartphone": 0, "tablet": 0, "notebook": 1, "pc": 1}}
    ]
  }
}`

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"referred-flow": h.loadReferredFlowScenario,
		"low-credit":    h.loadLowCreditScenario,
		"multi-shelf":   h.loadMultiShelfScenario,
		"loyalty":       h.loadLoyaltyScenario,
		"forfeiture":    h.loadForfeitureScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if _, ok := h.loaders()[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.ScenarioID), nil)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// LoadScenarioByID resets the database and loads one scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := h.loaders()[id]
	if !ok {
		return fmt.Errorf("unknown scenario %q", id)
	}
	if err := h.reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadReferredFlowScenario creates one repair per interesting stage of the
// referred lifecycle.
func (h *Handler) loadReferredFlowScenario(ctx context.Context) error {
	if err := h.saveSettings(ctx, demoCentro, demoSettings); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Centro(demoCentro), "Riparo Lab Milano", engine.Cents(20000)); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Corner(demoCorner), "Tabaccheria Navigli", engine.Money{}); err != nil {
		return err
	}

	// Just dropped off at the Corner
	if _, err := h.intakeReferred(ctx, "cust-giulia", engine.DeviceSmartphone, "Apple", "iPhone 13", 9000); err != nil {
		return err
	}

	// Quote accepted: platform + corner share prepaid
	accepted, err := h.intakeReferred(ctx, "cust-luca", engine.DeviceSmartphone, "Samsung", "Galaxy S22", 12000)
	if err != nil {
		return err
	}
	if err := h.walkToAcceptance(ctx, accepted.ID, 12000, 2000); err != nil {
		return err
	}

	// On the bench, holding a slot
	benched, err := h.intakeReferred(ctx, "cust-sara", engine.DeviceTablet, "Apple", "iPad Air", 18000)
	if err != nil {
		return err
	}
	if err := h.walkToAcceptance(ctx, benched.ID, 18000, 6000); err != nil {
		return err
	}
	if err := h.walk(ctx, benched.ID, engine.StatusAwaitingPickup, engine.StatusPickedUp,
		engine.StatusInDiagnosis, engine.StatusWaitingForParts); err != nil {
		return err
	}

	// Completed and settled, back at the Corner
	done, err := h.intakeReferred(ctx, "cust-marco", engine.DeviceNotebook, "Lenovo", "ThinkPad T14", 25000)
	if err != nil {
		return err
	}
	if err := h.walkToAcceptance(ctx, done.ID, 25000, 9000); err != nil {
		return err
	}
	return h.walk(ctx, done.ID, engine.StatusAwaitingPickup, engine.StatusPickedUp,
		engine.StatusInDiagnosis, engine.StatusInRepair, engine.StatusRepairCompleted,
		engine.StatusReadyForReturn, engine.StatusAtCorner)
}

// loadLowCreditScenario starts a Centro just above its warning threshold.
func (h *Handler) loadLowCreditScenario(ctx context.Context) error {
	const centro = "centro-torino"
	if err := h.saveSettings(ctx, centro, demoSettings); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Centro(centro), "Officina Torino", engine.Cents(5500)); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Corner(demoCorner), "Tabaccheria Navigli", engine.Money{}); err != nil {
		return err
	}

	// Each acceptance prepays 20% of a 100.00 margin: 55 -> 35 -> 15 -> -5
	for i, customer := range []string{"cust-anna", "cust-piero", "cust-elena"} {
		req, err := h.Repairs.Intake(ctx, repair.IntakeRequest{
			CentroID:   centro,
			CornerID:   demoCorner,
			CustomerID: customer,
			Device:     engine.Device{Category: engine.DeviceSmartphone, Brand: "Xiaomi", Model: fmt.Sprintf("Redmi Note %d", 10+i)},
			Estimate:   engine.Cents(12000),
		})
		if err != nil {
			return err
		}
		if err := h.walkToAcceptance(ctx, req.ID, 12000, 2000); err != nil {
			return err
		}
	}
	return nil
}

// loadMultiShelfScenario fills part of a two-shelf layout with direct jobs.
func (h *Handler) loadMultiShelfScenario(ctx context.Context) error {
	const centro = "centro-bologna"
	if err := h.saveSettings(ctx, centro, shelvesSettings); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Centro(centro), "Bologna Fix", engine.Cents(10000)); err != nil {
		return err
	}

	devices := []engine.Device{
		{Category: engine.DeviceSmartphone, Brand: "Google", Model: "Pixel 7"},
		{Category: engine.DeviceSmartphone, Brand: "Apple", Model: "iPhone 12"},
		{Category: engine.DeviceTablet, Brand: "Samsung", Model: "Tab S8"},
		{Category: engine.DeviceNotebook, Brand: "Dell", Model: "XPS 13"},
		{Category: engine.DevicePC, Brand: "HP", Model: "EliteDesk"},
	}
	for i, d := range devices {
		req, err := h.Repairs.Intake(ctx, repair.IntakeRequest{
			CentroID:   centro,
			CustomerID: fmt.Sprintf("cust-bo-%d", i+1),
			Device:     d,
			Estimate:   engine.Cents(8000),
		})
		if err != nil {
			return err
		}
		if err := h.walk(ctx, req.ID, engine.StatusInRepair); err != nil {
			return err
		}
	}
	return nil
}

// loadLoyaltyScenario sells two cards: one paid by bank transfer and
// already used, one waiting for the payment provider.
func (h *Handler) loadLoyaltyScenario(ctx context.Context) error {
	if err := h.saveSettings(ctx, demoCentro, demoSettings); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Centro(demoCentro), "Riparo Lab Milano", engine.Cents(10000)); err != nil {
		return err
	}

	card, err := h.Loyalty.Activate(ctx, loyalty.ActivateRequest{
		CustomerID:       "cust-anna",
		CentroID:         demoCentro,
		Method:           engine.PaymentBonifico,
		PaymentReference: "BONIFICO-2025-001",
	})
	if err != nil {
		return err
	}
	if _, err := h.Loyalty.RecordUsage(ctx, loyalty.UsageInput{
		CardID: card.ID,
		Kind:   engine.UsageDiagnosticFee,
	}); err != nil {
		return err
	}
	if _, err := h.Loyalty.RecordUsage(ctx, loyalty.UsageInput{
		CardID:         card.ID,
		Kind:           engine.UsageRepairDiscount,
		OriginalAmount: engine.Cents(15000),
	}); err != nil {
		return err
	}

	_, err = h.Loyalty.Activate(ctx, loyalty.ActivateRequest{
		CustomerID: "cust-marco",
		CentroID:   demoCentro,
		Method:     engine.PaymentStripe,
	})
	return err
}

// loadForfeitureScenario leaves two completed direct jobs uncollected, one
// past its deadline and one inside the warning window.
func (h *Handler) loadForfeitureScenario(ctx context.Context) error {
	if err := h.saveSettings(ctx, demoCentro, demoSettings); err != nil {
		return err
	}
	if err := h.openFunded(ctx, engine.Centro(demoCentro), "Riparo Lab Milano", engine.Cents(10000)); err != nil {
		return err
	}

	for _, c := range []struct {
		customer string
		ageDays  int
	}{
		{"cust-paolo", 40},
		{"cust-chiara", 25},
	} {
		req, err := h.Repairs.Intake(ctx, repair.IntakeRequest{
			CentroID:   demoCentro,
			CustomerID: c.customer,
			Device:     engine.Device{Category: engine.DeviceSmartphone, Brand: "Motorola", Model: "Edge 30"},
			Estimate:   engine.Cents(6000),
		})
		if err != nil {
			return err
		}
		if err := h.walk(ctx, req.ID, engine.StatusInRepair, engine.StatusRepairCompleted); err != nil {
			return err
		}
		if err := h.backdate(ctx, req.ID, time.Duration(c.ageDays)*engine.Day); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) saveSettings(ctx context.Context, centroID, doc string) error {
	if _, err := h.Settings.Validate([]byte(doc)); err != nil {
		return fmt.Errorf("settings for %s: %w", centroID, err)
	}
	return h.Store.SaveTenantSettings(ctx, centroID, []byte(doc))
}

func (h *Handler) openFunded(ctx context.Context, tenant engine.TenantRef, name string, amount engine.Money) error {
	if _, err := h.Credit.OpenAccount(ctx, tenant, name, engine.Money{}); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return nil
	}
	_, err := h.Credit.Credit(ctx, engine.Posting{
		Tenant:      tenant,
		Amount:      amount,
		Type:        engine.TxTopup,
		Description: "Initial top-up",
		ReferenceID: "demo-topup-" + tenant.ID,
	})
	return err
}

func (h *Handler) intakeReferred(ctx context.Context, customer string, cat engine.DeviceCategory, brand, model string, estimateCents int64) (engine.RepairRequest, error) {
	return h.Repairs.Intake(ctx, repair.IntakeRequest{
		CentroID:   demoCentro,
		CornerID:   demoCorner,
		CustomerID: customer,
		Device:     engine.Device{Category: cat, Brand: brand, Model: model},
		Estimate:   engine.Cents(estimateCents),
	})
}

// walkToAcceptance quotes a referred repair and accepts it.
func (h *Handler) walkToAcceptance(ctx context.Context, id string, totalCents, partsCents int64) error {
	if err := h.walk(ctx, id, engine.StatusAssigned); err != nil {
		return err
	}
	if _, err := h.Repairs.AttachQuote(ctx, id, repair.QuoteInput{
		TotalCost: engine.Cents(totalCents),
		PartsCost: engine.Cents(partsCents),
	}); err != nil {
		return err
	}
	return h.walk(ctx, id, engine.StatusQuoteSent, engine.StatusQuoteAccepted)
}

func (h *Handler) walk(ctx context.Context, id string, statuses ...engine.Status) error {
	actor := repair.Actor{ID: scenarioBot, Role: engine.RoleCentro}
	for _, s := range statuses {
		if _, err := h.Repairs.Advance(ctx, id, s, actor); err != nil {
			return fmt.Errorf("advance %s to %s: %w", id, s, err)
		}
	}
	return nil
}

// backdate shifts every timestamp of a repair into the past.
func (h *Handler) backdate(ctx context.Context, id string, by time.Duration) error {
	return h.Store.WithTx(ctx, func(tx engine.Store) error {
		req, err := tx.GetRepair(ctx, id)
		if err != nil {
			return err
		}
		for s, at := range req.Timestamps {
			req.Timestamps[s] = at.Add(-by)
		}
		req.CreatedAt = req.CreatedAt.Add(-by)
		req.UpdatedAt = req.UpdatedAt.Add(-by)
		if req.SlotAssignedAt != nil {
			t := req.SlotAssignedAt.Add(-by)
			req.SlotAssignedAt = &t
		}
		return tx.SaveRepair(ctx, req)
	})
}
