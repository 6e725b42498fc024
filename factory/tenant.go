/*
Package factory provides JSON to Go tenant configuration conversion.

PURPOSE:
  Converts the settings document a Centro edits in its admin screens into an
  engine.TenantConfig. Rates, thresholds, the storage layout and the loyalty
  program are data, so a Centro can change them without a deploy.

JSON SCHEMA:
  {
    "commission": {
      "platform_rate": 5,
      "corner_rate": 15,
      "riparatore_rate": 0,
      "riparatore_of_centro_rate": 0
    },
    "credit_warning_threshold": 50,
    "require_slot": false,
    "forfeiture_grace_days": 30,
    "storage_slots": {"enabled": true, "max_slots": 50, "prefix": "S"},
    "multi_shelf": {
      "enabled": true,
      "shelves": [
        {
          "id": "a", "name": "Scaffale A", "prefix": "A",
          "rows": 3, "columns": 4, "start_number": 1,
          "mergedSlots": [{"startSlot": 5, "span": 2}],
          "slotCapacity": {"smartphone": 3, "tablet": 2, "notebook": 1, "pc": 1}
        }
      ]
    },
    "loyalty_program": {
      "annual_price": 30,
      "platform_rate": 5,
      "corner_commission": 10,
      "validity_months": 12,
      "max_devices": 3,
      "diagnostic_fee": 15,
      "member_diagnostic_fee": 10,
      "repair_discount_percent": 10
    }
  }

KEY FEATURES:
  - Every field is optional; unset fields keep the process defaults
  - The Centro rate is always the residual of the other three
  - multi_shelf takes precedence over the legacy storage_slots range
  - Shelves without slotCapacity get the standard capacity map

USAGE:
  provider := factory.NewSettingsProvider(store, factory.DefaultTenantConfig())
  cfg, err := provider.TenantConfig(ctx, centroID)

SEE ALSO:
  - engine/config.go: TenantConfig definition
  - engine/slots.go: SlotLayout built from storage_slots / multi_shelf
*/
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SettingsJSON is the stored settings document of one Centro.
type SettingsJSON struct {
	Commission             *CommissionJSON   `json:"commission,omitempty"`
	CreditWarningThreshold *float64          `json:"credit_warning_threshold,omitempty"`
	RequireSlot            *bool             `json:"require_slot,omitempty"`
	ForfeitureGraceDays    *int              `json:"forfeiture_grace_days,omitempty"`
	StorageSlots           *StorageSlotsJSON `json:"storage_slots,omitempty"`
	MultiShelf             *MultiShelfJSON   `json:"multi_shelf,omitempty"`
	Loyalty                *LoyaltyJSON      `json:"loyalty_program,omitempty"`
}

// CommissionJSON holds percentages of the gross margin.
type CommissionJSON struct {
	PlatformRate           *float64 `json:"platform_rate,omitempty"`
	CornerRate             *float64 `json:"corner_rate,omitempty"`
	RiparatoreRate         *float64 `json:"riparatore_rate,omitempty"`
	RiparatoreOfCentroRate *float64 `json:"riparatore_of_centro_rate,omitempty"`
}

// StorageSlotsJSON is the legacy single-range layout.
type StorageSlotsJSON struct {
	Enabled  bool   `json:"enabled"`
	MaxSlots int    `json:"max_slots,omitempty"` // Default 50
	Prefix   string `json:"prefix,omitempty"`
}

type MultiShelfJSON struct {
	Enabled bool        `json:"enabled"`
	Shelves []ShelfJSON `json:"shelves"`
}

type ShelfJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Prefix      string           `json:"prefix,omitempty"`
	Rows        int              `json:"rows"`
	Columns     int              `json:"columns"`
	StartNumber int              `json:"start_number,omitempty"`
	Color       string           `json:"color,omitempty"` // UI only
	Merged      []MergedSlotJSON `json:"mergedSlots,omitempty"`
	Capacity    map[string]int   `json:"slotCapacity,omitempty"`
}

type MergedSlotJSON struct {
	StartSlot int `json:"startSlot"`
	Span      int `json:"span"`
}

type LoyaltyJSON struct {
	AnnualPrice           *float64 `json:"annual_price,omitempty"`
	PlatformRate          *float64 `json:"platform_rate,omitempty"`
	CornerCommission      *float64 `json:"corner_commission,omitempty"`
	ValidityMonths        *int     `json:"validity_months,omitempty"`
	MaxDevices            *int     `json:"max_devices,omitempty"`
	DiagnosticFee         *float64 `json:"diagnostic_fee,omitempty"`
	MemberDiagnosticFee   *float64 `json:"member_diagnostic_fee,omitempty"`
	RepairDiscountPercent *float64 `json:"repair_discount_percent,omitempty"`
}

// DefaultMaxSlots applies when storage_slots is enabled without max_slots.
const DefaultMaxSlots = 50

// DefaultShelfCapacity is used for shelves that do not declare slotCapacity.
var DefaultShelfCapacity = map[engine.DeviceCategory]int{
	engine.DeviceSmartphone: 3,
	engine.DeviceTablet:     2,
	engine.DeviceNotebook:   1,
	engine.DevicePC:         1,
}

// DefaultTenantConfig is the configuration of a Centro that has saved nothing.
func DefaultTenantConfig() engine.TenantConfig {
	return engine.TenantConfig{
		Rates: engine.CommissionRates{
			Platform: engine.Percent(5),
			Corner:   engine.Percent(15),
		}.WithResidualCentro(),
		WarningThreshold:    engine.DefaultWarningThreshold,
		ForfeitureGraceDays: engine.DefaultForfeitureGraceDays,
		Loyalty:             engine.DefaultLoyaltyTerms(),
	}
}

// =============================================================================
// PARSING
// =============================================================================

// ParseTenantSettings overlays a settings document on defaults.
func ParseTenantSettings(doc []byte, defaults engine.TenantConfig) (engine.TenantConfig, error) {
	var sj SettingsJSON
	if err := json.Unmarshal(doc, &sj); err != nil {
		return engine.TenantConfig{}, fmt.Errorf("failed to parse tenant settings JSON: %w", err)
	}
	return FromJSON(sj, defaults)
}

// FromJSON converts SettingsJSON to a TenantConfig.
func FromJSON(sj SettingsJSON, defaults engine.TenantConfig) (engine.TenantConfig, error) {
	cfg := defaults

	if sj.Commission != nil {
		rates, err := parseRates(*sj.Commission, defaults.Rates)
		if err != nil {
			return engine.TenantConfig{}, err
		}
		cfg.Rates = rates
	}

	if sj.CreditWarningThreshold != nil {
		if *sj.CreditWarningThreshold < 0 {
			return engine.TenantConfig{}, fmt.Errorf("credit_warning_threshold %v: %w", *sj.CreditWarningThreshold, engine.ErrInvalidAmount)
		}
		cfg.WarningThreshold = money(*sj.CreditWarningThreshold)
	}
	if sj.RequireSlot != nil {
		cfg.RequireSlot = *sj.RequireSlot
	}
	if sj.ForfeitureGraceDays != nil && *sj.ForfeitureGraceDays > 0 {
		cfg.ForfeitureGraceDays = *sj.ForfeitureGraceDays
	}

	switch {
	case sj.MultiShelf != nil && sj.MultiShelf.Enabled:
		layout, err := parseShelves(sj.MultiShelf.Shelves)
		if err != nil {
			return engine.TenantConfig{}, err
		}
		cfg.Slots = layout
	case sj.StorageSlots != nil:
		cfg.Slots = parseStorageSlots(*sj.StorageSlots)
	}

	if sj.Loyalty != nil {
		cfg.Loyalty = parseLoyalty(*sj.Loyalty, defaults.Loyalty)
	}
	return cfg, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func money(v float64) engine.Money { return engine.NewMoney(v).RoundMinor() }

func parseRates(cj CommissionJSON, base engine.CommissionRates) (engine.CommissionRates, error) {
	r := base
	set := func(dst *engine.Rate, name string, v *float64) error {
		if v == nil {
			return nil
		}
		if *v < 0 || *v > 100 {
			return fmt.Errorf("%s %v out of range 0-100", name, *v)
		}
		*dst = engine.Percent(*v)
		return nil
	}
	if err := errors.Join(
		set(&r.Platform, "platform_rate", cj.PlatformRate),
		set(&r.Corner, "corner_rate", cj.CornerRate),
		set(&r.Riparatore, "riparatore_rate", cj.RiparatoreRate),
		set(&r.RiparatoreOfCentro, "riparatore_of_centro_rate", cj.RiparatoreOfCentroRate),
	); err != nil {
		return engine.CommissionRates{}, err
	}
	r = r.WithResidualCentro()
	if r.Centro.Value.IsNegative() {
		return engine.CommissionRates{}, fmt.Errorf("platform, corner and riparatore rates exceed 100 (total %s)",
			r.Platform.Add(r.Corner).Add(r.Riparatore))
	}
	return r, nil
}

func parseStorageSlots(sj StorageSlotsJSON) engine.SlotLayout {
	max := sj.MaxSlots
	if max <= 0 {
		max = DefaultMaxSlots
	}
	return engine.SlotLayout{Enabled: sj.Enabled, Prefix: sj.Prefix, MaxSlots: max}
}

func parseShelves(shelves []ShelfJSON) (engine.SlotLayout, error) {
	layout := engine.SlotLayout{Enabled: true}
	seen := make(map[string]bool, len(shelves))
	for i, sj := range shelves {
		if sj.ID == "" {
			sj.ID = fmt.Sprintf("shelf-%d", i+1)
		}
		if seen[sj.ID] {
			return engine.SlotLayout{}, fmt.Errorf("duplicate shelf id %q", sj.ID)
		}
		seen[sj.ID] = true
		if sj.Rows <= 0 || sj.Columns <= 0 {
			return engine.SlotLayout{}, fmt.Errorf("shelf %q: rows and columns must be positive", sj.ID)
		}

		sh := engine.Shelf{
			ID:          sj.ID,
			Name:        sj.Name,
			Prefix:      sj.Prefix,
			Rows:        sj.Rows,
			Columns:     sj.Columns,
			StartNumber: sj.StartNumber,
			Capacity:    parseCapacity(sj.Capacity),
		}
		for _, m := range sj.Merged {
			if m.Span < 2 {
				continue
			}
			sh.Merged = append(sh.Merged, engine.MergedSlot{Start: m.StartSlot, Span: m.Span})
		}
		layout.Shelves = append(layout.Shelves, sh)
	}
	return layout, nil
}

func parseCapacity(m map[string]int) map[engine.DeviceCategory]int {
	out := make(map[engine.DeviceCategory]int, len(DefaultShelfCapacity))
	if len(m) == 0 {
		for k, v := range DefaultShelfCapacity {
			out[k] = v
		}
		return out
	}
	for k, v := range m {
		out[engine.DeviceCategory(k)] = v
	}
	return out
}

func parseLoyalty(lj LoyaltyJSON, t engine.LoyaltyTerms) engine.LoyaltyTerms {
	if lj.AnnualPrice != nil {
		t.AnnualPrice = money(*lj.AnnualPrice)
	}
	if lj.PlatformRate != nil {
		t.PlatformRate = engine.Percent(*lj.PlatformRate)
	}
	if lj.CornerCommission != nil {
		t.CornerCommission = money(*lj.CornerCommission)
	}
	if lj.ValidityMonths != nil && *lj.ValidityMonths > 0 {
		t.ValidityMonths = *lj.ValidityMonths
	}
	if lj.MaxDevices != nil && *lj.MaxDevices >= 0 {
		t.MaxDevices = *lj.MaxDevices
	}
	if lj.DiagnosticFee != nil {
		t.DiagnosticFee = money(*lj.DiagnosticFee)
	}
	if lj.MemberDiagnosticFee != nil {
		t.MemberDiagnosticFee = money(*lj.MemberDiagnosticFee)
	}
	if lj.RepairDiscountPercent != nil {
		t.RepairDiscountPercent = engine.Percent(*lj.RepairDiscountPercent)
	}
	return t
}

// =============================================================================
// PROVIDER
// =============================================================================

// SettingsProvider serves TenantConfig from stored settings documents.
// A Centro that never saved settings gets the defaults.
type SettingsProvider struct {
	Store    engine.SettingsStore
	Defaults engine.TenantConfig
}

func NewSettingsProvider(store engine.SettingsStore, defaults engine.TenantConfig) *SettingsProvider {
	return &SettingsProvider{Store: store, Defaults: defaults}
}

// TenantConfig implements engine.TenantConfigProvider.
func (p *SettingsProvider) TenantConfig(ctx context.Context, centroID string) (engine.TenantConfig, error) {
	cfg := p.Defaults
	doc, err := p.Store.GetTenantSettings(ctx, centroID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
	case err != nil:
		return engine.TenantConfig{}, engine.Persist("get tenant settings", err)
	default:
		cfg, err = ParseTenantSettings(doc, p.Defaults)
		if err != nil {
			return engine.TenantConfig{}, fmt.Errorf("centro %s: %w", centroID, err)
		}
	}
	cfg.CentroID = centroID
	return cfg, nil
}

// Validate parses doc against the provider's defaults without storing it.
func (p *SettingsProvider) Validate(doc []byte) (engine.TenantConfig, error) {
	return ParseTenantSettings(doc, p.Defaults)
}
