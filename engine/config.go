package engine

import (
	"context"
)

// =============================================================================
// TENANT CONFIGURATION - Read-only per-Centro settings
// =============================================================================

// TenantConfig is everything the engine needs to know about one Centro.
type TenantConfig struct {
	CentroID string

	// Rates for referred jobs. Direct jobs use Rates.WithoutCorner().
	Rates CommissionRates

	WarningThreshold Money

	Slots SlotLayout
	// RequireSlot makes SlotsExhausted fail the transition instead of letting
	// it proceed without physical tracking.
	RequireSlot bool

	ForfeitureGraceDays int

	Loyalty LoyaltyTerms
}

// RatesFor returns the rates for a variant, honoring a request override.
func (c TenantConfig) RatesFor(req *RepairRequest) CommissionRates {
	rates := c.Rates
	if req.Rates != nil {
		rates = *req.Rates
	}
	if req.Variant == VariantDirect || req.CornerID == "" {
		rates = rates.WithoutCorner()
	}
	return rates
}

// LoyaltyTerms is the Centro's loyalty program.
type LoyaltyTerms struct {
	AnnualPrice      Money
	PlatformRate     Rate
	CornerCommission Money // Flat fee for cards sold through a Corner
	ValidityMonths   int
	MaxDevices       int

	DiagnosticFee         Money // Standard fee
	MemberDiagnosticFee   Money // Fee with an active card
	RepairDiscountPercent Rate
}

// Rates returns the commission rates for a card activation. The flat corner
// fee is expressed as a share of the price. The Centro gets whatever platform
// and corner leave.
func (t LoyaltyTerms) Rates(viaCorner bool) CommissionRates {
	r := CommissionRates{Platform: t.PlatformRate}
	if viaCorner && t.AnnualPrice.IsPositive() {
		r.Corner = Rate{Value: t.CornerCommission.Value.Div(t.AnnualPrice.Value).Mul(hundred)}
	}
	return r.WithResidualCentro()
}

// DefaultLoyaltyTerms are applied to any field a Centro leaves unset.
func DefaultLoyaltyTerms() LoyaltyTerms {
	return LoyaltyTerms{
		AnnualPrice:           Cents(3000),
		PlatformRate:          Percent(5),
		CornerCommission:      Cents(1000),
		ValidityMonths:        12,
		MaxDevices:            3,
		DiagnosticFee:         Cents(1500),
		MemberDiagnosticFee:   Cents(1000),
		RepairDiscountPercent: Percent(10),
	}
}

// DefaultForfeitureGraceDays is the number of days after completion before a
// device left uncollected may be declared abandoned.
const DefaultForfeitureGraceDays = 30

// DefaultForfeitureWarningDays is how many days before the deadline the
// customer and Centro are warned once.
const DefaultForfeitureWarningDays = 7

// TenantConfigProvider supplies per-Centro settings.
type TenantConfigProvider interface {
	TenantConfig(ctx context.Context, centroID string) (TenantConfig, error)
}

// StaticConfig serves the same configuration to every Centro.
type StaticConfig TenantConfig

func (s StaticConfig) TenantConfig(_ context.Context, centroID string) (TenantConfig, error) {
	c := TenantConfig(s)
	c.CentroID = centroID
	return c, nil
}
