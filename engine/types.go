/*
Package engine provides the core settlement engine for the repair marketplace.

PURPOSE:
  This package holds the data model and the money-moving primitives shared by
  every actor in the marketplace: Centro workshops, Corner kiosks, independent
  technicians (riparatori) and the platform itself. Repair lifecycle and
  loyalty activation live in their own packages and build on top of this one.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal amount in euros, rounded to the cent at the edges
  - TenantRef: which balance-holding tenant an operation targets
  - Account: a tenant's prepaid credit balance and payment status
  - CreditTransaction: an immutable row in a tenant's credit ledger

DESIGN PRINCIPLES:
  1. Immutability: credit transactions are appended, never edited
  2. Precision: decimal.Decimal everywhere, floats only at the API boundary
  3. Type Safety: TenantRef and Status types instead of bare strings
  4. Derivation: payment status is always recomputed from balance + threshold

SEE ALSO:
  - model.go: repair requests, quotes, commission entries, loyalty cards
  - credit.go: Credit Balance Manager
  - commission.go: Commission Calculator
  - slots.go: Storage Slot Allocator
*/
package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Euro amount with cent precision
// =============================================================================

// MinorUnitPlaces is the number of decimal places of the currency minor unit.
const MinorUnitPlaces = 2

// Money is an amount in euros. The zero value is €0.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money                { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// Cents builds an amount from an integer number of minor units.
func Cents(c int64) Money { return Money{Value: decimal.New(c, -MinorUnitPlaces)} }

// ParseMoney parses a decimal string such as "48.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse money %q: %w", s, err)
	}
	return Money{Value: d}, nil
}

// MustParseMoney is ParseMoney for constants and tests; invalid input yields €0.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return Money{}
	}
	return m
}

func (m Money) Add(o Money) Money            { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money            { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money                   { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money                   { return Money{Value: m.Value.Abs()} }
func (m Money) Mul(d decimal.Decimal) Money  { return Money{Value: m.Value.Mul(d)} }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) IsPositive() bool             { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool           { return m.Value.Equal(o.Value) }
func (m Money) LessThan(o Money) bool        { return m.Value.LessThan(o.Value) }
func (m Money) LessThanOrEqual(o Money) bool { return m.Value.LessThanOrEqual(o.Value) }
func (m Money) GreaterThan(o Money) bool     { return m.Value.GreaterThan(o.Value) }

// RoundMinor rounds half away from zero to the currency minor unit.
func (m Money) RoundMinor() Money { return Money{Value: m.Value.Round(MinorUnitPlaces)} }

// String renders the amount with exactly two decimals.
func (m Money) String() string { return m.Value.StringFixed(MinorUnitPlaces) }

// Float64 is for presentation only.
func (m Money) Float64() float64 {
	f, _ := m.Value.Float64()
	return f
}

func (m Money) MarshalJSON() ([]byte, error) { return []byte(`"` + m.String() + `"`), nil }

func (m *Money) UnmarshalJSON(b []byte) error { return m.Value.UnmarshalJSON(b) }

// MinorUnit is one cent.
var MinorUnit = Cents(1)

// =============================================================================
// TENANTS
// =============================================================================

type TenantKind string

const (
	TenantCentro TenantKind = "centro"
	TenantCorner TenantKind = "corner"
)

// TenantRef identifies a balance-holding tenant. It is the aggregate key for
// every balance and ledger operation.
type TenantRef struct {
	Kind TenantKind
	ID   string
}

func Centro(id string) TenantRef { return TenantRef{Kind: TenantCentro, ID: id} }
func Corner(id string) TenantRef { return TenantRef{Kind: TenantCorner, ID: id} }

func (t TenantRef) Key() string    { return string(t.Kind) + ":" + t.ID }
func (t TenantRef) String() string { return t.Key() }
func (t TenantRef) IsZero() bool   { return t.ID == "" }

// =============================================================================
// ACCOUNT - Prepaid credit balance
// =============================================================================

type PaymentStatus string

const (
	PaymentGoodStanding PaymentStatus = "good_standing"
	PaymentWarning      PaymentStatus = "warning"
	PaymentSuspended    PaymentStatus = "suspended"
)

// DefaultWarningThreshold applies when a tenant never configured one.
var DefaultWarningThreshold = Cents(5000)

// Account holds a tenant's running credit balance.
type Account struct {
	Tenant           TenantRef
	DisplayName      string
	CreditBalance    Money
	WarningThreshold Money
	PaymentStatus    PaymentStatus
	LastCreditUpdate *time.Time
	CreatedAt        time.Time
}

// DerivePaymentStatus is the only place payment status is computed:
//
//	balance <= 0             => suspended
//	0 < balance < threshold  => warning
//	otherwise                => good_standing
func DerivePaymentStatus(balance, threshold Money) PaymentStatus {
	switch {
	case !balance.IsPositive():
		return PaymentSuspended
	case balance.LessThan(threshold):
		return PaymentWarning
	default:
		return PaymentGoodStanding
	}
}

// =============================================================================
// CREDIT TRANSACTION - Append-only tenant ledger row
// =============================================================================

type TransactionType string

const (
	TxCommissionPrepaid TransactionType = "commission_prepaid" // Corner+platform share charged at quote acceptance
	TxLoyaltyCommission TransactionType = "loyalty_commission" // Platform share of a loyalty card activation
	TxTopup             TransactionType = "topup"              // Provider-confirmed recharge
	TxAdjustment        TransactionType = "adjustment"         // Manual admin correction
)

// CreditTransaction is immutable once written.
// INVARIANT: BalanceAfter(n) = BalanceAfter(n-1) + Amount(n)
type CreditTransaction struct {
	ID           string
	Tenant       TenantRef
	Amount       Money // Signed: debits are negative
	BalanceAfter Money
	Type         TransactionType
	Description  string
	ReferenceID  string // Repair request, loyalty card or top-up this row belongs to
	CreatedAt    time.Time
}
