/*
commission.go - Commission Calculator

PURPOSE:
  Splits the gross margin of a job (revenue minus parts) between the
  platform, the referring Corner, the Centro and the technician. This is a
  pure computation: it never reads or writes storage and never moves money.

ROUNDING:
  Each share is margin x rate / 100 rounded half away from zero to the cent.
  Whatever is left over after rounding goes to the Centro share, so the four
  shares always sum to the margin exactly. A leftover larger than the sum of
  four half-cent roundings means the rates do not add up to 100 and the split
  is rejected with RoundingOverflowError.

TECHNICIAN SHARE:
  Riparatore is a percentage of the margin like the others. When the Centro
  works with a collaborator on a revenue-share basis, RiparatoreOfCentro moves
  that percentage of the Centro's own share to the technician instead.

MODES:
  Prepaid:    only corner + platform are charged, at quote acceptance
  Settlement: all four shares are recorded as a ledger entry, unpaid

EXAMPLE:
  rates := CommissionRates{Platform: Percent(5), Corner: Percent(15), Centro: Percent(80)}
  split, err := Split(NewMoney(120), NewMoney(20), rates)
  // split.GrossMargin = 100.00, Platform 5.00, Corner 15.00, Centro 80.00

SEE ALSO:
  - credit.go: debits the prepaid amount
  - repair/lifecycle.go: invokes both modes
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE - Percentage of the gross margin
// =============================================================================

// Rate is a percentage in [0, 100].
type Rate struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func Percent(p float64) Rate { return Rate{Value: decimal.NewFromFloat(p)} }

func (r Rate) Add(o Rate) Rate               { return Rate{Value: r.Value.Add(o.Value)} }
func (r Rate) Sub(o Rate) Rate               { return Rate{Value: r.Value.Sub(o.Value)} }
func (r Rate) IsZero() bool                  { return r.Value.IsZero() }
func (r Rate) Equal(o Rate) bool             { return r.Value.Equal(o.Value) }
func (r Rate) String() string                { return r.Value.String() }
func (r Rate) Float64() float64              { f, _ := r.Value.Float64(); return f }
func (r Rate) Of(m Money) Money              { return m.Mul(r.Value.Div(hundred)).RoundMinor() }
func (r Rate) MarshalJSON() ([]byte, error)  { return r.Value.MarshalJSON() }
func (r *Rate) UnmarshalJSON(b []byte) error { return r.Value.UnmarshalJSON(b) }

// CommissionRates are always supplied by the tenant configuration or the
// request; nothing here is hard-coded.
type CommissionRates struct {
	Platform   Rate
	Corner     Rate
	Centro     Rate
	Riparatore Rate

	// RiparatoreOfCentro is the technician's cut of the Centro share.
	RiparatoreOfCentro Rate
}

// Total is the sum of the four margin percentages.
func (r CommissionRates) Total() Rate {
	return r.Platform.Add(r.Corner).Add(r.Centro).Add(r.Riparatore)
}

// WithResidualCentro sets the Centro rate to whatever the other three leave.
func (r CommissionRates) WithResidualCentro() CommissionRates {
	r.Centro = Rate{Value: hundred}.Sub(r.Platform).Sub(r.Corner).Sub(r.Riparatore)
	return r
}

// WithoutCorner folds the corner percentage into the Centro share. Used for
// direct jobs and loyalty cards sold without a referring Corner.
func (r CommissionRates) WithoutCorner() CommissionRates {
	r.Centro = r.Centro.Add(r.Corner)
	r.Corner = Rate{}
	return r
}

// =============================================================================
// SPLIT
// =============================================================================

// CommissionSplit is the result of one calculation.
type CommissionSplit struct {
	GrossRevenue Money
	PartsCost    Money
	GrossMargin  Money
	Rates        CommissionRates

	Platform   Money
	Corner     Money
	Centro     Money
	Riparatore Money
}

// Total is the sum of the four shares.
func (s CommissionSplit) Total() Money {
	return s.Platform.Add(s.Corner).Add(s.Centro).Add(s.Riparatore)
}

// PrepaidAmount is what prepaid mode charges the Centro: the shares that are
// a cost to it. Its own share and the technician's are excluded.
func (s CommissionSplit) PrepaidAmount() Money {
	return s.Platform.Add(s.Corner)
}

// residualTolerance bounds the leftover of four independent roundings. Each
// share can drift by at most half a cent, so the worst case is 4 x 0.005 =
// 0.02. A larger residual means the rates do not add up to 100%.
var residualTolerance = Cents(2)

// Split computes the four shares of grossRevenue - partsCost.
// A negative margin is treated as zero: nothing is owed on a loss-making job.
func Split(grossRevenue, partsCost Money, rates CommissionRates) (CommissionSplit, error) {
	grossRevenue = grossRevenue.RoundMinor()
	partsCost = partsCost.RoundMinor()
	margin := grossRevenue.Sub(partsCost)
	if margin.IsNegative() {
		margin = Money{}
	}

	s := CommissionSplit{
		GrossRevenue: grossRevenue,
		PartsCost:    partsCost,
		GrossMargin:  margin,
		Rates:        rates,
		Platform:     rates.Platform.Of(margin),
		Corner:       rates.Corner.Of(margin),
		Centro:       rates.Centro.Of(margin),
		Riparatore:   rates.Riparatore.Of(margin),
	}

	residual := margin.Sub(s.Total())
	if residual.Abs().GreaterThan(residualTolerance) {
		return CommissionSplit{}, &RoundingOverflowError{
			GrossMargin: margin,
			SharesTotal: s.Total(),
			Residual:    residual,
		}
	}
	s.Centro = s.Centro.Add(residual)

	if !rates.RiparatoreOfCentro.IsZero() {
		cut := rates.RiparatoreOfCentro.Of(s.Centro)
		s.Centro = s.Centro.Sub(cut)
		s.Riparatore = s.Riparatore.Add(cut)
	}

	if !s.Total().Equal(margin) {
		return CommissionSplit{}, &RoundingOverflowError{
			GrossMargin: margin,
			SharesTotal: s.Total(),
			Residual:    margin.Sub(s.Total()),
		}
	}
	return s, nil
}

// Prepaid computes the amount charged at quote acceptance.
func Prepaid(grossRevenue, partsCost Money, rates CommissionRates) (Money, CommissionSplit, error) {
	s, err := Split(grossRevenue, partsCost, rates)
	if err != nil {
		return Money{}, CommissionSplit{}, err
	}
	return s.PrepaidAmount(), s, nil
}

// Entry turns a settlement split into an unpaid ledger entry.
func (s CommissionSplit) Entry(id string, req *RepairRequest, at time.Time) CommissionLedgerEntry {
	e := CommissionLedgerEntry{
		ID:           id,
		RepairID:     req.ID,
		CentroID:     req.CentroID,
		CornerID:     req.CornerID,
		RiparatoreID: req.RiparatoreID,
		GrossRevenue: s.GrossRevenue,
		PartsCost:    s.PartsCost,
		GrossMargin:  s.GrossMargin,
		Platform:     Share{Rate: s.Rates.Platform, Amount: s.Platform},
		Corner:       Share{Rate: s.Rates.Corner, Amount: s.Corner},
		Centro:       Share{Rate: s.Rates.Centro, Amount: s.Centro},
		Riparatore:   Share{Rate: s.Rates.Riparatore, Amount: s.Riparatore},
		CreatedAt:    at,
	}
	e.RefreshStatus()
	return e
}
