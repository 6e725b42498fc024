package repair

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// COMMISSION LEDGER - Payout tracking
// =============================================================================
//
// Settlement entries record who is owed what. Payouts happen outside this
// system; the Centro or the platform flags each share paid once it has been
// sent. Only the paid flags change after an entry is written.

// MarkPaid flags one beneficiary's share of an entry as paid. Marking an
// already paid share keeps the original PaidAt.
func (s *LifecycleService) MarkPaid(ctx context.Context, entryID string, b engine.Beneficiary) (engine.CommissionLedgerEntry, error) {
	var out engine.CommissionLedgerEntry
	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		e, err := tx.GetCommissionEntry(ctx, entryID)
		if err != nil {
			return engine.Persist("get commission entry", err)
		}
		share := e.Share(b)
		if share == nil {
			return fmt.Errorf("%q: %w", b, engine.ErrInvalidBeneficiary)
		}
		if !share.Paid {
			now := s.Clock.Now()
			share.Paid = true
			share.PaidAt = &now
		}
		e.RefreshStatus()
		out = e
		return engine.Persist("save commission entry", tx.SaveCommissionEntry(ctx, e))
	})
	if err != nil {
		return engine.CommissionLedgerEntry{}, err
	}
	s.Logger.Info("commission share paid",
		zap.String("entry_id", entryID),
		zap.String("beneficiary", string(b)),
		zap.String("status", string(out.Status)))
	return out, nil
}

func (s *LifecycleService) Commissions(ctx context.Context, f engine.CommissionFilter) ([]engine.CommissionLedgerEntry, error) {
	return s.Store.ListCommissionEntries(ctx, f)
}

func (s *LifecycleService) Commission(ctx context.Context, entryID string) (engine.CommissionLedgerEntry, error) {
	return s.Store.GetCommissionEntry(ctx, entryID)
}

// Owed sums the unpaid amounts per beneficiary across entries.
func Owed(entries []engine.CommissionLedgerEntry) map[engine.Beneficiary]engine.Money {
	out := make(map[engine.Beneficiary]engine.Money, len(engine.Beneficiaries))
	for _, b := range engine.Beneficiaries {
		out[b] = engine.Money{}
	}
	for i := range entries {
		for _, b := range engine.Beneficiaries {
			if sh := entries[i].Share(b); !sh.Paid {
				out[b] = out[b].Add(sh.Amount)
			}
		}
	}
	return out
}
