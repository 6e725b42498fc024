package loyalty

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// BENEFITS - What an active card is worth at the counter
// =============================================================================

// Benefits is what a customer gets at a Centro right now.
type Benefits struct {
	HasCard bool
	Card    *engine.LoyaltyCard

	StandardDiagnosticFee engine.Money
	DiagnosticFee         engine.Money // Equal to the standard fee without a card
	RepairDiscountPercent engine.Rate  // Zero once the device allowance is used up
	DevicesRemaining      int
}

// DiscountRepair applies the repair discount to amount.
func (b Benefits) DiscountRepair(amount engine.Money) (discounted, savings engine.Money) {
	savings = b.RepairDiscountPercent.Of(amount)
	return amount.Sub(savings), savings
}

// Benefits looks up the active card (expiring it if needed) and prices the
// diagnostic fee and repair discount accordingly.
func (s *Service) Benefits(ctx context.Context, customerID, centroID string) (Benefits, error) {
	cfg, err := s.Config.TenantConfig(ctx, centroID)
	if err != nil {
		return Benefits{}, fmt.Errorf("tenant config for %s: %w", centroID, err)
	}
	terms := cfg.Loyalty
	b := Benefits{
		StandardDiagnosticFee: terms.DiagnosticFee,
		DiagnosticFee:         terms.DiagnosticFee,
	}

	card, ok, err := s.ActiveCard(ctx, customerID, centroID)
	if err != nil || !ok {
		return b, err
	}
	b.HasCard = true
	b.Card = &card
	b.DiagnosticFee = terms.MemberDiagnosticFee
	b.DevicesRemaining = card.MaxDevices - card.DevicesUsed
	if b.DevicesRemaining > 0 {
		b.RepairDiscountPercent = terms.RepairDiscountPercent
	} else {
		b.DevicesRemaining = 0
	}
	return b, nil
}

// =============================================================================
// USAGE - Recording a granted discount
// =============================================================================

type UsageInput struct {
	CardID         string
	RepairID       string
	Kind           engine.UsageKind
	OriginalAmount engine.Money
}

// RecordUsage grants one discount against a card and records it. A repair
// discount consumes one device from the allowance and fails with
// ErrCardExhausted once none are left.
func (s *Service) RecordUsage(ctx context.Context, in UsageInput) (engine.LoyaltyUsage, error) {
	if in.OriginalAmount.IsNegative() {
		return engine.LoyaltyUsage{}, fmt.Errorf("original amount %s: %w", in.OriginalAmount, engine.ErrInvalidAmount)
	}
	pre, err := s.Store.GetLoyaltyCard(ctx, in.CardID)
	if err != nil {
		return engine.LoyaltyUsage{}, err
	}
	cfg, err := s.Config.TenantConfig(ctx, pre.CentroID)
	if err != nil {
		return engine.LoyaltyUsage{}, fmt.Errorf("tenant config for %s: %w", pre.CentroID, err)
	}
	terms := cfg.Loyalty

	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(pre.CustomerID, pre.CentroID))
	if err != nil {
		return engine.LoyaltyUsage{}, err
	}
	defer unlock()

	now := s.Clock.Now()
	var usage engine.LoyaltyUsage
	expired := false
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		card, err := tx.GetLoyaltyCard(ctx, in.CardID)
		if err != nil {
			return engine.Persist("get loyalty card", err)
		}
		if card.Status == engine.CardActive && card.ExpiredAt(now) {
			card.Status = engine.CardExpired
			card.UpdatedAt = now
			if err := tx.SaveLoyaltyCard(ctx, card); err != nil {
				return engine.Persist("expire loyalty card", err)
			}
			expired = true
			return nil
		}
		if card.Status != engine.CardActive {
			return fmt.Errorf("card %s is %s: %w", card.CardNumber, card.Status, engine.ErrCardNotActive)
		}

		usage = engine.LoyaltyUsage{
			ID:             engine.NewID(),
			CardID:         card.ID,
			RepairID:       in.RepairID,
			Kind:           in.Kind,
			OriginalAmount: in.OriginalAmount.RoundMinor(),
			CreatedAt:      now,
		}
		switch in.Kind {
		case engine.UsageDiagnosticFee:
			original := in.OriginalAmount
			if original.IsZero() {
				original = terms.DiagnosticFee
			}
			usage.OriginalAmount = original.RoundMinor()
			usage.DiscountedAmount = terms.MemberDiagnosticFee
			if usage.DiscountedAmount.GreaterThan(usage.OriginalAmount) {
				usage.DiscountedAmount = usage.OriginalAmount
			}
		case engine.UsageRepairDiscount:
			if card.DevicesUsed >= card.MaxDevices {
				return fmt.Errorf("card %s used %d/%d: %w", card.CardNumber, card.DevicesUsed, card.MaxDevices, engine.ErrCardExhausted)
			}
			savings := terms.RepairDiscountPercent.Of(usage.OriginalAmount)
			usage.DiscountedAmount = usage.OriginalAmount.Sub(savings)
			card.DevicesUsed++
			card.UpdatedAt = now
			if err := tx.SaveLoyaltyCard(ctx, card); err != nil {
				return engine.Persist("save loyalty card", err)
			}
		default:
			return fmt.Errorf("usage kind %q: %w", in.Kind, engine.ErrInvalidUsageKind)
		}
		usage.Savings = usage.OriginalAmount.Sub(usage.DiscountedAmount)
		return engine.Persist("append loyalty usage", tx.AppendLoyaltyUsage(ctx, usage))
	})
	if err != nil {
		return engine.LoyaltyUsage{}, err
	}
	if expired {
		return engine.LoyaltyUsage{}, fmt.Errorf("card %s has expired: %w", pre.CardNumber, engine.ErrCardNotActive)
	}
	s.Logger.Info("loyalty usage recorded",
		zap.String("card_id", usage.CardID),
		zap.String("kind", string(usage.Kind)),
		zap.String("savings", usage.Savings.String()))
	return usage, nil
}
