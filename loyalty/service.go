/*
Package loyalty implements loyalty card activation and benefits.

PURPOSE:
  A customer buys a yearly card from a Centro, directly or through a Corner.
  Activation is a settlement flow like repair completion: the price is split
  with the commission calculator and the platform share is charged to the
  Centro's credit balance.

CARD FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │  Activate(bonifico) ─────────────────────────────┐               │
  │                                                  ▼               │
  │  Activate(stripe) ──▶ pending_payment ──▶ ConfirmPayment ──▶ active
  │                                                                  │
  │                                   expires_at passed ──▶ expired  │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

  Bank transfer is confirmed by the Centro on the spot, so the card is
  active at once. Card payments wait for the payment collaborator to call
  ConfirmPayment with the provider reference.

LAZY EXPIRY:
  Nothing runs on a timer. Any read that finds an active card past
  expires_at flips it to expired in the same transaction before answering.

INVARIANTS:
  - At most one active, non-expired card per (customer, Centro)
  - The platform share is debited exactly once, on activation
  - devices_used never exceeds max_devices

SEE ALSO:
  - engine/commission.go: Split
  - engine/credit.go: DebitIn
*/
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warp/repair-engine/engine"
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store  engine.TxStore
	Config engine.TenantConfigProvider
	Credit *engine.CreditManager
	Locker engine.Locker
	Clock  engine.Clock
	Notify *engine.Dispatcher
	Logger *zap.Logger
}

func NewService(
	store engine.TxStore,
	config engine.TenantConfigProvider,
	credit *engine.CreditManager,
	locker engine.Locker,
	clock engine.Clock,
	notify *engine.Dispatcher,
	logger *zap.Logger,
) *Service {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if locker == nil {
		locker = engine.NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{Store: store, Config: config, Credit: credit, Locker: locker, Clock: clock, Notify: notify, Logger: logger}
}

type ActivateRequest struct {
	CustomerID       string
	CentroID         string
	CornerID         string // Set when the card was sold through a Corner
	Method           engine.PaymentMethod
	PaymentReference string
}

// Activate sells a card. It fails with DuplicateActiveCard if the customer
// already holds an active, non-expired card at the Centro.
func (s *Service) Activate(ctx context.Context, in ActivateRequest) (engine.LoyaltyCard, error) {
	if in.CustomerID == "" || in.CentroID == "" {
		return engine.LoyaltyCard{}, &engine.MissingContextError{What: "customer or centro", ID: in.CustomerID + "/" + in.CentroID}
	}
	if in.Method != engine.PaymentBonifico && in.Method != engine.PaymentStripe {
		return engine.LoyaltyCard{}, fmt.Errorf("%q: %w", in.Method, engine.ErrInvalidPaymentMethod)
	}

	cfg, err := s.Config.TenantConfig(ctx, in.CentroID)
	if err != nil {
		return engine.LoyaltyCard{}, fmt.Errorf("tenant config for %s: %w", in.CentroID, err)
	}
	terms := cfg.Loyalty

	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(in.CustomerID, in.CentroID), engine.BalanceLockKey(engine.Centro(in.CentroID)))
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	defer unlock()

	now := s.Clock.Now()
	var card engine.LoyaltyCard
	var debit *engine.CreditTransaction
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		active, err := s.activeIn(ctx, tx, in.CustomerID, in.CentroID, now)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("customer %s at centro %s (card %s): %w",
				in.CustomerID, in.CentroID, active.CardNumber, engine.ErrDuplicateActiveCard)
		}

		split, err := engine.Split(terms.AnnualPrice, engine.Money{}, terms.Rates(in.CornerID != ""))
		if err != nil {
			return err
		}
		card = engine.LoyaltyCard{
			ID:               engine.NewID(),
			CustomerID:       in.CustomerID,
			CentroID:         in.CentroID,
			CornerID:         in.CornerID,
			CardNumber:       cardNumber(now),
			Status:           engine.CardPendingPayment,
			PaymentMethod:    in.Method,
			PaymentReference: in.PaymentReference,
			MaxDevices:       terms.MaxDevices,
			AmountPaid:       terms.AnnualPrice,
			Split:            split,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if in.Method == engine.PaymentBonifico {
			debit, err = s.activateIn(ctx, tx, &card, terms, in.PaymentReference, now)
			if err != nil {
				return err
			}
		}
		return engine.Persist("save loyalty card", tx.SaveLoyaltyCard(ctx, card))
	})
	if err != nil {
		return engine.LoyaltyCard{}, err
	}

	s.Logger.Info("loyalty card created",
		zap.String("card_id", card.ID),
		zap.String("tenant", card.CentroID),
		zap.String("status", string(card.Status)),
		zap.String("method", string(card.PaymentMethod)))
	if card.Status == engine.CardActive {
		s.emitActivated(ctx, card, debit)
	}
	return card, nil
}

// ConfirmPayment activates a card waiting for a provider payment. Confirming
// an already active card returns it unchanged, so webhook retries are safe.
func (s *Service) ConfirmPayment(ctx context.Context, cardID, reference string) (engine.LoyaltyCard, error) {
	pre, err := s.Store.GetLoyaltyCard(ctx, cardID)
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	cfg, err := s.Config.TenantConfig(ctx, pre.CentroID)
	if err != nil {
		return engine.LoyaltyCard{}, fmt.Errorf("tenant config for %s: %w", pre.CentroID, err)
	}

	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(pre.CustomerID, pre.CentroID), engine.BalanceLockKey(engine.Centro(pre.CentroID)))
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	defer unlock()

	now := s.Clock.Now()
	var card engine.LoyaltyCard
	var debit *engine.CreditTransaction
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		card, err = tx.GetLoyaltyCard(ctx, cardID)
		if err != nil {
			return engine.Persist("get loyalty card", err)
		}
		switch card.Status {
		case engine.CardActive:
			return nil
		case engine.CardExpired:
			return fmt.Errorf("card %s is expired: %w", card.CardNumber, engine.ErrCardNotActive)
		}

		active, err := s.activeIn(ctx, tx, card.CustomerID, card.CentroID, now)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("customer %s at centro %s (card %s): %w",
				card.CustomerID, card.CentroID, active.CardNumber, engine.ErrDuplicateActiveCard)
		}

		debit, err = s.activateIn(ctx, tx, &card, cfg.Loyalty, reference, now)
		if err != nil {
			return err
		}
		return engine.Persist("save loyalty card", tx.SaveLoyaltyCard(ctx, card))
	})
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	if debit != nil {
		s.Logger.Info("loyalty payment confirmed", zap.String("card_id", card.ID), zap.String("tenant", card.CentroID))
		s.emitActivated(ctx, card, debit)
	}
	return card, nil
}

// activeIn returns the pair's active card, expiring any that ran out.
func (s *Service) activeIn(ctx context.Context, tx engine.Store, customerID, centroID string, now time.Time) (*engine.LoyaltyCard, error) {
	cards, err := tx.ListLoyaltyCards(ctx, customerID, centroID)
	if err != nil {
		return nil, engine.Persist("list loyalty cards", err)
	}
	var found *engine.LoyaltyCard
	for i := range cards {
		c := cards[i]
		expired, err := s.expireIn(ctx, tx, &c, now)
		if err != nil {
			return nil, err
		}
		if expired || c.Status != engine.CardActive {
			continue
		}
		if found == nil {
			found = &c
		}
	}
	return found, nil
}

// expireIn flips an active card past its expiry to expired and saves it.
func (s *Service) expireIn(ctx context.Context, tx engine.Store, card *engine.LoyaltyCard, now time.Time) (bool, error) {
	if card.Status != engine.CardActive || !card.ExpiredAt(now) {
		return false, nil
	}
	card.Status = engine.CardExpired
	card.UpdatedAt = now
	if err := tx.SaveLoyaltyCard(ctx, *card); err != nil {
		return false, engine.Persist("expire loyalty card", err)
	}
	s.Logger.Info("loyalty card expired", zap.String("card_id", card.ID))
	return true, nil
}

func (s *Service) activateIn(ctx context.Context, tx engine.Store, card *engine.LoyaltyCard, terms engine.LoyaltyTerms, reference string, now time.Time) (*engine.CreditTransaction, error) {
	validity := terms.ValidityMonths
	if validity <= 0 {
		validity = 12
	}
	expires := engine.AddMonths(now, validity)
	card.Status = engine.CardActive
	card.ActivatedAt = &now
	card.ExpiresAt = &expires
	card.UpdatedAt = now
	if reference != "" {
		card.PaymentReference = reference
	}

	if !card.Split.Platform.IsPositive() {
		return nil, nil
	}
	ct, err := s.Credit.DebitIn(ctx, tx, engine.Posting{
		Tenant:      engine.Centro(card.CentroID),
		Amount:      card.Split.Platform,
		Type:        engine.TxLoyaltyCommission,
		Description: "Platform commission for loyalty card " + card.CardNumber,
		ReferenceID: card.ID,
	})
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (s *Service) emitActivated(ctx context.Context, card engine.LoyaltyCard, debit *engine.CreditTransaction) {
	paid := card.AmountPaid
	ev := engine.Event{Kind: engine.EventLoyaltyActivated, Amount: &paid}
	s.Notify.Send(ctx, engine.Audience{TenantID: card.CentroID, Role: engine.RoleCentro}, ev)
	s.Notify.Send(ctx, engine.Audience{TenantID: card.CustomerID, Role: engine.RoleCustomer}, ev)
	if card.CornerID != "" {
		corner := card.Split.Corner
		s.Notify.Send(ctx, engine.Audience{TenantID: card.CornerID, Role: engine.RoleCorner},
			engine.Event{Kind: engine.EventLoyaltyActivated, Amount: &corner})
	}
	if debit == nil {
		return
	}
	acct, err := s.Store.GetAccount(ctx, engine.Centro(card.CentroID))
	if err != nil {
		return
	}
	if ev, ok := engine.BalanceEvent(acct.PaymentStatus, acct.CreditBalance); ok {
		s.Notify.Send(ctx, engine.Audience{TenantID: card.CentroID, Role: engine.RoleCentro}, ev)
	}
}

// =============================================================================
// READS
// =============================================================================

// ActiveCard returns the pair's active card. ok is false when there is none,
// including when the only active card has just been expired by this call.
func (s *Service) ActiveCard(ctx context.Context, customerID, centroID string) (card engine.LoyaltyCard, ok bool, err error) {
	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(customerID, centroID))
	if err != nil {
		return engine.LoyaltyCard{}, false, err
	}
	defer unlock()

	var found *engine.LoyaltyCard
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		found, err = s.activeIn(ctx, tx, customerID, centroID, s.Clock.Now())
		return err
	})
	if err != nil || found == nil {
		return engine.LoyaltyCard{}, false, err
	}
	return *found, true, nil
}

// Card returns one card, expiring it first if it ran out.
func (s *Service) Card(ctx context.Context, id string) (engine.LoyaltyCard, error) {
	pre, err := s.Store.GetLoyaltyCard(ctx, id)
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(pre.CustomerID, pre.CentroID))
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	defer unlock()

	var card engine.LoyaltyCard
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		card, err = tx.GetLoyaltyCard(ctx, id)
		if err != nil {
			return engine.Persist("get loyalty card", err)
		}
		_, err = s.expireIn(ctx, tx, &card, s.Clock.Now())
		return err
	})
	if err != nil {
		return engine.LoyaltyCard{}, err
	}
	return card, nil
}

// Cards lists the pair's cards with expiry applied.
func (s *Service) Cards(ctx context.Context, customerID, centroID string) ([]engine.LoyaltyCard, error) {
	unlock, err := s.lock(ctx, engine.LoyaltyLockKey(customerID, centroID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var cards []engine.LoyaltyCard
	err = s.Store.WithTx(ctx, func(tx engine.Store) error {
		cards, err = tx.ListLoyaltyCards(ctx, customerID, centroID)
		if err != nil {
			return engine.Persist("list loyalty cards", err)
		}
		now := s.Clock.Now()
		for i := range cards {
			if _, err := s.expireIn(ctx, tx, &cards[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cards, nil
}

func (s *Service) Usages(ctx context.Context, cardID string) ([]engine.LoyaltyUsage, error) {
	return s.Store.ListLoyaltyUsages(ctx, cardID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) lock(ctx context.Context, keys ...string) (func(), error) {
	var held []func()
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, k := range keys {
		unlock, err := s.Locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

// cardNumber is LC-<year>-<8 hex>.
func cardNumber(now time.Time) string {
	id := strings.ToUpper(strings.ReplaceAll(engine.NewID(), "-", ""))
	return fmt.Sprintf("LC-%d-%s", now.Year(), id[:8])
}
