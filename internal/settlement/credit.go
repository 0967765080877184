package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"go.uber.org/zap"
)

// RedeemParams spends banked credit on one of the partner's obligations.
type RedeemParams struct {
	OrgID        uuid.UUID
	PartnerID    uuid.UUID
	ObligationID uuid.UUID
	Amount       money.Amount
}

// RedeemResult is the obligation and credit state after a redemption.
type RedeemResult struct {
	Obligation    ledger.Obligation  `json:"obligation"`
	CreditEvent   ledger.CreditEvent `json:"credit_event"`
	Applied       money.Amount       `json:"applied"`
	CreditBalance money.Amount       `json:"credit_balance"`
}

// RedeemCredit pays up to p.Amount of the obligation's balance from the
// partner's credit. The amount is clamped to the balance first, so only the
// clamped amount has to be covered by credit.
func (s *Service) RedeemCredit(ctx context.Context, p RedeemParams) (RedeemResult, error) {
	if !p.Amount.IsPositive() {
		return RedeemResult{}, ledger.Validation(ledger.CodeInvalidAmount, "amount must be positive")
	}

	unlock, err := s.lockPartner(ctx, p.OrgID, p.PartnerID)
	if err != nil {
		return RedeemResult{}, err
	}
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	partner, err := q.GetPartnerForUpdate(ctx, p.OrgID, p.PartnerID)
	if err != nil {
		return RedeemResult{}, err
	}
	o, err := q.GetObligationForUpdate(ctx, p.OrgID, p.ObligationID)
	if err != nil {
		return RedeemResult{}, err
	}
	if o.OwnerContactID != partner.ContactID {
		return RedeemResult{}, ledger.Validation(ledger.CodeContactMismatch,
			fmt.Sprintf("obligation %s does not belong to partner %s", o.ID, partner.ID))
	}
	if o.PaymentStatus == enum.PaymentStatusPaid || !o.Balance().IsPositive() {
		return RedeemResult{}, ledger.Validation(ledger.CodeObligationPaid,
			fmt.Sprintf("obligation %s is already paid", o.ID))
	}

	applied := money.Min(p.Amount, o.Balance())
	if partner.CreditBalance.LessThan(applied) {
		return RedeemResult{}, ledger.Validation(ledger.CodeInsufficientCredit,
			fmt.Sprintf("credit balance %s is below the %s to redeem", partner.CreditBalance, applied))
	}
	updated, _, err := PostPayment(ctx, q, o, o.AmountPaid.Add(applied), Posting{
		Method: enum.PaymentMethodCredit, PaidAt: s.now(),
		Source: enum.PaymentSourceCredit, SourceID: &partner.ID,
	})
	if err != nil {
		return RedeemResult{}, err
	}

	balance := partner.CreditBalance.Sub(applied)
	event, err := q.CreateCreditEvent(ctx, ledger.CreditEvent{
		OrgID: p.OrgID, PartnerID: partner.ID, Kind: enum.CreditEventCreditRedeemed,
		Amount: applied, BalanceDelta: applied.Neg(), BalanceAfter: balance, ReferenceID: &o.ID,
	})
	if err != nil {
		return RedeemResult{}, err
	}
	if _, err := q.UpdatePartnerCreditBalance(ctx, store.UpdateCreditBalanceParams{
		OrgID: p.OrgID, ID: partner.ID, Balance: balance, Version: partner.Version,
	}); err != nil {
		return RedeemResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RedeemResult{}, fmt.Errorf("commit tx: %w", err)
	}

	res := RedeemResult{Obligation: updated, CreditEvent: event, Applied: applied, CreditBalance: balance}
	s.log.Info("credit redeemed",
		zap.Stringer("partner_id", partner.ID), zap.Stringer("obligation_id", o.ID),
		zap.Stringer("applied", applied), zap.Stringer("credit_balance", balance))
	s.pub.Publish(p.OrgID, EventCreditChanged, res)
	return res, nil
}

// AdjustParams is a manual correction to a partner's credit.
type AdjustParams struct {
	OrgID     uuid.UUID
	PartnerID uuid.UUID
	Delta     money.Amount
}

// AdjustCredit records an adjustment event. The resulting balance may not go
// negative.
func (s *Service) AdjustCredit(ctx context.Context, p AdjustParams) (ledger.CreditEvent, error) {
	if p.Delta.IsZero() {
		return ledger.CreditEvent{}, ledger.Validation(ledger.CodeInvalidAmount, "delta must not be zero")
	}

	unlock, err := s.lockPartner(ctx, p.OrgID, p.PartnerID)
	if err != nil {
		return ledger.CreditEvent{}, err
	}
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.CreditEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	partner, err := q.GetPartnerForUpdate(ctx, p.OrgID, p.PartnerID)
	if err != nil {
		return ledger.CreditEvent{}, err
	}
	balance := partner.CreditBalance.Add(p.Delta)
	if balance.IsNegative() {
		return ledger.CreditEvent{}, ledger.Validation(ledger.CodeInsufficientCredit,
			fmt.Sprintf("adjustment %s would leave credit balance at %s", p.Delta, balance))
	}
	amount := p.Delta
	if amount.IsNegative() {
		amount = amount.Neg()
	}
	event, err := q.CreateCreditEvent(ctx, ledger.CreditEvent{
		OrgID: p.OrgID, PartnerID: partner.ID, Kind: enum.CreditEventAdjustment,
		Amount: amount, BalanceDelta: p.Delta, BalanceAfter: balance,
	})
	if err != nil {
		return ledger.CreditEvent{}, err
	}
	if _, err := q.UpdatePartnerCreditBalance(ctx, store.UpdateCreditBalanceParams{
		OrgID: p.OrgID, ID: partner.ID, Balance: balance, Version: partner.Version,
	}); err != nil {
		return ledger.CreditEvent{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.CreditEvent{}, fmt.Errorf("commit tx: %w", err)
	}

	s.log.Info("credit adjusted",
		zap.Stringer("partner_id", partner.ID), zap.Stringer("delta", p.Delta), zap.Stringer("credit_balance", balance))
	s.pub.Publish(p.OrgID, EventCreditChanged, event)
	return event, nil
}

// CreditReport compares the stored balance with the replayed event ledger.
type CreditReport struct {
	PartnerID uuid.UUID    `json:"partner_id"`
	Stored    money.Amount `json:"stored"`
	Replayed  money.Amount `json:"replayed"`
	Events    int          `json:"events"`
}

// VerifyCreditBalance replays the partner's credit events. Any disagreement
// between a running total and the event's balance_after, or between the
// final total and the stored balance, is an invariant violation.
func (s *Service) VerifyCreditBalance(ctx context.Context, orgID, partnerID uuid.UUID) (CreditReport, error) {
	q := s.newStore(s.pool)
	partner, err := q.GetPartner(ctx, orgID, partnerID)
	if err != nil {
		return CreditReport{}, err
	}
	events, err := q.ListCreditEvents(ctx, orgID, partnerID)
	if err != nil {
		return CreditReport{}, err
	}

	report := CreditReport{PartnerID: partnerID, Stored: partner.CreditBalance, Events: len(events)}
	running := money.Zero
	for _, e := range events {
		running = running.Add(e.BalanceDelta)
		if !running.Equal(e.BalanceAfter) {
			report.Replayed = running
			err := ledger.Invariant(ledger.CodeCreditProjection,
				fmt.Sprintf("credit event %s records balance %s, replay gives %s", e.ID, e.BalanceAfter, running))
			s.log.Error("credit ledger replay mismatch", zap.Stringer("partner_id", partnerID), zap.Error(err))
			return report, err
		}
	}
	report.Replayed = running
	if !running.Equal(partner.CreditBalance) {
		err := ledger.Invariant(ledger.CodeCreditProjection,
			fmt.Sprintf("stored credit balance %s, replay gives %s", partner.CreditBalance, running))
		s.log.Error("credit balance projection mismatch", zap.Stringer("partner_id", partnerID), zap.Error(err))
		return report, err
	}
	return report, nil
}
