// Package settlement applies partner commissions and credit against
// outstanding obligations and records payments.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/lock"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"go.uber.org/zap"
)

// Events published after commit.
const (
	EventSettlementApplied = "settlement.applied"
	EventCreditChanged     = "credit.changed"
	EventPaymentRecorded   = "obligation.payment_recorded"
)

// Store defines the persistence methods used by the settlement service.
type Store interface {
	PaymentWriter

	GetPartner(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error)
	GetPartnerForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error)
	UpdatePartnerCreditBalance(ctx context.Context, arg store.UpdateCreditBalanceParams) (ledger.Partner, error)

	GetCommission(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)
	GetCommissionForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)
	ListAvailableCommissionsForUpdate(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Commission, error)
	UpdateCommissionStatus(ctx context.Context, arg store.UpdateCommissionStatusParams) (ledger.Commission, error)

	GetObligationForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error)
	ListOutstandingObligationsForUpdate(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error)
	ListObligationsByBatch(ctx context.Context, orgID, batchID uuid.UUID) ([]ledger.Obligation, error)

	CreateCreditEvent(ctx context.Context, e ledger.CreditEvent) (ledger.CreditEvent, error)
	ListCreditEvents(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.CreditEvent, error)
	CreateSettlement(ctx context.Context, s ledger.Settlement) (ledger.Settlement, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db store.DBTX) Store

// Publisher delivers org-scoped events.
type Publisher interface {
	Publish(orgID uuid.UUID, eventType string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(uuid.UUID, string, any) {}

// Service runs settlement and payment operations.
type Service struct {
	pool     store.Pool
	newStore NewStore
	locker   lock.Locker
	pub      Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a settlement service. pub and log may be nil.
func NewService(pool store.Pool, newStore NewStore, locker lock.Locker, pub Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{pool: pool, newStore: newStore, locker: locker, pub: pub, log: log.Named("settlement"), now: time.Now}
}

func (s *Service) lockPartner(ctx context.Context, orgID, partnerID uuid.UUID) (func(), error) {
	unlock, err := s.locker.Lock(ctx, lock.PartnerKey(orgID.String(), partnerID.String()))
	if err != nil {
		return nil, fmt.Errorf("lock partner %s: %w", partnerID, err)
	}
	return unlock, nil
}

// ApplyResult summarises one ApplyCommissionsToOwed run.
type ApplyResult struct {
	SettlementID        *uuid.UUID          `json:"settlement_id,omitempty"`
	PartnerID           uuid.UUID           `json:"partner_id"`
	AvailableCredit     money.Amount        `json:"available_credit"`
	TotalApplied        money.Amount        `json:"total_applied"`
	ObligationsPaid     int                 `json:"obligations_paid"`
	Banked              money.Amount        `json:"banked"`
	CreditBalance       money.Amount        `json:"credit_balance"`
	CommissionsConsumed int                 `json:"commissions_consumed"`
	Allocations         []ledger.Allocation `json:"allocations"`
}

// ApplyCommissionsToOwed consumes the partner's available commissions,
// paying the partner's outstanding obligations oldest first and banking any
// remainder as credit. Everything happens in one transaction. With nothing
// available it returns a zero result and no error.
func (s *Service) ApplyCommissionsToOwed(ctx context.Context, orgID, partnerID uuid.UUID) (ApplyResult, error) {
	result := ApplyResult{PartnerID: partnerID}

	unlock, err := s.lockPartner(ctx, orgID, partnerID)
	if err != nil {
		return result, err
	}
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	partner, err := q.GetPartnerForUpdate(ctx, orgID, partnerID)
	if err != nil {
		return result, err
	}
	result.CreditBalance = partner.CreditBalance

	available, err := q.ListAvailableCommissionsForUpdate(ctx, orgID, partnerID)
	if err != nil {
		return result, err
	}
	pool := money.Zero
	for _, c := range available {
		if err := c.CheckBookkeeping(); err != nil {
			s.log.Error("commission bookkeeping violated", zap.Stringer("commission_id", c.ID), zap.Error(err))
			return result, err
		}
		pool = pool.Add(c.Amount)
	}
	result.AvailableCredit = pool
	if !pool.IsPositive() {
		return result, nil
	}

	obs, err := q.ListOutstandingObligationsForUpdate(ctx, orgID, partner.ContactID)
	if err != nil {
		return result, err
	}
	ledger.SortOldestFirst(obs)
	plan := ledger.GreedyAllocate(pool, obs)

	if !plan.Applied.Add(plan.Remaining).Equal(pool) {
		err := ledger.Invariant(ledger.CodeCreditProjection,
			fmt.Sprintf("allocation of %s produced applied %s + remaining %s", pool, plan.Applied, plan.Remaining))
		s.log.Error("settlement plan does not conserve credit", zap.Stringer("partner_id", partnerID), zap.Error(err))
		return result, err
	}

	settlementID := uuid.New()
	allocs := make([]ledger.SettlementAllocation, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		allocs = append(allocs, ledger.SettlementAllocation{ObligationID: a.ObligationID, Amount: a.Amount})
	}
	paidCount := 0
	for _, a := range plan.Allocations {
		if a.FullyPaid {
			paidCount++
		}
	}
	if _, err := q.CreateSettlement(ctx, ledger.Settlement{
		ID:              settlementID,
		OrgID:           orgID,
		PartnerID:       partnerID,
		TotalCredit:     pool,
		TotalApplied:    plan.Applied,
		Banked:          plan.Remaining,
		ObligationsPaid: int32(paidCount),
		Allocations:     allocs,
	}); err != nil {
		return result, err
	}

	byID := make(map[uuid.UUID]ledger.Obligation, len(obs))
	for _, o := range obs {
		byID[o.ID] = o
	}
	at := s.now()
	for _, a := range plan.Allocations {
		o := byID[a.ObligationID]
		if _, _, err := PostPayment(ctx, q, o, o.AmountPaid.Add(a.Amount), Posting{
			Method: enum.PaymentMethodCommission, PaidAt: at,
			Source: enum.PaymentSourceSettlement, SourceID: &settlementID,
		}); err != nil {
			return result, fmt.Errorf("apply to obligation %s: %w", o.ID, err)
		}
	}

	balance := partner.CreditBalance
	if plan.Remaining.IsPositive() {
		balance = balance.Add(plan.Remaining)
		if _, err := q.CreateCreditEvent(ctx, ledger.CreditEvent{
			OrgID: orgID, PartnerID: partnerID, Kind: enum.CreditEventSettlementBanked,
			Amount: plan.Remaining, BalanceDelta: plan.Remaining, BalanceAfter: balance,
			ReferenceID: &settlementID,
		}); err != nil {
			return result, err
		}
		if _, err := q.UpdatePartnerCreditBalance(ctx, store.UpdateCreditBalanceParams{
			OrgID: orgID, ID: partnerID, Balance: balance, Version: partner.Version,
		}); err != nil {
			return result, err
		}
	}

	for _, c := range available {
		if _, err := q.UpdateCommissionStatus(ctx, store.UpdateCommissionStatusParams{
			OrgID: orgID, ID: c.ID,
			FromStatus: enum.CommissionStatusAvailable, ToStatus: enum.CommissionStatusApplied,
			SettlementID: &settlementID,
		}); err != nil {
			return result, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit tx: %w", err)
	}

	result.SettlementID = &settlementID
	result.TotalApplied = plan.Applied
	result.ObligationsPaid = paidCount
	result.Banked = plan.Remaining
	result.CreditBalance = balance
	result.CommissionsConsumed = len(available)
	result.Allocations = plan.Allocations

	s.log.Info("commissions applied to owed",
		zap.Stringer("partner_id", partnerID), zap.Stringer("settlement_id", settlementID),
		zap.Stringer("available", pool), zap.Stringer("applied", plan.Applied),
		zap.Stringer("banked", plan.Remaining), zap.Int("obligations_paid", paidCount))
	s.pub.Publish(orgID, EventSettlementApplied, result)
	return result, nil
}

// ConvertResult is the outcome of converting one commission to credit.
type ConvertResult struct {
	Commission    ledger.Commission  `json:"commission"`
	CreditEvent   ledger.CreditEvent `json:"credit_event"`
	CreditBalance money.Amount       `json:"credit_balance"`
}

// ConvertCommissionToCredit moves one available commission into the
// partner's credit balance and marks it applied.
func (s *Service) ConvertCommissionToCredit(ctx context.Context, orgID, commissionID uuid.UUID) (ConvertResult, error) {
	peek, err := s.newStore(s.pool).GetCommission(ctx, orgID, commissionID)
	if err != nil {
		return ConvertResult{}, err
	}

	unlock, err := s.lockPartner(ctx, orgID, peek.PartnerID)
	if err != nil {
		return ConvertResult{}, err
	}
	defer unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConvertResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	c, err := q.GetCommissionForUpdate(ctx, orgID, commissionID)
	if err != nil {
		return ConvertResult{}, err
	}
	if err := c.CheckBookkeeping(); err != nil {
		s.log.Error("commission bookkeeping violated", zap.Stringer("commission_id", c.ID), zap.Error(err))
		return ConvertResult{}, err
	}
	if c.Status != enum.CommissionStatusAvailable {
		return ConvertResult{}, ledger.Validation(ledger.CodeCommissionState,
			fmt.Sprintf("commission %s is %s, only available commissions can be converted", c.ID, c.Status))
	}

	partner, err := q.GetPartnerForUpdate(ctx, orgID, c.PartnerID)
	if err != nil {
		return ConvertResult{}, err
	}
	balance := partner.CreditBalance.Add(c.Amount)
	event, err := q.CreateCreditEvent(ctx, ledger.CreditEvent{
		OrgID: orgID, PartnerID: partner.ID, Kind: enum.CreditEventCommissionConverted,
		Amount: c.Amount, BalanceDelta: c.Amount, BalanceAfter: balance, ReferenceID: &c.ID,
	})
	if err != nil {
		return ConvertResult{}, err
	}
	if _, err := q.UpdatePartnerCreditBalance(ctx, store.UpdateCreditBalanceParams{
		OrgID: orgID, ID: partner.ID, Balance: balance, Version: partner.Version,
	}); err != nil {
		return ConvertResult{}, err
	}
	applied, err := q.UpdateCommissionStatus(ctx, store.UpdateCommissionStatusParams{
		OrgID: orgID, ID: c.ID,
		FromStatus: enum.CommissionStatusAvailable, ToStatus: enum.CommissionStatusApplied,
		CreditEventID: &event.ID,
	})
	if err != nil {
		return ConvertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ConvertResult{}, fmt.Errorf("commit tx: %w", err)
	}

	res := ConvertResult{Commission: applied, CreditEvent: event, CreditBalance: balance}
	s.log.Info("commission converted to credit",
		zap.Stringer("commission_id", c.ID), zap.Stringer("partner_id", partner.ID), zap.Stringer("amount", c.Amount))
	s.pub.Publish(orgID, EventCreditChanged, res)
	return res, nil
}

// RecordPaymentParams sets an obligation's cumulative amount paid.
type RecordPaymentParams struct {
	OrgID        uuid.UUID
	ObligationID uuid.UUID
	AmountPaid   money.Amount
	Method       string
	PaidAt       time.Time
}

// PaymentResult is the obligation after a payment and the delta posted.
type PaymentResult struct {
	Obligation ledger.Obligation `json:"obligation"`
	Delta      money.Amount      `json:"delta"`
	Balance    money.Amount      `json:"balance"`
	Replayed   bool              `json:"replayed"`
}

// RecordPayment sets amount_paid to p.AmountPaid. A lower value than the
// stored one is rejected; the same value is a no-op so retries are safe.
func (s *Service) RecordPayment(ctx context.Context, p RecordPaymentParams) (PaymentResult, error) {
	if !p.AmountPaid.IsPositive() {
		return PaymentResult{}, ledger.Validation(ledger.CodeInvalidAmount, "amount_paid must be positive")
	}
	if err := ValidateMethod(p.Method); err != nil {
		return PaymentResult{}, err
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	o, err := q.GetObligationForUpdate(ctx, p.OrgID, p.ObligationID)
	if err != nil {
		return PaymentResult{}, err
	}
	if p.AmountPaid.LessThan(o.AmountPaid) {
		return PaymentResult{}, decreasing(o, p.AmountPaid)
	}
	if p.AmountPaid.Equal(o.AmountPaid) {
		return PaymentResult{Obligation: o, Delta: money.Zero, Balance: o.Balance(), Replayed: true}, nil
	}

	updated, delta, err := PostPayment(ctx, q, o, p.AmountPaid, Posting{
		Method: p.Method, PaidAt: p.PaidAt, Source: enum.PaymentSourceManual,
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return PaymentResult{}, fmt.Errorf("commit tx: %w", err)
	}

	res := PaymentResult{Obligation: updated, Delta: delta, Balance: updated.Balance()}
	s.log.Info("payment recorded",
		zap.Stringer("obligation_id", o.ID), zap.Stringer("amount_paid", updated.AmountPaid),
		zap.String("status", updated.PaymentStatus))
	s.pub.Publish(p.OrgID, EventPaymentRecorded, res)
	return res, nil
}

// BatchPaymentParams spreads a lump sum over a batch of obligations.
type BatchPaymentParams struct {
	OrgID   uuid.UUID
	BatchID uuid.UUID
	Amount  money.Amount
	Method  string
	PaidAt  time.Time
}

// BatchPaymentResult adds the part of the lump sum nothing could absorb.
type BatchPaymentResult struct {
	ledger.BatchResult
	Unapplied money.Amount `json:"unapplied"`
}

// BatchPayment pays the batch's unpaid obligations oldest first with the
// same greedy discipline as settlement. Every obligation is its own
// transaction; paid obligations are skipped, so a retried batch never
// overpays. Cancellation is honoured between obligations.
func (s *Service) BatchPayment(ctx context.Context, p BatchPaymentParams) (BatchPaymentResult, error) {
	var result BatchPaymentResult
	if !p.Amount.IsPositive() {
		return result, ledger.Validation(ledger.CodeInvalidAmount, "amount must be positive")
	}
	if err := ValidateMethod(p.Method); err != nil {
		return result, err
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = s.now()
	}

	obs, err := s.newStore(s.pool).ListObligationsByBatch(ctx, p.OrgID, p.BatchID)
	if err != nil {
		return result, err
	}
	if len(obs) == 0 {
		return result, ledger.NotFound(ledger.CodeBatchEmpty, fmt.Sprintf("batch %s has no obligations", p.BatchID))
	}
	ledger.SortOldestFirst(obs)

	remaining := p.Amount
	for i, o := range obs {
		if err := ctx.Err(); err != nil {
			result.NotAttempted(ids(obs[i:])...)
			result.Unapplied = remaining
			return result, err
		}
		if o.PaymentStatus == enum.PaymentStatusPaid {
			result.Skipped(o.ID, "already paid")
			continue
		}
		if !remaining.IsPositive() {
			result.Skipped(o.ID, "lump sum exhausted")
			continue
		}
		delta, err := s.payOne(ctx, p.OrgID, o.ID, func(cur ledger.Obligation) money.Amount {
			return cur.AmountPaid.Add(money.Min(remaining, cur.Balance()))
		}, Posting{Method: p.Method, PaidAt: p.PaidAt, Source: enum.PaymentSourceBatch, SourceID: &p.BatchID})
		switch {
		case err != nil:
			result.Failed(o.ID, err)
		case delta.IsZero():
			result.Skipped(o.ID, "already paid")
		default:
			remaining = remaining.Sub(delta)
			result.Succeeded(o.ID, &delta)
		}
	}
	result.Unapplied = remaining

	s.log.Info("batch payment applied",
		zap.Stringer("batch_id", p.BatchID), zap.Stringer("amount", p.Amount),
		zap.Stringer("applied", result.Applied), zap.Int("failed", result.Count(ledger.OutcomeFailed)))
	s.pub.Publish(p.OrgID, EventPaymentRecorded, result)
	return result, nil
}

// BulkMarkPaidParams marks a set of obligations fully paid.
type BulkMarkPaidParams struct {
	OrgID         uuid.UUID
	ObligationIDs []uuid.UUID
	Method        string
	PaidAt        time.Time
}

// BulkMarkPaid pays each listed obligation in full, one transaction per
// obligation. Already-paid obligations are skipped.
func (s *Service) BulkMarkPaid(ctx context.Context, p BulkMarkPaidParams) (ledger.BatchResult, error) {
	var result ledger.BatchResult
	if len(p.ObligationIDs) == 0 {
		return result, ledger.Validation(ledger.CodeInvalidInput, "obligation_ids is required")
	}
	if err := ValidateMethod(p.Method); err != nil {
		return result, err
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = s.now()
	}

	for i, id := range p.ObligationIDs {
		if err := ctx.Err(); err != nil {
			result.NotAttempted(p.ObligationIDs[i:]...)
			return result, err
		}
		delta, err := s.payOne(ctx, p.OrgID, id, func(cur ledger.Obligation) money.Amount {
			return money.Max(cur.AmountPaid, cur.Total())
		}, Posting{Method: p.Method, PaidAt: p.PaidAt, Source: enum.PaymentSourceBulk})
		switch {
		case err != nil:
			result.Failed(id, err)
		case delta.IsZero():
			result.Skipped(id, "already paid")
		default:
			result.Succeeded(id, &delta)
		}
	}

	s.log.Info("bulk mark paid",
		zap.Int("requested", len(p.ObligationIDs)), zap.Int("succeeded", result.Count(ledger.OutcomeSucceeded)),
		zap.Int("failed", result.Count(ledger.OutcomeFailed)))
	s.pub.Publish(p.OrgID, EventPaymentRecorded, result)
	return result, nil
}

// payOne re-reads the obligation for update and posts target(current) in a
// transaction of its own. A paid obligation yields a zero delta.
func (s *Service) payOne(ctx context.Context, orgID, id uuid.UUID, target func(ledger.Obligation) money.Amount, p Posting) (money.Amount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return money.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)
	o, err := q.GetObligationForUpdate(ctx, orgID, id)
	if err != nil {
		return money.Zero, err
	}
	if o.PaymentStatus == enum.PaymentStatusPaid {
		return money.Zero, nil
	}
	paid := target(o)
	if !paid.GreaterThan(o.AmountPaid) {
		return money.Zero, nil
	}
	_, delta, err := PostPayment(ctx, q, o, paid, p)
	if err != nil {
		return money.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return money.Zero, fmt.Errorf("commit tx: %w", err)
	}
	return delta, nil
}

func ids(obs []ledger.Obligation) []uuid.UUID {
	out := make([]uuid.UUID, len(obs))
	for i, o := range obs {
		out[i] = o.ID
	}
	return out
}
