// Package commission turns finalized sales into direct and override
// commissions and moves commissions through their payout lifecycle.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventAccrued is published after a sale's commissions are committed.
const EventAccrued = "commission.accrued"

// Store defines the persistence methods used by the commission service.
// Satisfied by *store.Queries and *memstore.Queries.
type Store interface {
	GetPartner(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error)
	ListPartnersByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]ledger.Partner, error)
	ListDownline(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Partner, error)
	InsertCommission(ctx context.Context, c ledger.Commission) (ledger.Commission, bool, error)
	GetCommission(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)
	ListCommissionsByPartner(ctx context.Context, arg store.ListCommissionsParams) ([]ledger.Commission, error)
	UpdateCommissionStatus(ctx context.Context, arg store.UpdateCommissionStatusParams) (ledger.Commission, error)
	SummarizeCommissions(ctx context.Context, orgID, partnerID uuid.UUID) ([]store.CommissionTotal, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db store.DBTX) Store

// Publisher delivers org-scoped events, e.g. the websocket hub.
type Publisher interface {
	Publish(orgID uuid.UUID, eventType string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(uuid.UUID, string, any) {}

// Sale is a finalized sale handed over by the order system.
type Sale struct {
	OrgID    uuid.UUID
	SaleID   uuid.UUID
	SellerID uuid.UUID
	Amount   money.Amount
	SoldAt   time.Time
}

// SkippedAncestor is an upline node that earned nothing for the sale.
type SkippedAncestor struct {
	PartnerID uuid.UUID `json:"partner_id"`
	Depth     int       `json:"depth"`
	Reason    string    `json:"reason"`
}

// Reasons an ancestor is skipped.
const (
	SkipMissing  = "missing"
	SkipInactive = "inactive"
)

// AccrualResult lists the commission rows for a sale after accrual.
type AccrualResult struct {
	SaleID   uuid.UUID           `json:"sale_id"`
	Created  []ledger.Commission `json:"created"`
	Existing []ledger.Commission `json:"existing"`
	Skipped  []SkippedAncestor   `json:"skipped,omitempty"`
}

// PartnerTotal is one partner's share of a sale's new commissions.
type PartnerTotal struct {
	PartnerID uuid.UUID    `json:"partner_id"`
	Total     money.Amount `json:"total"`
}

// Service accrues commissions and advances their status.
type Service struct {
	pool     store.Pool
	newStore NewStore
	rates    RateTable
	pub      Publisher
	log      *zap.Logger
}

// NewService creates a commission service. pub and log may be nil.
func NewService(pool store.Pool, newStore NewStore, rates RateTable, pub Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{pool: pool, newStore: newStore, rates: rates, pub: pub, log: log.Named("commission")}
}

// Accrue writes the direct commission for the seller and an override for
// every ancestor with a configured rate. Overrides are computed off the sale
// amount. Rows that already exist for (partner, sale, type) are returned in
// Existing and never duplicated, so Accrue is safe to retry.
func (s *Service) Accrue(ctx context.Context, sale Sale) (AccrualResult, error) {
	result := AccrualResult{SaleID: sale.SaleID}
	if sale.SaleID == uuid.Nil || sale.SellerID == uuid.Nil {
		return result, ledger.Validation(ledger.CodeInvalidInput, "sale_id and seller_id are required")
	}
	if sale.Amount.IsNegative() {
		return result, ledger.Validation(ledger.CodeInvalidAmount, "sale amount must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	seller, err := q.GetPartner(ctx, sale.OrgID, sale.SellerID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.log.Warn("accrual skipped: seller not found",
				zap.Stringer("sale_id", sale.SaleID), zap.Stringer("seller_id", sale.SellerID))
		}
		return result, err
	}
	if !seller.Active {
		s.log.Warn("accrual skipped: seller inactive",
			zap.Stringer("sale_id", sale.SaleID), zap.Stringer("seller_id", sale.SellerID))
		return result, ledger.Validation(ledger.CodeSellerInactive, fmt.Sprintf("seller %s is inactive", seller.ID))
	}

	rows := []ledger.Commission{s.row(sale, seller.ID, 0, seller.CommissionRate)}

	upline := seller.Upline()
	if len(upline) > 0 {
		ancestors, err := q.ListPartnersByIDs(ctx, sale.OrgID, upline)
		if err != nil {
			return result, fmt.Errorf("load upline: %w", err)
		}
		byID := make(map[uuid.UUID]ledger.Partner, len(ancestors))
		for _, a := range ancestors {
			byID[a.ID] = a
		}
		for i, id := range upline {
			depth := i + 1
			a, ok := byID[id]
			switch {
			case !ok:
				result.Skipped = append(result.Skipped, SkippedAncestor{PartnerID: id, Depth: depth, Reason: SkipMissing})
				continue
			case !a.Active:
				result.Skipped = append(result.Skipped, SkippedAncestor{PartnerID: id, Depth: depth, Reason: SkipInactive})
				continue
			}
			rate, ok := s.rates.Rate(depth, a.Tier)
			if !ok {
				continue
			}
			rows = append(rows, s.row(sale, a.ID, depth, rate))
		}
	}

	for _, c := range rows {
		if !c.Amount.IsPositive() {
			continue
		}
		stored, created, err := q.InsertCommission(ctx, c)
		if err != nil {
			return AccrualResult{SaleID: sale.SaleID}, fmt.Errorf("insert %s commission: %w", c.Type, err)
		}
		if created {
			result.Created = append(result.Created, stored)
		} else {
			result.Existing = append(result.Existing, stored)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AccrualResult{SaleID: sale.SaleID}, fmt.Errorf("commit tx: %w", err)
	}

	for _, sk := range result.Skipped {
		s.log.Warn("upline partner skipped",
			zap.Stringer("sale_id", sale.SaleID), zap.Stringer("partner_id", sk.PartnerID),
			zap.Int("depth", sk.Depth), zap.String("reason", sk.Reason))
	}
	if len(result.Created) > 0 {
		s.log.Info("commissions accrued",
			zap.Stringer("sale_id", sale.SaleID), zap.Int("created", len(result.Created)),
			zap.Int("existing", len(result.Existing)))
		s.pub.Publish(sale.OrgID, EventAccrued, map[string]any{
			"sale_id":  sale.SaleID,
			"partners": partnerTotals(result.Created),
		})
	}
	return result, nil
}

func (s *Service) row(sale Sale, partnerID uuid.UUID, depth int, rate decimal.Decimal) ledger.Commission {
	return ledger.Commission{
		OrgID:          sale.OrgID,
		PartnerID:      partnerID,
		SaleID:         sale.SaleID,
		Type:           TypeForDepth(depth),
		Depth:          int32(depth),
		Amount:         sale.Amount.MulRate(rate),
		CommissionRate: rate,
		Status:         enum.CommissionStatusPending,
	}
}

func partnerTotals(cs []ledger.Commission) []PartnerTotal {
	var out []PartnerTotal
	idx := map[uuid.UUID]int{}
	for _, c := range cs {
		i, ok := idx[c.PartnerID]
		if !ok {
			i = len(out)
			idx[c.PartnerID] = i
			out = append(out, PartnerTotal{PartnerID: c.PartnerID})
		}
		out[i].Total = out[i].Total.Add(c.Amount)
	}
	return out
}

// MarkAvailable moves pending commissions to available. Each id is its own
// update; ids already available are skipped.
func (s *Service) MarkAvailable(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (ledger.BatchResult, error) {
	var result ledger.BatchResult
	q := s.newStore(s.pool)
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			result.NotAttempted(ids[i:]...)
			return result, err
		}
		c, err := q.GetCommission(ctx, orgID, id)
		if err != nil {
			result.Failed(id, err)
			continue
		}
		if c.Status == enum.CommissionStatusAvailable {
			result.Skipped(id, "already available")
			continue
		}
		if c.Status != enum.CommissionStatusPending {
			result.Failed(id, stateError(c, enum.CommissionStatusPending))
			continue
		}
		updated, err := q.UpdateCommissionStatus(ctx, store.UpdateCommissionStatusParams{
			OrgID: orgID, ID: id, FromStatus: enum.CommissionStatusPending, ToStatus: enum.CommissionStatusAvailable,
		})
		if err != nil {
			result.Failed(id, err)
			continue
		}
		amount := updated.Amount
		result.Succeeded(id, &amount)
	}
	return result, nil
}

// MarkPaid records that an available commission was paid out.
func (s *Service) MarkPaid(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	return s.transition(ctx, orgID, id, enum.CommissionStatusAvailable, enum.CommissionStatusPaid)
}

// Void cancels a pending commission, e.g. after the sale was refunded.
func (s *Service) Void(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	return s.transition(ctx, orgID, id, enum.CommissionStatusPending, enum.CommissionStatusVoid)
}

func (s *Service) transition(ctx context.Context, orgID, id uuid.UUID, from, to string) (ledger.Commission, error) {
	q := s.newStore(s.pool)
	c, err := q.GetCommission(ctx, orgID, id)
	if err != nil {
		return ledger.Commission{}, err
	}
	if c.Status != from {
		return ledger.Commission{}, stateError(c, from)
	}
	updated, err := q.UpdateCommissionStatus(ctx, store.UpdateCommissionStatusParams{
		OrgID: orgID, ID: id, FromStatus: from, ToStatus: to,
	})
	if err != nil {
		return ledger.Commission{}, err
	}
	s.log.Info("commission status changed",
		zap.Stringer("commission_id", id), zap.String("from", from), zap.String("to", to))
	return updated, nil
}

func stateError(c ledger.Commission, want string) error {
	return ledger.Validation(ledger.CodeCommissionState,
		fmt.Sprintf("commission %s is %s, expected %s", c.ID, c.Status, want))
}

// Summary is a partner's commission totals by status.
type Summary struct {
	PartnerID     uuid.UUID        `json:"partner_id"`
	Pending       money.Amount     `json:"pending"`
	Available     money.Amount     `json:"available"`
	Paid          money.Amount     `json:"paid"`
	Applied       money.Amount     `json:"applied"`
	Void          money.Amount     `json:"void"`
	Counts        map[string]int64 `json:"counts"`
	CreditBalance money.Amount     `json:"credit_balance"`
}

// Summary totals a partner's commissions.
func (s *Service) Summary(ctx context.Context, orgID, partnerID uuid.UUID) (Summary, error) {
	q := s.newStore(s.pool)
	p, err := q.GetPartner(ctx, orgID, partnerID)
	if err != nil {
		return Summary{}, err
	}
	totals, err := q.SummarizeCommissions(ctx, orgID, partnerID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{PartnerID: partnerID, Counts: map[string]int64{}, CreditBalance: p.CreditBalance}
	for _, t := range totals {
		sum.Counts[t.Status] = t.Count
		switch t.Status {
		case enum.CommissionStatusPending:
			sum.Pending = t.Total
		case enum.CommissionStatusAvailable:
			sum.Available = t.Total
		case enum.CommissionStatusPaid:
			sum.Paid = t.Total
		case enum.CommissionStatusApplied:
			sum.Applied = t.Total
		case enum.CommissionStatusVoid:
			sum.Void = t.Total
		}
	}
	return sum, nil
}

// DownlineNode is one partner below the root of a downline listing. Depth is
// counted from the root, so direct recruits are at depth 1.
type DownlineNode struct {
	ledger.Partner
	Depth    int        `json:"depth"`
	ParentID *uuid.UUID `json:"parent_id"`
}

// Downline lists every partner under partnerID, nearest levels first. The
// root itself is not included.
func (s *Service) Downline(ctx context.Context, orgID, partnerID uuid.UUID) ([]DownlineNode, error) {
	q := s.newStore(s.pool)
	root, err := q.GetPartner(ctx, orgID, partnerID)
	if err != nil {
		return nil, err
	}
	ps, err := q.ListDownline(ctx, orgID, partnerID)
	if err != nil {
		return nil, err
	}
	nodes := make([]DownlineNode, 0, len(ps))
	for _, p := range ps {
		n := DownlineNode{Partner: p, Depth: p.Depth() - root.Depth()}
		if len(p.Path) > 0 {
			parent := p.Path[len(p.Path)-1]
			n.ParentID = &parent
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ListForPartner returns a partner's commissions, optionally filtered by
// status. A row whose status disagrees with its applied marker aborts the
// listing.
func (s *Service) ListForPartner(ctx context.Context, orgID, partnerID uuid.UUID, status string) ([]ledger.Commission, error) {
	if status != "" && !isCommissionStatus(status) {
		return nil, ledger.Validation(ledger.CodeInvalidInput, fmt.Sprintf("unknown commission status %q", status))
	}
	q := s.newStore(s.pool)
	if _, err := q.GetPartner(ctx, orgID, partnerID); err != nil {
		return nil, err
	}
	cs, err := q.ListCommissionsByPartner(ctx, store.ListCommissionsParams{OrgID: orgID, PartnerID: partnerID, Status: status})
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		if err := c.CheckBookkeeping(); err != nil {
			s.log.Error("commission bookkeeping violated", zap.Stringer("commission_id", c.ID), zap.Error(err))
			return nil, err
		}
	}
	return cs, nil
}

func isCommissionStatus(s string) bool {
	switch s {
	case enum.CommissionStatusPending, enum.CommissionStatusAvailable, enum.CommissionStatusPaid,
		enum.CommissionStatusApplied, enum.CommissionStatusVoid:
		return true
	}
	return false
}
