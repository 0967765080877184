// Package ledger holds the entities shared by the commission, settlement,
// payment queue and statement packages.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/shopspring/decimal"
)

// Partner is a node in an org's partner tree. Path lists ancestor ids from
// the root down to the immediate parent; it never contains the partner itself.
type Partner struct {
	ID             uuid.UUID       `json:"id"`
	OrgID          uuid.UUID       `json:"org_id"`
	ContactID      uuid.UUID       `json:"contact_id"`
	Name           string          `json:"name"`
	Tier           string          `json:"tier"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	CreditBalance  money.Amount    `json:"credit_balance"`
	Path           []uuid.UUID     `json:"path"`
	Active         bool            `json:"active"`
	Version        int32           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Depth is the number of ancestors above the partner.
func (p Partner) Depth() int { return len(p.Path) }

// Upline returns ancestors ordered from the immediate parent to the root.
func (p Partner) Upline() []uuid.UUID {
	out := make([]uuid.UUID, len(p.Path))
	for i, id := range p.Path {
		out[len(p.Path)-1-i] = id
	}
	return out
}

// Commission is money owed to a partner for one sale.
type Commission struct {
	ID             uuid.UUID       `json:"id"`
	OrgID          uuid.UUID       `json:"org_id"`
	PartnerID      uuid.UUID       `json:"partner_id"`
	SaleID         uuid.UUID       `json:"sale_id"`
	Type           string          `json:"type"`
	Depth          int32           `json:"depth"`
	Amount         money.Amount    `json:"amount"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
	Status         string          `json:"status"`
	SettlementID   *uuid.UUID      `json:"settlement_id,omitempty"`
	CreditEventID  *uuid.UUID      `json:"credit_event_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Consumed reports whether the commission carries an applied marker.
func (c Commission) Consumed() bool {
	return c.SettlementID != nil || c.CreditEventID != nil
}

// CheckBookkeeping returns an invariant violation when the status and the
// applied marker disagree, i.e. a commission is counted in two places.
func (c Commission) CheckBookkeeping() error {
	switch c.Status {
	case enum.CommissionStatusApplied:
		if !c.Consumed() {
			return Invariant(CodeCommissionBookkeep, "commission "+c.ID.String()+" is applied without an applied marker")
		}
	default:
		if c.Consumed() {
			return Invariant(CodeCommissionBookkeep, "commission "+c.ID.String()+" is "+c.Status+" but carries an applied marker")
		}
	}
	return nil
}

// Obligation is money a contact owes for an order or a legacy movement.
type Obligation struct {
	ID             uuid.UUID    `json:"id"`
	OrgID          uuid.UUID    `json:"org_id"`
	Source         string       `json:"source"`
	OwnerContactID uuid.UUID    `json:"owner_contact_id"`
	BatchID        *uuid.UUID   `json:"batch_id,omitempty"`
	Reference      string       `json:"reference"`
	Subtotal       money.Amount `json:"subtotal"`
	Discount       money.Amount `json:"discount"`
	AmountPaid     money.Amount `json:"amount_paid"`
	PaymentStatus  string       `json:"payment_status"`
	PaymentMethod  string       `json:"payment_method,omitempty"`
	PaymentDate    *time.Time   `json:"payment_date,omitempty"`
	ObligationDate time.Time    `json:"obligation_date"`
	Version        int32        `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Total is subtotal minus discount, never negative.
func (o Obligation) Total() money.Amount { return TotalOf(o.Subtotal, o.Discount) }

// Balance is what remains owed, clamped at zero.
func (o Obligation) Balance() money.Amount { return BalanceOf(o.Total(), o.AmountPaid) }

// WithAmountPaid returns a copy carrying the new paid amount and the status
// derived from it.
func (o Obligation) WithAmountPaid(paid money.Amount) Obligation {
	o.AmountPaid = paid
	o.PaymentStatus = PaymentStatusFor(o.Total(), paid)
	return o
}

// ObligationPayment is one audited change to an obligation's amount_paid.
type ObligationPayment struct {
	ID           uuid.UUID    `json:"id"`
	ObligationID uuid.UUID    `json:"obligation_id"`
	Amount       money.Amount `json:"amount"`
	Method       string       `json:"method"`
	PaidAt       time.Time    `json:"paid_at"`
	Source       string       `json:"source"`
	SourceID     *uuid.UUID   `json:"source_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// CreditEvent is one entry in a partner's credit ledger. CreditBalance on
// Partner is the running sum of BalanceDelta.
type CreditEvent struct {
	ID           uuid.UUID    `json:"id"`
	OrgID        uuid.UUID    `json:"org_id"`
	PartnerID    uuid.UUID    `json:"partner_id"`
	Kind         string       `json:"kind"`
	Amount       money.Amount `json:"amount"`
	BalanceDelta money.Amount `json:"balance_delta"`
	BalanceAfter money.Amount `json:"balance_after"`
	ReferenceID  *uuid.UUID   `json:"reference_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Settlement records one application of a partner's available commissions.
type Settlement struct {
	ID              uuid.UUID              `json:"id"`
	OrgID           uuid.UUID              `json:"org_id"`
	PartnerID       uuid.UUID              `json:"partner_id"`
	TotalCredit     money.Amount           `json:"total_credit"`
	TotalApplied    money.Amount           `json:"total_applied"`
	Banked          money.Amount           `json:"banked"`
	ObligationsPaid int32                  `json:"obligations_paid"`
	Allocations     []SettlementAllocation `json:"allocations"`
	CreatedAt       time.Time              `json:"created_at"`
}

// SettlementAllocation is the share of a settlement paid onto one obligation.
type SettlementAllocation struct {
	SettlementID uuid.UUID    `json:"settlement_id"`
	ObligationID uuid.UUID    `json:"obligation_id"`
	Amount       money.Amount `json:"amount"`
}

// Contact is the identity-boundary read model of a purchasing contact.
type Contact struct {
	ID    uuid.UUID `json:"id"`
	OrgID uuid.UUID `json:"org_id"`
	Name  string    `json:"name"`
}

// SenderAlias maps a normalised payment sender name to a contact.
type SenderAlias struct {
	OrgID      uuid.UUID  `json:"org_id"`
	SenderName string     `json:"sender_name"`
	ContactID  uuid.UUID  `json:"contact_id"`
	CreatedBy  *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// LineItem is a display-only product line of an obligation.
type LineItem struct {
	ID           uuid.UUID    `json:"id"`
	OrgID        uuid.UUID    `json:"-"`
	ObligationID uuid.UUID    `json:"obligation_id"`
	Name         string       `json:"name"`
	Quantity     int32        `json:"quantity"`
	UnitPrice    money.Amount `json:"unit_price"`
}

// Subtotal is quantity times unit price.
func (li LineItem) Subtotal() money.Amount {
	return money.New(li.UnitPrice.Decimal().Mul(decimal.NewFromInt32(li.Quantity)))
}
