package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
)

// PaymentWriter is the slice of the store needed to post a payment.
type PaymentWriter interface {
	UpdateObligationPayment(ctx context.Context, arg store.UpdateObligationPaymentParams) (ledger.Obligation, error)
	CreateObligationPayment(ctx context.Context, p ledger.ObligationPayment) (ledger.ObligationPayment, error)
}

// Posting describes where a payment came from.
type Posting struct {
	Method   string
	PaidAt   time.Time
	Source   string
	SourceID *uuid.UUID
}

// PostPayment sets o's cumulative amount_paid to paid, derives the status,
// and appends the delta to the payment audit trail. o must have been read
// for update in the caller's transaction; the version it carries guards the
// write. paid must not be lower than o.AmountPaid.
func PostPayment(ctx context.Context, q PaymentWriter, o ledger.Obligation, paid money.Amount, p Posting) (ledger.Obligation, money.Amount, error) {
	delta := paid.Sub(o.AmountPaid)
	if delta.IsNegative() {
		return ledger.Obligation{}, money.Zero, decreasing(o, paid)
	}
	next := o.WithAmountPaid(paid)
	paidAt := p.PaidAt
	updated, err := q.UpdateObligationPayment(ctx, store.UpdateObligationPaymentParams{
		OrgID:         o.OrgID,
		ID:            o.ID,
		AmountPaid:    next.AmountPaid,
		PaymentStatus: next.PaymentStatus,
		PaymentMethod: p.Method,
		PaymentDate:   &paidAt,
		Version:       o.Version,
	})
	if err != nil {
		return ledger.Obligation{}, money.Zero, err
	}
	if delta.IsPositive() {
		_, err = q.CreateObligationPayment(ctx, ledger.ObligationPayment{
			ObligationID: o.ID,
			Amount:       delta,
			Method:       p.Method,
			PaidAt:       paidAt,
			Source:       p.Source,
			SourceID:     p.SourceID,
		})
		if err != nil {
			return ledger.Obligation{}, money.Zero, fmt.Errorf("record payment entry: %w", err)
		}
	}
	return updated, delta, nil
}

func decreasing(o ledger.Obligation, paid money.Amount) error {
	return ledger.Validation(ledger.CodeDecreasingAmountPaid,
		fmt.Sprintf("amount_paid %s is lower than the recorded %s for obligation %s", paid, o.AmountPaid, o.ID))
}

// IsPaymentMethod reports whether m is an accepted payment method label.
func IsPaymentMethod(m string) bool {
	switch m {
	case enum.PaymentMethodVenmo, enum.PaymentMethodCashApp, enum.PaymentMethodZelle,
		enum.PaymentMethodPayPal, enum.PaymentMethodCash, enum.PaymentMethodCard,
		enum.PaymentMethodCredit, enum.PaymentMethodCommission, enum.PaymentMethodOther:
		return true
	}
	return false
}

// ValidateMethod returns a validation error for unknown methods.
func ValidateMethod(m string) error {
	if !IsPaymentMethod(m) {
		return ledger.Validation(ledger.CodeInvalidMethod, fmt.Sprintf("unsupported payment method %q", m))
	}
	return nil
}
