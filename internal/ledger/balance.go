package ledger

import (
	"sort"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/shopspring/decimal"
)

// PaidEpsilon is the largest balance still treated as fully paid. It is a
// raw decimal because an Amount rounds to whole cents.
var PaidEpsilon = decimal.RequireFromString("0.005")

func settled(balance money.Amount) bool {
	return balance.Decimal().LessThanOrEqual(PaidEpsilon)
}

// TotalOf returns subtotal - discount, clamped at zero.
func TotalOf(subtotal, discount money.Amount) money.Amount {
	return money.Max(subtotal.Sub(discount), money.Zero)
}

// BalanceOf returns total - paid, clamped at zero for display and allocation.
func BalanceOf(total, paid money.Amount) money.Amount {
	return money.Max(total.Sub(paid), money.Zero)
}

// PaymentStatusFor derives payment_status from total and amount paid.
func PaymentStatusFor(total, paid money.Amount) string {
	if settled(total.Sub(paid)) {
		return enum.PaymentStatusPaid
	}
	if paid.IsPositive() && paid.LessThan(total) {
		return enum.PaymentStatusPartial
	}
	return enum.PaymentStatusUnpaid
}

// SortOldestFirst orders obligations by obligation date, then creation time,
// then id so every run over the same rows visits them identically.
func SortOldestFirst(obs []Obligation) {
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if !a.ObligationDate.Equal(b.ObligationDate) {
			return a.ObligationDate.Before(b.ObligationDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// Allocation is the portion of a pool paid onto one obligation.
type Allocation struct {
	ObligationID uuid.UUID    `json:"obligation_id"`
	Amount       money.Amount `json:"amount"`
	BalanceAfter money.Amount `json:"balance_after"`
	FullyPaid    bool         `json:"fully_paid"`
}

// GreedyPlan is the result of walking obligations in order with a pool.
type GreedyPlan struct {
	Allocations []Allocation
	Applied     money.Amount
	Remaining   money.Amount
}

// GreedyAllocate pays min(remaining, balance) onto each obligation in the
// given order until the pool runs out. Obligations with no balance are
// skipped. The caller decides the order.
func GreedyAllocate(pool money.Amount, obs []Obligation) GreedyPlan {
	plan := GreedyPlan{Applied: money.Zero, Remaining: pool}
	for _, o := range obs {
		if !plan.Remaining.IsPositive() {
			break
		}
		bal := o.Balance()
		if !bal.IsPositive() {
			continue
		}
		pay := money.Min(plan.Remaining, bal)
		after := bal.Sub(pay)
		plan.Allocations = append(plan.Allocations, Allocation{
			ObligationID: o.ID,
			Amount:       pay,
			BalanceAfter: after,
			FullyPaid:    settled(after),
		})
		plan.Applied = plan.Applied.Add(pay)
		plan.Remaining = plan.Remaining.Sub(pay)
	}
	return plan
}
