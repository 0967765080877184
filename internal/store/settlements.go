package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
)

// CreateSettlement writes the settlement header and its allocation rows.
func (q *Queries) CreateSettlement(ctx context.Context, s ledger.Settlement) (ledger.Settlement, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO settlements (id, org_id, partner_id, total_credit, total_applied, banked, obligations_paid)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		s.ID, s.OrgID, s.PartnerID, amountToNumeric(s.TotalCredit), amountToNumeric(s.TotalApplied),
		amountToNumeric(s.Banked), s.ObligationsPaid,
	).Scan(&s.CreatedAt)
	if err != nil {
		return ledger.Settlement{}, fmt.Errorf("create settlement: %w", err)
	}

	for i := range s.Allocations {
		s.Allocations[i].SettlementID = s.ID
		a := s.Allocations[i]
		_, err := q.db.Exec(ctx, `
			INSERT INTO settlement_allocations (settlement_id, obligation_id, amount)
			VALUES ($1, $2, $3)`, a.SettlementID, a.ObligationID, amountToNumeric(a.Amount))
		if err != nil {
			return ledger.Settlement{}, fmt.Errorf("create settlement allocation: %w", err)
		}
	}
	return s, nil
}

// ListSettlements returns a partner's settlements with allocations, oldest
// first.
func (q *Queries) ListSettlements(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Settlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, org_id, partner_id, total_credit, total_applied, banked, obligations_paid, created_at
		FROM settlements WHERE org_id = $1 AND partner_id = $2
		ORDER BY created_at, id`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	var (
		out   []ledger.Settlement
		index = map[uuid.UUID]int{}
	)
	for rows.Next() {
		var (
			s                       ledger.Settlement
			credit, applied, banked pgtype.Numeric
		)
		if err := rows.Scan(&s.ID, &s.OrgID, &s.PartnerID, &credit, &applied, &banked, &s.ObligationsPaid, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		s.TotalCredit = numericToAmount(credit)
		s.TotalApplied = numericToAmount(applied)
		s.Banked = numericToAmount(banked)
		index[s.ID] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	arows, err := q.db.Query(ctx, `
		SELECT a.settlement_id, a.obligation_id, a.amount
		FROM settlement_allocations a
		JOIN settlements s ON s.id = a.settlement_id
		WHERE s.org_id = $1 AND s.partner_id = $2
		ORDER BY a.settlement_id, a.obligation_id`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list settlement allocations: %w", err)
	}
	defer arows.Close()
	for arows.Next() {
		var (
			a      ledger.SettlementAllocation
			amount pgtype.Numeric
		)
		if err := arows.Scan(&a.SettlementID, &a.ObligationID, &amount); err != nil {
			return nil, fmt.Errorf("scan settlement allocation: %w", err)
		}
		a.Amount = numericToAmount(amount)
		if i, ok := index[a.SettlementID]; ok {
			out[i].Allocations = append(out[i].Allocations, a)
		}
	}
	return out, arows.Err()
}
