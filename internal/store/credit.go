package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
)

const creditEventColumns = `id, org_id, partner_id, kind, amount, balance_delta, balance_after, reference_id, created_at`

func scanCreditEvent(row pgx.Row) (ledger.CreditEvent, error) {
	var (
		e                    ledger.CreditEvent
		amount, delta, after pgtype.Numeric
		ref                  pgtype.UUID
	)
	if err := row.Scan(&e.ID, &e.OrgID, &e.PartnerID, &e.Kind, &amount, &delta, &after, &ref, &e.CreatedAt); err != nil {
		return ledger.CreditEvent{}, err
	}
	e.Amount = numericToAmount(amount)
	e.BalanceDelta = numericToAmount(delta)
	e.BalanceAfter = numericToAmount(after)
	e.ReferenceID = uuidPtr(ref)
	return e, nil
}

// CreateCreditEvent appends to the partner's credit ledger. The caller
// computes BalanceAfter from the locked partner row.
func (q *Queries) CreateCreditEvent(ctx context.Context, e ledger.CreditEvent) (ledger.CreditEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO credit_events (id, org_id, partner_id, kind, amount, balance_delta, balance_after, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+creditEventColumns,
		e.ID, e.OrgID, e.PartnerID, e.Kind, amountToNumeric(e.Amount),
		amountToNumeric(e.BalanceDelta), amountToNumeric(e.BalanceAfter), pgUUID(e.ReferenceID),
	)
	out, err := scanCreditEvent(row)
	if err != nil {
		return ledger.CreditEvent{}, fmt.Errorf("create credit event: %w", err)
	}
	return out, nil
}

// ListCreditEvents returns the partner's credit ledger in append order.
func (q *Queries) ListCreditEvents(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.CreditEvent, error) {
	rows, err := q.db.Query(ctx, `SELECT `+creditEventColumns+` FROM credit_events
		WHERE org_id = $1 AND partner_id = $2 ORDER BY created_at, id`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list credit events: %w", err)
	}
	defer rows.Close()

	var out []ledger.CreditEvent
	for rows.Next() {
		e, err := scanCreditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SumCreditDeltas replays the ledger in the database.
func (q *Queries) SumCreditDeltas(ctx context.Context, orgID, partnerID uuid.UUID) (money.Amount, error) {
	var sum pgtype.Numeric
	err := q.db.QueryRow(ctx, `SELECT COALESCE(sum(balance_delta), 0) FROM credit_events
		WHERE org_id = $1 AND partner_id = $2`, orgID, partnerID).Scan(&sum)
	if err != nil {
		return money.Zero, fmt.Errorf("sum credit deltas: %w", err)
	}
	return numericToAmount(sum), nil
}
