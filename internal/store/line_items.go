package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
)

// CreateLineItem attaches a display line to an obligation.
func (q *Queries) CreateLineItem(ctx context.Context, li ledger.LineItem) (ledger.LineItem, error) {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO line_items (id, org_id, obligation_id, name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		li.ID, li.OrgID, li.ObligationID, li.Name, li.Quantity, amountToNumeric(li.UnitPrice),
	)
	if err != nil {
		return ledger.LineItem{}, fmt.Errorf("create line item: %w", err)
	}
	return li, nil
}

// ListLineItems returns the lines of the given obligations.
func (q *Queries) ListLineItems(ctx context.Context, orgID uuid.UUID, obligationIDs []uuid.UUID) ([]ledger.LineItem, error) {
	if len(obligationIDs) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, org_id, obligation_id, name, quantity, unit_price
		FROM line_items
		WHERE org_id = $1 AND obligation_id = ANY($2)
		ORDER BY obligation_id, created_at, id`, orgID, uuidArray(obligationIDs))
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	var out []ledger.LineItem
	for rows.Next() {
		var (
			li    ledger.LineItem
			price pgtype.Numeric
		)
		if err := rows.Scan(&li.ID, &li.OrgID, &li.ObligationID, &li.Name, &li.Quantity, &price); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		li.UnitPrice = numericToAmount(price)
		out = append(out, li)
	}
	return out, rows.Err()
}
