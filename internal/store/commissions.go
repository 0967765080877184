package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
)

const commissionColumns = `id, org_id, partner_id, sale_id, type, depth, amount, commission_rate, status, settlement_id, credit_event_id, created_at, updated_at`

func scanCommission(row pgx.Row) (ledger.Commission, error) {
	var (
		c            ledger.Commission
		amount, rate pgtype.Numeric
		sid, ceid    pgtype.UUID
	)
	err := row.Scan(&c.ID, &c.OrgID, &c.PartnerID, &c.SaleID, &c.Type, &c.Depth, &amount, &rate, &c.Status, &sid, &ceid, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return ledger.Commission{}, err
	}
	c.Amount = numericToAmount(amount)
	c.CommissionRate = numericToDecimal(rate)
	c.SettlementID = uuidPtr(sid)
	c.CreditEventID = uuidPtr(ceid)
	return c, nil
}

func collectCommissions(rows pgx.Rows) ([]ledger.Commission, error) {
	defer rows.Close()
	var out []ledger.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCommission writes c unless a row for (partner_id, sale_id, type)
// already exists, in which case the existing row is returned with
// created=false.
func (q *Queries) InsertCommission(ctx context.Context, c ledger.Commission) (ledger.Commission, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO commissions (id, org_id, partner_id, sale_id, type, depth, amount, commission_rate, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT commissions_partner_sale_type_key DO NOTHING
		RETURNING `+commissionColumns,
		c.ID, c.OrgID, c.PartnerID, c.SaleID, c.Type, c.Depth,
		amountToNumeric(c.Amount), decimalToNumeric(c.CommissionRate), c.Status,
	)
	created, err := scanCommission(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Commission{}, false, fmt.Errorf("insert commission: %w", err)
	}

	row = q.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions
		WHERE partner_id = $1 AND sale_id = $2 AND type = $3`, c.PartnerID, c.SaleID, c.Type)
	existing, err := scanCommission(row)
	if err != nil {
		return ledger.Commission{}, false, fmt.Errorf("read existing commission: %w", err)
	}
	return existing, false, nil
}

func (q *Queries) GetCommission(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	row := q.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1 AND org_id = $2`, id, orgID)
	c, err := scanCommission(row)
	if err != nil {
		return ledger.Commission{}, notFound(err, ledger.CodeCommissionNotFound, "commission")
	}
	return c, nil
}

func (q *Queries) GetCommissionForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	row := q.db.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID)
	c, err := scanCommission(row)
	if err != nil {
		return ledger.Commission{}, notFound(err, ledger.CodeCommissionNotFound, "commission")
	}
	return c, nil
}

func (q *Queries) ListCommissionsBySale(ctx context.Context, orgID, saleID uuid.UUID) ([]ledger.Commission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+commissionColumns+` FROM commissions
		WHERE org_id = $1 AND sale_id = $2 ORDER BY depth, id`, orgID, saleID)
	if err != nil {
		return nil, fmt.Errorf("list commissions by sale: %w", err)
	}
	return collectCommissions(rows)
}

// ListCommissionsParams filters a partner's commissions. An empty Status
// returns every status.
type ListCommissionsParams struct {
	OrgID     uuid.UUID
	PartnerID uuid.UUID
	Status    string
}

func (q *Queries) ListCommissionsByPartner(ctx context.Context, arg ListCommissionsParams) ([]ledger.Commission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+commissionColumns+` FROM commissions
		WHERE org_id = $1 AND partner_id = $2 AND ($3 = '' OR status = $3)
		ORDER BY created_at, id`, arg.OrgID, arg.PartnerID, arg.Status)
	if err != nil {
		return nil, fmt.Errorf("list commissions by partner: %w", err)
	}
	return collectCommissions(rows)
}

// ListAvailableCommissionsForUpdate locks every available commission of the
// partner in creation order.
func (q *Queries) ListAvailableCommissionsForUpdate(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Commission, error) {
	rows, err := q.db.Query(ctx, `SELECT `+commissionColumns+` FROM commissions
		WHERE org_id = $1 AND partner_id = $2 AND status = 'available'
		ORDER BY created_at, id
		FOR UPDATE`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list available commissions: %w", err)
	}
	return collectCommissions(rows)
}

// UpdateCommissionStatusParams moves one commission from FromStatus to
// ToStatus. The markers are written as given; nil clears them.
type UpdateCommissionStatusParams struct {
	OrgID         uuid.UUID
	ID            uuid.UUID
	FromStatus    string
	ToStatus      string
	SettlementID  *uuid.UUID
	CreditEventID *uuid.UUID
}

// UpdateCommissionStatus is a compare-and-set on status. A row no longer in
// FromStatus is reported as a conflict.
func (q *Queries) UpdateCommissionStatus(ctx context.Context, arg UpdateCommissionStatusParams) (ledger.Commission, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE commissions
		SET status = $4, settlement_id = $5, credit_event_id = $6, updated_at = now()
		WHERE id = $1 AND org_id = $2 AND status = $3
		RETURNING `+commissionColumns,
		arg.ID, arg.OrgID, arg.FromStatus, arg.ToStatus, pgUUID(arg.SettlementID), pgUUID(arg.CreditEventID),
	)
	c, err := scanCommission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Commission{}, ledger.Conflict(ledger.CodeCommissionState,
				fmt.Sprintf("commission %s is no longer %s", arg.ID, arg.FromStatus))
		}
		return ledger.Commission{}, fmt.Errorf("update commission status: %w", err)
	}
	return c, nil
}

// CommissionTotal is the count and sum of a partner's commissions in one
// status.
type CommissionTotal struct {
	Status string
	Count  int64
	Total  money.Amount
}

func (q *Queries) SummarizeCommissions(ctx context.Context, orgID, partnerID uuid.UUID) ([]CommissionTotal, error) {
	rows, err := q.db.Query(ctx, `
		SELECT status, count(*), COALESCE(sum(amount), 0)
		FROM commissions
		WHERE org_id = $1 AND partner_id = $2
		GROUP BY status
		ORDER BY status`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("summarize commissions: %w", err)
	}
	defer rows.Close()

	var out []CommissionTotal
	for rows.Next() {
		var (
			t   CommissionTotal
			sum pgtype.Numeric
		)
		if err := rows.Scan(&t.Status, &t.Count, &sum); err != nil {
			return nil, fmt.Errorf("scan commission total: %w", err)
		}
		t.Total = numericToAmount(sum)
		out = append(out, t)
	}
	return out, rows.Err()
}
