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

const partnerColumns = `id, org_id, contact_id, name, tier, commission_rate, credit_balance, path, active, version, created_at`

func scanPartner(row pgx.Row) (ledger.Partner, error) {
	var (
		p       ledger.Partner
		rate    pgtype.Numeric
		balance pgtype.Numeric
		path    []pgtype.UUID
	)
	err := row.Scan(&p.ID, &p.OrgID, &p.ContactID, &p.Name, &p.Tier, &rate, &balance, &path, &p.Active, &p.Version, &p.CreatedAt)
	if err != nil {
		return ledger.Partner{}, err
	}
	p.CommissionRate = numericToDecimal(rate)
	p.CreditBalance = numericToAmount(balance)
	p.Path = make([]uuid.UUID, 0, len(path))
	for _, id := range path {
		if id.Valid {
			p.Path = append(p.Path, uuid.UUID(id.Bytes))
		}
	}
	return p, nil
}

func uuidArray(ids []uuid.UUID) []pgtype.UUID {
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = pgtype.UUID{Bytes: id, Valid: true}
	}
	return out
}

// GetPartner reads a partner in the org.
func (q *Queries) GetPartner(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error) {
	row := q.db.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1 AND org_id = $2`, id, orgID)
	p, err := scanPartner(row)
	if err != nil {
		return ledger.Partner{}, notFound(err, ledger.CodePartnerNotFound, "partner")
	}
	return p, nil
}

// GetPartnerForUpdate locks the partner row for the rest of the transaction.
// Settlement takes this lock before reading available commissions.
func (q *Queries) GetPartnerForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error) {
	row := q.db.QueryRow(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID)
	p, err := scanPartner(row)
	if err != nil {
		return ledger.Partner{}, notFound(err, ledger.CodePartnerNotFound, "partner")
	}
	return p, nil
}

// ListPartnersByIDs returns the partners found among ids; missing ids are
// simply absent from the result.
func (q *Queries) ListPartnersByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]ledger.Partner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := q.db.Query(ctx, `SELECT `+partnerColumns+` FROM partners WHERE org_id = $1 AND id = ANY($2)`, orgID, uuidArray(ids))
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	defer rows.Close()

	var out []ledger.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListDownline returns every partner whose path contains partnerID, nearest
// levels first.
func (q *Queries) ListDownline(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Partner, error) {
	rows, err := q.db.Query(ctx, `SELECT `+partnerColumns+` FROM partners
		WHERE org_id = $1 AND $2 = ANY(path)
		ORDER BY cardinality(path), name, id`, orgID, partnerID)
	if err != nil {
		return nil, fmt.Errorf("list downline: %w", err)
	}
	defer rows.Close()

	var out []ledger.Partner
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan partner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePartner inserts a partner node. Used by seeding and tests.
func (q *Queries) CreatePartner(ctx context.Context, p ledger.Partner) (ledger.Partner, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO partners (id, org_id, contact_id, name, tier, commission_rate, credit_balance, path, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+partnerColumns,
		p.ID, p.OrgID, p.ContactID, p.Name, p.Tier, decimalToNumeric(p.CommissionRate),
		amountToNumeric(p.CreditBalance), uuidArray(p.Path), p.Active,
	)
	return scanPartner(row)
}

// UpdateCreditBalanceParams carries the new materialised balance and the
// version the caller read.
type UpdateCreditBalanceParams struct {
	OrgID   uuid.UUID
	ID      uuid.UUID
	Balance money.Amount
	Version int32
}

// UpdatePartnerCreditBalance writes credit_balance if the row still has the
// version the caller read.
func (q *Queries) UpdatePartnerCreditBalance(ctx context.Context, arg UpdateCreditBalanceParams) (ledger.Partner, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE partners SET credit_balance = $3, version = version + 1
		WHERE id = $1 AND org_id = $2 AND version = $4
		RETURNING `+partnerColumns,
		arg.ID, arg.OrgID, amountToNumeric(arg.Balance), arg.Version,
	)
	p, err := scanPartner(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ledger.Partner{}, versionConflict("partner", arg.ID)
		}
		return ledger.Partner{}, fmt.Errorf("update credit balance: %w", err)
	}
	return p, nil
}
