package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
)

const obligationColumns = `id, org_id, source, owner_contact_id, batch_id, reference, subtotal, discount, amount_paid,
	payment_status, payment_method, payment_date, obligation_date, version, created_at`

func scanObligation(row pgx.Row) (ledger.Obligation, error) {
	var (
		o                        ledger.Obligation
		batch                    pgtype.UUID
		subtotal, discount, paid pgtype.Numeric
		method                   pgtype.Text
		paymentDate              pgtype.Timestamptz
	)
	err := row.Scan(&o.ID, &o.OrgID, &o.Source, &o.OwnerContactID, &batch, &o.Reference,
		&subtotal, &discount, &paid, &o.PaymentStatus, &method, &paymentDate,
		&o.ObligationDate, &o.Version, &o.CreatedAt)
	if err != nil {
		return ledger.Obligation{}, err
	}
	o.BatchID = uuidPtr(batch)
	o.Subtotal = numericToAmount(subtotal)
	o.Discount = numericToAmount(discount)
	o.AmountPaid = numericToAmount(paid)
	o.PaymentMethod = method.String
	if paymentDate.Valid {
		t := paymentDate.Time
		o.PaymentDate = &t
	}
	return o, nil
}

func collectObligations(rows pgx.Rows) ([]ledger.Obligation, error) {
	defer rows.Close()
	var out []ledger.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CreateObligation inserts an order or movement obligation.
func (q *Queries) CreateObligation(ctx context.Context, o ledger.Obligation) (ledger.Obligation, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.ObligationDate.IsZero() {
		o.ObligationDate = time.Now()
	}
	o = o.WithAmountPaid(o.AmountPaid)
	row := q.db.QueryRow(ctx, `
		INSERT INTO obligations (id, org_id, source, owner_contact_id, batch_id, reference,
			subtotal, discount, amount_paid, payment_status, obligation_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+obligationColumns,
		o.ID, o.OrgID, o.Source, o.OwnerContactID, pgUUID(o.BatchID), o.Reference,
		amountToNumeric(o.Subtotal), amountToNumeric(o.Discount), amountToNumeric(o.AmountPaid),
		o.PaymentStatus, o.ObligationDate,
	)
	return scanObligation(row)
}

func (q *Queries) GetObligation(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error) {
	row := q.db.QueryRow(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = $1 AND org_id = $2`, id, orgID)
	o, err := scanObligation(row)
	if err != nil {
		return ledger.Obligation{}, notFound(err, ledger.CodeObligationNotFound, "obligation")
	}
	return o, nil
}

func (q *Queries) GetObligationForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error) {
	row := q.db.QueryRow(ctx, `SELECT `+obligationColumns+` FROM obligations WHERE id = $1 AND org_id = $2 FOR NO KEY UPDATE`, id, orgID)
	o, err := scanObligation(row)
	if err != nil {
		return ledger.Obligation{}, notFound(err, ledger.CodeObligationNotFound, "obligation")
	}
	return o, nil
}

// ListOutstandingObligationsForUpdate locks the contact's obligations that
// are not fully paid, oldest first.
func (q *Queries) ListOutstandingObligationsForUpdate(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error) {
	rows, err := q.db.Query(ctx, `SELECT `+obligationColumns+` FROM obligations
		WHERE org_id = $1 AND owner_contact_id = $2 AND payment_status <> 'paid'
		ORDER BY obligation_date, created_at, id
		FOR NO KEY UPDATE`, orgID, contactID)
	if err != nil {
		return nil, fmt.Errorf("list outstanding obligations: %w", err)
	}
	return collectObligations(rows)
}

func (q *Queries) ListObligationsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error) {
	rows, err := q.db.Query(ctx, `SELECT `+obligationColumns+` FROM obligations
		WHERE org_id = $1 AND owner_contact_id = $2
		ORDER BY obligation_date, created_at, id`, orgID, contactID)
	if err != nil {
		return nil, fmt.Errorf("list obligations by contact: %w", err)
	}
	return collectObligations(rows)
}

func (q *Queries) ListObligationsByBatch(ctx context.Context, orgID, batchID uuid.UUID) ([]ledger.Obligation, error) {
	rows, err := q.db.Query(ctx, `SELECT `+obligationColumns+` FROM obligations
		WHERE org_id = $1 AND batch_id = $2
		ORDER BY obligation_date, created_at, id`, orgID, batchID)
	if err != nil {
		return nil, fmt.Errorf("list obligations by batch: %w", err)
	}
	return collectObligations(rows)
}

// UpdateObligationPaymentParams writes the payment columns of an obligation
// read at Version.
type UpdateObligationPaymentParams struct {
	OrgID         uuid.UUID
	ID            uuid.UUID
	AmountPaid    money.Amount
	PaymentStatus string
	PaymentMethod string
	PaymentDate   *time.Time
	Version       int32
}

func (q *Queries) UpdateObligationPayment(ctx context.Context, arg UpdateObligationPaymentParams) (ledger.Obligation, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE obligations
		SET amount_paid = $3, payment_status = $4, payment_method = $5, payment_date = $6, version = version + 1
		WHERE id = $1 AND org_id = $2 AND version = $7
		RETURNING `+obligationColumns,
		arg.ID, arg.OrgID, amountToNumeric(arg.AmountPaid), arg.PaymentStatus,
		pgText(arg.PaymentMethod), arg.PaymentDate, arg.Version,
	)
	o, err := scanObligation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Obligation{}, versionConflict("obligation", arg.ID)
		}
		return ledger.Obligation{}, fmt.Errorf("update obligation payment: %w", err)
	}
	return o, nil
}

const obligationPaymentColumns = `id, obligation_id, amount, method, paid_at, source, source_id, created_at`

func scanObligationPayment(row pgx.Row) (ledger.ObligationPayment, error) {
	var (
		p      ledger.ObligationPayment
		amount pgtype.Numeric
		src    pgtype.UUID
	)
	if err := row.Scan(&p.ID, &p.ObligationID, &amount, &p.Method, &p.PaidAt, &p.Source, &src, &p.CreatedAt); err != nil {
		return ledger.ObligationPayment{}, err
	}
	p.Amount = numericToAmount(amount)
	p.SourceID = uuidPtr(src)
	return p, nil
}

// CreateObligationPayment appends one entry to the payment audit trail.
func (q *Queries) CreateObligationPayment(ctx context.Context, p ledger.ObligationPayment) (ledger.ObligationPayment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO obligation_payments (id, obligation_id, amount, method, paid_at, source, source_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+obligationPaymentColumns,
		p.ID, p.ObligationID, amountToNumeric(p.Amount), p.Method, p.PaidAt, p.Source, pgUUID(p.SourceID),
	)
	out, err := scanObligationPayment(row)
	if err != nil {
		return ledger.ObligationPayment{}, fmt.Errorf("create obligation payment: %w", err)
	}
	return out, nil
}

// ListObligationPaymentsByContact returns every payment entry against the
// contact's obligations in the order they were recorded.
func (q *Queries) ListObligationPaymentsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.ObligationPayment, error) {
	rows, err := q.db.Query(ctx, `
		SELECT p.id, p.obligation_id, p.amount, p.method, p.paid_at, p.source, p.source_id, p.created_at
		FROM obligation_payments p
		JOIN obligations o ON o.id = p.obligation_id
		WHERE o.org_id = $1 AND o.owner_contact_id = $2
		ORDER BY p.paid_at, p.created_at, p.id`, orgID, contactID)
	if err != nil {
		return nil, fmt.Errorf("list obligation payments: %w", err)
	}
	defer rows.Close()

	var out []ledger.ObligationPayment
	for rows.Next() {
		p, err := scanObligationPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan obligation payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
