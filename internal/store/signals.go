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
)

const signalColumns = `id, org_id, external_id, method, method_details, sender_name, amount, email_date, subject, snippet,
	matched_obligation_id, matched_contact_id, match_provenance, ai_suggested_contact_id, ai_reasoning,
	confidence, status, approved_amount, reviewed_by, reviewed_at, auto_posted_at, notes, created_at`

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func scanSignal(row pgx.Row) (ledger.PaymentSignal, error) {
	var (
		s                                 ledger.PaymentSignal
		details                           []byte
		amount, approved                  pgtype.Numeric
		emailDate, reviewedAt, postedAt   pgtype.Timestamptz
		obligation, contact, ai, reviewer pgtype.UUID
		provenance                        pgtype.Text
	)
	err := row.Scan(&s.ID, &s.OrgID, &s.ExternalID, &s.Method, &details, &s.SenderName, &amount, &emailDate,
		&s.Subject, &s.Snippet, &obligation, &contact, &provenance, &ai, &s.AIReasoning,
		&s.Confidence, &s.Status, &approved, &reviewer, &reviewedAt, &postedAt, &s.Notes, &s.CreatedAt)
	if err != nil {
		return ledger.PaymentSignal{}, err
	}
	s.Details, err = ledger.DecodeSignalDetails(s.Method, details)
	if err != nil {
		return ledger.PaymentSignal{}, fmt.Errorf("decode details of signal %s: %w", s.ID, err)
	}
	s.Amount = numericToAmount(amount)
	if approved.Valid {
		a := numericToAmount(approved)
		s.ApprovedAmount = &a
	}
	s.EmailDate = timePtr(emailDate)
	s.ReviewedAt = timePtr(reviewedAt)
	s.AutoPostedAt = timePtr(postedAt)
	s.MatchedObligationID = uuidPtr(obligation)
	s.MatchedContactID = uuidPtr(contact)
	s.AISuggestedContactID = uuidPtr(ai)
	s.ReviewedBy = uuidPtr(reviewer)
	s.MatchProvenance = provenance.String
	return s, nil
}

func collectSignals(rows pgx.Rows) ([]ledger.PaymentSignal, error) {
	defer rows.Close()
	var out []ledger.PaymentSignal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSignal writes a scanned signal. A second insert with the same
// external id returns the stored row with created=false.
func (q *Queries) InsertSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	details, err := ledger.EncodeSignalDetails(s.Details)
	if err != nil {
		return ledger.PaymentSignal{}, false, fmt.Errorf("encode signal details: %w", err)
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO payment_signals (id, org_id, external_id, method, method_details, sender_name, amount, email_date,
			subject, snippet, matched_obligation_id, matched_contact_id, match_provenance, ai_suggested_contact_id,
			ai_reasoning, confidence, status, approved_amount, auto_posted_at, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT ON CONSTRAINT payment_signals_org_external_key DO NOTHING
		RETURNING `+signalColumns,
		s.ID, s.OrgID, s.ExternalID, s.Method, details, s.SenderName, amountToNumeric(s.Amount), s.EmailDate,
		s.Subject, s.Snippet, pgUUID(s.MatchedObligationID), pgUUID(s.MatchedContactID), pgText(s.MatchProvenance),
		pgUUID(s.AISuggestedContactID), s.AIReasoning, s.Confidence, s.Status, optionalNumeric(s.ApprovedAmount),
		s.AutoPostedAt, s.Notes,
	)
	created, err := scanSignal(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.PaymentSignal{}, false, fmt.Errorf("insert signal: %w", err)
	}
	row = q.db.QueryRow(ctx, `SELECT `+signalColumns+` FROM payment_signals WHERE org_id = $1 AND external_id = $2`, s.OrgID, s.ExternalID)
	existing, err := scanSignal(row)
	if err != nil {
		return ledger.PaymentSignal{}, false, fmt.Errorf("read existing signal: %w", err)
	}
	return existing, false, nil
}

func (q *Queries) GetSignal(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error) {
	row := q.db.QueryRow(ctx, `SELECT `+signalColumns+` FROM payment_signals WHERE id = $1 AND org_id = $2`, id, orgID)
	s, err := scanSignal(row)
	if err != nil {
		return ledger.PaymentSignal{}, notFound(err, ledger.CodeSignalNotFound, "payment signal")
	}
	return s, nil
}

func (q *Queries) GetSignalForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error) {
	row := q.db.QueryRow(ctx, `SELECT `+signalColumns+` FROM payment_signals WHERE id = $1 AND org_id = $2 FOR UPDATE`, id, orgID)
	s, err := scanSignal(row)
	if err != nil {
		return ledger.PaymentSignal{}, notFound(err, ledger.CodeSignalNotFound, "payment signal")
	}
	return s, nil
}

// UpdateSignal writes the mutable review columns of s.
func (q *Queries) UpdateSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE payment_signals
		SET matched_obligation_id = $3, matched_contact_id = $4, match_provenance = $5,
			ai_suggested_contact_id = $6, ai_reasoning = $7, confidence = $8, status = $9,
			approved_amount = $10, reviewed_by = $11, reviewed_at = $12, auto_posted_at = $13, notes = $14
		WHERE id = $1 AND org_id = $2
		RETURNING `+signalColumns,
		s.ID, s.OrgID, pgUUID(s.MatchedObligationID), pgUUID(s.MatchedContactID), pgText(s.MatchProvenance),
		pgUUID(s.AISuggestedContactID), s.AIReasoning, s.Confidence, s.Status,
		optionalNumeric(s.ApprovedAmount), pgUUID(s.ReviewedBy), s.ReviewedAt, s.AutoPostedAt, s.Notes,
	)
	out, err := scanSignal(row)
	if err != nil {
		return ledger.PaymentSignal{}, notFound(err, ledger.CodeSignalNotFound, "payment signal")
	}
	return out, nil
}

// ListSignalsParams pages through an org's queue. An empty Status lists all.
type ListSignalsParams struct {
	OrgID  uuid.UUID
	Status string
	Limit  int32
	Offset int32
}

func (q *Queries) ListSignals(ctx context.Context, arg ListSignalsParams) ([]ledger.PaymentSignal, error) {
	rows, err := q.db.Query(ctx, `SELECT `+signalColumns+` FROM payment_signals
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`, arg.OrgID, arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return collectSignals(rows)
}

func (q *Queries) CountSignalsByStatus(ctx context.Context, orgID uuid.UUID, status string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM payment_signals WHERE org_id = $1 AND status = $2`, orgID, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}

// ListPostedSignalsByContact returns approved and auto-posted signals
// matched to the contact.
func (q *Queries) ListPostedSignalsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.PaymentSignal, error) {
	rows, err := q.db.Query(ctx, `SELECT `+signalColumns+` FROM payment_signals
		WHERE org_id = $1 AND matched_contact_id = $2 AND status IN ('approved', 'auto_posted')
		ORDER BY created_at, id`, orgID, contactID)
	if err != nil {
		return nil, fmt.Errorf("list posted signals: %w", err)
	}
	return collectSignals(rows)
}

// UpsertSenderAlias points a normalised sender name at a contact.
func (q *Queries) UpsertSenderAlias(ctx context.Context, a ledger.SenderAlias) (ledger.SenderAlias, error) {
	var (
		out ledger.SenderAlias
		by  pgtype.UUID
	)
	err := q.db.QueryRow(ctx, `
		INSERT INTO sender_aliases (org_id, sender_name, contact_id, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, sender_name) DO UPDATE SET contact_id = EXCLUDED.contact_id, created_by = EXCLUDED.created_by
		RETURNING org_id, sender_name, contact_id, created_by, created_at`,
		a.OrgID, a.SenderName, a.ContactID, pgUUID(a.CreatedBy),
	).Scan(&out.OrgID, &out.SenderName, &out.ContactID, &by, &out.CreatedAt)
	if err != nil {
		return ledger.SenderAlias{}, fmt.Errorf("upsert sender alias: %w", err)
	}
	out.CreatedBy = uuidPtr(by)
	return out, nil
}

func (q *Queries) GetSenderAlias(ctx context.Context, orgID uuid.UUID, senderName string) (ledger.SenderAlias, error) {
	var (
		out ledger.SenderAlias
		by  pgtype.UUID
	)
	err := q.db.QueryRow(ctx, `
		SELECT org_id, sender_name, contact_id, created_by, created_at
		FROM sender_aliases WHERE org_id = $1 AND sender_name = $2`, orgID, senderName,
	).Scan(&out.OrgID, &out.SenderName, &out.ContactID, &by, &out.CreatedAt)
	if err != nil {
		return ledger.SenderAlias{}, notFound(err, ledger.CodeContactNotFound, "sender alias")
	}
	out.CreatedBy = uuidPtr(by)
	return out, nil
}

// --- contacts ---

func (q *Queries) CreateContact(ctx context.Context, c ledger.Contact) (ledger.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	var out ledger.Contact
	err := q.db.QueryRow(ctx, `INSERT INTO contacts (id, org_id, name) VALUES ($1, $2, $3) RETURNING id, org_id, name`,
		c.ID, c.OrgID, c.Name).Scan(&out.ID, &out.OrgID, &out.Name)
	if err != nil {
		return ledger.Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return out, nil
}

func (q *Queries) GetContact(ctx context.Context, orgID, id uuid.UUID) (ledger.Contact, error) {
	var out ledger.Contact
	err := q.db.QueryRow(ctx, `SELECT id, org_id, name FROM contacts WHERE id = $1 AND org_id = $2`, id, orgID).
		Scan(&out.ID, &out.OrgID, &out.Name)
	if err != nil {
		return ledger.Contact{}, notFound(err, ledger.CodeContactNotFound, "contact")
	}
	return out, nil
}

func (q *Queries) ListContacts(ctx context.Context, orgID uuid.UUID) ([]ledger.Contact, error) {
	rows, err := q.db.Query(ctx, `SELECT id, org_id, name FROM contacts WHERE org_id = $1 ORDER BY name, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Contact
	for rows.Next() {
		var c ledger.Contact
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
