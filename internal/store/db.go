// Package store is the Postgres repository for the ledger. Queries has the
// shape of a generated query layer: it wraps any DBTX (pool or transaction)
// so services can build a transaction-scoped store with New(tx).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is a DBTX that can also start transactions, such as *pgxpool.Pool.
type Pool interface {
	DBTX
	TxBeginner
}

// Queries runs ledger statements against a DBTX.
type Queries struct {
	db DBTX
}

// New creates Queries over a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to tx.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// notFound maps pgx.ErrNoRows to a typed not-found error.
func notFound(err error, code, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.NotFound(code, what+" not found")
	}
	return err
}

// isUniqueViolation checks for pg error 23505 on the named constraint.
// An empty constraint matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func versionConflict(what string, id uuid.UUID) error {
	return ledger.Conflict(ledger.CodeVersionMismatch, fmt.Sprintf("%s %s was modified concurrently", what, id))
}

// --- numeric helpers ---

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func numericToAmount(n pgtype.Numeric) money.Amount {
	return money.New(numericToDecimal(n))
}

func amountToNumeric(a money.Amount) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(a.String())
	return n
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.String())
	return n
}

func optionalNumeric(a *money.Amount) pgtype.Numeric {
	if a == nil {
		return pgtype.Numeric{}
	}
	return amountToNumeric(*a)
}

func uuidPtr(u pgtype.UUID) *uuid.UUID {
	if !u.Valid {
		return nil
	}
	id := uuid.UUID(u.Bytes)
	return &id
}

func pgUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func pgText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}
