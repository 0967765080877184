// Package memstore is an in-process implementation of the ledger store. It
// exposes the same query methods as store.Queries and hands out pgx.Tx
// values whose writes land in a private snapshot until Commit, so services
// run unchanged against it. Transactions are serialised.
package memstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/store"
)

var errNoSQL = errors.New("memstore: raw SQL is not supported")

var (
	_ store.DBTX       = (*DB)(nil)
	_ store.TxBeginner = (*DB)(nil)
	_ pgx.Tx           = (*Tx)(nil)
)

type aliasKey struct {
	org  uuid.UUID
	name string
}

type data struct {
	contacts    map[uuid.UUID]ledger.Contact
	partners    map[uuid.UUID]ledger.Partner
	commissions map[uuid.UUID]ledger.Commission
	obligations map[uuid.UUID]ledger.Obligation
	signals     map[uuid.UUID]ledger.PaymentSignal
	aliases     map[aliasKey]ledger.SenderAlias
	payments    []ledger.ObligationPayment
	credit      []ledger.CreditEvent
	settlements []ledger.Settlement
	lineItems   []ledger.LineItem
}

func newData() *data {
	return &data{
		contacts:    map[uuid.UUID]ledger.Contact{},
		partners:    map[uuid.UUID]ledger.Partner{},
		commissions: map[uuid.UUID]ledger.Commission{},
		obligations: map[uuid.UUID]ledger.Obligation{},
		signals:     map[uuid.UUID]ledger.PaymentSignal{},
		aliases:     map[aliasKey]ledger.SenderAlias{},
	}
}

// clone copies every table. Entity values are copied by value; slices held
// inside entities are replaced, never mutated, so sharing them is safe.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	for k, v := range d.partners {
		c.partners[k] = v
	}
	for k, v := range d.commissions {
		c.commissions[k] = v
	}
	for k, v := range d.obligations {
		c.obligations[k] = v
	}
	for k, v := range d.signals {
		c.signals[k] = v
	}
	for k, v := range d.aliases {
		c.aliases[k] = v
	}
	c.payments = append([]ledger.ObligationPayment(nil), d.payments...)
	c.credit = append([]ledger.CreditEvent(nil), d.credit...)
	c.settlements = append([]ledger.Settlement(nil), d.settlements...)
	c.lineItems = append([]ledger.LineItem(nil), d.lineItems...)
	return c
}

// DB holds the committed state.
type DB struct {
	sem  chan struct{}
	mu   sync.RWMutex
	data *data

	faultMu sync.Mutex
	faults  map[string]error

	// Now stamps created_at / updated_at columns.
	Now func() time.Time
}

// NewDB returns an empty database.
func NewDB() *DB {
	return &DB{
		sem:    make(chan struct{}, 1),
		data:   newData(),
		faults: map[string]error{},
		Now:    time.Now,
	}
}

// FailOn makes every call to the named query method return err until
// FailOn(op, nil) clears it.
func (db *DB) FailOn(op string, err error) {
	db.faultMu.Lock()
	defer db.faultMu.Unlock()
	if err == nil {
		delete(db.faults, op)
		return
	}
	db.faults[op] = err
}

func (db *DB) fault(op string) error {
	db.faultMu.Lock()
	defer db.faultMu.Unlock()
	return db.faults[op]
}

func (db *DB) acquire(ctx context.Context) error {
	select {
	case db.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (db *DB) release() { <-db.sem }

// Begin waits for any running transaction to finish and snapshots the
// committed state.
func (db *DB) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	db.mu.RLock()
	snap := db.data.clone()
	db.mu.RUnlock()
	return &Tx{db: db, data: snap}, nil
}

func (db *DB) Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}

func (db *DB) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errNoSQL
}

func (db *DB) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return errRow{}
}

// Tx is a snapshot transaction.
type Tx struct {
	db   *DB
	data *data
	done bool
}

func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.mu.Lock()
	tx.db.data = tx.data
	tx.db.mu.Unlock()
	tx.db.release()
	return nil
}

func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.release()
	return nil
}

func (tx *Tx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("memstore: nested transactions are not supported")
}

func (tx *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errNoSQL
}

func (tx *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return nil
}

func (tx *Tx) LargeObjects() pgx.LargeObjects {
	return pgx.LargeObjects{}
}

func (tx *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errNoSQL
}

func (tx *Tx) Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}

func (tx *Tx) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return nil, errNoSQL
}

func (tx *Tx) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return errRow{}
}

func (tx *Tx) Conn() *pgx.Conn {
	return nil
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }

// Queries runs the store methods against the committed state or a Tx.
type Queries struct {
	db *DB
	tx *Tx
}

// New binds Queries to a *DB or a *Tx obtained from it.
func New(db store.DBTX) *Queries {
	switch v := db.(type) {
	case *Tx:
		return &Queries{db: v.db, tx: v}
	case *DB:
		return &Queries{db: v}
	default:
		panic("memstore: New called with a foreign DBTX")
	}
}

func (q *Queries) read(op string, fn func(d *data) error) error {
	if err := q.db.fault(op); err != nil {
		return err
	}
	if q.tx != nil {
		if q.tx.done {
			return pgx.ErrTxClosed
		}
		return fn(q.tx.data)
	}
	q.db.mu.RLock()
	defer q.db.mu.RUnlock()
	return fn(q.db.data)
}

func (q *Queries) write(ctx context.Context, op string, fn func(d *data) error) error {
	if err := q.db.fault(op); err != nil {
		return err
	}
	if q.tx != nil {
		if q.tx.done {
			return pgx.ErrTxClosed
		}
		return fn(q.tx.data)
	}
	// Autocommit: stage on a copy so a failing write leaves no trace.
	if err := q.db.acquire(ctx); err != nil {
		return err
	}
	defer q.db.release()
	q.db.mu.RLock()
	snap := q.db.data.clone()
	q.db.mu.RUnlock()
	if err := fn(snap); err != nil {
		return err
	}
	q.db.mu.Lock()
	q.db.data = snap
	q.db.mu.Unlock()
	return nil
}

func (q *Queries) now() time.Time { return q.db.Now() }
