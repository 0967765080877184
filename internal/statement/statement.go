// Package statement builds reconciliation timelines for contacts and
// partners from the ledger's obligations, payments and credit history.
package statement

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"go.uber.org/zap"
)

// Entry kinds, in the order they sort within the same instant.
const (
	KindObligation = "obligation"
	KindPayment    = "payment"
	KindSignal     = "signal"
	KindSettlement = "settlement"
	KindCredit     = "credit"
	KindCommission = "commission"
)

var kindOrder = map[string]int{
	KindObligation: 0,
	KindPayment:    1,
	KindSignal:     2,
	KindSettlement: 3,
	KindCredit:     4,
	KindCommission: 5,
}

// Store defines the reads the statement builder needs.
type Store interface {
	GetContact(ctx context.Context, orgID, id uuid.UUID) (ledger.Contact, error)
	GetPartner(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error)
	ListObligationsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error)
	ListObligationPaymentsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.ObligationPayment, error)
	ListPostedSignalsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.PaymentSignal, error)
	ListCommissionsByPartner(ctx context.Context, arg store.ListCommissionsParams) ([]ledger.Commission, error)
	ListSettlements(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Settlement, error)
	ListCreditEvents(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.CreditEvent, error)
}

// Catalog resolves display lines for obligations. It never affects amounts.
type Catalog interface {
	ListLineItems(ctx context.Context, orgID uuid.UUID, obligationIDs []uuid.UUID) ([]ledger.LineItem, error)
}

// Entry is one dated line of a statement. OwedDelta moves the running
// balance owed; CreditDelta moves the running partner credit. Signals and
// commissions are informational and move neither.
type Entry struct {
	Date          time.Time         `json:"date"`
	Kind          string            `json:"kind"`
	ID            uuid.UUID         `json:"id"`
	Reference     string            `json:"reference,omitempty"`
	Description   string            `json:"description"`
	Amount        money.Amount      `json:"amount"`
	OwedDelta     money.Amount      `json:"owed_delta"`
	CreditDelta   money.Amount      `json:"credit_delta"`
	RunningOwed   money.Amount      `json:"running_owed"`
	RunningCredit money.Amount      `json:"running_credit"`
	Status        string            `json:"status,omitempty"`
	Method        string            `json:"method,omitempty"`
	Items         []ledger.LineItem `json:"items,omitempty"`
}

// Totals summarise a statement.
type Totals struct {
	Billed        money.Amount `json:"billed"`
	Paid          money.Amount `json:"paid"`
	Outstanding   money.Amount `json:"outstanding"`
	CreditBalance money.Amount `json:"credit_balance"`
	Commissions   money.Amount `json:"commissions"`
}

// Statement is a sorted timeline with totals.
type Statement struct {
	OrgID     uuid.UUID  `json:"org_id"`
	ContactID uuid.UUID  `json:"contact_id"`
	PartnerID *uuid.UUID `json:"partner_id,omitempty"`
	Name      string     `json:"name"`
	Entries   []Entry    `json:"entries"`
	Totals    Totals     `json:"totals"`
}

// Builder assembles statements.
type Builder struct {
	newStore func(db store.DBTX) Store
	db       store.DBTX
	catalog  Catalog
	log      *zap.Logger
}

// NewBuilder creates a builder. catalog and log may be nil.
func NewBuilder(db store.DBTX, newStore func(db store.DBTX) Store, catalog Catalog, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{newStore: newStore, db: db, catalog: catalog, log: log.Named("statement")}
}

// ForContact builds the contact's obligations, payments and posted signals.
func (b *Builder) ForContact(ctx context.Context, orgID, contactID uuid.UUID) (Statement, error) {
	q := b.newStore(b.db)
	c, err := q.GetContact(ctx, orgID, contactID)
	if err != nil {
		return Statement{}, err
	}
	st := Statement{OrgID: orgID, ContactID: c.ID, Name: c.Name}
	entries, totals, err := b.contactEntries(ctx, q, orgID, c.ID)
	if err != nil {
		return Statement{}, err
	}
	st.Entries, st.Totals = entries, totals
	finish(&st)
	return st, nil
}

// ForPartner adds the partner's commissions, settlements and credit ledger
// to the statement of the partner's own contact.
func (b *Builder) ForPartner(ctx context.Context, orgID, partnerID uuid.UUID) (Statement, error) {
	q := b.newStore(b.db)
	p, err := q.GetPartner(ctx, orgID, partnerID)
	if err != nil {
		return Statement{}, err
	}
	st := Statement{OrgID: orgID, ContactID: p.ContactID, PartnerID: &p.ID, Name: p.Name}
	entries, totals, err := b.contactEntries(ctx, q, orgID, p.ContactID)
	if err != nil {
		return Statement{}, err
	}

	commissions, err := q.ListCommissionsByPartner(ctx, store.ListCommissionsParams{OrgID: orgID, PartnerID: p.ID})
	if err != nil {
		return Statement{}, err
	}
	for _, c := range commissions {
		entries = append(entries, Entry{
			Date: c.CreatedAt, Kind: KindCommission, ID: c.ID, Reference: c.SaleID.String(),
			Description: c.Type + " commission", Amount: c.Amount, Status: c.Status,
		})
		totals.Commissions = totals.Commissions.Add(c.Amount)
	}

	settlements, err := q.ListSettlements(ctx, orgID, p.ID)
	if err != nil {
		return Statement{}, err
	}
	for _, s := range settlements {
		entries = append(entries, Entry{
			Date: s.CreatedAt, Kind: KindSettlement, ID: s.ID,
			Description: "commissions applied to balance", Amount: s.TotalCredit,
		})
	}

	events, err := q.ListCreditEvents(ctx, orgID, p.ID)
	if err != nil {
		return Statement{}, err
	}
	for _, e := range events {
		entries = append(entries, Entry{
			Date: e.CreatedAt, Kind: KindCredit, ID: e.ID,
			Description: e.Kind, Amount: e.Amount, CreditDelta: e.BalanceDelta,
		})
	}

	st.Entries = entries
	st.Totals = totals
	st.Totals.CreditBalance = p.CreditBalance
	finish(&st)
	return st, nil
}

func (b *Builder) contactEntries(ctx context.Context, q Store, orgID, contactID uuid.UUID) ([]Entry, Totals, error) {
	var totals Totals
	obs, err := q.ListObligationsByContact(ctx, orgID, contactID)
	if err != nil {
		return nil, totals, err
	}
	payments, err := q.ListObligationPaymentsByContact(ctx, orgID, contactID)
	if err != nil {
		return nil, totals, err
	}
	signals, err := q.ListPostedSignalsByContact(ctx, orgID, contactID)
	if err != nil {
		return nil, totals, err
	}
	items := b.lineItems(ctx, orgID, obs)

	recorded := make(map[uuid.UUID]money.Amount, len(obs))
	refs := make(map[uuid.UUID]string, len(obs))
	for _, p := range payments {
		recorded[p.ObligationID] = recorded[p.ObligationID].Add(p.Amount)
	}

	entries := make([]Entry, 0, len(obs)+len(payments)+len(signals))
	for _, o := range obs {
		refs[o.ID] = o.Reference
		total := o.Total()
		entries = append(entries, Entry{
			Date: o.ObligationDate, Kind: KindObligation, ID: o.ID, Reference: o.Reference,
			Description: o.Source, Amount: total, OwedDelta: total, Status: o.PaymentStatus,
			Items: items[o.ID],
		})
		totals.Billed = totals.Billed.Add(total)
		totals.Paid = totals.Paid.Add(o.AmountPaid)
		totals.Outstanding = totals.Outstanding.Add(o.Balance())

		// amount_paid recorded before the payment trail existed
		if gap := o.AmountPaid.Sub(recorded[o.ID]); gap.IsPositive() {
			date := o.ObligationDate
			if o.PaymentDate != nil {
				date = *o.PaymentDate
			}
			entries = append(entries, Entry{
				Date: date, Kind: KindPayment, ID: o.ID, Reference: o.Reference,
				Description: "opening payment", Amount: gap, OwedDelta: gap.Neg(), Method: o.PaymentMethod,
			})
		}
	}
	for _, p := range payments {
		entries = append(entries, Entry{
			Date: p.PaidAt, Kind: KindPayment, ID: p.ID, Reference: refs[p.ObligationID],
			Description: p.Source + " payment", Amount: p.Amount, OwedDelta: p.Amount.Neg(), Method: p.Method,
		})
	}
	for _, s := range signals {
		date := s.CreatedAt
		switch {
		case s.ReviewedAt != nil:
			date = *s.ReviewedAt
		case s.AutoPostedAt != nil:
			date = *s.AutoPostedAt
		}
		amount := s.Amount
		if s.ApprovedAmount != nil {
			amount = *s.ApprovedAmount
		}
		entries = append(entries, Entry{
			Date: date, Kind: KindSignal, ID: s.ID, Reference: s.SenderName,
			Description: s.Method + " payment detected", Amount: amount, Status: s.Status, Method: s.Method,
		})
	}
	return entries, totals, nil
}

func (b *Builder) lineItems(ctx context.Context, orgID uuid.UUID, obs []ledger.Obligation) map[uuid.UUID][]ledger.LineItem {
	if b.catalog == nil || len(obs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(obs))
	for i, o := range obs {
		ids[i] = o.ID
	}
	lines, err := b.catalog.ListLineItems(ctx, orgID, ids)
	if err != nil {
		b.log.Warn("line items unavailable, statement rendered without them", zap.Stringer("org_id", orgID), zap.Error(err))
		return nil
	}
	out := make(map[uuid.UUID][]ledger.LineItem, len(obs))
	for _, li := range lines {
		out[li.ObligationID] = append(out[li.ObligationID], li)
	}
	return out
}

// finish sorts entries by (date, kind, id) and fills running balances.
func finish(st *Statement) {
	sort.SliceStable(st.Entries, func(i, j int) bool {
		a, b := st.Entries[i], st.Entries[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if kindOrder[a.Kind] != kindOrder[b.Kind] {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return a.ID.String() < b.ID.String()
	})
	owed, credit := money.Zero, money.Zero
	for i := range st.Entries {
		owed = owed.Add(st.Entries[i].OwedDelta)
		credit = credit.Add(st.Entries[i].CreditDelta)
		st.Entries[i].RunningOwed = owed
		st.Entries[i].RunningCredit = credit
	}
	if st.Entries == nil {
		st.Entries = []Entry{}
	}
}
