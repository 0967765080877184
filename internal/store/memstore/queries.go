package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
)

func versionConflict(what string, id uuid.UUID) error {
	return ledger.Conflict(ledger.CodeVersionMismatch, fmt.Sprintf("%s %s was modified concurrently", what, id))
}

// --- partners ---

func (q *Queries) GetPartner(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error) {
	var p ledger.Partner
	err := q.read("GetPartner", func(d *data) error {
		v, ok := d.partners[id]
		if !ok || v.OrgID != orgID {
			return ledger.NotFound(ledger.CodePartnerNotFound, "partner not found")
		}
		p = v
		return nil
	})
	return p, err
}

func (q *Queries) GetPartnerForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Partner, error) {
	return q.GetPartner(ctx, orgID, id)
}

func (q *Queries) ListPartnersByIDs(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) ([]ledger.Partner, error) {
	var out []ledger.Partner
	err := q.read("ListPartnersByIDs", func(d *data) error {
		for _, id := range ids {
			if p, ok := d.partners[id]; ok && p.OrgID == orgID {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (q *Queries) ListDownline(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Partner, error) {
	var out []ledger.Partner
	err := q.read("ListDownline", func(d *data) error {
		for _, p := range d.partners {
			if p.OrgID == orgID && slices.Contains(p.Path, partnerID) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Path) != len(out[j].Path) {
			return len(out[i].Path) < len(out[j].Path)
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (q *Queries) CreatePartner(ctx context.Context, p ledger.Partner) (ledger.Partner, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Version = 1
	p.CreatedAt = q.now()
	p.Path = append([]uuid.UUID{}, p.Path...)
	err := q.write(ctx, "CreatePartner", func(d *data) error {
		if _, ok := d.partners[p.ID]; ok {
			return fmt.Errorf("create partner: duplicate id %s", p.ID)
		}
		d.partners[p.ID] = p
		return nil
	})
	return p, err
}

func (q *Queries) UpdatePartnerCreditBalance(ctx context.Context, arg store.UpdateCreditBalanceParams) (ledger.Partner, error) {
	var p ledger.Partner
	err := q.write(ctx, "UpdatePartnerCreditBalance", func(d *data) error {
		v, ok := d.partners[arg.ID]
		if !ok || v.OrgID != arg.OrgID || v.Version != arg.Version {
			return versionConflict("partner", arg.ID)
		}
		v.CreditBalance = arg.Balance
		v.Version++
		d.partners[arg.ID] = v
		p = v
		return nil
	})
	return p, err
}

// --- commissions ---

func checkCommission(c ledger.Commission) error {
	if c.Amount.IsNegative() {
		return fmt.Errorf("commission %s: negative amount", c.ID)
	}
	if err := c.CheckBookkeeping(); err != nil {
		return fmt.Errorf("commissions_applied_marker: %w", err)
	}
	return nil
}

func (q *Queries) InsertCommission(ctx context.Context, c ledger.Commission) (ledger.Commission, bool, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = q.now()
	c.UpdatedAt = c.CreatedAt
	var (
		out     ledger.Commission
		created bool
	)
	err := q.write(ctx, "InsertCommission", func(d *data) error {
		for _, existing := range d.commissions {
			if existing.PartnerID == c.PartnerID && existing.SaleID == c.SaleID && existing.Type == c.Type {
				out = existing
				return nil
			}
		}
		if err := checkCommission(c); err != nil {
			return err
		}
		d.commissions[c.ID] = c
		out, created = c, true
		return nil
	})
	return out, created, err
}

func (q *Queries) GetCommission(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	var c ledger.Commission
	err := q.read("GetCommission", func(d *data) error {
		v, ok := d.commissions[id]
		if !ok || v.OrgID != orgID {
			return ledger.NotFound(ledger.CodeCommissionNotFound, "commission not found")
		}
		c = v
		return nil
	})
	return c, err
}

func (q *Queries) GetCommissionForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error) {
	return q.GetCommission(ctx, orgID, id)
}

func sortCommissions(cs []ledger.Commission) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}

func (q *Queries) ListCommissionsBySale(ctx context.Context, orgID, saleID uuid.UUID) ([]ledger.Commission, error) {
	var out []ledger.Commission
	err := q.read("ListCommissionsBySale", func(d *data) error {
		for _, c := range d.commissions {
			if c.OrgID == orgID && c.SaleID == saleID {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (q *Queries) ListCommissionsByPartner(ctx context.Context, arg store.ListCommissionsParams) ([]ledger.Commission, error) {
	var out []ledger.Commission
	err := q.read("ListCommissionsByPartner", func(d *data) error {
		for _, c := range d.commissions {
			if c.OrgID == arg.OrgID && c.PartnerID == arg.PartnerID && (arg.Status == "" || c.Status == arg.Status) {
				out = append(out, c)
			}
		}
		return nil
	})
	sortCommissions(out)
	return out, err
}

func (q *Queries) ListAvailableCommissionsForUpdate(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Commission, error) {
	var out []ledger.Commission
	err := q.read("ListAvailableCommissionsForUpdate", func(d *data) error {
		for _, c := range d.commissions {
			if c.OrgID == orgID && c.PartnerID == partnerID && c.Status == enum.CommissionStatusAvailable {
				out = append(out, c)
			}
		}
		return nil
	})
	sortCommissions(out)
	return out, err
}

func (q *Queries) UpdateCommissionStatus(ctx context.Context, arg store.UpdateCommissionStatusParams) (ledger.Commission, error) {
	var out ledger.Commission
	err := q.write(ctx, "UpdateCommissionStatus", func(d *data) error {
		c, ok := d.commissions[arg.ID]
		if !ok || c.OrgID != arg.OrgID || c.Status != arg.FromStatus {
			return ledger.Conflict(ledger.CodeCommissionState,
				fmt.Sprintf("commission %s is no longer %s", arg.ID, arg.FromStatus))
		}
		c.Status = arg.ToStatus
		c.SettlementID = arg.SettlementID
		c.CreditEventID = arg.CreditEventID
		c.UpdatedAt = q.now()
		if err := checkCommission(c); err != nil {
			return err
		}
		d.commissions[c.ID] = c
		out = c
		return nil
	})
	return out, err
}

func (q *Queries) SummarizeCommissions(ctx context.Context, orgID, partnerID uuid.UUID) ([]store.CommissionTotal, error) {
	totals := map[string]*store.CommissionTotal{}
	err := q.read("SummarizeCommissions", func(d *data) error {
		for _, c := range d.commissions {
			if c.OrgID != orgID || c.PartnerID != partnerID {
				continue
			}
			t, ok := totals[c.Status]
			if !ok {
				t = &store.CommissionTotal{Status: c.Status, Total: money.Zero}
				totals[c.Status] = t
			}
			t.Count++
			t.Total = t.Total.Add(c.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]store.CommissionTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

// --- obligations ---

func (q *Queries) CreateObligation(ctx context.Context, o ledger.Obligation) (ledger.Obligation, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.CreatedAt = q.now()
	if o.ObligationDate.IsZero() {
		o.ObligationDate = o.CreatedAt
	}
	o.Version = 1
	o = o.WithAmountPaid(o.AmountPaid)
	err := q.write(ctx, "CreateObligation", func(d *data) error {
		if o.Subtotal.IsNegative() || o.Discount.IsNegative() || o.AmountPaid.IsNegative() {
			return fmt.Errorf("create obligation %s: negative amount", o.ID)
		}
		d.obligations[o.ID] = o
		return nil
	})
	return o, err
}

func (q *Queries) GetObligation(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error) {
	var o ledger.Obligation
	err := q.read("GetObligation", func(d *data) error {
		v, ok := d.obligations[id]
		if !ok || v.OrgID != orgID {
			return ledger.NotFound(ledger.CodeObligationNotFound, "obligation not found")
		}
		o = v
		return nil
	})
	return o, err
}

func (q *Queries) GetObligationForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error) {
	return q.GetObligation(ctx, orgID, id)
}

func (q *Queries) listObligations(op string, keep func(o ledger.Obligation) bool) ([]ledger.Obligation, error) {
	var out []ledger.Obligation
	err := q.read(op, func(d *data) error {
		for _, o := range d.obligations {
			if keep(o) {
				out = append(out, o)
			}
		}
		return nil
	})
	ledger.SortOldestFirst(out)
	return out, err
}

func (q *Queries) ListOutstandingObligationsForUpdate(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error) {
	return q.listObligations("ListOutstandingObligationsForUpdate", func(o ledger.Obligation) bool {
		return o.OrgID == orgID && o.OwnerContactID == contactID && o.PaymentStatus != enum.PaymentStatusPaid
	})
}

func (q *Queries) ListObligationsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error) {
	return q.listObligations("ListObligationsByContact", func(o ledger.Obligation) bool {
		return o.OrgID == orgID && o.OwnerContactID == contactID
	})
}

func (q *Queries) ListObligationsByBatch(ctx context.Context, orgID, batchID uuid.UUID) ([]ledger.Obligation, error) {
	return q.listObligations("ListObligationsByBatch", func(o ledger.Obligation) bool {
		return o.OrgID == orgID && o.BatchID != nil && *o.BatchID == batchID
	})
}

func (q *Queries) UpdateObligationPayment(ctx context.Context, arg store.UpdateObligationPaymentParams) (ledger.Obligation, error) {
	var out ledger.Obligation
	err := q.write(ctx, "UpdateObligationPayment", func(d *data) error {
		o, ok := d.obligations[arg.ID]
		if !ok || o.OrgID != arg.OrgID || o.Version != arg.Version {
			return versionConflict("obligation", arg.ID)
		}
		if arg.AmountPaid.IsNegative() {
			return fmt.Errorf("update obligation %s: negative amount_paid", arg.ID)
		}
		o.AmountPaid = arg.AmountPaid
		o.PaymentStatus = arg.PaymentStatus
		o.PaymentMethod = arg.PaymentMethod
		o.PaymentDate = arg.PaymentDate
		o.Version++
		d.obligations[o.ID] = o
		out = o
		return nil
	})
	return out, err
}

func (q *Queries) CreateObligationPayment(ctx context.Context, p ledger.ObligationPayment) (ledger.ObligationPayment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = q.now()
	err := q.write(ctx, "CreateObligationPayment", func(d *data) error {
		if _, ok := d.obligations[p.ObligationID]; !ok {
			return fmt.Errorf("create obligation payment: unknown obligation %s", p.ObligationID)
		}
		d.payments = append(d.payments, p)
		return nil
	})
	return p, err
}

func (q *Queries) ListObligationPaymentsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.ObligationPayment, error) {
	var out []ledger.ObligationPayment
	err := q.read("ListObligationPaymentsByContact", func(d *data) error {
		for _, p := range d.payments {
			o, ok := d.obligations[p.ObligationID]
			if ok && o.OrgID == orgID && o.OwnerContactID == contactID {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.Before(out[j].PaidAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

// --- signals ---

func findSignalByExternal(d *data, orgID uuid.UUID, externalID string) (ledger.PaymentSignal, bool) {
	for _, s := range d.signals {
		if s.OrgID == orgID && s.ExternalID == externalID {
			return s, true
		}
	}
	return ledger.PaymentSignal{}, false
}

func (q *Queries) InsertSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = q.now()
	if s.Details == nil {
		d, err := ledger.DecodeSignalDetails(s.Method, nil)
		if err != nil {
			return ledger.PaymentSignal{}, false, err
		}
		s.Details = d
	}
	var (
		out     ledger.PaymentSignal
		created bool
	)
	err := q.write(ctx, "InsertSignal", func(d *data) error {
		if existing, ok := findSignalByExternal(d, s.OrgID, s.ExternalID); ok {
			out = existing
			return nil
		}
		if !s.Amount.IsPositive() {
			return fmt.Errorf("insert signal: amount must be positive")
		}
		d.signals[s.ID] = s
		out, created = s, true
		return nil
	})
	return out, created, err
}

func (q *Queries) GetSignal(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error) {
	var s ledger.PaymentSignal
	err := q.read("GetSignal", func(d *data) error {
		v, ok := d.signals[id]
		if !ok || v.OrgID != orgID {
			return ledger.NotFound(ledger.CodeSignalNotFound, "payment signal not found")
		}
		s = v
		return nil
	})
	return s, err
}

func (q *Queries) GetSignalForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error) {
	return q.GetSignal(ctx, orgID, id)
}

func (q *Queries) UpdateSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, error) {
	var out ledger.PaymentSignal
	err := q.write(ctx, "UpdateSignal", func(d *data) error {
		v, ok := d.signals[s.ID]
		if !ok || v.OrgID != s.OrgID {
			return ledger.NotFound(ledger.CodeSignalNotFound, "payment signal not found")
		}
		v.MatchedObligationID = s.MatchedObligationID
		v.MatchedContactID = s.MatchedContactID
		v.MatchProvenance = s.MatchProvenance
		v.AISuggestedContactID = s.AISuggestedContactID
		v.AIReasoning = s.AIReasoning
		v.Confidence = s.Confidence
		v.Status = s.Status
		v.ApprovedAmount = s.ApprovedAmount
		v.ReviewedBy = s.ReviewedBy
		v.ReviewedAt = s.ReviewedAt
		v.AutoPostedAt = s.AutoPostedAt
		v.Notes = s.Notes
		d.signals[v.ID] = v
		out = v
		return nil
	})
	return out, err
}

func (q *Queries) ListSignals(ctx context.Context, arg store.ListSignalsParams) ([]ledger.PaymentSignal, error) {
	var all []ledger.PaymentSignal
	err := q.read("ListSignals", func(d *data) error {
		for _, s := range d.signals {
			if s.OrgID == arg.OrgID && (arg.Status == "" || s.Status == arg.Status) {
				all = append(all, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	start := int(arg.Offset)
	if start > len(all) {
		return nil, nil
	}
	end := len(all)
	if arg.Limit > 0 && start+int(arg.Limit) < end {
		end = start + int(arg.Limit)
	}
	return all[start:end], nil
}

func (q *Queries) CountSignalsByStatus(ctx context.Context, orgID uuid.UUID, status string) (int64, error) {
	var n int64
	err := q.read("CountSignalsByStatus", func(d *data) error {
		for _, s := range d.signals {
			if s.OrgID == orgID && s.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *Queries) ListPostedSignalsByContact(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.PaymentSignal, error) {
	var out []ledger.PaymentSignal
	err := q.read("ListPostedSignalsByContact", func(d *data) error {
		for _, s := range d.signals {
			if s.OrgID != orgID || s.MatchedContactID == nil || *s.MatchedContactID != contactID {
				continue
			}
			if s.Status == enum.SignalStatusApproved || s.Status == enum.SignalStatusAutoPosted {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

func (q *Queries) UpsertSenderAlias(ctx context.Context, a ledger.SenderAlias) (ledger.SenderAlias, error) {
	a.CreatedAt = q.now()
	err := q.write(ctx, "UpsertSenderAlias", func(d *data) error {
		d.aliases[aliasKey{org: a.OrgID, name: a.SenderName}] = a
		return nil
	})
	return a, err
}

func (q *Queries) GetSenderAlias(ctx context.Context, orgID uuid.UUID, senderName string) (ledger.SenderAlias, error) {
	var a ledger.SenderAlias
	err := q.read("GetSenderAlias", func(d *data) error {
		v, ok := d.aliases[aliasKey{org: orgID, name: senderName}]
		if !ok {
			return ledger.NotFound(ledger.CodeContactNotFound, "sender alias not found")
		}
		a = v
		return nil
	})
	return a, err
}

// --- contacts ---

func (q *Queries) CreateContact(ctx context.Context, c ledger.Contact) (ledger.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := q.write(ctx, "CreateContact", func(d *data) error {
		d.contacts[c.ID] = c
		return nil
	})
	return c, err
}

func (q *Queries) GetContact(ctx context.Context, orgID, id uuid.UUID) (ledger.Contact, error) {
	var c ledger.Contact
	err := q.read("GetContact", func(d *data) error {
		v, ok := d.contacts[id]
		if !ok || v.OrgID != orgID {
			return ledger.NotFound(ledger.CodeContactNotFound, "contact not found")
		}
		c = v
		return nil
	})
	return c, err
}

func (q *Queries) ListContacts(ctx context.Context, orgID uuid.UUID) ([]ledger.Contact, error) {
	var out []ledger.Contact
	err := q.read("ListContacts", func(d *data) error {
		for _, c := range d.contacts {
			if c.OrgID == orgID {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, err
}

// --- credit ledger ---

func (q *Queries) CreateCreditEvent(ctx context.Context, e ledger.CreditEvent) (ledger.CreditEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = q.now()
	err := q.write(ctx, "CreateCreditEvent", func(d *data) error {
		d.credit = append(d.credit, e)
		return nil
	})
	return e, err
}

func (q *Queries) ListCreditEvents(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.CreditEvent, error) {
	var out []ledger.CreditEvent
	err := q.read("ListCreditEvents", func(d *data) error {
		for _, e := range d.credit {
			if e.OrgID == orgID && e.PartnerID == partnerID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (q *Queries) SumCreditDeltas(ctx context.Context, orgID, partnerID uuid.UUID) (money.Amount, error) {
	events, err := q.ListCreditEvents(ctx, orgID, partnerID)
	if err != nil {
		return money.Zero, err
	}
	sum := money.Zero
	for _, e := range events {
		sum = sum.Add(e.BalanceDelta)
	}
	return sum, nil
}

// --- settlements ---

func (q *Queries) CreateSettlement(ctx context.Context, s ledger.Settlement) (ledger.Settlement, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = q.now()
	allocs := make([]ledger.SettlementAllocation, len(s.Allocations))
	for i, a := range s.Allocations {
		a.SettlementID = s.ID
		allocs[i] = a
	}
	s.Allocations = allocs
	err := q.write(ctx, "CreateSettlement", func(d *data) error {
		for _, a := range allocs {
			if !a.Amount.IsPositive() {
				return fmt.Errorf("create settlement allocation: amount must be positive")
			}
		}
		d.settlements = append(d.settlements, s)
		return nil
	})
	return s, err
}

func (q *Queries) ListSettlements(ctx context.Context, orgID, partnerID uuid.UUID) ([]ledger.Settlement, error) {
	var out []ledger.Settlement
	err := q.read("ListSettlements", func(d *data) error {
		for _, s := range d.settlements {
			if s.OrgID == orgID && s.PartnerID == partnerID {
				out = append(out, s)
			}
		}
		return nil
	})
	return out, err
}

// --- line items ---

func (q *Queries) CreateLineItem(ctx context.Context, li ledger.LineItem) (ledger.LineItem, error) {
	if li.ID == uuid.Nil {
		li.ID = uuid.New()
	}
	err := q.write(ctx, "CreateLineItem", func(d *data) error {
		if _, ok := d.obligations[li.ObligationID]; !ok {
			return ledger.NotFound(ledger.CodeObligationNotFound, "obligation not found")
		}
		if li.Quantity <= 0 || li.UnitPrice.IsNegative() {
			return fmt.Errorf("create line item: quantity must be positive and price non-negative")
		}
		d.lineItems = append(d.lineItems, li)
		return nil
	})
	return li, err
}

func (q *Queries) ListLineItems(ctx context.Context, orgID uuid.UUID, obligationIDs []uuid.UUID) ([]ledger.LineItem, error) {
	want := make(map[uuid.UUID]bool, len(obligationIDs))
	for _, id := range obligationIDs {
		want[id] = true
	}
	var out []ledger.LineItem
	err := q.read("ListLineItems", func(d *data) error {
		for _, li := range d.lineItems {
			if li.OrgID == orgID && want[li.ObligationID] {
				out = append(out, li)
			}
		}
		return nil
	})
	return out, err
}
