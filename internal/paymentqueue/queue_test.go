package paymentqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/kiwari-pos/ledger/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var org = uuid.MustParse("44444444-4444-4444-4444-444444444444")

var day0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ uuid.UUID, eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

type fixture struct {
	db  *memstore.DB
	q   *memstore.Queries
	svc *Service
	pub *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memstore.NewDB()
	pub := &recordingPublisher{}
	newStore := func(db store.DBTX) Store { return memstore.New(db) }
	return &fixture{db: db, q: memstore.New(db), svc: NewService(db, newStore, pub, nil), pub: pub}
}

func (f *fixture) contact(t *testing.T, name string) ledger.Contact {
	t.Helper()
	c, err := f.q.CreateContact(context.Background(), ledger.Contact{OrgID: org, Name: name})
	require.NoError(t, err)
	return c
}

func (f *fixture) obligation(t *testing.T, owner uuid.UUID, subtotal string, daysAgo int) ledger.Obligation {
	t.Helper()
	o, err := f.q.CreateObligation(context.Background(), ledger.Obligation{
		OrgID: org, Source: enum.ObligationSourceOrder, OwnerContactID: owner,
		Subtotal: money.MustParse(subtotal), ObligationDate: day0.AddDate(0, 0, -daysAgo),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) reload(t *testing.T, o ledger.Obligation) ledger.Obligation {
	t.Helper()
	got, err := f.q.GetObligation(context.Background(), org, o.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) ingest(t *testing.T, sender, amount string) ledger.PaymentSignal {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), IngestParams{
		OrgID: org, ExternalID: uuid.NewString(), Method: enum.PaymentMethodVenmo,
		Details: ledger.VenmoDetails{Handle: "@" + sender}, SenderName: sender, Amount: money.MustParse(amount),
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Signal
}

func TestApproveRequiresMatchedObligation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jane := f.contact(t, "Jane Doe")
	o := f.obligation(t, jane.ID, "40.00", 1)
	sig := f.ingest(t, "J. Doe", "40.00")
	require.Nil(t, sig.MatchedObligationID)

	_, err := f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: sig.ID})
	require.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindValidation, Code: ledger.CodeNoMatchedObligation})
	assert.True(t, f.reload(t, o).AmountPaid.IsZero())

	sig, err = f.svc.ReassignContact(ctx, ReassignParams{OrgID: org, SignalID: sig.ID, ContactID: jane.ID})
	require.NoError(t, err)
	assert.Equal(t, enum.SignalStatusPending, sig.Status)
	require.NotNil(t, sig.MatchedObligationID)
	assert.Equal(t, o.ID, *sig.MatchedObligationID)
	assert.Equal(t, enum.MatchProvenanceManual, sig.MatchProvenance)

	res, err := f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: sig.ID})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, enum.SignalStatusApproved, res.Signal.Status)
	require.Len(t, res.Payments, 1)
	assert.Equal(t, enum.PaymentStatusPaid, res.Payments[0].Status)

	paid := f.reload(t, o)
	assert.Equal(t, "40.00", paid.AmountPaid.String())
	assert.Equal(t, enum.PaymentMethodVenmo, paid.PaymentMethod)
}

func TestApproveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Ann Lee")
	o := f.obligation(t, c.ID, "50.00", 1)
	sig := f.ingest(t, "Ann Lee", "20.00")
	_, err := f.svc.AttachObligation(ctx, AttachParams{OrgID: org, SignalID: sig.ID, ObligationID: o.ID})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: sig.ID})
	require.NoError(t, err)
	again, err := f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o.ID}})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Empty(t, again.Payments)
	assert.Equal(t, "20.00", f.reload(t, o).AmountPaid.String(), "retry posts nothing")

	other := f.obligation(t, c.ID, "5.00", 2)
	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{other.ID}})
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindConflict, Code: ledger.CodeSignalTerminal})
}

func TestApproveSplitsAcrossObligations(t *testing.T) {
	f := newFixture(t)
	c := f.contact(t, "Bo Chen")
	o1 := f.obligation(t, c.ID, "30.00", 2)
	o2 := f.obligation(t, c.ID, "10.00", 1)
	sig := f.ingest(t, "Bo Chen", "20.00")

	res, err := f.svc.Approve(context.Background(), ApproveParams{
		OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o1.ID, o2.ID},
	})
	require.NoError(t, err)
	require.Len(t, res.Payments, 2)
	assert.Equal(t, "15.00", f.reload(t, o1).AmountPaid.String())
	assert.Equal(t, "5.00", f.reload(t, o2).AmountPaid.String())
	assert.Equal(t, o1.ID, *res.Signal.MatchedObligationID)
}

func TestApproveRejectsPaidOrForeignObligation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Dee Park")
	o := f.obligation(t, c.ID, "25.00", 1)

	first := f.ingest(t, "Dee Park", "25.00")
	_, err := f.svc.AttachObligation(ctx, AttachParams{OrgID: org, SignalID: first.ID, ObligationID: o.ID})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: first.ID})
	require.NoError(t, err)

	// A second notification for the same payment must not post again
	dup := f.ingest(t, "Dee Park", "25.00")
	_, err = f.svc.AttachObligation(ctx, AttachParams{OrgID: org, SignalID: dup.ID, ObligationID: o.ID})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: dup.ID})
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindValidation, Code: ledger.CodeObligationPaid})
	assert.Equal(t, "25.00", f.reload(t, o).AmountPaid.String())

	got, err := f.svc.Get(ctx, org, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.SignalStatusPending, got.Status, "failed approval leaves the signal pending")

	stranger := f.contact(t, "Eli Ford")
	foreign := f.obligation(t, stranger.ID, "9.00", 1)
	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: dup.ID, ObligationIDs: []uuid.UUID{foreign.ID}})
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindValidation, Code: ledger.CodeContactMismatch})
	assert.True(t, f.reload(t, foreign).AmountPaid.IsZero())
}

func TestApproveValidation(t *testing.T) {
	f := newFixture(t)
	c := f.contact(t, "Cy Diaz")
	o := f.obligation(t, c.ID, "30.00", 2)
	sig := f.ingest(t, "Cy Diaz", "20.00")
	zero := money.Zero

	tests := []struct {
		name   string
		params ApproveParams
		want   error
	}{
		{"zero amount", ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o.ID}, Amount: &zero}, ledger.ErrValidation},
		{"bad method", ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o.ID}, Method: "wire"}, ledger.ErrValidation},
		{"duplicate ids", ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o.ID, o.ID}}, ledger.ErrValidation},
		{"unknown obligation", ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{uuid.New()}}, ledger.ErrNotFound},
		{"unknown signal", ApproveParams{OrgID: org, SignalID: uuid.New()}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Approve(context.Background(), tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.True(t, f.reload(t, o).AmountPaid.IsZero())
}

func TestApproveRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	c := f.contact(t, "Di Evans")
	o := f.obligation(t, c.ID, "30.00", 2)
	sig := f.ingest(t, "Di Evans", "30.00")

	boom := errors.New("lost connection")
	f.db.FailOn("UpdateSignal", boom)
	_, err := f.svc.Approve(context.Background(), ApproveParams{OrgID: org, SignalID: sig.ID, ObligationIDs: []uuid.UUID{o.ID}})
	require.ErrorIs(t, err, boom)
	f.db.FailOn("UpdateSignal", nil)

	assert.True(t, f.reload(t, o).AmountPaid.IsZero())
	got, err := f.svc.Get(context.Background(), org, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, enum.SignalStatusPending, got.Status)
}

func TestTerminalSignalsStayTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Ed Fox")
	o := f.obligation(t, c.ID, "10.00", 1)

	rejected := f.ingest(t, "Ed Fox", "10.00")
	_, err := f.svc.Reject(ctx, ReviewParams{OrgID: org, SignalID: rejected.ID, Notes: "refund notice"})
	require.NoError(t, err)
	skipped := f.ingest(t, "Ed Fox", "10.00")
	_, err = f.svc.Skip(ctx, ReviewParams{OrgID: org, SignalID: skipped.ID})
	require.NoError(t, err)

	for _, id := range []uuid.UUID{rejected.ID, skipped.ID} {
		_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: id, ObligationIDs: []uuid.UUID{o.ID}})
		assert.ErrorIs(t, err, ledger.ErrConflict)
		_, err = f.svc.ReassignContact(ctx, ReassignParams{OrgID: org, SignalID: id, ContactID: c.ID})
		assert.ErrorIs(t, err, ledger.ErrConflict)
		_, err = f.svc.AttachObligation(ctx, AttachParams{OrgID: org, SignalID: id, ObligationID: o.ID})
		assert.ErrorIs(t, err, ledger.ErrConflict)
	}
	_, err = f.svc.Skip(ctx, ReviewParams{OrgID: org, SignalID: rejected.ID})
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindConflict, Code: ledger.CodeSignalTerminal})

	again, err := f.svc.Reject(ctx, ReviewParams{OrgID: org, SignalID: rejected.ID})
	require.NoError(t, err, "repeating the same close is a replay")
	assert.Equal(t, enum.SignalStatusRejected, again.Status)
	assert.Equal(t, "refund notice", again.Notes)

	noted, err := f.svc.UpdateNotes(ctx, org, rejected.ID, "customer called")
	require.NoError(t, err)
	assert.Equal(t, "customer called", noted.Notes)
	assert.Equal(t, enum.SignalStatusRejected, noted.Status)

	assert.True(t, f.reload(t, o).AmountPaid.IsZero(), "reject and skip have no financial effect")
}

func TestIngestDeduplicatesAndUsesAliases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Fay Green")
	exact := f.obligation(t, c.ID, "25.00", 3)
	f.obligation(t, c.ID, "40.00", 1)

	first := f.ingest(t, "fay green", "99.00")
	_, err := f.svc.ReassignContact(ctx, ReassignParams{OrgID: org, SignalID: first.ID, ContactID: c.ID})
	require.NoError(t, err)

	params := IngestParams{
		OrgID: org, ExternalID: "msg-1", Method: enum.PaymentMethodZelle,
		Details: ledger.ZelleDetails{Bank: "Chase"}, SenderName: "FAY  GREEN", Amount: money.MustParse("25.00"),
	}
	res, err := f.svc.Ingest(ctx, params)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.NotNil(t, res.Signal.MatchedContactID)
	assert.Equal(t, c.ID, *res.Signal.MatchedContactID)
	assert.Equal(t, enum.MatchProvenanceRule, res.Signal.MatchProvenance)
	require.NotNil(t, res.Signal.MatchedObligationID)
	assert.Equal(t, exact.ID, *res.Signal.MatchedObligationID, "exact balance beats recency")

	dup, err := f.svc.Ingest(ctx, params)
	require.NoError(t, err)
	assert.False(t, dup.Created)
	assert.Equal(t, res.Signal.ID, dup.Signal.ID)

	n, err := f.svc.PendingCount(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestIngestAutoPosted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Gus Hill")
	o := f.obligation(t, c.ID, "60.00", 1)

	res, err := f.svc.Ingest(ctx, IngestParams{
		OrgID: org, ExternalID: "auto-1", Method: enum.PaymentMethodCashApp, SenderName: "Gus Hill",
		Amount: money.MustParse("60.00"), MatchedContactID: &c.ID, MatchedObligationID: &o.ID,
		Confidence: enum.ConfidenceHigh, Status: enum.SignalStatusAutoPosted,
	})
	require.NoError(t, err)
	assert.True(t, res.Signal.IsTerminal())
	require.NotNil(t, res.Signal.AutoPostedAt)
	assert.Equal(t, enum.PaymentStatusPaid, f.reload(t, o).PaymentStatus)

	_, err = f.svc.Approve(ctx, ApproveParams{OrgID: org, SignalID: res.Signal.ID})
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindConflict, Code: ledger.CodeSignalTerminal})

	_, err = f.svc.Ingest(ctx, IngestParams{
		OrgID: org, ExternalID: "auto-1", Method: enum.PaymentMethodCashApp, SenderName: "Gus Hill",
		Amount: money.MustParse("60.00"), MatchedObligationID: &o.ID, Status: enum.SignalStatusAutoPosted,
	})
	require.NoError(t, err)
	assert.Equal(t, "60.00", f.reload(t, o).AmountPaid.String(), "re-ingest posts nothing")
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t)
	base := IngestParams{OrgID: org, ExternalID: "x", Method: enum.PaymentMethodVenmo, Amount: money.MustParse("1.00")}

	tests := []struct {
		name   string
		mutate func(p *IngestParams)
	}{
		{"no external id", func(p *IngestParams) { p.ExternalID = "" }},
		{"zero amount", func(p *IngestParams) { p.Amount = money.Zero }},
		{"card method", func(p *IngestParams) { p.Method = enum.PaymentMethodCard }},
		{"details mismatch", func(p *IngestParams) { p.Details = ledger.PayPalDetails{} }},
		{"bad confidence", func(p *IngestParams) { p.Confidence = "certain" }},
		{"approved status", func(p *IngestParams) { p.Status = enum.SignalStatusApproved }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := f.svc.Ingest(context.Background(), p)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestAcceptAISuggestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.contact(t, "Ivy Jones")
	o := f.obligation(t, c.ID, "12.00", 1)

	plain := f.ingest(t, "IJ", "12.00")
	_, err := f.svc.AcceptAISuggestion(ctx, org, plain.ID, nil)
	assert.ErrorIs(t, err, &ledger.Error{Kind: ledger.KindValidation, Code: ledger.CodeNoAISuggestion})

	res, err := f.svc.Ingest(ctx, IngestParams{
		OrgID: org, ExternalID: "ai-1", Method: enum.PaymentMethodPayPal, SenderName: "I. Jones",
		Amount: money.MustParse("12.00"), AISuggestedContactID: &c.ID, AIReasoning: "surname and amount match",
		Confidence: enum.ConfidenceMedium,
	})
	require.NoError(t, err)
	sig, err := f.svc.AcceptAISuggestion(ctx, org, res.Signal.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, enum.MatchProvenanceAI, sig.MatchProvenance)
	require.NotNil(t, sig.MatchedObligationID)
	assert.Equal(t, o.ID, *sig.MatchedObligationID)

	alias, err := f.q.GetSenderAlias(ctx, org, "i jones")
	require.NoError(t, err)
	assert.Equal(t, c.ID, alias.ContactID)
}

func TestCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ken := f.contact(t, "Ken Long")
	f.contact(t, "Ken Moss")
	f.contact(t, "Lia Long")

	sig := f.ingest(t, "Ken Long", "5.00")
	res, err := f.svc.Candidates(ctx, org, sig.ID)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Status)
	assert.Equal(t, ken.ID, res.Contact.ContactID)
	assert.Len(t, res.Candidates, 3)

	vague := f.ingest(t, "Ken", "5.00")
	res, err = f.svc.Candidates(ctx, org, vague.ID)
	require.NoError(t, err)
	assert.Equal(t, Ambiguous, res.Status)

	_, err = f.svc.ReassignContact(ctx, ReassignParams{OrgID: org, SignalID: vague.ID, ContactID: ken.ID})
	require.NoError(t, err)
	res, err = f.svc.Candidates(ctx, org, vague.ID)
	require.NoError(t, err)
	assert.Equal(t, Matched, res.Status)
	assert.True(t, res.Contact.Alias)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.ingest(t, "sender", "1.00")
	}
	all, err := f.svc.List(ctx, ListParams{OrgID: org})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := f.svc.List(ctx, ListParams{OrgID: org, Status: enum.SignalStatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	_, err = f.svc.List(ctx, ListParams{OrgID: org, Status: "lost"})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
