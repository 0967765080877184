// Package paymentqueue advances scanned payment signals through review:
// matching them to contacts and obligations and posting approved amounts.
package paymentqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/settlement"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Events published after commit.
const (
	EventSignalIngested = "payment_queue.ingested"
	EventSignalUpdated  = "payment_queue.updated"
	EventPaymentPosted  = "obligation.payment_recorded"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Store defines the persistence methods used by the queue.
type Store interface {
	settlement.PaymentWriter

	InsertSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, bool, error)
	GetSignal(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error)
	GetSignalForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.PaymentSignal, error)
	UpdateSignal(ctx context.Context, s ledger.PaymentSignal) (ledger.PaymentSignal, error)
	ListSignals(ctx context.Context, arg store.ListSignalsParams) ([]ledger.PaymentSignal, error)
	CountSignalsByStatus(ctx context.Context, orgID uuid.UUID, status string) (int64, error)

	UpsertSenderAlias(ctx context.Context, a ledger.SenderAlias) (ledger.SenderAlias, error)
	GetSenderAlias(ctx context.Context, orgID uuid.UUID, senderName string) (ledger.SenderAlias, error)
	GetContact(ctx context.Context, orgID, id uuid.UUID) (ledger.Contact, error)
	ListContacts(ctx context.Context, orgID uuid.UUID) ([]ledger.Contact, error)

	GetObligationForUpdate(ctx context.Context, orgID, id uuid.UUID) (ledger.Obligation, error)
	ListOutstandingObligationsForUpdate(ctx context.Context, orgID, contactID uuid.UUID) ([]ledger.Obligation, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db store.DBTX) Store

// Publisher delivers org-scoped events.
type Publisher interface {
	Publish(orgID uuid.UUID, eventType string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(uuid.UUID, string, any) {}

// Service runs the payment detection queue.
type Service struct {
	pool     store.Pool
	newStore NewStore
	pub      Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewService creates a queue service. pub and log may be nil.
func NewService(pool store.Pool, newStore NewStore, pub Publisher, log *zap.Logger) *Service {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{pool: pool, newStore: newStore, pub: pub, log: log.Named("paymentqueue"), now: time.Now}
}

// IngestParams is a signal as produced by the external scanner.
type IngestParams struct {
	OrgID                uuid.UUID
	ExternalID           string
	Method               string
	Details              ledger.SignalDetails
	SenderName           string
	Amount               money.Amount
	EmailDate            *time.Time
	Subject              string
	Snippet              string
	MatchedContactID     *uuid.UUID
	MatchedObligationID  *uuid.UUID
	AISuggestedContactID *uuid.UUID
	AIReasoning          string
	Confidence           string
	// Status is pending unless the scanner already posted the payment.
	Status       string
	AutoPostedAt *time.Time
}

// IngestResult reports the stored signal. Created is false when the
// external id had been ingested before.
type IngestResult struct {
	Signal  ledger.PaymentSignal `json:"signal"`
	Created bool                 `json:"created"`
}

// Ingest stores a scanned signal. Rows are deduplicated by external id. A
// signal without a contact is matched through the sender aliases. Rows
// arriving as auto_posted are terminal; their amount is posted to the
// matched obligation in the same transaction.
func (s *Service) Ingest(ctx context.Context, p IngestParams) (IngestResult, error) {
	sig, err := s.newSignal(p)
	if err != nil {
		return IngestResult{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IngestResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	if sig.MatchedContactID == nil && sig.SenderName != "" {
		alias, err := q.GetSenderAlias(ctx, sig.OrgID, NormalizeSender(sig.SenderName))
		switch {
		case err == nil:
			sig.MatchedContactID = &alias.ContactID
			sig.MatchProvenance = enum.MatchProvenanceRule
		case !errors.Is(err, ledger.ErrNotFound):
			return IngestResult{}, err
		}
	}
	if sig.MatchedContactID != nil && sig.MatchedObligationID == nil {
		if err := s.resolveObligation(ctx, q, &sig); err != nil {
			return IngestResult{}, err
		}
	}

	stored, created, err := q.InsertSignal(ctx, sig)
	if err != nil {
		return IngestResult{}, err
	}
	if created && stored.Status == enum.SignalStatusAutoPosted && stored.MatchedObligationID != nil {
		if _, err := s.post(ctx, q, stored, []uuid.UUID{*stored.MatchedObligationID}, stored.Amount, stored.Method, *stored.AutoPostedAt); err != nil {
			return IngestResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return IngestResult{}, fmt.Errorf("commit tx: %w", err)
	}

	if !created {
		s.log.Debug("signal already ingested", zap.String("external_id", p.ExternalID))
		return IngestResult{Signal: stored}, nil
	}
	s.log.Info("signal ingested",
		zap.Stringer("signal_id", stored.ID), zap.String("method", stored.Method),
		zap.Stringer("amount", stored.Amount), zap.String("status", stored.Status))
	s.pub.Publish(stored.OrgID, EventSignalIngested, stored)
	return IngestResult{Signal: stored, Created: true}, nil
}

func (s *Service) newSignal(p IngestParams) (ledger.PaymentSignal, error) {
	if p.ExternalID == "" {
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidInput, "external_id is required")
	}
	if !p.Amount.IsPositive() {
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidAmount, "amount must be positive")
	}
	if !ledger.IsSignalMethod(p.Method) {
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidMethod, fmt.Sprintf("unsupported payment method %q", p.Method))
	}
	details := p.Details
	if details == nil {
		d, err := ledger.DecodeSignalDetails(p.Method, nil)
		if err != nil {
			return ledger.PaymentSignal{}, err
		}
		details = d
	}
	if details.Method() != p.Method {
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidInput,
			fmt.Sprintf("%s details supplied for a %s signal", details.Method(), p.Method))
	}
	confidence := p.Confidence
	if confidence == "" {
		confidence = enum.ConfidenceLow
	}
	if !ledger.IsValidConfidence(confidence) {
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidInput, fmt.Sprintf("unknown confidence %q", confidence))
	}

	sig := ledger.PaymentSignal{
		OrgID:                p.OrgID,
		ExternalID:           p.ExternalID,
		Method:               p.Method,
		Details:              details,
		SenderName:           p.SenderName,
		Amount:               p.Amount,
		EmailDate:            p.EmailDate,
		Subject:              p.Subject,
		Snippet:              p.Snippet,
		MatchedContactID:     p.MatchedContactID,
		MatchedObligationID:  p.MatchedObligationID,
		AISuggestedContactID: p.AISuggestedContactID,
		AIReasoning:          p.AIReasoning,
		Confidence:           confidence,
		Status:               enum.SignalStatusPending,
	}
	if sig.MatchedContactID != nil || sig.MatchedObligationID != nil {
		sig.MatchProvenance = enum.MatchProvenanceRule
	}
	switch p.Status {
	case "", enum.SignalStatusPending:
	case enum.SignalStatusAutoPosted:
		sig.Status = enum.SignalStatusAutoPosted
		at := s.now()
		if p.AutoPostedAt != nil {
			at = *p.AutoPostedAt
		}
		sig.AutoPostedAt = &at
		amount := p.Amount
		sig.ApprovedAmount = &amount
	default:
		return ledger.PaymentSignal{}, ledger.Validation(ledger.CodeInvalidInput,
			fmt.Sprintf("signals can only be ingested as pending or auto_posted, got %q", p.Status))
	}
	return sig, nil
}

// ApproveParams approves a signal. ObligationIDs defaults to the matched
// obligation, Amount to the signal amount and Method to the signal method.
type ApproveParams struct {
	OrgID         uuid.UUID
	SignalID      uuid.UUID
	ObligationIDs []uuid.UUID
	Amount        *money.Amount
	Method        string
	PaidAt        time.Time
	ReviewedBy    *uuid.UUID
}

// Posted is the share of an approval paid onto one obligation.
type Posted struct {
	ObligationID uuid.UUID    `json:"obligation_id"`
	Amount       money.Amount `json:"amount"`
	Balance      money.Amount `json:"balance"`
	Status       string       `json:"payment_status"`
}

// ApproveResult is the approved signal and the payments it posted. A
// Replayed result posted nothing; the signal had already been approved.
type ApproveResult struct {
	Signal   ledger.PaymentSignal `json:"signal"`
	Payments []Posted             `json:"payments"`
	Replayed bool                 `json:"replayed"`
}

// Approve posts the signal's amount to its obligation(s) and marks it
// approved in one transaction. Several obligations share the amount in
// proportion to their balances.
func (s *Service) Approve(ctx context.Context, p ApproveParams) (ApproveResult, error) {
	if p.Amount != nil && !p.Amount.IsPositive() {
		return ApproveResult{}, ledger.Validation(ledger.CodeInvalidAmount, "amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)

	sig, err := q.GetSignalForUpdate(ctx, p.OrgID, p.SignalID)
	if err != nil {
		return ApproveResult{}, err
	}
	if sig.IsTerminal() {
		if sig.Status == enum.SignalStatusApproved && sameTarget(sig, p.ObligationIDs) {
			return ApproveResult{Signal: sig, Replayed: true}, nil
		}
		return ApproveResult{}, terminal(sig, enum.SignalStatusApproved)
	}

	ids := p.ObligationIDs
	if len(ids) == 0 && sig.MatchedObligationID != nil {
		ids = []uuid.UUID{*sig.MatchedObligationID}
	}
	if len(ids) == 0 {
		return ApproveResult{}, ledger.Validation(ledger.CodeNoMatchedObligation,
			"signal has no matched obligation; attach a contact or obligation first")
	}
	amount := sig.Amount
	if p.Amount != nil {
		amount = *p.Amount
	}
	method := p.Method
	if method == "" {
		method = sig.Method
	}
	if err := settlement.ValidateMethod(method); err != nil {
		return ApproveResult{}, err
	}
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}

	posted, err := s.post(ctx, q, sig, ids, amount, method, paidAt)
	if err != nil {
		return ApproveResult{}, err
	}

	reviewedAt := s.now()
	sig.Status = enum.SignalStatusApproved
	sig.MatchedObligationID = &ids[0]
	sig.ApprovedAmount = &amount
	sig.ReviewedBy = p.ReviewedBy
	sig.ReviewedAt = &reviewedAt
	if sig.MatchProvenance == "" {
		sig.MatchProvenance = enum.MatchProvenanceManual
	}
	updated, err := q.UpdateSignal(ctx, sig)
	if err != nil {
		return ApproveResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ApproveResult{}, fmt.Errorf("commit tx: %w", err)
	}

	res := ApproveResult{Signal: updated, Payments: posted}
	s.log.Info("signal approved",
		zap.Stringer("signal_id", sig.ID), zap.Stringer("amount", amount), zap.Int("obligations", len(posted)))
	s.pub.Publish(p.OrgID, EventSignalUpdated, updated)
	s.pub.Publish(p.OrgID, EventPaymentPosted, res)
	return res, nil
}

// post spreads amount over the obligations and records each share with the
// signal as its source. Every target must still be owed and, once the signal
// has a contact, belong to that contact.
func (s *Service) post(ctx context.Context, q Store, sig ledger.PaymentSignal, ids []uuid.UUID, amount money.Amount, method string, paidAt time.Time) ([]Posted, error) {
	obs := make([]ledger.Obligation, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for i, id := range ids {
		if seen[id] {
			return nil, ledger.Validation(ledger.CodeInvalidInput, fmt.Sprintf("obligation %s listed twice", id))
		}
		seen[id] = true
		o, err := q.GetObligationForUpdate(ctx, sig.OrgID, id)
		if err != nil {
			return nil, err
		}
		if o.PaymentStatus == enum.PaymentStatusPaid || !o.Balance().IsPositive() {
			return nil, ledger.Validation(ledger.CodeObligationPaid,
				fmt.Sprintf("obligation %s is already paid", o.ID))
		}
		if sig.MatchedContactID != nil && o.OwnerContactID != *sig.MatchedContactID {
			return nil, ledger.Validation(ledger.CodeContactMismatch,
				fmt.Sprintf("obligation %s does not belong to the matched contact %s", o.ID, *sig.MatchedContactID))
		}
		obs[i] = o
	}

	shares, err := shareByBalance(amount, obs)
	if err != nil {
		return nil, err
	}

	out := make([]Posted, 0, len(obs))
	for i, o := range obs {
		if shares[i].IsZero() {
			continue
		}
		updated, _, err := settlement.PostPayment(ctx, q, o, o.AmountPaid.Add(shares[i]), settlement.Posting{
			Method: method, PaidAt: paidAt, Source: enum.PaymentSourceSignal, SourceID: &sig.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("post signal %s to obligation %s: %w", sig.ID, o.ID, err)
		}
		out = append(out, Posted{ObligationID: o.ID, Amount: shares[i], Balance: updated.Balance(), Status: updated.PaymentStatus})
	}
	return out, nil
}

// shareByBalance splits amount across obligations in proportion to their
// balances. Callers only pass obligations that are still owed.
func shareByBalance(amount money.Amount, obs []ledger.Obligation) ([]money.Amount, error) {
	if len(obs) == 1 {
		return []money.Amount{amount}, nil
	}
	ratios := make([]decimal.Decimal, len(obs))
	for i, o := range obs {
		ratios[i] = o.Balance().Decimal()
	}
	return amount.Allocate(ratios...)
}

func sameTarget(sig ledger.PaymentSignal, ids []uuid.UUID) bool {
	if len(ids) == 0 {
		return true
	}
	return sig.MatchedObligationID != nil && ids[0] == *sig.MatchedObligationID
}

func terminal(sig ledger.PaymentSignal, want string) error {
	return ledger.Conflict(ledger.CodeSignalTerminal,
		fmt.Sprintf("signal %s is already %s and cannot be %s", sig.ID, sig.Status, want))
}

// ReviewParams identifies a signal and its reviewer.
type ReviewParams struct {
	OrgID      uuid.UUID
	SignalID   uuid.UUID
	ReviewedBy *uuid.UUID
	Notes      string
}

// Reject closes the signal as not a payment. Nothing is posted.
func (s *Service) Reject(ctx context.Context, p ReviewParams) (ledger.PaymentSignal, error) {
	return s.close(ctx, p, enum.SignalStatusRejected)
}

// Skip closes the signal as reviewed and intentionally ignored.
func (s *Service) Skip(ctx context.Context, p ReviewParams) (ledger.PaymentSignal, error) {
	return s.close(ctx, p, enum.SignalStatusSkipped)
}

func (s *Service) close(ctx context.Context, p ReviewParams, status string) (ledger.PaymentSignal, error) {
	var closed ledger.PaymentSignal
	err := s.mutate(ctx, p.OrgID, p.SignalID, func(_ Store, sig *ledger.PaymentSignal) error {
		if sig.IsTerminal() {
			if sig.Status == status {
				return errReplay
			}
			return terminal(*sig, status)
		}
		at := s.now()
		sig.Status = status
		sig.ReviewedBy = p.ReviewedBy
		sig.ReviewedAt = &at
		if p.Notes != "" {
			sig.Notes = p.Notes
		}
		return nil
	}, &closed)
	switch {
	case errors.Is(err, errReplay):
		return closed, nil
	case err != nil:
		return ledger.PaymentSignal{}, err
	}
	s.log.Info("signal closed", zap.Stringer("signal_id", p.SignalID), zap.String("status", status))
	return closed, nil
}

// ReassignParams points a signal at a contact chosen by the operator.
type ReassignParams struct {
	OrgID      uuid.UUID
	SignalID   uuid.UUID
	ContactID  uuid.UUID
	ReviewedBy *uuid.UUID
}

// ReassignContact replaces the matched contact, re-runs obligation matching
// and remembers the sender name for future scans. Status is unchanged.
func (s *Service) ReassignContact(ctx context.Context, p ReassignParams) (ledger.PaymentSignal, error) {
	var out ledger.PaymentSignal
	err := s.mutate(ctx, p.OrgID, p.SignalID, func(q Store, sig *ledger.PaymentSignal) error {
		if sig.IsTerminal() {
			return terminal(*sig, "reassigned")
		}
		return s.assign(ctx, q, sig, p.ContactID, enum.MatchProvenanceManual, p.ReviewedBy)
	}, &out)
	if err != nil {
		return ledger.PaymentSignal{}, err
	}
	s.log.Info("signal contact reassigned", zap.Stringer("signal_id", p.SignalID), zap.Stringer("contact_id", p.ContactID))
	return out, nil
}

// AcceptAISuggestion promotes the AI-suggested contact to the match.
func (s *Service) AcceptAISuggestion(ctx context.Context, orgID, signalID uuid.UUID, reviewedBy *uuid.UUID) (ledger.PaymentSignal, error) {
	var out ledger.PaymentSignal
	err := s.mutate(ctx, orgID, signalID, func(q Store, sig *ledger.PaymentSignal) error {
		if sig.IsTerminal() {
			return terminal(*sig, "reassigned")
		}
		if sig.AISuggestedContactID == nil {
			return ledger.Validation(ledger.CodeNoAISuggestion, fmt.Sprintf("signal %s has no AI suggestion", sig.ID))
		}
		return s.assign(ctx, q, sig, *sig.AISuggestedContactID, enum.MatchProvenanceAI, reviewedBy)
	}, &out)
	if err != nil {
		return ledger.PaymentSignal{}, err
	}
	s.log.Info("ai suggestion accepted", zap.Stringer("signal_id", signalID))
	return out, nil
}

func (s *Service) assign(ctx context.Context, q Store, sig *ledger.PaymentSignal, contactID uuid.UUID, provenance string, by *uuid.UUID) error {
	if _, err := q.GetContact(ctx, sig.OrgID, contactID); err != nil {
		return err
	}
	sig.MatchedContactID = &contactID
	sig.MatchedObligationID = nil
	sig.MatchProvenance = provenance
	if err := s.resolveObligation(ctx, q, sig); err != nil {
		return err
	}
	if name := NormalizeSender(sig.SenderName); name != "" {
		if _, err := q.UpsertSenderAlias(ctx, ledger.SenderAlias{
			OrgID: sig.OrgID, SenderName: name, ContactID: contactID, CreatedBy: by,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AttachParams links a signal to an obligation found by search.
type AttachParams struct {
	OrgID        uuid.UUID
	SignalID     uuid.UUID
	ObligationID uuid.UUID
}

// AttachObligation sets the matched obligation. The matched contact follows
// the obligation's owner.
func (s *Service) AttachObligation(ctx context.Context, p AttachParams) (ledger.PaymentSignal, error) {
	var out ledger.PaymentSignal
	err := s.mutate(ctx, p.OrgID, p.SignalID, func(q Store, sig *ledger.PaymentSignal) error {
		if sig.IsTerminal() {
			return terminal(*sig, "attached")
		}
		o, err := q.GetObligationForUpdate(ctx, p.OrgID, p.ObligationID)
		if err != nil {
			return err
		}
		owner := o.OwnerContactID
		sig.MatchedObligationID = &o.ID
		sig.MatchedContactID = &owner
		sig.MatchProvenance = enum.MatchProvenanceManual
		return nil
	}, &out)
	if err != nil {
		return ledger.PaymentSignal{}, err
	}
	return out, nil
}

// UpdateNotes replaces the signal's notes. Terminal signals accept notes.
func (s *Service) UpdateNotes(ctx context.Context, orgID, signalID uuid.UUID, notes string) (ledger.PaymentSignal, error) {
	var out ledger.PaymentSignal
	err := s.mutate(ctx, orgID, signalID, func(_ Store, sig *ledger.PaymentSignal) error {
		sig.Notes = notes
		return nil
	}, &out)
	return out, err
}

var errReplay = errors.New("replay")

// mutate loads the signal for update, applies fn and writes it back in one
// transaction. When fn returns errReplay nothing is written and out holds
// the stored signal.
func (s *Service) mutate(ctx context.Context, orgID, signalID uuid.UUID, fn func(Store, *ledger.PaymentSignal) error, out *ledger.PaymentSignal) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	q := s.newStore(tx)
	sig, err := q.GetSignalForUpdate(ctx, orgID, signalID)
	if err != nil {
		return err
	}
	if err := fn(q, &sig); err != nil {
		if errors.Is(err, errReplay) {
			*out = sig
		}
		return err
	}
	updated, err := q.UpdateSignal(ctx, sig)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	*out = updated
	s.pub.Publish(orgID, EventSignalUpdated, updated)
	return nil
}

// resolveObligation picks the contact's unpaid obligation whose balance
// equals the signal amount, else the most recent unpaid one. With nothing
// owed the obligation stays unmatched.
func (s *Service) resolveObligation(ctx context.Context, q Store, sig *ledger.PaymentSignal) error {
	if sig.MatchedContactID == nil {
		return nil
	}
	obs, err := q.ListOutstandingObligationsForUpdate(ctx, sig.OrgID, *sig.MatchedContactID)
	if err != nil {
		return err
	}
	ledger.SortOldestFirst(obs)
	var latest *ledger.Obligation
	for i := range obs {
		o := obs[i]
		if !o.Balance().IsPositive() {
			continue
		}
		if o.Balance().Equal(sig.Amount) {
			sig.MatchedObligationID = &o.ID
			return nil
		}
		latest = &obs[i]
	}
	if latest != nil {
		sig.MatchedObligationID = &latest.ID
	}
	return nil
}

// Candidates ranks contacts for the signal's sender. A remembered alias is
// returned as the match without scoring.
func (s *Service) Candidates(ctx context.Context, orgID, signalID uuid.UUID) (MatchResult, error) {
	q := s.newStore(s.pool)
	sig, err := q.GetSignal(ctx, orgID, signalID)
	if err != nil {
		return MatchResult{}, err
	}
	name := NormalizeSender(sig.SenderName)
	if name == "" {
		return MatchResult{Status: Unmatched}, nil
	}
	alias, err := q.GetSenderAlias(ctx, orgID, name)
	switch {
	case err == nil:
		c, err := q.GetContact(ctx, orgID, alias.ContactID)
		if err != nil {
			return MatchResult{}, err
		}
		cand := Candidate{ContactID: c.ID, Name: c.Name, Score: exactWeight, Alias: true}
		return MatchResult{Status: Matched, Contact: &cand, Candidates: []Candidate{cand}}, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return MatchResult{}, err
	}
	contacts, err := q.ListContacts(ctx, orgID)
	if err != nil {
		return MatchResult{}, err
	}
	return NewMatcher(contacts).Match(sig.SenderName), nil
}

// ListParams pages through the queue. Limit defaults to 100.
type ListParams struct {
	OrgID  uuid.UUID
	Status string
	Limit  int
	Offset int
}

// List returns signals newest first.
func (s *Service) List(ctx context.Context, p ListParams) ([]ledger.PaymentSignal, error) {
	if p.Status != "" && !isSignalStatus(p.Status) {
		return nil, ledger.Validation(ledger.CodeInvalidInput, fmt.Sprintf("unknown signal status %q", p.Status))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return s.newStore(s.pool).ListSignals(ctx, store.ListSignalsParams{
		OrgID: p.OrgID, Status: p.Status, Limit: int32(limit), Offset: int32(offset),
	})
}

// Get returns one signal.
func (s *Service) Get(ctx context.Context, orgID, signalID uuid.UUID) (ledger.PaymentSignal, error) {
	return s.newStore(s.pool).GetSignal(ctx, orgID, signalID)
}

// PendingCount is the number of signals awaiting review.
func (s *Service) PendingCount(ctx context.Context, orgID uuid.UUID) (int64, error) {
	return s.newStore(s.pool).CountSignalsByStatus(ctx, orgID, enum.SignalStatusPending)
}

func isSignalStatus(st string) bool {
	return st == enum.SignalStatusPending || ledger.IsTerminalSignalStatus(st)
}
