package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/paymentqueue"
)

// QueueServicer is satisfied by *paymentqueue.Service.
type QueueServicer interface {
	Ingest(ctx context.Context, p paymentqueue.IngestParams) (paymentqueue.IngestResult, error)
	Approve(ctx context.Context, p paymentqueue.ApproveParams) (paymentqueue.ApproveResult, error)
	Reject(ctx context.Context, p paymentqueue.ReviewParams) (ledger.PaymentSignal, error)
	Skip(ctx context.Context, p paymentqueue.ReviewParams) (ledger.PaymentSignal, error)
	ReassignContact(ctx context.Context, p paymentqueue.ReassignParams) (ledger.PaymentSignal, error)
	AcceptAISuggestion(ctx context.Context, orgID, signalID uuid.UUID, reviewedBy *uuid.UUID) (ledger.PaymentSignal, error)
	AttachObligation(ctx context.Context, p paymentqueue.AttachParams) (ledger.PaymentSignal, error)
	UpdateNotes(ctx context.Context, orgID, signalID uuid.UUID, notes string) (ledger.PaymentSignal, error)
	Candidates(ctx context.Context, orgID, signalID uuid.UUID) (paymentqueue.MatchResult, error)
	List(ctx context.Context, p paymentqueue.ListParams) ([]ledger.PaymentSignal, error)
	Get(ctx context.Context, orgID, signalID uuid.UUID) (ledger.PaymentSignal, error)
	PendingCount(ctx context.Context, orgID uuid.UUID) (int64, error)
}

// QueueHandler handles the payment detection queue. Every route is
// admin-only; the scanner ingests with an admin token.
type QueueHandler struct {
	svc QueueServicer
}

func NewQueueHandler(svc QueueServicer) *QueueHandler {
	return &QueueHandler{svc: svc}
}

// RegisterRoutes expects an org-scoped router: /orgs/{org}.
func (h *QueueHandler) RegisterRoutes(r chi.Router) {
	r.Route("/payment-queue", func(r chi.Router) {
		r.Use(adminOnly)
		r.Get("/", h.List)
		r.Post("/", h.Ingest)
		r.Get("/pending-count", h.PendingCount)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/candidates", h.Candidates)
		r.Post("/{id}/approve", h.Approve)
		r.Post("/{id}/reject", h.Reject)
		r.Post("/{id}/skip", h.Skip)
		r.Post("/{id}/reassign", h.Reassign)
		r.Post("/{id}/accept-ai", h.AcceptAI)
		r.Post("/{id}/attach", h.Attach)
		r.Patch("/{id}/notes", h.UpdateNotes)
	})
}

type ingestRequest struct {
	ExternalID           string          `json:"external_id"`
	Method               string          `json:"method"`
	Details              json.RawMessage `json:"details"`
	SenderName           string          `json:"sender_name"`
	Amount               money.Amount    `json:"amount"`
	EmailDate            *time.Time      `json:"email_date"`
	Subject              string          `json:"subject"`
	Snippet              string          `json:"snippet"`
	MatchedContactID     *uuid.UUID      `json:"matched_contact_id"`
	MatchedObligationID  *uuid.UUID      `json:"matched_obligation_id"`
	AISuggestedContactID *uuid.UUID      `json:"ai_suggested_contact_id"`
	AIReasoning          string          `json:"ai_reasoning"`
	Confidence           string          `json:"confidence"`
	Status               string          `json:"status"`
	AutoPostedAt         *time.Time      `json:"auto_posted_at"`
}

type approveRequest struct {
	ObligationIDs []uuid.UUID   `json:"obligation_ids"`
	Amount        *money.Amount `json:"amount"`
	Method        string        `json:"method"`
	PaidAt        *time.Time    `json:"paid_at"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type reassignRequest struct {
	ContactID uuid.UUID `json:"contact_id"`
}

type attachRequest struct {
	ObligationID uuid.UUID `json:"obligation_id"`
}

// List handles GET /payment-queue?status=&limit=&offset=.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	sigs, err := h.svc.List(r.Context(), paymentqueue.ListParams{
		OrgID: orgID(r), Status: r.URL.Query().Get("status"), Limit: limit, Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sigs == nil {
		sigs = []ledger.PaymentSignal{}
	}
	writeJSON(w, http.StatusOK, sigs)
}

// PendingCount handles GET /payment-queue/pending-count.
func (h *QueueHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PendingCount(r.Context(), orgID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": n})
}

// Ingest handles POST /payment-queue. A new row answers 201; a repeated
// external_id answers 200 with the stored row.
func (h *QueueHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	details, err := ledger.DecodeSignalDetails(req.Method, req.Details)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Ingest(r.Context(), paymentqueue.IngestParams{
		OrgID:                orgID(r),
		ExternalID:           req.ExternalID,
		Method:               req.Method,
		Details:              details,
		SenderName:           req.SenderName,
		Amount:               req.Amount,
		EmailDate:            req.EmailDate,
		Subject:              req.Subject,
		Snippet:              req.Snippet,
		MatchedContactID:     req.MatchedContactID,
		MatchedObligationID:  req.MatchedObligationID,
		AISuggestedContactID: req.AISuggestedContactID,
		AIReasoning:          req.AIReasoning,
		Confidence:           req.Confidence,
		Status:               req.Status,
		AutoPostedAt:         req.AutoPostedAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// Get handles GET /payment-queue/{id}.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	sig, err := h.svc.Get(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// Candidates handles GET /payment-queue/{id}/candidates.
func (h *QueueHandler) Candidates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	res, err := h.svc.Candidates(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Candidates == nil {
		res.Candidates = []paymentqueue.Candidate{}
	}
	writeJSON(w, http.StatusOK, res)
}

// Approve handles POST /payment-queue/{id}/approve. Without obligation_ids
// the signal's matched obligation is used.
func (h *QueueHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	var req approveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	res, err := h.svc.Approve(r.Context(), paymentqueue.ApproveParams{
		OrgID: orgID(r), SignalID: id, ObligationIDs: req.ObligationIDs, Amount: req.Amount,
		Method: req.Method, PaidAt: paidAt(req.PaidAt), ReviewedBy: reviewer(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reject handles POST /payment-queue/{id}/reject.
func (h *QueueHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Reject)
}

// Skip handles POST /payment-queue/{id}/skip.
func (h *QueueHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.svc.Skip)
}

func (h *QueueHandler) review(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, p paymentqueue.ReviewParams) (ledger.PaymentSignal, error)) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	var req notesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	sig, err := fn(r.Context(), paymentqueue.ReviewParams{
		OrgID: orgID(r), SignalID: id, ReviewedBy: reviewer(r), Notes: req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// Reassign handles POST /payment-queue/{id}/reassign.
func (h *QueueHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	var req reassignRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ContactID == uuid.Nil {
		badRequest(w, "contact_id is required")
		return
	}
	sig, err := h.svc.ReassignContact(r.Context(), paymentqueue.ReassignParams{
		OrgID: orgID(r), SignalID: id, ContactID: req.ContactID, ReviewedBy: reviewer(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// AcceptAI handles POST /payment-queue/{id}/accept-ai.
func (h *QueueHandler) AcceptAI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	sig, err := h.svc.AcceptAISuggestion(r.Context(), orgID(r), id, reviewer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// Attach handles POST /payment-queue/{id}/attach.
func (h *QueueHandler) Attach(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.ObligationID == uuid.Nil {
		badRequest(w, "obligation_id is required")
		return
	}
	sig, err := h.svc.AttachObligation(r.Context(), paymentqueue.AttachParams{
		OrgID: orgID(r), SignalID: id, ObligationID: req.ObligationID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// UpdateNotes handles PATCH /payment-queue/{id}/notes.
func (h *QueueHandler) UpdateNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "signal")
	if !ok {
		return
	}
	var req notesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	sig, err := h.svc.UpdateNotes(r.Context(), orgID(r), id, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}
