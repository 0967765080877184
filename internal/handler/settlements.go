package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/middleware"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/settlement"
)

// SettlementServicer is satisfied by *settlement.Service.
type SettlementServicer interface {
	ApplyCommissionsToOwed(ctx context.Context, orgID, partnerID uuid.UUID) (settlement.ApplyResult, error)
	ConvertCommissionToCredit(ctx context.Context, orgID, commissionID uuid.UUID) (settlement.ConvertResult, error)
	RecordPayment(ctx context.Context, p settlement.RecordPaymentParams) (settlement.PaymentResult, error)
	BatchPayment(ctx context.Context, p settlement.BatchPaymentParams) (settlement.BatchPaymentResult, error)
	BulkMarkPaid(ctx context.Context, p settlement.BulkMarkPaidParams) (ledger.BatchResult, error)
	RedeemCredit(ctx context.Context, p settlement.RedeemParams) (settlement.RedeemResult, error)
	AdjustCredit(ctx context.Context, p settlement.AdjustParams) (ledger.CreditEvent, error)
	VerifyCreditBalance(ctx context.Context, orgID, partnerID uuid.UUID) (settlement.CreditReport, error)
}

// SettlementHandler handles settlement, credit and obligation payment
// endpoints.
type SettlementHandler struct {
	svc SettlementServicer
}

func NewSettlementHandler(svc SettlementServicer) *SettlementHandler {
	return &SettlementHandler{svc: svc}
}

// RegisterRoutes expects an org-scoped router: /orgs/{org}.
func (h *SettlementHandler) RegisterRoutes(r chi.Router) {
	r.With(adminOnly).Post("/partners/{pid}/settlements", h.Apply)
	r.With(adminOnly).Post("/partners/{pid}/credit/redeem", h.Redeem)
	r.With(adminOnly).Post("/partners/{pid}/credit/adjust", h.Adjust)
	r.With(middleware.RequireSelfOrAdmin).Get("/partners/{pid}/credit/verify", h.Verify)
	r.With(adminOnly).Post("/commissions/{id}/convert", h.Convert)
	r.With(adminOnly).Post("/obligations/{id}/payments", h.RecordPayment)
	r.With(adminOnly).Post("/obligations/bulk-mark-paid", h.BulkMarkPaid)
	r.With(adminOnly).Post("/batches/{bid}/payments", h.BatchPayment)
}

type redeemRequest struct {
	ObligationID uuid.UUID    `json:"obligation_id"`
	Amount       money.Amount `json:"amount"`
}

type adjustRequest struct {
	Delta money.Amount `json:"delta"`
}

type recordPaymentRequest struct {
	AmountPaid money.Amount `json:"amount_paid"`
	Method     string       `json:"method"`
	PaidAt     *time.Time   `json:"paid_at"`
}

type bulkMarkPaidRequest struct {
	ObligationIDs []uuid.UUID `json:"obligation_ids"`
	Method        string      `json:"method"`
	PaidAt        *time.Time  `json:"paid_at"`
}

type batchPaymentRequest struct {
	Amount money.Amount `json:"amount"`
	Method string       `json:"method"`
	PaidAt *time.Time   `json:"paid_at"`
}

// Apply handles POST /partners/{pid}/settlements.
func (h *SettlementHandler) Apply(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	res, err := h.svc.ApplyCommissionsToOwed(r.Context(), orgID(r), partnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.SettlementID != nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// Redeem handles POST /partners/{pid}/credit/redeem.
func (h *SettlementHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.RedeemCredit(r.Context(), settlement.RedeemParams{
		OrgID: orgID(r), PartnerID: partnerID, ObligationID: req.ObligationID, Amount: req.Amount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Adjust handles POST /partners/{pid}/credit/adjust.
func (h *SettlementHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ev, err := h.svc.AdjustCredit(r.Context(), settlement.AdjustParams{OrgID: orgID(r), PartnerID: partnerID, Delta: req.Delta})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// Verify handles GET /partners/{pid}/credit/verify. A drifted balance is an
// invariant violation and answers 500 with the report's code.
func (h *SettlementHandler) Verify(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	report, err := h.svc.VerifyCreditBalance(r.Context(), orgID(r), partnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Convert handles POST /commissions/{id}/convert.
func (h *SettlementHandler) Convert(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "commission")
	if !ok {
		return
	}
	res, err := h.svc.ConvertCommissionToCredit(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordPayment handles POST /obligations/{id}/payments. amount_paid is the
// new cumulative total, so retries are safe.
func (h *SettlementHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", "obligation")
	if !ok {
		return
	}
	var req recordPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.RecordPayment(r.Context(), settlement.RecordPaymentParams{
		OrgID: orgID(r), ObligationID: id, AmountPaid: req.AmountPaid, Method: req.Method, PaidAt: paidAt(req.PaidAt),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BulkMarkPaid handles POST /obligations/bulk-mark-paid. Per-item failures
// are reported in the body with 200.
func (h *SettlementHandler) BulkMarkPaid(w http.ResponseWriter, r *http.Request) {
	var req bulkMarkPaidRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.BulkMarkPaid(r.Context(), settlement.BulkMarkPaidParams{
		OrgID: orgID(r), ObligationIDs: req.ObligationIDs, Method: req.Method, PaidAt: paidAt(req.PaidAt),
	})
	if err != nil {
		writeBatchError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BatchPayment handles POST /batches/{bid}/payments.
func (h *SettlementHandler) BatchPayment(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathUUID(w, r, "bid", "batch")
	if !ok {
		return
	}
	var req batchPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.BatchPayment(r.Context(), settlement.BatchPaymentParams{
		OrgID: orgID(r), BatchID: batchID, Amount: req.Amount, Method: req.Method, PaidAt: paidAt(req.PaidAt),
	})
	if err != nil {
		writeBatchError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeBatchError reports a cancelled batch with the outcomes so far.
func writeBatchError(w http.ResponseWriter, r *http.Request, partial interface{}, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusServiceUnavailable, struct {
			errorResponse
			Result interface{} `json:"result"`
		}{errorResponse{Error: err.Error()}, partial})
		return
	}
	writeError(w, r, err)
}
