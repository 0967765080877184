package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/commission"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/middleware"
	"github.com/kiwari-pos/ledger/internal/money"
)

// CommissionServicer is satisfied by *commission.Service.
type CommissionServicer interface {
	Accrue(ctx context.Context, sale commission.Sale) (commission.AccrualResult, error)
	MarkAvailable(ctx context.Context, orgID uuid.UUID, ids []uuid.UUID) (ledger.BatchResult, error)
	MarkPaid(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)
	Void(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)
	Summary(ctx context.Context, orgID, partnerID uuid.UUID) (commission.Summary, error)
	ListForPartner(ctx context.Context, orgID, partnerID uuid.UUID, status string) ([]ledger.Commission, error)
	Downline(ctx context.Context, orgID, partnerID uuid.UUID) ([]commission.DownlineNode, error)
}

// CommissionHandler handles accrual and commission lifecycle endpoints.
type CommissionHandler struct {
	svc CommissionServicer
}

func NewCommissionHandler(svc CommissionServicer) *CommissionHandler {
	return &CommissionHandler{svc: svc}
}

// RegisterRoutes expects an org-scoped router: /orgs/{org}.
func (h *CommissionHandler) RegisterRoutes(r chi.Router) {
	r.With(adminOnly).Post("/sales/{sid}/commissions", h.Accrue)
	r.With(middleware.RequireSelfOrAdmin).Get("/partners/{pid}/commissions", h.List)
	r.With(middleware.RequireSelfOrAdmin).Get("/partners/{pid}/commissions/summary", h.Summary)
	r.With(middleware.RequireSelfOrAdmin).Get("/partners/{pid}/downline", h.Downline)
	r.With(adminOnly).Post("/commissions/mark-available", h.MarkAvailable)
	r.With(adminOnly).Post("/commissions/{id}/pay", h.MarkPaid)
	r.With(adminOnly).Post("/commissions/{id}/void", h.Void)
}

type accrueRequest struct {
	SellerID uuid.UUID    `json:"seller_id"`
	Amount   money.Amount `json:"amount"`
	SoldAt   *time.Time   `json:"sold_at"`
}

type idsRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

// Accrue handles POST /sales/{sid}/commissions. Repeating it for the same
// sale returns the existing rows with 200.
func (h *CommissionHandler) Accrue(w http.ResponseWriter, r *http.Request) {
	saleID, ok := pathUUID(w, r, "sid", "sale")
	if !ok {
		return
	}
	var req accrueRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	sale := commission.Sale{
		OrgID: orgID(r), SaleID: saleID, SellerID: req.SellerID, Amount: req.Amount, SoldAt: paidAt(req.SoldAt),
	}
	res, err := h.svc.Accrue(r.Context(), sale)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if len(res.Created) > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// List handles GET /partners/{pid}/commissions?status=.
func (h *CommissionHandler) List(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	cs, err := h.svc.ListForPartner(r.Context(), orgID(r), partnerID, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cs == nil {
		cs = []ledger.Commission{}
	}
	writeJSON(w, http.StatusOK, cs)
}

// Summary handles GET /partners/{pid}/commissions/summary.
func (h *CommissionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	sum, err := h.svc.Summary(r.Context(), orgID(r), partnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// Downline handles GET /partners/{pid}/downline.
func (h *CommissionHandler) Downline(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	nodes, err := h.svc.Downline(r.Context(), orgID(r), partnerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// MarkAvailable handles POST /commissions/mark-available.
func (h *CommissionHandler) MarkAvailable(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		badRequest(w, "ids is required")
		return
	}
	res, err := h.svc.MarkAvailable(r.Context(), orgID(r), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MarkPaid handles POST /commissions/{id}/pay.
func (h *CommissionHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.MarkPaid)
}

// Void handles POST /commissions/{id}/void.
func (h *CommissionHandler) Void(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Void)
}

func (h *CommissionHandler) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, orgID, id uuid.UUID) (ledger.Commission, error)) {
	id, ok := pathUUID(w, r, "id", "commission")
	if !ok {
		return
	}
	c, err := fn(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
