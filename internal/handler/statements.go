package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/middleware"
	"github.com/kiwari-pos/ledger/internal/statement"
)

// StatementBuilder is satisfied by *statement.Builder.
type StatementBuilder interface {
	ForContact(ctx context.Context, orgID, contactID uuid.UUID) (statement.Statement, error)
	ForPartner(ctx context.Context, orgID, partnerID uuid.UUID) (statement.Statement, error)
}

// StatementHandler serves reconciliation statements.
type StatementHandler struct {
	builder StatementBuilder
}

func NewStatementHandler(builder StatementBuilder) *StatementHandler {
	return &StatementHandler{builder: builder}
}

// RegisterRoutes expects an org-scoped router: /orgs/{org}.
func (h *StatementHandler) RegisterRoutes(r chi.Router) {
	r.With(adminOnly).Get("/contacts/{cid}/statement", h.Contact)
	r.With(middleware.RequireSelfOrAdmin).Get("/partners/{pid}/statement", h.Partner)
}

// Contact handles GET /contacts/{cid}/statement.
func (h *StatementHandler) Contact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "cid", "contact")
	if !ok {
		return
	}
	st, err := h.builder.ForContact(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Partner handles GET /partners/{pid}/statement.
func (h *StatementHandler) Partner(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "pid", "partner")
	if !ok {
		return
	}
	st, err := h.builder.ForPartner(r.Context(), orgID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
