// Package handler exposes the ledger services over HTTP. Handlers are
// mounted under /orgs/{org} after authentication and org scoping.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/auth"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/logger"
	"github.com/kiwari-pos/ledger/internal/middleware"
	"go.uber.org/zap"
)

var errInvalidBody = errors.New("invalid request body")

// adminOnly guards every mutation. Partners may only read their own data.
var adminOnly = middleware.RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin)

type errorResponse struct {
	Error string      `json:"error"`
	Kind  ledger.Kind `json:"kind,omitempty"`
	Code  string      `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode json response", zap.Error(err))
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError maps domain errors to HTTP statuses. Invariant violations and
// anything unclassified are logged; their details stay out of the response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	resp := errorResponse{Error: le.Message, Kind: le.Kind, Code: le.Code}
	switch le.Kind {
	case ledger.KindValidation:
		writeJSON(w, http.StatusBadRequest, resp)
	case ledger.KindNotFound:
		writeJSON(w, http.StatusNotFound, resp)
	case ledger.KindConflict:
		writeJSON(w, http.StatusConflict, resp)
	default:
		logger.FromContext(r.Context()).Error("ledger invariant violated",
			zap.String("code", le.Code), zap.Error(err))
		resp.Error = "ledger invariant violated"
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

// pathUUID parses a chi URL parameter, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid "+what+" ID")
		return uuid.Nil, false
	}
	return id, true
}

// orgID is the org set by middleware.RequireOrg.
func orgID(r *http.Request) uuid.UUID {
	id, _ := middleware.OrgFromContext(r.Context())
	return id
}

func reviewer(r *http.Request) *uuid.UUID {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		return nil
	}
	id := claims.UserID
	return &id
}

func paidAt(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// page reads limit and offset; invalid values fall back to zero so the
// service applies its defaults.
func page(r *http.Request) (limit, offset int) {
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
