package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiwari-pos/ledger/internal/auth"
	"github.com/kiwari-pos/ledger/internal/commission"
	"github.com/kiwari-pos/ledger/internal/config"
	"github.com/kiwari-pos/ledger/internal/enum"
	"github.com/kiwari-pos/ledger/internal/ledger"
	"github.com/kiwari-pos/ledger/internal/lock"
	"github.com/kiwari-pos/ledger/internal/money"
	"github.com/kiwari-pos/ledger/internal/paymentqueue"
	"github.com/kiwari-pos/ledger/internal/router"
	"github.com/kiwari-pos/ledger/internal/settlement"
	"github.com/kiwari-pos/ledger/internal/statement"
	"github.com/kiwari-pos/ledger/internal/store"
	"github.com/kiwari-pos/ledger/internal/store/memstore"
	"github.com/kiwari-pos/ledger/internal/ws"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const testJWTSecret = "test-secret"

// --- Test environment ---

type testEnv struct {
	db     *memstore.DB
	q      *memstore.Queries
	router http.Handler
	org    uuid.UUID
	admin  *auth.Claims
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := memstore.NewDB()
	log := zap.NewNop()
	hub := ws.NewHub(log)

	svc := router.Services{
		Commissions: commission.NewService(db, func(d store.DBTX) commission.Store { return memstore.New(d) },
			commission.MustRateTable(commission.DefaultRates), hub, log),
		Settlements: settlement.NewService(db, func(d store.DBTX) settlement.Store { return memstore.New(d) },
			lock.NewMemoryLocker(), hub, log),
		Queue: paymentqueue.NewService(db, func(d store.DBTX) paymentqueue.Store { return memstore.New(d) }, hub, log),
		Statements: statement.NewBuilder(db, func(d store.DBTX) statement.Store { return memstore.New(d) },
			memstore.New(db), log),
	}
	cfg := &config.Config{JWTSecret: testJWTSecret, CORSOrigins: []string{"http://localhost:3000"}}
	org := uuid.New()
	return &testEnv{
		db:     db,
		q:      memstore.New(db),
		router: router.New(cfg, svc, hub, log),
		org:    org,
		admin:  &auth.Claims{UserID: uuid.New(), OrgID: org, Role: auth.RoleAdmin},
	}
}

func (e *testEnv) path(p string) string { return "/orgs/" + e.org.String() + p }

func (e *testEnv) partner(t *testing.T, name, tier string, path ...uuid.UUID) ledger.Partner {
	t.Helper()
	ctx := context.Background()
	c, err := e.q.CreateContact(ctx, ledger.Contact{OrgID: e.org, Name: name})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	p, err := e.q.CreatePartner(ctx, ledger.Partner{
		OrgID: e.org, ContactID: c.ID, Name: name, Tier: tier,
		CommissionRate: decimal.RequireFromString("0.10"), Path: path, Active: true,
	})
	if err != nil {
		t.Fatalf("create partner: %v", err)
	}
	return p
}

func (e *testEnv) obligation(t *testing.T, owner uuid.UUID, subtotal string, date time.Time, batch *uuid.UUID) ledger.Obligation {
	t.Helper()
	o, err := e.q.CreateObligation(context.Background(), ledger.Obligation{
		OrgID: e.org, Source: enum.ObligationSourceOrder, OwnerContactID: owner, BatchID: batch,
		Subtotal: money.MustParse(subtotal), ObligationDate: date,
	})
	if err != nil {
		t.Fatalf("create obligation: %v", err)
	}
	return o
}

func doAuthRequest(t *testing.T, router http.Handler, method, path string, body interface{}, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()

	token, err := auth.GenerateToken(testJWTSecret, claims.UserID, claims.OrgID, claims.Role, claims.PartnerID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rr.Body.String())
	}
	return resp
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status: got %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

// --- Health / auth ---

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
	expectStatus(t, rr, http.StatusOK)
}

func TestOrgScoping(t *testing.T) {
	env := newTestEnv(t)
	other := &auth.Claims{UserID: uuid.New(), OrgID: uuid.New(), Role: auth.RoleAdmin}

	rr := doAuthRequest(t, env.router, "GET", env.path("/payment-queue"), nil, other)
	expectStatus(t, rr, http.StatusForbidden)

	req := httptest.NewRequest("GET", env.path("/payment-queue"), nil)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	expectStatus(t, rr, http.StatusUnauthorized)
}

func TestPartnerTokenReadsOnlyOwnData(t *testing.T) {
	env := newTestEnv(t)
	mine := env.partner(t, "Ana Diaz", enum.PartnerTierStandard)
	theirs := env.partner(t, "Ben Ito", enum.PartnerTierStandard)
	claims := &auth.Claims{UserID: uuid.New(), OrgID: env.org, Role: auth.RolePartner, PartnerID: &mine.ID}

	rr := doAuthRequest(t, env.router, "GET", env.path("/partners/"+mine.ID.String()+"/commissions/summary"), nil, claims)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+theirs.ID.String()+"/statement"), nil, claims)
	expectStatus(t, rr, http.StatusForbidden)

	rr = doAuthRequest(t, env.router, "POST", env.path("/partners/"+mine.ID.String()+"/settlements"), nil, claims)
	expectStatus(t, rr, http.StatusForbidden)
}

// --- Commissions and settlement ---

func TestAccrueSettleAndStatement(t *testing.T) {
	env := newTestEnv(t)
	senior := env.partner(t, "Cat Moss", enum.PartnerTierSenior)
	seller := env.partner(t, "Dev Rao", enum.PartnerTierStandard, senior.ID)
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	env.obligation(t, seller.ContactID, "4.00", day, nil)

	saleID := uuid.New()
	body := map[string]interface{}{"seller_id": seller.ID, "amount": "100.00"}
	rr := doAuthRequest(t, env.router, "POST", env.path("/sales/"+saleID.String()+"/commissions"), body, env.admin)
	expectStatus(t, rr, http.StatusCreated)
	created := decodeResponse(t, rr)["created"].([]interface{})
	if len(created) != 2 {
		t.Fatalf("created: got %d commissions, want 2", len(created))
	}

	// Same sale again is a replay
	rr = doAuthRequest(t, env.router, "POST", env.path("/sales/"+saleID.String()+"/commissions"), body, env.admin)
	expectStatus(t, rr, http.StatusOK)

	var ids []string
	for _, c := range created {
		ids = append(ids, c.(map[string]interface{})["id"].(string))
	}
	rr = doAuthRequest(t, env.router, "POST", env.path("/commissions/mark-available"), map[string]interface{}{"ids": ids}, env.admin)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "POST", env.path("/partners/"+seller.ID.String()+"/settlements"), nil, env.admin)
	expectStatus(t, rr, http.StatusCreated)
	res := decodeResponse(t, rr)
	if res["total_applied"] != "4.00" {
		t.Errorf("total_applied: got %v, want 4.00", res["total_applied"])
	}
	if res["banked"] != "6.00" {
		t.Errorf("banked: got %v, want 6.00", res["banked"])
	}

	// Nothing left to apply
	rr = doAuthRequest(t, env.router, "POST", env.path("/partners/"+seller.ID.String()+"/settlements"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+seller.ID.String()+"/credit/verify"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+seller.ID.String()+"/statement"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	totals := decodeResponse(t, rr)["totals"].(map[string]interface{})
	if totals["credit_balance"] != "6.00" {
		t.Errorf("credit_balance: got %v, want 6.00", totals["credit_balance"])
	}
	if totals["outstanding"] != "0.00" {
		t.Errorf("outstanding: got %v, want 0.00", totals["outstanding"])
	}
}

func TestPartnerDownline(t *testing.T) {
	env := newTestEnv(t)
	root := env.partner(t, "Gia Lam", enum.PartnerTierExecutive)
	mid := env.partner(t, "Hal Orr", enum.PartnerTierSenior, root.ID)
	leaf := env.partner(t, "Ivy Poe", enum.PartnerTierStandard, root.ID, mid.ID)
	outsider := env.partner(t, "Jon Quay", enum.PartnerTierStandard)

	rr := doAuthRequest(t, env.router, "GET", env.path("/partners/"+root.ID.String()+"/downline"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	var nodes []commission.DownlineNode
	if err := json.NewDecoder(rr.Body).Decode(&nodes); err != nil {
		t.Fatalf("decode downline: %v", err)
	}
	if len(nodes) != 2 || nodes[0].ID != mid.ID || nodes[1].ID != leaf.ID {
		t.Fatalf("downline: got %+v, want Hal Orr then Ivy Poe", nodes)
	}
	if nodes[1].Depth != 2 || nodes[1].ParentID == nil || *nodes[1].ParentID != mid.ID {
		t.Errorf("leaf node: got depth %d parent %v", nodes[1].Depth, nodes[1].ParentID)
	}

	// a partner may list its own downline but not another tree
	self := &auth.Claims{UserID: uuid.New(), OrgID: env.org, Role: auth.RolePartner, PartnerID: &mid.ID}
	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+mid.ID.String()+"/downline"), nil, self)
	expectStatus(t, rr, http.StatusOK)
	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+outsider.ID.String()+"/downline"), nil, self)
	expectStatus(t, rr, http.StatusForbidden)

	rr = doAuthRequest(t, env.router, "GET", env.path("/partners/"+uuid.New().String()+"/downline"), nil, env.admin)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestCommissionStateErrors(t *testing.T) {
	env := newTestEnv(t)
	seller := env.partner(t, "Eve Holt", enum.PartnerTierStandard)
	c, _, err := env.q.InsertCommission(context.Background(), ledger.Commission{
		OrgID: env.org, PartnerID: seller.ID, SaleID: uuid.New(), Type: enum.CommissionTypeDirect,
		Amount: money.MustParse("5.00"), Status: enum.CommissionStatusPending,
	})
	if err != nil {
		t.Fatalf("insert commission: %v", err)
	}

	rr := doAuthRequest(t, env.router, "POST", env.path("/commissions/"+c.ID.String()+"/pay"), nil, env.admin)
	expectStatus(t, rr, http.StatusBadRequest)
	if code := decodeResponse(t, rr)["code"]; code != ledger.CodeCommissionState {
		t.Errorf("code: got %v, want %s", code, ledger.CodeCommissionState)
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/commissions/"+c.ID.String()+"/void"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	if status := decodeResponse(t, rr)["status"]; status != enum.CommissionStatusVoid {
		t.Errorf("status: got %v, want %s", status, enum.CommissionStatusVoid)
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/commissions/"+uuid.NewString()+"/convert"), nil, env.admin)
	expectStatus(t, rr, http.StatusNotFound)

	rr = doAuthRequest(t, env.router, "POST", env.path("/commissions/not-a-uuid/void"), nil, env.admin)
	expectStatus(t, rr, http.StatusBadRequest)
}

// --- Obligation payments ---

func TestRecordPaymentDecreaseRejected(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.q.CreateContact(context.Background(), ledger.Contact{OrgID: env.org, Name: "Fay Gold"})
	o := env.obligation(t, c.ID, "50.00", time.Now(), nil)
	path := env.path("/obligations/" + o.ID.String() + "/payments")

	rr := doAuthRequest(t, env.router, "POST", path, map[string]interface{}{"amount_paid": "30.00", "method": "zelle"}, env.admin)
	expectStatus(t, rr, http.StatusOK)
	if delta := decodeResponse(t, rr)["delta"]; delta != "30.00" {
		t.Errorf("delta: got %v, want 30.00", delta)
	}

	rr = doAuthRequest(t, env.router, "POST", path, map[string]interface{}{"amount_paid": "20.00", "method": "zelle"}, env.admin)
	expectStatus(t, rr, http.StatusBadRequest)
	if code := decodeResponse(t, rr)["code"]; code != ledger.CodeDecreasingAmountPaid {
		t.Errorf("code: got %v, want %s", code, ledger.CodeDecreasingAmountPaid)
	}

	rr = doAuthRequest(t, env.router, "POST", path, "not an object", env.admin)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestBatchAndBulkPayments(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.q.CreateContact(context.Background(), ledger.Contact{OrgID: env.org, Name: "Gus Lee"})
	batch := uuid.New()
	day := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	first := env.obligation(t, c.ID, "10.00", day, &batch)
	env.obligation(t, c.ID, "10.00", day.AddDate(0, 0, 1), &batch)
	loose := env.obligation(t, c.ID, "7.00", day, nil)

	rr := doAuthRequest(t, env.router, "POST", env.path("/batches/"+batch.String()+"/payments"),
		map[string]interface{}{"amount": "15.00", "method": "cash"}, env.admin)
	expectStatus(t, rr, http.StatusOK)
	res := decodeResponse(t, rr)
	if res["applied"] != "15.00" {
		t.Errorf("applied: got %v, want 15.00", res["applied"])
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/batches/"+uuid.NewString()+"/payments"),
		map[string]interface{}{"amount": "15.00", "method": "cash"}, env.admin)
	expectStatus(t, rr, http.StatusNotFound)

	rr = doAuthRequest(t, env.router, "POST", env.path("/obligations/bulk-mark-paid"),
		map[string]interface{}{"obligation_ids": []uuid.UUID{first.ID, loose.ID}, "method": "cash"}, env.admin)
	expectStatus(t, rr, http.StatusOK)
	items := decodeResponse(t, rr)["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("items: got %d, want 2", len(items))
	}
	if outcome := items[0].(map[string]interface{})["outcome"]; outcome != ledger.OutcomeSkipped {
		t.Errorf("first outcome: got %v, want skipped (paid by the batch)", outcome)
	}
	if outcome := items[1].(map[string]interface{})["outcome"]; outcome != ledger.OutcomeSucceeded {
		t.Errorf("second outcome: got %v, want succeeded", outcome)
	}
}

// --- Payment queue ---

func TestQueueIngestApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.q.CreateContact(context.Background(), ledger.Contact{OrgID: env.org, Name: "Hana Ko"})
	o := env.obligation(t, c.ID, "40.00", time.Now(), nil)

	ingest := map[string]interface{}{
		"external_id": "msg-1",
		"method":      "venmo",
		"details":     map[string]string{"handle": "@hana"},
		"sender_name": "Hana Ko",
		"amount":      "40.00",
		"confidence":  "medium",
	}
	rr := doAuthRequest(t, env.router, "POST", env.path("/payment-queue"), ingest, env.admin)
	expectStatus(t, rr, http.StatusCreated)
	sig := decodeResponse(t, rr)["signal"].(map[string]interface{})
	id := sig["id"].(string)

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue"), ingest, env.admin)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "GET", env.path("/payment-queue/pending-count"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	if n := decodeResponse(t, rr)["pending"]; n != float64(1) {
		t.Errorf("pending: got %v, want 1", n)
	}

	// No contact matched yet
	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/approve"), nil, env.admin)
	expectStatus(t, rr, http.StatusBadRequest)
	if code := decodeResponse(t, rr)["code"]; code != ledger.CodeNoMatchedObligation {
		t.Errorf("code: got %v, want %s", code, ledger.CodeNoMatchedObligation)
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/reassign"),
		map[string]interface{}{"contact_id": c.ID}, env.admin)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeResponse(t, rr)["matched_obligation_id"]; got != o.ID.String() {
		t.Errorf("matched_obligation_id: got %v, want %s", got, o.ID)
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/approve"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	res := decodeResponse(t, rr)
	if res["replayed"] != false {
		t.Errorf("replayed: got %v, want false", res["replayed"])
	}
	payments := res["payments"].([]interface{})
	if len(payments) != 1 || payments[0].(map[string]interface{})["payment_status"] != enum.PaymentStatusPaid {
		t.Errorf("payments: got %v", payments)
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/reject"), nil, env.admin)
	expectStatus(t, rr, http.StatusConflict)

	rr = doAuthRequest(t, env.router, "PATCH", env.path("/payment-queue/"+id+"/notes"),
		map[string]string{"notes": "confirmed by phone"}, env.admin)
	expectStatus(t, rr, http.StatusOK)

	rr = doAuthRequest(t, env.router, "GET", env.path("/payment-queue?status=approved"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	var list []map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0]["notes"] != "confirmed by phone" {
		t.Errorf("list: got %v", list)
	}
}

func TestQueueIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"unknown method", map[string]interface{}{"external_id": "x1", "method": "wire", "amount": "5.00", "sender_name": "A"}, http.StatusBadRequest},
		{"zero amount", map[string]interface{}{"external_id": "x2", "method": "zelle", "amount": "0", "sender_name": "A"}, http.StatusBadRequest},
		{"bad details", map[string]interface{}{"external_id": "x3", "method": "zelle", "amount": "5.00", "details": "oops"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doAuthRequest(t, env.router, "POST", env.path("/payment-queue"), tt.body, env.admin)
			expectStatus(t, rr, tt.want)
		})
	}
}

func TestQueueCandidatesAndSkip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.q.CreateContact(ctx, ledger.Contact{OrgID: env.org, Name: "Ivy Stone"})
	env.q.CreateContact(ctx, ledger.Contact{OrgID: env.org, Name: "Jon Park"})

	rr := doAuthRequest(t, env.router, "POST", env.path("/payment-queue"), map[string]interface{}{
		"external_id": "msg-9", "method": "zelle", "sender_name": "IVY STONE", "amount": "12.00",
	}, env.admin)
	expectStatus(t, rr, http.StatusCreated)
	id := decodeResponse(t, rr)["signal"].(map[string]interface{})["id"].(string)

	rr = doAuthRequest(t, env.router, "GET", env.path("/payment-queue/"+id+"/candidates"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	res := decodeResponse(t, rr)
	if res["status"] != paymentqueue.Matched.String() {
		t.Errorf("status: got %v, want matched", res["status"])
	}

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/accept-ai"), nil, env.admin)
	expectStatus(t, rr, http.StatusBadRequest)

	rr = doAuthRequest(t, env.router, "POST", env.path("/payment-queue/"+id+"/skip"),
		map[string]string{"notes": "duplicate email"}, env.admin)
	expectStatus(t, rr, http.StatusOK)
	if status := decodeResponse(t, rr)["status"]; status != enum.SignalStatusSkipped {
		t.Errorf("status: got %v, want %s", status, enum.SignalStatusSkipped)
	}

	rr = doAuthRequest(t, env.router, "GET", env.path("/payment-queue/"+uuid.NewString()), nil, env.admin)
	expectStatus(t, rr, http.StatusNotFound)
}

// --- Statements ---

func TestContactStatement(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.q.CreateContact(context.Background(), ledger.Contact{OrgID: env.org, Name: "Kai Web"})
	env.obligation(t, c.ID, "25.00", time.Now(), nil)

	rr := doAuthRequest(t, env.router, "GET", env.path("/contacts/"+c.ID.String()+"/statement"), nil, env.admin)
	expectStatus(t, rr, http.StatusOK)
	res := decodeResponse(t, rr)
	if res["name"] != "Kai Web" {
		t.Errorf("name: got %v", res["name"])
	}
	if len(res["entries"].([]interface{})) != 1 {
		t.Errorf("entries: got %v", res["entries"])
	}

	rr = doAuthRequest(t, env.router, "GET", env.path("/contacts/"+uuid.NewString()+"/statement"), nil, env.admin)
	expectStatus(t, rr, http.StatusNotFound)
}
