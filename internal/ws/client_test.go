package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiwari-pos/ledger/internal/auth"
)

const testSecret = "ws-test-secret"

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/orgs/{org}", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, testSecret, w, r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, orgID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(testSecret, uuid.New(), orgID, auth.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orgs/" + orgID.String() + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, orgID uuid.UUID, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients(orgID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("org %s: got %d clients, want %d", orgID, hub.Clients(orgID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishReachesSubscriberOfOrg(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	srv := newTestServer(t, hub)

	orgA, orgB := uuid.New(), uuid.New()
	connA := dial(t, srv, orgA)
	connB := dial(t, srv, orgB)
	waitForClients(t, hub, orgA, 1)
	waitForClients(t, hub, orgB, 1)

	partnerID := uuid.New()
	hub.Publish(orgA, "commission.accrued", map[string]string{"partner_id": partnerID.String(), "total": "12.50"})

	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connA.ReadMessage()
	if err != nil {
		t.Fatalf("org A read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v; frame: %s", err, data)
	}
	if ev.Type != "commission.accrued" {
		t.Errorf("type: got %q, want commission.accrued", ev.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["partner_id"] != partnerID.String() || payload["total"] != "12.50" {
		t.Errorf("payload: got %v", payload)
	}

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := connB.ReadMessage(); err == nil {
		t.Errorf("org B received another org's event: %s", data)
	}
}

func TestEachEventIsOneFrame(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	srv := newTestServer(t, hub)

	orgID := uuid.New()
	conn := dial(t, srv, orgID)
	waitForClients(t, hub, orgID, 1)

	hub.Publish(orgID, "signal.updated", map[string]int{"n": 1})
	hub.Publish(orgID, "signal.updated", map[string]int{"n": 2})

	for want := 1; want <= 2; want++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", want, err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("frame %d is not a single event: %v; frame: %s", want, err, data)
		}
		var payload map[string]int
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["n"] != want {
			t.Errorf("frame %d: got payload %s", want, ev.Payload)
		}
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	srv := newTestServer(t, hub)

	orgID := uuid.New()
	conn := dial(t, srv, orgID)
	waitForClients(t, hub, orgID, 1)

	conn.Close()
	waitForClients(t, hub, orgID, 0)
}

func TestServeWSRejectsBeforeUpgrade(t *testing.T) {
	hub := NewHub(nil)
	srv := newTestServer(t, hub)

	orgID := uuid.New()
	otherOrg, err := auth.GenerateToken(testSecret, uuid.New(), uuid.New(), auth.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	superAdmin, err := auth.GenerateToken(testSecret, uuid.New(), uuid.New(), auth.RoleSuperAdmin, nil)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"missing token", "/ws/orgs/" + orgID.String(), "", http.StatusUnauthorized},
		{"invalid token", "/ws/orgs/" + orgID.String(), "garbage", http.StatusUnauthorized},
		{"bad org id", "/ws/orgs/not-a-uuid", superAdmin, http.StatusBadRequest},
		{"other org", "/ws/orgs/" + orgID.String(), otherOrg, http.StatusForbidden},
		// authorized but not a websocket handshake, so the upgrade fails
		{"super admin", "/ws/orgs/" + orgID.String(), superAdmin, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := srv.URL + tt.path
			if tt.token != "" {
				url += "?token=" + tt.token
			}
			resp, err := http.Get(url)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
