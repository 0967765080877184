package ws

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiwari-pos/ledger/internal/auth"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

// Origins are not checked here; the JWT in the query string is the gate.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one subscriber to an org's ledger events.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	orgID uuid.UUID
	send  chan []byte
	log   *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, orgID uuid.UUID) *Client {
	return &Client{
		hub:   hub,
		conn:  conn,
		orgID: orgID,
		send:  make(chan []byte, sendBuffer),
		log:   hub.log.With(zap.Stringer("org_id", orgID)),
	}
}

// listen discards inbound frames and unregisters the client once the peer
// goes away or stops answering pings.
func (c *Client) listen() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}

// deliver writes each event as its own text frame so subscribers can decode
// one JSON document per message.
func (c *Client) deliver() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				// unregistered or dropped as a slow consumer
				c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// authorize resolves the org a request may subscribe to. It returns the HTTP
// status to fail with when the token or org is unacceptable.
func authorize(jwtSecret string, r *http.Request) (uuid.UUID, int, string) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return uuid.Nil, http.StatusUnauthorized, "missing token"
	}
	claims, err := auth.ValidateToken(jwtSecret, token)
	if err != nil {
		return uuid.Nil, http.StatusUnauthorized, "invalid token"
	}
	orgID, err := uuid.Parse(chi.URLParam(r, "org"))
	if err != nil {
		return uuid.Nil, http.StatusBadRequest, "invalid org id"
	}
	if claims.Role != auth.RoleSuperAdmin && claims.OrgID != orgID {
		return uuid.Nil, http.StatusForbidden, "org access denied"
	}
	return orgID, http.StatusOK, ""
}

// ServeWS upgrades GET /ws/orgs/{org}?token=JWT into an event stream for
// that org.
func ServeWS(hub *Hub, jwtSecret string, w http.ResponseWriter, r *http.Request) {
	orgID, status, msg := authorize(jwtSecret, r)
	if status != http.StatusOK {
		http.Error(w, msg, status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := newClient(hub, conn, orgID)
	hub.register <- c
	go c.deliver()
	go c.listen()
}
