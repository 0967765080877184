package ws

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event represents a WebSocket message to be broadcast
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// orgEvent routes an event to one org's room
type orgEvent struct {
	OrgID uuid.UUID
	Event Event
}

// Hub maintains the set of active clients and broadcasts ledger events to
// the clients of each org.
type Hub struct {
	// Registered clients by org ID
	rooms map[uuid.UUID]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *orgEvent

	log *zap.Logger
	mu  sync.RWMutex
}

// NewHub creates a new Hub instance. log may be nil.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *orgEvent, 256),
		log:        log.Named("ws"),
	}
}

// Run starts the hub's main loop
// This should be called as a goroutine: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.rooms[client.orgID] == nil {
				h.rooms[client.orgID] = make(map[*Client]bool)
			}
			h.rooms[client.orgID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.rooms[client.orgID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.rooms, client.orgID)
					}
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			message, err := json.Marshal(event.Event)
			if err != nil {
				h.log.Warn("marshal event", zap.String("type", event.Event.Type), zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.rooms[event.OrgID] {
				select {
				case client.send <- message:
				default:
					// slow client: drop it
					close(client.send)
					delete(h.rooms[event.OrgID], client)
					if len(h.rooms[event.OrgID]) == 0 {
						delete(h.rooms, event.OrgID)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastToOrg sends an event to all clients subscribed to an org
func (h *Hub) BroadcastToOrg(orgID uuid.UUID, event Event) {
	h.broadcast <- &orgEvent{OrgID: orgID, Event: event}
}

// Publish marshals payload and queues it for the org's room. It never
// blocks: when the broadcast buffer is full the event is dropped.
func (h *Hub) Publish(orgID uuid.UUID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("marshal payload", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &orgEvent{OrgID: orgID, Event: Event{Type: eventType, Payload: data}}:
	default:
		h.log.Warn("broadcast buffer full, event dropped",
			zap.Stringer("org_id", orgID), zap.String("type", eventType))
	}
}

// Clients reports how many connections the org has.
func (h *Hub) Clients(orgID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[orgID])
}
