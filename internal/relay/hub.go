package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bwise1/groupbeacon/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket connection and the set of group rooms it
// joined.
type client struct {
	conn  *websocket.Conn
	rooms map[string]bool
}

type roomMessage struct {
	groupID string
	data    []byte
}

// Hub fans events out to group rooms over websocket connections.
type Hub struct {
	state   *State
	metrics *Metrics
	log     *slog.Logger

	clients    map[*websocket.Conn]*client
	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan roomMessage
	mu         sync.Mutex
}

// NewHub initializes a Hub over the given state.
func NewHub(state *State, metrics *Metrics) *Hub {
	return &Hub{
		state:      state,
		metrics:    metrics,
		log:        slog.Default().With("component", "hub"),
		clients:    make(map[*websocket.Conn]*client),
		register:   make(chan *client),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan roomMessage, 64),
	}
}

// Run starts the hub loop. Call it once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, exists := h.clients[conn]; exists {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, c := range h.clients {
				if !c.rooms[msg.groupID] {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every connection joined to the group room.
func (h *Hub) Broadcast(groupID, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to encode broadcast payload", "event", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(model.Event{Type: eventType, Payload: data})
	if err != nil {
		h.log.Error("failed to encode event envelope", "event", eventType, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.EventsBroadcast.Inc()
	}
	h.broadcast <- roomMessage{groupID: groupID, data: msg}
}

// HandleConnections upgrades HTTP requests to websocket connections and
// services them until disconnect.
func (h *Hub) HandleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, rooms: make(map[string]bool)}
	h.register <- c

	defer func() {
		h.unregister <- conn
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg model.Event
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.log.Warn("invalid message", "error", err)
			continue
		}

		switch msg.Type {
		case model.EventJoinGroup:
			var groupID string
			if err := json.Unmarshal(msg.Payload, &groupID); err != nil || groupID == "" {
				h.log.Warn("invalid join_group payload")
				continue
			}
			h.mu.Lock()
			c.rooms[groupID] = true
			h.mu.Unlock()

		case model.EventGroupLocationUpdate:
			var sample model.LocationSample
			if err := json.Unmarshal(msg.Payload, &sample); err != nil {
				h.log.Warn("invalid location payload", "error", err)
				continue
			}
			h.ingest(sample)
		}
	}
}

// ingest applies a sample and fans out the resulting events. Samples
// from non-members are dropped, matching the HTTP path's 403.
func (h *Hub) ingest(sample model.LocationSample) {
	update, violation, err := h.state.UpsertLocation(sample.GroupID, sample)
	if err != nil {
		h.log.Warn("sample rejected", "user", sample.UserID, "error", err)
		return
	}
	if h.metrics != nil {
		h.metrics.SamplesIngested.Inc()
	}

	h.Broadcast(sample.GroupID, model.EventLocationUpdate, update)
	if violation != nil {
		if h.metrics != nil {
			h.metrics.ViolationsEmitted.Inc()
		}
		h.Broadcast(sample.GroupID, model.EventGeofenceViolation, violation)
	}
}
