package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sentrymesh/internal/model"
)

// wireEvent is the JSON shape pushed to WebSocket subscribers.
type wireEvent struct {
	Kind     string    `json:"kind"`
	GlobalID uint64    `json:"global_id"`
	CameraID string    `json:"camera_id,omitempty"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to,omitempty"`
	At       time.Time `json:"at"`
}

func toWire(evt model.Event) wireEvent {
	return wireEvent{
		Kind:     evt.Kind.String(),
		GlobalID: evt.GlobalID,
		CameraID: evt.CameraID,
		From:     evt.From,
		To:       evt.To,
		At:       evt.At,
	}
}

// WSHub fans out events to WebSocket connections, one registry shared
// across all cameras (the API's events are global-person-scoped, not
// per-camera). Grounded on marcopennelli-orbo/internal/ws/detection_hub.go's
// connection-registry shape, rewritten against model.Event instead of the
// teacher's DetectionMessage/FaceMessage wire types.
type WSHub struct {
	mu     sync.RWMutex
	conns  map[*websocket.Conn]bool
	logger *log.Logger
}

// NewWSHub constructs an empty hub and subscribes it to bus.
func NewWSHub(bus *EventBus, logger *log.Logger) *WSHub {
	if logger == nil {
		logger = log.New(log.Writer(), "[ws] ", log.Ltime)
	}
	h := &WSHub{conns: make(map[*websocket.Conn]bool), logger: logger}
	bus.Subscribe(HandlerFunc(h.broadcast))
	return h
}

// Register adds a connection to the broadcast set.
func (h *WSHub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// Unregister removes a connection from the broadcast set.
func (h *WSHub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// ConnCount reports the number of registered connections, for metrics.
func (h *WSHub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *WSHub) broadcast(evt model.Event) {
	h.mu.RLock()
	if len(h.conns) == 0 {
		h.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(toWire(evt))
	if err != nil {
		h.logger.Printf("marshal event: %v", err)
		return
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Printf("write to client: %v", err)
			h.Unregister(conn)
			conn.Close()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers it for broadcast, then
// blocks discarding reads until the client disconnects (this bridge is
// outbound-only: clients never send commands over it).
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade: %v", err)
		return
	}
	h.Register(conn)
	defer func() {
		h.Unregister(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
