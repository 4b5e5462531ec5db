package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridrelay/pkg/interfaces"
	"gridrelay/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Relay and clients share a trust boundary inside the simulation
		// deployment; no origin restriction.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// EventSink receives decoded envelopes and disconnects from read pumps.
// The hub implements it.
type EventSink interface {
	Submit(conn interfaces.Connection, env *types.Envelope) error
	SubmitDisconnect(conn interfaces.Connection) error
}

// Options tunes per-connection behavior.
type Options struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// Handler upgrades HTTP requests to websocket connections and runs their
// read pumps. Clients carry no identity at connect time; they introduce
// themselves through registration events once the socket is up.
type Handler struct {
	sink EventSink
	opts Options
}

// NewHandler creates a websocket handler feeding the given sink.
func NewHandler(sink EventSink, opts Options) *Handler {
	return &Handler{sink: sink, opts: opts}
}

// HandleWebSocket upgrades the request and starts the connection lifecycle.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(uuid.New().String(), conn, h.opts.BufferSize, h.opts.WriteTimeout)
	log.Printf("Client connected: conn=%s remote=%s", wsConn.ID(), r.RemoteAddr)

	go h.handleConnection(wsConn)
}

// handleConnection runs the heartbeat and read pump until the socket dies,
// then reports the disconnect to the sink.
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		if err := h.sink.SubmitDisconnect(conn); err != nil {
			log.Printf("Failed to submit disconnect for %s: %v", conn.ID(), err)
		}
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.opts.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", conn.ID(), err)
			}
			break
		}

		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("Dropping malformed frame from %s: %v", conn.ID(), err)
			continue
		}

		if err := h.sink.Submit(conn, &env); err != nil {
			log.Printf("Failed to submit event from %s: %v", conn.ID(), err)
		}
	}
}
