package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"gridrelay/internal/relay"
	"gridrelay/pkg/interfaces"
	"gridrelay/pkg/types"
)

// Hub serializes all relay work onto a single goroutine. The websocket
// read pumps submit envelopes and disconnects through buffered channels;
// the run loop hands them to the relay one at a time, so relay and broker
// state never sees concurrent handlers.
type Hub struct {
	eventChannel      chan *EventContext
	disconnectChannel chan interfaces.Connection
	shutdownChannel   chan struct{}

	relay *relay.Relay

	running bool
	mu      sync.RWMutex
}

// EventContext pairs an inbound envelope with its sender.
type EventContext struct {
	Conn     interfaces.Connection
	Envelope *types.Envelope
	Received time.Time
}

// NewHub creates a hub over the given relay.
func NewHub(r *relay.Relay) *Hub {
	return &Hub{
		eventChannel:      make(chan *EventContext, 1000),
		disconnectChannel: make(chan interfaces.Connection, 100),
		shutdownChannel:   make(chan struct{}),
		relay:             r,
	}
}

// Start begins hub processing.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting relay hub...")
	go h.run(ctx)
	return nil
}

// Stop shuts down the hub loop.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping relay hub...")
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// Submit queues an inbound envelope for dispatch. Non-blocking; a full
// channel rejects the event rather than stalling the read pump.
func (h *Hub) Submit(conn interfaces.Connection, env *types.Envelope) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.eventChannel <- &EventContext{Conn: conn, Envelope: env, Received: time.Now()}:
		return nil
	default:
		return ErrEventChannelFull
	}
}

// SubmitDisconnect queues a connection teardown.
func (h *Hub) SubmitDisconnect(conn interfaces.Connection) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	select {
	case h.disconnectChannel <- conn:
		return nil
	default:
		return ErrDisconnectChannelFull
	}
}

func (h *Hub) run(ctx context.Context) {
	defer log.Println("Hub processing stopped")

	for {
		select {
		case eventCtx := <-h.eventChannel:
			h.relay.HandleEvent(ctx, eventCtx.Conn, eventCtx.Envelope)

		case conn := <-h.disconnectChannel:
			h.relay.HandleDisconnect(ctx, conn)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}
