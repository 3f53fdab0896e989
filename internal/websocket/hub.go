// Package websocket pushes live verification and license-change events
// to connected dashboards. The hub fans one event out to every client;
// slow clients drop messages rather than backpressuring the engine.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"sentineld/pkg/contracts/domain"
	"sentineld/pkg/contracts/events"
)

// Hub maintains the set of active clients and broadcasts feed
// envelopes to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	quit    chan struct{}
	running bool

	totalConnections  int64
	activeConnections int64
	droppedMessages   atomic.Int64
}

// NewHub creates a hub. Call Run before registering clients.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// Run processes registration and broadcast traffic until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			h.activeConnections++
			h.mu.Unlock()
			h.logger.Debug("client registered",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.activeConnections--
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop this message for this
					// client instead of blocking the feed.
					h.droppedMessages.Add(1)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop shuts the hub down independent of the Run context.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		close(h.quit)
	}
}

// Broadcast serializes an envelope and fans it out. Never blocks.
func (h *Hub) Broadcast(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("failed to marshal feed envelope", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.droppedMessages.Add(1)
	}
}

// EmitVerification implements the engine's emitter contract.
func (h *Hub) EmitVerification(licenseID, binaryID, fingerprint string, verdict domain.Verdict, reason string) {
	h.Broadcast(events.NewVerification(events.VerificationEvent{
		LicenseID:          licenseID,
		BinaryID:           binaryID,
		MachineFingerprint: fingerprint,
		Verdict:            verdict,
		Reason:             reason,
	}))
}

// EmitLicenseChange implements the mutation service's emitter contract.
func (h *Hub) EmitLicenseChange(licenseID, change string) {
	h.Broadcast(events.NewLicenseChange(licenseID, change))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns hub counters for diagnostics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"total_connections":  h.totalConnections,
		"active_connections": h.activeConnections,
		"dropped_messages":   h.droppedMessages.Load(),
	}
}
