// Package server coordinates client registration, per-namespace presence,
// event broadcast and connection cleanup via the Hub type.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/metrics"
)

const broadcastBuffer = 256

// Hub manages all WebSocket client connections and fans events out to the
// clients of a namespace. Registration, unregistration and broadcasts are
// serialised by Run, so a namespace sees broadcasts in the order they were
// queued.
type Hub struct {
	clients    map[*Client]bool
	presence   map[string]map[string]int
	sessions   *sessionTable
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     zerolog.Logger

	// claimed is set by the first of Run or Shutdown; whichever wins owns done.
	claimed atomic.Bool
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client map. The returned Hub is ready to manage WebSocket connections.
func NewHub(logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		presence:   make(map[string]map[string]int),
		sessions:   newSessionTable(),
		broadcast:  make(chan BroadcastMessage, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Register hands client to the hub, which starts its pumps. It reports false
// when the hub has shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub. Unknown clients are ignored.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Publish encodes an event and queues it for every client in namespace. It
// blocks while the queue is full and returns once the hub has shut down.
func (h *Hub) Publish(namespace, event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}

	select {
	case h.broadcast <- BroadcastMessage{Namespace: namespace, Event: event, Payload: data}:
	case <-h.ctx.Done():
	}
}

// SendTo delivers an event to one client only.
func (h *Hub) SendTo(client *Client, event string, payload any) bool {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode reply")
		return false
	}
	if !h.safeSend(client, data) {
		h.logger.Warn().Str("client", client.id).Str("event", event).Msg("reply dropped")
		return false
	}
	return true
}

// OnlineAddresses returns the number of distinct addresses connected to namespace.
func (h *Hub) OnlineAddresses(namespace string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.presence[namespace])
}

// IsPresent reports whether address has a live connection in namespace.
func (h *Hub) IsPresent(namespace, address string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.presence[namespace][address] > 0
}

// ConnectionCount returns the number of registered clients.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Session returns the identity bound to a connection id.
func (h *Hub) Session(connID string) (identity.Identity, bool) {
	return h.sessions.lookup(connID)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("recovered from panic in safeSend")
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration, unregistration,
// and message broadcasting. This method should be called in a separate goroutine
// as it runs until Shutdown.
func (h *Hub) Run() {
	if !h.claimed.CompareAndSwap(false, true) {
		return
	}
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			if h.drop(client) {
				h.logger.Info().
					Str("client", client.id).
					Str("namespace", client.namespace).
					Str("username", client.identity.Username).
					Int("clients", h.ConnectionCount()).
					Msg("client unregistered")
				h.announceLeft(client)
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	if h.presence[client.namespace] == nil {
		h.presence[client.namespace] = make(map[string]int)
	}
	h.presence[client.namespace][client.identity.Address]++
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.sessions.bind(client.id, client.identity)
	metrics.ConnectionsActive.WithLabelValues(client.namespace).Inc()
	h.logger.Info().
		Str("client", client.id).
		Str("namespace", client.namespace).
		Str("username", client.identity.Username).
		Str("address", client.identity.Address).
		Int("clients", clientCount).
		Msg("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	if client.namespace == NamespaceChat {
		h.announce(client.identity.Username + " connected.")
	}
}

// drop removes client and closes its send channel. It reports false when the
// client was not registered.
func (h *Hub) drop(client *Client) bool {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client)
	client.closed = true
	if byAddr := h.presence[client.namespace]; byAddr != nil {
		addr := client.identity.Address
		if byAddr[addr]--; byAddr[addr] <= 0 {
			delete(byAddr, addr)
		}
	}
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	h.sessions.unbind(client.id)
	metrics.ConnectionsActive.WithLabelValues(client.namespace).Dec()
	return true
}

func (h *Hub) announce(text string) {
	data, err := encodeEvent(eventSystemMessage, text)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode notice")
		return
	}
	h.handleBroadcast(BroadcastMessage{Namespace: NamespaceChat, Event: eventSystemMessage, Payload: data})
}

func (h *Hub) announceLeft(client *Client) {
	if client.namespace == NamespaceChat {
		h.announce(client.identity.Username + " left.")
	}
}

// handleBroadcast sends a broadcast to every client of its namespace and
// removes the clients that could not keep up.
func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	clients := h.getClientSnapshot(msg.Namespace)
	metrics.Broadcasts.WithLabelValues(msg.Namespace).Inc()

	h.logger.Debug().
		Str("namespace", msg.Namespace).
		Str("event", msg.Event).
		Int("targets", len(clients)).
		Msg("broadcasting")

	clientsToRemove := h.broadcastToClients(clients, msg)
	h.removeFailedClients(clientsToRemove)
}

// getClientSnapshot returns a thread-safe snapshot of the clients in namespace
func (h *Hub) getClientSnapshot(namespace string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.namespace == namespace {
			clients = append(clients, client)
		}
	}
	return clients
}

// broadcastToClients sends the payload to every client and returns the ones that failed
func (h *Hub) broadcastToClients(clients []*Client, msg BroadcastMessage) []*Client {
	var clientsToRemove []*Client
	for _, client := range clients {
		if !h.safeSend(client, msg.Payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	return clientsToRemove
}

// removeFailedClients drops clients whose send buffer was full and tells the
// rest of their namespace they left.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	for _, client := range clientsToRemove {
		if !h.drop(client) {
			continue
		}
		metrics.SlowClientsDropped.Inc()
		h.logger.Warn().
			Str("client", client.id).
			Str("username", client.identity.Username).
			Msg("client removed due to full send buffer")
		h.announceLeft(client)
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn().Err(err).Str("client", client.id).Msg("error closing client connection")
			}
		}
		h.drop(client)
	}

	h.logger.Info().Int("closed", len(clients)).Msg("closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	if h.claimed.CompareAndSwap(false, true) {
		// Run never started.
		close(h.done)
	} else {
		select {
		case <-h.done:
		case <-time.After(timeout):
			h.logger.Warn().Msg("hub event loop did not stop before the timeout")
			return context.DeadlineExceeded
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
