// Package feed streams dispatcher snapshots to websocket subscribers.
package feed

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/signalsfoundry/rail-simulator/internal/dispatch"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
)

// DefaultClientBuffer is the per-client queue length.
const DefaultClientBuffer = 64

const replyBuffer = 8

// Client is one connected subscriber. Send is written and closed only by
// the hub. Replies to the client's own requests go through a separate
// queue that is never closed.
type Client struct {
	ID   string
	Send chan []byte

	replies chan []byte
}

// NewClient allocates a client with a bounded send queue.
func NewClient(id string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultClientBuffer
	}
	return &Client{
		ID:      id,
		Send:    make(chan []byte, bufferSize),
		replies: make(chan []byte, replyBuffer),
	}
}

// Reply queues a direct response for the client's write loop. It drops the
// frame when the queue is full and reports whether it was queued.
func (c *Client) Reply(frame []byte) bool {
	select {
	case c.replies <- frame:
		return true
	default:
		return false
	}
}

// Message is the envelope for every frame the feed writes.
type Message struct {
	Type    string             `json:"type"`
	Payload *dispatch.Snapshot `json:"payload,omitempty"`
}

// Hub fans snapshots out to clients. It satisfies dispatch.Publisher.
// Slow clients lose frames rather than stalling the dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  []byte

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	log logging.Logger
}

// NewHub builds a hub. Run must be called for registration to take effect.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		log:        log.With(logging.Unit("Feed")),
	}
}

// Run serves registrations and broadcasts until ctx ends, then closes
// every client queue.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(ctx, client)

		case client := <-h.unregister:
			h.removeClient(ctx, client)

		case frame := <-h.broadcast:
			h.fanout(ctx, frame)
		}
	}
}

// Publish encodes snap and queues it for every client. It never blocks.
func (h *Hub) Publish(snap dispatch.Snapshot) {
	frame, err := json.Marshal(Message{Type: "snapshot", Payload: &snap})
	if err != nil {
		h.log.Warn(context.Background(), "snapshot encode failed", logging.Err(err))
		return
	}
	h.mu.Lock()
	h.latest = frame
	h.mu.Unlock()

	select {
	case h.broadcast <- frame:
	default:
		h.log.Warn(context.Background(), "broadcast queue full, dropping snapshot", logging.Any("seq", snap.Seq))
	}
}

// Latest returns the most recent encoded snapshot frame, or nil.
func (h *Hub) Latest() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Register queues client for addition. It returns false once the hub has
// stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister queues client for removal.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount reports the registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	latest := h.latest
	h.mu.Unlock()

	if latest != nil {
		select {
		case client.Send <- latest:
		default:
		}
	}
	h.log.Debug(ctx, "client registered", logging.String("client_id", client.ID), logging.Int("total", total))
}

func (h *Hub) removeClient(ctx context.Context, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.log.Debug(ctx, "client unregistered", logging.String("client_id", client.ID), logging.Int("total", len(h.clients)))
}

func (h *Hub) fanout(ctx context.Context, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.Send <- frame:
		default:
			h.log.Debug(ctx, "client send buffer full", logging.String("client_id", client.ID))
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
}
