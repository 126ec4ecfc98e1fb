package websocket

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	// ErrClientClosed is returned when sending to a disconnected client
	ErrClientClosed = errors.New("client is closed")
	// ErrSlowClient is returned when a client's queue is full
	ErrSlowClient = errors.New("client send queue is full")
)

// ClientInterface is what the hub needs from a connection
type ClientInterface interface {
	ID() string
	Topic() string
	// Send must not block
	Send(data []byte) error
	Close() error
}

// Hub routes ledger events to subscribers. A subscription topic is a loan id
// or AllLoans. Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]ClientInterface
}

// NewHub creates an empty Hub
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[string]ClientInterface)}
}

// Register subscribes a client to its topic
func (h *Hub) Register(client ClientInterface) {
	h.mu.Lock()
	subs, ok := h.topics[client.Topic()]
	if !ok {
		subs = make(map[string]ClientInterface)
		h.topics[client.Topic()] = subs
	}
	subs[client.ID()] = client
	h.mu.Unlock()

	log.Debug().Str("topic", client.Topic()).Str("client_id", client.ID()).Msg("WebSocket client registered")
}

// Unregister removes a client. Unknown clients are ignored.
func (h *Hub) Unregister(client ClientInterface) {
	if h.remove(client) {
		log.Debug().Str("topic", client.Topic()).Str("client_id", client.ID()).Msg("WebSocket client unregistered")
	}
}

func (h *Hub) remove(client ClientInterface) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[client.Topic()]
	if _, ok := subs[client.ID()]; !ok {
		return false
	}
	delete(subs, client.ID())
	if len(subs) == 0 {
		delete(h.topics, client.Topic())
	}
	return true
}

// Broadcast delivers an event to the followers of its loan and to AllLoans
// subscribers. Clients that cannot keep up are disconnected so they resync
// from the REST API instead of silently missing events.
func (h *Hub) Broadcast(event Event) {
	data, err := event.ToJSON()
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to serialize event")
		return
	}

	for _, client := range h.recipients(event) {
		err := client.Send(data)
		switch {
		case err == nil:
		case errors.Is(err, ErrSlowClient):
			log.Warn().Str("client_id", client.ID()).Str("loan_id", event.LoanID).Msg("Dropping slow WebSocket client")
			h.Unregister(client)
			_ = client.Close()
		default:
			h.Unregister(client)
		}
	}
}

// recipients snapshots subscribers so sends happen without the lock
func (h *Hub) recipients(event Event) []ClientInterface {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []ClientInterface
	for _, topic := range event.Topics() {
		for _, client := range h.topics[topic] {
			out = append(out, client)
		}
	}
	return out
}

// Close disconnects every client. Used on shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]map[string]ClientInterface)
	h.mu.Unlock()

	for _, subs := range topics {
		for _, client := range subs {
			_ = client.Close()
		}
	}
}

// ClientCount returns the number of subscribers of a topic
func (h *Hub) ClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// TotalClientCount returns the number of connected clients
func (h *Hub) TotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, subs := range h.topics {
		total += len(subs)
	}
	return total
}
