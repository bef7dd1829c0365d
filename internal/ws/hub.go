package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans project event payloads out to subscribers keyed by project id.
// Subscribers that fail a send are closed and dropped.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	if _, ok := h.clients[projectID]; !ok {
		h.clients[projectID] = make(map[Subscriber]struct{})
	}
	h.clients[projectID][client] = struct{}{}
}

// Unregister removes a client from a project stream.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Broadcast sends payload to every subscriber of the project.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[projectID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, projectID)
	}
}

// DropProject closes and removes every subscriber of the project; called when
// the project is deleted.
func (h *Hub) DropProject(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[projectID] {
		c.Close()
	}
	delete(h.clients, projectID)
}

// Close shuts down the hub and every remaining subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, clients := range h.clients {
		for c := range clients {
			c.Close()
		}
	}
	h.clients = make(map[string]map[Subscriber]struct{})
}

// Subscribers reports the subscriber count for a project.
func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}
