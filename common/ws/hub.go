package ws

import (
	"sync"
)

// Hub fans bus traffic out to in-process subscribers. The server's bus read
// loops publish every device→server message here; the dispatcher's lifecycle
// consumer and any diagnostic listeners receive copies on their own channels.
// It is deliberately independent of net/http and gorilla so both server and
// agent can reuse it.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]chan Message
	register   chan registration
	unregister chan string
	broadcast  chan Message
	shutdown   chan struct{}
	dropped    func(id string)
}

type registration struct {
	id string
	ch chan Message
}

// NewHub creates and starts a Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]chan Message),
		register:   make(chan registration),
		unregister: make(chan string),
		broadcast:  make(chan Message, 256),
		shutdown:   make(chan struct{}),
	}
	go h.run()
	return h
}

// OnDrop installs a callback invoked with the subscriber id whenever a
// message is dropped because that subscriber's channel is full. Must be set
// before the first Broadcast.
func (h *Hub) OnDrop(fn func(id string)) {
	h.dropped = fn
}

func (h *Hub) run() {
	for {
		select {
		case reg := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[reg.id]; ok {
				close(old)
			}
			h.clients[reg.id] = reg.ch
			h.mu.Unlock()
		case id := <-h.unregister:
			h.mu.Lock()
			if ch, ok := h.clients[id]; ok {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for id, ch := range h.clients {
				select {
				case ch <- msg:
				default:
					if h.dropped != nil {
						h.dropped(id)
					}
				}
			}
			h.mu.RUnlock()
		case <-h.shutdown:
			h.mu.Lock()
			for id, ch := range h.clients {
				close(ch)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register subscribes a buffered channel under id. Re-registering an id
// replaces (and closes) the previous channel.
func (h *Hub) Register(id string, ch chan Message) {
	h.register <- registration{id: id, ch: ch}
}

// Unregister removes the subscriber and closes its channel.
func (h *Hub) Unregister(id string) {
	h.unregister <- id
}

// Broadcast delivers msg to every subscriber without blocking. Slow
// subscribers lose messages rather than stalling the bus event loop.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

// Stop shuts the hub down and closes all subscriber channels.
func (h *Hub) Stop() {
	close(h.shutdown)
}
