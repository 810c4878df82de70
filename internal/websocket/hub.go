package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kaboom-backend/internal/clock"
)

// Message types
const (
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypeSubscribed  = "subscribed"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message is one frame pushed to a client. Type is either a control type
// above or the name of a live update such as recharge_update.
type Message struct {
	Type      string    `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks connected clients by the player identity they follow and fans
// out live updates to them
type Hub struct {
	// Clients subscribed per identity
	subscribers map[string]map[*Client]struct{}

	// All connected clients
	clients map[*Client]struct{}

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	notify      chan *Message

	mu     sync.RWMutex
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	client   *Client
	identity string
}

// NewHub creates a new Hub
func NewHub(clk clock.Clock, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		notify:      make(chan *Message, 256),
		clock:       clk,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run is the hub's main loop. Membership changes and deliveries are
// serialized here, so a Subscribe that returned is visible to the next Notify.
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for identity := range client.identities {
					h.removeLocked(client, identity)
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case sub := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[sub.client]; ok {
				set, ok := h.subscribers[sub.identity]
				if !ok {
					set = make(map[*Client]struct{})
					h.subscribers[sub.identity] = set
				}
				set[sub.client] = struct{}{}
				sub.client.identities[sub.identity] = struct{}{}
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", sub.client.id, "identity", sub.identity)

		case sub := <-h.unsubscribe:
			h.mu.Lock()
			h.removeLocked(sub.client, sub.identity)
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", sub.client.id, "identity", sub.identity)

		case msg := <-h.notify:
			h.deliver(msg)
		}
	}
}

func (h *Hub) removeLocked(client *Client, identity string) {
	delete(client.identities, identity)
	if set, ok := h.subscribers[identity]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.subscribers, identity)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]struct{})
	h.subscribers = make(map[string]map[*Client]struct{})
}

// Stop stops the hub and closes every client's send channel
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) deliver(msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set, ok := h.subscribers[msg.Identity]
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	for client := range set {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id, "type", msg.Type)
		}
	}
}

// Notify pushes an update to every client following identity. It never
// blocks; updates are dropped when the hub is saturated.
func (h *Hub) Notify(identity, event string, data any) {
	msg := &Message{
		Type:      event,
		Identity:  identity,
		Data:      data,
		Timestamp: h.clock.Now(),
	}
	select {
	case h.notify <- msg:
	default:
		h.logger.Warn("notify channel full, dropping update", "identity", identity, "type", event)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client and all its subscriptions
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe makes client follow identity's updates
func (h *Hub) Subscribe(client *Client, identity string) {
	select {
	case h.subscribe <- subscription{client: client, identity: identity}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe stops client following identity's updates
func (h *Hub) Unsubscribe(client *Client, identity string) {
	select {
	case h.unsubscribe <- subscription{client: client, identity: identity}:
	case <-h.ctx.Done():
	}
}

// SubscriberCount returns the number of clients following identity
func (h *Hub) SubscriberCount(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[identity])
}

// TotalConnections returns the number of connected clients
func (h *Hub) TotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
