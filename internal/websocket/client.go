package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kaboom-backend/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection following zero or more identities
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// identities is owned by the hub's Run loop.
	identities map[string]struct{}
}

// ClientMessage is a control frame sent by the client
type ClientMessage struct {
	Type     string `json:"type"`
	Identity string `json:"identity,omitempty"`
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		logger:     logger.With("client_id", id),
		identities: make(map[string]struct{}),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": "invalid message format"}})
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if err := domain.ValidateIdentity(msg.Identity); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: map[string]string{"error": err.Error()}})
			return
		}
		c.hub.Subscribe(c, msg.Identity)
		c.reply(Message{Type: MessageTypeSubscribed, Identity: msg.Identity})

	case MessageTypeUnsubscribe:
		if msg.Identity != "" {
			c.hub.Unsubscribe(c, msg.Identity)
		}

	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong})

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per update; clients parse each frame as a single JSON object.
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a control frame for this client only
func (c *Client) reply(msg Message) {
	msg.Timestamp = c.hub.clock.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWs upgrades the request and registers the connection. An identity
// query parameter subscribes the connection immediately.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity != "" {
		if err := domain.ValidateIdentity(identity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, conn, logger)
	hub.Register(client)
	if identity != "" {
		hub.Subscribe(client, identity)
	}

	go client.writePump()
	go client.readPump()

	client.logger.Debug("websocket connected", "identity", identity)
}
