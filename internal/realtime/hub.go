// Package realtime pushes conversation events to connected agent sessions.
package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chatdesk/chatdesk/internal/conversation"
	"github.com/chatdesk/chatdesk/internal/metrics"
)

// Event names sent to agents.
const (
	EventMessageNew         = "message:new"
	EventConversationUpdate = "conversation:update"
	EventInboxUpdate        = "inbox:update"
	EventUserTyping         = "user:typing"
	EventSubscribed         = "subscribed"
	EventUnsubscribed       = "unsubscribed"
	EventError              = "error"
)

// DefaultSendBuffer is the per-connection queue length.
const DefaultSendBuffer = 64

// Frame is one server to agent message.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Payload types wrapped by message:new and conversation:update frames.
const (
	PayloadMessage      = "message"
	PayloadConversation = "conversation"
)

// EntityPayload is the data of message:new and conversation:update frames.
type EntityPayload struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InboxPayload is the data of an inbox:update frame.
type InboxPayload struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the data of a user:typing frame.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Client is one registered agent connection.
type Client struct {
	id     string
	userID string
	send   chan []byte
	rooms  map[string]struct{}
	closed bool
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated agent.
func (c *Client) UserID() string { return c.userID }

// Send yields encoded frames. It is closed when the client is unregistered
// or dropped for falling behind.
func (c *Client) Send() <-chan []byte { return c.send }

// Hub tracks clients and conversation rooms. Delivery is at-most-once: a
// client whose buffer is full is dropped rather than blocking producers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	buffer  int
	logger  *slog.Logger
}

// NewHub creates a Hub. buffer <= 0 selects DefaultSendBuffer.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Hub{
		clients: map[string]*Client{},
		rooms:   map[string]map[string]*Client{},
		buffer:  buffer,
		logger:  log.With(slog.String("service", "realtime")),
	}
}

func roomName(conversationID string) string {
	return "conversation:" + conversationID
}

// Register adds a client for an authenticated agent.
func (h *Hub) Register(userID string) *Client {
	c := &Client{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, h.buffer),
		rooms:  map[string]struct{}{},
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.RealtimeConnections.Inc()
	return c
}

// Unregister removes the client from every room and closes its queue.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients, c.id)
	close(c.send)
	metrics.RealtimeConnections.Dec()
}

// Subscribe joins the client to a conversation room. Only events emitted
// afterwards are delivered.
func (h *Hub) Subscribe(c *Client, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return false
	}
	room := roomName(conversationID)
	members, ok := h.rooms[room]
	if !ok {
		members = map[string]*Client{}
		h.rooms[room] = members
	}
	members[c.id] = c
	c.rooms[room] = struct{}{}
	return true
}

// Unsubscribe leaves a conversation room.
func (h *Hub) Unsubscribe(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := roomName(conversationID)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of subscribers of a conversation.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomName(conversationID)])
}

// EmitNewMessage sends message:new to the conversation room and
// inbox:update to every client.
func (h *Hub) EmitNewMessage(conversationID string, msg conversation.Message) {
	h.publish(roomName(conversationID), Frame{Event: EventMessageNew, Data: EntityPayload{Type: PayloadMessage, Data: msg}})
	h.publish("", Frame{Event: EventInboxUpdate, Data: InboxPayload{ConversationID: conversationID}})
}

// EmitConversationUpdate sends conversation:update to the room and
// inbox:update to every client.
func (h *Hub) EmitConversationUpdate(conv conversation.Conversation) {
	h.publish(roomName(conv.ID), Frame{Event: EventConversationUpdate, Data: EntityPayload{Type: PayloadConversation, Data: conv}})
	h.publish("", Frame{Event: EventInboxUpdate, Data: InboxPayload{ConversationID: conv.ID}})
}

// EmitTyping sends user:typing to the conversation room.
func (h *Hub) EmitTyping(conversationID, userID string, isTyping bool) {
	h.publish(roomName(conversationID), Frame{Event: EventUserTyping, Data: TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}})
}

// publish encodes once and enqueues to the room, or to every client when
// room is empty.
func (h *Hub) publish(room string, frame Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("encode frame failed", slog.String("event", frame.Event), slog.Any("error", err))
		return
	}

	var slow []*Client
	h.mu.RLock()
	targets := h.clients
	if room != "" {
		targets = h.rooms[room]
	}
	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if c.closed {
			continue
		}
		h.logger.Warn("dropping slow realtime client",
			slog.String("client_id", c.id),
			slog.String("user_id", c.userID),
			slog.String("event", frame.Event))
		metrics.RealtimeDropped.Inc()
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// direct enqueues a frame for one client. It reports false when the client
// is gone or its buffer is full.
func (h *Hub) direct(c *Client, event string, data any) bool {
	payload, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}
