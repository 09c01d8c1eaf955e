package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 4096
)

// Client frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameTyping      = "typing"
)

// ErrUnauthorized is returned by an Authenticator for a bad credential.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a bearer token to the agent user id.
type Authenticator func(token string) (userID string, err error)

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// Server upgrades authenticated HTTP requests into hub clients.
type Server struct {
	hub          *Hub
	authenticate Authenticator
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewServer creates a websocket endpoint backed by hub.
func NewServer(log *slog.Logger, hub *Hub, authenticate Authenticator) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:          hub,
		authenticate: authenticate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// agents connect from the dashboard origin and authenticate by token
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("handler", "realtime")),
	}
}

// BearerToken extracts the credential from the Authorization header or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeHTTP authenticates before upgrading; a bad credential never reaches
// the websocket protocol.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	if token == "" || s.authenticate == nil {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := s.authenticate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := s.hub.Register(userID)
	log := s.logger.With(slog.String("client_id", client.ID()), slog.String("user_id", userID))
	log.Debug("realtime client connected")

	go s.writeLoop(conn, client, log)
	s.readLoop(conn, client, log)
	s.hub.Unregister(client)
	log.Debug("realtime client disconnected")
}

func (s *Server) readLoop(conn *websocket.Conn, client *Client, log *slog.Logger) {
	defer conn.Close()
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime read failed", slog.Any("error", err))
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.hub.direct(client, EventError, map[string]string{"message": "invalid frame"})
			continue
		}
		s.handleFrame(client, frame)
	}
}

func (s *Server) handleFrame(client *Client, frame clientFrame) {
	convID := strings.TrimSpace(frame.ConversationID)
	if convID == "" {
		s.hub.direct(client, EventError, map[string]string{"message": "conversationId is required"})
		return
	}
	switch frame.Type {
	case frameSubscribe:
		if s.hub.Subscribe(client, convID) {
			s.hub.direct(client, EventSubscribed, InboxPayload{ConversationID: convID})
		}
	case frameUnsubscribe:
		s.hub.Unsubscribe(client, convID)
		s.hub.direct(client, EventUnsubscribed, InboxPayload{ConversationID: convID})
	case frameTyping:
		s.hub.EmitTyping(convID, client.UserID(), frame.IsTyping)
	default:
		s.hub.direct(client, EventError, map[string]string{"message": "unknown frame type " + frame.Type})
	}
}

// writeLoop owns all writes to conn. It ends when the hub closes the
// client's queue, either on disconnect or because the client fell behind.
func (s *Server) writeLoop(conn *websocket.Conn, client *Client, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug("realtime write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
