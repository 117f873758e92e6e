package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/session"
	"github.com/ashureev/datalab/internal/transcript"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// wsEvent is a server frame carrying one stream event.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ChatWebSocket serves chat turns over a WebSocket. Each {"type":"chat"}
// frame runs one turn; its events are sent as {"type":..., "data":...}
// frames with the same names as the SSE stream.
func (h *Handler) ChatWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	slog.Info("Chat WebSocket connected", "session", s.Key())

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := writeWS(ctx, ws, eventError, map[string]string{"error": "invalid message"}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case "ping":
			if err := writeWS(ctx, ws, "pong", nil); err != nil {
				return
			}
		case "chat":
			if err := h.wsChat(ctx, ws, r, s, userID, msg.Message); err != nil {
				return
			}
		default:
			if err := writeWS(ctx, ws, eventError, map[string]string{"error": "unknown message type"}); err != nil {
				return
			}
		}
	}
}

// wsChat runs one turn. It returns an error only when the connection broke.
func (h *Handler) wsChat(ctx context.Context, ws *websocket.Conn, r *http.Request, s *session.State, userID, message string) error {
	message = strings.TrimSpace(message)
	switch {
	case message == "":
		return writeWS(ctx, ws, eventError, map[string]string{"error": "message is required"})
	case !h.limiter.Allow(userID):
		return writeWS(ctx, ws, eventError, map[string]string{"error": "rate limit exceeded"})
	}

	var connErr error
	emit := func(event string, v any) error {
		if err := writeWS(ctx, ws, event, v); err != nil {
			connErr = err
			return err
		}
		return nil
	}
	if err := h.runChat(r, s, transcript.ChannelChatWS, message, emit); err != nil {
		return writeWS(ctx, ws, eventError, map[string]string{"error": err.Error()})
	}
	return connErr
}

func writeWS(ctx context.Context, ws *websocket.Conn, event string, v any) error {
	data, err := json.Marshal(wsEvent{Type: event, Data: v})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
