package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/session"
	"github.com/ashureev/datalab/internal/transcript"
	"github.com/ashureev/datalab/internal/turn"
)

// Stream event names, shared by SSE and WebSocket.
const (
	eventContent = "content"
	eventTool    = "tool"
	eventDone    = "done"
	eventError   = "error"
)

type chatRequest struct {
	Message string `json:"message"`
}

type contentEvent struct {
	Agent string `json:"agent,omitempty"`
	Delta string `json:"delta"`
}

type doneEvent struct {
	Text      string           `json:"text"`
	Error     string           `json:"error,omitempty"`
	Artifacts artifact.Listing `json:"artifacts"`
}

// emitter sends one named event with a JSON payload.
type emitter func(event string, v any) error

// runChat runs a chat turn, streaming through emit and logging the
// conversation. It returns an error only when the turn could not start.
func (h *Handler) runChat(r *http.Request, s *session.State, channel, message string, emit emitter) error {
	h.logEvent(r, channel, transcript.DirectionOutbound, transcript.EventUserMessage, message, nil)

	var emitErr error
	send := func(event string, v any) {
		if emitErr != nil {
			return
		}
		if err := emit(event, v); err != nil {
			emitErr = err
			slog.Warn("Failed to write chat event", "event", event, "error", err)
		}
	}

	res, err := s.Chat(r.Context(), message, turn.Hooks{
		OnContent: func(agentName, delta string) {
			send(eventContent, contentEvent{Agent: agentName, Delta: delta})
		},
		OnTool: func(e domain.ToolLogEntry) {
			h.logEvent(r, channel, transcript.DirectionInbound, transcript.EventToolCall, e.Args,
				map[string]any{"tool": e.Tool, "agent": e.Agent, "result": e.Result})
			send(eventTool, e)
		},
	})
	if err != nil {
		return err
	}

	done := doneEvent{Text: res.Turn.Text, Artifacts: res.Artifacts}
	if res.Turn.Err != nil {
		done.Error = res.Turn.Err.Error()
		h.logEvent(r, channel, transcript.DirectionInbound, transcript.EventTurnError, done.Error, nil)
		send(eventError, map[string]string{"error": done.Error})
	}
	h.logEvent(r, channel, transcript.DirectionInbound, transcript.EventAssistantMessage, res.Turn.Text,
		map[string]any{"tool_calls": len(res.Turn.Entries)})
	send(eventDone, done)
	return nil
}

// Chat runs one chat turn and streams it as server-sent events: content
// deltas, completed tool calls, then a done event with the final text and the
// artifact listing.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Headers are sent with the first event so that a turn that cannot
	// start still gets a JSON error response.
	started := false
	emit := func(event string, v any) error {
		if !started {
			started = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := writeSSE(w, event, string(data)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.runChat(r, s, transcript.ChannelChatHTTP, message, emit); err != nil {
		writeErr(w, err)
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
