// Package api provides HTTP handlers for the datalab API.
package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datalab/internal/agent"
	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/config"
	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/session"
	"github.com/ashureev/datalab/internal/table"
	"github.com/ashureev/datalab/internal/transcript"
)

const defaultMaxUploadBytes = 32 << 20

// Options configure a Handler.
type Options struct {
	Sessions       *session.Manager
	Log            transcript.ConversationLogger
	MaxUploadBytes int64
	RateLimit      config.RateLimitConfig
	// AllowedOrigin is checked on WebSocket upgrades; "*" or empty allows any.
	AllowedOrigin string
	IsDev         bool
}

// Handler serves the analysis API.
type Handler struct {
	sessions      *session.Manager
	log           transcript.ConversationLogger
	limiter       *RateLimiter
	maxUpload     int64
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a Handler.
func NewHandler(opts Options) *Handler {
	if opts.Log == nil {
		opts.Log = transcript.NopLogger{}
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.RateLimit.RequestsPerWindow <= 0 {
		opts.RateLimit.RequestsPerWindow = 20
	}
	if opts.RateLimit.WindowDuration <= 0 {
		opts.RateLimit.WindowDuration = time.Minute
	}
	return &Handler{
		sessions:      opts.Sessions,
		log:           opts.Log,
		limiter:       NewRateLimiter(opts.RateLimit.RequestsPerWindow, opts.RateLimit.WindowDuration),
		maxUpload:     opts.MaxUploadBytes,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
	}
}

// Close stops background work of the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// RegisterRoutes registers the API and WebSocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/providers", h.ListProviders)

		r.Get("/session", h.GetSession)
		r.Delete("/session", h.ClearSession)
		r.Put("/session/config", h.PutConfig)

		r.Post("/data", h.Upload)
		r.Put("/data/selection", h.SelectTables)
		r.Get("/data/{name}", h.Preview)

		r.Post("/chat", h.Chat)
		r.Post("/report", h.Report)

		r.Get("/artifacts", h.ListArtifacts)
		r.Get("/artifacts/*", h.DownloadArtifact)
		r.Get("/transcript", h.DownloadTranscript)
	})
	r.Get("/ws/chat", h.ChatWebSocket)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrTurnInProgress), errors.Is(err, session.ErrNoAgent):
		return http.StatusConflict
	case errors.Is(err, session.ErrTableNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEmptyReportRequest),
		errors.Is(err, session.ErrNoFiles),
		errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, agent.ErrUnsupportedBackend),
		errors.Is(err, table.ErrUnsupportedFormat),
		errors.Is(err, transcript.ErrUnknownFormat),
		errors.Is(err, artifact.ErrOutsideRoot):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	Error(w, status, err.Error())
}

// session returns the analysis session of the request.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	s, err := h.sessions.Get(identity.Key(r.Context()))
	if err != nil {
		slog.Error("Failed to open session", "error", err, "user_id", identity.UserIDFromContext(r.Context()))
		Error(w, http.StatusInternalServerError, "failed to open session")
		return nil, false
	}
	return s, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) logEvent(r *http.Request, channel, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["ip"] = identity.IPFromRequest(r)
	h.log.Log(transcript.ConversationLogEvent{
		Timestamp: time.Now().UTC(),
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
		Channel:   channel,
		Direction: direction,
		EventType: eventType,
		Content:   content,
		Meta:      meta,
	})
}
