package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/provider"
	"github.com/ashureev/datalab/internal/session"
)

type providerView struct {
	provider.Provider
	// EnvCredential reports whether the server environment supplies a
	// credential, so the UI can leave the key field empty.
	EnvCredential bool `json:"credential_from_env"`
}

// ListProviders returns the provider catalog with the default first.
func (h *Handler) ListProviders(w http.ResponseWriter, _ *http.Request) {
	reg := h.sessions.Providers()
	all := reg.All()
	views := make([]providerView, 0, len(all))
	for _, p := range all {
		views = append(views, providerView{Provider: p, EnvCredential: p.CredentialFromEnv() != ""})
	}
	JSON(w, http.StatusOK, map[string]any{
		"default":   reg.DefaultProvider().Name,
		"providers": views,
	})
}

// GetSession returns the session summary.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()
	JSON(w, http.StatusOK, map[string]any{
		"session":               snap,
		"configuration_changed": s.ConfigurationChanged(),
	})
}

func agentID(snap session.Snapshot) string {
	if snap.Agent == nil {
		return ""
	}
	return snap.Agent.ID
}

// PutConfig applies a provider configuration. The agent is rebuilt only
// when the configuration changed.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req session.Config
	if !decodeJSON(w, r, &req) {
		return
	}
	before := agentID(s.Snapshot())
	if err := s.ApplyConfig(r.Context(), req); err != nil {
		writeErr(w, err)
		return
	}
	snap := s.Snapshot()
	rebuilt := snap.Agent != nil && snap.Agent.ID != before
	slog.Info("Session configured", "session", s.Key(), "provider", snap.Config.Provider, "model", snap.Config.Model, "rebuilt", rebuilt)
	JSON(w, http.StatusOK, map[string]any{
		"session":       snap,
		"agent_rebuilt": rebuilt,
	})
}

// ClearSession drops the session's data, history and generated files.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Clear(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("Session cleared", "session", s.Key(), "user_id", identity.UserIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]any{"session": s.Snapshot()})
}
