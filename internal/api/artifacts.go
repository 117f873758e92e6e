package api

import (
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/transcript"
)

// ListArtifacts lists the generated files, the report separate from the
// charts.
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	listing, err := s.Artifacts()
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, listing)
}

// DownloadArtifact serves one generated file as an attachment. Charts can be
// shown inline with ?inline=1.
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	rel, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid artifact path")
		return
	}
	full, err := artifact.Resolve(s.Dirs().Out, rel)
	if err != nil {
		writeErr(w, err)
		return
	}

	disposition := "attachment"
	if r.URL.Query().Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", artifact.MIMEType(full))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": path.Base(rel)}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, full)
}

// DownloadTranscript exports the conversation and process log as JSON or
// Markdown.
func (h *Handler) DownloadTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	body, contentType, name, err := transcript.Export(r.URL.Query().Get("format"), s.Transcript(), s.ToolLog())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
