package api

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/datalab/internal/session"
)

const uploadField = "files"

// Upload accepts a multipart form of spreadsheet files.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Debug("Failed to remove multipart temp files", "error", err)
		}
	}()

	headers := r.MultipartForm.File[uploadField]
	files := make([]session.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			Error(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		defer closeFile(f)
		files = append(files, session.File{Name: fh.Filename, Data: f})
	}

	added, err := s.Upload(r.Context(), files)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"added":   added,
		"session": s.Snapshot(),
	})
}

func closeFile(f multipart.File) {
	if err := f.Close(); err != nil {
		slog.Debug("Failed to close upload", "error", err)
	}
}

type selectionRequest struct {
	Tables []string `json:"tables"`
}

// SelectTables sets which loaded tables the agent analyses.
func (h *Handler) SelectTables(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.SelectTables(r.Context(), req.Tables); err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session": s.Snapshot()})
}

// Preview returns the data overview of one table.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid table name")
		return
	}
	summary, err := s.Preview(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	JSON(w, http.StatusOK, summary)
}
