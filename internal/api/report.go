package api

import (
	"net/http"
	"path/filepath"

	"github.com/ashureev/datalab/internal/artifact"
	"github.com/ashureev/datalab/internal/domain"
	"github.com/ashureev/datalab/internal/identity"
	"github.com/ashureev/datalab/internal/transcript"
	"github.com/ashureev/datalab/internal/turn"
)

type reportRequest struct {
	Request string `json:"request"`
}

type reportResponse struct {
	Found     bool                  `json:"found"`
	Report    *artifact.Artifact    `json:"report,omitempty"`
	Warning   string                `json:"warning,omitempty"`
	Message   string                `json:"message,omitempty"`
	Text      string                `json:"text"`
	ToolLog   []domain.ToolLogEntry `json:"tool_log"`
	Artifacts artifact.Listing      `json:"artifacts"`
}

// Report records a report request and runs it to completion.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req reportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.RequestReport(req.Request); err != nil {
		writeErr(w, err)
		return
	}
	h.logEvent(r, transcript.ChannelReport, transcript.DirectionOutbound, transcript.EventReportRequest, req.Request, nil)

	res, err := s.GenerateReport(r.Context(), turn.Hooks{})
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := reportResponse{
		Found:   res.Found(),
		Warning: res.Warning,
		Text:    res.Turn.Text,
		ToolLog: res.Turn.Entries,
	}
	if resp.ToolLog == nil {
		resp.ToolLog = []domain.ToolLogEntry{}
	}
	if listing, err := s.Artifacts(); err == nil {
		resp.Artifacts = listing
		resp.Report = listing.Report
	}
	if resp.Found {
		resp.Message = turn.ReportDoneMessage
	}
	h.logEvent(r, transcript.ChannelReport, transcript.DirectionInbound, transcript.EventReportResult, resp.Text,
		map[string]any{"found": resp.Found, "file": filepath.Base(res.Path), "warning": res.Warning})
	JSON(w, http.StatusOK, resp)
}
