package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

// PipelineTrigger starts a background evidence run for a session.
type PipelineTrigger interface {
	Trigger(ctx context.Context, id, focus string) (bool, error)
}

type analyzeRequest struct {
	Focus string `json:"focus,omitempty"`
}

type analyzeResponse struct {
	Started bool `json:"started"`
}

// AnalyzeHandler kicks off the evidence pipeline and returns immediately.
// Repeated calls while a run is in flight, or after evidence exists, report
// started=false.
type AnalyzeHandler struct {
	Config   config.Config
	Pipeline PipelineTrigger
	Logger   *slog.Logger
}

func (h AnalyzeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, h.Config.MaxBodyBytes, &req, true) {
		return
	}

	id := r.PathValue("id")
	started, err := h.Pipeline.Trigger(r.Context(), id, strings.TrimSpace(req.Focus))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("analyze", "request_id", requestID(r), "session_id", id, "started", started)
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{Started: started})
}
