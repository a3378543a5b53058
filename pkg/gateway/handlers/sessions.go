package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/choiceset"
	"github.com/vango-go/vai-evidence/pkg/core/ids"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/apierror"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

// SessionsHandler serves the session CRUD and direct-edit routes. Every edit
// goes through store.Mutate so subscribers see it.
type SessionsHandler struct {
	Config config.Config
	Store  store.Store
	Bus    store.Publisher
	Logger *slog.Logger

	Now   func() time.Time
	NewID func() string
}

type createSessionRequest struct {
	Mode        types.Mode         `json:"mode"`
	URL         string             `json:"url,omitempty"`
	Claim       string             `json:"claim,omitempty"`
	Title       string             `json:"title,omitempty"`
	Constraints *types.Constraints `json:"constraints,omitempty"`
}

type listSessionsResponse struct {
	Sessions []types.SessionSummary `json:"sessions"`
}

type appendTranscriptRequest struct {
	Chunk types.TranscriptChunk `json:"chunk"`
}

func (h SessionsHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h SessionsHandler) newID() string {
	if h.NewID != nil {
		return h.NewID()
	}
	return ids.NewSessionID()
}

func (h SessionsHandler) mutate(ctx context.Context, id string, fn store.MutateFunc) (*types.Session, error) {
	return store.Mutate(ctx, h.Store, h.Bus, id, fn)
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, h.Config.MaxBodyBytes, &req, false) {
		return
	}

	s, err := types.NewSession(types.NewSessionParams{
		ID:          h.newID(),
		CreatedAtMs: h.now().UnixMilli(),
		Mode:        req.Mode,
		URL:         req.URL,
		Claim:       req.Claim,
		Title:       req.Title,
		Constraints: req.Constraints,
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if err := h.Store.Put(r.Context(), s); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	if h.Bus != nil {
		h.Bus.Publish(s.SessionID, s)
	}
	if h.Logger != nil {
		h.Logger.Info("session created", "request_id", requestID(r), "session_id", s.SessionID, "mode", s.Mode)
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeInvalid(w, r, "limit must be a non-negative integer", "limit")
			return
		}
		limit = n
	}

	sessions, err := h.Store.List(r.Context(), store.ClampListLimit(limit))
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	out := listSessionsResponse{Sessions: make([]types.SessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		out.Sessions = append(out.Sessions, s.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h SessionsHandler) PatchConstraints(w http.ResponseWriter, r *http.Request) {
	var patch types.ConstraintsPatch
	if !decodeBody(w, r, h.Config.MaxBodyBytes, &patch, false) {
		return
	}
	s, err := h.mutate(r.Context(), r.PathValue("id"), func(s *types.Session) error {
		next, err := patch.Apply(s.Constraints)
		if err != nil {
			return err
		}
		s.Constraints = next
		return nil
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h SessionsHandler) AppendTranscript(w http.ResponseWriter, r *http.Request) {
	var req appendTranscriptRequest
	if !decodeBody(w, r, h.Config.MaxBodyBytes, &req, false) {
		return
	}
	if err := req.Chunk.Validate(); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	limits := types.TranscriptLimits{
		MaxChunks:    h.Config.TranscriptMaxChunks,
		MaxTextBytes: h.Config.TranscriptMaxTextBytes,
	}
	s, err := h.mutate(r.Context(), r.PathValue("id"), func(s *types.Session) error {
		s.AppendTranscript(req.Chunk, limits)
		return nil
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h SessionsHandler) TogglePin(w http.ResponseWriter, r *http.Request) {
	cardID := r.PathValue("cardId")
	s, err := h.mutate(r.Context(), r.PathValue("id"), func(s *types.Session) error {
		if !s.TogglePin(cardID) {
			return &apierror.Error{Type: apierror.ErrNotFound, Message: "card not found", Param: "cardId"}
		}
		return nil
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RegenerateChoiceSet reruns the optimizer over the current cards, the
// current constraints and the topic and hits of the latest pipeline run.
func (h SessionsHandler) RegenerateChoiceSet(w http.ResponseWriter, r *http.Request) {
	s, err := h.mutate(r.Context(), r.PathValue("id"), func(s *types.Session) error {
		s.ChoiceSet = choiceset.Optimize(choiceset.InputFor(s))
		return nil
	})
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
