package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/protocol"
)

const (
	evidenceToolName = "get_evidence_pack"

	packMaxCards  = 4
	packMaxQuotes = 2
)

var evidenceTool = live.ToolSpec{
	Name: evidenceToolName,
	Description: "Returns the evidence gathered for this session: claims with supporting and opposing quotes, " +
		"source URLs, confidence and what is still missing. Builds the evidence first when none exists yet.",
	Params: []live.ToolParam{{
		Name:        "focus",
		Type:        "string",
		Description: "Optional claim or subtopic to focus retrieval on.",
	}},
}

// EvidencePack is the trimmed session view handed to the voice model.
type EvidencePack struct {
	SessionID        string               `json:"sessionId"`
	Subject          string               `json:"subject"`
	EvidenceBuilding bool                 `json:"evidenceBuilding"`
	Cards            []types.EvidenceCard `json:"cards"`
	WhatsMissing     []string             `json:"whatsMissing,omitempty"`
	Epistemic        types.Epistemic      `json:"epistemic"`
}

// BuildEvidencePack keeps at most four cards, pinned ones first, each with at
// most two quotes per side.
func BuildEvidencePack(s *types.Session) EvidencePack {
	cards := make([]types.EvidenceCard, len(s.EvidenceCards))
	copy(cards, s.EvidenceCards)
	sort.SliceStable(cards, func(i, j int) bool { return cards[i].Pinned && !cards[j].Pinned })
	if len(cards) > packMaxCards {
		cards = cards[:packMaxCards]
	}
	for i := range cards {
		cards[i].Evidence = trimQuotes(cards[i].Evidence)
		cards[i].CounterEvidence = trimQuotes(cards[i].CounterEvidence)
	}

	var missing []string
	seen := map[string]struct{}{}
	for _, c := range s.Clusters {
		for _, m := range c.WhatsMissing {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			missing = append(missing, m)
		}
	}

	return EvidencePack{
		SessionID:        s.SessionID,
		Subject:          s.Subject(),
		EvidenceBuilding: s.Pipeline.EvidenceBuilding,
		Cards:            cards,
		WhatsMissing:     missing,
		Epistemic:        s.Epistemic,
	}
}

func trimQuotes(q []types.EvidenceQuote) []types.EvidenceQuote {
	if len(q) > packMaxQuotes {
		q = q[:packMaxQuotes]
	}
	return append([]types.EvidenceQuote{}, q...)
}

func (p EvidencePack) responseMap() (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toolError(kind, message string) map[string]any {
	return map[string]any{"error": map[string]any{"type": kind, "message": message}}
}

// answerToolCalls runs every call and sends the results before the receive
// loop reads the next upstream message.
func (r *Relay) answerToolCalls(ctx context.Context, up *lockedUpstream, calls []live.ToolCall) {
	r.transition(StateStreaming, StateToolCall)
	defer r.transition(StateToolCall, StateStreaming)

	results := make([]live.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, r.dispatchTool(ctx, call))
	}
	if ctx.Err() != nil {
		return
	}
	if err := up.SendToolResults(ctx, results); err != nil {
		r.logger.Warn("live tool results send failed", "error", err)
		_ = r.send(protocol.NewDebug("tool results could not be delivered"))
	}
}

type ensureResult struct {
	session *types.Session
	err     error
}

func (r *Relay) dispatchTool(ctx context.Context, call live.ToolCall) (res live.ToolResult) {
	res = live.ToolResult{ID: call.ID, Name: call.Name}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("live tool panic", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			res.Response = toolError("api_error", "tool failed")
			_ = r.send(protocol.NewError("evidence tool failed"))
		}
	}()

	if call.Name != evidenceToolName {
		res.Response = toolError("invalid_request_error", fmt.Sprintf("unknown tool %q", call.Name))
		return res
	}
	if r.evidence == nil {
		res.Response = toolError("api_error", "evidence is unavailable")
		return res
	}
	focus, _ := call.Args["focus"].(string)
	focus = strings.TrimSpace(focus)

	ctx, span := r.tracer.Start(ctx, "live.tool")
	span.SetAttributes(attribute.String("tool.name", call.Name), attribute.String("session.id", r.sessionID))
	defer span.End()

	// The build outlives a disconnect; only the wait is abandoned.
	buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ToolTimeout)
	done := make(chan ensureResult, 1)
	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("evidence build panic", "panic", p, "stack", string(debug.Stack()))
				done <- ensureResult{err: fmt.Errorf("evidence build panic: %v", p)}
			}
		}()
		s, err := r.evidence.Ensure(buildCtx, r.sessionID, focus)
		done <- ensureResult{session: s, err: err}
	}()

	var out ensureResult
	select {
	case out = <-done:
	case <-ctx.Done():
		res.Response = toolError("api_error", "canceled")
		return res
	}

	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		r.logger.Warn("evidence tool failed", "error", out.err)
		kind, message := "api_error", "evidence build failed"
		switch {
		case errors.Is(out.err, store.ErrNotFound):
			kind, message = "not_found_error", "session not found"
		case errors.Is(out.err, context.DeadlineExceeded):
			message = "evidence build timed out"
		}
		res.Response = toolError(kind, message)
		_ = r.send(protocol.NewError(message))
		return res
	}

	pack, err := BuildEvidencePack(out.session).responseMap()
	if err != nil {
		res.Response = toolError("api_error", "evidence could not be encoded")
		return res
	}
	res.Response = pack
	_ = r.send(protocol.NewDebug(fmt.Sprintf("%s answered with %d card(s)", evidenceToolName, len(out.session.EvidenceCards))))
	return res
}
