package relay

import (
	"context"
	"strings"

	"github.com/vango-go/vai-evidence/pkg/core/ids"
	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/protocol"
)

var newTurnID = ids.NewTurnID

// turn accumulates transcription fragments for one speaker. The id is minted
// on the first fragment and cleared when the turn finishes.
type turn struct {
	speaker types.Speaker
	id      string
	text    strings.Builder
	// open is true while the last stored chunk was partial.
	open bool
}

func (t *turn) reset() {
	t.id = ""
	t.text.Reset()
	t.open = false
}

func (r *Relay) addFragment(t *turn, tr *live.Transcription) {
	if t.id == "" {
		if strings.TrimSpace(tr.Text) == "" {
			return
		}
		t.id = newTurnID()
	}
	t.text.WriteString(tr.Text)
	text := strings.TrimSpace(t.text.String())
	if text != "" {
		r.writeChunk(r.ctx, types.TranscriptChunk{
			Speaker:     t.speaker,
			Text:        text,
			TimestampMs: r.now().UnixMilli(),
			IsPartial:   !tr.Finished,
			TurnID:      t.id,
		})
		t.open = !tr.Finished
	}
	if tr.Finished {
		t.reset()
	}
}

// finishTurn stores the final version of a turn still marked partial.
func (r *Relay) finishTurn(ctx context.Context, t *turn) {
	if t.id == "" {
		return
	}
	if text := strings.TrimSpace(t.text.String()); text != "" && t.open {
		r.writeChunk(ctx, types.TranscriptChunk{
			Speaker:     t.speaker,
			Text:        text,
			TimestampMs: r.now().UnixMilli(),
			TurnID:      t.id,
		})
	}
	t.reset()
}

func (r *Relay) writeChunk(ctx context.Context, chunk types.TranscriptChunk) {
	var stored types.TranscriptChunk
	_, err := store.Mutate(ctx, r.store, r.bus, r.sessionID, func(s *types.Session) error {
		stored = s.AppendTranscript(chunk, r.cfg.Transcript)
		return nil
	})
	if err != nil {
		r.logger.Warn("transcript write failed", "turn_id", chunk.TurnID, "error", err)
		_ = r.send(protocol.NewDebug("transcript not saved"))
		return
	}
	_ = r.send(protocol.NewTranscriptChunk(stored))
}
