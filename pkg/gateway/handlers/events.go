package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/sse"
)

const (
	eventSessionState = "session.state"
	eventsMailboxSize = 16
)

// Subscriber is the part of the event bus the streaming routes use.
type Subscriber interface {
	Subscribe(sessionID string, fn bus.Handler) (unsubscribe func())
}

// EventsHandler streams session snapshots over SSE: the current state first,
// then one event per bus publish, with comment pings in between.
type EventsHandler struct {
	Config config.Config
	Store  store.Store
	Bus    Subscriber
	Logger *slog.Logger
}

func (h EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Subscribe before reading so no publish between the read and the
	// subscription is lost. Publishes already covered by the read arrive with
	// an older revision and are skipped.
	mailbox := bus.NewMailbox(eventsMailboxSize)
	unsubscribe := h.Bus.Subscribe(id, mailbox.Offer)
	defer unsubscribe()

	s, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		writeError(w, r, h.Logger, err)
		return
	}
	sw.Prepare()
	if err := sw.Send(eventSessionState, s); err != nil {
		return
	}

	pingInterval := h.Config.SSEPingInterval
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	var maxDuration <-chan time.Time
	if h.Config.SSEMaxStreamDuration > 0 {
		t := time.NewTimer(h.Config.SSEMaxStreamDuration)
		defer t.Stop()
		maxDuration = t.C
	}

	sent := s.Revision
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-maxDuration:
			_ = sw.Comment("max stream duration reached")
			return
		case <-ping.C:
			if err := sw.Comment("ping"); err != nil {
				return
			}
		case snap := <-mailbox.C():
			if snap.Revision < sent {
				continue
			}
			sent = snap.Revision
			if err := sw.Send(eventSessionState, snap); err != nil {
				if h.Logger != nil {
					h.Logger.Debug("sse write failed", "request_id", requestID(r), "session_id", id, "error", err)
				}
				return
			}
		}
	}
}
