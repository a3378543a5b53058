package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/apierror"
	"github.com/vango-go/vai-evidence/pkg/gateway/auth"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/relay"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-evidence/pkg/gateway/mw"
)

// LiveHandler upgrades /v1/sessions/{id}/live to a WebSocket and runs one
// relay for it.
type LiveHandler struct {
	Config       config.Config
	Store        store.Store
	Bus          relay.Bus
	Evidence     relay.EvidenceSource
	Dialer       live.Dialer
	Verifier     *auth.Verifier
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		apierror.Write(w, 529, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID})
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !mw.OriginAllowed(h.Config.CORSAllowedOrigins, origin) {
		apierror.Write(w, http.StatusForbidden, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}

	id := r.PathValue("id")
	if err := h.authorize(r, id); err != nil {
		apierror.Write(w, http.StatusUnauthorized, &apierror.Error{Type: apierror.ErrAuthentication, Message: err.Error(), RequestID: reqID})
		return
	}
	if _, err := h.Store.Get(r.Context(), id); err != nil {
		writeError(w, r, h.Logger, err)
		return
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.LiveHandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := "conn_" + randHex(8)
	rl, err := relay.New(relay.Dependencies{
		Conn:      conn,
		SessionID: id,
		RequestID: reqID,
		Store:     h.Store,
		Bus:       h.Bus,
		Dialer:    h.Dialer,
		Evidence:  h.Evidence,
		Peers:     func() int { return h.LiveSessions.Peers(id, connID) },
		Logger:    h.Logger,
		Tracer:    h.Tracer,
		Config:    h.relayConfig(),
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to start live relay"), time.Now().Add(2*time.Second))
		return
	}

	unregister := h.LiveSessions.Register(connID, sessions.Handle{
		SessionID: id,
		Cancel:    rl.Cancel,
		Warn:      rl.Warn,
	})
	defer unregister()

	if err := rl.Run(); err != nil && h.Logger != nil {
		h.Logger.Warn("live relay ended with error", "session_id", id, "conn_id", connID, "request_id", reqID, "error", err)
	}
}

func (h LiveHandler) relayConfig() relay.Config {
	readTimeout := 2*h.Config.LiveWSPingInterval + h.Config.LiveWSWriteTimeout
	return relay.Config{
		MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
		MaxAudioChunkBytes:     h.Config.LiveMaxAudioChunkBytes,
		MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds:    h.Config.LiveInboundBurstSeconds,
		PingInterval:           h.Config.LiveWSPingInterval,
		WriteTimeout:           h.Config.LiveWSWriteTimeout,
		ReadTimeout:            readTimeout,
		HandshakeTimeout:       h.Config.LiveHandshakeTimeout,
		ToolTimeout:            h.Config.LiveToolTimeout,
		MaxDuration:            h.Config.WSMaxSessionDuration,
		OutboundQueueSize:      128,
		Transcript: types.TranscriptLimits{
			MaxChunks:    h.Config.TranscriptMaxChunks,
			MaxTextBytes: h.Config.TranscriptMaxTextBytes,
		},
	}
}

func (h LiveHandler) authorize(r *http.Request, sessionID string) error {
	if h.Config.AuthMode == config.AuthModeDisabled {
		return nil
	}
	if h.Verifier == nil {
		return errors.New("live auth is not configured")
	}
	token, ok := auth.TokenFromRequest(r)
	if !ok {
		return auth.ErrMissingToken
	}
	return h.Verifier.Verify(sessionID, token)
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
