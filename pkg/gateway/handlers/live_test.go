package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/store/memstore"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/auth"
	"github.com/vango-go/vai-evidence/pkg/gateway/config"
	"github.com/vango-go/vai-evidence/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/sessions"
)

const testLiveSecret = "0123456789abcdef0123"

type liveFixture struct {
	srv      *httptest.Server
	store    *memstore.Store
	bus      *bus.Bus
	tracker  *sessions.Tracker
	lc       *lifecycle.Lifecycle
	verifier *auth.Verifier
}

func newLiveFixture(t *testing.T, mode config.AuthMode) *liveFixture {
	t.Helper()
	cfg := testConfig(t)
	cfg.AuthMode = mode
	cfg.LiveAuthSecret = testLiveSecret

	verifier, err := auth.NewVerifier(testLiveSecret)
	require.NoError(t, err)

	f := &liveFixture{
		store:    memstore.New(),
		bus:      bus.New(),
		tracker:  sessions.NewTracker(),
		lc:       &lifecycle.Lifecycle{},
		verifier: verifier,
	}
	seedSession(t, f.store, "s1", nil)

	mux := http.NewServeMux()
	mux.Handle("GET /v1/sessions/{id}/live", LiveHandler{
		Config:       cfg,
		Store:        f.store,
		Bus:          f.bus,
		Verifier:     verifier,
		Lifecycle:    f.lc,
		LiveSessions: f.tracker,
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *liveFixture) wsURL(id, token string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/sessions/" + id + "/live"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestLiveHandler_RejectsMissingAndBadTokens(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeRequired)
	expired := f.verifier.Sign("s1", time.Now().Add(-time.Minute))
	otherSession := f.verifier.Sign("s2", time.Now().Add(time.Minute))

	for name, token := range map[string]string{
		"missing":       "",
		"malformed":     "not-a-token",
		"expired":       expired,
		"wrong session": otherSession,
	} {
		t.Run(name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("s1", token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestLiveHandler_BearerTokenAdmits(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeRequired)
	token := f.verifier.Sign("s1", time.Now().Add(time.Minute))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("s1", ""), header)
	require.NoError(t, err)
	defer conn.Close()

	msg := readServerMessage(t, conn)
	assert.Equal(t, "session.state", msg["type"])
}

func TestLiveHandler_UnknownSessionIs404(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeDisabled)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("missing", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveHandler_DrainingIs529(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeDisabled)
	f.lc.SetDraining(true)
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("s1", ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 529, resp.StatusCode)
}

func TestLiveHandler_DisallowedOriginIs403(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeDisabled)
	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("s1", ""), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLiveHandler_WithoutCredentialsReportsVoiceDisabled(t *testing.T) {
	f := newLiveFixture(t, config.AuthModeDisabled)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("s1", ""), nil)
	require.NoError(t, err)

	assert.Equal(t, "session.state", readServerMessage(t, conn)["type"])
	require.Eventually(t, func() bool { return f.tracker.CountForSession("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"control.start","mimeType":"audio/pcm;rate=16000"}`)))
	for {
		msg := readServerMessage(t, conn)
		if msg["type"] == "error" {
			assert.Equal(t, "voice disabled: missing inference credentials", msg["message"])
			break
		}
	}
	_ = conn.Close()

	require.Eventually(t, func() bool { return f.tracker.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := f.store.Get(context.Background(), "s1")
		return err == nil && s.WSState == types.WSStateOffline
	}, 5*time.Second, 10*time.Millisecond)
}
