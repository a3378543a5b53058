package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store/memstore"
	"github.com/vango-go/vai-evidence/pkg/core/types"
)

type fakeUpstream struct {
	events    chan *live.Event
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	audio   [][]byte
	texts   []string
	ended   bool
	results chan []live.ToolResult
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:  make(chan *live.Event, 8),
		closed:  make(chan struct{}),
		results: make(chan []live.ToolResult, 4),
	}
}

func (f *fakeUpstream) SendAudio(_ context.Context, a live.Audio) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, a.Data)
	return nil
}

func (f *fakeUpstream) EndAudio(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *fakeUpstream) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstream) SendToolResults(_ context.Context, results []live.ToolResult) error {
	f.results <- results
	return nil
}

func (f *fakeUpstream) Receive(ctx context.Context) (*live.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeUpstream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) receivedAudio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.audio...)
}

type fakeDialer struct {
	up   *fakeUpstream
	reqs chan live.DialRequest
}

func (d *fakeDialer) Dial(_ context.Context, req live.DialRequest) (live.Upstream, error) {
	if d.reqs != nil {
		d.reqs <- req
	}
	return d.up, nil
}

type fakeEvidence struct {
	session *types.Session
	err     error
	panics  bool
	focus   chan string
}

func (f *fakeEvidence) Ensure(_ context.Context, _ string, focus string) (*types.Session, error) {
	if f.focus != nil {
		f.focus <- focus
	}
	if f.panics {
		panic("boom")
	}
	return f.session, f.err
}

type harness struct {
	store *memstore.Store
	bus   *bus.Bus
	conn  *websocket.Conn
	done  chan error
}

type wireMsg struct {
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Session *types.Session         `json:"session"`
	Chunk   *types.TranscriptChunk `json:"chunk"`
	Data    string                 `json:"data"`
}

func seedSession(t *testing.T, st *memstore.Store) {
	t.Helper()
	s, err := types.NewSession(types.NewSessionParams{ID: "s1", CreatedAtMs: 1, Mode: types.ModeClaimCheck, Claim: "Coffee improves focus"})
	require.NoError(t, err)
	require.NoError(t, st.Put(context.Background(), s))
}

func newHarness(t *testing.T, dialer live.Dialer, evidence EvidenceSource, cfg Config) *harness {
	t.Helper()
	h := &harness{store: memstore.New(), bus: bus.New(), done: make(chan error, 1)}
	seedSession(t, h.store)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r, err := New(Dependencies{
			Conn:      conn,
			SessionID: "s1",
			Store:     h.store,
			Bus:       h.bus,
			Dialer:    dialer,
			Evidence:  evidence,
			Config:    cfg,
		})
		if err != nil {
			h.done <- err
			return
		}
		h.done <- r.Run()
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) send(t *testing.T, v string) {
	t.Helper()
	require.NoError(t, h.conn.WriteMessage(websocket.TextMessage, []byte(v)))
}

func (h *harness) next(t *testing.T) wireMsg {
	t.Helper()
	_ = h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := h.conn.ReadMessage()
	require.NoError(t, err)
	var m wireMsg
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func (h *harness) until(t *testing.T, match func(wireMsg) bool) wireMsg {
	t.Helper()
	for {
		m := h.next(t)
		if match(m) {
			return m
		}
	}
}

func ofType(typ string) func(wireMsg) bool {
	return func(m wireMsg) bool { return m.Type == typ }
}

func TestRelay_WithoutCredentials_StateThenError(t *testing.T) {
	h := newHarness(t, live.DisabledDialer{}, nil, Config{})

	first := h.next(t)
	require.Equal(t, "session.state", first.Type)
	require.NotNil(t, first.Session)
	assert.Equal(t, "s1", first.Session.SessionID)

	h.send(t, `{"type":"control.start","mimeType":"audio/pcm;rate=16000"}`)
	msg := h.until(t, ofType("error"))
	assert.Regexp(t, `(?i)voice disabled|missing .*credentials`, msg.Message)

	// The socket stays usable after a failed handshake.
	h.send(t, `{"type":"control.stop"}`)
	msg = h.until(t, ofType("debug"))
	assert.Equal(t, "no active voice stream", msg.Message)
}

func TestRelay_TracksWSState(t *testing.T) {
	h := newHarness(t, live.DisabledDialer{}, nil, Config{})
	h.until(t, func(m wireMsg) bool {
		return m.Type == "session.state" && m.Session != nil && m.Session.WSState == types.WSStateConnected
	})

	require.NoError(t, h.conn.Close())
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop after disconnect")
	}
	s, err := h.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.WSStateOffline, s.WSState)
	assert.Zero(t, h.bus.SubscriberCount("s1"))
}

func TestRelay_InvalidMessagesAreDropped(t *testing.T) {
	h := newHarness(t, live.DisabledDialer{}, nil, Config{})
	h.until(t, ofType("session.state"))

	h.send(t, `{"type":"bogus"}`)
	assert.Contains(t, h.until(t, ofType("error")).Message, "unsupported message type")

	h.send(t, `{"type":"audio.chunk","data":"AAAA"}`)
	assert.Contains(t, h.until(t, ofType("error")).Message, "control.start")

	require.NoError(t, h.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	assert.Contains(t, h.until(t, ofType("error")).Message, "binary")
}

func TestRelay_StreamsAudioAndTranscripts(t *testing.T) {
	up := newFakeUpstream()
	dialer := &fakeDialer{up: up, reqs: make(chan live.DialRequest, 1)}
	h := newHarness(t, dialer, nil, Config{})
	h.until(t, ofType("session.state"))

	h.send(t, `{"type":"control.start"}`)
	assert.Equal(t, "voice stream started", h.until(t, ofType("debug")).Message)
	req := <-dialer.reqs
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_evidence_pack", req.Tools[0].Name)
	assert.Contains(t, req.SystemPrompt, "Coffee improves focus")

	payload := []byte{9, 8, 7}
	h.send(t, `{"type":"audio.chunk","mimeType":"audio/pcm;rate=16000","data":"`+base64.StdEncoding.EncodeToString(payload)+`"}`)
	require.Eventually(t, func() bool { return len(up.receivedAudio()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, up.receivedAudio()[0])

	up.events <- &live.Event{InputTranscription: &live.Transcription{Text: "is it"}}
	up.events <- &live.Event{InputTranscription: &live.Transcription{Text: " true?", Finished: true}}
	up.events <- &live.Event{
		OutputTranscription: &live.Transcription{Text: "Partly."},
		Audio:               []live.Audio{{MIMEType: "audio/pcm;rate=24000", Data: []byte{1}}},
	}
	up.events <- &live.Event{TurnComplete: true}

	audio := h.until(t, ofType("audio.chunk"))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1}), audio.Data)

	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), "s1")
		if err != nil || len(s.Transcript) != 2 {
			return false
		}
		return !s.Transcript[0].IsPartial && !s.Transcript[1].IsPartial
	}, 2*time.Second, 10*time.Millisecond)

	s, err := h.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, types.SpeakerUser, s.Transcript[0].Speaker)
	assert.Equal(t, "is it true?", s.Transcript[0].Text)
	assert.Equal(t, types.SpeakerAgent, s.Transcript[1].Speaker)
	assert.Equal(t, "Partly.", s.Transcript[1].Text)
	assert.NotEqual(t, s.Transcript[0].TurnID, s.Transcript[1].TurnID)

	h.send(t, `{"type":"control.stop"}`)
	assert.Equal(t, "voice stream stopped", h.until(t, ofType("debug")).Message)
	up.mu.Lock()
	assert.True(t, up.ended)
	up.mu.Unlock()
}

func TestRelay_UserTextIsStoredAndForwarded(t *testing.T) {
	up := newFakeUpstream()
	h := newHarness(t, &fakeDialer{up: up}, nil, Config{})
	h.until(t, ofType("session.state"))
	h.send(t, `{"type":"control.start"}`)
	h.until(t, ofType("debug"))

	h.send(t, `{"type":"transcript.user","chunk":{"text":"what about sleep?"}}`)
	msg := h.until(t, ofType("transcript.chunk"))
	require.NotNil(t, msg.Chunk)
	assert.Equal(t, "what about sleep?", msg.Chunk.Text)
	assert.NotEmpty(t, msg.Chunk.TurnID)

	require.Eventually(t, func() bool {
		up.mu.Lock()
		defer up.mu.Unlock()
		return len(up.texts) == 1 && up.texts[0] == "what about sleep?"
	}, 2*time.Second, 10*time.Millisecond)
}

func evidenceSession() *types.Session {
	s := &types.Session{SessionID: "s1", Claim: "Coffee improves focus"}
	quotes := []types.EvidenceQuote{{Quote: "a", URL: "https://a.example"}, {Quote: "b", URL: "https://b.example"}, {Quote: "c", URL: "https://c.example"}}
	for i := 0; i < 6; i++ {
		s.EvidenceCards = append(s.EvidenceCards, types.EvidenceCard{
			ID:              "card_" + string(rune('a'+i)),
			ClaimText:       "claim",
			Confidence:      types.ConfidenceMedium,
			Evidence:        quotes,
			CounterEvidence: quotes,
		})
	}
	s.EvidenceCards[5].Pinned = true
	s.Clusters = []types.DisagreementCluster{{WhatsMissing: []string{"x", "y"}}, {WhatsMissing: []string{"y"}}}
	return s
}

func TestRelay_ToolCallAnsweredWithTrimmedPack(t *testing.T) {
	up := newFakeUpstream()
	ev := &fakeEvidence{session: evidenceSession(), focus: make(chan string, 1)}
	h := newHarness(t, &fakeDialer{up: up}, ev, Config{})
	h.until(t, ofType("session.state"))
	h.send(t, `{"type":"control.start"}`)
	h.until(t, ofType("debug"))

	up.events <- &live.Event{ToolCalls: []live.ToolCall{{ID: "call_1", Name: "get_evidence_pack", Args: map[string]any{"focus": " caffeine "}}}}

	var results []live.ToolResult
	select {
	case results = <-up.results:
	case <-time.After(3 * time.Second):
		t.Fatal("no tool results sent upstream")
	}
	assert.Equal(t, "caffeine", <-ev.focus)
	require.Len(t, results, 1)
	assert.Equal(t, "call_1", results[0].ID)

	cards, ok := results[0].Response["cards"].([]any)
	require.True(t, ok, "response=%v", results[0].Response)
	require.Len(t, cards, 4)
	first := cards[0].(map[string]any)
	assert.Equal(t, "card_f", first["id"])
	assert.Len(t, first["evidence"], 2)
	assert.Len(t, first["counterEvidence"], 2)
	assert.Equal(t, []any{"x", "y"}, results[0].Response["whatsMissing"])
}

func TestRelay_ToolFailuresBecomeStructuredErrors(t *testing.T) {
	cases := []struct {
		name string
		ev   *fakeEvidence
		call live.ToolCall
	}{
		{name: "ensure error", ev: &fakeEvidence{err: errors.New("search down")}, call: live.ToolCall{ID: "c", Name: "get_evidence_pack"}},
		{name: "panic", ev: &fakeEvidence{panics: true}, call: live.ToolCall{ID: "c", Name: "get_evidence_pack"}},
		{name: "unknown tool", ev: &fakeEvidence{}, call: live.ToolCall{ID: "c", Name: "launch_rockets"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			up := newFakeUpstream()
			h := newHarness(t, &fakeDialer{up: up}, tc.ev, Config{})
			h.until(t, ofType("session.state"))
			h.send(t, `{"type":"control.start"}`)
			h.until(t, ofType("debug"))

			up.events <- &live.Event{ToolCalls: []live.ToolCall{tc.call}}
			var results []live.ToolResult
			select {
			case results = <-up.results:
			case <-time.After(3 * time.Second):
				t.Fatal("no tool results sent upstream")
			}
			require.Len(t, results, 1)
			errObj, ok := results[0].Response["error"].(map[string]any)
			require.True(t, ok, "response=%v", results[0].Response)
			assert.NotEmpty(t, errObj["message"])
		})
	}
}

func TestBuildEvidencePack_PinnedFirstAndTrimmed(t *testing.T) {
	pack := BuildEvidencePack(evidenceSession())
	require.Len(t, pack.Cards, 4)
	assert.Equal(t, "card_f", pack.Cards[0].ID)
	assert.Equal(t, "card_a", pack.Cards[1].ID)
	for _, c := range pack.Cards {
		assert.Len(t, c.Evidence, 2)
		assert.Len(t, c.CounterEvidence, 2)
	}
	assert.Equal(t, "Coffee improves focus", pack.Subject)
}
