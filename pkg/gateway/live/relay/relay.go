// Package relay bridges one client WebSocket to an upstream real-time voice
// session for a single evidence session.
//
// A Relay starts idle. control.start dials the upstream (connecting) and, on
// success, streams audio both ways (streaming). Upstream tool calls move it to
// tool-call until the results are sent back. Disconnect moves it to closing.
// Snapshot pushes from the event bus flow the whole time, independent of the
// voice state.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-evidence/pkg/core/bus"
	"github.com/vango-go/vai-evidence/pkg/core/extract"
	"github.com/vango-go/vai-evidence/pkg/core/live"
	"github.com/vango-go/vai-evidence/pkg/core/store"
	"github.com/vango-go/vai-evidence/pkg/core/types"
	"github.com/vango-go/vai-evidence/pkg/gateway/live/protocol"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateToolCall   State = "tool-call"
	StateClosing    State = "closing"
)

const (
	outboundPriorityQueueSize = 8
	mailboxSize               = 16
	cleanupTimeout            = 5 * time.Second
)

var errBackpressure = errors.New("live outbound backpressure")

// EvidenceSource returns a session with evidence, building it if needed.
type EvidenceSource interface {
	Ensure(ctx context.Context, id, focus string) (*types.Session, error)
}

// Bus is the part of the event bus the relay uses.
type Bus interface {
	Publish(sessionID string, s *types.Session)
	Subscribe(sessionID string, fn bus.Handler) (unsubscribe func())
}

type Config struct {
	MaxJSONMessageBytes    int64
	MaxAudioChunkBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	HandshakeTimeout       time.Duration
	ToolTimeout            time.Duration
	MaxDuration            time.Duration
	OutboundQueueSize      int
	Transcript             types.TranscriptLimits
}

type Dependencies struct {
	Conn      *websocket.Conn
	SessionID string
	RequestID string
	Store     store.Store
	Bus       Bus
	Dialer    live.Dialer
	Evidence  EvidenceSource
	// Peers reports other open relays on the same session. The relay only
	// marks the session offline when it is the last one.
	Peers  func() int
	Logger *slog.Logger
	Tracer trace.Tracer
	Config Config
	Now    func() time.Time
}

type Relay struct {
	conn      *websocket.Conn
	sessionID string
	requestID string
	store     store.Store
	bus       Bus
	dialer    live.Dialer
	evidence  EvidenceSource
	peers     func() int
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	stateMu sync.Mutex
	state   State

	// audioGen tags queued model audio; bumping it discards the backlog.
	audioGen atomic.Uint64

	// Owned by the Run goroutine.
	up         *lockedUpstream
	upCancel   context.CancelFunc
	upStream   uint64
	streamSeq  uint64
	upEvents   chan upstreamMsg
	userTurn   turn
	agentTurn  turn
	budget     *audioBudget
	budgetDeny bool

	wg sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type upstreamMsg struct {
	stream uint64
	event  *live.Event
	err    error
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Store == nil || deps.Bus == nil {
		return nil, fmt.Errorf("store and bus are required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Dialer == nil {
		deps.Dialer = live.DisabledDialer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("github.com/vango-go/vai-evidence/pkg/gateway/live/relay")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = 10 * time.Second
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = 90 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		conn:             deps.Conn,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		store:            deps.Store,
		bus:              deps.Bus,
		dialer:           deps.Dialer,
		evidence:         deps.Evidence,
		peers:            deps.Peers,
		logger:           deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		tracer:           deps.Tracer,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		state:            StateIdle,
		upEvents:         make(chan upstreamMsg, 16),
		userTurn:         turn{speaker: types.SpeakerUser},
		agentTurn:        turn{speaker: types.SpeakerAgent},
		budget:           newAudioBudget(deps.Now, deps.Config.MaxAudioFPS, deps.Config.MaxAudioBytesPerSecond, deps.Config.InboundBurstSeconds),
	}
	r.audioGen.Store(1)
	return r, nil
}

func (r *Relay) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Relay) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

// transition moves from one state to another only if the relay is still in
// from.
func (r *Relay) transition(from, to State) bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.state != from {
		return false
	}
	r.state = to
	return true
}

// Cancel tears the connection down from outside (shutdown).
func (r *Relay) Cancel() {
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
}

// Warn sends a non-fatal error notification to the client.
func (r *Relay) Warn(message string) error {
	if r == nil {
		return nil
	}
	return r.sendPriority(protocol.NewError(message))
}

// Run serves the connection until the client disconnects, the relay is
// canceled or the maximum duration elapses.
func (r *Relay) Run() error {
	defer r.cancel()

	if r.cfg.MaxJSONMessageBytes > 0 {
		r.conn.SetReadLimit(r.cfg.MaxJSONMessageBytes)
	}
	if r.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			return r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           r.conn,
			ctx:          r.ctx,
			pingInterval: r.cfg.PingInterval,
			writeTimeout: r.cfg.WriteTimeout,
			priority:     r.outboundPriority,
			normal:       r.outboundNormal,
			isStale:      func(gen uint64) bool { return gen != r.audioGen.Load() },
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	snapshot, err := r.store.Get(r.ctx, r.sessionID)
	if err != nil {
		_ = r.sendPriority(protocol.NewError("session unavailable"))
		r.shutdownWriter(writerErrCh)
		return err
	}

	mailbox := bus.NewMailbox(mailboxSize)
	unsubscribe := r.bus.Subscribe(r.sessionID, mailbox.Offer)
	defer r.shutdown(unsubscribe, writerErrCh)

	if err := r.sendPriority(protocol.NewSessionState(snapshot)); err != nil {
		return err
	}
	r.setWSState(r.ctx, types.WSStateConnected)

	readCh := make(chan inboundFrame, 64)
	go r.readLoop(readCh)

	var maxDuration <-chan time.Time
	if r.cfg.MaxDuration > 0 {
		timer := time.NewTimer(r.cfg.MaxDuration)
		defer timer.Stop()
		maxDuration = timer.C
	}

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case err := <-writerErrCh:
			return err
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			r.handleClientFrame(frame)
		case s := <-mailbox.C():
			_ = r.sendPriority(protocol.NewSessionState(s))
		case m := <-r.upEvents:
			r.handleUpstream(m)
		case <-maxDuration:
			_ = r.sendPriority(protocol.NewError("maximum live session duration reached"))
			return nil
		}
	}
}

func (r *Relay) shutdown(unsubscribe func(), writerErrCh <-chan error) {
	r.setState(StateClosing)
	unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	r.finishTurn(ctx, &r.userTurn)
	r.finishTurn(ctx, &r.agentTurn)
	r.closeUpstream()
	if r.peers == nil || r.peers() <= 0 {
		r.setWSState(ctx, types.WSStateOffline)
	}

	r.shutdownWriter(writerErrCh)
	r.wg.Wait()
}

func (r *Relay) shutdownWriter(writerErrCh <-chan error) {
	r.cancel()
	wait := 100 * time.Millisecond
	if r.cfg.WriteTimeout > 0 && r.cfg.WriteTimeout < wait {
		wait = r.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
	_ = r.conn.Close()
}

func (r *Relay) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-r.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Relay) handleClientFrame(frame inboundFrame) {
	if frame.messageType != websocket.TextMessage {
		_ = r.sendPriority(protocol.NewError("binary frames are not supported"))
		return
	}
	msg, err := protocol.DecodeClientMessage(frame.data, protocol.DecodeOptions{MaxAudioChunkBytes: r.cfg.MaxAudioChunkBytes})
	if err != nil {
		_ = r.sendPriority(protocol.NewError(err.Error()))
		return
	}

	switch m := msg.(type) {
	case protocol.ControlStart:
		r.startUpstream(m.MIMEType)
	case protocol.ControlStop:
		r.stopUpstream()
	case protocol.AudioChunk:
		r.forwardAudio(m)
	case protocol.TranscriptUser:
		r.userText(m.Chunk)
	}
}

func (r *Relay) startUpstream(mimeType string) {
	if !r.transition(StateIdle, StateConnecting) {
		_ = r.send(protocol.NewDebug("voice stream already active"))
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandshakeTimeout)
	ctx, span := r.tracer.Start(ctx, "live.dial")
	up, err := r.dialer.Dial(ctx, live.DialRequest{
		SystemPrompt:  r.systemPrompt(ctx),
		Tools:         []live.ToolSpec{evidenceTool},
		InputMIMEType: mimeType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	cancel()

	if err != nil {
		r.setState(StateIdle)
		message := "voice upstream unavailable"
		if errors.Is(err, live.ErrMissingCredentials) {
			message = live.ErrMissingCredentials.Error()
		} else {
			r.logger.Warn("live upstream dial failed", "error", err)
		}
		_ = r.sendPriority(protocol.NewError(message))
		return
	}

	r.streamSeq++
	upCtx, upCancel := context.WithCancel(r.ctx)
	r.up = &lockedUpstream{Upstream: up}
	r.upCancel = upCancel
	r.upStream = r.streamSeq
	if !r.transition(StateConnecting, StateStreaming) {
		r.closeUpstream()
		return
	}

	r.wg.Add(1)
	go r.receiveLoop(upCtx, r.up, r.upStream)
	_ = r.send(protocol.NewDebug("voice stream started"))
}

func (r *Relay) systemPrompt(ctx context.Context) string {
	subject := "the topic of this session"
	if s, err := r.store.Get(ctx, r.sessionID); err == nil {
		subject = extract.Truncate(extract.Sanitize(s.Subject()), 300)
	}
	return "You are a careful research companion discussing: " + subject + ". " +
		"Before stating facts, call " + evidenceToolName + " and ground every claim in its cards. " +
		"Name the source domain when you cite. Say plainly when evidence is thin, one-sided or missing. " +
		"Keep answers short and conversational."
}

func (r *Relay) stopUpstream() {
	if r.up == nil {
		_ = r.send(protocol.NewDebug("no active voice stream"))
		return
	}
	if err := r.up.EndAudio(r.ctx); err != nil {
		r.logger.Debug("live upstream end audio failed", "error", err)
	}
	r.finishTurn(r.ctx, &r.userTurn)
	r.finishTurn(r.ctx, &r.agentTurn)
	r.closeUpstream()
	r.setState(StateIdle)
	_ = r.send(protocol.NewDebug("voice stream stopped"))
}

func (r *Relay) closeUpstream() {
	if r.up == nil {
		return
	}
	if r.upCancel != nil {
		r.upCancel()
	}
	_ = r.up.Close()
	r.audioGen.Add(1)
	r.up = nil
	r.upCancel = nil
	r.upStream = 0
}

func (r *Relay) forwardAudio(chunk protocol.AudioChunk) {
	if r.up == nil {
		_ = r.sendPriority(protocol.NewError("no active voice stream; send control.start first"))
		return
	}
	if !r.budget.Allow(len(chunk.Data)) {
		if !r.budgetDeny {
			r.budgetDeny = true
			_ = r.sendPriority(protocol.NewError("inbound audio rate limit exceeded"))
		}
		return
	}
	r.budgetDeny = false
	if err := r.up.SendAudio(r.ctx, live.Audio{MIMEType: chunk.MIMEType, Data: chunk.Data}); err != nil {
		r.logger.Warn("live upstream send audio failed", "error", err)
		r.closeUpstream()
		r.setState(StateIdle)
		_ = r.sendPriority(protocol.NewError("voice upstream write failed"))
	}
}

func (r *Relay) userText(chunk types.TranscriptChunk) {
	if strings.TrimSpace(chunk.TurnID) == "" {
		chunk.TurnID = newTurnID()
	}
	if chunk.TimestampMs <= 0 {
		chunk.TimestampMs = r.now().UnixMilli()
	}
	if err := chunk.Validate(); err != nil {
		_ = r.sendPriority(protocol.NewError(err.Error()))
		return
	}
	r.writeChunk(r.ctx, chunk)
	if r.up != nil && !chunk.IsPartial {
		if err := r.up.SendText(r.ctx, chunk.Text); err != nil {
			r.logger.Debug("live upstream send text failed", "error", err)
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context, up *lockedUpstream, stream uint64) {
	defer r.wg.Done()
	for {
		ev, err := up.Receive(ctx)
		if err != nil {
			r.deliver(ctx, upstreamMsg{stream: stream, err: err})
			return
		}
		if ev == nil {
			continue
		}
		calls := ev.ToolCalls
		ev.ToolCalls = nil
		r.deliver(ctx, upstreamMsg{stream: stream, event: ev})
		if len(calls) > 0 {
			r.answerToolCalls(ctx, up, calls)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, m upstreamMsg) {
	select {
	case r.upEvents <- m:
	case <-ctx.Done():
	}
}

func (r *Relay) handleUpstream(m upstreamMsg) {
	if m.stream == 0 || m.stream != r.upStream {
		return
	}
	if m.err != nil {
		r.finishTurn(r.ctx, &r.userTurn)
		r.finishTurn(r.ctx, &r.agentTurn)
		r.closeUpstream()
		r.setState(StateIdle)
		if errors.Is(m.err, io.EOF) || errors.Is(m.err, context.Canceled) {
			_ = r.send(protocol.NewDebug("voice stream ended"))
			return
		}
		r.logger.Warn("live upstream receive failed", "error", m.err)
		_ = r.sendPriority(protocol.NewError("voice upstream closed unexpectedly"))
		return
	}

	ev := m.event
	if ev.InputTranscription != nil {
		r.addFragment(&r.userTurn, ev.InputTranscription)
	}
	if ev.OutputTranscription != nil {
		// The model answering closes the user's turn.
		r.finishTurn(r.ctx, &r.userTurn)
		r.addFragment(&r.agentTurn, ev.OutputTranscription)
	}
	if ev.Interrupted {
		r.audioGen.Add(1)
		r.finishTurn(r.ctx, &r.agentTurn)
	}
	gen := r.audioGen.Load()
	for _, a := range ev.Audio {
		if err := r.sendAudio(gen, protocol.NewAudioChunk(a.MIMEType, a.Data)); err != nil {
			r.logger.Debug("dropping model audio", "error", err)
			break
		}
	}
	if ev.TurnComplete {
		r.finishTurn(r.ctx, &r.userTurn)
		r.finishTurn(r.ctx, &r.agentTurn)
	}
}

func (r *Relay) setWSState(ctx context.Context, state types.WSState) {
	_, err := store.Mutate(ctx, r.store, r.bus, r.sessionID, func(s *types.Session) error {
		s.WSState = state
		return nil
	})
	if err != nil {
		r.logger.Warn("update ws state failed", "ws_state", state, "error", err)
	}
}

func (r *Relay) send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueueNormal(outboundFrame{payload: payload})
}

func (r *Relay) sendAudio(gen uint64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueueNormal(outboundFrame{payload: payload, stream: gen})
}

func (r *Relay) sendPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.enqueuePriority(outboundFrame{payload: payload})
}

func (r *Relay) enqueueNormal(frame outboundFrame) error {
	select {
	case r.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case r.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-r.outboundPriority:
		default:
		}
	}
	select {
	case r.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// lockedUpstream serializes sends: audio comes from the Run goroutine while
// tool results come from the receive goroutine.
type lockedUpstream struct {
	live.Upstream
	mu sync.Mutex
}

func (u *lockedUpstream) SendAudio(ctx context.Context, a live.Audio) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Upstream.SendAudio(ctx, a)
}

func (u *lockedUpstream) EndAudio(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Upstream.EndAudio(ctx)
}

func (u *lockedUpstream) SendText(ctx context.Context, text string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Upstream.SendText(ctx, text)
}

func (u *lockedUpstream) SendToolResults(ctx context.Context, results []live.ToolResult) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.Upstream.SendToolResults(ctx, results)
}
