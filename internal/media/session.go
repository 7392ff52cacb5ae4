package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/user/callpersona/internal/conversation"
	"github.com/user/callpersona/internal/metrics"
	"github.com/user/callpersona/internal/scenario"
	"github.com/user/callpersona/internal/stt"
	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/internal/turn"
	"github.com/user/callpersona/internal/types"
	"github.com/user/callpersona/pkg/llm"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnected State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is the duplex message transport of a call. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// CallEndedFunc is invoked once per call after its transcript was flushed.
type CallEndedFunc func(ctx context.Context, rec transcript.Record)

// Deps are the collaborators shared by every session of a Bridge. Nothing
// in Deps holds per-call state.
type Deps struct {
	Scenarios       *scenario.Store
	DefaultScenario string

	STT        stt.Dialer
	STTOptions stt.Options
	STTRetry   *stt.RetryPolicy

	Provider llm.Provider
	Synth    turn.Synthesizer
	Budget   *conversation.Budget

	Sink      transcript.Sink
	CallEnded CallEndedFunc

	CompletionTimeout time.Duration
	SynthesisTimeout  time.Duration
	CloseGrace        time.Duration
	WriteTimeout      time.Duration
	FlushTimeout      time.Duration
	// MaxInboundFPS limits inbound media frames per second; 0 disables.
	MaxInboundFPS float64

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Bridge creates one Session per accepted media connection.
type Bridge struct {
	deps Deps
}

// NewBridge creates a Bridge, filling unset durations with defaults.
func NewBridge(deps Deps) *Bridge {
	if deps.CloseGrace <= 0 {
		deps.CloseGrace = 2 * time.Second
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = 5 * time.Second
	}
	if deps.FlushTimeout <= 0 {
		deps.FlushTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.STTOptions == (stt.Options{}) {
		deps.STTOptions = stt.TelephonyOptions()
	}
	return &Bridge{deps: deps}
}

// Serve runs a session on conn until the call stops, the connection fails or
// ctx is cancelled. queryScenario is the scenario named in the connection
// URL, if any.
func (b *Bridge) Serve(ctx context.Context, conn Conn, queryScenario string) error {
	s := b.newSession(conn, queryScenario)
	return s.run(ctx)
}

// Session is the state of one call. It is owned by the goroutine running
// Serve; only the outbound path and State are used from other goroutines.
type Session struct {
	deps   *Deps
	conn   Conn
	connID types.ConnID
	logger *slog.Logger

	queryScenario string
	state         atomic.Int32
	limiter       *rate.Limiter

	// Bound at start.
	streamSID  types.StreamSID
	scenarioID string
	conv       *conversation.State
	stream     *stt.Stream
	controller *turn.Controller

	writeMu sync.Mutex
	sid     atomic.Value
}

func (b *Bridge) newSession(conn Conn, queryScenario string) *Session {
	connID := types.NewConnID()
	s := &Session{
		deps:          &b.deps,
		conn:          conn,
		connID:        connID,
		logger:        b.deps.Logger.With("conn_id", string(connID)),
		queryScenario: queryScenario,
	}
	if fps := b.deps.MaxInboundFPS; fps > 0 {
		burst := max(int(2*fps), 1)
		s.limiter = rate.NewLimiter(rate.Limit(fps), burst)
	}
	s.sid.Store("")
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.logger.Debug("session state", "from", from.String(), "to", to.String())
	}
}

func (s *Session) run(ctx context.Context) error {
	s.deps.Metrics.SessionOpened()
	s.logger.Info("media session connected", "query_scenario", s.queryScenario)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(loopDone)
		return s.readLoop(ctx, g, loopDone)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			// Unblock the read loop on shutdown or a failed task.
			s.conn.Close()
		case <-loopDone:
		}
		return nil
	})
	err := g.Wait()

	s.teardown(err)
	return err
}

func (s *Session) readLoop(ctx context.Context, g *errgroup.Group, loopDone <-chan struct{}) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.State() >= StateClosing || ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read media event: %w", err)
		}

		msg, err := ParseInbound(data)
		if err != nil {
			s.logger.Debug("skipping inbound message", "error", err)
			continue
		}

		switch msg.Event {
		case EventStart:
			first := s.State() == StateConnected
			if err := s.handleStart(ctx, msg); err != nil {
				return err
			}
			if first && s.stream != nil {
				stream := s.stream
				g.Go(func() error { return s.watchStream(stream, loopDone) })
			}
		case EventMedia:
			s.handleMedia(msg.Media)
		case EventStop:
			s.handleStop()
			return nil
		default:
			s.logger.Debug("ignoring event", "event", msg.Event)
		}
	}
}

// watchStream ends the session when the transcription stream dies on its own.
func (s *Session) watchStream(stream *stt.Stream, loopDone <-chan struct{}) error {
	select {
	case <-loopDone:
		return nil
	case <-stream.Done():
	}
	err := stream.Err()
	if err == nil || s.State() >= StateClosing {
		return nil
	}
	s.setState(StateClosing)
	s.conn.Close()
	return fmt.Errorf("transcription stream: %w", err)
}

func (s *Session) handleStart(ctx context.Context, msg *Inbound) error {
	if s.State() != StateConnected {
		s.logger.Warn("duplicate start ignored", "state", s.State().String())
		return nil
	}

	start := msg.Start
	sid := start.StreamSID
	if sid == "" {
		sid = msg.StreamSID
	}
	if sid == "" {
		sid = string(s.connID)
	}
	requested := start.CustomParameters["scenario"]
	if requested == "" {
		requested = s.queryScenario
	}
	if requested == "" {
		requested = s.deps.DefaultScenario
	}

	sc, prompt := s.deps.Scenarios.SystemPrompt(requested)
	s.streamSID = types.StreamSID(sid)
	s.sid.Store(sid)
	s.scenarioID = sc.ID
	s.conv = conversation.New(prompt)
	s.logger = s.logger.With("stream_sid", sid, "scenario", sc.ID)

	stream, err := stt.Open(ctx, s.deps.STT, s.deps.STTOptions, s.deps.STTRetry, stt.StreamConfig{
		OnDrop: func() { s.deps.Metrics.FrameDropped("queue_full") },
		Logger: s.logger,
	})
	if err != nil {
		s.setState(StateClosing)
		return fmt.Errorf("open transcription: %w", err)
	}
	s.stream = stream

	s.controller = turn.New(s.conv, s.deps.Provider, s.deps.Synth, s.sendAudio, turn.Config{
		CompletionTimeout: s.deps.CompletionTimeout,
		SynthesisTimeout:  s.deps.SynthesisTimeout,
		Budget:            s.deps.Budget,
		Metrics:           s.deps.Metrics,
		Logger:            s.logger,
	})
	s.controller.Start(ctx)
	stream.OnEvent(s.controller.HandleEvent)

	s.setState(StateActive)
	s.logger.Info("media stream started", "requested_scenario", requested)
	return nil
}

func (s *Session) handleMedia(media *MediaPayload) {
	if s.State() != StateActive {
		s.deps.Metrics.FrameDropped("not_active")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.deps.Metrics.FrameDropped("rate_limit")
		return
	}
	audio, err := media.Audio()
	if err != nil {
		s.deps.Metrics.FrameDropped("decode")
		s.logger.Debug("dropping media frame", "error", err)
		return
	}
	s.deps.Metrics.FrameIn()
	s.stream.SendAudio(audio)
}

// handleStop moves the session to CLOSING. Repeated stops are no-ops.
func (s *Session) handleStop() {
	switch s.State() {
	case StateConnected, StateActive:
		s.setState(StateClosing)
		s.logger.Info("media stream stopped")
	}
}

// sendAudio frames audio for the caller. Allowed in every state but CLOSED.
func (s *Session) sendAudio(audio []byte) error {
	if s.State() == StateClosed {
		return errors.New("session closed")
	}
	data, err := json.Marshal(NewOutbound(s.sid.Load().(string), audio))
	if err != nil {
		return fmt.Errorf("marshal outbound media: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.deps.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write outbound media: %w", err)
	}
	s.deps.Metrics.FrameOut()
	return nil
}

func (s *Session) teardown(cause error) {
	s.setState(StateClosing)
	if cause != nil {
		s.logger.Warn("media session failed", "error", cause)
	}

	if s.controller != nil {
		s.controller.Stop(s.deps.CloseGrace)
	}
	if s.stream != nil {
		if err := s.stream.Close(s.deps.CloseGrace); err != nil {
			s.logger.Debug("close transcription stream", "error", err)
		}
	}

	if s.streamSID != "" {
		s.flush()
	}

	s.setState(StateClosed)
	s.conn.Close()

	result := "normal"
	if cause != nil {
		result = "error"
	}
	s.deps.Metrics.SessionClosed(result)
	s.logger.Info("media session closed", "result", result)
}

func (s *Session) flush() {
	rec := transcript.Record{
		StreamSID: string(s.streamSID),
		Scenario:  s.scenarioID,
		Messages:  s.conv.Snapshot(),
		EndedAt:   time.Now(),
	}

	// The session context is already cancelled here.
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.FlushTimeout)
	defer cancel()

	if s.deps.Sink != nil {
		err := s.deps.Sink.Flush(ctx, rec)
		s.deps.Metrics.TranscriptFlushed(err)
		if err != nil {
			s.logger.Error("transcript flush failed", "error", err)
		} else {
			s.logger.Info("transcript saved", "messages", len(rec.Messages))
		}
	}
	if s.deps.CallEnded != nil {
		s.deps.CallEnded(ctx, rec)
	}
}
