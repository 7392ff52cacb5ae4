package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/callpersona/internal/conversation"
	"github.com/user/callpersona/internal/metrics"
	"github.com/user/callpersona/internal/stt"
	"github.com/user/callpersona/pkg/llm"
)

// Synthesizer converts reply text into call audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Emitter sends synthesized audio to the caller.
type Emitter func(audio []byte) error

const defaultLaneSize = 100

// Config tunes a Controller. Zero timeouts disable the per-stage deadline.
type Config struct {
	CompletionTimeout time.Duration
	SynthesisTimeout  time.Duration
	LaneSize          int
	// Budget trims completion requests; nil sends the full log.
	Budget  *conversation.Budget
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller runs the turns of one session. Turns are queued on a FIFO lane
// drained by a single worker, so replies are produced and emitted strictly
// in the order their transcripts arrived.
type Controller struct {
	state    *conversation.State
	provider llm.Provider
	synth    Synthesizer
	emit     Emitter
	cfg      Config
	logger   *slog.Logger

	lane   chan *Turn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Controller for one session's conversation state.
func New(state *conversation.State, provider llm.Provider, synth Synthesizer, emit Emitter, cfg Config) *Controller {
	if cfg.LaneSize <= 0 {
		cfg.LaneSize = defaultLaneSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		state:    state,
		provider: provider,
		synth:    synth,
		emit:     emit,
		cfg:      cfg,
		logger:   logger,
		lane:     make(chan *Turn, cfg.LaneSize),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Cancelling ctx cancels in-flight work.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
}

// HandleEvent is the transcript handler for a session's stt.Stream. Only
// final transcripts with non-blank text start a turn; it never blocks.
func (c *Controller) HandleEvent(ev stt.Event) error {
	final, ok := ev.(stt.Final)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(final.Text)
	if text == "" {
		return nil
	}
	_, err := c.OnFinalTranscript(text)
	return err
}

// OnFinalTranscript queues a turn for text behind any turn in progress.
func (c *Controller) OnFinalTranscript(text string) (*Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil, fmt.Errorf("turn controller not running")
	}
	t := newTurn(text)
	select {
	case c.lane <- t:
		c.logger.Debug("turn queued", "turn_id", string(t.ID), "text", text)
		return t, nil
	default:
		return nil, fmt.Errorf("turn lane full (%d queued)", cap(c.lane))
	}
}

// Stop cancels in-flight work, discards queued turns and waits up to grace
// for the worker to exit. It returns false if the worker did not settle.
func (c *Controller) Stop(grace time.Duration) bool {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return true
	}
	c.stopped = true
	c.cancel()
	close(c.lane)
	c.mu.Unlock()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		c.logger.Warn("turn worker did not settle", "grace", grace)
		return false
	}
}

// WaitIdle blocks until the lane is empty and no turn is running, or the
// timeout expires. Returns true if idle, false if timed out.
func (c *Controller) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if c.active.Load() == 0 && len(c.lane) == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case t, ok := <-c.lane:
			if !ok {
				return
			}
			if c.ctx.Err() != nil {
				t.finish(StatusCanceled, c.ctx.Err())
				continue
			}
			c.active.Add(1)
			c.process(t)
			c.active.Add(-1)
		case <-c.ctx.Done():
			c.drain()
			return
		}
	}
}

// drain marks turns still queued at shutdown as canceled.
func (c *Controller) drain() {
	for {
		select {
		case t, ok := <-c.lane:
			if !ok {
				return
			}
			t.finish(StatusCanceled, c.ctx.Err())
		default:
			return
		}
	}
}

func (c *Controller) process(t *Turn) {
	log := c.logger.With("turn_id", string(t.ID))
	t.Status = StatusRunning
	t.StartedAt = time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("turn panicked", "panic", r)
			c.cfg.Metrics.Turn(string(StatusFailed))
			t.finish(StatusFailed, fmt.Errorf("turn panicked: %v", r))
		}
	}()

	status, err := c.execute(c.ctx, t)
	switch status {
	case StatusComplete:
		log.Info("turn complete", "duration", time.Since(t.StartedAt), "reply_chars", len(t.Reply), "audio_bytes", t.AudioLen)
	case StatusCanceled:
		log.Info("turn canceled", "error", err)
	default:
		var serr *StageError
		if errors.As(err, &serr) {
			c.cfg.Metrics.StageFailed(string(serr.Stage))
			log.Warn("turn failed", "stage", string(serr.Stage), "error", serr.Err)
		} else {
			log.Warn("turn failed", "error", err)
		}
	}
	c.cfg.Metrics.Turn(string(status))
	t.finish(status, err)
}

// execute runs the stages of t. A failed completion rolls back the user
// message so the log keeps alternating; a cancelled turn leaves it in place.
func (c *Controller) execute(ctx context.Context, t *Turn) (Status, error) {
	c.state.AppendUser(t.Text)

	reply, err := c.complete(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return StatusCanceled, ctx.Err()
		}
		c.state.DiscardLastUser()
		return StatusFailed, &StageError{Stage: StageCompletion, Err: err}
	}
	t.Reply = reply
	c.state.AppendAssistant(reply)

	audio, err := c.synthesize(ctx, reply)
	if err != nil {
		if ctx.Err() != nil {
			return StatusCanceled, ctx.Err()
		}
		return StatusFailed, &StageError{Stage: StageSynthesis, Err: err}
	}
	t.AudioLen = len(audio)

	if err := c.emit(audio); err != nil {
		return StatusFailed, &StageError{Stage: StageEmit, Err: err}
	}
	return StatusComplete, nil
}

func (c *Controller) complete(ctx context.Context) (string, error) {
	if c.cfg.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CompletionTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := c.provider.Complete(ctx, c.cfg.Budget.Fit(c.state.Snapshot()))
	c.cfg.Metrics.ObserveStage(string(StageCompletion), time.Since(start))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *Controller) synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.cfg.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SynthesisTimeout)
		defer cancel()
	}
	start := time.Now()
	audio, err := c.synth.Synthesize(ctx, text)
	c.cfg.Metrics.ObserveStage(string(StageSynthesis), time.Since(start))
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio")
	}
	return audio, nil
}
