package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StreamConfig tunes a Stream. Zero values select defaults.
type StreamConfig struct {
	// QueueSize bounds the frames waiting to be written to the backend.
	QueueSize int
	// KeepAliveInterval is the idle period after which a keepalive is sent.
	KeepAliveInterval time.Duration
	// OnDrop is called for every frame dropped because the queue was full.
	OnDrop func()
	Logger *slog.Logger
}

const (
	defaultQueueSize = 256
	defaultKeepAlive = 5 * time.Second
)

// Stream is an open transcription session. Audio goes out through a sender
// goroutine and events come back through a receive pump; both are owned by
// the Stream and joined by Close.
type Stream struct {
	conn   Conn
	frames chan []byte
	logger *slog.Logger
	onDrop func()

	keepAlive time.Duration

	mu      sync.Mutex
	handler Handler

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	sendDone chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	err      error
}

// Open dials the backend, retrying transient handshake failures under
// policy (nil means a single attempt), and starts the stream's goroutines.
// Handshake failures are returned as *ConnectionError.
func Open(ctx context.Context, d Dialer, opts Options, policy *RetryPolicy, cfg StreamConfig) (*Stream, error) {
	if policy == nil {
		policy = &RetryPolicy{MaxAttempts: 1, Multiplier: 1}
	}

	var conn Conn
	err := policy.Execute(ctx, func(ctx context.Context) error {
		c, err := d.Dial(ctx, opts)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		var cerr *ConnectionError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &ConnectionError{Backend: "stt", Err: err}
	}

	return newStream(conn, cfg), nil
}

func newStream(conn Conn, cfg StreamConfig) *Stream {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAlive
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:      conn,
		frames:    make(chan []byte, cfg.QueueSize),
		logger:    cfg.Logger,
		onDrop:    cfg.OnDrop,
		keepAlive: cfg.KeepAliveInterval,
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		sendDone:  make(chan struct{}),
	}
	go s.pump()
	go s.send()
	return s
}

// OnEvent registers the handler for transcript events, replacing any earlier
// one. Events arriving while no handler is registered are discarded.
func (s *Stream) OnEvent(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// SendAudio queues one frame for the backend. It never blocks: when the
// queue is full or the stream is closed the frame is dropped and false is
// returned.
func (s *Stream) SendAudio(frame []byte) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
}

// Dropped returns the number of frames dropped by SendAudio.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}

// Done is closed when the receive pump has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.pumpDone
}

// Err returns the error that ended the receive pump, or nil if it ended
// normally or has not ended. Valid after Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.pumpDone:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) pump() {
	defer close(s.pumpDone)
	for {
		ev, err := s.conn.ReadEvent()
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.err = fmt.Errorf("read transcript event: %w", err)
				s.logger.Warn("transcription stream ended", "error", err)
			}
			return
		}
		s.dispatch(ev)
	}
}

func (s *Stream) dispatch(ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("transcript handler panicked", "panic", r)
		}
	}()
	if err := h(ev); err != nil {
		s.logger.Warn("transcript handler failed", "error", err)
	}
}

func (s *Stream) send() {
	defer close(s.sendDone)

	idle := time.NewTimer(s.keepAlive)
	defer idle.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.frames:
			if err := s.conn.WriteAudio(frame); err != nil {
				s.logger.Debug("write audio failed", "error", err)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.keepAlive)
		case <-idle.C:
			if err := s.conn.KeepAlive(); err != nil {
				s.logger.Debug("keepalive failed", "error", err)
			}
			idle.Reset(s.keepAlive)
		}
	}
}

// Close stops the sender, closes the backend connection and waits up to
// grace for the receive pump to exit. A pump that does not settle in time
// is logged and abandoned. Close is idempotent.
func (s *Stream) Close(grace time.Duration) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	wait, stop := context.WithTimeout(context.Background(), grace)
	defer stop()

	select {
	case <-s.sendDone:
	case <-wait.Done():
		s.logger.Warn("transcription sender did not settle", "grace", grace)
	}

	err := s.conn.Close()

	select {
	case <-s.pumpDone:
	case <-wait.Done():
		s.logger.Warn("transcription pump did not settle", "grace", grace)
	}
	return err
}
