package stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds events from a channel and records written frames.
type fakeConn struct {
	events  chan Event
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	// ignoreClose keeps ReadEvent blocked after Close.
	ignoreClose bool

	mu         sync.Mutex
	frames     [][]byte
	keepAlives int
	writeBlock chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:  make(chan Event, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteAudio(frame []byte) error {
	if c.writeBlock != nil {
		<-c.writeBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlives++
	return nil
}

func (c *fakeConn) ReadEvent() (Event, error) {
	closed := c.closed
	if c.ignoreClose {
		closed = nil
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.readErr:
		return nil, err
	case <-closed:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

type fakeDialer struct {
	dial func(ctx context.Context, opts Options) (Conn, error)
}

func (d fakeDialer) Dial(ctx context.Context, opts Options) (Conn, error) {
	return d.dial(ctx, opts)
}

func TestStream_HandlerFailureDoesNotKillPump(t *testing.T) {
	conn := newFakeConn()
	s := newStream(conn, StreamConfig{})
	defer s.Close(time.Second)

	received := make(chan Event, 4)
	var calls atomic.Int32
	s.OnEvent(func(ev Event) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("handler failed")
		}
		received <- ev
		return nil
	})

	conn.events <- Final{Text: "first"}
	conn.events <- Final{Text: "second"}
	conn.events <- Final{Text: "third"}

	select {
	case ev := <-received:
		assert.Equal(t, Final{Text: "third"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("event after a panicking handler was not delivered")
	}
}

func TestStream_SendAudioInOrder(t *testing.T) {
	conn := newFakeConn()
	s := newStream(conn, StreamConfig{QueueSize: 64})

	for i := 0; i < 20; i++ {
		require.True(t, s.SendAudio([]byte{byte(i)}))
	}
	require.Eventually(t, func() bool { return len(conn.written()) == 20 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(time.Second))

	for i, f := range conn.written() {
		assert.Equal(t, byte(i), f[0])
	}
}

func TestStream_SendAudioNeverBlocks(t *testing.T) {
	conn := newFakeConn()
	conn.writeBlock = make(chan struct{})
	var drops atomic.Int32
	s := newStream(conn, StreamConfig{QueueSize: 1, OnDrop: func() { drops.Add(1) }})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.SendAudio([]byte{1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendAudio blocked on a stalled backend")
	}
	assert.Greater(t, s.Dropped(), int64(0))
	assert.Equal(t, s.Dropped(), int64(drops.Load()))

	close(conn.writeBlock)
	s.Close(time.Second)
	assert.False(t, s.SendAudio([]byte{1}), "closed stream accepts no audio")
}

func TestStream_KeepAliveWhenIdle(t *testing.T) {
	conn := newFakeConn()
	s := newStream(conn, StreamConfig{KeepAliveInterval: 10 * time.Millisecond})
	defer s.Close(time.Second)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.keepAlives >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStream_CloseIsBoundedAndIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.ignoreClose = true
	s := newStream(conn, StreamConfig{})

	start := time.Now()
	require.NoError(t, s.Close(50*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	require.NoError(t, s.Close(50*time.Millisecond))

	// Unblock the abandoned pump.
	conn.readErr <- io.EOF
}

func TestStream_ErrOnUnexpectedEnd(t *testing.T) {
	conn := newFakeConn()
	s := newStream(conn, StreamConfig{})
	defer s.Close(time.Second)

	conn.readErr <- errors.New("connection reset by peer")
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("pump did not exit")
	}
	assert.ErrorContains(t, s.Err(), "connection reset")
}

func TestStream_NormalEndHasNoErr(t *testing.T) {
	conn := newFakeConn()
	s := newStream(conn, StreamConfig{})
	defer s.Close(time.Second)

	conn.readErr <- io.EOF
	<-s.Done()
	assert.NoError(t, s.Err())
}

func TestOpen_RetriesTransientHandshake(t *testing.T) {
	var attempts int
	d := fakeDialer{dial: func(ctx context.Context, opts Options) (Conn, error) {
		attempts++
		if attempts < 2 {
			return nil, &ConnectionError{Backend: "fake", Status: 503, Err: errors.New("unavailable")}
		}
		return newFakeConn(), nil
	}}

	s, err := Open(context.Background(), d, TelephonyOptions(), fastPolicy(3), StreamConfig{})
	require.NoError(t, err)
	defer s.Close(time.Second)
	assert.Equal(t, 2, attempts)
}

func TestOpen_PermanentFailure(t *testing.T) {
	var attempts int
	d := fakeDialer{dial: func(ctx context.Context, opts Options) (Conn, error) {
		attempts++
		return nil, &ConnectionError{Backend: "fake", Status: 401, Err: errors.New("bad key")}
	}}

	_, err := Open(context.Background(), d, TelephonyOptions(), fastPolicy(3), StreamConfig{})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 401, cerr.Status)
	assert.Equal(t, 1, attempts)
}

func TestOpen_WrapsPlainErrors(t *testing.T) {
	d := fakeDialer{dial: func(ctx context.Context, opts Options) (Conn, error) {
		return nil, errors.New("invalid endpoint")
	}}
	_, err := Open(context.Background(), d, TelephonyOptions(), nil, StreamConfig{})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}
