package media

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

	"github.com/user/callpersona/internal/scenario"
	"github.com/user/callpersona/internal/stt"
	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/pkg/llm"
)

const rescheduleGoal = "You need to move your existing Tuesday appointment to later in the week."

// fakeSTT is a transcription connection driven by the test.
type fakeSTT struct {
	events chan stt.Event
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames [][]byte
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{
		events: make(chan stt.Event, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeSTT) WriteAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeSTT) KeepAlive() error { return nil }

func (c *fakeSTT) ReadEvent() (stt.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeSTT) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeSTT) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type sttDialer struct {
	conns chan *fakeSTT
	err   error
}

func (d *sttDialer) Dial(ctx context.Context, opts stt.Options) (stt.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeSTT()
	d.conns <- c
	return c, nil
}

type recordingProvider struct {
	mu   sync.Mutex
	seen [][]llm.Message
}

func (p *recordingProvider) Complete(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	p.mu.Lock()
	p.seen = append(p.seen, append([]llm.Message(nil), messages...))
	p.mu.Unlock()
	return &llm.Response{Content: "My name is John Doe."}, nil
}

func (p *recordingProvider) calls() [][]llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]llm.Message(nil), p.seen...)
}

type toneSynth struct{}

func (toneSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte{0x7f, 0x7e, 0x7d, 0x7c}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []transcript.Record
}

func (s *recordingSink) Flush(ctx context.Context, rec transcript.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) all() []transcript.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Record(nil), s.records...)
}

type harness struct {
	url      string
	dialer   *sttDialer
	provider *recordingProvider
	sink     *recordingSink
	served   chan error
}

func newHarness(t *testing.T, tweak func(*Deps)) *harness {
	t.Helper()
	store, err := scenario.New([]scenario.Scenario{
		{ID: "new_appointment", Name: "New appointment", Prompt: "You want to book a first visit."},
		{ID: "scheduling", Name: "Reschedule", Prompt: rescheduleGoal},
	})
	require.NoError(t, err)

	h := &harness{
		dialer:   &sttDialer{conns: make(chan *fakeSTT, 1)},
		provider: &recordingProvider{},
		sink:     &recordingSink{},
		served:   make(chan error, 1),
	}
	deps := Deps{
		Scenarios:       store,
		DefaultScenario: "new_appointment",
		STT:             h.dialer,
		Provider:        h.provider,
		Synth:           toneSynth{},
		Sink:            h.sink,
		CloseGrace:      time.Second,
	}
	if tweak != nil {
		tweak(&deps)
	}
	bridge := NewBridge(deps)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.served <- err
			return
		}
		h.served <- bridge.Serve(context.Background(), conn, r.URL.Query().Get("scenario"))
	}))
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.served:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func (h *harness) sttConn(t *testing.T) *fakeSTT {
	t.Helper()
	select {
	case c := <-h.dialer.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("transcription stream was not opened")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func startMsg(sid string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": sid,
		"start":     map[string]any{"streamSid": sid, "customParameters": params},
	}
}

func mediaMsg(audio []byte) map[string]any {
	return map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(audio)},
	}
}

func silence(n int) []byte {
	return []byte(strings.Repeat("\xff", n))
}

func TestSession_EndToEndReply(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	send(t, conn, map[string]any{"event": "connected"})
	send(t, conn, startMsg("MZ100", map[string]string{"scenario": "scheduling"}))
	fake := h.sttConn(t)

	// Silence alone reaches the recognizer but never the model.
	send(t, conn, mediaMsg(silence(160)))
	require.Eventually(t, func() bool { return fake.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.provider.calls())

	fake.events <- stt.Final{Text: "What is your name?"}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var out Outbound
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, EventMedia, out.Event)
	assert.Equal(t, "MZ100", out.StreamSID)
	audio, err := out.Media.Audio()
	require.NoError(t, err)
	assert.NotEmpty(t, audio)

	calls := h.provider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, llm.RoleSystem, calls[0][0].Role)
	assert.Contains(t, calls[0][0].Content, rescheduleGoal)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "What is your name?"}, calls[0][1])

	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	// Exactly one outbound frame: the next read sees the closed socket.
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "scheduling", records[0].Scenario)
	assert.Equal(t, "MZ100", records[0].StreamSID)
	require.Len(t, records[0].Messages, 3)
	assert.Equal(t, "My name is John Doe.", records[0].Messages[2].Content)
}

func TestSession_MediaBeforeStartIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	send(t, conn, mediaMsg(silence(160)))
	send(t, conn, startMsg("MZ200", nil))
	fake := h.sttConn(t)
	send(t, conn, mediaMsg(silence(80)))
	require.Eventually(t, func() bool { return fake.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	assert.Equal(t, 1, fake.frameCount())
}

func TestSession_ScenarioPrecedence(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "?scenario=scheduling")

	send(t, conn, startMsg("MZ300", nil))
	h.sttConn(t)
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "scheduling", records[0].Scenario)
	assert.Contains(t, records[0].Messages[0].Content, rescheduleGoal)
}

func TestSession_UnknownScenarioFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	send(t, conn, startMsg("MZ301", map[string]string{"scenario": "nope"}))
	h.sttConn(t)
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "new_appointment", records[0].Scenario)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	var ended []transcript.Record
	var mu sync.Mutex
	h := newHarness(t, func(d *Deps) {
		d.CallEnded = func(ctx context.Context, rec transcript.Record) {
			mu.Lock()
			ended = append(ended, rec)
			mu.Unlock()
		}
	})
	conn := h.dial(t, "")

	send(t, conn, startMsg("MZ400", nil))
	h.sttConn(t)
	send(t, conn, map[string]any{"event": "stop"})
	// The second stop may race the server closing; either outcome is fine.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`))
	require.NoError(t, h.wait(t))

	assert.Len(t, h.sink.all(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, ended, 1)
}

func TestSession_MalformedMessagesSkipped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"media"}`)))
	send(t, conn, startMsg("MZ500", nil))
	fake := h.sttConn(t)
	send(t, conn, mediaMsg(silence(10)))
	require.Eventually(t, func() bool { return fake.frameCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	assert.Equal(t, 1, fake.frameCount())
}

func TestSession_NoFlushWithoutStart(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	send(t, conn, map[string]any{"event": "connected"})
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, h.wait(t))

	assert.Empty(t, h.sink.all())
}

func TestSession_TranscriptionFailureEndsSession(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.STT = &sttDialer{err: &stt.ConnectionError{Backend: "fake", Status: http.StatusUnauthorized, Err: errors.New("bad key")}}
	})
	conn := h.dial(t, "")

	send(t, conn, startMsg("MZ600", nil))
	err := h.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open transcription")
}

func TestSession_RateLimitDropsExcessFrames(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MaxInboundFPS = 1 })
	conn := h.dial(t, "")

	send(t, conn, startMsg("MZ700", nil))
	fake := h.sttConn(t)
	for i := 0; i < 20; i++ {
		send(t, conn, mediaMsg(silence(10)))
	}
	require.Eventually(t, func() bool { return fake.frameCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	// Burst of two plus at most one refill during the test.
	assert.LessOrEqual(t, fake.frameCount(), 3)
}

func TestSession_DuplicateStartIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.dial(t, "")

	send(t, conn, startMsg("MZ800", map[string]string{"scenario": "scheduling"}))
	h.sttConn(t)
	send(t, conn, startMsg("MZ801", nil))
	send(t, conn, map[string]any{"event": "stop"})
	require.NoError(t, h.wait(t))

	select {
	case <-h.dialer.conns:
		t.Fatal("duplicate start opened a second transcription stream")
	default:
	}
	records := h.sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, "MZ800", records[0].StreamSID)
	assert.Equal(t, "scheduling", records[0].Scenario)
}
