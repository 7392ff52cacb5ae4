package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/callpersona/internal/media"
	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/pkg/llm"
)

type mockSessions struct {
	ServeFunc func(ctx context.Context, conn media.Conn, queryScenario string) error
}

func (m *mockSessions) Serve(ctx context.Context, conn media.Conn, queryScenario string) error {
	return m.ServeFunc(ctx, conn, queryScenario)
}

func do(t *testing.T, srv http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(context.Background(), Options{})
	w := do(t, srv, http.MethodGet, "/health")

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestIndexBanner(t *testing.T) {
	srv := New(context.Background(), Options{})
	w := do(t, srv, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "running")

	w = do(t, srv, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type parsedVoice struct {
	Connect struct {
		Stream struct {
			URL        string `xml:"url,attr"`
			Parameters []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
}

func parseVoice(t *testing.T, body string) parsedVoice {
	t.Helper()
	var v parsedVoice
	require.NoError(t, xml.Unmarshal([]byte(body), &v))
	return v
}

func TestVoice_QueryMode(t *testing.T) {
	srv := New(context.Background(), Options{DefaultScenario: "new_appointment"})
	req := httptest.NewRequest(http.MethodPost, "/voice?scenario=scheduling", nil)
	req.Host = "calls.example.com"
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/xml", w.Header().Get("Content-Type"))
	v := parseVoice(t, w.Body.String())
	assert.Equal(t, "wss://calls.example.com/ws?scenario=scheduling", v.Connect.Stream.URL)
	assert.Empty(t, v.Connect.Stream.Parameters)
}

func TestVoice_ParameterMode(t *testing.T) {
	srv := New(context.Background(), Options{
		ScenarioMode: ModeParameter,
		PublicURL:    "https://abc.ngrok.app/",
	})
	w := do(t, srv, http.MethodGet, "/voice?scenario=refill")

	require.Equal(t, http.StatusOK, w.Code)
	v := parseVoice(t, w.Body.String())
	assert.Equal(t, "wss://abc.ngrok.app/ws", v.Connect.Stream.URL)
	require.Len(t, v.Connect.Stream.Parameters, 1)
	assert.Equal(t, "scenario", v.Connect.Stream.Parameters[0].Name)
	assert.Equal(t, "refill", v.Connect.Stream.Parameters[0].Value)
}

func TestVoice_DefaultScenario(t *testing.T) {
	srv := New(context.Background(), Options{DefaultScenario: "new_appointment"})
	w := do(t, srv, http.MethodGet, "/voice")
	v := parseVoice(t, w.Body.String())
	assert.True(t, strings.HasSuffix(v.Connect.Stream.URL, "/ws?scenario=new_appointment"), v.Connect.Stream.URL)
}

func TestVoiceMarkup_EscapesScenario(t *testing.T) {
	out, err := VoiceMarkup("wss://h/ws", "a&b <c>", ModeQuery)
	require.NoError(t, err)
	v := parseVoice(t, string(out))
	u, err := url.Parse(v.Connect.Stream.URL)
	require.NoError(t, err)
	assert.Equal(t, "a&b <c>", u.Query().Get("scenario"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := New(context.Background(), Options{Gatherer: reg})
	w := do(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_total 1")
}

func TestMediaEndpoint_HandsConnectionToSession(t *testing.T) {
	got := make(chan string, 1)
	sessions := &mockSessions{ServeFunc: func(ctx context.Context, conn media.Conn, queryScenario string) error {
		got <- queryScenario
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}}
	ts := httptest.NewServer(New(context.Background(), Options{Sessions: sessions}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?scenario=billing", nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case q := <-got:
		assert.Equal(t, "billing", q)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not served")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`)))
	_, echo, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"event":"connected"}`, string(echo))
}

func TestMediaEndpoint_RequiresUpgrade(t *testing.T) {
	srv := New(context.Background(), Options{Sessions: &mockSessions{}})
	w := do(t, srv, http.MethodGet, "/ws")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTranscriptAPI(t *testing.T) {
	store := transcript.NewFileStore(t.TempDir())
	require.NoError(t, store.Flush(context.Background(), transcript.Record{
		StreamSID: "MZ1",
		Scenario:  "refill",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a patient."},
			{Role: llm.RoleUser, Content: "Hello?"},
		},
	}))
	srv := New(context.Background(), Options{Transcripts: store})

	w := do(t, srv, http.MethodGet, "/api/transcripts")
	require.Equal(t, http.StatusOK, w.Code)
	var list []transcriptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "refill", list[0].Scenario)
	assert.Equal(t, "MZ1", list[0].StreamSID)

	w = do(t, srv, http.MethodGet, "/api/transcripts/"+list[0].Name)
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	var msgs []llm.Message
	require.NoError(t, json.Unmarshal(body, &msgs))
	assert.Equal(t, "Hello?", msgs[1].Content)

	w = do(t, srv, http.MethodGet, "/api/transcripts/call_x_missing.txt")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTranscriptAPI_NotConfigured(t *testing.T) {
	srv := New(context.Background(), Options{})
	w := do(t, srv, http.MethodGet, "/api/transcripts")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDrainWaitsForSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	sessions := &mockSessions{ServeFunc: func(ctx context.Context, conn media.Conn, queryScenario string) error {
		close(started)
		<-ctx.Done()
		return conn.Close()
	}}
	srv := New(ctx, Options{Sessions: sessions})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	<-started

	short, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer stop()
	assert.False(t, srv.Drain(short), "session should still be running")

	cancel()
	long, stop2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop2()
	assert.True(t, srv.Drain(long))
}
