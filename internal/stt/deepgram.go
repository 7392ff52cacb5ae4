package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Deepgram dials the Deepgram live transcription API.
type Deepgram struct {
	APIKey string
	// URL overrides the listen endpoint.
	URL              string
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame written to the backend.
	WriteTimeout time.Duration
}

// NewDeepgram creates a Deepgram dialer for apiKey.
func NewDeepgram(apiKey string) *Deepgram {
	return &Deepgram{
		APIKey:           apiKey,
		URL:              deepgramListenURL,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (d *Deepgram) listenURL(opts Options) (string, error) {
	base := d.URL
	if base == "" {
		base = deepgramListenURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse listen url: %w", err)
	}
	q := u.Query()
	q.Set("model", opts.Model)
	q.Set("language", opts.Language)
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("encoding", opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	if opts.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(opts.Endpointing.Milliseconds(), 10))
	}
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a live transcription connection.
func (d *Deepgram) Dial(ctx context.Context, opts Options) (Conn, error) {
	target, err := d.listenURL(opts)
	if err != nil {
		return nil, &ConnectionError{Backend: "deepgram", Err: err}
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				err = fmt.Errorf("%w: %s", err, body)
			}
			return nil, &ConnectionError{Backend: "deepgram", Status: resp.StatusCode, Err: err}
		}
		return nil, &ConnectionError{Backend: "deepgram", Err: err}
	}

	return &deepgramConn{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// closeWriteTimeout bounds the CloseStream and close frames sent on Close.
const closeWriteTimeout = time.Second

type deepgramConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

func (c *deepgramConn) write(messageType int, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *deepgramConn) WriteAudio(frame []byte) error {
	return c.write(websocket.BinaryMessage, frame)
}

func (c *deepgramConn) KeepAlive() error {
	return c.write(websocket.TextMessage, keepAliveMsg)
}

func (c *deepgramConn) ReadEvent() (Event, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		ev, ok, err := parseDeepgram(data)
		if err != nil {
			return nil, err
		}
		if ok {
			return ev, nil
		}
	}
}

func (c *deepgramConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	// A writer stuck on a stalled backend still holds writeMu; skip the
	// goodbye frames then and let conn.Close unblock it.
	var sendErr error
	if c.writeMu.TryLock() {
		sendErr = c.sendClose(time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
	}
	if err := c.conn.Close(); err != nil {
		return errors.Join(sendErr, fmt.Errorf("close connection: %w", err))
	}
	return sendErr
}

// sendClose writes CloseStream and the close frame. Callers hold writeMu.
func (c *deepgramConn) sendClose(deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send close stream: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, closeStreamMsg); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return fmt.Errorf("send close stream: %w", err)
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("send close frame: %w", err)
	}
	return nil
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgram maps a server message to an Event. Messages other than
// Results (Metadata, SpeechStarted, UtteranceEnd) report ok=false. Malformed
// JSON is skipped rather than ending the stream.
func parseDeepgram(data []byte) (Event, bool, error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, nil
	}
	switch msg.Type {
	case "Results":
	case "Error":
		return nil, false, fmt.Errorf("deepgram error: %s", data)
	default:
		return nil, false, nil
	}

	if len(msg.Channel.Alternatives) == 0 {
		return NoAlternative{IsFinal: msg.IsFinal}, true, nil
	}
	text := msg.Channel.Alternatives[0].Transcript
	if msg.IsFinal {
		return Final{Text: text}, true, nil
	}
	return Interim{Text: text}, true, nil
}
