// Package tts synthesizes reply text into telephony audio.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSpeakURL = "https://api.deepgram.com/v1/speak"
	defaultModel    = "aura-asteria-en"
	defaultTimeout  = 15 * time.Second
)

// ErrEmptyText is returned when there is nothing to synthesize.
var ErrEmptyText = errors.New("empty text")

// Config configures the Deepgram speak client.
type Config struct {
	APIKey string
	URL    string
	Model  string
	// Encoding and SampleRate match the telephony leg so audio is never
	// transcoded.
	Encoding   string
	SampleRate int
	Timeout    time.Duration
}

// Deepgram synthesizes speech with the Deepgram speak REST API.
type Deepgram struct {
	config     Config
	httpClient *http.Client
}

// NewDeepgram creates a client producing raw 8kHz mu-law audio unless the
// config says otherwise.
func NewDeepgram(config Config) *Deepgram {
	if config.URL == "" {
		config.URL = defaultSpeakURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Encoding == "" {
		config.Encoding = "mulaw"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 8000
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	return &Deepgram{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type speakRequest struct {
	Text string `json:"text"`
}

func (d *Deepgram) endpoint() (string, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse speak url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.config.Model)
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Synthesize returns raw audio for text. An error or an empty result both
// mean no audio should be sent for this turn.
func (d *Deepgram) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(speakRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+d.config.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(audio, 512))
	}
	return audio, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
