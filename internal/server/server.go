// Package server is the HTTP surface: call setup markup, the media
// websocket and a small read-only transcript API.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/callpersona/internal/media"
	"github.com/user/callpersona/internal/transcript"
)

// Scenario delivery modes for the call setup markup.
const (
	ModeQuery     = "query"
	ModeParameter = "parameter"
)

// SessionServer runs one media session on an accepted connection.
type SessionServer interface {
	Serve(ctx context.Context, conn media.Conn, queryScenario string) error
}

// Options configures a Server.
type Options struct {
	// PublicURL overrides the host used in the media stream URL.
	PublicURL       string
	ScenarioMode    string
	DefaultScenario string

	Sessions    SessionServer
	Transcripts *transcript.FileStore
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
}

// Server routes HTTP requests to their handlers.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// baseCtx scopes media sessions to the server's lifetime.
	baseCtx context.Context
	active  sync.WaitGroup
}

// New creates a Server. ctx bounds every media session it accepts.
func New(ctx context.Context, opts Options) *Server {
	if opts.ScenarioMode == "" {
		opts.ScenarioMode = ModeQuery
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// The telephony provider connects without an Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux:     http.NewServeMux(),
		baseCtx: ctx,
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /voice", s.handleVoice)
	s.mux.HandleFunc("POST /voice", s.handleVoice)
	s.mux.HandleFunc("GET /ws", s.handleMedia)
	s.mux.HandleFunc("GET /api/transcripts", s.handleAPITranscripts)
	s.mux.HandleFunc("GET /api/transcripts/{name}", s.handleAPITranscript)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("callpersona is running\n"))
}

type voiceResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect voiceConnect `xml:"Connect"`
}

type voiceConnect struct {
	Stream voiceStream `xml:"Stream"`
}

type voiceStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []voiceParameter `xml:"Parameter,omitempty"`
}

type voiceParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	scenarioID := r.FormValue("scenario")
	if scenarioID == "" {
		scenarioID = s.opts.DefaultScenario
	}

	body, err := VoiceMarkup(s.streamBase(r), scenarioID, s.opts.ScenarioMode)
	if err != nil {
		s.logger.Error("render voice markup failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("call setup", "scenario", scenarioID, "mode", s.opts.ScenarioMode)

	w.Header().Set("Content-Type", "application/xml")
	w.Write(body)
}

// VoiceMarkup renders the call control document that points the telephony
// provider at streamURL. In query mode the scenario rides on the URL; in
// parameter mode it is sent as a custom stream parameter.
func VoiceMarkup(streamURL, scenarioID, mode string) ([]byte, error) {
	stream := voiceStream{URL: streamURL}
	if scenarioID != "" {
		switch mode {
		case ModeParameter:
			stream.Parameters = []voiceParameter{{Name: "scenario", Value: scenarioID}}
		default:
			stream.URL += "?scenario=" + url.QueryEscape(scenarioID)
		}
	}
	out, err := xml.Marshal(voiceResponse{Connect: voiceConnect{Stream: stream}})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// streamBase returns the wss:// URL of the media endpoint as seen from the
// public internet.
func (s *Server) streamBase(r *http.Request) string {
	host := r.Host
	if s.opts.PublicURL != "" {
		if u, err := url.Parse(s.opts.PublicURL); err == nil && u.Host != "" {
			host = u.Host
		} else {
			host = strings.TrimSuffix(s.opts.PublicURL, "/")
		}
	}
	return "wss://" + host + "/ws"
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sessions == nil {
		http.Error(w, "media sessions not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.active.Add(1)
	defer s.active.Done()
	if err := s.opts.Sessions.Serve(s.baseCtx, conn, r.URL.Query().Get("scenario")); err != nil {
		s.logger.Warn("media session ended with error", "remote", r.RemoteAddr, "error", err)
	}
}

// Drain waits for running media sessions to return, or for ctx to end. It
// reports whether every session finished. http.Server.Shutdown does not
// track hijacked connections, so callers cancel the base context and then
// Drain.
func (s *Server) Drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

type transcriptResponse struct {
	Name      string `json:"name"`
	Scenario  string `json:"scenario"`
	StreamSID string `json:"stream_sid"`
	Size      int64  `json:"size"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) handleAPITranscripts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcripts == nil {
		http.Error(w, `{"error":"transcript API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	infos, err := s.opts.Transcripts.List()
	if err != nil {
		s.logger.Error("list transcripts failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]transcriptResponse, 0, len(infos))
	for _, info := range infos {
		result = append(result, transcriptResponse{
			Name:      info.Name,
			Scenario:  info.Scenario,
			StreamSID: info.StreamSID,
			Size:      info.Size,
			UpdatedAt: info.ModTime.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleAPITranscript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcripts == nil {
		http.Error(w, `{"error":"transcript API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		http.Error(w, `{"error":"invalid name"}`, http.StatusBadRequest)
		return
	}

	messages, err := s.opts.Transcripts.Read(name)
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, `{"error":"transcript not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("read transcript failed", "name", name, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(messages)
}
