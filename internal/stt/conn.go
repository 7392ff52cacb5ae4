package stt

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Options are the audio and recognition parameters of a stream.
type Options struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Endpointing    time.Duration
	InterimResults bool
	SmartFormat    bool
}

// TelephonyOptions returns options for 8kHz mu-law telephony audio.
func TelephonyOptions() Options {
	return Options{
		Model:          "nova-2",
		Language:       "en-US",
		Encoding:       "mulaw",
		SampleRate:     8000,
		Endpointing:    5 * time.Second,
		InterimResults: true,
		SmartFormat:    true,
	}
}

// Dialer opens connections to a transcription backend.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Conn, error)
}

// Conn is one open backend connection. WriteAudio and KeepAlive are called
// from a single sender goroutine and ReadEvent from a single reader
// goroutine; Close may be called concurrently with both.
type Conn interface {
	WriteAudio(frame []byte) error
	KeepAlive() error
	// ReadEvent blocks for the next transcript event. It returns io.EOF
	// once the backend has closed the stream normally.
	ReadEvent() (Event, error)
	Close() error
}

// ConnectionError reports a failed backend handshake.
type ConnectionError struct {
	Backend string
	// Status is the HTTP status of a rejected handshake, or 0.
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s connect (status %d): %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s connect: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help.
func (e *ConnectionError) Permanent() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}
