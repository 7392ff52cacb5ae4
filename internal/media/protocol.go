// Package media terminates the telephony media stream: it demultiplexes
// start/media/stop events from the call and frames synthesized audio back
// onto it.
package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks an inbound message that could not be understood.
var ErrProtocol = errors.New("media protocol error")

// Event names on the media stream.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Inbound is one message received from the telephony side.
type Inbound struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
}

// StartPayload describes the stream being opened.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaPayload carries one base64 audio frame.
type MediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// Outbound is one audio message sent back to the caller.
type Outbound struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     MediaPayload `json:"media"`
}

// ParseInbound decodes one inbound message. Start and media events must
// carry their payload objects.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch msg.Event {
	case "":
		return nil, fmt.Errorf("%w: missing event", ErrProtocol)
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("%w: start without payload", ErrProtocol)
		}
	case EventMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("%w: media without payload", ErrProtocol)
		}
	}
	return &msg, nil
}

// Audio decodes the media payload.
func (m *MediaPayload) Audio() ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrProtocol, err)
	}
	return audio, nil
}

// NewOutbound frames audio for streamSID.
func NewOutbound(streamSID string, audio []byte) Outbound {
	return Outbound{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
}
