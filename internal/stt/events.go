// Package stt streams call audio to a speech-to-text backend and delivers
// transcript events.
package stt

// Event is a transcript event. It is one of Interim, Final or NoAlternative.
type Event interface {
	isEvent()
}

// Interim is a partial result that the backend may still revise.
type Interim struct {
	Text string
}

// Final is a result the backend will no longer revise.
type Final struct {
	Text string
}

// NoAlternative is a result message that carried no transcript alternative.
type NoAlternative struct {
	IsFinal bool
}

func (Interim) isEvent()       {}
func (Final) isEvent()         {}
func (NoAlternative) isEvent() {}

// Handler receives transcript events. A returned error is logged by the
// stream and does not stop event delivery.
type Handler func(Event) error
