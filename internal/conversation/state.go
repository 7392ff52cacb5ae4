// Package conversation holds the per-call message log that is sent to the
// chat model and persisted as the call transcript.
package conversation

import (
	"sync"

	"github.com/user/callpersona/pkg/llm"
)

// State is the ordered message log of one call. The first message is always
// the single system message; user and assistant messages follow in turn
// order. State is owned by exactly one session.
type State struct {
	mu       sync.Mutex
	messages []llm.Message
}

// New creates a State holding only systemPrompt.
func New(systemPrompt string) *State {
	s := &State{}
	s.Reset(systemPrompt)
	return s
}

// Reset clears the log to a single system message.
func (s *State) Reset(systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
}

// AppendUser appends a caller utterance.
func (s *State) AppendUser(text string) {
	s.append(llm.RoleUser, text)
}

// AppendAssistant appends a model reply.
func (s *State) AppendAssistant(text string) {
	s.append(llm.RoleAssistant, text)
}

func (s *State) append(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, llm.Message{Role: role, Content: text})
}

// DiscardLastUser removes the trailing message if it is a user message and
// reports whether it did. Used to roll back a turn whose completion failed.
func (s *State) DiscardLastUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	if n < 2 || s.messages[n-1].Role != llm.RoleUser {
		return false
	}
	s.messages = s.messages[:n-1]
	return true
}

// Snapshot returns a copy of the log in order.
func (s *State) Snapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages, including the system message.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// SystemPrompt returns the content of the system message.
func (s *State) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[0].Content
}
