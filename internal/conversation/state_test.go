package conversation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/user/callpersona/pkg/llm"
)

func TestReset_SingleSystemMessage(t *testing.T) {
	s := New("first persona")
	s.AppendUser("hello")
	s.AppendAssistant("hi")

	s.Reset("second persona")
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, llm.RoleSystem, snap[0].Role)
	assert.Equal(t, "second persona", snap[0].Content)
	assert.Equal(t, "second persona", s.SystemPrompt())
}

func TestAppend_AlternatingOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		texts := rapid.SliceOf(rapid.String()).Draw(rt, "texts")
		s := New("system")
		for i, text := range texts {
			if i%2 == 0 {
				s.AppendUser(text)
			} else {
				s.AppendAssistant(text)
			}
		}

		snap := s.Snapshot()
		if len(snap) != 1+len(texts) {
			rt.Fatalf("expected %d messages, got %d", 1+len(texts), len(snap))
		}
		if snap[0].Role != llm.RoleSystem {
			rt.Fatalf("first message role = %q", snap[0].Role)
		}
		for i, text := range texts {
			wantRole := llm.RoleUser
			if i%2 == 1 {
				wantRole = llm.RoleAssistant
			}
			if snap[i+1].Role != wantRole || snap[i+1].Content != text {
				rt.Fatalf("message %d = %+v, want %s %q", i+1, snap[i+1], wantRole, text)
			}
		}
	})
}

func TestSnapshot_IsCopy(t *testing.T) {
	s := New("system")
	s.AppendUser("hello")

	snap := s.Snapshot()
	snap[1].Content = "mutated"

	assert.Equal(t, "hello", s.Snapshot()[1].Content)
}

func TestDiscardLastUser(t *testing.T) {
	s := New("system")
	assert.False(t, s.DiscardLastUser(), "system message must never be discarded")

	s.AppendUser("one")
	s.AppendAssistant("reply")
	assert.False(t, s.DiscardLastUser(), "assistant tail is not discarded")
	assert.Equal(t, 3, s.Len())

	s.AppendUser("two")
	assert.True(t, s.DiscardLastUser())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, llm.RoleAssistant, s.Snapshot()[2].Role)
}

func TestConcurrentAppend(t *testing.T) {
	s := New("system")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AppendUser("x")
			_ = s.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 51, s.Len())
}
