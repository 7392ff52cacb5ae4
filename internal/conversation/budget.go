package conversation

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/callpersona/pkg/llm"
)

// perMessageOverhead approximates the role and separator tokens the chat
// format adds around each message.
const perMessageOverhead = 4

// Budget trims completion requests to fit the model's context window.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewBudget creates a Budget for model. maxTokens is the context window and
// reserve the number of tokens kept free for the reply. Unknown models use
// the cl100k_base encoding.
func NewBudget(model string, maxTokens, reserve int) (*Budget, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Budget{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// Count returns the approximate token count of messages.
func (b *Budget) Count(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += b.messageTokens(m)
	}
	return total
}

func (b *Budget) messageTokens(m llm.Message) int {
	return len(b.tokenizer.Encode(m.Content, nil, nil)) + perMessageOverhead
}

// Fit returns messages trimmed to the input budget. The system message and
// the newest message are always kept; the oldest user/assistant exchanges
// are dropped first. A nil Budget returns messages unchanged. The input
// slice is never modified.
func (b *Budget) Fit(messages []llm.Message) []llm.Message {
	if b == nil || len(messages) <= 2 {
		return messages
	}
	limit := b.maxTokens - b.reserve
	if limit <= 0 {
		return messages
	}

	sizes := make([]int, len(messages))
	total := 0
	for i, m := range messages {
		sizes[i] = b.messageTokens(m)
		total += sizes[i]
	}
	if total <= limit {
		return messages
	}

	// Drop from index 1 forward, a user message together with the assistant
	// reply that answered it.
	start := 1
	last := len(messages) - 1
	for total > limit && start < last {
		total -= sizes[start]
		start++
		if start < last && messages[start].Role == llm.RoleAssistant {
			total -= sizes[start]
			start++
		}
	}

	out := make([]llm.Message, 0, 1+len(messages)-start)
	out = append(out, messages[0])
	out = append(out, messages[start:]...)
	return out
}
