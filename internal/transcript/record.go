// Package transcript persists finished call logs as "[ROLE]: content" lines.
package transcript

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/user/callpersona/pkg/llm"
)

// Record is one finished call's log.
type Record struct {
	StreamSID string
	Scenario  string
	Messages  []llm.Message
	EndedAt   time.Time
}

// Sink persists call records.
type Sink interface {
	Flush(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Flush(ctx context.Context, rec Record) error { return f(ctx, rec) }

var headerRe = regexp.MustCompile(`^\[(SYSTEM|USER|ASSISTANT)\]: ?`)

// escapeMark prefixes continuation lines that would otherwise read as a
// role header, and lines that already start with it.
const escapeMark = `\`

// FormatMessage renders one message as "[ROLE]: content".
func FormatMessage(m llm.Message) string {
	lines := strings.Split(m.Content, "\n")
	for i := 1; i < len(lines); i++ {
		if headerRe.MatchString(lines[i]) || strings.HasPrefix(lines[i], escapeMark) {
			lines[i] = escapeMark + lines[i]
		}
	}
	return fmt.Sprintf("[%s]: %s", strings.ToUpper(m.Role), strings.Join(lines, "\n"))
}

// Format renders messages one per line.
func Format(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(FormatMessage(m))
		b.WriteByte('\n')
	}
	return b.String()
}

// Parse reads text produced by Format. Content that spans several lines
// continues until the next line starting with a role prefix; escaped
// continuation lines lose their leading backslash.
func Parse(text string) ([]llm.Message, error) {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil, nil
	}

	var out []llm.Message
	for i, line := range strings.Split(text, "\n") {
		loc := headerRe.FindStringSubmatchIndex(line)
		if loc == nil {
			if len(out) == 0 {
				return nil, fmt.Errorf("line %d: missing role prefix", i+1)
			}
			out[len(out)-1].Content += "\n" + strings.TrimPrefix(line, escapeMark)
			continue
		}
		role := strings.ToLower(line[loc[2]:loc[3]])
		out = append(out, llm.Message{Role: role, Content: line[loc[1]:]})
	}
	return out, nil
}
