package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/pkg/llm"
)

// maxSummaryLines caps how much of the conversation a notification quotes.
const maxSummaryLines = 6

// Summary renders a short human readable report of a finished call.
func Summary(rec transcript.Record) string {
	var turns []llm.Message
	for _, m := range rec.Messages {
		if m.Role != llm.RoleSystem {
			turns = append(turns, m)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Call ended: scenario %s, stream %s, %d messages", rec.Scenario, rec.StreamSID, len(turns))
	if len(turns) == 0 {
		return b.String()
	}
	b.WriteString("\n")
	if len(turns) > maxSummaryLines {
		fmt.Fprintf(&b, "... %d earlier\n", len(turns)-maxSummaryLines)
		turns = turns[len(turns)-maxSummaryLines:]
	}
	for _, m := range turns {
		b.WriteString(transcript.FormatMessage(m))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Notifier reports finished calls to a fixed set of targets.
type Notifier struct {
	registry *Registry
	targets  []string
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. An empty targets list makes it a no-op.
func NewNotifier(registry *Registry, targets []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{registry: registry, targets: targets, logger: logger}
}

// CallEnded delivers a summary of rec to every target. Failures are logged
// per target and do not stop the others.
func (n *Notifier) CallEnded(ctx context.Context, rec transcript.Record) {
	if n == nil || len(n.targets) == 0 {
		return
	}
	msg := Summary(rec)
	for _, target := range n.targets {
		if err := n.registry.Deliver(ctx, target, msg); err != nil {
			n.logger.Warn("call notification failed", "target", target, "stream_sid", rec.StreamSID, "error", err)
			continue
		}
		n.logger.Debug("call notification sent", "target", target, "stream_sid", rec.StreamSID)
	}
}

// LogHandler writes notifications to logger; register it under "log:".
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, target, message string) error {
		logger.InfoContext(ctx, "call notification", "target", target, "message", message)
		return nil
	}
}
