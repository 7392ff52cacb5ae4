// Package telegram sends call notifications to Telegram chats and answers
// a couple of read-only bot commands.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	maxTelegramMessage = 4096
	// TargetPrefix marks delivery targets handled by this package.
	TargetPrefix = "telegram:"
)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// RecentFunc returns short descriptions of the n most recent calls.
type RecentFunc func(n int) ([]string, error)

// Adapter delivers messages to Telegram chats.
type Adapter struct {
	bot    botAPI
	recent RecentFunc
	logger *slog.Logger
}

// New creates a Telegram adapter. recent may be nil.
func New(token string, recent RecentFunc, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, recent, logger), nil
}

func newAdapter(bot botAPI, recent RecentFunc, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{bot: bot, recent: recent, logger: logger.With("component", "telegram")}
}

// Deliver sends message to a "telegram:<chat_id>" target. Its signature
// matches delivery.Handler.
func (a *Adapter) Deliver(ctx context.Context, target, message string) error {
	chatID, err := ParseTarget(target)
	if err != nil {
		return err
	}
	return a.send(chatID, message)
}

// ParseTarget extracts the chat id from a "telegram:<chat_id>" target.
func ParseTarget(target string) (int64, error) {
	raw, ok := strings.CutPrefix(target, TargetPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram target: %q", target)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return chatID, nil
}

// Start long-polls for bot commands until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			a.handleCommand(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	var reply string
	switch msg.Command() {
	case "start":
		reply = fmt.Sprintf("callpersona will post call summaries here once %s%d is listed in notify.targets.", TargetPrefix, chatID)
	case "calls":
		reply = a.recentCalls()
	default:
		reply = "Unknown command. Available: /start, /calls"
	}
	if err := a.send(chatID, reply); err != nil {
		a.logger.Warn("send reply failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) recentCalls() string {
	if a.recent == nil {
		return "Call history is not available."
	}
	lines, err := a.recent(5)
	if err != nil {
		a.logger.Warn("list recent calls failed", "error", err)
		return "Error fetching recent calls."
	}
	if len(lines) == 0 {
		return "No calls recorded yet."
	}
	return strings.Join(lines, "\n")
}

func (a *Adapter) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Transcript lines contain brackets; retry as plain text.
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
