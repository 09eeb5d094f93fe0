package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends alerts to a single Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	prefix string
}

func NewTelegramNotifier(token string, chatID int64, prefix string) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID, prefix: strings.TrimSpace(prefix)}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	if t.prefix != "" {
		b.WriteString("[")
		b.WriteString(t.prefix)
		b.WriteString("] ")
	}
	b.WriteString(severityMark(msg.Severity))
	b.WriteString(" ")
	b.WriteString(msg.Title)
	if msg.Body != "" {
		b.WriteString("\n")
		b.WriteString(msg.Body)
	}
	if !msg.At.IsZero() {
		b.WriteString("\n")
		b.WriteString(msg.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	}

	out := tgbotapi.NewMessage(t.chatID, b.String())
	out.DisableWebPagePreview = true
	if _, err := t.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func severityMark(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
