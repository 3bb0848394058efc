package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wideobs/widewatch/internal/models"
)

// TelegramSink delivers incident transitions via the Telegram Bot API.
type TelegramSink struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegramSink creates a Telegram sink.
func NewTelegramSink(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &TelegramSink{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

// Send formats and sends the transition with linear-backoff retry.
func (s *TelegramSink) Send(ctx context.Context, ev models.NotificationEvent) error {
	msg := tgbotapi.NewMessage(s.chatID, s.formatMessage(ev))
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < s.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.retryDelayBase * time.Duration(i)):
			}
		}
		if _, err := s.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("failed after %d retries: %w", s.maxRetries, lastErr)
}

func (s *TelegramSink) formatMessage(ev models.NotificationEvent) string {
	header := map[models.TransitionKind]string{
		models.TransitionOpened:    "🚨 *Incident opened*",
		models.TransitionEscalated: "⚠️ *Incident escalated*",
		models.TransitionResolved:  "✅ *Incident resolved*",
	}[ev.Kind]

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "📈 %s\n", escapeMarkdownV2(ev.SeriesID))
	fmt.Fprintf(&b, "Severity: *%s*\n", escapeMarkdownV2(string(ev.Severity)))
	fmt.Fprintf(&b, "Value: %s \\(expected %s, peak %sσ\\)\n",
		escapeMarkdownV2(fmt.Sprintf("%.2f", ev.Value)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", ev.Expected)),
		escapeMarkdownV2(fmt.Sprintf("%.1f", ev.PeakDeviation)),
	)
	fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(ev.Timestamp.UTC().Format("2006-01-02 15:04:05")))
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
