// Package messenger delivers thanks notifications as Telegram messages.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends instant messages through the Bot API.
type Telegram struct {
	api    botSender
	logger *slog.Logger
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", api.Self.UserName)
	return &Telegram{api: api, logger: logger}, nil
}

// Send posts text followed by url to chatID. Both are sent as plain text.
func (t *Telegram) Send(ctx context.Context, chatID int64, text, url string) error {
	message := text
	if url != "" {
		message = fmt.Sprintf("%s\n%s", text, url)
	}
	msg := tgbotapi.NewMessage(chatID, escapeMarkdown(message))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	err := retry.Do(
		func() error {
			startTime := time.Now()
			if _, err := t.api.Send(msg); err != nil {
				t.logger.Warn("Telegram send failed, will retry",
					"chat_id", chatID,
					"duration_ms", time.Since(startTime).Milliseconds(),
					"error", err)
				return err
			}
			t.logger.Info("Telegram message sent",
				"chat_id", chatID,
				"duration_ms", time.Since(startTime).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

var markdownReplacer = strings.NewReplacer(
	"\\", "\\\\",
	"_", "\\_",
	"*", "\\*",
	"[", "\\[",
	"]", "\\]",
	"(", "\\(",
	")", "\\)",
	"~", "\\~",
	"`", "\\`",
	">", "\\>",
	"#", "\\#",
	"+", "\\+",
	"-", "\\-",
	"=", "\\=",
	"|", "\\|",
	"{", "\\{",
	"}", "\\}",
	".", "\\.",
	"!", "\\!",
)

// escapeMarkdown escapes every MarkdownV2 control character.
func escapeMarkdown(text string) string {
	return markdownReplacer.Replace(text)
}
