package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramTransport sends outbound messages via the Telegram Bot API.
// Destination addresses are "telegram:<chatID>".
type TelegramTransport struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramTransport dials the Telegram Bot API with token. A nil
// return with a non-nil error means the transport is unusable; callers
// typically fall back to Loopback in that case rather than failing
// startup outright.
func NewTelegramTransport(token string) (*TelegramTransport, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errUnconfiguredTransport
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram transport init: %w", err)
	}
	return &TelegramTransport{bot: bot}, nil
}

func (t *TelegramTransport) Send(ctx context.Context, to, content string, threadID *string) error {
	_, chatIDStr, ok := strings.Cut(to, ":")
	if !ok {
		chatIDStr = to
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: invalid chat id %q: %w", to, err)
	}
	msg := tgbotapi.NewMessage(chatID, content)
	if threadID != nil {
		if tid, err := strconv.Atoi(*threadID); err == nil {
			msg.ReplyToMessageID = tid
		}
	}
	_, err = t.bot.Send(msg)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
