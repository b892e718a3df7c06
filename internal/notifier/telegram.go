package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier delivers messages through the Telegram Bot API. The
// contact address is the numeric chat ID as a string.
type TelegramNotifier struct {
	api *tgbotapi.BotAPI
}

// NewTelegram creates a notifier on top of an existing bot API client.
func NewTelegram(api *tgbotapi.BotAPI) *TelegramNotifier {
	return &TelegramNotifier{api: api}
}

// Deliver sends the text to the chat identified by address.
func (t *TelegramNotifier) Deliver(ctx context.Context, address, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("invalid telegram chat ID %q: %v", address, err)}
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			// 429 and server-side errors are retryable; the rest of the
			// 4xx range (chat not found, bot blocked) is not.
			if apiErr.Code == 429 || apiErr.Code >= 500 {
				return &TransientError{Err: err}
			}
			return &PermanentError{Err: err}
		}
		return &TransientError{Err: err}
	}
	return nil
}
