package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	telegramHTTPTimeout = 10 * time.Second

	// Telegram allows about one message per second to a single chat.
	telegramRateLimit = 1
	telegramRateBurst = 3
)

// botClient is the part of the bot API the sink uses.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink delivers notifications to one Telegram chat.
type TelegramSink struct {
	client  botClient
	chatID  int64
	limiter *rate.Limiter
}

// NewTelegramSink connects to the bot API with token and targets chatID.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	client := &http.Client{Timeout: telegramHTTPTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return newTelegramSink(bot, chatID), nil
}

func newTelegramSink(client botClient, chatID int64) *TelegramSink {
	return &TelegramSink{
		client:  client,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(telegramRateLimit), telegramRateBurst),
	}
}

// Notify sends the title in bold followed by the body.
func (s *TelegramSink) Notify(ctx context.Context, title, body string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	msg := tgbotapi.NewMessage(s.chatID, "<b>"+html.EscapeString(title)+"</b>\n"+html.EscapeString(body))
	msg.ParseMode = tgbotapi.ModeHTML
	if _, err := s.client.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
