// Package telegram sends LiveLabs notices to a Telegram chat.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jxucoder/livelabs/pkg/notify"
)

// Notifier sends notices through a Telegram bot.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

var _ notify.Notifier = (*Notifier)(nil)

// New authorizes the bot token and returns a Notifier for chatID.
func New(token string, chatID int64) (*Notifier, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, chatID)
}

// NewWithEndpoint is New against a custom Bot API endpoint.
func NewWithEndpoint(token, endpoint string, chatID int64) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}
	return &Notifier{api: api, chatID: chatID}, nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string { return "telegram" }

// Notify sends the notice as a plain-text message.
func (n *Notifier) Notify(ctx context.Context, nt notify.Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, notify.Summary(nt))
	msg.DisableWebPagePreview = true
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}
