// Package notify delivers order and risk events to humans.
package notify

import (
	"context"
	"errors"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"signal-core/pkg/logger"
)

// Notifier sends one plain-text message.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Telegram is a passive notifier posting to one chat.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
}

// NewTelegram connects to the Bot API. It fails when the token is rejected.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbot.APIEndpoint, chatID)
}

// NewTelegramWithEndpoint is NewTelegram against another Bot API server.
func NewTelegramWithEndpoint(token, endpoint string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is zero")
	}
	b, err := tgbot.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

// Send implements Notifier.
func (t *Telegram) Send(_ context.Context, msg string) error {
	if t == nil || t.bot == nil {
		return nil
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Log writes notifications to the logger. Used when Telegram is disabled.
type Log struct {
	log *zap.Logger
}

// NewLog returns a logging notifier.
func NewLog(log *zap.Logger) *Log {
	return &Log{log: logger.OrNop(log)}
}

// Send implements Notifier.
func (l *Log) Send(_ context.Context, msg string) error {
	l.log.Info("notify: " + msg)
	return nil
}
