package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

// TelegramSender posts plain-text messages to one chat. It never polls for
// updates.
type TelegramSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	opt := &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	}
	// telebot has no context-aware send; the http client timeout bounds the call.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, text, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
