// Package notify mirrors status reports to Telegram. It is a pure
// sink: trading never depends on it, and a missing token disables it.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Notifier sends report messages to one chat. A nil Notifier is valid
// and silently discards everything.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New connects the bot. An empty token returns (nil, nil): notification
// disabled.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram notifier connected")
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Send delivers one message. Failures are logged, never propagated.
func (n *Notifier) Send(text string) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
	}
}
