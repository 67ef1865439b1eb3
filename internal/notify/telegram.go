// Package notify pushes operator alerts to Telegram: closed trades,
// rejected orders, and watchdog alarms. Delivery is best-effort; a
// failed send is logged and dropped, never retried into the hot path.
package notify

import (
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/quantsurge/tradecore/internal/bus"
	"github.com/quantsurge/tradecore/internal/models"
)

// Notifier forwards selected events to a Telegram chat. It is a bus
// sink with its own queue so a slow Telegram API never stalls the log
// writer.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan models.Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// New connects the bot. An empty token disables notifications and
// returns (nil, nil); callers treat a nil Notifier as "off".
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("📱 Telegram notifier connected")
	return &Notifier{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan models.Event, 256),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Enqueue implements the bus sink contract.
func (n *Notifier) Enqueue(e models.Event) {
	switch e.Type {
	case models.EventTradeClosed, models.EventOrderRejected, models.EventWatchdogAlarm:
	default:
		return
	}
	select {
	case n.queue <- e:
	default:
		log.Warn().Msg("telegram queue full, notification dropped")
	}
}

// Start launches the sender.
func (n *Notifier) Start() {
	go func() {
		defer close(n.doneCh)
		for {
			select {
			case <-n.stopCh:
				return
			case e := <-n.queue:
				n.send(e)
			}
		}
	}()
}

// Stop halts the sender.
func (n *Notifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
}

func (n *Notifier) send(e models.Event) {
	var payload map[string]any
	_ = json.Unmarshal([]byte(e.Payload), &payload)

	var text string
	switch e.Type {
	case models.EventTradeClosed:
		text = fmt.Sprintf("💰 Trade closed\nSymbol: %v\nExit: %v (%v)\nP&L: %v",
			payload["symbol"], payload["exitPrice"], payload["exitReason"], payload["realizedPnL"])
	case models.EventOrderRejected:
		text = fmt.Sprintf("🚫 Order rejected\nSymbol: %v\nCode: %v\n%v",
			payload["symbol"], payload["code"], payload["message"])
	case models.EventWatchdogAlarm:
		text = fmt.Sprintf("⚠️ Watchdog alarm\nCheck: %v", payload["check"])
	default:
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram send failed")
	}
}

// compile-time sink check
var _ bus.Sink = (*Notifier)(nil)
