package notify

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const queueSize = 64

// Telegram sends alerts to one chat. Messages are queued and delivered by a
// background goroutine so callers never wait on the Telegram API.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	logger *zap.Logger
	queue  chan string
}

func NewTelegram(token string, chatID int64, logger *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:    b,
		chatID: chatID,
		logger: logger.With(zap.String("component", "telegram")),
		queue:  make(chan string, queueSize),
	}, nil
}

// Start delivers queued messages until ctx is done.
func (t *Telegram) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-t.queue:
				if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
					t.logger.Warn("Telegram send failed", zap.Error(err))
				}
			}
		}
	}()
}

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	select {
	case t.queue <- msg:
	default:
		t.logger.Warn("Telegram queue full, alert dropped", zap.String("msg", msg))
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// Log writes alerts to the logger when no Telegram bot is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.With(zap.String("component", "alerts"))}
}

func (l *Log) Send(msg string) { l.logger.Info(msg) }

func (l *Log) Sendf(format string, args ...any) { l.logger.Info(fmt.Sprintf(format, args...)) }
