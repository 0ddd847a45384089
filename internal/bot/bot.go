// Package bot holds the subscriber-facing chat behavior: the command table
// and the hooks that keep recipient state in sync with Telegram.
package bot

import (
	"context"
	"time"

	"freegamesbot/internal/delivery"
	"freegamesbot/internal/transport"
	"freegamesbot/internal/transport/telegram/router"
	logx "freegamesbot/pkg/logx"
)

const UnsubscribedText = "🔕 You have been unsubscribed. Send /start to subscribe again."

// Recipients is the recipient state the bot maintains.
type Recipients interface {
	UpsertRecipient(ctx context.Context, chat transport.ChatID) (bool, error)
	MarkInactive(ctx context.Context, chat transport.ChatID) error
}

// Welcomer subscribes a chat and replays the running promotions.
type Welcomer interface {
	Welcome(ctx context.Context, chat transport.ChatID) error
}

type Bot struct {
	recipients Recipients
	welcome    Welcomer
	queue      interface{ Enqueue(delivery.Message) error }
	log        logx.Logger
}

func New(recipients Recipients, welcome Welcomer, queue interface{ Enqueue(delivery.Message) error }, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{recipients: recipients, welcome: welcome, queue: queue, log: log.Component("bot")}
}

func (b *Bot) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "Subscribe to free games notifications",
			Timeout:     15 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				return b.welcome.Welcome(ctx, req.Chat)
			},
		},
		{
			Name:        "stop",
			Aliases:     []string{"unsubscribe"},
			Description: "Stop receiving notifications",
			Timeout:     10 * time.Second,
			Handle: func(ctx context.Context, req *router.Request) error {
				if err := b.recipients.MarkInactive(ctx, req.Chat); err != nil {
					return err
				}
				return b.queue.Enqueue(delivery.TextMessage{To: req.Chat, Body: UnsubscribedText})
			},
		},
	}
}

func (b *Bot) Hooks() router.Hooks {
	return router.Hooks{
		OnMessage:    b.onMessage,
		OnMembership: b.onMembership,
	}
}

// onMessage registers the chat, or reactivates it if it was marked
// inactive, whenever it writes to the bot.
func (b *Bot) onMessage(ctx context.Context, msg *transport.Message) {
	if msg.ChatID == 0 {
		return
	}
	created, err := b.recipients.UpsertRecipient(ctx, msg.ChatID)
	if err != nil {
		b.log.Warn("recipient upsert failed", logx.Int64("chat_id", int64(msg.ChatID)), logx.Err(err))
		return
	}
	if created {
		b.log.Info("new chat registered", logx.Int64("chat_id", int64(msg.ChatID)))
	}
}

// onMembership deactivates chats that removed or blocked the bot.
func (b *Bot) onMembership(ctx context.Context, ms *transport.Membership) {
	if !ms.New.Gone() {
		return
	}
	if err := b.recipients.MarkInactive(ctx, ms.ChatID); err != nil {
		b.log.Warn("mark inactive failed", logx.Int64("chat_id", int64(ms.ChatID)), logx.Err(err))
		return
	}
	b.log.Info("chat deactivated", logx.Int64("chat_id", int64(ms.ChatID)), logx.String("status", string(ms.New)))
}
