package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freegamesbot/internal/delivery"
	"freegamesbot/internal/eventbus"
	"freegamesbot/internal/storage"
	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// EventAnnounced is published after a batch of new items was queued.
const EventAnnounced = "notifier.announced"

// Queue is the subset of the dispatcher the notifier needs.
type Queue interface {
	Enqueue(msg delivery.Message) error
	EnqueueBroadcast(msg delivery.Message) error
}

// Store is the subset of storage.Store the notifier needs.
type Store interface {
	UpsertRecipient(ctx context.Context, chat transport.ChatID) (bool, error)
	ActiveRecipients(ctx context.Context) ([]transport.ChatID, error)
	SaveItems(ctx context.Context, items []storage.Item) ([]storage.Item, error)
	CurrentItems(ctx context.Context, now time.Time) ([]storage.Item, error)
}

// IngestResult summarizes one Ingest call.
type IngestResult struct {
	Received   int `json:"received"`
	New        int `json:"new"`
	Recipients int `json:"recipients"`
	Queued     int `json:"queued"`
}

type Service struct {
	queue Queue
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(queue Queue, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		queue: queue,
		store: store,
		bus:   bus,
		log:   log.Component("notifier"),
		now:   time.Now,
	}
}

// Ingest stores items and announces the ones not seen before. Invalid
// items (no title) are dropped.
func (s *Service) Ingest(ctx context.Context, items []storage.Item) (IngestResult, error) {
	res := IngestResult{Received: len(items)}
	valid := items[:0:0]
	for _, it := range items {
		if it.Valid() {
			valid = append(valid, it)
		}
	}
	fresh, err := s.store.SaveItems(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("save items: %w", err)
	}
	res.New = len(fresh)
	if len(fresh) == 0 {
		s.log.Debug("no new items", logx.Int("received", res.Received))
		return res, nil
	}
	n, recipients, err := s.Announce(ctx, fresh)
	res.Queued, res.Recipients = n, recipients
	return res, err
}

// Announce queues one broadcast photo per item and active recipient, item
// by item. It returns the number of queued messages and recipients.
func (s *Service) Announce(ctx context.Context, items []storage.Item) (int, int, error) {
	chats, err := s.store.ActiveRecipients(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("active recipients: %w", err)
	}
	queued := 0
	for _, it := range items {
		caption, markup := Caption(it), itemMarkup(it)
		for _, chat := range chats {
			err := s.queue.EnqueueBroadcast(delivery.MediaMessage{
				To:        chat,
				MediaRef:  it.Thumbnail,
				Caption:   caption,
				Markup:    markup,
				ParseMode: transport.ParseHTML,
			})
			if errors.Is(err, delivery.ErrStopped) {
				return queued, len(chats), err
			}
			if err != nil {
				s.log.Warn("broadcast rejected", logx.Int64("chat_id", int64(chat)), logx.Err(err))
				continue
			}
			queued++
		}
	}
	s.log.Info("items announced",
		logx.Int("items", len(items)),
		logx.Int("recipients", len(chats)),
		logx.Int("queued", queued),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: EventAnnounced,
			Time: s.now(),
			Data: IngestResult{New: len(items), Recipients: len(chats), Queued: queued},
		})
	}
	return queued, len(chats), nil
}

// Welcome subscribes chat and queues the confirmation followed by every
// promotion running now, as direct messages.
func (s *Service) Welcome(ctx context.Context, chat transport.ChatID) error {
	created, err := s.store.UpsertRecipient(ctx, chat)
	if err != nil {
		return fmt.Errorf("subscribe %d: %w", chat, err)
	}
	if err := s.queue.Enqueue(delivery.TextMessage{To: chat, Body: WelcomeText}); err != nil {
		return err
	}
	items, err := s.store.CurrentItems(ctx, s.now())
	if err != nil {
		return fmt.Errorf("current items: %w", err)
	}
	for _, it := range items {
		err := s.queue.Enqueue(delivery.MediaMessage{
			To:        chat,
			MediaRef:  it.Thumbnail,
			Caption:   Caption(it),
			Markup:    itemMarkup(it),
			ParseMode: transport.ParseHTML,
		})
		if err != nil {
			return err
		}
	}
	s.log.Info("chat subscribed",
		logx.Int64("chat_id", int64(chat)),
		logx.Bool("new", created),
		logx.Int("items", len(items)),
	)
	return nil
}
