package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// Store is the persistence API used by the bot, notifier and dispatcher.
type Store interface {
	// UpsertRecipient registers chat (or reactivates it). created is true
	// for a chat never seen before.
	UpsertRecipient(ctx context.Context, chat transport.ChatID) (created bool, err error)
	// Reactivate flips a known inactive chat back to active. Unknown chats
	// are left alone; changed reports whether anything was updated.
	Reactivate(ctx context.Context, chat transport.ChatID) (changed bool, err error)
	MarkInactive(ctx context.Context, chat transport.ChatID) error
	ActiveRecipients(ctx context.Context) ([]transport.ChatID, error)
	Counts(ctx context.Context) (Counts, error)

	// SaveItems stores items not seen before and returns exactly those, in
	// input order.
	SaveItems(ctx context.Context, items []Item) (fresh []Item, err error)
	CurrentItems(ctx context.Context, now time.Time) ([]Item, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Component("storage")

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// dedupeInput drops invalid items and in-batch duplicates, keeping the first.
func dedupeInput(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.Valid() {
			continue
		}
		if _, ok := seen[it.Key()]; ok {
			continue
		}
		seen[it.Key()] = struct{}{}
		out = append(out, it)
	}
	return out
}
