package storage

import (
	"errors"
	"strings"
	"time"

	"freegamesbot/internal/transport"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + journal next to Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Item is one free-game promotion. Two items are the same promotion when
// their Title and Description match.
type Item struct {
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Thumbnail     string    `json:"thumbnail"`
	Page          string    `json:"page"`
	OriginalPrice string    `json:"original_price"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
}

func (it Item) Key() string { return it.Title + "\x00" + it.Description }

// Current reports whether the promotion runs at now (bounds inclusive).
func (it Item) Current(now time.Time) bool {
	return !now.Before(it.StartDate) && !now.After(it.EndDate)
}

func (it Item) Valid() bool { return strings.TrimSpace(it.Title) != "" }

// Recipient is a subscribed chat.
type Recipient struct {
	ChatID    transport.ChatID `json:"chat_id"`
	Active    bool             `json:"active"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Counts summarizes the recipient table.
type Counts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Items  int `json:"items"`
}

// AuditEntry records a delivery side effect worth keeping (deactivations,
// unclassified failures). Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time        `json:"at"`
	ChatID  transport.ChatID `json:"chat_id"`
	Action  string           `json:"action"`
	Outcome string           `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
	Ref     string           `json:"ref,omitempty"`
}
