package delivery

import (
	"strings"

	"freegamesbot/internal/transport"
)

// Message is one outbound unit of work. The set of implementations is closed:
// TextMessage and MediaMessage.
type Message interface {
	Recipient() transport.ChatID
	// Kind is a short label for logs and metrics ("text", "media").
	Kind() string
	// Sendable is false when the payload is blank; such messages are skipped.
	Sendable() bool

	sealed()
}

type TextMessage struct {
	To        transport.ChatID
	Body      string
	Markup    *transport.Markup
	ParseMode transport.ParseMode
	Silent    bool
}

func (m TextMessage) Recipient() transport.ChatID { return m.To }
func (m TextMessage) Kind() string                { return "text" }
func (m TextMessage) Sendable() bool              { return strings.TrimSpace(m.Body) != "" }
func (TextMessage) sealed()                       {}

// MediaMessage sends a photo by URL or local path.
//
// LocalResource, when set, names a temporary file that is removed after a
// successful send.
type MediaMessage struct {
	To            transport.ChatID
	MediaRef      string
	Caption       string
	Markup        *transport.Markup
	HasSpoiler    bool
	Silent        bool
	ParseMode     transport.ParseMode
	LocalResource string
}

func (m MediaMessage) Recipient() transport.ChatID { return m.To }
func (m MediaMessage) Kind() string                { return "media" }
func (m MediaMessage) Sendable() bool              { return strings.TrimSpace(m.MediaRef) != "" }
func (MediaMessage) sealed()                       {}

func (m TextMessage) options() *transport.SendOptions {
	return &transport.SendOptions{ParseMode: m.ParseMode, Markup: m.Markup, Silent: m.Silent}
}

func (m MediaMessage) options() *transport.SendOptions {
	return &transport.SendOptions{ParseMode: m.ParseMode, Markup: m.Markup, Silent: m.Silent}
}

// describe renders a short, log-safe summary used in error reports.
func describe(msg Message) string {
	switch m := msg.(type) {
	case TextMessage:
		return "text to " + m.To.String() + ": " + excerpt(m.Body, 120)
	case MediaMessage:
		return "media to " + m.To.String() + ": " + excerpt(m.MediaRef, 200)
	}
	return "unknown message"
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
