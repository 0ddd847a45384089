package transport

import (
	"context"
	"errors"
	"strconv"
)

// ErrRecipientGone is returned (wrapped) by senders when the provider reports
// that the chat can no longer receive messages from the bot.
var ErrRecipientGone = errors.New("recipient unreachable")

// ChatID identifies a delivery target (private chat, group or channel).
type ChatID int64

func (c ChatID) String() string { return strconv.FormatInt(int64(c), 10) }

type ParseMode string

const (
	ParseNone       ParseMode = ""
	ParseHTML       ParseMode = "HTML"
	ParseMarkdown   ParseMode = "Markdown"
	ParseMarkdownV2 ParseMode = "MarkdownV2"
)

// Button is a single inline URL button.
type Button struct {
	Text string
	URL  string
}

// Markup is an inline keyboard, laid out as rows of buttons.
type Markup struct {
	Rows [][]Button
}

// URLButton returns a one-button markup.
func URLButton(text, url string) *Markup {
	return &Markup{Rows: [][]Button{{{Text: text, URL: url}}}}
}

func (m *Markup) Empty() bool {
	if m == nil {
		return true
	}
	for _, r := range m.Rows {
		if len(r) > 0 {
			return false
		}
	}
	return true
}

type SendOptions struct {
	ParseMode      ParseMode
	Markup         *Markup
	Silent         bool
	DisablePreview bool
}

// Media describes a photo-like attachment.
//
// Ref is either a remote URL (http/https) or a local file path.
type Media struct {
	Ref        string
	Caption    string
	HasSpoiler bool
}

type MessageRef struct {
	ChatID    ChatID
	MessageID int
}

type UpdateKind string

const (
	UpdateMessage    UpdateKind = "message"
	UpdateMembership UpdateKind = "membership"
)

type Update struct {
	Kind       UpdateKind
	Message    *Message
	Membership *Membership
}

// ChatID returns the chat the update belongs to (0 if unknown).
func (u Update) ChatID() ChatID {
	switch {
	case u.Message != nil:
		return u.Message.ChatID
	case u.Membership != nil:
		return u.Membership.ChatID
	}
	return 0
}

type Message struct {
	ID           int
	ChatID       ChatID
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type MemberStatus string

const (
	MemberCreator       MemberStatus = "creator"
	MemberAdministrator MemberStatus = "administrator"
	MemberMember        MemberStatus = "member"
	MemberRestricted    MemberStatus = "restricted"
	MemberLeft          MemberStatus = "left"
	MemberKicked        MemberStatus = "kicked"
)

// Gone reports whether the bot lost the ability to post in the chat.
func (s MemberStatus) Gone() bool { return s == MemberLeft || s == MemberKicked }

// Membership is the bot's own membership change in a chat.
type Membership struct {
	ChatID ChatID
	FromID int64
	Old    MemberStatus
	New    MemberStatus
}

// Sender is the outbound half of a chat transport.
type Sender interface {
	SendText(ctx context.Context, to ChatID, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatID, media Media, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the client-side command menu.
type BotCommand struct {
	Command     string
	Description string
}

type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// MenuSetter is implemented by adapters that can publish a command menu.
type MenuSetter interface {
	SetMenu(ctx context.Context, cmds []BotCommand) error
}
