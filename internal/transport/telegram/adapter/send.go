package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

// goneErrors mean the chat will never accept messages from the bot again.
var goneErrors = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
}

// mapError tags permanent provider refusals with kit.ErrRecipientGone.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	for _, g := range goneErrors {
		if errors.Is(err, g) {
			return fmt.Errorf("%w: %w", kit.ErrRecipientGone, err)
		}
	}
	return err
}

func sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opt == nil {
		return so
	}
	so.ParseMode = tele.ParseMode(opt.ParseMode)
	so.DisableWebPagePreview = opt.DisablePreview
	so.DisableNotification = opt.Silent
	so.ReplyMarkup = replyMarkup(opt.Markup)
	return so
}

func replyMarkup(m *kit.Markup) *tele.ReplyMarkup {
	if m.Empty() {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(m.Rows))
	for _, r := range m.Rows {
		btns := make([]tele.Btn, 0, len(r))
		for _, b := range r {
			btns = append(btns, rm.URL(b.Text, b.URL))
		}
		if len(btns) > 0 {
			rows = append(rows, rm.Row(btns...))
		}
	}
	rm.Inline(rows...)
	return rm
}

// SendText sends text, splitting it into several messages when it exceeds
// the provider limit. Markup is attached to the first part only.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	mode := kit.ParseNone
	if opt != nil {
		mode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, mode)
	chat := &tele.Chat{ID: int64(to)}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(opt)
		if i > 0 {
			so.ReplyMarkup = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia sends a photo. When Telegram refuses to fetch a remote URL
// itself, the file is downloaded here and uploaded: as a photo when it is
// an image, otherwise as a document.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatID, m kit.Media, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	chat := &tele.Chat{ID: int64(to)}
	caption := clipRunes(m.Caption, captionLimit)

	photo := &tele.Photo{File: mediaFile(m.Ref), Caption: caption, HasSpoiler: m.HasSpoiler}
	msg, err := a.bot.Send(chat, photo, sendOptions(opt))
	if err == nil {
		return kit.MessageRef{ChatID: to, MessageID: msg.ID}, nil
	}
	if !isRemote(m.Ref) || !needsUpload(err) {
		return kit.MessageRef{}, mapError(err)
	}

	a.log.Debug("remote media rejected; uploading", logx.String("ref", m.Ref), logx.Err(err))
	data, ctype, ferr := a.download(ctx, m.Ref)
	if ferr != nil {
		return kit.MessageRef{}, fmt.Errorf("%w (download fallback: %v)", mapError(err), ferr)
	}

	var what any
	if isImage(ctype, data) {
		what = &tele.Photo{File: tele.FromReader(bytes.NewReader(data)), Caption: caption, HasSpoiler: m.HasSpoiler}
	} else {
		what = &tele.Document{File: tele.FromReader(bytes.NewReader(data)), Caption: caption, FileName: fileName(m.Ref)}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err = a.bot.Send(chat, what, sendOptions(opt))
	if err != nil {
		return kit.MessageRef{}, mapError(err)
	}
	return kit.MessageRef{ChatID: to, MessageID: msg.ID}, nil
}

// mediaFile resolves a reference: URL, existing local path, or file id.
func mediaFile(ref string) tele.File {
	switch {
	case isRemote(ref):
		return tele.FromURL(ref)
	case fileExists(ref):
		return tele.FromDisk(ref)
	}
	return tele.File{FileID: ref}
}

func isRemote(ref string) bool {
	r := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(r, "http://") || strings.HasPrefix(r, "https://")
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

var uploadMarkers = []string{
	"wrong type of the web page content",
	"failed to get http url content",
	"wrong file identifier/http url specified",
}

// needsUpload reports whether Telegram failed to fetch the URL on its own.
func needsUpload(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range uploadMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// splitText cuts s into parts of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, mode kit.ParseMode) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if mode == kit.ParseHTML {
				open, closed := -1, -1
				for i := start; i < end; i++ {
					switch rs[i] {
					case '<':
						open = i
					case '>':
						closed = i
					}
				}
				if open > closed && open > start+1 {
					end = open
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func clipRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
