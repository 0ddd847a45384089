package tgui

import (
	"html"
	"strings"
)

// H is HTML already safe for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text.
func Esc(s string) H { return H(html.EscapeString(s)) }

func tag(name, text string) H {
	return H("<" + name + ">" + html.EscapeString(text) + "</" + name + ">")
}

// B is bold text.
func B(s string) H { return tag("b", s) }

// S is struck-through text (used for the old price).
func S(s string) H { return tag("s", s) }

// Link is an anchor; both the URL and the text are escaped.
func Link(text, url string) H {
	return H(`<a href="` + html.EscapeString(url) + `">` + html.EscapeString(text) + `</a>`)
}

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	var sb strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(sep)
		}
		sb.WriteString(string(p))
	}
	return H(sb.String())
}
