package notifier

import (
	"strings"
	"time"

	"freegamesbot/internal/storage"
	"freegamesbot/internal/transport"
	"freegamesbot/pkg/tgui"
)

const (
	WelcomeText = "✅ You have been successfully subscribed to Epic Games Store Free Games notifications!"
	PageButton  = "Game Page"

	dateLayout = "Jan 02 at 03:04 PM UTC"
)

// Caption renders an item as an HTML photo caption.
func Caption(it storage.Item) string {
	price := tgui.H("Free")
	if p := strings.TrimSpace(it.OriginalPrice); p != "" && p != "0" {
		price = tgui.S(p) + " → Free"
	}
	var b strings.Builder
	b.WriteString("🎮 " + tgui.B(it.Title).String() + "\n\n")
	b.WriteString("📖 " + tgui.B("About:").String() + "\n")
	b.WriteString(tgui.Esc(it.Description).String() + "\n\n")
	b.WriteString("💰 " + tgui.B("Price:").String() + " " + price.String() + "\n")
	b.WriteString("Start Date: " + formatDate(it.StartDate) + "\n")
	b.WriteString("End Date: " + formatDate(it.EndDate))
	return b.String()
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(dateLayout)
}

func itemMarkup(it storage.Item) *transport.Markup {
	if strings.TrimSpace(it.Page) == "" {
		return nil
	}
	return transport.URLButton(PageButton, it.Page)
}
