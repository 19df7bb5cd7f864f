package telegram

import (
	"html"
	"strings"

	"salewatch/internal/toast"
)

// Text rendered with ParseMode HTML. Values are already escaped.
type htmlText string

func esc(s string) htmlText { return htmlText(html.EscapeString(s)) }

func bold(s string) htmlText { return "<b>" + esc(s) + "</b>" }

func join(sep string, parts ...htmlText) htmlText {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			ss = append(ss, string(p))
		}
	}
	return htmlText(strings.Join(ss, sep))
}

// Format renders a banner view as an HTML message. A hidden view renders
// as "".
func Format(v toast.View) string {
	if v.State == toast.Hidden {
		return ""
	}
	c := v.Content
	title := "💰 " + c.Title
	if c.Manual {
		title = "🔁 " + c.Title
	}
	lines := []htmlText{
		bold(title),
		join(" · ", esc("🌍 "+c.Country), esc(c.Product)),
		join(" · ", esc("💵 "+c.Amount), esc("🕒 "+c.When)),
	}
	if v.State == toast.Pinned {
		lines = append(lines, "<i>📌 pinned</i>")
	}
	return string(join("\n", lines...))
}
