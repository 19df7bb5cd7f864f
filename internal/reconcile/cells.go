package reconcile

import (
	"strconv"
	"strings"

	"salewatch/internal/session"
)

// Theme names understood by Cells.
const (
	ThemeText  = "text"
	ThemeEmoji = "emoji"
)

// Cells is the default row builder: id, location, device, value, state,
// visitor and products.
func Cells(rec session.Record, theme string) []string {
	value := rec.CartValue
	if rec.HasPurchased && rec.OrderTotal > 0 {
		value = rec.OrderTotal
	}
	return []string{
		shortID(rec.ID),
		orDash(strings.ToUpper(rec.Country)),
		deviceLabel(rec.Device, theme),
		formatMoney(value, rec.Currency),
		stateLabel(rec.HasPurchased, theme),
		visitorLabel(rec.IsReturning(), theme),
		orDash(strings.Join(rec.ProductHandles, ", ")),
		lastSeen(rec),
	}
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func deviceLabel(device, theme string) string {
	d := strings.ToLower(strings.TrimSpace(device))
	if theme == ThemeEmoji {
		switch d {
		case "mobile", "phone":
			return "📱"
		case "tablet":
			return "📲"
		case "desktop":
			return "🖥"
		}
		return "❔"
	}
	return orDash(d)
}

func stateLabel(purchased bool, theme string) string {
	switch {
	case purchased && theme == ThemeEmoji:
		return "💰"
	case purchased:
		return "purchased"
	case theme == ThemeEmoji:
		return "👀"
	}
	return "browsing"
}

func visitorLabel(returning bool, theme string) string {
	switch {
	case returning && theme == ThemeEmoji:
		return "🔁"
	case returning:
		return "returning"
	case theme == ThemeEmoji:
		return "🆕"
	}
	return "new"
}

func formatMoney(v float64, currency string) string {
	if v == 0 {
		return "-"
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
		return s + " " + c
	}
	return s
}

func lastSeen(rec session.Record) string {
	if rec.LastSeen.IsZero() {
		return "-"
	}
	return rec.LastSeen.UTC().Format("15:04:05")
}
