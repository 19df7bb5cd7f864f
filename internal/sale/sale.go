// Package sale derives the identity keys of a purchase event from whatever
// fields the observing channel happened to carry.
package sale

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"salewatch/internal/session"
)

// MaxKeyValue bounds the normalized length of one identity value.
const MaxKeyValue = 128

// Key prefixes, most specific first.
const (
	PrefixOrder     = "order:"
	PrefixCheckout  = "checkout:"
	PrefixSession   = "session:"
	PrefixSessionTS = "session_ts:"
	PrefixTS        = "ts:"
)

// Latest is one sale as reported by the latest-sale lookups and by sale
// frames on the push stream.
type Latest struct {
	OrderID       string    `json:"order_id,omitempty"`
	CheckoutToken string    `json:"checkout_token,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	PurchasedAt   time.Time `json:"purchased_at,omitempty"`
	Country       string    `json:"country,omitempty"`
	Product       string    `json:"product,omitempty"`
	Amount        float64   `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
}

// IsZero reports whether l identifies nothing.
func (l Latest) IsZero() bool {
	return len(Keys(FromLatest(l))) == 0
}

// Payload is the identity-bearing subset of any sale observation.
type Payload struct {
	OrderID       string
	CheckoutToken string
	SessionID     string
	PurchasedAt   time.Time
}

func FromSession(r session.Record) Payload {
	return Payload{
		OrderID:       r.OrderID,
		CheckoutToken: r.CheckoutToken,
		SessionID:     r.ID,
		PurchasedAt:   r.PurchasedAt,
	}
}

func FromLatest(l Latest) Payload {
	return Payload{
		OrderID:       l.OrderID,
		CheckoutToken: l.CheckoutToken,
		SessionID:     l.SessionID,
		PurchasedAt:   l.PurchasedAt,
	}
}

// FromSessionLatest describes the sale of a session record in lookup form.
func FromSessionLatest(r session.Record) Latest {
	product := ""
	if len(r.ProductHandles) > 0 {
		product = r.ProductHandles[0]
	}
	amount := r.OrderTotal
	if amount == 0 {
		amount = r.CartValue
	}
	return Latest{
		OrderID:       r.OrderID,
		CheckoutToken: r.CheckoutToken,
		SessionID:     r.ID,
		PurchasedAt:   r.PurchasedAt,
		Country:       r.Country,
		Product:       product,
		Amount:        amount,
		Currency:      r.Currency,
	}
}

// Keys returns the normalized identity keys of p, most specific first,
// without duplicates. Unusable values contribute nothing.
func Keys(p Payload) []string {
	var out []string
	seen := make(map[string]struct{}, 5)
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	order := Normalize(p.OrderID)
	checkout := Normalize(p.CheckoutToken)
	sess := Normalize(p.SessionID)
	ts := ""
	if !p.PurchasedAt.IsZero() && p.PurchasedAt.Unix() > 0 {
		ts = strconv.FormatInt(p.PurchasedAt.UnixMilli(), 10)
	}

	if order != "" {
		add(PrefixOrder + order)
	}
	if checkout != "" {
		add(PrefixCheckout + checkout)
	}
	if sess != "" {
		add(PrefixSession + sess)
		if ts != "" {
			add(PrefixSessionTS + sess + ":" + ts)
		}
	}
	if ts != "" {
		add(PrefixTS + ts)
	}
	return out
}

// Primary is the most specific key, used to name sound claims.
func Primary(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// Normalize lower-cases, trims and bounds v. Placeholder-like values
// normalize to "".
func Normalize(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "", "null", "undefined", "nan", "none", "nil":
		return ""
	}
	if len(v) > MaxKeyValue {
		v = v[:MaxKeyValue]
		for !utf8.ValidString(v) {
			v = v[:len(v)-1]
		}
	}
	return v
}

// Overlap reports whether two key sets share any key.
func Overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// Fill returns l with its missing fields taken from src.
func (l Latest) Fill(src Latest) Latest {
	if l.OrderID == "" {
		l.OrderID = src.OrderID
	}
	if l.CheckoutToken == "" {
		l.CheckoutToken = src.CheckoutToken
	}
	if l.SessionID == "" {
		l.SessionID = src.SessionID
	}
	if l.PurchasedAt.IsZero() {
		l.PurchasedAt = src.PurchasedAt
	}
	if l.Country == "" {
		l.Country = src.Country
	}
	if l.Product == "" {
		l.Product = src.Product
	}
	if l.Amount == 0 {
		l.Amount = src.Amount
		if l.Currency == "" {
			l.Currency = src.Currency
		}
	}
	return l
}
