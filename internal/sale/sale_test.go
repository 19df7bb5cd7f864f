package sale

import (
	"strings"
	"testing"
	"time"

	"salewatch/internal/session"
)

func TestKeysNormalizeAndOrder(t *testing.T) {
	at := time.UnixMilli(1760000000123).UTC()
	got := Keys(Payload{
		OrderID:       "  ORD-77 ",
		CheckoutToken: "null",
		SessionID:     "Sess-1",
		PurchasedAt:   at,
	})
	want := []string{
		"order:ord-77",
		"session:sess-1",
		"session_ts:sess-1:1760000000123",
		"ts:1760000000123",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("keys=%v want %v", got, want)
	}
	if Primary(got) != "order:ord-77" {
		t.Fatalf("primary=%q", Primary(got))
	}
}

func TestKeysDiscardPlaceholders(t *testing.T) {
	for _, v := range []string{"", "  ", "NULL", "undefined", "NaN"} {
		if keys := Keys(Payload{OrderID: v, CheckoutToken: v, SessionID: v}); len(keys) != 0 {
			t.Errorf("%q produced keys %v", v, keys)
		}
	}
	if Primary(nil) != "" {
		t.Fatal("primary of nothing must be empty")
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("é", 100) // 200 bytes
	got := Normalize(long)
	if len(got) > MaxKeyValue {
		t.Fatalf("len=%d exceeds %d", len(got), MaxKeyValue)
	}
	if got != strings.Repeat("é", 64) {
		t.Fatalf("truncated on a rune boundary incorrectly: %q", got)
	}
}

func TestChannelsOverlap(t *testing.T) {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	rec := session.Record{ID: "s9", HasPurchased: true, PurchasedAt: at}
	fromStream := Keys(FromSession(rec))
	fromLookup := Keys(FromLatest(Latest{OrderID: "1001", SessionID: "S9", PurchasedAt: at}))

	shared := false
	for _, a := range fromStream {
		for _, b := range fromLookup {
			if a == b {
				shared = true
			}
		}
	}
	if !shared {
		t.Fatalf("no overlap between %v and %v", fromStream, fromLookup)
	}
}
