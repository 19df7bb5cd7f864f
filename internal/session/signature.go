package session

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Signature fingerprints the fields of r that affect how its row renders.
// Two records with equal signatures are visually identical. salt is mixed in
// so that a change of binding (icon theme, config) invalidates every row.
func Signature(r Record, salt string) string {
	h := fnv.New64a()
	w := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	w(salt)
	w(strconv.FormatBool(r.HasPurchased))
	w(formatMillis(r.PurchasedAt.UnixMilli(), r.PurchasedAt.IsZero()))
	w(strconv.FormatFloat(r.OrderTotal, 'f', 2, 64))
	w(strings.ToUpper(strings.TrimSpace(r.Currency)))
	w(strconv.FormatFloat(r.CartValue, 'f', 2, 64))
	w(formatMillis(r.LastSeen.UnixMilli(), r.LastSeen.IsZero()))
	w(formatMillis(r.StartedAt.UnixMilli(), r.StartedAt.IsZero()))
	w(r.Device)
	w(r.Country)
	w(strconv.FormatBool(r.IsReturning()))
	w(strings.Join(r.ProductHandles, ","))
	return fmt.Sprintf("%016x", h.Sum64())
}

func formatMillis(ms int64, zero bool) string {
	if zero {
		return ""
	}
	return strconv.FormatInt(ms, 10)
}
