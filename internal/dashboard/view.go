package dashboard

import (
	"sort"
	"strings"

	"salewatch/internal/session"
)

// Sort orders.
const (
	SortSource   = ""
	SortLastSeen = "last_seen"
	SortStarted  = "started"
	SortValue    = "value"
)

// ViewState is the mutable page state of the sessions table. Range
// navigation resets it.
type ViewState struct {
	Range string `json:"range"`
	Sort  string `json:"sort"`
	Page  int    `json:"page"`
}

// Reset moves to range rng and drops sort and paging.
func (v *ViewState) Reset(rng string) {
	*v = ViewState{Range: rng}
}

// ValidSort reports whether s names a known order.
func ValidSort(s string) bool {
	switch s {
	case SortSource, SortLastSeen, SortStarted, SortValue:
		return true
	}
	return false
}

// apply sorts and pages recs. recs is not modified.
func (v ViewState) apply(recs []session.Record, pageSize int) []session.Record {
	out := append([]session.Record(nil), recs...)
	switch strings.ToLower(v.Sort) {
	case SortLastSeen:
		sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	case SortStarted:
		sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	case SortValue:
		sort.SliceStable(out, func(i, j int) bool { return value(out[i]) > value(out[j]) })
	}
	if pageSize <= 0 {
		return out
	}
	start := v.Page * pageSize
	if start >= len(out) {
		return nil
	}
	return out[start:min(start+pageSize, len(out))]
}

func value(r session.Record) float64 {
	if r.OrderTotal > 0 {
		return r.OrderTotal
	}
	return r.CartValue
}
