// Package recent keeps the short newest-first list of sales shown next to the
// sessions table.
package recent

import (
	"sync"

	"salewatch/internal/eventbus"
	"salewatch/internal/sale"
)

const DefaultSize = 10

type List struct {
	bus eventbus.Bus

	mu    sync.Mutex
	size  int
	items []sale.Latest
}

func New(size int, bus eventbus.Bus) *List {
	if size <= 0 {
		size = DefaultSize
	}
	return &List{size: size, bus: bus}
}

// Seed replaces the list with items, which are newest first.
func (l *List) Seed(items []sale.Latest) {
	l.mu.Lock()
	l.items = l.items[:0:0]
	for _, it := range items {
		if it.IsZero() {
			continue
		}
		l.items = append(l.items, it)
	}
	l.trimLocked()
	out := l.snapshotLocked()
	l.mu.Unlock()
	eventbus.Publish(l.bus, eventbus.RecentChanged, out)
}

// Merge puts s at the front. An entry sharing any identity key with s is
// folded into it; fields s lacks keep their known values.
func (l *List) Merge(s sale.Latest) bool {
	keys := sale.Keys(sale.FromLatest(s))
	if len(keys) == 0 {
		return false
	}
	l.mu.Lock()
	merged := s
	kept := l.items[:0:0]
	for _, it := range l.items {
		if sale.Overlap(keys, sale.Keys(sale.FromLatest(it))) {
			merged = merged.Fill(it)
			continue
		}
		kept = append(kept, it)
	}
	l.items = append([]sale.Latest{merged}, kept...)
	l.trimLocked()
	out := l.snapshotLocked()
	l.mu.Unlock()
	eventbus.Publish(l.bus, eventbus.RecentChanged, out)
	return true
}

func (l *List) SetSize(n int) {
	if n <= 0 {
		n = DefaultSize
	}
	l.mu.Lock()
	l.size = n
	l.trimLocked()
	l.mu.Unlock()
}

func (l *List) Items() []sale.Latest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *List) trimLocked() {
	if len(l.items) > l.size {
		l.items = l.items[:l.size]
	}
}

func (l *List) snapshotLocked() []sale.Latest {
	return append([]sale.Latest(nil), l.items...)
}
