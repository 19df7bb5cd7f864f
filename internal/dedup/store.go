// Package dedup remembers which sales were already announced, bounded and
// shared with other instances through the shared store.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"salewatch/internal/storage"
	"salewatch/pkg/logx"
)

const (
	StoreKey        = "salewatch:seen_sales:v1"
	DefaultCapacity = 500
)

// Store is the seen-sales set. The persisted form is a JSON array of keys,
// oldest first.
//
// The set is read from the shared store once; later writes overwrite what
// other instances persisted in the meantime.
type Store struct {
	kv  storage.Store
	log logx.Logger

	mu       sync.Mutex
	capacity int
	loaded   bool
	order    []string
	set      map[string]struct{}

	// gen counts changes to order; writing is set while one Remember call
	// owns persistence and keeps writing until the stored gen is current.
	gen     uint64
	writing bool
}

// New returns a Store backed by kv. A nil kv keeps the set in memory only.
func New(kv storage.Store, capacity int, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		kv:       kv,
		log:      log.With(logx.String("comp", "dedup")),
		capacity: capacity,
		set:      map[string]struct{}{},
	}
}

// Load reads the persisted set. Only the first call has an effect.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.kv == nil {
		return
	}
	raw, err := s.kv.Get(ctx, StoreKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Debug("seen sales load failed", logx.Err(err))
		}
		return
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		s.log.Debug("seen sales malformed; starting empty", logx.Err(err))
		return
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.set[k]; ok {
			continue
		}
		s.set[k] = struct{}{}
		s.order = append(s.order, k)
	}
	s.trimLocked()
	s.log.Debug("seen sales loaded", logx.Int("count", len(s.order)))
}

func (s *Store) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.loadLocked(ctx)
}

// ShouldAnnounce reports whether none of keys has been seen. An empty key set
// cannot be matched and is announced.
func (s *Store) ShouldAnnounce(keys []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	for _, k := range keys {
		if _, ok := s.set[k]; ok {
			return false
		}
	}
	return true
}

// Remember records keys, evicts the oldest beyond capacity and persists the
// set. Persistence failures are logged and otherwise ignored.
func (s *Store) Remember(ctx context.Context, keys []string) {
	s.mu.Lock()
	s.ensureLoadedLocked()
	added := 0
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := s.set[k]; ok {
			continue
		}
		s.set[k] = struct{}{}
		s.order = append(s.order, k)
		added++
	}
	if added == 0 {
		s.mu.Unlock()
		return
	}
	s.trimLocked()
	s.gen++
	if s.kv == nil || s.writing {
		s.mu.Unlock()
		return
	}
	s.writing = true
	s.mu.Unlock()
	s.flush(ctx)
}

// flush writes the newest set until no Remember happened during the last
// write, so the shared store never ends on an older set.
func (s *Store) flush(ctx context.Context) {
	for {
		s.mu.Lock()
		gen := s.gen
		snapshot := append([]string(nil), s.order...)
		s.mu.Unlock()

		if b, err := json.Marshal(snapshot); err != nil {
			s.log.Debug("seen sales encode failed", logx.Err(err))
		} else if err := s.kv.Set(ctx, StoreKey, string(b)); err != nil {
			s.log.Debug("seen sales persist failed", logx.Err(err), logx.Int("count", len(snapshot)))
		}

		s.mu.Lock()
		if s.gen == gen {
			s.writing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Store) trimLocked() {
	over := len(s.order) - s.capacity
	if over <= 0 {
		return
	}
	for _, k := range s.order[:over] {
		delete(s.set, k)
	}
	s.order = append(s.order[:0:0], s.order[over:]...)
}

// SetCapacity changes the bound; the set shrinks on the next Remember.
func (s *Store) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	s.mu.Lock()
	s.capacity = n
	s.mu.Unlock()
}

// Len returns the number of remembered keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Keys returns the remembered keys, oldest first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
