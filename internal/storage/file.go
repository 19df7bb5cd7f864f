package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "salewatch/pkg/logx"
)

// fileStore keeps every key in one JSON object file so that other instances
// pointed at the same path observe writes.
//
// Reads reuse the decoded map until the file's mtime or size changes.
// Writes are read-modify-write followed by an atomic rename; two instances
// writing at once may lose one update (last writer wins).
type fileStore struct {
	log  logx.Logger
	path string
	max  int

	mu      sync.Mutex
	closed  bool
	cache   map[string]string
	modTime time.Time
	size    int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if filepath.Ext(path) == "" {
		path += ".json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, max: cfg.MaxValueBytes}
	// Fail early on an unreadable file; a missing file is fine.
	s.mu.Lock()
	_, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocked returns the current map, re-reading the file when it changed.
func (s *fileStore) loadLocked() (map[string]string, error) {
	st, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.cache = map[string]string{}
		s.modTime = time.Time{}
		s.size = 0
		return s.cache, nil
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil && st.ModTime().Equal(s.modTime) && st.Size() == s.size {
		return s.cache, nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &m); err != nil {
			// A torn or foreign file must not take the feature down.
			s.log.Warn("file store unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
			m = map[string]string{}
		}
	}
	s.cache = m
	s.modTime = st.ModTime()
	s.size = st.Size()
	return m, nil
}

func (s *fileStore) writeLocked(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Force a reload on the next access so that mtime granularity cannot hide
	// a concurrent writer.
	s.cache = nil
	return nil
}

func (s *fileStore) Get(ctx context.Context, key string) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	m, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	v, ok := m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *fileStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	if err := checkQuota(s.max, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	next := make(map[string]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = value
	return s.writeLocked(next)
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := cur[key]; !ok {
		return nil
	}
	next := make(map[string]string, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	return s.writeLocked(next)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cache = nil
	s.mu.Unlock()
	return nil
}
