package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks values that would otherwise fail later at apply time.
// Schedules are checked by the caller, which owns the schedule grammar.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Source.BaseURL) == "" {
		add(errors.New("source.base_url is required"))
	} else if u, err := url.Parse(cfg.Source.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add(fmt.Errorf("source.base_url: must be an http(s) URL"))
	}
	dur("source.timeout", cfg.Source.Timeout)
	dur("source.cache_ttl", cfg.Source.CacheTTL)

	if cfg.Stream.Enabled {
		u, err := url.Parse(cfg.Stream.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			add(errors.New("stream.url: must be a ws(s) URL when stream.enabled"))
		}
	}
	dur("stream.min_backoff", cfg.Stream.MinBackoff)
	dur("stream.max_backoff", cfg.Stream.MaxBackoff)
	dur("stream.idle_timeout", cfg.Stream.IdleTimeout)

	if tz := strings.TrimSpace(cfg.Poll.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("poll.timezone: invalid %q: %w", tz, err))
		}
	}
	if cfg.Poll.Limit < 0 {
		add(errors.New("poll.limit must be >= 0"))
	}
	dur("poll.boot_lookback", cfg.Poll.BootLookback)

	if cfg.Reconcile.ChunkThreshold < 0 || cfg.Reconcile.ChunkSize < 0 {
		add(errors.New("reconcile.chunk_threshold and reconcile.chunk_size must be >= 0"))
	}
	dur("reconcile.frame_interval", cfg.Reconcile.FrameInterval)
	dur("reconcile.mark_ttl", cfg.Reconcile.MarkTTL)
	switch strings.ToLower(strings.TrimSpace(cfg.Reconcile.Theme)) {
	case "", "text", "emoji":
	default:
		add(fmt.Errorf("reconcile.theme: unknown %q", cfg.Reconcile.Theme))
	}

	if cfg.Dedup.Capacity < 0 {
		add(errors.New("dedup.capacity must be >= 0"))
	}

	dur("arbiter.claim_delay", cfg.Arbiter.ClaimDelay)
	dur("arbiter.window", cfg.Arbiter.Window)
	switch strings.ToLower(strings.TrimSpace(cfg.Arbiter.Sound)) {
	case "", "bell", "none", "off":
	case "command":
		if strings.TrimSpace(cfg.Arbiter.Command) == "" {
			add(errors.New("arbiter.command is required when arbiter.sound=command"))
		}
	default:
		add(fmt.Errorf("arbiter.sound: unknown %q", cfg.Arbiter.Sound))
	}

	dur("toast.auto_hide", cfg.Toast.AutoHide)
	if cfg.Recent.Size < 0 {
		add(errors.New("recent.size must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(fmt.Errorf("storage.path is required when storage.driver=%s", cfg.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxValueBytes < 0 {
		add(errors.New("storage.max_value_bytes must be >= 0"))
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add(errors.New("telegram.token is required when telegram.enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id is required when telegram.enabled"))
		}
	}
	if cfg.Telegram.RatePerSec < 0 {
		add(errors.New("telegram.rate_per_sec must be >= 0"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	return errors.Join(errs...)
}

// ParseDurationField parses an optional non-negative duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
