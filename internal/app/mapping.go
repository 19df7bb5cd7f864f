package app

import (
	"fmt"
	"strings"
	"time"

	"salewatch/internal/arbiter"
	"salewatch/internal/config"
	"salewatch/internal/dashboard"
	"salewatch/internal/httpapi"
	"salewatch/internal/reconcile"
	"salewatch/internal/scheduler"
	"salewatch/internal/snapshot"
	"salewatch/internal/storage"
	"salewatch/internal/stream"
	"salewatch/internal/telegram"
	"salewatch/internal/termview"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

// Scheduler job names.
const (
	jobSessions   = "poll.sessions"
	jobLatestSale = "poll.latest_sale"
)

const (
	defaultSessionsSchedule   = "30s"
	defaultLatestSaleSchedule = "20s"
	defaultCacheTTL           = 15 * time.Second
	defaultStreamMinBackoff   = time.Second
	defaultStreamMaxBackoff   = time.Minute
)

func mapLogConfig(cfg *config.Config) logx.Config {
	target := cfg.Logging.ConsoleTarget
	if cfg.TermView.Enabled {
		// the terminal view redraws stdout
		target = "stderr"
	}
	return logx.Config{
		Level:         cfg.Logging.Level,
		Console:       cfg.Logging.Console,
		ConsoleTarget: target,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	switch driver {
	case "memory":
	case "file", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return storage.Config{
		Driver:        driver,
		Path:          path,
		BusyTimeout:   busy,
		MaxValueBytes: sc.MaxValueBytes,
	}, true, nil
}

func mapSourceConfig(cfg *config.Config) (snapshot.HTTPConfig, time.Duration, error) {
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return snapshot.HTTPConfig{}, 0, err
	}
	ttl, err := config.ParseDurationOrDefault("source.cache_ttl", cfg.Source.CacheTTL, defaultCacheTTL)
	if err != nil {
		return snapshot.HTTPConfig{}, 0, err
	}
	return snapshot.HTTPConfig{
		BaseURL:      strings.TrimSpace(cfg.Source.BaseURL),
		Token:        cfg.Source.Token,
		SessionsPath: cfg.Source.SessionsPath,
		LatestPath:   cfg.Source.LatestPath,
		RecentPath:   cfg.Source.RecentPath,
		Timeout:      timeout,
	}, ttl, nil
}

type streamBackoff struct {
	min, max time.Duration
}

func mapStreamConfig(cfg *config.Config) (stream.Config, streamBackoff, error) {
	idle, err := config.ParseDurationField("stream.idle_timeout", cfg.Stream.IdleTimeout)
	if err != nil {
		return stream.Config{}, streamBackoff{}, err
	}
	minB, err := config.ParseDurationOrDefault("stream.min_backoff", cfg.Stream.MinBackoff, defaultStreamMinBackoff)
	if err != nil {
		return stream.Config{}, streamBackoff{}, err
	}
	maxB, err := config.ParseDurationOrDefault("stream.max_backoff", cfg.Stream.MaxBackoff, defaultStreamMaxBackoff)
	if err != nil {
		return stream.Config{}, streamBackoff{}, err
	}
	if maxB < minB {
		maxB = minB
	}
	return stream.Config{
		URL:         strings.TrimSpace(cfg.Stream.URL),
		Token:       cfg.Stream.Token,
		IdleTimeout: idle,
	}, streamBackoff{min: minB, max: maxB}, nil
}

func mapReconcileOptions(cfg *config.Config) (reconcile.Options, error) {
	frame, err := config.ParseDurationField("reconcile.frame_interval", cfg.Reconcile.FrameInterval)
	if err != nil {
		return reconcile.Options{}, err
	}
	ttl, err := config.ParseDurationField("reconcile.mark_ttl", cfg.Reconcile.MarkTTL)
	if err != nil {
		return reconcile.Options{}, err
	}
	return reconcile.Options{
		ChunkThreshold: cfg.Reconcile.ChunkThreshold,
		ChunkSize:      cfg.Reconcile.ChunkSize,
		MarkTTL:        ttl,
		Yielder:        reconcile.FrameYielder{Interval: frame},
	}, nil
}

func mapArbiterOptions(cfg *config.Config) (arbiter.Options, error) {
	delay, err := config.ParseDurationField("arbiter.claim_delay", cfg.Arbiter.ClaimDelay)
	if err != nil {
		return arbiter.Options{}, err
	}
	window, err := config.ParseDurationField("arbiter.window", cfg.Arbiter.Window)
	if err != nil {
		return arbiter.Options{}, err
	}
	return arbiter.Options{Window: window, ClaimDelay: delay}, nil
}

func mapDashboardOptions(cfg *config.Config) (dashboard.Options, error) {
	lookback, err := config.ParseDurationField("poll.boot_lookback", cfg.Poll.BootLookback)
	if err != nil {
		return dashboard.Options{}, err
	}
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return dashboard.Options{}, err
	}
	return dashboard.Options{
		Range:         strings.TrimSpace(cfg.Poll.Range),
		Limit:         cfg.Poll.Limit,
		BootLookback:  lookback,
		LookupTimeout: timeout,
		PinNewSales:   cfg.Toast.PinNewSales,
		Theme:         strings.ToLower(strings.TrimSpace(cfg.Reconcile.Theme)),
	}, nil
}

func mapAutoHide(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("toast.auto_hide", cfg.Toast.AutoHide, toast.DefaultAutoHide)
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Poll.Timezone, Spread: cfg.Poll.Spread}
}

// pollSchedules returns the effective schedules of both poll jobs.
func pollSchedules(cfg *config.Config) (sessions, latestSale string) {
	sessions = strings.TrimSpace(cfg.Poll.Sessions)
	if sessions == "" {
		sessions = defaultSessionsSchedule
	}
	latestSale = strings.TrimSpace(cfg.Poll.LatestSale)
	if latestSale == "" {
		latestSale = defaultLatestSaleSchedule
	}
	return sessions, latestSale
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool) {
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" || addr == "-" {
		return httpapi.Config{}, false
	}
	return httpapi.Config{Addr: addr, Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof}, true
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		ChatID:      cfg.Telegram.ChatID,
		ThreadID:    cfg.Telegram.ThreadID,
		Owners:      append([]int64(nil), cfg.Telegram.OwnerUserIDs...),
		RatePerSec:  cfg.Telegram.RatePerSec,
		PollTimeout: timeout,
	}, nil
}

func mapTermViewConfig(cfg *config.Config) termview.Config {
	return termview.Config{MaxRows: cfg.TermView.MaxRows}
}

// validate checks what config.Validate leaves to the app: schedule grammar
// and settings only the mapping layer understands.
func validate(cfg *config.Config) error {
	sessions, latestSale := pollSchedules(cfg)
	if _, err := scheduler.ParseSchedule(sessions); err != nil {
		return fmt.Errorf("poll.sessions: %w", err)
	}
	if _, err := scheduler.ParseSchedule(latestSale); err != nil {
		return fmt.Errorf("poll.latest_sale: %w", err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStreamConfig(cfg); err != nil {
		return err
	}
	if hc, ok := mapHTTPConfig(cfg); ok {
		if err := httpapi.CheckBind(hc.Addr, hc.Token); err != nil {
			return fmt.Errorf("http.addr: %w", err)
		}
	}
	return nil
}
