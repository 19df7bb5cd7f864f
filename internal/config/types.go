package config

// Config is the salewatch configuration file.
//
// Durations are Go duration strings ("65ms", "8s", "2m"). Schedules accept
// cron expressions, Go durations or HH:MM intervals.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Source    SourceConfig    `json:"source"`
	Stream    StreamConfig    `json:"stream"`
	Poll      PollConfig      `json:"poll"`
	Reconcile ReconcileConfig `json:"reconcile"`
	Dedup     DedupConfig     `json:"dedup"`
	Arbiter   ArbiterConfig   `json:"arbiter"`
	Toast     ToastConfig     `json:"toast"`
	Recent    RecentConfig    `json:"recent"`
	Storage   StorageConfig   `json:"storage"`
	Tab       TabConfig       `json:"tab"`
	HTTP      HTTPConfig      `json:"http"`
	Telegram  TelegramConfig  `json:"telegram"`
	TermView  TermViewConfig  `json:"termview"`
}

type LoggingConfig struct {
	Level         string      `json:"level"`
	Console       bool        `json:"console"`
	ConsoleTarget string      `json:"console_target,omitempty"` // "stderr" (default) or "stdout"
	File          LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SourceConfig points at the dashboard API.
//
// Example:
//
//	"source": { "base_url": "https://shop.example/admin", "token": "...", "cache_ttl": "15s" }
type SourceConfig struct {
	BaseURL      string `json:"base_url"`
	Token        string `json:"token,omitempty"` // never logged
	SessionsPath string `json:"sessions_path,omitempty"`
	LatestPath   string `json:"latest_path,omitempty"`
	RecentPath   string `json:"recent_path,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	CacheTTL     string `json:"cache_ttl,omitempty"`
}

type StreamConfig struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url,omitempty"`
	Token       string `json:"token,omitempty"`
	MinBackoff  string `json:"min_backoff,omitempty"`
	MaxBackoff  string `json:"max_backoff,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type PollConfig struct {
	Sessions   string `json:"sessions"`
	LatestSale string `json:"latest_sale"`
	Timezone   string `json:"timezone,omitempty"`
	Range      string `json:"range,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	// BootLookback is how old a purchase seen in the first snapshot may be
	// and still be announced.
	BootLookback string `json:"boot_lookback,omitempty"`
	Spread       bool   `json:"spread,omitempty"`
}

type ReconcileConfig struct {
	ChunkThreshold int    `json:"chunk_threshold,omitempty"`
	ChunkSize      int    `json:"chunk_size,omitempty"`
	FrameInterval  string `json:"frame_interval,omitempty"`
	MarkTTL        string `json:"mark_ttl,omitempty"`
	Theme          string `json:"theme,omitempty"` // "text" or "emoji"
}

type DedupConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

type ArbiterConfig struct {
	ClaimDelay string `json:"claim_delay,omitempty"`
	Window     string `json:"window,omitempty"`
	Sound      string `json:"sound,omitempty"` // bell | command | none
	Command    string `json:"command,omitempty"`
}

type ToastConfig struct {
	AutoHide    string `json:"auto_hide,omitempty"`
	PinNewSales bool   `json:"pin_new_sales,omitempty"`
}

type RecentConfig struct {
	Size int `json:"size,omitempty"`
}

// StorageConfig selects the shared store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/salewatch/shared.db" }
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	MaxValueBytes int    `json:"max_value_bytes,omitempty"`
}

type TabConfig struct {
	IDFile string `json:"id_file,omitempty"`
}

// HTTPConfig controls the local control surface.
//
// Prefer a loopback address; the API has no authentication beyond the
// optional bearer token.
type HTTPConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
	Pprof bool   `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"`
	ChatID       int64   `json:"chat_id,omitempty"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	RatePerSec   int     `json:"rate_per_sec,omitempty"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
}

type TermViewConfig struct {
	Enabled bool `json:"enabled"`
	MaxRows int  `json:"max_rows,omitempty"`
}
