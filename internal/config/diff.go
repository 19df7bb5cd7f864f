package config

import (
	"reflect"
	"strings"

	"salewatch/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"source":   true,
	"stream":   true,
	"storage":  true,
	"tab":      true,
	"http":     true,
	"telegram": true,
	"termview": true,
}

// RestartRequired returns the changed sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange lists the changed top-level sections and returns
// log fields describing the new values. Tokens are reported only as set or
// unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}
	o, n := oldCfg, newCfg

	section("logging", !reflect.DeepEqual(o.Logging, n.Logging),
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file", n.Logging.File.Enabled),
	)
	section("source", !reflect.DeepEqual(o.Source, n.Source),
		logx.String("source.base_url", strings.TrimSpace(n.Source.BaseURL)),
		logx.Bool("source.token_set", n.Source.Token != ""),
		logx.String("source.cache_ttl", n.Source.CacheTTL),
	)
	section("stream", !reflect.DeepEqual(o.Stream, n.Stream),
		logx.Bool("stream.enabled", n.Stream.Enabled),
		logx.Bool("stream.token_set", n.Stream.Token != ""),
	)
	section("poll", !reflect.DeepEqual(o.Poll, n.Poll),
		logx.String("poll.sessions", n.Poll.Sessions),
		logx.String("poll.latest_sale", n.Poll.LatestSale),
		logx.String("poll.range", n.Poll.Range),
	)
	section("reconcile", !reflect.DeepEqual(o.Reconcile, n.Reconcile),
		logx.Int("reconcile.chunk_threshold", n.Reconcile.ChunkThreshold),
		logx.Int("reconcile.chunk_size", n.Reconcile.ChunkSize),
		logx.String("reconcile.theme", n.Reconcile.Theme),
	)
	section("dedup", o.Dedup != n.Dedup, logx.Int("dedup.capacity", n.Dedup.Capacity))
	section("arbiter", o.Arbiter != n.Arbiter,
		logx.String("arbiter.sound", n.Arbiter.Sound),
		logx.String("arbiter.claim_delay", n.Arbiter.ClaimDelay),
		logx.String("arbiter.window", n.Arbiter.Window),
	)
	section("toast", o.Toast != n.Toast,
		logx.String("toast.auto_hide", n.Toast.AutoHide),
		logx.Bool("toast.pin_new_sales", n.Toast.PinNewSales),
	)
	section("recent", o.Recent != n.Recent, logx.Int("recent.size", n.Recent.Size))
	section("storage", o.Storage != n.Storage,
		logx.String("storage.driver", n.Storage.Driver),
		logx.String("storage.path", n.Storage.Path),
	)
	section("tab", o.Tab != n.Tab, logx.String("tab.id_file", n.Tab.IDFile))
	section("http", o.HTTP != n.HTTP,
		logx.String("http.addr", n.HTTP.Addr),
		logx.Bool("http.pprof", n.HTTP.Pprof),
		logx.Bool("http.token_set", n.HTTP.Token != ""),
	)
	section("telegram", !reflect.DeepEqual(o.Telegram, n.Telegram),
		logx.Bool("telegram.enabled", n.Telegram.Enabled),
		logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
		logx.Bool("telegram.token_set", n.Telegram.Token != ""),
	)
	section("termview", o.TermView != n.TermView, logx.Bool("termview.enabled", n.TermView.Enabled))
	return changed, attrs
}
