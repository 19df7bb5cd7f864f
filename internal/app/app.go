package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"salewatch/internal/arbiter"
	"salewatch/internal/config"
	"salewatch/internal/dashboard"
	"salewatch/internal/dedup"
	"salewatch/internal/eventbus"
	"salewatch/internal/httpapi"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/runtime/supervisor"
	"salewatch/internal/scheduler"
	"salewatch/internal/snapshot"
	"salewatch/internal/sound"
	"salewatch/internal/storage"
	"salewatch/internal/stream"
	"salewatch/internal/telegram"
	"salewatch/internal/termview"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tabID string

	tree   *reconcile.MemTree
	rec    *reconcile.Reconciler
	cache  *snapshot.Cache
	dedup  *dedup.Store
	toast  *toast.Controller
	arb    *arbiter.Arbiter
	recent *recent.List
	dash   *dashboard.Dashboard
	sched  *scheduler.Service

	stream        *stream.Client
	streamBackoff streamBackoff
	http          *httpapi.Server
	tg            *telegram.Bot
	term          *termview.View
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	// Storage (optional). Without it every tab deduplicates and claims alone.
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		log.Warn("storage disabled; sale dedup and sound claims stay local to this process")
	}

	tabID, err := arbiter.TabID(cfg.Tab.IDFile)
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		tabID:   tabID,
	}
	if err := a.build(cfg); err != nil {
		if store != nil {
			_ = store.Close()
		}
		return fail(err)
	}
	log.Info("app ready", logx.String("tab", tabID), logx.String("source", cfg.Source.BaseURL))
	return a, nil
}

// build creates every component from cfg. Start runs them.
func (a *App) build(cfg *config.Config) error {
	base := a.log.With(logx.String("tab", a.tabID))

	player, err := sound.New(cfg.Arbiter.Sound, cfg.Arbiter.Command, os.Stdout)
	if err != nil {
		return err
	}
	arbOpts, err := mapArbiterOptions(cfg)
	if err != nil {
		return err
	}
	a.arb = arbiter.New(a.store, player, a.tabID, arbOpts, base)
	a.arb.OnResult = func(key string, o arbiter.Outcome) {
		a.log.Debug("sound claim", logx.String("key", key), logx.String("outcome", string(o)))
	}

	a.dedup = dedup.New(a.store, cfg.Dedup.Capacity, base)

	autoHide, err := mapAutoHide(cfg)
	if err != nil {
		return err
	}
	a.toast = toast.New(autoHide, a.bus, base)
	a.recent = recent.New(cfg.Recent.Size, a.bus)

	rOpts, err := mapReconcileOptions(cfg)
	if err != nil {
		return err
	}
	a.tree = reconcile.NewMemTree()
	a.rec = reconcile.New(rOpts, base)

	srcCfg, ttl, err := mapSourceConfig(cfg)
	if err != nil {
		return err
	}
	src, err := snapshot.NewHTTP(srcCfg, base)
	if err != nil {
		return err
	}
	a.cache = snapshot.NewCache(src, ttl)

	dOpts, err := mapDashboardOptions(cfg)
	if err != nil {
		return err
	}
	a.dash = dashboard.New(dashboard.Deps{
		Cache:      a.cache,
		Reconciler: a.rec,
		Tree:       a.tree,
		Dedup:      a.dedup,
		Toast:      a.toast,
		Arbiter:    a.arb,
		Recent:     a.recent,
		Bus:        a.bus,
	}, dOpts, base)

	a.sched = scheduler.New(mapSchedulerConfig(cfg), base)
	if err := a.addPollJobs(cfg); err != nil {
		return err
	}

	if cfg.Stream.Enabled {
		sc, backoff, err := mapStreamConfig(cfg)
		if err != nil {
			return err
		}
		a.stream = stream.New(sc, a.dash, base)
		a.streamBackoff = backoff
	}

	if hc, ok := mapHTTPConfig(cfg); ok {
		a.http = httpapi.New(hc, httpapi.Deps{
			Dashboard: a.dash,
			Tree:      a.tree,
			Toast:     a.toast,
			Recent:    a.recent,
			Bus:       a.bus,
			TabID:     a.tabID,
			Loops:     a.loops,
		}, base)
	}

	if cfg.Telegram.Enabled {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return err
		}
		a.tg, err = telegram.New(tc, a.controls(), base)
		if err != nil {
			return err
		}
		a.toast.AddSurface(a.tg.Surface())
	}

	if cfg.TermView.Enabled {
		a.term = termview.New(mapTermViewConfig(cfg), a.tree, a.toast, a.recent, a.bus, os.Stdout, base)
	}
	return nil
}

// addPollJobs registers (or replaces) both poll jobs.
func (a *App) addPollJobs(cfg *config.Config) error {
	sessions, latestSale := pollSchedules(cfg)
	timeout, err := config.ParseDurationField("source.timeout", cfg.Source.Timeout)
	if err != nil {
		return err
	}
	// a job may wait on the cache and then the reconcile pass
	timeout = 2*max(timeout, 10*time.Second) + 5*time.Second

	if err := a.sched.Add(jobSessions, sessions, timeout, func(ctx context.Context) error {
		return a.dash.RefreshSessions(ctx, false)
	}); err != nil {
		return fmt.Errorf("poll.sessions: %w", err)
	}
	if err := a.sched.Add(jobLatestSale, latestSale, timeout, func(ctx context.Context) error {
		return a.dash.PollLatestSale(ctx)
	}); err != nil {
		return fmt.Errorf("poll.latest_sale: %w", err)
	}
	return nil
}

func (a *App) controls() telegram.Controls {
	return telegram.Controls{
		Last:  func(persist bool) { a.dash.ManualTrigger(persist) },
		Pin:   a.toast.TogglePin,
		Close: a.toast.Close,
		Refresh: func(ctx context.Context) error {
			return a.dash.RefreshSessions(ctx, true)
		},
		Status: a.statusLine,
	}
}

func (a *App) statusLine() string {
	st := a.dash.Status()
	var b strings.Builder
	fmt.Fprintf(&b, "range %s, %d rows", st.View.Range, st.Rows)
	if st.Empty {
		b.WriteString(" (no active sessions)")
	}
	fmt.Fprintf(&b, "\nannounced %d, duplicates %d, remembered %d", st.Announced, st.Duplicates, st.Seen)
	if !st.LastRefresh.IsZero() {
		fmt.Fprintf(&b, "\nlast refresh %s ago", time.Since(st.LastRefresh).Round(time.Second))
	}
	if st.LastErr != "" {
		fmt.Fprintf(&b, "\nlast error: %s", st.LastErr)
	}
	if a.stream != nil {
		fmt.Fprintf(&b, "\nstream connected: %t", a.stream.Connected())
	}
	return b.String()
}

func (a *App) loops() []supervisor.LoopStats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// Done is closed when the app's run context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first loop error that stopped the app.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := validate(cfg); err != nil {
			return err
		}
		if _, err := mapReconcileOptions(cfg); err != nil {
			return err
		}
		if _, err := mapArbiterOptions(cfg); err != nil {
			return err
		}
		if _, err := mapDashboardOptions(cfg); err != nil {
			return err
		}
		_, err := sound.New(cfg.Arbiter.Sound, cfg.Arbiter.Command, os.Stdout)
		return err
	})

	run := a.sup.Context()
	a.dedup.Load(run)

	a.sup.Go("dashboard", a.dash.Run)
	a.sup.Go0("dashboard.boot", func(c context.Context) {
		cfg := a.cfgm.Get()
		a.dash.Rebind(c, strings.ToLower(strings.TrimSpace(cfg.Reconcile.Theme)))
		if err := a.dash.SeedRecent(c, cfg.Recent.Size); err != nil {
			a.log.Warn("recent sales unavailable", logx.Err(err))
		}
		if err := a.dash.RefreshSessions(c, true); err != nil {
			a.log.Warn("initial refresh failed; waiting for the next poll", logx.Err(err))
		}
	})

	a.sched.Start(run)

	if a.stream != nil {
		a.sup.GoRestart("stream", a.stream.Run,
			supervisor.WithRestartBackoff(a.streamBackoff.min, a.streamBackoff.max),
			supervisor.WithStopOnCleanExit(false),
		)
	}
	if a.http != nil {
		a.sup.Go("http.api", a.http.Serve)
	}
	if a.tg != nil {
		a.sup.Go("telegram", a.tg.Run)
	}
	if a.term != nil {
		a.sup.Go("termview", a.term.Run)
	}

	// log events for debugging (components subscribe themselves)
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("storage", a.store != nil),
		logx.Bool("stream", a.stream != nil),
		logx.Bool("http", a.http != nil),
		logx.Bool("telegram", a.tg != nil),
		logx.Bool("termview", a.term != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// cancel the run context so background loops start unwinding immediately
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the stop
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					limit = 0
				} else if rem < limit {
					limit = rem
				}
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	// supervised loops (dashboard, stream, http, telegram, config) before what they call into
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("arbiter", 2*time.Second, func(c context.Context) error {
		a.arb.Close()
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
