// Package dashboard wires the real-time pieces together: snapshots flow into
// the row reconciler, and sale observations from every channel pass the
// dedup gate before reaching the banner and the sound arbiter.
package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"salewatch/internal/arbiter"
	"salewatch/internal/dedup"
	"salewatch/internal/eventbus"
	"salewatch/internal/latest"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/session"
	"salewatch/internal/snapshot"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

const (
	DefaultRange         = "24h"
	DefaultLimit         = 200
	DefaultBootLookback  = 2 * time.Minute
	DefaultLookupTimeout = 10 * time.Second

	SaleTitle   = "New sale!"
	ManualTitle = "Last sale"
)

type Options struct {
	Range    string
	Limit    int
	PageSize int
	// BootLookback is how far before startup a purchase may be and still be
	// announced when first seen.
	BootLookback  time.Duration
	LookupTimeout time.Duration
	PinNewSales   bool
	Theme         string
}

func (o Options) withDefaults() Options {
	if o.Range == "" {
		o.Range = DefaultRange
	}
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.BootLookback <= 0 {
		o.BootLookback = DefaultBootLookback
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = DefaultLookupTimeout
	}
	return o
}

// Deps are the collaborators a Dashboard drives. Bus may be nil.
type Deps struct {
	Cache      *snapshot.Cache
	Reconciler *reconcile.Reconciler
	Tree       *reconcile.MemTree
	Dedup      *dedup.Store
	Toast      *toast.Controller
	Arbiter    *arbiter.Arbiter
	Recent     *recent.List
	Bus        eventbus.Bus
}

// Status is a point-in-time summary for the control surface.
type Status struct {
	View        ViewState       `json:"view"`
	Rows        int             `json:"rows"`
	Empty       bool            `json:"empty"`
	LastStats   reconcile.Stats `json:"last_stats"`
	LastRefresh time.Time       `json:"last_refresh,omitempty"`
	LastErr     string          `json:"last_err,omitempty"`
	Announced   uint64          `json:"announced"`
	Duplicates  uint64          `json:"duplicates"`
	Seen        int             `json:"seen"`
	Theme       string          `json:"theme"`
}

type Dashboard struct {
	d    Deps
	log  logx.Logger
	boot time.Time

	rows   latest.Seq
	lookup latest.Seq

	// applyMu serializes the validity check and the reconcile pass of a
	// refresh so a superseded result never lands after a newer one.
	applyMu sync.Mutex
	// gateMu makes the dedup check and remember one step within a process.
	gateMu sync.Mutex

	mu          sync.Mutex
	opts        Options
	view        ViewState
	records     []session.Record
	purchased   map[string]bool
	lastStats   reconcile.Stats
	lastRefresh time.Time
	lastErr     string
	base        context.Context

	announced  atomic.Uint64
	duplicates atomic.Uint64
}

func New(d Deps, opts Options, log logx.Logger) *Dashboard {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	db := &Dashboard{
		d:         d,
		log:       log.With(logx.String("comp", "dashboard")),
		boot:      time.Now(),
		opts:      opts,
		view:      ViewState{Range: opts.Range},
		purchased: map[string]bool{},
		base:      context.Background(),
	}
	d.Toast.OnClose(db.onToastClosed)
	return db
}

// Apply swaps live-tunable options. A changed range resets the view and
// refreshes.
func (db *Dashboard) Apply(ctx context.Context, opts Options) {
	opts = opts.withDefaults()
	db.mu.Lock()
	prev := db.opts
	db.opts = opts
	db.mu.Unlock()
	if opts.Range != prev.Range {
		db.SetRange(ctx, opts.Range)
	}
}

func (db *Dashboard) options() Options {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.opts
}

func (db *Dashboard) View() ViewState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.view
}

func (db *Dashboard) Status() Status {
	db.mu.Lock()
	st := Status{
		View:        db.view,
		LastStats:   db.lastStats,
		LastRefresh: db.lastRefresh,
		LastErr:     db.lastErr,
	}
	db.mu.Unlock()
	st.Rows = len(db.d.Tree.Rows())
	st.Empty = db.d.Tree.Empty()
	st.Announced = db.announced.Load()
	st.Duplicates = db.duplicates.Load()
	st.Seen = db.d.Dedup.Len()
	st.Theme = db.d.Reconciler.Theme()
	return st
}

// Run holds the dashboard's base context and re-binds rows on rebind
// signals until ctx ends.
func (db *Dashboard) Run(ctx context.Context) error {
	db.mu.Lock()
	db.base = ctx
	db.mu.Unlock()

	if db.d.Bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := db.d.Bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			if !eventbus.RebindSignal(ev.Type) {
				continue
			}
			theme := db.options().Theme
			if s, ok := ev.Data.(string); ok && s != "" {
				theme = s
			}
			db.Rebind(ctx, theme)
		}
	}
}

// Rebind rebuilds rows from the last snapshot without refetching.
func (db *Dashboard) Rebind(ctx context.Context, theme string) {
	db.applyMu.Lock()
	st, err := db.d.Reconciler.Rebind(ctx, db.d.Tree, theme)
	db.applyMu.Unlock()
	if err != nil {
		db.log.Debug("rebind interrupted", logx.Err(err))
		return
	}
	if st.Mutations() > 0 {
		eventbus.Publish(db.d.Bus, eventbus.RowsChanged, st)
	}
}

// SetRange navigates to another range and refreshes the table. Results of
// refreshes started for the previous range are discarded.
func (db *Dashboard) SetRange(ctx context.Context, rng string) error {
	db.mu.Lock()
	db.view.Reset(rng)
	db.mu.Unlock()
	return db.RefreshSessions(ctx, false)
}

// SetSort changes the row order and re-applies it.
func (db *Dashboard) SetSort(ctx context.Context, order string) error {
	db.mu.Lock()
	db.view.Sort = order
	db.view.Page = 0
	db.mu.Unlock()
	return db.RefreshSessions(ctx, false)
}

// SetPage moves to a zero-based page; negative pages clamp to the first.
func (db *Dashboard) SetPage(ctx context.Context, page int) error {
	db.mu.Lock()
	db.view.Page = max(page, 0)
	db.mu.Unlock()
	return db.RefreshSessions(ctx, false)
}

// RefreshSessions fetches a snapshot for the current view and reconciles
// the table with it. Only the newest refresh is applied; superseded ones
// return nil. A failed fetch leaves the table as it is.
func (db *Dashboard) RefreshSessions(ctx context.Context, force bool) error {
	tok := db.rows.Next()
	db.mu.Lock()
	view := db.view
	opts := db.opts
	db.mu.Unlock()

	q := snapshot.Query{Range: view.Range, Limit: opts.Limit}
	recs, err := db.d.Cache.Sessions(ctx, q, force)
	if !db.rows.Valid(tok) {
		db.log.Debug("superseded snapshot dropped", logx.String("range", q.Range))
		return nil
	}
	if err != nil {
		db.fail(err)
		return err
	}

	db.applyMu.Lock()
	if !db.rows.Valid(tok) {
		db.applyMu.Unlock()
		return nil
	}
	st, err := db.d.Reconciler.Reconcile(ctx, db.d.Tree, view.apply(recs, opts.PageSize))
	db.applyMu.Unlock()

	db.mu.Lock()
	db.records = recs
	db.lastStats = st
	db.lastRefresh = time.Now()
	if err == nil {
		db.lastErr = ""
	}
	db.mu.Unlock()
	if st.Mutations() > 0 || st.Empty {
		eventbus.Publish(db.d.Bus, eventbus.RowsChanged, st)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		db.fail(err)
		return err
	}
	db.log.Debug("rows reconciled",
		logx.String("range", q.Range),
		logx.Int("records", len(recs)),
		logx.Int("inserted", st.Inserted),
		logx.Int("updated", st.Updated),
		logx.Int("removed", st.Removed),
		logx.Bool("reordered", st.Reordered),
	)
	db.detectSales(ctx, recs, true)
	return nil
}

// SeedRecent loads the recent-sales list.
func (db *Dashboard) SeedRecent(ctx context.Context, size int) error {
	items, err := db.d.Cache.Source().RecentSales(ctx, size)
	if err != nil {
		db.fail(err)
		return err
	}
	db.d.Recent.Seed(items)
	return nil
}

func (db *Dashboard) fail(err error) {
	db.mu.Lock()
	db.lastErr = err.Error()
	db.mu.Unlock()
	db.log.Warn("snapshot failed", logx.Err(err))
	eventbus.Publish(db.d.Bus, eventbus.SnapshotFailed, err.Error())
}

func (db *Dashboard) baseCtx() context.Context {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.base
}

// onToastClosed drops cached snapshots and refetches, since a closed sale
// banner usually means visible numbers moved.
func (db *Dashboard) onToastClosed() {
	db.d.Cache.Invalidate()
	ctx := db.baseCtx()
	go func() {
		if err := db.RefreshSessions(ctx, true); err != nil {
			db.log.Debug("refresh after close failed", logx.Err(err))
		}
	}()
}
