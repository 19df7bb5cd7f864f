package dashboard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"salewatch/internal/arbiter"
	"salewatch/internal/dedup"
	"salewatch/internal/eventbus"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/internal/snapshot"
	"salewatch/internal/storage"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

type fakeSource struct {
	mu         sync.Mutex
	sessions   map[string][]session.Record
	gates      map[string]chan struct{}
	started    chan string
	latest     sale.Latest
	latestGate chan struct{}
	recent     []sale.Latest

	sessionCalls atomic.Int32
	latestCalls  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		sessions: map[string][]session.Record{},
		gates:    map[string]chan struct{}{},
		started:  make(chan string, 8),
	}
}

func (f *fakeSource) setSessions(rng string, recs ...session.Record) {
	f.mu.Lock()
	f.sessions[rng] = recs
	f.mu.Unlock()
}

func (f *fakeSource) Sessions(ctx context.Context, q snapshot.Query) ([]session.Record, error) {
	f.sessionCalls.Add(1)
	f.mu.Lock()
	gate := f.gates[q.Range]
	f.mu.Unlock()
	if gate != nil {
		f.started <- q.Range
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, ok := f.sessions[q.Range]
	if !ok {
		return nil, errors.New("no such range")
	}
	return append([]session.Record(nil), recs...), nil
}

func (f *fakeSource) LatestSale(ctx context.Context) (sale.Latest, error) {
	f.latestCalls.Add(1)
	f.mu.Lock()
	gate := f.latestGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return sale.Latest{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) RecentSales(context.Context, int) ([]sale.Latest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sale.Latest(nil), f.recent...), nil
}

type countPlayer struct{ n atomic.Int32 }

func (p *countPlayer) Play(context.Context) error {
	p.n.Add(1)
	return nil
}

type shows struct {
	mu     sync.Mutex
	tokens map[uint64]bool
}

func (s *shows) Render(v toast.View) {
	if v.State == toast.Hidden {
		return
	}
	s.mu.Lock()
	if s.tokens == nil {
		s.tokens = map[uint64]bool{}
	}
	s.tokens[uint64(v.Token)] = true
	s.mu.Unlock()
}

func (s *shows) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

type harness struct {
	db     *Dashboard
	src    *fakeSource
	tree   *reconcile.MemTree
	toast  *toast.Controller
	arb    *arbiter.Arbiter
	player *countPlayer
	shows  *shows
	bus    eventbus.Bus
	kv     storage.Store
}

func newHarness(t *testing.T, src *fakeSource, opts Options) *harness {
	t.Helper()
	h := &harness{
		src:    src,
		tree:   reconcile.NewMemTree(),
		player: &countPlayer{},
		shows:  &shows{},
		bus:    eventbus.New(),
		kv:     storage.NewMemory(0),
	}
	h.arb = arbiter.New(h.kv, h.player, "tab-a", arbiter.Options{ClaimDelay: 5 * time.Millisecond}, logx.Nop())
	t.Cleanup(h.arb.Close)
	h.toast = toast.New(time.Minute, h.bus, logx.Nop())
	h.toast.AddSurface(h.shows)
	h.db = New(Deps{
		Cache:      snapshot.NewCache(src, time.Minute),
		Reconciler: reconcile.New(reconcile.Options{Yielder: reconcile.GoschedYielder{}}, logx.Nop()),
		Tree:       h.tree,
		Dedup:      dedup.New(h.kv, 0, logx.Nop()),
		Toast:      h.toast,
		Arbiter:    h.arb,
		Recent:     recent.New(0, h.bus),
		Bus:        h.bus,
	}, opts, logx.Nop())
	return h
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fullSale(order string, at time.Time) sale.Latest {
	return sale.Latest{OrderID: order, PurchasedAt: at, Country: "de", Product: "mug", Amount: 12.5, Currency: "eur"}
}

func TestSameSaleFromTwoChannelsAnnouncedOnce(t *testing.T) {
	h := newHarness(t, newFakeSource(), Options{})
	ctx := context.Background()
	now := time.Now()

	if !h.db.HandleSale(ctx, fullSale("1001", now), OriginStream) {
		t.Fatal("first observation not announced")
	}
	later := fullSale("1001", now.Add(3*time.Second))
	later.SessionID = "s-9"
	if h.db.HandleSale(ctx, later, OriginPoll) {
		t.Fatal("same order announced twice")
	}
	h.arb.Wait()

	if got := h.shows.count(); got != 1 {
		t.Fatalf("visual announcements=%d want 1", got)
	}
	if got := h.player.n.Load(); got != 1 {
		t.Fatalf("audio announcements=%d want 1", got)
	}
	st := h.db.Status()
	if st.Announced != 1 || st.Duplicates != 1 {
		t.Fatalf("status=%+v", st)
	}
	if h.src.latestCalls.Load() != 0 {
		t.Fatal("complete sale should not trigger a lookup")
	}
}

func TestPurchaseFlipAnnouncesAndUpdatesRow(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, Options{Range: "24h"})
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	src.setSessions("24h",
		session.Record{ID: "s1", LastSeen: old, Country: "de"},
		session.Record{ID: "s2", LastSeen: old, HasPurchased: true, OrderID: "900", PurchasedAt: old},
	)
	if err := h.db.RefreshSessions(ctx, true); err != nil {
		t.Fatal(err)
	}
	if h.db.Status().Announced != 0 {
		t.Fatal("purchases before startup must not be announced")
	}
	if rows := h.tree.Rows(); len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}

	src.setSessions("24h",
		session.Record{ID: "s1", LastSeen: time.Now(), Country: "de", HasPurchased: true, OrderID: "1002", PurchasedAt: old, OrderTotal: 30, Currency: "EUR"},
		session.Record{ID: "s2", LastSeen: old, HasPurchased: true, OrderID: "900", PurchasedAt: old},
	)
	if err := h.db.RefreshSessions(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := h.db.Status().Announced; got != 1 {
		t.Fatalf("announced=%d want 1", got)
	}
	rows := h.tree.Rows()
	if rows[0].Key != "s1" || rows[0].Mark != reconcile.MarkUpdated || !rows[0].Record.HasPurchased {
		t.Fatalf("row=%+v", rows[0])
	}

	if err := h.db.RefreshSessions(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := h.db.Status().Announced; got != 1 {
		t.Fatalf("announced after repeat=%d want 1", got)
	}
}

func TestFreshPurchaseAtBootAnnounced(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, Options{Range: "24h"})
	src.setSessions("24h", session.Record{ID: "s1", HasPurchased: true, OrderID: "77", PurchasedAt: time.Now()})
	if err := h.db.RefreshSessions(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if got := h.db.Status().Announced; got != 1 {
		t.Fatalf("announced=%d want 1", got)
	}
}

func TestSupersededRangeIsDiscarded(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, Options{Range: "24h"})
	ctx := context.Background()
	src.setSessions("7d", session.Record{ID: "week"})
	src.setSessions("1h", session.Record{ID: "hour"})
	gate := make(chan struct{})
	src.mu.Lock()
	src.gates["7d"] = gate
	src.mu.Unlock()

	slow := make(chan error, 1)
	go func() { slow <- h.db.SetRange(ctx, "7d") }()
	<-src.started

	if err := h.db.SetRange(ctx, "1h"); err != nil {
		t.Fatal(err)
	}
	close(gate)
	if err := <-slow; err != nil {
		t.Fatalf("superseded refresh err=%v", err)
	}

	rows := h.tree.Rows()
	if len(rows) != 1 || rows[0].Key != "hour" {
		t.Fatalf("rows=%+v", rows)
	}
	if v := h.db.View(); v.Range != "1h" || v.Page != 0 {
		t.Fatalf("view=%+v", v)
	}
}

func TestFailedRefreshKeepsRows(t *testing.T) {
	src := newFakeSource()
	h := newHarness(t, src, Options{Range: "24h"})
	ch, unsub := h.bus.Subscribe(8)
	defer unsub()
	src.setSessions("24h", session.Record{ID: "a"})
	if err := h.db.RefreshSessions(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if err := h.db.SetRange(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
	if rows := h.tree.Rows(); len(rows) != 1 {
		t.Fatalf("rows=%d", len(rows))
	}
	if h.db.Status().LastErr == "" {
		t.Fatal("last error not recorded")
	}
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.SnapshotFailed {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("snapshot.failed not published")
		}
	}
}

func TestPartialSaleRefinedByLookup(t *testing.T) {
	src := newFakeSource()
	src.latest = fullSale("1003", time.Now())
	src.latestGate = make(chan struct{})
	h := newHarness(t, src, Options{})
	h.db.HandleSale(context.Background(), sale.Latest{OrderID: "1003"}, OriginStream)

	if v := h.toast.View(); !v.Content.Partial() {
		t.Fatalf("first paint should use placeholders: %+v", v.Content)
	}
	close(src.latestGate)
	eventually(t, "refined toast", func() bool {
		c := h.toast.View().Content
		return c.Country == "DE" && c.Product == "mug"
	})
}

func TestStaleLookupDoesNotOverwriteNewerSale(t *testing.T) {
	src := newFakeSource()
	src.latest = fullSale("1", time.Now())
	src.latestGate = make(chan struct{})
	h := newHarness(t, src, Options{})
	ctx := context.Background()

	h.db.HandleSale(ctx, sale.Latest{OrderID: "1"}, OriginStream)
	eventually(t, "lookup started", func() bool { return src.latestCalls.Load() == 1 })

	second := fullSale("2", time.Now())
	second.Country = "fr"
	h.db.HandleSale(ctx, second, OriginStream)
	close(src.latestGate)

	time.Sleep(50 * time.Millisecond)
	if c := h.toast.View().Content; c.Country != "FR" {
		t.Fatalf("stale lookup applied: %+v", c)
	}
}

func TestManualTriggerBypassesDedup(t *testing.T) {
	src := newFakeSource()
	src.latest = fullSale("1004", time.Now())
	h := newHarness(t, src, Options{})
	ctx := context.Background()

	h.db.HandleSale(ctx, src.latest, OriginStream)
	h.arb.Wait()
	h.db.ManualTrigger(true)
	h.arb.Wait()

	v := h.toast.View()
	if v.State != toast.Pinned || !v.Content.Manual {
		t.Fatalf("view=%+v", v)
	}
	if got := h.player.n.Load(); got != 2 {
		t.Fatalf("plays=%d want 2", got)
	}
	if got := h.shows.count(); got != 2 {
		t.Fatalf("shows=%d want 2", got)
	}
}

func TestPollRemembersOldSaleSilently(t *testing.T) {
	src := newFakeSource()
	src.latest = fullSale("500", time.Now().Add(-time.Hour))
	h := newHarness(t, src, Options{})
	ctx := context.Background()

	if err := h.db.PollLatestSale(ctx); err != nil {
		t.Fatal(err)
	}
	if h.db.Status().Announced != 0 || h.shows.count() != 0 {
		t.Fatal("old sale announced")
	}
	if h.db.Status().Seen == 0 {
		t.Fatal("old sale not remembered")
	}

	src.mu.Lock()
	src.latest = fullSale("501", time.Now())
	src.mu.Unlock()
	if err := h.db.PollLatestSale(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.db.Status().Announced; got != 1 {
		t.Fatalf("announced=%d want 1", got)
	}
}

func TestCloseInvalidatesAndRefreshes(t *testing.T) {
	src := newFakeSource()
	src.setSessions("24h", session.Record{ID: "a"})
	h := newHarness(t, src, Options{Range: "24h"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.db.Run(ctx)

	if err := h.db.RefreshSessions(ctx, false); err != nil {
		t.Fatal(err)
	}
	before := src.sessionCalls.Load()
	h.db.HandleSale(ctx, fullSale("1", time.Now()), OriginStream)
	h.toast.Close()
	eventually(t, "refresh after close", func() bool { return src.sessionCalls.Load() > before })
}

func TestRebindSignalRebuildsRows(t *testing.T) {
	src := newFakeSource()
	src.setSessions("24h", session.Record{ID: "a", Device: "mobile"})
	h := newHarness(t, src, Options{Range: "24h"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.db.Run(ctx)
	if err := h.db.RefreshSessions(ctx, false); err != nil {
		t.Fatal(err)
	}
	calls := src.sessionCalls.Load()

	// Run subscribes asynchronously; keep signalling until it reacts.
	eventually(t, "emoji cells", func() bool {
		eventbus.Publish(h.bus, eventbus.ConfigApplied, reconcile.ThemeEmoji)
		return h.tree.Rows()[0].Cells[2] == "📱"
	})
	if src.sessionCalls.Load() != calls {
		t.Fatal("rebind must not refetch")
	}
	if th := h.db.Status().Theme; th != reconcile.ThemeEmoji {
		t.Fatalf("status theme=%q want %q", th, reconcile.ThemeEmoji)
	}
}

func TestOnSessionUpsertsRow(t *testing.T) {
	src := newFakeSource()
	src.setSessions("24h", session.Record{ID: "a"}, session.Record{ID: "b"})
	h := newHarness(t, src, Options{Range: "24h"})
	ctx := context.Background()
	if err := h.db.RefreshSessions(ctx, false); err != nil {
		t.Fatal(err)
	}

	h.db.OnSession(ctx, session.Record{ID: "c"})
	h.db.OnSession(ctx, session.Record{ID: "b", HasPurchased: true, OrderID: "42", PurchasedAt: time.Now()})

	rows := h.tree.Rows()
	if len(rows) != 3 || rows[0].Key != "c" {
		t.Fatalf("rows=%+v", rows)
	}
	if got := h.db.Status().Announced; got != 1 {
		t.Fatalf("announced=%d want 1", got)
	}
}

func TestViewStateSortAndPage(t *testing.T) {
	base := time.Now()
	recs := []session.Record{
		{ID: "a", LastSeen: base, CartValue: 5},
		{ID: "b", LastSeen: base.Add(time.Minute), OrderTotal: 50},
		{ID: "c", LastSeen: base.Add(-time.Minute), CartValue: 20},
	}
	v := ViewState{Range: "24h", Sort: SortValue}
	got := v.apply(recs, 2)
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("page 0=%v", got)
	}
	v.Page = 1
	if got := v.apply(recs, 2); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("page 1=%v", got)
	}
	v.Sort = SortLastSeen
	v.Page = 0
	if got := v.apply(recs, 0); got[0].ID != "b" || got[2].ID != "c" {
		t.Fatalf("last_seen=%v", got)
	}
	if recs[0].ID != "a" {
		t.Fatal("input reordered")
	}

	v.Reset("7d")
	if v != (ViewState{Range: "7d"}) {
		t.Fatalf("reset=%+v", v)
	}
}
