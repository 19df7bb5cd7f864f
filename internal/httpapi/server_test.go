package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"salewatch/internal/arbiter"
	"salewatch/internal/dashboard"
	"salewatch/internal/dedup"
	"salewatch/internal/eventbus"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/internal/snapshot"
	"salewatch/internal/sound"
	"salewatch/internal/storage"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

type staticSource struct{}

func (staticSource) Sessions(_ context.Context, q snapshot.Query) ([]session.Record, error) {
	if q.Range == "7d" {
		return []session.Record{{ID: "w1"}, {ID: "w2"}}, nil
	}
	return []session.Record{{ID: "d1"}}, nil
}

func (staticSource) LatestSale(context.Context) (sale.Latest, error) {
	return sale.Latest{OrderID: "9", Country: "se", Product: "chair", Amount: 99, Currency: "sek", PurchasedAt: time.Now()}, nil
}

func (staticSource) RecentSales(context.Context, int) ([]sale.Latest, error) { return nil, nil }

type fixture struct {
	srv   *Server
	tree  *reconcile.MemTree
	toast *toast.Controller
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	bus := eventbus.New()
	kv := storage.NewMemory(0)
	tree := reconcile.NewMemTree()
	tc := toast.New(time.Minute, bus, logx.Nop())
	rl := recent.New(0, bus)
	arb := arbiter.New(kv, sound.Nop{}, "tab-x", arbiter.Options{}, logx.Nop())
	t.Cleanup(arb.Close)
	db := dashboard.New(dashboard.Deps{
		Cache:      snapshot.NewCache(staticSource{}, time.Minute),
		Reconciler: reconcile.New(reconcile.Options{}, logx.Nop()),
		Tree:       tree,
		Dedup:      dedup.New(kv, 0, logx.Nop()),
		Toast:      tc,
		Arbiter:    arb,
		Recent:     rl,
		Bus:        bus,
	}, dashboard.Options{Range: "24h"}, logx.Nop())
	srv := New(cfg, Deps{Dashboard: db, Tree: tree, Toast: tc, Recent: rl, Bus: bus, TabID: "tab-x"}, logx.Nop())
	return &fixture{srv: srv, tree: tree, toast: tc, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"tab":"tab-x"`) {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, Config{Token: "secret"})
	if rec := f.do(t, http.MethodGet, "/api/rows", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token code=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/rows?token=nope", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token code=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/rows?token=secret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token code=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/rows", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer code=%d", rec.Code)
	}
}

func TestRefreshAndRange(t *testing.T) {
	f := newFixture(t, Config{})
	if rec := f.do(t, http.MethodPost, "/api/refresh?force=1", ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh code=%d body=%s", rec.Code, rec.Body)
	}
	if n := len(f.tree.Rows()); n != 1 {
		t.Fatalf("rows=%d", n)
	}

	rec := f.do(t, http.MethodPut, "/api/range", `{"range":"7d","sort":"last_seen"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("range code=%d body=%s", rec.Code, rec.Body)
	}
	var st dashboard.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.View.Range != "7d" || st.View.Sort != "last_seen" || st.Rows != 2 {
		t.Fatalf("status=%+v", st)
	}

	rec = f.do(t, http.MethodGet, "/api/rows", "")
	var rows rowsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows.Rows) != 2 || rows.Rows[0].Key != "w1" {
		t.Fatalf("rows=%+v", rows.Rows)
	}

	rec = f.do(t, http.MethodPut, "/api/range", `{"range":"7d","sort":"last_seen","page":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("page code=%d body=%s", rec.Code, rec.Body)
	}
	st = dashboard.Status{}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.View.Page != 2 || st.View.Sort != "last_seen" {
		t.Fatalf("view=%+v, want page 2 kept after sort", st.View)
	}
}

func TestRangeRejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{})
	for _, body := range []string{`{}`, `{"range":"7d","sort":"nope"}`, `{"range":"7d","page":-1}`, `{"range":"7d","limit":1}`, `not json`} {
		if rec := f.do(t, http.MethodPut, "/api/range", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: code=%d", body, rec.Code)
		}
	}
}

func TestToastEndpoints(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/api/toast/trigger?persist=1", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger code=%d", rec.Code)
	}
	if v := f.toast.View(); v.State != toast.Pinned || !v.Content.Manual {
		t.Fatalf("view=%+v", v)
	}

	f.do(t, http.MethodPost, "/api/toast/pin", "")
	if v := f.toast.View(); v.State != toast.Showing {
		t.Fatalf("after pin toggle=%s", v.State)
	}
	f.do(t, http.MethodPost, "/api/toast/close", "")
	rec = f.do(t, http.MethodGet, "/api/toast", "")
	var v toast.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if v.State != toast.Hidden {
		t.Fatalf("state=%s", v.State)
	}
}

func TestSignals(t *testing.T) {
	f := newFixture(t, Config{})
	ch, unsub := f.bus.Subscribe(4)
	defer unsub()

	if rec := f.do(t, http.MethodPost, "/api/signals/sale.announced", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("internal signal code=%d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/signals/icons.changed?theme=emoji", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("code=%d", rec.Code)
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.IconsChanged || ev.Data != "emoji" {
			t.Fatalf("event=%+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("signal not published")
	}
}

func TestServeRefusesInsecureBind(t *testing.T) {
	f := newFixture(t, Config{Addr: "0.0.0.0:0"})
	if err := f.srv.Serve(context.Background()); err != ErrInsecureBind {
		t.Fatalf("err=%v", err)
	}
}

func TestPprofMount(t *testing.T) {
	off := newFixture(t, Config{})
	if rec := off.do(t, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof off code=%d", rec.Code)
	}
	on := newFixture(t, Config{Pprof: true})
	if rec := on.do(t, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof on code=%d", rec.Code)
	}
}
