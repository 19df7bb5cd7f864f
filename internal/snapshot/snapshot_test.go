package snapshot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/pkg/logx"
)

func TestHTTPSourceDecodesBothShapes(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/api/sessions":
			gotAuth = r.Header.Get("Authorization")
			gotQuery = r.URL.RawQuery
			_, _ = w.Write([]byte(`{"sessions":[{"id":"a","has_purchased":true},{"id":"b"}]}`))
		case "/v1/api/sales/latest":
			_, _ = w.Write([]byte(`{"order_id":"1001","product":"mug","amount":9.5}`))
		case "/v1/api/sales/recent":
			_, _ = w.Write([]byte(`[{"order_id":"1"},{"order_id":"2"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/v1/", Token: "secret"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	recs, err := src.Sessions(ctx, Query{Range: "24h", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].HasPurchased || recs[1].ID != "b" {
		t.Fatalf("recs=%+v", recs)
	}
	if gotAuth != "Bearer secret" || gotQuery != "limit=50&range=24h" {
		t.Fatalf("auth=%q query=%q", gotAuth, gotQuery)
	}

	l, err := src.LatestSale(ctx)
	if err != nil || l.OrderID != "1001" || l.Amount != 9.5 {
		t.Fatalf("latest=%+v err=%v", l, err)
	}

	recent, err := src.RecentSales(ctx, 2)
	if err != nil || len(recent) != 2 {
		t.Fatalf("recent=%+v err=%v", recent, err)
	}

	if arr, err := decodeSessions([]byte(`[{"id":"x"}]`)); err != nil || len(arr) != 1 {
		t.Fatalf("bare array: %v %v", arr, err)
	}
}

func TestHTTPSourceStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	src, err := NewHTTP(HTTPConfig{BaseURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Sessions(context.Background(), Query{}); !errors.Is(err, ErrStatus) {
		t.Fatalf("err=%v want ErrStatus", err)
	}
	if _, err := NewHTTP(HTTPConfig{BaseURL: "ftp://x"}, logx.Nop()); err == nil {
		t.Fatal("ftp base url accepted")
	}
}

// gatedSource blocks each Sessions call until released and answers with a
// record named after the call number.
type gatedSource struct {
	calls   atomic.Int32
	mu      sync.Mutex
	release map[int32]chan struct{}
	started chan int32
}

func newGatedSource() *gatedSource {
	return &gatedSource{release: map[int32]chan struct{}{}, started: make(chan int32, 16)}
}

func (g *gatedSource) gate(n int32) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.release[n]
	if !ok {
		ch = make(chan struct{})
		g.release[n] = ch
	}
	return ch
}

func (g *gatedSource) Sessions(ctx context.Context, q Query) ([]session.Record, error) {
	n := g.calls.Add(1)
	g.started <- n
	<-g.gate(n)
	return []session.Record{{ID: "call-" + string(rune('0'+n))}}, nil
}

func (g *gatedSource) LatestSale(context.Context) (sale.Latest, error) { return sale.Latest{}, nil }
func (g *gatedSource) RecentSales(context.Context, int) ([]sale.Latest, error) {
	return nil, nil
}

func TestCacheSharesInFlightAndCaches(t *testing.T) {
	src := newGatedSource()
	c := NewCache(src, time.Minute)
	q := Query{Range: "1h"}

	var wg sync.WaitGroup
	results := make([][]session.Record, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Sessions(context.Background(), q, false)
		}(i)
	}
	<-src.started
	time.Sleep(20 * time.Millisecond)
	close(src.gate(1))
	wg.Wait()

	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls=%d want 1", n)
	}
	for i, r := range results {
		if len(r) != 1 || r[0].ID != "call-1" {
			t.Fatalf("result %d=%+v", i, r)
		}
	}

	if _, err := c.Sessions(context.Background(), q, false); err != nil {
		t.Fatal(err)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("cached call hit source: calls=%d", n)
	}
}

func TestForcedFetchWinsOverOlderFlight(t *testing.T) {
	src := newGatedSource()
	c := NewCache(src, time.Minute)
	q := Query{Range: "24h"}

	softDone := make(chan []session.Record, 1)
	go func() {
		r, _ := c.Sessions(context.Background(), q, false)
		softDone <- r
	}()
	<-src.started // call 1 in flight

	forced, errc := make(chan []session.Record, 1), make(chan error, 1)
	go func() {
		r, err := c.Sessions(context.Background(), q, true)
		forced <- r
		errc <- err
	}()
	<-src.started // call 2 did not join call 1

	close(src.gate(2))
	if r := <-forced; r[0].ID != "call-2" || <-errc != nil {
		t.Fatalf("forced=%+v", r)
	}
	close(src.gate(1))
	<-softDone

	r, err := c.Sessions(context.Background(), q, false)
	if err != nil {
		t.Fatal(err)
	}
	if r[0].ID != "call-2" {
		t.Fatalf("late soft flight overwrote forced result: %+v", r)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	src := newGatedSource()
	close(src.gate(1))
	close(src.gate(2))
	c := NewCache(src, time.Minute)
	ctx := context.Background()

	if _, err := c.Sessions(ctx, Query{}, false); err != nil {
		t.Fatal(err)
	}
	c.Invalidate()
	r, err := c.Sessions(ctx, Query{}, false)
	if err != nil {
		t.Fatal(err)
	}
	if src.calls.Load() != 2 || r[0].ID != "call-2" {
		t.Fatalf("calls=%d r=%+v", src.calls.Load(), r)
	}
}

// ctxSource blocks until released and fails once its ctx is done.
type ctxSource struct {
	*gatedSource
}

func (s *ctxSource) Sessions(ctx context.Context, q Query) ([]session.Record, error) {
	n := s.calls.Add(1)
	s.started <- n
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.gate(n):
		return []session.Record{{ID: "shared"}}, nil
	}
}

func TestLeaderCancelDoesNotFailJoinedCaller(t *testing.T) {
	src := &ctxSource{gatedSource: newGatedSource()}
	c := NewCache(src, time.Minute)
	q := Query{Range: "7d"}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.Sessions(leaderCtx, q, false)
		leaderErr <- err
	}()
	<-src.started

	type result struct {
		recs []session.Record
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		r, err := c.Sessions(context.Background(), q, false)
		joined <- result{r, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err=%v, want context.Canceled", err)
	}
	close(src.gate(1))

	r := <-joined
	if r.err != nil {
		t.Fatalf("joined caller failed: %v", r.err)
	}
	if len(r.recs) != 1 || r.recs[0].ID != "shared" {
		t.Fatalf("joined=%+v", r.recs)
	}
	if n := src.calls.Load(); n != 1 {
		t.Fatalf("source calls=%d want 1", n)
	}
}
