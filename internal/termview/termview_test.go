package termview

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"salewatch/internal/eventbus"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func fixture(t *testing.T) (*View, *reconcile.MemTree, *toast.Controller, *recent.List, eventbus.Bus, *syncBuffer) {
	t.Helper()
	bus := eventbus.New()
	tree := reconcile.NewMemTree()
	tc := toast.New(time.Minute, bus, logx.Nop())
	rl := recent.New(5, bus)
	out := &syncBuffer{}
	return New(Config{MaxRows: 2, Debounce: 5 * time.Millisecond}, tree, tc, rl, bus, out, logx.Nop()), tree, tc, rl, bus, out
}

func TestRenderEmptyState(t *testing.T) {
	v, _, _, _, _, _ := fixture(t)
	if got := v.Render(); !strings.Contains(got, "No active sessions.") {
		t.Fatalf("frame=%q", got)
	}
}

func TestRenderRowsBannerAndRecent(t *testing.T) {
	v, tree, tc, rl, _, _ := fixture(t)
	r := reconcile.New(reconcile.Options{}, logx.Nop())
	recs := []session.Record{
		{ID: "alpha", Country: "de"},
		{ID: "beta", Country: "fr"},
		{ID: "gamma", Country: "it"},
	}
	if _, err := r.Reconcile(context.Background(), tree, recs); err != nil {
		t.Fatal(err)
	}
	tc.Trigger(toast.FromLatest(sale.Latest{OrderID: "1", Country: "nl", Product: "lamp"}, "New sale!"), true)
	rl.Merge(sale.Latest{OrderID: "1", Country: "nl", Product: "lamp"})

	got := v.Render()
	for _, want := range []string{"SESSION", "alpha", "beta", "… 1 more", "New sale!", "lamp", "Recent sales", "NL"} {
		if !strings.Contains(got, want) {
			t.Fatalf("frame missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "gamma") {
		t.Fatal("rows beyond MaxRows rendered")
	}
}

func TestRunRedrawsOnSignals(t *testing.T) {
	v, _, tc, _, _, out := fixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = v.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "Manual") {
		if time.Now().After(deadline) {
			t.Fatalf("no redraw: %q", out.String())
		}
		tc.Trigger(toast.Pending("Manual"), false)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
