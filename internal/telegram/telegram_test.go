package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"salewatch/internal/latest"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

type call struct {
	op   string
	id   int
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	calls []call
	next  int
	fails int
}

func (f *fakeSender) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("bad gateway")
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *fakeSender) Send(_ context.Context, text string) (int, error) {
	f.mu.Lock()
	f.next++
	id := f.next
	f.mu.Unlock()
	return id, f.record(call{"send", id, text})
}

func (f *fakeSender) Edit(_ context.Context, id int, text string) error {
	return f.record(call{"edit", id, text})
}

func (f *fakeSender) Delete(_ context.Context, id int) error {
	return f.record(call{"delete", id, ""})
}

func (f *fakeSender) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, fmt.Sprintf("%s:%d", c.op, c.id))
	}
	return out
}

func view(state toast.State, tok latest.Token, product string) toast.View {
	return toast.View{State: state, Token: tok, Content: toast.Content{Title: "New sale!", Country: "DE", Product: product, Amount: "1.00 EUR", When: "10:00:00"}}
}

func TestFormatEscapesAndMarksPinned(t *testing.T) {
	got := Format(view(toast.Pinned, 1, "<b>mug</b> & co"))
	if !strings.Contains(got, "&lt;b&gt;mug&lt;/b&gt; &amp; co") {
		t.Fatalf("product not escaped: %s", got)
	}
	if !strings.Contains(got, "pinned") || !strings.HasPrefix(got, "<b>💰 New sale!</b>") {
		t.Fatalf("text=%s", got)
	}
	if Format(toast.View{State: toast.Hidden}) != "" {
		t.Fatal("hidden view should render empty")
	}
}

func TestSurfaceLifecycle(t *testing.T) {
	f := &fakeSender{}
	s := NewSurface(f, 1000, logx.Nop())
	ctx := context.Background()

	s.apply(ctx, view(toast.Showing, 1, toast.Placeholder))
	s.apply(ctx, view(toast.Showing, 1, "mug"))
	s.apply(ctx, view(toast.Showing, 1, "mug"))
	s.apply(ctx, view(toast.Showing, 2, "lamp"))
	s.apply(ctx, view(toast.Hidden, 3, ""))
	s.apply(ctx, view(toast.Hidden, 3, ""))

	want := []string{"send:1", "edit:1", "delete:1", "send:2", "delete:2"}
	if got := f.ops(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ops=%v want %v", got, want)
	}
}

func TestSurfaceRetriesTransientFailure(t *testing.T) {
	f := &fakeSender{fails: 1}
	s := NewSurface(f, 1000, logx.Nop())
	s.apply(context.Background(), view(toast.Showing, 1, "mug"))
	if got := f.ops(); len(got) != 1 || got[0] != "send:2" {
		t.Fatalf("ops=%v", got)
	}
}

func TestRunDeliversNewestView(t *testing.T) {
	f := &fakeSender{}
	s := NewSurface(f, 1000, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	s.Render(view(toast.Showing, 7, "mug"))
	deadline := time.Now().Add(2 * time.Second)
	for len(f.ops()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("view not delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestCommandsOwnerOnly(t *testing.T) {
	var lastPersist []bool
	closed := 0
	ctl := Controls{
		Last:    func(p bool) { lastPersist = append(lastPersist, p) },
		Pin:     func() toast.State { return toast.Pinned },
		Close:   func() { closed++ },
		Refresh: func(context.Context) error { return errors.New("upstream down") },
		Status:  func() string { return "rows=3" },
	}
	c := newCommands(ctl, []int64{42}, logx.Nop())
	ctx := context.Background()

	if _, ok := c.handle(ctx, 7, "/close"); ok || closed != 0 {
		t.Fatal("non-owner command executed")
	}
	cases := []struct{ text, want string }{
		{"/last", "Showing the last sale."},
		{"/last@salewatch_bot pin", "Showing the last sale."},
		{"/pin", "Banner pinned."},
		{"/close", "Banner closed."},
		{"/refresh", "Refresh failed: upstream down"},
		{"/status", "rows=3"},
	}
	for _, tc := range cases {
		got, ok := c.handle(ctx, 42, tc.text)
		if !ok || got != tc.want {
			t.Fatalf("%s: got %q ok=%v", tc.text, got, ok)
		}
	}
	if len(lastPersist) != 2 || lastPersist[0] || !lastPersist[1] {
		t.Fatalf("persist flags=%v", lastPersist)
	}
	if _, ok := c.handle(ctx, 42, "/unknown"); ok {
		t.Fatal("unknown command handled")
	}
}
