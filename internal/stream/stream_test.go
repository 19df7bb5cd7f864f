package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/pkg/logx"
)

type recordingHandler struct {
	mu       sync.Mutex
	sessions []string
	sales    []string
	amounts  []float64
	changed  int
}

func (h *recordingHandler) OnSession(_ context.Context, rec session.Record) {
	h.mu.Lock()
	h.sessions = append(h.sessions, rec.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSale(_ context.Context, l sale.Latest) {
	h.mu.Lock()
	h.sales = append(h.sales, l.OrderID)
	h.amounts = append(h.amounts, l.Amount)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSessionsChanged(context.Context) {
	h.mu.Lock()
	h.changed++
	h.mu.Unlock()
}

func TestRunDispatchesFrames(t *testing.T) {
	auth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		frames := []string{
			`{"type":"session","session":{"id":"s1","has_purchased":true}}`,
			`not json`,
			`{"type":"sale","sale":{"order_id":"1001"}}`,
			`{"type":"mystery"}`,
			`{"type":"sessions_changed"}`,
		}
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	h := &recordingHandler{}
	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "t0k"}, h, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if c.Connected() {
		t.Fatal("still connected after Run returned")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions) != 1 || h.sessions[0] != "s1" {
		t.Fatalf("sessions=%v", h.sessions)
	}
	if len(h.sales) != 1 || h.sales[0] != "1001" {
		t.Fatalf("sales=%v", h.sales)
	}
	if h.changed != 1 {
		t.Fatalf("changed=%d", h.changed)
	}
	if got := <-auth; got != "Bearer t0k" {
		t.Fatalf("auth=%q", got)
	}
	if c.Frames() != 5 {
		t.Fatalf("frames=%d want 5", c.Frames())
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	c := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, &recordingHandler{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDialFailure(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/stream"}, &recordingHandler{}, logx.Nop())
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestPartialSaleFramesStillDelivered(t *testing.T) {
	h := &recordingHandler{}
	c := New(Config{}, h, logx.Nop())
	frames := []string{
		`{"type":"sale","sale":{"order_id":"77","amount":"12.50"}}`,
		`{"type":"sale","sale":{"order_id":78,"amount":{"value":3},"purchased_at":"yesterday"}}`,
		`{"type":"sale"}`,
		`{"type":"sale","sale":"garbage"}`,
		`{"type":"session","session":{"id":42}}`,
	}
	for _, f := range frames {
		c.dispatch(context.Background(), []byte(f))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []string{"77", "78", "", ""}
	if strings.Join(h.sales, ",") != strings.Join(want, ",") {
		t.Fatalf("sales=%q want %q", h.sales, want)
	}
	if h.amounts[0] != 12.5 || h.amounts[1] != 0 {
		t.Fatalf("amounts=%v", h.amounts)
	}
	if len(h.sessions) != 0 {
		t.Fatalf("malformed session frame delivered: %v", h.sessions)
	}
}
