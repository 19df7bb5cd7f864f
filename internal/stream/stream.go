// Package stream consumes the dashboard's push channel: a WebSocket that
// carries session updates and sale notifications as JSON frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"salewatch/internal/sale"
	"salewatch/internal/session"
	"salewatch/pkg/logx"
)

// Frame types.
const (
	TypeSession         = "session"
	TypeSale            = "sale"
	TypeSessionsChanged = "sessions_changed"
)

// Frame is one message on the stream. Bodies are decoded per type.
type Frame struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session,omitempty"`
	Sale    json.RawMessage `json:"sale,omitempty"`
}

// Handler receives decoded frames on the reading goroutine.
type Handler interface {
	OnSession(ctx context.Context, rec session.Record)
	OnSale(ctx context.Context, l sale.Latest)
	OnSessionsChanged(ctx context.Context)
}

type Config struct {
	URL       string
	Token     string
	ReadLimit int64
	// IdleTimeout drops a connection that delivered nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// ErrClosed is returned by Run when the server ends the connection.
var ErrClosed = errors.New("stream: closed by server")

type Client struct {
	cfg       Config
	h         Handler
	log       logx.Logger
	connected atomic.Bool
	frames    atomic.Uint64
}

func New(cfg Config, h Handler, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	return &Client{cfg: cfg, h: h, log: log.With(logx.String("comp", "stream"))}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.connected.Load() }

// Frames counts frames received since start.
func (c *Client) Frames() uint64 { return c.frames.Load() }

// Run holds one connection until it fails or ctx ends. It always returns a
// non-nil error so a restart loop reconnects.
func (c *Client) Run(ctx context.Context) error {
	var opts websocket.DialOptions
	if c.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}}
	}
	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, &opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("stream connected", logx.String("url", redact(c.cfg.URL)))

	for {
		rctx, rcancel := ctx, context.CancelFunc(func() {})
		if c.cfg.IdleTimeout > 0 {
			rctx, rcancel = context.WithTimeout(ctx, c.cfg.IdleTimeout)
		}
		typ, data, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return ctx.Err()
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return ErrClosed
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		c.frames.Add(1)
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debug("malformed frame dropped", logx.Err(err))
		return
	}
	switch f.Type {
	case TypeSession:
		var rec session.Record
		if len(f.Session) == 0 {
			return
		}
		if err := json.Unmarshal(f.Session, &rec); err != nil {
			c.log.Debug("malformed session frame dropped", logx.Err(err))
			return
		}
		c.h.OnSession(ctx, rec)
	case TypeSale:
		// A sale is announced even when its body is partial or broken; the
		// banner shows placeholders until the latest-sale lookup fills it in.
		l, bad := decodeSale(f.Sale)
		if len(bad) > 0 {
			c.log.Debug("sale frame partially decoded", logx.Strings("fields", bad))
		}
		c.h.OnSale(ctx, l)
	case TypeSessionsChanged:
		c.h.OnSessionsChanged(ctx)
	default:
		c.log.Debug("unknown frame type", logx.String("type", f.Type))
	}
}

// decodeSale decodes each known field on its own so one bad field does not
// lose the rest. It returns the names of the fields it had to skip.
func decodeSale(raw json.RawMessage) (sale.Latest, []string) {
	var l sale.Latest
	var fields map[string]json.RawMessage
	if len(raw) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return l, []string{"sale"}
	}
	var bad []string
	str := func(name string, dst *string) {
		v, ok := fields[name]
		if !ok {
			return
		}
		if s, ok := textValue(v); ok {
			*dst = s
			return
		}
		bad = append(bad, name)
	}
	str("order_id", &l.OrderID)
	str("checkout_token", &l.CheckoutToken)
	str("session_id", &l.SessionID)
	str("country", &l.Country)
	str("product", &l.Product)
	str("currency", &l.Currency)

	if v, ok := fields["amount"]; ok {
		if s, ok := textValue(v); ok && s != "" {
			if n, err := strconv.ParseFloat(s, 64); err == nil {
				l.Amount = n
			} else {
				bad = append(bad, "amount")
			}
		}
	}
	if v, ok := fields["purchased_at"]; ok {
		if err := json.Unmarshal(v, &l.PurchasedAt); err != nil {
			bad = append(bad, "purchased_at")
		}
	}
	return l, bad
}

// textValue reads a JSON string, number or null as text.
func textValue(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), true
	}
	if string(v) == "null" {
		return "", true
	}
	return "", false
}

func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
