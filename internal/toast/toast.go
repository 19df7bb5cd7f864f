// Package toast owns the sale notification banner: what it shows, whether it
// is pinned, and when it hides itself.
package toast

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"salewatch/internal/eventbus"
	"salewatch/internal/latest"
	"salewatch/internal/sale"
	"salewatch/pkg/logx"
)

const (
	DefaultAutoHide = 10 * time.Second
	Placeholder     = "Processing…"
)

type State string

const (
	Hidden  State = "hidden"
	Showing State = "showing"
	Pinned  State = "pinned"
)

// Content is what the banner displays.
type Content struct {
	Title   string `json:"title"`
	Country string `json:"country"`
	Product string `json:"product"`
	Amount  string `json:"amount"`
	When    string `json:"when"`
	Manual  bool   `json:"manual,omitempty"`
}

// FromLatest renders a sale. Missing fields show the placeholder.
func FromLatest(l sale.Latest, title string) Content {
	c := Content{
		Title:   title,
		Country: placeholder(strings.ToUpper(l.Country)),
		Product: placeholder(l.Product),
		Amount:  Placeholder,
		When:    Placeholder,
	}
	if l.Amount > 0 {
		c.Amount = strconv.FormatFloat(l.Amount, 'f', 2, 64)
		if cur := strings.ToUpper(strings.TrimSpace(l.Currency)); cur != "" {
			c.Amount += " " + cur
		}
	}
	if !l.PurchasedAt.IsZero() {
		c.When = l.PurchasedAt.Local().Format("15:04:05")
	}
	return c
}

// Pending is the content shown before anything is known about a sale.
func Pending(title string) Content {
	return FromLatest(sale.Latest{}, title)
}

// Partial reports whether any field still shows the placeholder.
func (c Content) Partial() bool {
	return c.Country == Placeholder || c.Product == Placeholder || c.Amount == Placeholder || c.When == Placeholder
}

func placeholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}

// View is the banner as surfaces see it.
type View struct {
	State    State        `json:"state"`
	Content  Content      `json:"content"`
	Token    latest.Token `json:"token"`
	Deadline time.Time    `json:"deadline,omitempty"`
}

// Surface renders banner changes. Render is called in state-change order and
// must not call back into the Controller.
type Surface interface {
	Render(v View)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(v View)

func (f SurfaceFunc) Render(v View) { f(v) }

// Controller is the banner state machine.
type Controller struct {
	bus eventbus.Bus
	log logx.Logger
	seq latest.Seq

	mu       sync.Mutex
	state    State
	content  Content
	autoHide time.Duration
	deadline time.Time
	timer    *time.Timer
	surfaces []Surface
	onClose  func()

	renderMu sync.Mutex
}

func New(autoHide time.Duration, bus eventbus.Bus, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if autoHide <= 0 {
		autoHide = DefaultAutoHide
	}
	return &Controller{
		bus:      bus,
		log:      log.With(logx.String("comp", "toast")),
		state:    Hidden,
		autoHide: autoHide,
	}
}

func (c *Controller) AddSurface(s Surface) {
	if s == nil {
		return
	}
	c.mu.Lock()
	c.surfaces = append(c.surfaces, s)
	c.mu.Unlock()
}

// OnClose registers a hook run after a user close.
func (c *Controller) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

// SetAutoHide changes the delay for shows started after the call.
func (c *Controller) SetAutoHide(d time.Duration) {
	if d <= 0 {
		d = DefaultAutoHide
	}
	c.mu.Lock()
	c.autoHide = d
	c.mu.Unlock()
}

// Trigger shows content, replacing whatever is on screen. The returned token
// is the only one Refine will accept until the next Trigger or Close.
func (c *Controller) Trigger(content Content, persist bool) latest.Token {
	c.mu.Lock()
	tok := c.seq.Next()
	c.stopTimerLocked()
	c.content = content
	if persist {
		c.state = Pinned
	} else {
		c.state = Showing
		c.armLocked(tok)
	}
	v := c.viewLocked()
	c.publishLocked(v)
	return tok
}

// Refine replaces the content of the show identified by tok. It reports
// false when tok is stale or the banner is hidden.
func (c *Controller) Refine(content Content, tok latest.Token) bool {
	c.mu.Lock()
	if !c.seq.Valid(tok) || c.state == Hidden {
		c.mu.Unlock()
		c.log.Debug("stale refine dropped", logx.Uint64("token", uint64(tok)))
		return false
	}
	c.content = content
	v := c.viewLocked()
	c.publishLocked(v)
	return true
}

// TogglePin flips between showing and pinned. Unpinning restarts the
// auto-hide delay. A hidden banner stays hidden.
func (c *Controller) TogglePin() State {
	c.mu.Lock()
	switch c.state {
	case Hidden:
		c.mu.Unlock()
		return Hidden
	case Showing:
		c.stopTimerLocked()
		c.state = Pinned
	case Pinned:
		c.state = Showing
		c.armLocked(c.seq.Current())
	}
	v := c.viewLocked()
	c.publishLocked(v)
	return v.State
}

// Close hides the banner and runs the OnClose hook. The hook runs on every
// explicit close, also when the banner already auto-hid.
func (c *Controller) Close() {
	c.mu.Lock()
	hook := c.onClose
	if c.state == Hidden {
		c.mu.Unlock()
	} else {
		c.seq.Next()
		c.stopTimerLocked()
		c.state = Hidden
		c.publishLocked(c.viewLocked())
	}

	if hook != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("close hook panicked", logx.Any("panic", r))
				}
			}()
			hook()
		}()
	}
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) armLocked(tok latest.Token) {
	d := c.autoHide
	c.deadline = time.Now().Add(d)
	c.timer = time.AfterFunc(d, func() { c.expire(tok) })
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.deadline = time.Time{}
}

func (c *Controller) expire(tok latest.Token) {
	c.mu.Lock()
	if !c.seq.Valid(tok) || c.state != Showing {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.deadline = time.Time{}
	c.state = Hidden
	v := c.viewLocked()
	c.publishLocked(v)
}

func (c *Controller) viewLocked() View {
	return View{State: c.state, Content: c.content, Token: c.seq.Current(), Deadline: c.deadline}
}

// publishLocked releases c.mu after taking renderMu so surfaces observe
// changes in order.
func (c *Controller) publishLocked(v View) {
	surfaces := append([]Surface(nil), c.surfaces...)
	c.renderMu.Lock()
	c.mu.Unlock()
	defer c.renderMu.Unlock()
	for _, s := range surfaces {
		s.Render(v)
	}
	eventbus.Publish(c.bus, eventbus.ToastChanged, v)
}
