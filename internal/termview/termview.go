// Package termview draws the sessions table, the sale banner and the recent
// sales list to a terminal.
package termview

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"salewatch/internal/eventbus"
	"salewatch/internal/recent"
	"salewatch/internal/reconcile"
	"salewatch/internal/toast"
	"salewatch/pkg/logx"
)

const (
	DefaultMaxRows  = 30
	defaultDebounce = 50 * time.Millisecond
	clearScreen     = "\x1b[H\x1b[2J"
)

var headers = []string{"SESSION", "CC", "DEVICE", "VALUE", "STATE", "VISITOR", "PRODUCTS", "SEEN"}

type Config struct {
	MaxRows  int
	Debounce time.Duration
}

// Theme is the terminal palette. Colors are ANSI 256 codes.
type Theme struct {
	Header   lipgloss.Color
	Faint    lipgloss.Color
	Inserted lipgloss.Color
	Updated  lipgloss.Color
	Banner   lipgloss.Color
	Border   lipgloss.Color
}

func DefaultTheme() Theme {
	return Theme{
		Header:   lipgloss.Color("252"),
		Faint:    lipgloss.Color("243"),
		Inserted: lipgloss.Color("22"),
		Updated:  lipgloss.Color("58"),
		Banner:   lipgloss.Color("214"),
		Border:   lipgloss.Color("240"),
	}
}

type View struct {
	cfg    Config
	theme  Theme
	tree   *reconcile.MemTree
	toast  *toast.Controller
	recent *recent.List
	bus    eventbus.Bus
	out    io.Writer
	log    logx.Logger

	mu sync.Mutex
}

func New(cfg Config, tree *reconcile.MemTree, t *toast.Controller, r *recent.List, bus eventbus.Bus, out io.Writer, log logx.Logger) *View {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	return &View{
		cfg:    cfg,
		theme:  DefaultTheme(),
		tree:   tree,
		toast:  t,
		recent: r,
		bus:    bus,
		out:    out,
		log:    log.With(logx.String("comp", "termview")),
	}
}

// Run redraws on row, banner and recent-list changes, coalescing bursts,
// until ctx ends.
func (v *View) Run(ctx context.Context) error {
	ch, unsub := v.bus.Subscribe(64)
	defer unsub()

	v.draw()
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev := <-ch:
			switch ev.Type {
			case eventbus.RowsChanged, eventbus.ToastChanged, eventbus.RecentChanged:
			default:
				continue
			}
			if pending == nil {
				timer = time.NewTimer(v.cfg.Debounce)
				pending = timer.C
			}
		case <-pending:
			pending = nil
			v.draw()
		}
	}
}

func (v *View) draw() {
	frame := v.Render()
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := io.WriteString(v.out, clearScreen+frame+"\n"); err != nil {
		v.log.Debug("draw failed", logx.Err(err))
	}
}

// Render returns the current frame.
func (v *View) Render() string {
	parts := []string{}
	if b := v.banner(); b != "" {
		parts = append(parts, b)
	}
	parts = append(parts, v.table())
	if r := v.recentList(); r != "" {
		parts = append(parts, r)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (v *View) banner() string {
	tv := v.toast.View()
	if tv.State == toast.Hidden {
		return ""
	}
	c := tv.Content
	title := c.Title
	if tv.State == toast.Pinned {
		title += " 📌"
	}
	body := fmt.Sprintf("%s\n%s · %s · %s · %s", title, c.Country, c.Product, c.Amount, c.When)
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(v.theme.Banner).
		Foreground(v.theme.Banner).
		Bold(true).
		Padding(0, 1).
		Render(body)
}

func (v *View) table() string {
	rows := v.tree.Rows()
	if v.tree.Empty() || len(rows) == 0 {
		return lipgloss.NewStyle().Foreground(v.theme.Faint).Italic(true).Render("No active sessions.")
	}
	more := 0
	if len(rows) > v.cfg.MaxRows {
		more = len(rows) - v.cfg.MaxRows
		rows = rows[:v.cfg.MaxRows]
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r.Cells {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(c))
			}
		}
	}

	var b strings.Builder
	b.WriteString(v.line(headers, widths, lipgloss.NewStyle().Bold(true).Foreground(v.theme.Header)))
	for _, r := range rows {
		style := lipgloss.NewStyle()
		switch r.Mark {
		case reconcile.MarkInserted:
			style = style.Background(v.theme.Inserted)
		case reconcile.MarkUpdated:
			style = style.Background(v.theme.Updated)
		}
		b.WriteString("\n")
		b.WriteString(v.line(r.Cells, widths, style))
	}
	if more > 0 {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Foreground(v.theme.Faint).Render(fmt.Sprintf("… %d more", more)))
	}
	return b.String()
}

func (v *View) line(cells []string, widths []int, style lipgloss.Style) string {
	out := make([]string, 0, len(widths))
	for i, w := range widths {
		c := ""
		if i < len(cells) {
			c = cells[i]
		}
		out = append(out, lipgloss.NewStyle().Width(w+2).Render(c))
	}
	return style.Render(strings.Join(out, ""))
}

func (v *View) recentList() string {
	items := v.recent.Items()
	if len(items) == 0 {
		return ""
	}
	lines := []string{lipgloss.NewStyle().Bold(true).Foreground(v.theme.Header).Render("Recent sales")}
	for _, it := range items {
		c := toast.FromLatest(it, "")
		lines = append(lines, lipgloss.NewStyle().Foreground(v.theme.Faint).Render(
			fmt.Sprintf("%s  %s  %s  %s", c.When, c.Country, c.Amount, c.Product)))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), true, false, false, false).
		BorderForeground(v.theme.Border).
		Render(strings.Join(lines, "\n"))
}
