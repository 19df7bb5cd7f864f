// Package reconcile keeps a rendered table of session rows in step with a
// stream of snapshots using the smallest set of insert, update, remove and
// reorder operations.
package reconcile

import (
	"context"
	"sync"
	"time"

	"salewatch/internal/session"
	"salewatch/pkg/logx"
)

const (
	DefaultChunkThreshold = 15
	DefaultChunkSize      = 12
	DefaultMarkTTL        = 900 * time.Millisecond
)

// Builder renders the cells of one row. theme is the current bind salt.
type Builder func(rec session.Record, theme string) []string

// Options tune a Reconciler. Zero values take the defaults.
type Options struct {
	ChunkThreshold int
	ChunkSize      int
	MarkTTL        time.Duration
	Yielder        Yielder
	Builder        Builder

	// AfterFunc schedules mark clearing. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func())
}

// Stats describes one reconcile pass.
type Stats struct {
	Kept      int  `json:"kept"`
	Inserted  int  `json:"inserted"`
	Updated   int  `json:"updated"`
	Removed   int  `json:"removed"`
	Reordered bool `json:"reordered"`
	Skipped   int  `json:"skipped"`
	Chunks    int  `json:"chunks"`
	Empty     bool `json:"empty"`
}

// Mutations counts row-level changes applied to the tree.
func (s Stats) Mutations() int {
	n := s.Inserted + s.Updated + s.Removed
	if s.Reordered {
		n++
	}
	return n
}

// Reconciler serializes passes against a Tree. A pass that yields between
// chunks holds the reconciler until it finishes.
type Reconciler struct {
	mu    sync.Mutex
	opts  Options
	theme string
	last  []session.Record
	log   logx.Logger
}

func New(opts Options, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reconciler{log: log.With(logx.String("comp", "reconcile"))}
	r.opts = normalize(opts)
	return r
}

func normalize(o Options) Options {
	if o.ChunkThreshold <= 0 {
		o.ChunkThreshold = DefaultChunkThreshold
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.MarkTTL <= 0 {
		o.MarkTTL = DefaultMarkTTL
	}
	if o.Yielder == nil {
		o.Yielder = FrameYielder{}
	}
	if o.Builder == nil {
		o.Builder = Cells
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return o
}

// SetOptions swaps tuning for subsequent passes.
func (r *Reconciler) SetOptions(opts Options) {
	r.mu.Lock()
	r.opts = normalize(opts)
	r.mu.Unlock()
}

// Theme returns the current bind salt.
func (r *Reconciler) Theme() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.theme
}

// Last returns the records of the most recent non-empty pass.
func (r *Reconciler) Last() []session.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Record(nil), r.last...)
}

// Reconcile makes tree show next, in order.
//
// An empty next keeps the current rows and flips the tree to its empty state.
// A cancelled ctx stops between chunks; the rows applied so far stay valid
// and the next pass converges.
func (r *Reconciler) Reconcile(ctx context.Context, tree Tree, next []session.Record) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.pass(ctx, tree, next, false)
	if err == nil && len(next) > 0 {
		r.last = append(r.last[:0:0], next...)
	}
	return st, err
}

// Rebind changes the bind salt and rebuilds the last rows without marks.
func (r *Reconciler) Rebind(ctx context.Context, tree Tree, theme string) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.theme = theme
	if len(r.last) == 0 {
		return Stats{}, nil
	}
	return r.pass(ctx, tree, r.last, true)
}

func (r *Reconciler) pass(ctx context.Context, tree Tree, next []session.Record, quiet bool) (Stats, error) {
	var st Stats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	if len(next) == 0 {
		tree.SetEmpty(true)
		st.Empty = true
		return st, nil
	}
	tree.SetEmpty(false)

	existing := tree.Nodes()
	byKey := make(map[string]*Node, len(existing))
	for _, n := range existing {
		if _, dup := byKey[n.Key]; !dup {
			byKey[n.Key] = n
		}
	}
	keep := make(map[*Node]struct{}, len(next))
	order := make([]*Node, 0, len(next))
	seen := make(map[string]struct{}, len(next))
	opts := r.opts

	apply := func(rec session.Record) {
		key := rec.ID
		if key == "" {
			st.Skipped++
			return
		}
		if _, dup := seen[key]; dup {
			st.Skipped++
			return
		}
		seen[key] = struct{}{}

		sig := session.Signature(rec, r.theme)
		cur, ok := byKey[key]
		if ok && cur.Signature == sig {
			keep[cur] = struct{}{}
			order = append(order, cur)
			st.Kept++
			return
		}

		mark := MarkInserted
		if ok {
			mark = MarkUpdated
		}
		if quiet {
			mark = MarkNone
		}
		n := newNode(key, sig, rec, opts.Builder(rec, r.theme), mark)
		if ok {
			tree.Replace(cur, n)
			st.Updated++
		} else {
			tree.Insert(n)
			st.Inserted++
		}
		keep[n] = struct{}{}
		order = append(order, n)
		if mark != MarkNone {
			opts.AfterFunc(opts.MarkTTL, func() { tree.Unmark(n, mark) })
		}
	}

	if len(next) <= opts.ChunkThreshold {
		for _, rec := range next {
			apply(rec)
		}
		st.Chunks = 1
	} else {
		for start := 0; start < len(next); start += opts.ChunkSize {
			end := min(start+opts.ChunkSize, len(next))
			for _, rec := range next[start:end] {
				apply(rec)
			}
			st.Chunks++
			if end < len(next) {
				if err := opts.Yielder.Yield(ctx); err != nil {
					r.log.Debug("reconcile interrupted", logx.Int("applied", end), logx.Int("total", len(next)), logx.Err(err))
					return st, err
				}
			}
		}
	}

	// Everything in the tree that no record referenced goes, including
	// duplicates of a key left over from an earlier render.
	for _, n := range tree.Nodes() {
		if _, ok := keep[n]; !ok {
			tree.Remove(n)
			st.Removed++
		}
	}
	if !sameOrder(tree.Nodes(), order) {
		tree.Reorder(order)
		st.Reordered = true
	}

	if st.Mutations() > 0 {
		r.log.Debug("reconciled",
			logx.Int("kept", st.Kept),
			logx.Int("inserted", st.Inserted),
			logx.Int("updated", st.Updated),
			logx.Int("removed", st.Removed),
			logx.Bool("reordered", st.Reordered),
			logx.Bool("quiet", quiet),
		)
	}
	return st, nil
}

func sameOrder(cur, want []*Node) bool {
	if len(cur) != len(want) {
		return false
	}
	for i := range cur {
		if cur[i] != want[i] {
			return false
		}
	}
	return true
}
