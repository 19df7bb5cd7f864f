package reconcile

import (
	"sync"
	"sync/atomic"

	"salewatch/internal/session"
)

// Mark is a transient visual tag on a freshly changed row.
type Mark string

const (
	MarkNone     Mark = ""
	MarkInserted Mark = "inserted"
	MarkUpdated  Mark = "updated"
)

var nodeSeq atomic.Uint64

// Node is one rendered row. A Node is never mutated after it is handed to a
// Tree except for its mark, which the Tree owns.
type Node struct {
	ID        uint64
	Key       string
	Signature string
	Record    session.Record
	Cells     []string
	Mark      Mark
}

func newNode(key, sig string, rec session.Record, cells []string, mark Mark) *Node {
	return &Node{
		ID:        nodeSeq.Add(1),
		Key:       key,
		Signature: sig,
		Record:    rec,
		Cells:     cells,
		Mark:      mark,
	}
}

// Tree is the render target the reconciler mutates.
//
// Insert appends; the final position of every node is set by one Reorder call
// at the end of a pass.
type Tree interface {
	Nodes() []*Node
	Insert(n *Node)
	Replace(old, n *Node)
	Remove(n *Node)
	Reorder(order []*Node)
	SetEmpty(empty bool)
	Unmark(n *Node, m Mark)
}

// RowView is a copy of a node safe to hand to renderers and encoders.
type RowView struct {
	Key    string         `json:"key"`
	Cells  []string       `json:"cells"`
	Mark   Mark           `json:"mark,omitempty"`
	Record session.Record `json:"record"`
}

// Counters are cumulative mutation counts of a MemTree.
type Counters struct {
	Inserts  uint64 `json:"inserts"`
	Replaces uint64 `json:"replaces"`
	Removes  uint64 `json:"removes"`
	Reorders uint64 `json:"reorders"`
	Unmarks  uint64 `json:"unmarks"`
	Empties  uint64 `json:"empties"`
}

// Total is the number of visual mutations.
func (c Counters) Total() uint64 {
	return c.Inserts + c.Replaces + c.Removes + c.Reorders + c.Unmarks + c.Empties
}

// MemTree is an in-memory Tree safe for concurrent readers.
type MemTree struct {
	mu    sync.RWMutex
	nodes []*Node
	empty bool
	c     Counters
	gen   uint64
}

func NewMemTree() *MemTree { return &MemTree{} }

func (t *MemTree) Nodes() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Node(nil), t.nodes...)
}

func (t *MemTree) Insert(n *Node) {
	t.mu.Lock()
	t.nodes = append(t.nodes, n)
	t.c.Inserts++
	t.gen++
	t.mu.Unlock()
}

func (t *MemTree) Replace(old, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.nodes {
		if cur == old {
			t.nodes[i] = n
			t.c.Replaces++
			t.gen++
			return
		}
	}
	// The old node is gone; keep the replacement anyway.
	t.nodes = append(t.nodes, n)
	t.c.Inserts++
	t.gen++
}

func (t *MemTree) Remove(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.nodes {
		if cur == n {
			t.nodes = append(t.nodes[:i], t.nodes[i+1:]...)
			t.c.Removes++
			t.gen++
			return
		}
	}
}

func (t *MemTree) Reorder(order []*Node) {
	t.mu.Lock()
	t.nodes = append([]*Node(nil), order...)
	t.c.Reorders++
	t.gen++
	t.mu.Unlock()
}

func (t *MemTree) SetEmpty(empty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.empty == empty {
		return
	}
	t.empty = empty
	t.c.Empties++
	t.gen++
}

func (t *MemTree) Unmark(n *Node, m Mark) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.nodes {
		if cur == n && cur.Mark == m && m != MarkNone {
			cur.Mark = MarkNone
			t.c.Unmarks++
			t.gen++
			return
		}
	}
}

// Empty reports whether the empty-state row is showing.
func (t *MemTree) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.empty
}

// Generation increments on every mutation; renderers use it to skip redraws.
func (t *MemTree) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gen
}

func (t *MemTree) Counters() Counters {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.c
}

// Rows returns copies of the current rows in display order.
func (t *MemTree) Rows() []RowView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RowView, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, RowView{
			Key:    n.Key,
			Cells:  append([]string(nil), n.Cells...),
			Mark:   n.Mark,
			Record: n.Record,
		})
	}
	return out
}
