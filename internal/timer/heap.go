// Package timer implements the idle-connection expiry heap.
//
// Heap is a binary min-heap of (expiry, id) pairs with an id → index map so that any
// entry can be updated or removed in O(log n). Connections are touched in arbitrary
// order on every I/O event, so updates are rarely at the root.
package timer

import "time"

// Callback runs when an entry expires. It is invoked after the entry was removed,
// so it may call back into the heap.
type Callback func()

type node struct {
	id      uint64
	expires time.Time
	cb      Callback
}

// Heap is not safe for concurrent use; the reactor guards it with its own mutex.
type Heap struct {
	now   func() time.Time
	nodes []node
	index map[uint64]int
}

// New creates an empty heap. A nil clock defaults to time.Now.
func New(now func() time.Time) *Heap {
	if now == nil {
		now = time.Now
	}
	return &Heap{
		now:   now,
		nodes: make([]node, 0, 64),
		index: make(map[uint64]int),
	}
}

// Add schedules cb to run timeout from now. An existing entry for id is updated in
// place, never duplicated.
func (h *Heap) Add(id uint64, timeout time.Duration, cb Callback) {
	expires := h.now().Add(timeout)

	if i, ok := h.index[id]; ok {
		h.nodes[i].expires = expires
		h.nodes[i].cb = cb
		h.fix(i)
		return
	}

	h.nodes = append(h.nodes, node{id: id, expires: expires, cb: cb})
	i := len(h.nodes) - 1
	h.index[id] = i
	h.siftUp(i)
}

// Adjust moves the expiry of id to timeout from now. It returns false if id is not
// scheduled.
func (h *Heap) Adjust(id uint64, timeout time.Duration) bool {
	i, ok := h.index[id]
	if !ok {
		return false
	}
	h.nodes[i].expires = h.now().Add(timeout)
	h.fix(i)
	return true
}

// Remove drops id without running its callback.
func (h *Heap) Remove(id uint64) bool {
	i, ok := h.index[id]
	if !ok {
		return false
	}
	h.delete(i)
	return true
}

// Tick runs and removes every entry whose expiry is not after now, earliest first,
// and returns how many fired.
func (h *Heap) Tick() int {
	now := h.now()
	fired := 0
	for len(h.nodes) > 0 {
		root := h.nodes[0]
		if root.expires.After(now) {
			break
		}
		h.delete(0)
		fired++
		if root.cb != nil {
			root.cb()
		}
	}
	return fired
}

// NextDeadline returns the time until the earliest expiry, clamped at zero. The
// boolean is false when the heap is empty.
func (h *Heap) NextDeadline() (time.Duration, bool) {
	if len(h.nodes) == 0 {
		return 0, false
	}
	d := h.nodes[0].expires.Sub(h.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Len returns the number of scheduled entries.
func (h *Heap) Len() int {
	return len(h.nodes)
}

// Contains reports whether id is scheduled.
func (h *Heap) Contains(id uint64) bool {
	_, ok := h.index[id]
	return ok
}

// Expiry returns the absolute expiry of id.
func (h *Heap) Expiry(id uint64) (time.Time, bool) {
	i, ok := h.index[id]
	if !ok {
		return time.Time{}, false
	}
	return h.nodes[i].expires, true
}

// Clear drops every entry without running callbacks.
func (h *Heap) Clear() {
	h.nodes = h.nodes[:0]
	clear(h.index)
}

func (h *Heap) delete(i int) {
	last := len(h.nodes) - 1
	if i != last {
		h.swap(i, last)
	}
	delete(h.index, h.nodes[last].id)
	h.nodes[last] = node{}
	h.nodes = h.nodes[:last]

	if i < len(h.nodes) {
		h.fix(i)
	}
}

// fix restores heap order at i after its expiry changed.
func (h *Heap) fix(i int) {
	if !h.siftDown(i) {
		h.siftUp(i)
	}
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown reports whether the element moved.
func (h *Heap) siftDown(i int) bool {
	start := i
	n := len(h.nodes)
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if right := child + 1; right < n && h.less(right, child) {
			child = right
		}
		if !h.less(child, i) {
			break
		}
		h.swap(i, child)
		i = child
	}
	return i > start
}

func (h *Heap) less(a, b int) bool {
	return h.nodes[a].expires.Before(h.nodes[b].expires)
}

func (h *Heap) swap(a, b int) {
	h.nodes[a], h.nodes[b] = h.nodes[b], h.nodes[a]
	h.index[h.nodes[a].id] = a
	h.index[h.nodes[b].id] = b
}
