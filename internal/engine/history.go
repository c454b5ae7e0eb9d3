package engine

import (
	"sync"

	"github.com/rendis/hookflow/internal/store"
)

// DefaultHistorySize bounds the in-memory execution history.
const DefaultHistorySize = 1000

// history keeps the most recent executions in creation order. Updates to an
// execution already present keep its position; adding past capacity evicts
// the oldest entry, and an evicted execution never comes back.
type history struct {
	mu    sync.Mutex
	size  int
	ring  []*store.Execution
	head  int // index of the oldest entry
	count int
	index map[string]int // execution id -> ring slot
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{
		size:  size,
		ring:  make([]*store.Execution, size),
		index: make(map[string]int, size),
	}
}

// add inserts a newly created execution, evicting the oldest entry past
// capacity. Adding an id that is already present replaces it in place.
func (h *history) add(exec *store.Execution) {
	cp := exec.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()

	if slot, ok := h.index[cp.ID]; ok {
		h.ring[slot] = cp
		return
	}
	if h.count == h.size {
		oldest := h.ring[h.head]
		delete(h.index, oldest.ID)
		h.ring[h.head] = nil
		h.head = (h.head + 1) % h.size
		h.count--
	}
	slot := (h.head + h.count) % h.size
	h.ring[slot] = cp
	h.index[cp.ID] = slot
	h.count++
}

// update replaces the stored copy of exec. Updates for an execution that
// was never added or has already been evicted are dropped.
func (h *history) update(exec *store.Execution) bool {
	cp := exec.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.index[cp.ID]
	if !ok {
		return false
	}
	h.ring[slot] = cp
	return true
}

// get returns a copy of the execution with the given id.
func (h *history) get(id string) (*store.Execution, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.index[id]
	if !ok {
		return nil, false
	}
	return h.ring[slot].Clone(), true
}

// list returns copies newest first, skipping offset entries. limit <= 0
// returns everything after the offset.
func (h *history) list(limit, offset int) []store.Execution {
	h.mu.Lock()
	defer h.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	n := h.count - offset
	if n <= 0 {
		return []store.Execution{}
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]store.Execution, 0, n)
	for i := 0; i < n; i++ {
		slot := (h.head + h.count - 1 - offset - i) % h.size
		out = append(out, *h.ring[slot].Clone())
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
