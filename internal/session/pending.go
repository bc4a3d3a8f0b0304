package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/relayctl/internal/wire"
)

// PendingTable tracks sent-but-unanswered requests by wire id.
type PendingTable struct {
	mu    sync.RWMutex
	items map[int64]wire.Request
}

func NewPendingTable() *PendingTable {
	return &PendingTable{items: make(map[int64]wire.Request)}
}

// Record stores one in-flight request. Reusing a live id fails with
// ErrDuplicateID and leaves the existing entry untouched.
func (t *PendingTable) Record(req wire.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.items[req.ID]; exists {
		return fmt.Errorf("%w: id %d", ErrDuplicateID, req.ID)
	}
	t.items[req.ID] = req
	return nil
}

// Pop removes and returns the request matching id.
func (t *PendingTable) Pop(id int64) (wire.Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.items[id]
	if ok {
		delete(t.items, id)
	}
	return req, ok
}

func (t *PendingTable) Get(id int64) (wire.Request, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	req, ok := t.items[id]
	return req, ok
}

func (t *PendingTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// List returns the in-flight requests ordered by id.
func (t *PendingTable) List() []wire.Request {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.Request, 0, len(t.items))
	for _, req := range t.items {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
