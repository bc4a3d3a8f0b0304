package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/relayctl/internal/wire"
)

// Entry is one queued request with its enqueue timestamp. Requeued
// entries keep their original stamp so they drain before newer work.
type Entry struct {
	EnqueuedAt time.Time
	Request    wire.Request
}

// RequestQueue orders entries by enqueue time and blocks its consumer
// until work or shutdown arrives. One consumer at a time.
type RequestQueue struct {
	mu        sync.Mutex
	entries   []Entry
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *RequestQueue) Enqueue(e Entry) {
	q.mu.Lock()
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].EnqueuedAt.After(e.EnqueuedAt)
	})
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	q.mu.Unlock()
	q.signal()
}

// Dequeue pops the oldest entry, blocking while the queue is empty. It
// fails with ErrClosed after Close and with the context error on
// cancel. Entries still queued at Close drain before ErrClosed.
func (q *RequestQueue) Dequeue(ctx context.Context) (Entry, error) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := q.entries[0]
			q.entries[0] = Entry{}
			q.entries = q.entries[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()
		select {
		case <-q.wake:
		case <-q.done:
			return Entry{}, ErrClosed
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

func (q *RequestQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *RequestQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *RequestQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
