package relay

import (
	"sync"

	"github.com/danmuck/relayctl/internal/session"
)

// NotificationHandler consumes one server-push notification.
type NotificationHandler func(ex session.Exchange)

// handlerSet is the method-keyed route table for notifications.
// Registration is safe while the session loops run.
type handlerSet struct {
	mu sync.RWMutex
	m  map[string]NotificationHandler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{m: map[string]NotificationHandler{}}
}

func (h *handlerSet) set(method string, fn NotificationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.m, method)
		return
	}
	h.m[method] = fn
}

func (h *handlerSet) get(method string) (NotificationHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.m[method]
	return fn, ok
}

// Handle routes notifications carrying the given method to fn. A nil
// fn removes the route; notifications without a route still reach
// OnExchange.
func (s *Service) Handle(method string, fn NotificationHandler) {
	s.handlers.set(method, fn)
}
