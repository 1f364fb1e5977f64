// ABOUTME: Bounded, time-limited set of recently seen request keys
// ABOUTME: The MCP server uses it to refuse replayed tools/call ids

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when New is given zero values.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxKeys = 4096
)

type seenKey struct {
	key string
	at  time.Time
}

// Window records keys for ttl, holding at most maxKeys of them. Expired keys
// are pruned on every call, oldest first, so no background goroutine is needed.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
}

// New creates an empty window.
func New(ttl time.Duration, maxKeys int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Seen reports whether key is already in the window. A key that is not is
// added, so of two concurrent callers with the same key exactly one gets false.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.pruneLocked(now)

	if _, ok := w.index[key]; ok {
		return true
	}

	if w.order.Len() >= w.maxKeys {
		w.removeLocked(w.order.Front())
	}
	w.index[key] = w.order.PushBack(seenKey{key: key, at: now})
	return false
}

// size returns the number of unexpired keys.
func (w *Window) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(w.now())
	return w.order.Len()
}

// Keys are inserted with non-decreasing timestamps, so expiry only ever
// happens at the front.
func (w *Window) pruneLocked(now time.Time) {
	for el := w.order.Front(); el != nil; el = w.order.Front() {
		if now.Sub(el.Value.(seenKey).at) < w.ttl {
			return
		}
		w.removeLocked(el)
	}
}

func (w *Window) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	w.order.Remove(el)
	delete(w.index, el.Value.(seenKey).key)
}
