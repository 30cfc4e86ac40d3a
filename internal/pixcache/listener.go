package pixcache

import (
	"sync"

	"github.com/any-hub/thumbhub/internal/cache"
)

// Callback 在请求的条目完成、失败或过期时被调用。
type Callback func(id cache.Identity, result Result)

type listenerID uint64

// Listener 是调用方持有的回调句柄。条目只记录 listenerID，不持有回调本身；
// Close 之后该 ID 在分发时查找不到，回调被静默跳过。
type Listener struct {
	id       listenerID
	registry *listenerRegistry
	once     sync.Once
}

// Close 注销回调，可重复调用，可在任意 goroutine 调用（包括回调内部）。
func (l *Listener) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.registry.remove(l.id)
	})
}

type listenerRegistry struct {
	mu        sync.Mutex
	next      listenerID
	callbacks map[listenerID]Callback
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{callbacks: make(map[listenerID]Callback)}
}

func (r *listenerRegistry) add(fn Callback) *Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.callbacks[r.next] = fn
	return &Listener{id: r.next, registry: r}
}

func (r *listenerRegistry) remove(id listenerID) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

func (r *listenerRegistry) lookup(id listenerID) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.callbacks[id]
	return fn, ok
}

func (r *listenerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callbacks)
}

// notify 依次调用仍存活的回调，返回实际调用次数。调用方不得持有表锁。
func (r *listenerRegistry) notify(id cache.Identity, pending []listenerID, result Result) int {
	invoked := 0
	for _, lid := range pending {
		fn, ok := r.lookup(lid)
		if !ok || fn == nil {
			continue
		}
		fn(id, result)
		invoked++
	}
	return invoked
}
