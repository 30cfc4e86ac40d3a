package pixcache

import (
	"image"
	"slices"

	"github.com/any-hub/thumbhub/internal/cache"
)

// handle 是条目在 arena 中的稳定下标，重排顺序时只移动 handle，不复制条目。
type handle int32

const nilHandle handle = -1

type ordering int

const (
	// loadOrder: Queued 条目构成连续前缀，最近(重新)请求的在最前。
	loadOrder ordering = iota
	// evictOrder: Loaded 条目构成连续前缀，从最久未用到最近使用。
	evictOrder

	orderingCount
)

type link struct {
	prev, next handle
}

type entry struct {
	id              cache.Identity
	status          Status
	image           image.Image
	creationAttempt uint64
	pending         []listenerID
	links           [orderingCount]link
	used            bool
}

// takePending 取走并清空待通知列表，保证每次登记只通知一次。
func (e *entry) takePending() []listenerID {
	pending := e.pending
	e.pending = nil
	return pending
}

type sequence struct {
	head, tail handle
}

// entryTable 在同一组条目上同时维护三种顺序：按 Identity 查找、加载顺序、淘汰顺序。
// 调用方负责加锁。
type entryTable struct {
	slots []entry
	free  []handle
	index map[cache.Identity]handle
	seqs  [orderingCount]sequence

	// queuedTail 是加载顺序中最后一个 Queued 条目，loadedTail 是淘汰顺序中最后一个 Loaded 条目。
	queuedTail handle
	loadedTail handle
	counts     [statusCount]int
}

func newEntryTable() *entryTable {
	t := &entryTable{
		index:      make(map[cache.Identity]handle),
		queuedTail: nilHandle,
		loadedTail: nilHandle,
	}
	for i := range t.seqs {
		t.seqs[i] = sequence{head: nilHandle, tail: nilHandle}
	}
	return t
}

func (t *entryTable) len() int {
	return len(t.index)
}

func (t *entryTable) count(s Status) int {
	return t.counts[s]
}

func (t *entryTable) lookup(id cache.Identity) (handle, bool) {
	h, ok := t.index[id]
	return h, ok
}

func (t *entryTable) get(h handle) *entry {
	return &t.slots[h]
}

// insert 创建新条目：Queued 条目排在加载顺序最前，其余状态排在 Queued 前缀之后；
// 淘汰顺序中放在最后一个 Loaded 条目之后。同一 Identity 已存在时返回已有 handle。
func (t *entryTable) insert(id cache.Identity, status Status, creationAttempt uint64) handle {
	if h, ok := t.index[id]; ok {
		return h
	}

	var h handle
	if n := len(t.free); n > 0 {
		h = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, entry{})
		h = handle(len(t.slots) - 1)
	}

	t.slots[h] = entry{
		id:              id,
		status:          status,
		creationAttempt: creationAttempt,
		used:            true,
	}
	t.index[id] = h
	t.counts[status]++
	t.place(h)
	return h
}

// touch 对 Loaded 条目标记为最近使用，对 Queued 条目提到加载顺序最前；其余状态不变。
func (t *entryTable) touch(h handle) {
	switch t.slots[h].status {
	case StatusLoaded, StatusQueued:
		t.detach(h)
		t.place(h)
	}
}

// transition 修改状态并在两个顺序中重新定位，保持前缀不变式。
func (t *entryTable) transition(h handle, status Status) {
	e := &t.slots[h]
	if e.status == status {
		return
	}
	t.detach(h)
	t.counts[e.status]--
	t.counts[status]++
	e.status = status
	if status != StatusLoaded {
		e.image = nil
	}
	t.place(h)
}

// frontOfLoadOrder 返回下一个待加载条目。
func (t *entryTable) frontOfLoadOrder() (handle, bool) {
	h := t.seqs[loadOrder].head
	if h == nilHandle || t.slots[h].status != StatusQueued {
		return nilHandle, false
	}
	return h, true
}

// frontOfEvictionOrder 返回最久未使用的 Loaded 条目。
func (t *entryTable) frontOfEvictionOrder() (handle, bool) {
	h := t.seqs[evictOrder].head
	if h == nilHandle || t.slots[h].status != StatusLoaded {
		return nilHandle, false
	}
	return h, true
}

// erase 从所有顺序中移除条目并回收 slot。
func (t *entryTable) erase(h handle) {
	e := &t.slots[h]
	if !e.used {
		return
	}
	t.detach(h)
	t.counts[e.status]--
	delete(t.index, e.id)
	t.slots[h] = entry{}
	t.free = append(t.free, h)
}

// identities 按 Identity 全序返回所有键。
func (t *entryTable) identities() []cache.Identity {
	ids := make([]cache.Identity, 0, len(t.index))
	for id := range t.index {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, cache.Identity.Compare)
	return ids
}

// walk 按指定顺序遍历 handle。
func (t *entryTable) walk(o ordering, fn func(handle) bool) {
	for h := t.seqs[o].head; h != nilHandle; h = t.slots[h].links[o].next {
		if !fn(h) {
			return
		}
	}
}

func (t *entryTable) detach(h handle) {
	e := &t.slots[h]
	if t.queuedTail == h {
		t.queuedTail = e.links[loadOrder].prev
	}
	if t.loadedTail == h {
		t.loadedTail = e.links[evictOrder].prev
	}
	for o := ordering(0); o < orderingCount; o++ {
		t.unlink(o, h)
	}
}

// place 按当前状态把已脱链的条目插回两个顺序。
func (t *entryTable) place(h handle) {
	e := &t.slots[h]

	if e.status == StatusQueued {
		t.insertAfter(loadOrder, nilHandle, h)
		if t.queuedTail == nilHandle {
			t.queuedTail = h
		}
	} else {
		t.insertAfter(loadOrder, t.queuedTail, h)
	}

	t.insertAfter(evictOrder, t.loadedTail, h)
	if e.status == StatusLoaded {
		t.loadedTail = h
	}
}

func (t *entryTable) unlink(o ordering, h handle) {
	l := t.slots[h].links[o]
	seq := &t.seqs[o]
	if l.prev != nilHandle {
		t.slots[l.prev].links[o].next = l.next
	} else {
		seq.head = l.next
	}
	if l.next != nilHandle {
		t.slots[l.next].links[o].prev = l.prev
	} else {
		seq.tail = l.prev
	}
	t.slots[h].links[o] = link{prev: nilHandle, next: nilHandle}
}

// insertAfter 把 h 插到 at 之后；at 为 nilHandle 时插到最前。
func (t *entryTable) insertAfter(o ordering, at, h handle) {
	seq := &t.seqs[o]
	var next handle
	if at == nilHandle {
		next = seq.head
		seq.head = h
	} else {
		next = t.slots[at].links[o].next
		t.slots[at].links[o].next = h
	}
	t.slots[h].links[o] = link{prev: at, next: next}
	if next != nilHandle {
		t.slots[next].links[o].prev = h
	} else {
		seq.tail = h
	}
}
