package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry struct {
	key     string
	storedW time.Time
	value   any
}

// Memory is an in-process store with an optional LRU bound. A Get of a
// fresh entry marks it recently used; eviction happens on Set.
type Memory struct {
	mu         sync.Mutex
	maxEntries int // 0 = unbounded
	order      *list.List               // front = most recently used
	entries    map[string]*list.Element // key -> element holding *memoryEntry
	now        func() time.Time
}

// NewMemory creates a memory store bounded to maxEntries (0 = unbounded).
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Get returns the value stored under key if it is within ttl.
func (m *Memory) Get(key string, ttl time.Duration) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if m.now().Sub(entry.storedW) > ttl {
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return entry.value, true, nil
}

// Set stores value under key, evicting least-recently-used entries past
// the bound.
func (m *Memory) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.storedW = m.now()
		entry.value = value
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryEntry{key: key, storedW: m.now(), value: value})
	m.entries[key] = el

	if m.maxEntries > 0 {
		for m.order.Len() > m.maxEntries {
			oldest := m.order.Back()
			if oldest == nil {
				break
			}
			m.order.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
