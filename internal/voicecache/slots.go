package voicecache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/allvoice/voice-gateway/internal/observability"
)

// SlotHandle is a voice currently loaded on the provider
type SlotHandle struct {
	Key          CacheKey `json:"key"`
	RemoteSlotID string   `json:"remoteSlotId"`
	LogicalName  string   `json:"logicalName"`
}

// SlotTable is the bounded LRU mirror of the voices loaded on the provider.
// It never talks to the network; callers delete the remote slots of handles
// it hands back.
type SlotTable struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[CacheKey, SlotHandle]
	capacity int
}

// NewSlotTable creates a table holding at most capacity handles
func NewSlotTable(capacity int) (*SlotTable, error) {
	lru, err := simplelru.NewLRU[CacheKey, SlotHandle](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &SlotTable{lru: lru, capacity: capacity}, nil
}

// Get returns the handle for key and marks it most recently used
func (t *SlotTable) Get(key CacheKey) (SlotHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Get(key)
}

// Put inserts or replaces the handle for key. When the insert needs room the
// least recently used handle is removed and returned.
func (t *SlotTable) Put(key CacheKey, handle SlotHandle) (SlotHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted SlotHandle
	var ok bool
	if !t.lru.Contains(key) && t.lru.Len() >= t.capacity {
		_, evicted, ok = t.lru.RemoveOldest()
	}
	t.lru.Add(key, handle)
	observability.SetSlotsLoaded(t.lru.Len())

	return evicted, ok
}

// Remove deletes key from the table and returns its handle
func (t *SlotTable) Remove(key CacheKey) (SlotHandle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.lru.Peek(key)
	if ok {
		t.lru.Remove(key)
		observability.SetSlotsLoaded(t.lru.Len())
	}
	return handle, ok
}

// RemoveIf deletes key only while it still maps to remoteSlotID. It reports
// whether a handle was removed.
func (t *SlotTable) RemoveIf(key CacheKey, remoteSlotID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle, ok := t.lru.Peek(key)
	if !ok || handle.RemoteSlotID != remoteSlotID {
		return false
	}
	t.lru.Remove(key)
	observability.SetSlotsLoaded(t.lru.Len())
	return true
}

// RemoveStale removes every handle of logicalName whose key differs from
// current and returns them. Recency of the remaining entries is untouched.
func (t *SlotTable) RemoveStale(logicalName string, current CacheKey) []SlotHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stale []SlotHandle
	for _, key := range t.lru.Keys() {
		handle, ok := t.lru.Peek(key)
		if !ok || handle.LogicalName != logicalName || key == current {
			continue
		}
		t.lru.Remove(key)
		stale = append(stale, handle)
	}
	if len(stale) > 0 {
		observability.SetSlotsLoaded(t.lru.Len())
	}
	return stale
}

// FindByLogicalName returns the handles loaded for a logical voice without
// touching recency
func (t *SlotTable) FindByLogicalName(logicalName string) []SlotHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var found []SlotHandle
	for _, key := range t.lru.Keys() {
		if handle, ok := t.lru.Peek(key); ok && handle.LogicalName == logicalName {
			found = append(found, handle)
		}
	}
	return found
}

// Handles returns every handle, least recently used first
func (t *SlotTable) Handles() []SlotHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.lru.Keys()
	handles := make([]SlotHandle, 0, len(keys))
	for _, key := range keys {
		if handle, ok := t.lru.Peek(key); ok {
			handles = append(handles, handle)
		}
	}
	return handles
}

// Purge empties the table
func (t *SlotTable) Purge() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Purge()
	observability.SetSlotsLoaded(0)
}

func (t *SlotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lru.Len()
}

func (t *SlotTable) Capacity() int {
	return t.capacity
}
