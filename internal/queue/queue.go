package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// RetryQueue holds delivery ids scheduled for a future re-attempt. It
// stores ids only — the ledger owns all mutable delivery state. A given
// id is present at most once; re-enqueueing updates its due time.
type RetryQueue interface {
	// Enqueue schedules the delivery id to become due at the given time.
	Enqueue(ctx context.Context, deliveryID string, due time.Time) error

	// Due removes and returns up to limit ids whose due time has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Remove drops the id if present. Removing an absent id is a no-op.
	Remove(ctx context.Context, deliveryID string) error

	// Len reports how many ids are queued.
	Len(ctx context.Context) (int, error)
}

type memoryItem struct {
	id    string
	due   time.Time
	index int
}

type memoryHeap []*memoryItem

func (h memoryHeap) Len() int            { return len(h) }
func (h memoryHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h memoryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *memoryHeap) Push(x interface{}) { item := x.(*memoryItem); item.index = len(*h); *h = append(*h, item) }
func (h *memoryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Memory is the default retry queue: a min-heap on due time with an id
// index for deduplication. It is the in-process stand-in for the Redis
// queue and shares its contract.
type Memory struct {
	mu    sync.Mutex
	items memoryHeap
	byID  map[string]*memoryItem
}

// NewMemory creates an empty in-memory retry queue.
func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*memoryItem)}
}

func (m *Memory) Enqueue(_ context.Context, deliveryID string, due time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.byID[deliveryID]; ok {
		item.due = due
		heap.Fix(&m.items, item.index)
		return nil
	}

	item := &memoryItem{id: deliveryID, due: due}
	heap.Push(&m.items, item)
	m.byID[deliveryID] = item
	return nil
}

func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for len(m.items) > 0 && (limit <= 0 || len(out) < limit) {
		next := m.items[0]
		if next.due.After(now) {
			break
		}
		heap.Pop(&m.items)
		delete(m.byID, next.id)
		out = append(out, next.id)
	}
	return out, nil
}

func (m *Memory) Remove(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.byID[deliveryID]; ok {
		heap.Remove(&m.items, item.index)
		delete(m.byID, deliveryID)
	}
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}
