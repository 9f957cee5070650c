package cluster

import (
	"sync"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
)

// failureTracker counts consecutive timeouts per peer.
type failureTracker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
}

func newFailureTracker(threshold int) *failureTracker {
	return &failureTracker{threshold: threshold, counts: make(map[string]int)}
}

// fail records one failure and reports whether the threshold was reached.
func (f *failureTracker) fail(id string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[id]++
	n := f.counts[id]
	return n, n >= f.threshold
}

func (f *failureTracker) succeed(id string) {
	f.mu.Lock()
	delete(f.counts, id)
	f.mu.Unlock()
}

func (f *failureTracker) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

// tombstones remembers the final status of recently delivered messages, oldest first out.
type tombstones struct {
	mu       sync.Mutex
	capacity int
	order    []uuid.UUID
	status   map[uuid.UUID]message.Status
}

func newTombstones(capacity int) *tombstones {
	return &tombstones{capacity: capacity, status: make(map[uuid.UUID]message.Status)}
}

func (t *tombstones) add(id uuid.UUID, s message.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.status[id]; !ok {
		t.order = append(t.order, id)
	}
	t.status[id] = s
	for len(t.order) > t.capacity {
		delete(t.status, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *tombstones) get(id uuid.UUID) (message.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.status[id]
	return s, ok
}
