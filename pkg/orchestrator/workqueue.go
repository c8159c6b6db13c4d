package orchestrator

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/rulefleet/rulefleet/pkg/core"
)

// delayedQueue orders parent refs by ready time using a min-heap.
// Enqueueing a ref that is already queued keeps the earliest ready
// time, so a parent is never dispatched twice for one wakeup.
type delayedQueue struct {
	mu       sync.Mutex
	items    refHeap
	notifyCh chan struct{}
}

type refItem struct {
	ref     core.ParentRef
	readyAt time.Time
	index   int
}

type refHeap []*refItem

func (h refHeap) Len() int { return len(h) }

func (h refHeap) Less(i, j int) bool {
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h refHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *refHeap) Push(x any) {
	item := x.(*refItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *refHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func newDelayedQueue() *delayedQueue {
	q := &delayedQueue{notifyCh: make(chan struct{}, 1)}
	heap.Init(&q.items)
	return q
}

// Enqueue schedules the ref to become ready after delay.
func (q *delayedQueue) Enqueue(ref core.ParentRef, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	readyAt := time.Now().Add(delay)
	for _, item := range q.items {
		if item.ref == ref {
			if readyAt.Before(item.readyAt) {
				item.readyAt = readyAt
				heap.Fix(&q.items, item.index)
			}
			q.notify()
			return
		}
	}

	heap.Push(&q.items, &refItem{ref: ref, readyAt: readyAt})
	q.notify()
}

// Dequeue pops the next ready ref. Returns false when the queue is
// empty or the head item's delay has not elapsed.
func (q *delayedQueue) Dequeue() (core.ParentRef, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return core.ParentRef{}, false
	}
	if time.Now().Before(q.items[0].readyAt) {
		return core.ParentRef{}, false
	}
	item := heap.Pop(&q.items).(*refItem)
	return item.ref, true
}

func (q *delayedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Wait returns a channel that signals when new items arrive. The
// consumer still polls on a ticker for items whose delay elapses.
func (q *delayedQueue) Wait() <-chan struct{} {
	return q.notifyCh
}

func (q *delayedQueue) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// jitter spreads a duration by up to fraction in either direction so
// sweeps across parents do not dispatch in lockstep.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	if fraction > 1.0 {
		fraction = 1.0
	}
	spread := rand.Float64()*2.0 - 1.0
	return time.Duration(float64(d) * (1.0 + spread*fraction))
}
