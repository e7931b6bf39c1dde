package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type delayed struct {
	id  string
	due time.Time
}

type delayHeap []delayed

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayed)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// delayQueue releases job IDs once their retry delay has elapsed, so no
// worker goroutine sleeps through a backoff.
type delayQueue struct {
	now   func() time.Time
	mu    sync.Mutex
	items delayHeap
	wake  chan struct{}
}

func newDelayQueue(now func() time.Time) *delayQueue {
	return &delayQueue{now: now, wake: make(chan struct{}, 1)}
}

func (d *delayQueue) add(id string, due time.Time) {
	d.mu.Lock()
	heap.Push(&d.items, delayed{id: id, due: due})
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *delayQueue) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.items.Len()
}

// popDue removes the earliest item if it is due, otherwise reports how long
// until it will be. ok is false when the heap is empty.
func (d *delayQueue) popDue(now time.Time) (id string, wait time.Duration, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.items.Len() == 0 {
		return "", 0, false
	}
	next := d.items[0]
	if wait := next.due.Sub(now); wait > 0 {
		return "", wait, true
	}
	heap.Pop(&d.items)
	return next.id, 0, true
}

func (d *delayQueue) run(ctx context.Context, fire func(id string)) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		id, wait, ok := d.popDue(d.now())
		if ok && id != "" {
			fire(id)
			continue
		}
		var timerC <-chan time.Time
		if ok {
			timer.Reset(wait)
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}
