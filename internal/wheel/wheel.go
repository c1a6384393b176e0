// Package wheel implements a coarse-grained bucketed expiration timer,
// the "expiry wheel" of the connection factory. It trades up to one tick
// of expiration jitter for O(1) renewal under high churn and single-shot
// draining of large expired cohorts.
package wheel

import (
	"container/heap"
	"sync"
	"time"
)

// Wheel buckets arbitrary comparable items by their rounded-up deadline.
// Item identity is whatever the caller passes to Update/Remove — for the
// factory this is a cnxn.Cnxn value, but the wheel itself has no
// dependency on that package so it stays independently testable.
type Wheel struct {
	tickMs int64

	mu         sync.Mutex
	buckets    map[int64]map[interface{}]struct{}
	itemBucket map[interface{}]int64
	bucketKeys bucketHeap
	inHeap     map[int64]bool
}

// bucketHeap is a min-heap of bucket deadlines (absolute unix millis).
type bucketHeap []int64

func (h bucketHeap) Len() int            { return len(h) }
func (h bucketHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h bucketHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *bucketHeap) Push(x interface{}) { *h = append(*h, x.(int64)) }
func (h *bucketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// New creates a wheel with the given tick length. The tick length is the
// sessionless connection timeout's resolution: renewals round up to the
// next multiple of tick.
func New(tick time.Duration) *Wheel {
	if tick <= 0 {
		tick = time.Millisecond
	}
	w := &Wheel{
		tickMs:     tick.Milliseconds(),
		buckets:    make(map[int64]map[interface{}]struct{}),
		itemBucket: make(map[interface{}]int64),
		inHeap:     make(map[int64]bool),
	}
	heap.Init(&w.bucketKeys)
	return w
}

func (w *Wheel) bucketFor(deadlineMs int64) int64 {
	if w.tickMs <= 0 {
		return deadlineMs
	}
	return ((deadlineMs + w.tickMs - 1) / w.tickMs) * w.tickMs
}

// Update renews item's deadline to the next tick boundary at or beyond
// now+timeout, moving it out of its old bucket if it was already tracked.
func (w *Wheel) Update(item interface{}, timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeLocked(item)

	deadlineMs := time.Now().Add(timeout).UnixMilli()
	bucket := w.bucketFor(deadlineMs)

	set, ok := w.buckets[bucket]
	if !ok {
		set = make(map[interface{}]struct{})
		w.buckets[bucket] = set
	}
	set[item] = struct{}{}
	w.itemBucket[item] = bucket

	if !w.inHeap[bucket] {
		heap.Push(&w.bucketKeys, bucket)
		w.inHeap[bucket] = true
	}
}

// Remove deletes item from its bucket, if tracked.
func (w *Wheel) Remove(item interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(item)
}

func (w *Wheel) removeLocked(item interface{}) {
	bucket, ok := w.itemBucket[item]
	if !ok {
		return
	}
	delete(w.itemBucket, item)
	if set, ok := w.buckets[bucket]; ok {
		delete(set, item)
		if len(set) == 0 {
			delete(w.buckets, bucket)
		}
	}
}

// popStaleLocked discards heap entries whose bucket has already been
// drained or emptied (lazy deletion companion to removeLocked).
func (w *Wheel) popStaleLocked() {
	for w.bucketKeys.Len() > 0 {
		top := w.bucketKeys[0]
		if set, ok := w.buckets[top]; ok && len(set) > 0 {
			return
		}
		heap.Pop(&w.bucketKeys)
		delete(w.inHeap, top)
	}
}

// WaitTime returns the duration until the earliest bucket's deadline, or
// 0 if it has already passed. If nothing is scheduled it returns a long
// duration so an expirer loop sleeping on this value does not busy-spin.
func (w *Wheel) WaitTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.popStaleLocked()

	if w.bucketKeys.Len() == 0 {
		return 24 * time.Hour
	}

	nowMs := time.Now().UnixMilli()
	remaining := w.bucketKeys[0] - nowMs
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining) * time.Millisecond
}

// Poll detaches and returns every item in the earliest bucket if its
// deadline has passed, otherwise it returns nil.
func (w *Wheel) Poll() []interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.popStaleLocked()

	if w.bucketKeys.Len() == 0 {
		return nil
	}

	top := w.bucketKeys[0]
	if top > time.Now().UnixMilli() {
		return nil
	}

	heap.Pop(&w.bucketKeys)
	delete(w.inHeap, top)

	set := w.buckets[top]
	delete(w.buckets, top)

	items := make([]interface{}, 0, len(set))
	for item := range set {
		items = append(items, item)
		delete(w.itemBucket, item)
	}
	return items
}

// Len reports the number of items currently tracked, for introspection.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.itemBucket)
}
