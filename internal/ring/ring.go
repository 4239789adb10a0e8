// Package ring provides a bounded concurrent FIFO buffer with a configurable
// overflow policy, used to decouple the camera acquisition path from slower
// consumers without unbounded blocking.
package ring

import (
	"fmt"
	"sync"
	"time"
)

// OverflowStrategy selects what Put does when the buffer is full.
type OverflowStrategy int

const (
	// DropOldest silently overwrites the oldest entry.
	DropOldest OverflowStrategy = iota
	// DropNewest rejects the incoming entry and counts it as dropped.
	DropNewest
	// Expand grows the capacity instead of dropping.
	Expand
	// Block waits for space up to the Put timeout.
	Block
)

func (s OverflowStrategy) String() string {
	switch s {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Expand:
		return "expand"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseOverflowStrategy maps a config string to its strategy.
func ParseOverflowStrategy(s string) (OverflowStrategy, error) {
	switch s {
	case "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "expand":
		return Expand, nil
	case "block":
		return Block, nil
	default:
		return 0, fmt.Errorf("ring: unknown overflow strategy %q", s)
	}
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Capacity      int     `json:"capacity"`
	Size          int     `json:"size"`
	TotalWrites   uint64  `json:"total_writes"`
	TotalReads    uint64  `json:"total_reads"`
	DroppedFrames uint64  `json:"dropped_frames"`
	OverrunEvents uint64  `json:"overrun_events"`
	AvgPutMicros  float64 `json:"avg_put_micros"`
	AvgGetMicros  float64 `json:"avg_get_micros"`
}

// Buffer is a bounded FIFO queue safe for concurrent use. One mutex and one
// condition variable guard the internal deque; every blocking operation is
// bounded by a caller-supplied timeout.
type Buffer[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	head     int
	count    int
	capacity int
	strategy OverflowStrategy
	closed   bool

	totalWrites   uint64
	totalReads    uint64
	droppedFrames uint64
	overrunEvents uint64
	putNanos      int64
	getNanos      int64
}

// New creates a Buffer with the given capacity and overflow strategy.
// Capacity must be positive.
func New[T any](capacity int, strategy OverflowStrategy) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive, got %d", capacity)
	}
	b := &Buffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		strategy: strategy,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b, nil
}

// Put enqueues item. For the Block strategy a full buffer waits up to timeout
// for space; every other strategy returns immediately. The return value is
// false when the item was not enqueued (buffer closed, DropNewest rejection,
// or Block timeout). A DropOldest overwrite returns true.
func (b *Buffer[T]) Put(item T, timeout time.Duration) bool {
	start := time.Now()
	b.mu.Lock()
	defer func() {
		b.putNanos += time.Since(start).Nanoseconds()
		b.mu.Unlock()
	}()

	if b.closed {
		return false
	}

	if b.count == b.capacity {
		switch b.strategy {
		case DropOldest:
			// Overwrite the oldest entry in place.
			b.head = (b.head + 1) % b.capacity
			b.count--
			b.overrunEvents++
		case DropNewest:
			b.droppedFrames++
			return false
		case Expand:
			b.grow()
		case Block:
			if !b.waitForSpace(timeout) {
				b.droppedFrames++
				return false
			}
			if b.closed {
				return false
			}
		}
	}

	b.items[(b.head+b.count)%b.capacity] = item
	b.count++
	b.totalWrites++
	b.notEmpty.Signal()
	return true
}

// Get dequeues the oldest item, waiting up to timeout when the buffer is
// empty. Returns false when no item became available before the deadline or
// when the buffer is closed and drained.
func (b *Buffer[T]) Get(timeout time.Duration) (T, bool) {
	var zero T
	start := time.Now()
	b.mu.Lock()
	defer func() {
		b.getNanos += time.Since(start).Nanoseconds()
		b.mu.Unlock()
	}()

	if b.count == 0 {
		if b.closed || !b.waitForItem(timeout) {
			return zero, false
		}
		if b.count == 0 {
			return zero, false
		}
	}

	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalReads++
	b.notFull.Signal()
	return item, true
}

// Peek returns the oldest item without removing it.
func (b *Buffer[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if b.count == 0 {
		return zero, false
	}
	return b.items[b.head], true
}

// Clear discards all buffered items. Counters are preserved.
func (b *Buffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := 0; i < b.count; i++ {
		b.items[(b.head+i)%b.capacity] = zero
	}
	b.head = 0
	b.count = 0
	b.notFull.Broadcast()
}

// Close wakes all waiters. Subsequent Puts fail; Gets drain remaining items
// and then return false.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// Size returns the number of buffered items.
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the current capacity. It only changes under Expand.
func (b *Buffer[T]) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Closed reports whether Close has been called.
func (b *Buffer[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Capacity:      b.capacity,
		Size:          b.count,
		TotalWrites:   b.totalWrites,
		TotalReads:    b.totalReads,
		DroppedFrames: b.droppedFrames,
		OverrunEvents: b.overrunEvents,
	}
	if b.totalWrites > 0 {
		s.AvgPutMicros = float64(b.putNanos) / float64(b.totalWrites) / 1e3
	}
	if b.totalReads > 0 {
		s.AvgGetMicros = float64(b.getNanos) / float64(b.totalReads) / 1e3
	}
	return s
}

// grow doubles the capacity, relocating entries into index order.
// Caller must hold b.mu.
func (b *Buffer[T]) grow() {
	next := make([]T, b.capacity*2)
	for i := 0; i < b.count; i++ {
		next[i] = b.items[(b.head+i)%b.capacity]
	}
	b.items = next
	b.head = 0
	b.capacity = len(next)
}

// waitForSpace waits on notFull until space is available, the buffer closes,
// or the timeout expires. Caller must hold b.mu.
func (b *Buffer[T]) waitForSpace(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for b.count == b.capacity && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !waitTimeout(b.notFull, remaining) {
			// Timer fired before a signal; re-check state once more.
			if b.count == b.capacity && !b.closed {
				return false
			}
		}
	}
	return !b.closed
}

// waitForItem waits on notEmpty until an item arrives, the buffer closes, or
// the timeout expires. Caller must hold b.mu.
func (b *Buffer[T]) waitForItem(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	for b.count == 0 && !b.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		waitTimeout(b.notEmpty, remaining)
	}
	return b.count > 0
}

// waitTimeout waits on cond with an upper bound. sync.Cond has no native
// timed wait, so a timer goroutine broadcasts after the bound elapses.
// Returns true if the wait ended before the timer fired.
func waitTimeout(cond *sync.Cond, d time.Duration) bool {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		select {
		case <-done:
		default:
			cond.Broadcast()
		}
		cond.L.Unlock()
	})
	cond.Wait()
	close(done)
	return timer.Stop()
}
