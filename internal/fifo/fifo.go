// Package fifo implements an in-memory first-in first-out buffer that
// compacts its backing slice lazily instead of shifting it on every pop.
package fifo

import "sync"

// DefaultCompactThreshold is how many items may be popped before the backing
// slice is rewritten.
const DefaultCompactThreshold = 20

// FIFO is a queue of items safe for concurrent use.
type FIFO[T any] struct {
	mu        sync.Mutex
	items     []T
	offset    int
	threshold int
}

// New returns an empty FIFO compacting once more than threshold items have
// been popped. A threshold below 1 selects DefaultCompactThreshold.
func New[T any](threshold int) *FIFO[T] {
	if threshold < 1 {
		threshold = DefaultCompactThreshold
	}
	return &FIFO[T]{threshold: threshold}
}

// Len returns the number of unread items.
func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) - f.offset
}

// Push appends item.
func (f *FIFO[T]) Push(item T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
}

// Pop returns the oldest item, or false when the FIFO is empty.
func (f *FIFO[T]) Pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var zero T
	if f.offset >= len(f.items) {
		return zero, false
	}

	item := f.items[f.offset]
	f.items[f.offset] = zero
	f.offset++
	f.compact()
	return item, true
}

// compact drops the read prefix once it grows past the threshold.
func (f *FIFO[T]) compact() {
	if f.offset <= f.threshold {
		return
	}

	rest := make([]T, len(f.items)-f.offset)
	copy(rest, f.items[f.offset:])
	f.items = rest
	f.offset = 0
}

// Reset empties f and returns fn applied to every item still unread. With a
// nil fn it returns an empty slice.
func Reset[T, U any](f *FIFO[T], fn func(T) U) []U {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []U{}
	if fn != nil {
		for _, item := range f.items[f.offset:] {
			out = append(out, fn(item))
		}
	}

	f.items = nil
	f.offset = 0
	return out
}
