// Package reentry implements the deferred-delivery buffer that lets a
// cache's delete callback enqueue an outbound request without calling
// back into the cache while its lock is held. A Buffer is installed
// on the owning aggregator before the cache lock is taken and
// delivered only after the lock is released, so a flush callback that
// itself calls back into the aggregator can never deadlock on it.
package reentry

// MergeFunc decides whether newItem should be merged into tail (the
// most recently buffered item) instead of being appended as its own
// entry. It returns the merged value and true if the merge happened.
type MergeFunc[T any] func(newItem, tail T) (merged T, ok bool)

// Buffer accumulates items evicted from a cache during one scope
// (e.g. one Check or Report call, or one Flush sweep) for delivery
// after the cache lock is released.
type Buffer[T any] struct {
	items []T
	merge MergeFunc[T]
}

// NewBuffer creates a Buffer. merge may be nil to disable tail-merging
// and simply append every item.
func NewBuffer[T any](merge MergeFunc[T]) *Buffer[T] {
	return &Buffer[T]{merge: merge}
}

// Add appends item, first offering it to merge against the current
// tail. Called synchronously from a cache's delete callback, while
// that cache's lock is held.
func (b *Buffer[T]) Add(item T) {
	if b.merge != nil && len(b.items) > 0 {
		if merged, ok := b.merge(item, b.items[len(b.items)-1]); ok {
			b.items[len(b.items)-1] = merged
			return
		}
	}
	b.items = append(b.items, item)
}

// Len reports how many items are currently buffered.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Drain delivers every buffered item to deliver, in insertion order,
// and resets the buffer. Call this only after the cache lock that fed
// Add has been released.
func (b *Buffer[T]) Drain(deliver func(T)) {
	items := b.items
	b.items = nil
	for _, item := range items {
		deliver(item)
	}
}
