// Package ringbuf provides a bounded, thread-safe FIFO ring buffer.
//
// The ring keeps at most Cap elements. Pushing onto a full ring evicts the
// oldest element and hands it back to the caller so owners can react to
// pruning (delete a file, record the loss, ...).
package ringbuf

import "sync"

// Ring is a fixed-capacity circular buffer of T.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	size  int
	head  int // index of the oldest element
	count int
}

// New creates a Ring with the given capacity. Non-positive sizes fall back to 1.
func New[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		buf:  make([]T, size),
		size: size,
	}
}

// Push appends v. When the ring is full the oldest element is overwritten
// and returned with evicted=true.
func (r *Ring[T]) Push(v T) (old T, evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.size {
		old = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % r.size
		return old, true
	}

	r.buf[(r.head+r.count)%r.size] = v
	r.count++
	return old, false
}

// PopFront removes and returns the oldest element.
func (r *Ring[T]) PopFront() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % r.size
	r.count--
	return v, true
}

// PeekFront returns the oldest element without removing it.
func (r *Ring[T]) PeekFront() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Last returns the newest element.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[(r.head+r.count-1)%r.size], true
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%r.size]
	}
	return out
}

// Update calls fn with a pointer to every element, oldest first, under the
// write lock. fn must not call back into the ring.
func (r *Ring[T]) Update(fn func(*T)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.count; i++ {
		fn(&r.buf[(r.head+i)%r.size])
	}
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return r.size
}

// Full reports whether the next Push will evict.
func (r *Ring[T]) Full() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count == r.size
}

// Clear drops every element.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = make([]T, r.size)
	r.head = 0
	r.count = 0
}
