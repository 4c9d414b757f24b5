package ledgersync

// ring is a fixed-capacity FIFO. Index 0 is the oldest element.
type ring[T any] struct {
	items []T
	head  int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.size }

func (r *ring[T]) Cap() int { return len(r.items) }

func (r *ring[T]) Full() bool { return r.size == len(r.items) }

// Push appends v and reports false when the ring is full.
func (r *ring[T]) Push(v T) bool {
	if r.Full() {
		return false
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return true
}

// At returns the i-th oldest element.
func (r *ring[T]) At(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

// Newest returns the most recently pushed element.
func (r *ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// PopOldest removes and returns the oldest element.
func (r *ring[T]) PopOldest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// Truncate keeps the n oldest elements.
func (r *ring[T]) Truncate(n int) {
	var zero T
	for r.size > n {
		r.size--
		r.items[(r.head+r.size)%len(r.items)] = zero
	}
}

// Reset empties the ring.
func (r *ring[T]) Reset() {
	r.Truncate(0)
	r.head = 0
}
