package cycle

// Ring is a fixed-capacity FIFO. Pushing into a full ring evicts the
// oldest element.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v. When the ring was full the evicted element is returned
// with ok set.
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	if len(r.buf) == 0 {
		return v, true
	}

	if r.size == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	return evicted, false
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Full reports whether the next Push evicts.
func (r *Ring[T]) Full() bool {
	return r.size == len(r.buf)
}

// Items returns a copy of the stored elements, oldest first.
func (r *Ring[T]) Items() []T {
	items := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		items[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return items
}
