package buffer

// Ring is a fixed-capacity circular sequence
// It overwrites the oldest entry when full and is not safe for concurrent use
type Ring[T any] struct {
	data     []T
	capacity int
	size     int
	head     int
}

// NewRing creates a ring with the specified capacity
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// Push inserts an item and reports whether the oldest entry was overwritten
func (r *Ring[T]) Push(item T) bool {
	overwritten := r.size == r.capacity

	r.data[r.head] = item
	r.head = (r.head + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
	}
	return overwritten
}

// At returns the i-th item counting from the oldest entry
func (r *Ring[T]) At(i int) T {
	return r.data[(r.start()+i)%r.capacity]
}

// AppendRange appends items [from, to) in insertion order to dst
func (r *Ring[T]) AppendRange(dst []T, from, to int) []T {
	if from < 0 {
		from = 0
	}
	if to > r.size {
		to = r.size
	}
	start := r.start()
	for i := from; i < to; i++ {
		dst = append(dst, r.data[(start+i)%r.capacity])
	}
	return dst
}

// Len returns the current number of entries
func (r *Ring[T]) Len() int {
	return r.size
}

// Capacity returns the maximum number of entries
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Reset drops every entry
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.size = 0
	r.head = 0
}

// start is the physical index of the oldest entry
func (r *Ring[T]) start() int {
	return (r.head - r.size + r.capacity) % r.capacity
}
