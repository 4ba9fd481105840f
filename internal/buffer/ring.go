package buffer

// Ring keeps the most recent entries up to a fixed capacity. Adding to a
// full ring overwrites the oldest entry.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}

	if r.count < len(r.entries) {
		r.entries[r.index(r.count)] = entry
		r.count++
		return
	}

	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

// Tail returns up to n of the newest entries, oldest first.
func (r *Ring[T]) Tail(n int) []T {
	if r == nil || r.count == 0 || n <= 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[r.index(offset+i)]
	}
	return out
}

func (r *Ring[T]) List() []T {
	return r.Tail(r.Len())
}

func (r *Ring[T]) index(i int) int {
	return (r.start + i) % len(r.entries)
}
