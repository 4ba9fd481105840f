package buffer

import "errors"

var ErrQueueFull = errors.New("queue full")

// Queue is a FIFO with an optional capacity. It is not safe for concurrent
// use; callers hold their own lock.
type Queue[T any] struct {
	items []T
	head  int
	limit int
}

// NewQueue returns a queue holding at most limit items. A limit <= 0 means
// unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{limit: limit}
}

func (q *Queue[T]) Push(item T) error {
	if q.limit > 0 && q.Len() >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}
