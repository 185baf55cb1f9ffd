package sequence

// Queue is a FIFO backed by a slice. The consumed prefix is reclaimed lazily,
// so a long-lived queue that is drained as fast as it fills does not grow.
// Queue is not safe for concurrent use.
type Queue[T any] struct {
	items []T
	head  int
}

func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, capacity)}
}

func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) Enqueue(value T) {
	q.items = append(q.items, value)
}

// Dequeue removes and returns the oldest value.
func (q *Queue[T]) Dequeue() (T, bool) {
	var zero T
	if q.Len() == 0 {
		return zero, false
	}
	value := q.items[q.head]
	q.items[q.head] = zero // release the reference
	q.head++
	q.compact()
	return value, true
}

func (q *Queue[T]) Peek() (T, bool) {
	if q.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Reset drops every value and the backing array.
func (q *Queue[T]) Reset() {
	q.items = nil
	q.head = 0
}

func (q *Queue[T]) compact() {
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}
