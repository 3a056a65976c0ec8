package locator

// fifo is a slice-backed first-in first-out queue.
type fifo[T any] []T

func (f *fifo[T]) push(items ...T) {
	*f = append(*f, items...)
}

// pop returns false when the queue is empty.
func (f *fifo[T]) pop() (T, bool) {
	var zero T
	if len(*f) == 0 {
		return zero, false
	}
	first := (*f)[0]
	(*f)[0] = zero
	*f = (*f)[1:]
	return first, true
}

func (f *fifo[T]) len() int {
	return len(*f)
}
