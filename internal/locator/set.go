package locator

// set tracks keys already handed out.
type set[T comparable] map[T]struct{}

func newSet[T comparable]() set[T] {
	return make(set[T])
}

// add reports whether item was new.
func (s set[T]) add(item T) bool {
	if _, exists := s[item]; exists {
		return false
	}
	s[item] = struct{}{}
	return true
}

func (s set[T]) contains(item T) bool {
	_, exists := s[item]
	return exists
}

func (s set[T]) size() int {
	return len(s)
}
