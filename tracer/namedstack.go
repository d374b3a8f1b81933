package tracer

import "slices"

// NamedStack is a LIFO stack whose entries are keyed by name. Entries may also be removed from anywhere by key, and a
// key is never present more than once.
type NamedStack[V any] struct {
	order  []string // bottom to top
	values map[string]V
}

// NewNamedStack returns an empty NamedStack.
func NewNamedStack[V any]() *NamedStack[V] {
	return &NamedStack[V]{values: make(map[string]V)}
}

// Push places the value on top of the stack, removing any prior entry for the same key.
func (s *NamedStack[V]) Push(key string, value V) {
	s.Delete(key)
	s.order = append(s.order, key)
	s.values[key] = value
}

// Pop removes the topmost entry, returning false if the stack is empty.
func (s *NamedStack[V]) Pop() (string, V, bool) {
	if len(s.order) == 0 {
		var zero V
		return "", zero, false
	}
	key := s.order[len(s.order)-1]
	s.order = s.order[:len(s.order)-1]
	value := s.values[key]
	delete(s.values, key)
	return key, value, true
}

// Delete removes the entry for key wherever it is in the stack.
func (s *NamedStack[V]) Delete(key string) (V, bool) {
	value, ok := s.values[key]
	if !ok {
		return value, false
	}
	delete(s.values, key)
	if i := slices.Index(s.order, key); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return value, true
}

// PeekKey returns the topmost key without removing it.
func (s *NamedStack[V]) PeekKey() (string, bool) {
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[len(s.order)-1], true
}

func (s *NamedStack[V]) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

func (s *NamedStack[V]) Get(key string) (V, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *NamedStack[V]) Len() int {
	return len(s.order)
}

// Keys returns the keys from bottom to top.
func (s *NamedStack[V]) Keys() []string {
	return slices.Clone(s.order)
}
