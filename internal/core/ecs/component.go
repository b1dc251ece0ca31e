package ecs

// Column is the untyped view of a component store the Registry works with.
type Column interface {
	Name() string
	Has(id EntityID) bool
	Remove(id EntityID)
}

// Store holds one component type keyed by entity. Values are stored by
// pointer; callers that hand data to scripts copy it first.
type Store[T any] struct {
	name string
	data map[EntityID]*T
}

func NewStore[T any](name string) *Store[T] {
	return &Store[T]{name: name, data: make(map[EntityID]*T, 256)}
}

func (s *Store[T]) Name() string { return s.name }

func (s *Store[T]) Set(id EntityID, c *T) { s.data[id] = c }

func (s *Store[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *Store[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *Store[T]) Remove(id EntityID) { delete(s.data, id) }

func (s *Store[T]) Len() int { return len(s.data) }
