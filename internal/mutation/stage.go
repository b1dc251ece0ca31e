package mutation

import (
	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

// Stage collects the writes of a single script call. A successful call
// commits them to the frame buffer in order; a failed or aborted call
// discards them, so a half-run callback never leaks partial state.
type Stage struct {
	buf     *Buffer
	entries []entry
}

func NewStage(buf *Buffer) *Stage {
	return &Stage{buf: buf, entries: make([]entry, 0, 16)}
}

func (s *Stage) Queue(entity ecs.EntityID, comp component.ID, field string, value any) error {
	if s.buf.flushing {
		return ErrFlushing
	}
	s.entries = append(s.entries, entry{
		key:   Key{Entity: entity, Component: comp, Field: field},
		value: value,
		live:  true,
	})
	return nil
}

// Lookup sees this call's own writes first, then the frame buffer.
func (s *Stage) Lookup(entity ecs.EntityID, comp component.ID, field string) (any, bool) {
	k := Key{Entity: entity, Component: comp, Field: field}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].key == k {
			return s.entries[i].value, true
		}
	}
	return s.buf.Lookup(entity, comp, field)
}

// Len returns the number of writes staged by the current call.
func (s *Stage) Len() int { return len(s.entries) }

func (s *Stage) Commit() error {
	defer s.Discard()
	for _, e := range s.entries {
		if err := s.buf.Queue(e.key.Entity, e.key.Component, e.key.Field, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stage) Discard() {
	clear(s.entries)
	s.entries = s.entries[:0]
}
