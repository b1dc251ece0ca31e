// Package mutation stages component field writes requested by scripts and
// applies them to the store once per frame.
package mutation

import (
	"errors"
	"fmt"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

// ErrFlushing is returned when a write is queued while a flush is applying.
var ErrFlushing = errors.New("mutation buffer is flushing")

// Key identifies one component field of one entity.
type Key struct {
	Entity    ecs.EntityID
	Component component.ID
	Field     string
}

type entry struct {
	key   Key
	value any
	live  bool
}

// ApplyFunc writes a single coalesced value into the component store.
type ApplyFunc func(entity ecs.EntityID, comp component.ID, field string, value any) error

// Buffer coalesces writes per Key with last-write-wins semantics. Entries
// keep first-write order so flushes are deterministic. Backing storage is
// reused across frames.
type Buffer struct {
	index     map[Key]int
	entries   []entry
	perEntity map[ecs.EntityID]int
	live      int
	flushing  bool
}

func NewBuffer() *Buffer {
	return &Buffer{
		index:     make(map[Key]int, 256),
		entries:   make([]entry, 0, 256),
		perEntity: make(map[ecs.EntityID]int, 64),
	}
}

// Queue inserts or overwrites the pending value for a field in O(1).
func (b *Buffer) Queue(entity ecs.EntityID, comp component.ID, field string, value any) error {
	if b.flushing {
		return ErrFlushing
	}
	k := Key{Entity: entity, Component: comp, Field: field}
	if i, ok := b.index[k]; ok {
		b.entries[i].value = value
		return nil
	}
	b.index[k] = len(b.entries)
	b.entries = append(b.entries, entry{key: k, value: value, live: true})
	b.perEntity[entity]++
	b.live++
	return nil
}

// Lookup returns the pending value for a field, if any.
func (b *Buffer) Lookup(entity ecs.EntityID, comp component.ID, field string) (any, bool) {
	i, ok := b.index[Key{Entity: entity, Component: comp, Field: field}]
	if !ok {
		return nil, false
	}
	return b.entries[i].value, true
}

// DropEntity discards every pending write targeting entity.
func (b *Buffer) DropEntity(entity ecs.EntityID) int {
	n := b.perEntity[entity]
	if n == 0 {
		return 0
	}
	for i := range b.entries {
		e := &b.entries[i]
		if e.live && e.key.Entity == entity {
			e.live = false
			e.value = nil
			delete(b.index, e.key)
		}
	}
	delete(b.perEntity, entity)
	b.live -= n
	return n
}

// Len returns the number of distinct pending fields.
func (b *Buffer) Len() int { return b.live }

// Flush calls apply once per pending field, then clears the buffer. Errors
// from individual writes do not stop the flush; they are joined and returned
// together with the number of writes applied.
func (b *Buffer) Flush(apply ApplyFunc) (int, error) {
	if b.flushing {
		return 0, ErrFlushing
	}
	b.flushing = true
	defer b.reset()

	var errs []error
	applied := 0
	for i := range b.entries {
		e := &b.entries[i]
		if !e.live {
			continue
		}
		if err := apply(e.key.Entity, e.key.Component, e.key.Field, e.value); err != nil {
			errs = append(errs, fmt.Errorf("%s %s.%s: %w", e.key.Entity, e.key.Component, e.key.Field, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// Reset discards every pending write without applying it.
func (b *Buffer) Reset() {
	b.reset()
}

func (b *Buffer) reset() {
	clear(b.entries)
	b.entries = b.entries[:0]
	clear(b.index)
	clear(b.perEntity)
	b.live = 0
	b.flushing = false
}
