package world

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

var (
	ErrNoEntity    = errors.New("entity not found")
	ErrNoComponent = errors.New("component not present")
)

// Patch is a set of field writes for one component.
type Patch map[string]any

type meta struct {
	name string
	tags []string
}

// State holds the scene's entities and components. Accessed only from the
// frame loop goroutine, no locks. Scripts never write here directly;
// the mutation flush is the only writer.
type State struct {
	ecs        *ecs.World
	meta       *ecs.Store[meta]
	byName     map[string]ecs.EntityID
	transforms *ecs.Store[component.Transform]
	bodies     *ecs.Store[component.RigidBody]
	healths    *ecs.Store[component.Health]
	props      *ecs.Store[component.Properties]
	scripts    *ecs.Store[component.Script]

	order   []ecs.EntityID // creation order, compacted lazily
	dead    int
	onSpawn []func(ecs.EntityID)

	// Script attachment journal, drained by the script registry each frame.
	changed     map[ecs.EntityID]struct{}
	changeOrder []ecs.EntityID

	applied uint64
}

func NewState() *State {
	s := &State{
		ecs:         ecs.NewWorld(),
		meta:        ecs.NewStore[meta]("meta"),
		byName:      make(map[string]ecs.EntityID, 256),
		transforms:  ecs.NewStore[component.Transform](string(component.TransformID)),
		bodies:      ecs.NewStore[component.RigidBody](string(component.RigidBodyID)),
		healths:     ecs.NewStore[component.Health](string(component.HealthID)),
		props:       ecs.NewStore[component.Properties](string(component.PropertiesID)),
		scripts:     ecs.NewStore[component.Script](string(component.ScriptID)),
		order:       make([]ecs.EntityID, 0, 256),
		changed:     make(map[ecs.EntityID]struct{}, 64),
		changeOrder: make([]ecs.EntityID, 0, 64),
	}
	reg := s.ecs.Registry()
	reg.Register(s.transforms)
	reg.Register(s.bodies)
	reg.Register(s.healths)
	reg.Register(s.props)
	reg.Register(s.scripts)
	s.ecs.OnDestroy(s.forget)
	return s
}

// OnSpawn registers a hook called for every entity created after registration.
func (s *State) OnSpawn(fn func(ecs.EntityID)) {
	s.onSpawn = append(s.onSpawn, fn)
}

// Spawn creates an entity. Names are unique; a later entity with the same
// name shadows the earlier one in Find.
func (s *State) Spawn(name string, tags ...string) ecs.EntityID {
	id := s.ecs.CreateEntity()
	s.meta.Set(id, &meta{name: name, tags: slices.Clone(tags)})
	if name != "" {
		s.byName[name] = id
	}
	s.order = append(s.order, id)
	for _, fn := range s.onSpawn {
		fn(id)
	}
	return id
}

// OnDestroy registers a hook called after an entity is removed, whether
// immediately or from the destroy queue.
func (s *State) OnDestroy(fn func(ecs.EntityID)) {
	s.ecs.OnDestroy(fn)
}

func (s *State) forget(id ecs.EntityID) {
	if m, ok := s.meta.Get(id); ok {
		if s.byName[m.name] == id {
			delete(s.byName, m.name)
		}
		s.meta.Remove(id)
	}
	s.dead++
	s.markScript(id)
}

// Destroy removes an entity immediately. Scripts use MarkForDestruction.
func (s *State) Destroy(id ecs.EntityID) bool {
	return s.ecs.DestroyEntity(id)
}

// MarkForDestruction defers removal to the cleanup phase.
func (s *State) MarkForDestruction(id ecs.EntityID) {
	s.ecs.MarkForDestruction(id)
}

// FlushDestroyQueue destroys every entity marked this frame.
func (s *State) FlushDestroyQueue() int {
	return s.ecs.FlushDestroyQueue()
}

func (s *State) Alive(id ecs.EntityID) bool { return s.ecs.Alive(id) }

func (s *State) Len() int { return s.ecs.Pool().Len() }

// Has reports whether id carries component c.
func (s *State) Has(id ecs.EntityID, c component.ID) bool {
	return s.ecs.Alive(id) && s.ecs.Registry().Has(id, string(c))
}

// Components lists the components id carries.
func (s *State) Components(id ecs.EntityID) []component.ID {
	names := s.ecs.Registry().Names(id)
	out := make([]component.ID, len(names))
	for i, n := range names {
		out[i] = component.ID(n)
	}
	return out
}

func (s *State) Name(id ecs.EntityID) string {
	if m, ok := s.meta.Get(id); ok {
		return m.name
	}
	return ""
}

func (s *State) Tags(id ecs.EntityID) []string {
	if m, ok := s.meta.Get(id); ok {
		return m.tags
	}
	return nil
}

func (s *State) Find(name string) (ecs.EntityID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Entities visits live entities in creation order.
func (s *State) Entities(fn func(ecs.EntityID)) {
	if s.dead > len(s.order)/2 {
		s.order = slices.DeleteFunc(s.order, func(id ecs.EntityID) bool { return !s.ecs.Alive(id) })
		s.dead = 0
	}
	for _, id := range s.order {
		if s.ecs.Alive(id) {
			fn(id)
		}
	}
}

// ── Component setup (scene load / host code) ──

func (s *State) AddTransform(id ecs.EntityID, t component.Transform) {
	s.transforms.Set(id, &t)
}

func (s *State) AddRigidBody(id ecs.EntityID, b component.RigidBody) {
	s.bodies.Set(id, &b)
}

func (s *State) AddHealth(id ecs.EntityID, h component.Health) {
	s.healths.Set(id, &h)
}

func (s *State) AddProperties(id ecs.EntityID, p component.Properties) {
	p.Values = maps.Clone(p.Values)
	s.props.Set(id, &p)
}

// Transform returns a copy of the entity's transform for external consumers.
func (s *State) Transform(id ecs.EntityID) (component.Transform, bool) {
	if t, ok := s.transforms.Get(id); ok {
		return *t, true
	}
	return component.Transform{}, false
}

// ── Component store contract ──

func (s *State) ptr(id ecs.EntityID, c component.ID) (any, bool) {
	switch c {
	case component.TransformID:
		if p, ok := s.transforms.Get(id); ok {
			return p, true
		}
	case component.RigidBodyID:
		if p, ok := s.bodies.Get(id); ok {
			return p, true
		}
	case component.HealthID:
		if p, ok := s.healths.Get(id); ok {
			return p, true
		}
	case component.PropertiesID:
		if p, ok := s.props.Get(id); ok {
			return p, true
		}
	case component.ScriptID:
		if p, ok := s.scripts.Get(id); ok {
			return p, true
		}
	}
	return nil, false
}

// Get returns a copy of the component data, or false when absent.
func (s *State) Get(id ecs.EntityID, c component.ID) (any, bool) {
	if !s.ecs.Alive(id) {
		return nil, false
	}
	p, ok := s.ptr(id, c)
	if !ok {
		return nil, false
	}
	switch v := p.(type) {
	case *component.Transform:
		return *v, true
	case *component.RigidBody:
		return *v, true
	case *component.Health:
		return *v, true
	case *component.Properties:
		return component.Properties{Values: maps.Clone(v.Values)}, true
	case *component.Script:
		return *v, true
	}
	return nil, false
}

func (s *State) lookup(id ecs.EntityID, c component.ID) (any, component.Accessor, error) {
	if !s.ecs.Alive(id) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoEntity, id)
	}
	acc, ok := component.Lookup(c)
	if !ok {
		return nil, nil, &component.ValidationError{Component: c, Field: "*", Err: component.ErrUnknownComponent}
	}
	p, ok := s.ptr(id, c)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrNoComponent, c, id)
	}
	return p, acc, nil
}

// GetField reads one field through the component's accessor.
func (s *State) GetField(id ecs.EntityID, c component.ID, field string) (any, error) {
	p, acc, err := s.lookup(id, c)
	if err != nil {
		return nil, err
	}
	return acc.Get(p, field)
}

// SetField writes one field. This is the apply target of the mutation flush.
func (s *State) SetField(id ecs.EntityID, c component.ID, field string, v any) error {
	p, acc, err := s.lookup(id, c)
	if err != nil {
		return err
	}
	if err := acc.Set(p, field, v); err != nil {
		return err
	}
	s.applied++
	return nil
}

// Set applies a patch to one component. Either every field is written or,
// on the first invalid field, none are.
func (s *State) Set(id ecs.EntityID, c component.ID, patch Patch) error {
	p, acc, err := s.lookup(id, c)
	if err != nil {
		return err
	}
	scratch := clonePtr(p)
	for field, v := range patch {
		if err := acc.Set(scratch, field, v); err != nil {
			return err
		}
	}
	assignPtr(p, scratch)
	s.applied += uint64(len(patch))
	return nil
}

// CheckField validates a write against a scratch copy without touching the
// store. Scripts use it to fail fast before queueing a mutation.
func (s *State) CheckField(id ecs.EntityID, c component.ID, field string, v any) error {
	p, acc, err := s.lookup(id, c)
	if err != nil {
		return err
	}
	return acc.Set(clonePtr(p), field, v)
}

// Applied returns the number of field writes applied since creation.
func (s *State) Applied() uint64 { return s.applied }

func clonePtr(p any) any {
	switch v := p.(type) {
	case *component.Transform:
		c := *v
		return &c
	case *component.RigidBody:
		c := *v
		return &c
	case *component.Health:
		c := *v
		return &c
	case *component.Properties:
		return &component.Properties{Values: maps.Clone(v.Values)}
	}
	return p
}

func assignPtr(dst, src any) {
	switch d := dst.(type) {
	case *component.Transform:
		*d = *src.(*component.Transform)
	case *component.RigidBody:
		*d = *src.(*component.RigidBody)
	case *component.Health:
		*d = *src.(*component.Health)
	case *component.Properties:
		*d = *src.(*component.Properties)
	}
}

// ── Script attachments ──

func (s *State) markScript(id ecs.EntityID) {
	if _, ok := s.changed[id]; ok {
		return
	}
	s.changed[id] = struct{}{}
	s.changeOrder = append(s.changeOrder, id)
}

// DrainScriptChanges appends every entity whose script attachment changed
// since the last drain to buf and resets the journal.
func (s *State) DrainScriptChanges(buf []ecs.EntityID) []ecs.EntityID {
	buf = append(buf, s.changeOrder...)
	s.changeOrder = s.changeOrder[:0]
	clear(s.changed)
	return buf
}

// Script returns a copy of the entity's script attachment.
func (s *State) Script(id ecs.EntityID) (component.Script, bool) {
	if !s.ecs.Alive(id) {
		return component.Script{}, false
	}
	if p, ok := s.scripts.Get(id); ok {
		return *p, true
	}
	return component.Script{}, false
}

func (s *State) AttachScript(id ecs.EntityID, sc component.Script) error {
	if !s.ecs.Alive(id) {
		return fmt.Errorf("attach script: %w: %s", ErrNoEntity, id)
	}
	if sc.Ref.ScriptID == "" {
		return &component.ValidationError{Component: component.ScriptID, Field: "scriptId", Err: errors.New("empty")}
	}
	if sc.Ref.Origin == "" {
		sc.Ref.Origin = component.OriginInline
	}
	sc.Parameters = maps.Clone(sc.Parameters)
	sc.Schema = maps.Clone(sc.Schema)
	s.scripts.Set(id, &sc)
	s.markScript(id)
	return nil
}

func (s *State) DetachScript(id ecs.EntityID) {
	if s.scripts.Has(id) {
		s.scripts.Remove(id)
		s.markScript(id)
	}
}

func (s *State) SetScriptEnabled(id ecs.EntityID, enabled bool) {
	if p, ok := s.scripts.Get(id); ok && p.Enabled != enabled {
		p.Enabled = enabled
		s.markScript(id)
	}
}

// SetScriptParameters replaces the parameters handed to the script.
func (s *State) SetScriptParameters(id ecs.EntityID, params map[string]any) {
	if p, ok := s.scripts.Get(id); ok {
		p.Parameters = maps.Clone(params)
		s.markScript(id)
	}
}

// ScriptsByID lists entities whose attachment points at scriptID.
func (s *State) ScriptsByID(scriptID string) []ecs.EntityID {
	var out []ecs.EntityID
	s.Entities(func(id ecs.EntityID) {
		if p, ok := s.scripts.Get(id); ok && p.Ref.ScriptID == scriptID {
			out = append(out, id)
		}
	})
	return out
}

// SaveScript records a saved source hash on every reference to scriptID.
// Inline references also take the new code.
func (s *State) SaveScript(scriptID, code, hash string, at time.Time) int {
	n := 0
	for _, id := range s.ScriptsByID(scriptID) {
		p, _ := s.scripts.Get(id)
		if !p.Ref.External() {
			p.Ref.Code = code
		}
		p.Ref.CodeHash = hash
		p.Ref.LastModified = float64(at.UnixMilli())
		s.markScript(id)
		n++
	}
	return n
}

// RenameScript moves every reference from one script id to another.
func (s *State) RenameScript(from, to string) int {
	n := 0
	for _, id := range s.ScriptsByID(from) {
		p, _ := s.scripts.Get(id)
		p.Ref.ScriptID = to
		s.markScript(id)
		n++
	}
	return n
}

// ConvertToInline turns an external reference into an inline one holding code.
func (s *State) ConvertToInline(id ecs.EntityID, code, hash string) error {
	p, ok := s.scripts.Get(id)
	if !ok || !s.ecs.Alive(id) {
		return fmt.Errorf("convert script: %w: %s", ErrNoComponent, id)
	}
	p.Ref.Origin = component.OriginInline
	p.Ref.Location = ""
	p.Ref.Code = code
	p.Ref.CodeHash = hash
	s.markScript(id)
	return nil
}
