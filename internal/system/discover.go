package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// DiscoverSystem applies the registry diff to the activation table.
// Phase 0: runs in edit and play mode.
type DiscoverSystem struct {
	o *Orchestrator
}

func NewDiscoverSystem(o *Orchestrator) *DiscoverSystem {
	return &DiscoverSystem{o: o}
}

func (s *DiscoverSystem) Phase() coresys.Phase { return coresys.PhaseDiscover }

func (s *DiscoverSystem) Update(_ time.Duration) {
	d := s.o.registry.Diff()
	if d.Empty() {
		return
	}
	// removals first: a script id change is a removal plus an addition
	for _, r := range d.Removed {
		s.remove(r)
	}
	for _, id := range d.Added {
		s.add(id)
	}
	for _, id := range d.Modified {
		s.modify(id)
	}
	for _, id := range d.Reparam {
		s.reparam(id)
	}
	for _, id := range d.Enabled {
		s.toggle(id, true)
	}
	for _, id := range d.Disabled {
		s.toggle(id, false)
	}
}

func (s *DiscoverSystem) add(id ecs.EntityID) {
	o := s.o
	sc, ok := o.registry.Lookup(id)
	if !ok {
		return
	}
	if old := o.acts.remove(id); old != nil {
		o.log.DPanic("activation already present", zap.Stringer("entity", id), zap.String("script", old.key.ScriptID))
		o.teardown(old)
	}
	a := &activation{
		key:     scripting.Key{Entity: id, ScriptID: sc.Ref.ScriptID},
		ref:     sc.Ref,
		enabled: sc.Enabled,
		params:  sc.Parameters,
		schema:  sc.Schema,
		dirty:   true,
	}
	o.validate(a)
	o.acts.add(a)
}

func (s *DiscoverSystem) remove(r Removal) {
	o := s.o
	a := o.acts.remove(r.Entity)
	if a == nil {
		o.log.DPanic("removal of unknown activation", zap.Stringer("entity", r.Entity), zap.String("script", r.ScriptID))
		return
	}
	o.teardown(a)
}

func (s *DiscoverSystem) modify(id ecs.EntityID) {
	a := s.o.acts.get(id)
	sc, ok := s.o.registry.Lookup(id)
	if a == nil || !ok {
		return
	}
	a.ref = sc.Ref
	a.dirty = true
}

func (s *DiscoverSystem) reparam(id ecs.EntityID) {
	o := s.o
	a := o.acts.get(id)
	sc, ok := o.registry.Lookup(id)
	if a == nil || !ok {
		return
	}
	a.params, a.schema = sc.Parameters, sc.Schema
	o.validate(a)
	if a.paramErr == nil && a.inst != nil {
		a.inst.SetParameters(a.params)
	}
}

// toggle flips an activation. Running instances are told through
// onEnable/onDisable; a script enabled before it ever started gets onStart
// from the execute phase instead.
func (s *DiscoverSystem) toggle(id ecs.EntityID, on bool) {
	o := s.o
	a := o.acts.get(id)
	if a == nil {
		return
	}
	a.enabled = on
	if a.inst == nil || a.state != StateRunning {
		return
	}
	if on {
		o.call(a, scripting.OnEnable)
	} else {
		o.call(a, scripting.OnDisable)
	}
}
