package system

import (
	"maps"
	"reflect"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/world"
)

// Removal names the activation that went away; the entity may already be dead.
type Removal struct {
	Entity   ecs.EntityID
	ScriptID string
}

// Diff is what changed in script attachments since the previous call.
// A script id change shows up as a removal plus an addition.
type Diff struct {
	Added    []ecs.EntityID
	Removed  []Removal
	Enabled  []ecs.EntityID
	Disabled []ecs.EntityID
	Modified []ecs.EntityID // source reference changed
	Reparam  []ecs.EntityID // parameters or schema changed
}

func (d *Diff) Empty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Enabled)+len(d.Disabled)+len(d.Modified)+len(d.Reparam) == 0
}

func (d *Diff) reset() {
	d.Added = d.Added[:0]
	d.Removed = d.Removed[:0]
	d.Enabled = d.Enabled[:0]
	d.Disabled = d.Disabled[:0]
	d.Modified = d.Modified[:0]
	d.Reparam = d.Reparam[:0]
}

// ScriptRegistry tracks which entities carry scripts. It only visits the
// entities the world journaled since the last Diff, so a quiet frame costs
// nothing.
type ScriptRegistry struct {
	world   *world.State
	known   map[ecs.EntityID]component.Script
	enabled int
	drained []ecs.EntityID
	diff    Diff
}

func NewScriptRegistry(ws *world.State) *ScriptRegistry {
	return &ScriptRegistry{
		world:   ws,
		known:   make(map[ecs.EntityID]component.Script, 64),
		drained: make([]ecs.EntityID, 0, 64),
	}
}

// Diff drains the world's attachment journal and classifies each change.
// The returned value is reused by the next call.
func (r *ScriptRegistry) Diff() *Diff {
	r.diff.reset()
	r.drained = r.world.DrainScriptChanges(r.drained[:0])
	for _, id := range r.drained {
		cur, ok := r.world.Script(id)
		prev, had := r.known[id]
		switch {
		case !had && !ok:
			// attached and detached between two diffs
		case !had:
			r.put(id, cur)
			r.diff.Added = append(r.diff.Added, id)
		case !ok:
			r.drop(id, prev)
			r.diff.Removed = append(r.diff.Removed, Removal{Entity: id, ScriptID: prev.Ref.ScriptID})
		case prev.Ref.ScriptID != cur.Ref.ScriptID:
			r.drop(id, prev)
			r.diff.Removed = append(r.diff.Removed, Removal{Entity: id, ScriptID: prev.Ref.ScriptID})
			r.put(id, cur)
			r.diff.Added = append(r.diff.Added, id)
		default:
			r.put(id, cur)
			if !prev.Ref.SameSource(cur.Ref) {
				r.diff.Modified = append(r.diff.Modified, id)
			}
			if !reflect.DeepEqual(prev.Parameters, cur.Parameters) || !maps.Equal(prev.Schema, cur.Schema) {
				r.diff.Reparam = append(r.diff.Reparam, id)
			}
			if prev.Enabled != cur.Enabled {
				if cur.Enabled {
					r.diff.Enabled = append(r.diff.Enabled, id)
				} else {
					r.diff.Disabled = append(r.diff.Disabled, id)
				}
			}
		}
	}
	return &r.diff
}

func (r *ScriptRegistry) put(id ecs.EntityID, sc component.Script) {
	if prev, ok := r.known[id]; ok && prev.Enabled {
		r.enabled--
	}
	r.known[id] = sc
	if sc.Enabled {
		r.enabled++
	}
}

func (r *ScriptRegistry) drop(id ecs.EntityID, prev component.Script) {
	if prev.Enabled {
		r.enabled--
	}
	delete(r.known, id)
}

// Lookup returns the attachment as of the last Diff.
func (r *ScriptRegistry) Lookup(id ecs.EntityID) (component.Script, bool) {
	sc, ok := r.known[id]
	return sc, ok
}

// Registered counts every attached script, enabled or not.
func (r *ScriptRegistry) Registered() int { return len(r.known) }

// Enabled counts attached scripts that are switched on.
func (r *ScriptRegistry) Enabled() int { return r.enabled }
