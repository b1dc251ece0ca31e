package system

import (
	"slices"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// State is where an activation is in its lifecycle.
type State uint8

const (
	StatePending  State = iota // waiting for source or compile
	StateCompiled              // unit installed, not started this session
	StateRunning               // onStart delivered, receives onUpdate
	StateStopped               // play ended; instance closed
	StateFailed                // compile failed for the current code
	StateLoadFailed            // instance failed to load; retried next session or on new code
)

var stateNames = [...]string{"pending", "compiled", "running", "stopped", "failed", "load failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// activation is one (entity, script) pair known to the runtime.
type activation struct {
	key     scripting.Key
	ref     component.ScriptReference
	enabled bool
	params  map[string]any
	schema  map[string]component.ParamType

	paramErr error
	state    State

	dirty    bool   // source must be resolved again
	hash     string // hash of the code last sent to the cache
	reported string // hash whose compile error was already reported
	future   *scripting.Future
	unit     *scripting.CompiledUnit
	next     *scripting.CompiledUnit // reload deferred until the next session
	inst     scripting.Instance
}

// runnable reports whether the unit can be instantiated and called.
func (a *activation) runnable() bool {
	return a.enabled && a.paramErr == nil && a.unit != nil && !a.unit.Failed() && a.state != StateFailed && a.state != StateLoadFailed
}

// activations keeps activations in attachment order so frames are
// deterministic.
type activations struct {
	byEntity map[ecs.EntityID]*activation
	order    []*activation
	removed  int
}

func newActivations() *activations {
	return &activations{
		byEntity: make(map[ecs.EntityID]*activation, 64),
		order:    make([]*activation, 0, 64),
	}
}

func (t *activations) get(id ecs.EntityID) *activation { return t.byEntity[id] }

func (t *activations) add(a *activation) {
	t.byEntity[a.key.Entity] = a
	t.order = append(t.order, a)
}

func (t *activations) remove(id ecs.EntityID) *activation {
	a, ok := t.byEntity[id]
	if !ok {
		return nil
	}
	delete(t.byEntity, id)
	a.state = StateStopped
	t.removed++
	return a
}

// each visits live activations in order. Activations removed during the
// visit are skipped.
func (t *activations) each(fn func(*activation)) {
	if t.removed > 32 && t.removed > len(t.order)/2 {
		t.order = slices.DeleteFunc(t.order, func(a *activation) bool { return t.byEntity[a.key.Entity] != a })
		t.removed = 0
	}
	for i := 0; i < len(t.order); i++ {
		a := t.order[i]
		if t.byEntity[a.key.Entity] == a {
			fn(a)
		}
	}
}

func (t *activations) len() int { return len(t.byEntity) }
