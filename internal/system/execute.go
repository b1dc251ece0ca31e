package system

import (
	"time"

	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// ExecuteSystem delivers last frame's script events, starts activations
// that have not started this session and runs onUpdate for the rest.
// Phase 2: play mode only.
//
// onStart runs on the frame a unit lands; the first onUpdate comes one
// frame later.
type ExecuteSystem struct {
	o *Orchestrator
}

func NewExecuteSystem(o *Orchestrator) *ExecuteSystem {
	return &ExecuteSystem{o: o}
}

func (s *ExecuteSystem) Phase() coresys.Phase { return coresys.PhaseExecute }

func (s *ExecuteSystem) Update(dt time.Duration) {
	o := s.o
	o.bus.SwapBuffers()
	o.bus.DispatchAll()

	secs := dt.Seconds()
	o.acts.each(func(a *activation) {
		if !a.runnable() || o.sandbox.Suspended(a.key) || !o.world.Alive(a.key.Entity) {
			return
		}
		if !o.session.Started(a.key) {
			o.start(a)
			return
		}
		o.call(a, scripting.OnUpdate, secs)
	})
}
