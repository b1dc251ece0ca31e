package system

import (
	"time"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/timer"
)

// TimerSystem advances script timers by simulation time and fires the due
// ones through the sandbox. Phase 3: play mode only.
//
// Timers of disabled or backed-off scripts are suspended: they neither
// advance nor fire.
type TimerSystem struct {
	o     *Orchestrator
	fired int
}

func NewTimerSystem(o *Orchestrator) *TimerSystem {
	return &TimerSystem{o: o}
}

func (s *TimerSystem) Phase() coresys.Phase { return coresys.PhaseTimers }

func (s *TimerSystem) Update(dt time.Duration) {
	s.fired = s.o.timers.Tick(dt, s.active, s.fire)
}

func (s *TimerSystem) active(owner ecs.EntityID) bool {
	a := s.o.acts.get(owner)
	return a != nil && a.enabled && a.inst != nil && a.state == StateRunning && !s.o.sandbox.Suspended(a.key)
}

func (s *TimerSystem) fire(t *timer.Timer) {
	o := s.o
	a := o.acts.get(t.Owner)
	if a == nil || a.inst == nil {
		return
	}
	ec := o.env.For(a.key.Entity, a.key.ScriptID, a.params)
	o.observe(a, o.sandbox.Invoke(o.ctx, a.inst, ec, t.Callback))
}
