package system

import (
	"errors"
	"time"

	"go.uber.org/zap"

	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/diag"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// CompileSystem resolves sources of dirty activations, submits them to the
// cache and installs finished units. Phase 1: runs in edit and play mode.
//
// External sources are checked for changes every PollEvery frames, one
// Stat per script id.
type CompileSystem struct {
	o       *Orchestrator
	frames  int
	checked map[string]bool
}

func NewCompileSystem(o *Orchestrator) *CompileSystem {
	return &CompileSystem{o: o, checked: make(map[string]bool)}
}

func (s *CompileSystem) Phase() coresys.Phase { return coresys.PhaseCompile }

func (s *CompileSystem) Update(_ time.Duration) {
	o := s.o
	s.frames++
	poll := o.cfg.PollEvery > 0 && s.frames%o.cfg.PollEvery == 0
	if poll {
		clear(s.checked)
	}
	o.acts.each(func(a *activation) {
		if !a.dirty && poll && a.ref.External() {
			changed, seen := s.checked[a.key.ScriptID]
			if !seen {
				changed = o.resolver.Changed(o.ctx, a.ref)
				s.checked[a.key.ScriptID] = changed
			}
			a.dirty = changed
		}
		if a.dirty {
			s.resolve(a)
		}
	})

	o.cache.Poll(o.cfg.CompileResultsPerFrame)
	o.acts.each(func(a *activation) {
		if a.future != nil && a.future.Ready() {
			s.land(a)
		}
	})
}

func (s *CompileSystem) resolve(a *activation) {
	o := s.o
	a.dirty = false
	res, err := o.resolver.Resolve(o.ctx, a.ref)
	if err != nil {
		// skipped until the source shows up again
		o.report(diag.KindResolve, a, err)
		return
	}
	if res.Hash == a.hash {
		// same code already compiled, e.g. a committed draft
		for _, u := range [...]*scripting.CompiledUnit{a.unit, a.next} {
			if u != nil && u.Hash == res.Hash && !u.Failed() {
				o.resolver.MarkGood(a.key.ScriptID, res.Hash)
			}
		}
		return
	}
	a.hash = res.Hash
	a.future = o.cache.Submit(a.key.ScriptID, res.Hash, res.Code)
	if a.future.Ready() {
		s.land(a)
	} else if a.unit == nil {
		a.state = StatePending
	}
}

func (s *CompileSystem) land(a *activation) {
	o := s.o
	u, err := a.future.Result()
	a.future = nil
	if err == nil {
		o.install(a, u)
		return
	}
	// another activation with the same script id submitted different code;
	// this one waits for its next change
	a.hash = ""
	if errors.Is(err, scripting.ErrSuperseded) {
		o.log.Warn("compile superseded by another source of the same script",
			zap.Stringer("entity", a.key.Entity),
			zap.String("script", a.key.ScriptID))
		return
	}
	o.log.Debug("compile abandoned", zap.String("script", a.key.ScriptID), zap.Error(err))
}
