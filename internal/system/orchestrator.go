package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/diag"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/scripting"
	"github.com/vibe3d/scriptrt/internal/timer"
	"github.com/vibe3d/scriptrt/internal/world"
)

var ErrUnknownScript = errors.New("no entity uses script")

// FrameInput is sampled by the host once per frame.
type FrameInput struct {
	Playing bool
	Input   *scripting.InputSnapshot
}

type Config struct {
	// CompileResultsPerFrame caps how many finished compiles are applied per
	// frame. Zero applies all.
	CompileResultsPerFrame int
	// PollEvery is the number of frames between external source change
	// checks. Zero disables hot reload polling.
	PollEvery int
}

// Deps are the collaborators the orchestrator drives. ScriptLog receives
// script console output.
type Deps struct {
	World     *world.State
	Resolver  *scripting.Resolver
	Cache     *scripting.Cache
	Sandbox   *scripting.Sandbox
	Timers    *timer.Scheduler
	Buffer    *mutation.Buffer
	Bus       *event.Bus
	Diag      diag.Sink
	Log       *zap.Logger
	ScriptLog *zap.Logger
}

// Stats is a snapshot for status output. Disabled scripts count as
// registered but neither active nor running; their timers count in Timers
// and in SuspendedTimers.
type Stats struct {
	Frame           uint64
	Playing         bool
	Session         string
	SessionFrames   uint64
	Registered      int
	Active          int
	Running         int
	Pending         int
	Failed          int
	Timers          int
	SuspendedTimers int
	Errors          uint64
	Timeouts        uint64
	Cache           scripting.CacheStats
}

// Orchestrator runs the script pipeline once per frame: discover, compile,
// execute, timers, flush, cleanup. Execute and timers only run while playing.
// Everything here happens on the frame loop goroutine except compilation.
type Orchestrator struct {
	ctx context.Context
	cfg Config

	world    *world.State
	registry *ScriptRegistry
	resolver *scripting.Resolver
	cache    *scripting.Cache
	sandbox  *scripting.Sandbox
	timers   *timer.Scheduler
	buf      *mutation.Buffer
	bus      *event.Bus
	env      *scripting.Env
	diag     diag.Sink
	log      *zap.Logger

	acts    *activations
	runner  *coresys.Runner
	session *PlaySession
	playing bool
	frame   uint64

	errors   uint64
	timeouts uint64
}

// NewOrchestrator wires the phase systems. ctx bounds every script call and
// source fetch.
func NewOrchestrator(ctx context.Context, d Deps, cfg Config) *Orchestrator {
	if d.Diag == nil {
		d.Diag = diag.Discard
	}
	if d.ScriptLog == nil {
		d.ScriptLog = d.Log.Named("script")
	}
	o := &Orchestrator{
		ctx:      ctx,
		cfg:      cfg,
		world:    d.World,
		registry: NewScriptRegistry(d.World),
		resolver: d.Resolver,
		cache:    d.Cache,
		sandbox:  d.Sandbox,
		timers:   d.Timers,
		buf:      d.Buffer,
		bus:      d.Bus,
		diag:     d.Diag,
		log:      d.Log,
		acts:     newActivations(),
		runner:   coresys.NewRunner(),
	}
	o.env = scripting.NewEnv(d.World, d.Buffer, d.Timers, d.Bus, d.World.MarkForDestruction, d.ScriptLog)

	o.runner.Register(NewDiscoverSystem(o))
	o.runner.Register(NewCompileSystem(o))
	o.runner.Register(NewExecuteSystem(o))
	o.runner.Register(NewTimerSystem(o))
	o.runner.Register(NewFlushSystem(d.Buffer, d.World, d.Log))
	o.runner.Register(NewCleanupSystem(d.World))

	d.World.OnSpawn(o.spawned)
	d.World.OnDestroy(o.destroyed)
	event.Subscribe(d.Bus, o.deliver)
	d.Resolver.OnWarning = func(scriptID string, err error) {
		o.diag.Record(diag.New(diag.KindWarning, zapcore.WarnLevel, scriptID, 0, err.Error()))
	}
	return o
}

// RegisterExtension exposes fn to scripts as ext.<name>.
func (o *Orchestrator) RegisterExtension(name string, fn scripting.Extension) {
	o.env.Ext[name] = fn
}

func (o *Orchestrator) Playing() bool { return o.playing }

// Session returns the running play session, or nil in edit mode.
func (o *Orchestrator) Session() *PlaySession { return o.session }

// Frame advances the runtime by dt. Play mode transitions are handled
// before any system runs.
func (o *Orchestrator) Frame(dt time.Duration, in FrameInput) {
	switch {
	case in.Playing && !o.playing:
		o.startSession()
	case !in.Playing && o.playing:
		o.stopSession()
	}

	o.frame++
	o.sandbox.BeginFrame(o.frame)
	if !o.playing {
		o.runner.TickPhases(dt, coresys.PhaseDiscover, coresys.PhaseCompile, coresys.PhaseFlush, coresys.PhaseCleanup)
		return
	}
	s := o.session
	s.Frames++
	s.Elapsed += dt
	o.env.Time = scripting.TimeInfo{Time: s.Elapsed.Seconds(), DeltaTime: dt.Seconds(), Frame: s.Frames}
	o.env.Input = in.Input
	o.runner.Tick(dt)
}

// Close ends a running session. Compiles still in flight are left to the
// cache owner.
func (o *Orchestrator) Close() {
	if o.playing {
		o.stopSession()
	}
}

func (o *Orchestrator) startSession() {
	now := time.Now()
	o.session = newPlaySession(now)
	o.playing = true
	o.sandbox.Reset()
	o.acts.each(func(a *activation) {
		if a.next != nil {
			o.install(a, a.next)
		}
		if a.state == StateStopped || a.state == StateLoadFailed {
			a.state = StateCompiled
		}
	})
	id := o.session.ID.String()
	event.Emit(o.bus, event.SessionStarted{SessionID: id, At: now})
	o.diag.Record(diag.New(diag.KindSession, zapcore.InfoLevel, "", 0, "play started "+id))
	o.log.Info("play session started", zap.String("session", id), zap.Int("scripts", o.acts.len()))
}

// stopSession tears the session down synchronously: onDestroy for running
// instances, every timer cancelled, entities spawned during play removed
// with their queued writes.
func (o *Orchestrator) stopSession() {
	s := o.session
	o.acts.each(func(a *activation) {
		if a.inst == nil {
			return
		}
		if a.state == StateRunning && a.enabled && !o.sandbox.Suspended(a.key) {
			o.call(a, scripting.OnDestroy)
		}
		a.inst.Close()
		a.inst = nil
		if a.state == StateRunning || a.state == StateCompiled {
			a.state = StateStopped
		}
	})
	cancelled := o.timers.Reset()
	for _, id := range s.spawned {
		o.buf.DropEntity(id)
		o.world.Destroy(id)
	}
	o.bus.Reset()
	o.playing = false
	o.session = nil
	o.env.Time = scripting.TimeInfo{}
	o.env.Input = nil

	id := s.ID.String()
	took := time.Since(s.StartedAt)
	event.Emit(o.bus, event.SessionStopped{SessionID: id, Frames: s.Frames, Duration: took})
	o.bus.SwapBuffers()
	o.bus.DispatchAll()
	o.diag.Record(diag.New(diag.KindSession, zapcore.InfoLevel, "", 0, "play stopped "+id))
	o.log.Info("play session stopped",
		zap.String("session", id),
		zap.Uint64("frames", s.Frames),
		zap.Int("timers_cancelled", cancelled),
		zap.Int("entities_removed", len(s.spawned)),
		zap.Duration("took", took))
}

func (o *Orchestrator) spawned(id ecs.EntityID) {
	if o.session != nil {
		o.session.spawned = append(o.session.spawned, id)
	}
}

// destroyed runs whenever an entity leaves the world, before the registry
// sees the removal, so no timer of a dead entity can fire in between.
func (o *Orchestrator) destroyed(id ecs.EntityID) {
	o.timers.CancelOwner(id)
	o.buf.DropEntity(id)
}

// install puts a finished unit on an activation. A running instance keeps
// its unit until the session ends.
func (o *Orchestrator) install(a *activation, u *scripting.CompiledUnit) {
	a.future = nil
	if !u.Failed() {
		o.resolver.MarkGood(a.key.ScriptID, u.Hash)
	}
	if u.Failed() && a.reported != u.Hash {
		a.reported = u.Hash
		o.report(diag.KindCompile, a, u.Err)
	}
	if a.inst != nil {
		if a.next != u {
			o.log.Info("script reload deferred to next play",
				zap.Stringer("entity", a.key.Entity),
				zap.String("script", a.key.ScriptID))
		}
		a.next = u
		return
	}
	a.next = nil
	a.unit = u
	if u.Failed() {
		a.state = StateFailed
		return
	}
	a.reported = ""
	a.state = StateCompiled
}

// start loads a fresh instance and delivers onStart. A load that runs out
// of budget is retried after the backoff; any other load error holds the
// activation until new code lands or the next session starts.
func (o *Orchestrator) start(a *activation) {
	id := a.key.Entity
	if a.inst == nil {
		inst, err := a.unit.Program.Instantiate(scripting.Bindings{
			Entity:     id,
			EntityName: o.world.Name(id),
			Tags:       o.world.Tags(id),
			ScriptID:   a.key.ScriptID,
			Params:     a.params,
		})
		if err != nil {
			a.state = StateLoadFailed
			o.report(diag.KindExecute, a, err)
			return
		}
		a.inst = inst
	}
	if out := o.call(a, scripting.Load); !out.OK {
		a.inst.Close()
		a.inst = nil
		if !scripting.IsTimeout(out.Err) {
			a.state = StateLoadFailed
		}
		return
	}
	o.session.markStarted(a.key)
	a.state = StateRunning
	o.call(a, scripting.OnStart)
}

// teardown ends an activation that left the registry.
func (o *Orchestrator) teardown(a *activation) {
	key := a.key
	if a.inst != nil {
		if a.state == StateRunning && a.enabled && !o.sandbox.Suspended(key) {
			o.call(a, scripting.OnDestroy)
		}
		a.inst.Close()
		a.inst = nil
	}
	a.state = StateStopped
	o.timers.CancelOwner(key.Entity)
	if !o.world.Alive(key.Entity) {
		o.buf.DropEntity(key.Entity)
	}
	if o.session != nil {
		o.session.unmark(key)
	}
	o.sandbox.Forget(key)
}

// call runs one lifecycle function of a's instance through the sandbox.
func (o *Orchestrator) call(a *activation, l scripting.Lifecycle, args ...any) scripting.Outcome {
	if l != scripting.Load && !a.inst.Has(l) {
		return scripting.Outcome{OK: true}
	}
	ec := o.env.For(a.key.Entity, a.key.ScriptID, a.params)
	out := o.sandbox.Execute(o.ctx, a.inst, l, ec, args...)
	o.observe(a, out)
	return out
}

func (o *Orchestrator) observe(a *activation, out scripting.Outcome) {
	if out.Err == nil {
		return
	}
	o.errors++
	kind := diag.KindExecute
	if scripting.IsTimeout(out.Err) {
		o.timeouts++
		kind = diag.KindTimeout
	}
	o.log.Warn("script error",
		zap.Stringer("entity", a.key.Entity),
		zap.String("script", a.key.ScriptID),
		zap.Duration("took", out.Duration),
		zap.Error(out.Err))
	o.diag.Record(diag.New(kind, zapcore.ErrorLevel, a.key.ScriptID, a.key.Entity, out.Err.Error()))
}

func (o *Orchestrator) report(kind diag.Kind, a *activation, err error) {
	o.log.Warn("script "+string(kind)+" failed",
		zap.Stringer("entity", a.key.Entity),
		zap.String("script", a.key.ScriptID),
		zap.Error(err))
	o.diag.Record(diag.New(kind, zapcore.ErrorLevel, a.key.ScriptID, a.key.Entity, err.Error()))
}

// deliver hands a script event to every running instance listening for it.
func (o *Orchestrator) deliver(ev event.ScriptEvent) {
	o.acts.each(func(a *activation) {
		if a.inst == nil || a.state != StateRunning || !a.enabled || o.sandbox.Suspended(a.key) {
			return
		}
		if !a.inst.Listens(ev.Name) {
			return
		}
		ec := o.env.For(a.key.Entity, a.key.ScriptID, a.params)
		o.observe(a, o.sandbox.Deliver(o.ctx, a.inst, ec, ev))
	})
}

func (o *Orchestrator) markDirty(scriptID string) {
	o.acts.each(func(a *activation) {
		if a.key.ScriptID == scriptID {
			a.dirty = true
		}
	})
}

// SetDraft stores unsaved code for a script. Entities using it pick the
// draft up on the next frame; while playing, after the session ends.
func (o *Orchestrator) SetDraft(scriptID, code string) string {
	hash := o.resolver.SetDraft(scriptID, code)
	o.markDirty(scriptID)
	return hash
}

// DiscardDraft drops unsaved code and goes back to the saved source.
func (o *Orchestrator) DiscardDraft(scriptID string) bool {
	if !o.resolver.DiscardDraft(scriptID) {
		return false
	}
	o.markDirty(scriptID)
	return true
}

// CommitDraft saves a draft through its source (external) or onto the
// references (inline) and records the new hash on every reference.
func (o *Orchestrator) CommitDraft(ctx context.Context, scriptID string) error {
	ids := o.world.ScriptsByID(scriptID)
	if len(ids) == 0 {
		return fmt.Errorf("commit %s: %w", scriptID, ErrUnknownScript)
	}
	sc, _ := o.world.Script(ids[0])
	res, err := o.resolver.CommitDraft(ctx, sc.Ref)
	if err != nil {
		return err
	}
	n := o.world.SaveScript(scriptID, res.Code, res.Hash, res.ModTime)
	o.markDirty(scriptID)
	o.log.Info("script saved", zap.String("script", scriptID), zap.Int("references", n))
	return nil
}

// RenameScript moves every reference of a script to a new id.
func (o *Orchestrator) RenameScript(from, to string) int {
	n := o.world.RenameScript(from, to)
	if n > 0 {
		o.resolver.Forget(from)
	}
	return n
}

// ConvertToInline copies the current code of an entity's external script
// onto its reference. The unit in use is kept since the code is the same.
func (o *Orchestrator) ConvertToInline(ctx context.Context, id ecs.EntityID) error {
	sc, ok := o.world.Script(id)
	if !ok {
		return fmt.Errorf("convert %s: %w", id, world.ErrNoComponent)
	}
	if !sc.Ref.External() {
		return nil
	}
	res, err := o.resolver.Resolve(ctx, sc.Ref)
	if err != nil {
		return fmt.Errorf("convert %s: %w", id, err)
	}
	if err := o.world.ConvertToInline(id, res.Code, res.Hash); err != nil {
		return err
	}
	o.log.Info("script converted to inline", zap.Stringer("entity", id), zap.String("script", sc.Ref.ScriptID))
	return nil
}

// State returns the lifecycle state of an entity's script.
func (o *Orchestrator) State(id ecs.EntityID) (State, bool) {
	a := o.acts.get(id)
	if a == nil {
		return 0, false
	}
	return a.state, true
}

func (o *Orchestrator) Stats() Stats {
	st := Stats{
		Frame:      o.frame,
		Playing:    o.playing,
		Registered: o.registry.Registered(),
		Active:     o.registry.Enabled(),
		Timers:     o.timers.Len(),
		Errors:     o.errors,
		Timeouts:   o.timeouts,
		Cache:      o.cache.Stats(),
	}
	if o.session != nil {
		st.Session = o.session.ID.String()
		st.SessionFrames = o.session.Frames
	}
	o.acts.each(func(a *activation) {
		switch a.state {
		case StateRunning:
			if a.enabled {
				st.Running++
			}
		case StatePending:
			st.Pending++
		case StateFailed, StateLoadFailed:
			st.Failed++
		}
		if !a.enabled {
			st.SuspendedTimers += o.timers.Owned(a.key.Entity)
		}
	})
	return st
}

// validate checks parameters against the declared schema. Invalid
// parameters keep the script from running until they are fixed.
func (o *Orchestrator) validate(a *activation) {
	a.paramErr = component.ValidateParameters(a.params, a.schema)
	if a.paramErr != nil {
		o.report(diag.KindInvalid, a, a.paramErr)
	}
}
