package scripting

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/timer"
)

var ErrNotOwner = errors.New("timer belongs to another entity")

// TimeInfo is the read-only clock handed to scripts. Values are seconds of
// simulation time since the play session started.
type TimeInfo struct {
	Time      float64
	DeltaTime float64
	Frame     uint64
}

// InputSnapshot is the input state sampled once at frame start.
type InputSnapshot struct {
	Keys    map[string]bool
	Buttons map[int]bool
	MouseX  float64
	MouseY  float64
}

func (in *InputSnapshot) KeyDown(key string) bool {
	return in != nil && in.Keys[key]
}

func (in *InputSnapshot) ButtonDown(b int) bool {
	return in != nil && in.Buttons[b]
}

// Scene is the read side of the component store.
type Scene interface {
	Alive(id ecs.EntityID) bool
	Name(id ecs.EntityID) string
	Tags(id ecs.EntityID) []string
	Find(name string) (ecs.EntityID, bool)
	Has(id ecs.EntityID, c component.ID) bool
	GetField(id ecs.EntityID, c component.ID, field string) (any, error)
	CheckField(id ecs.EntityID, c component.ID, field string, v any) error
}

// Timers is the scheduler surface scripts may use.
type Timers interface {
	SetTimeout(owner ecs.EntityID, d time.Duration, cb timer.Callback) timer.ID
	SetInterval(owner ecs.EntityID, d time.Duration, cb timer.Callback) (timer.ID, error)
	NextTick(owner ecs.EntityID, cb timer.Callback) timer.ID
	WaitFrames(owner ecs.EntityID, n int, cb timer.Callback) timer.ID
	Get(id timer.ID) (*timer.Timer, bool)
	Clear(id timer.ID) bool
}

// Extension is a host function exposed to scripts under the ext table.
type Extension func(ec *ExecutionContext, args []any) (any, error)

// Env is the per-frame state shared by every call. The orchestrator owns it
// and refreshes Time and Input at frame start.
type Env struct {
	Scene  Scene
	Timers Timers
	Bus    *event.Bus
	Log    *zap.Logger // script console
	Ext    map[string]Extension

	Time  TimeInfo
	Input *InputSnapshot

	stage   *mutation.Stage
	emitted []event.ScriptEvent
	doomed  []ecs.EntityID
	created []timer.ID
	destroy func(ecs.EntityID)
}

// NewEnv wires the shared call state. destroy is how committed
// entity:destroy() requests reach the world.
func NewEnv(scene Scene, buf *mutation.Buffer, timers Timers, bus *event.Bus, destroy func(ecs.EntityID), log *zap.Logger) *Env {
	return &Env{
		Scene:   scene,
		Timers:  timers,
		Bus:     bus,
		Log:     log,
		Ext:     make(map[string]Extension),
		stage:   mutation.NewStage(buf),
		destroy: destroy,
	}
}

// For creates the context for one invocation.
func (env *Env) For(entity ecs.EntityID, scriptID string, params map[string]any) *ExecutionContext {
	return &ExecutionContext{
		Entity:   entity,
		ScriptID: scriptID,
		Params:   params,
		Time:     env.Time,
		Input:    env.Input,
		Console:  env.Log.With(zap.Stringer("entity", entity), zap.String("script", scriptID)),
		env:      env,
	}
}

func (env *Env) commit() error {
	err := env.stage.Commit()
	for _, ev := range env.emitted {
		event.Emit(env.Bus, ev)
	}
	for _, id := range env.doomed {
		env.destroy(id)
	}
	env.reset()
	return err
}

func (env *Env) discard() {
	env.stage.Discard()
	for _, id := range env.created {
		env.Timers.Clear(id)
	}
	env.reset()
}

func (env *Env) reset() {
	clear(env.emitted)
	env.emitted = env.emitted[:0]
	env.doomed = env.doomed[:0]
	env.created = env.created[:0]
}

// ExecutionContext is the capability bundle of a single call. It reads the
// store and queues writes; it never writes the store itself. Everything a
// call does (writes, events, destroy requests, new timers) takes effect only
// if the call succeeds.
type ExecutionContext struct {
	Entity   ecs.EntityID
	ScriptID string
	Params   map[string]any
	Time     TimeInfo
	Input    *InputSnapshot
	Console  *zap.Logger

	env *Env
}

// Get reads a field, seeing writes queued earlier this frame.
func (ec *ExecutionContext) Get(id ecs.EntityID, c component.ID, field string) (any, error) {
	if v, ok := ec.env.stage.Lookup(id, c, field); ok {
		return v, nil
	}
	return ec.env.Scene.GetField(id, c, field)
}

// Set validates and queues a write. It is applied at the end of the frame.
func (ec *ExecutionContext) Set(id ecs.EntityID, c component.ID, field string, v any) error {
	if err := ec.env.Scene.CheckField(id, c, field, v); err != nil {
		return err
	}
	return ec.env.stage.Queue(id, c, field, v)
}

func (ec *ExecutionContext) Alive(id ecs.EntityID) bool            { return ec.env.Scene.Alive(id) }
func (ec *ExecutionContext) Name(id ecs.EntityID) string           { return ec.env.Scene.Name(id) }
func (ec *ExecutionContext) Tags(id ecs.EntityID) []string         { return ec.env.Scene.Tags(id) }
func (ec *ExecutionContext) Find(name string) (ecs.EntityID, bool) { return ec.env.Scene.Find(name) }

func (ec *ExecutionContext) Has(id ecs.EntityID, c component.ID) bool {
	return ec.env.Scene.Has(id, c)
}

// Destroy requests deferred destruction of an entity.
func (ec *ExecutionContext) Destroy(id ecs.EntityID) {
	ec.env.doomed = append(ec.env.doomed, id)
}

// Emit sends a script event, delivered to listeners next frame.
func (ec *ExecutionContext) Emit(name string, payload any) {
	ec.env.emitted = append(ec.env.emitted, event.ScriptEvent{Name: name, Source: ec.Entity, Payload: payload})
}

func (ec *ExecutionContext) SetTimeout(d time.Duration, cb timer.Callback) timer.ID {
	id := ec.env.Timers.SetTimeout(ec.Entity, d, cb)
	ec.env.created = append(ec.env.created, id)
	return id
}

func (ec *ExecutionContext) SetInterval(d time.Duration, cb timer.Callback) (timer.ID, error) {
	id, err := ec.env.Timers.SetInterval(ec.Entity, d, cb)
	if err != nil {
		return 0, err
	}
	ec.env.created = append(ec.env.created, id)
	return id, nil
}

func (ec *ExecutionContext) NextTick(cb timer.Callback) timer.ID {
	id := ec.env.Timers.NextTick(ec.Entity, cb)
	ec.env.created = append(ec.env.created, id)
	return id
}

func (ec *ExecutionContext) WaitFrames(n int, cb timer.Callback) timer.ID {
	id := ec.env.Timers.WaitFrames(ec.Entity, n, cb)
	ec.env.created = append(ec.env.created, id)
	return id
}

// ClearTimer cancels one of this entity's timers. Unknown ids are ignored.
func (ec *ExecutionContext) ClearTimer(id timer.ID) error {
	t, ok := ec.env.Timers.Get(id)
	if !ok {
		return nil
	}
	if t.Owner != ec.Entity {
		return fmt.Errorf("clear timer %d: %w", id, ErrNotOwner)
	}
	ec.env.Timers.Clear(id)
	return nil
}

// Extension looks up a host extension by name.
func (ec *ExecutionContext) Extension(name string) (Extension, bool) {
	fn, ok := ec.env.Ext[name]
	return fn, ok
}

// Extensions lists the registered extension names.
func (ec *ExecutionContext) Extensions() []string {
	out := make([]string, 0, len(ec.env.Ext))
	for name := range ec.env.Ext {
		out = append(out, name)
	}
	return out
}
