package system

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/diag"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/scripting"
	"github.com/vibe3d/scriptrt/internal/scripting/luavm"
	"github.com/vibe3d/scriptrt/internal/timer"
	"github.com/vibe3d/scriptrt/internal/world"
)

const frameDT = 50 * time.Millisecond

// memSource is an in-memory external script store.
type memSource struct {
	mu    sync.Mutex
	files map[string]string
	mods  map[string]time.Time
	clock time.Time
}

func newMemSource() *memSource {
	return &memSource{
		files: make(map[string]string),
		mods:  make(map[string]time.Time),
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memSource) put(loc, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = s.clock.Add(time.Second)
	s.files[loc] = code
	s.mods[loc] = s.clock
}

func (s *memSource) get(loc string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[loc]
}

func (s *memSource) Fetch(_ context.Context, loc string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.files[loc]
	if !ok {
		return "", time.Time{}, fmt.Errorf("%s: %w", loc, scripting.ErrNoSource)
	}
	return code, s.mods[loc], nil
}

func (s *memSource) Stat(_ context.Context, loc string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mod, ok := s.mods[loc]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", loc, scripting.ErrNoSource)
	}
	return mod, nil
}

func (s *memSource) Store(ctx context.Context, loc, code string) (time.Time, error) {
	s.put(loc, code)
	return s.Stat(ctx, loc)
}

// countingBackend counts compiles of the real Lua backend.
type countingBackend struct {
	inner    scripting.Backend
	compiles atomic.Int64
}

func (b *countingBackend) Compile(scriptID, code string) (scripting.Program, error) {
	b.compiles.Add(1)
	return b.inner.Compile(scriptID, code)
}

type rig struct {
	t       *testing.T
	world   *world.State
	src     *memSource
	backend *countingBackend
	cache   *scripting.Cache
	timers  *timer.Scheduler
	buf     *mutation.Buffer
	bus     *event.Bus
	diag    *diag.Store
	logs    *observer.ObservedLogs
	o       *Orchestrator
	playing bool
}

func newRig(t *testing.T, budget time.Duration) *rig {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	ctx, cancel := context.WithCancel(context.Background())

	ws := world.NewState()
	src := newMemSource()
	be := &countingBackend{inner: luavm.NewBackend(luavm.Options{}, log)}
	cache := scripting.NewCache(be, 2, 4, log)
	cache.Start(ctx)
	store := diag.NewStore(128)
	r := &rig{
		t:       t,
		world:   ws,
		src:     src,
		backend: be,
		cache:   cache,
		timers:  timer.NewScheduler(64),
		buf:     mutation.NewBuffer(),
		bus:     event.NewBus(),
		diag:    store,
		logs:    logs,
	}
	r.o = NewOrchestrator(ctx, Deps{
		World:    ws,
		Resolver: scripting.NewResolver(src, nil, log),
		Cache:    cache,
		Sandbox:  scripting.NewSandbox(budget, 1, 8, log),
		Timers:   r.timers,
		Buffer:   r.buf,
		Bus:      r.bus,
		Diag:     store,
		Log:      log,
	}, Config{CompileResultsPerFrame: 8, PollEvery: 1})
	t.Cleanup(func() {
		r.o.Close()
		cancel()
		cache.Stop()
	})
	return r
}

// spawn creates an entity with health and properties and attaches an
// inline script.
func (r *rig) spawn(name, scriptID, code string) ecs.EntityID {
	r.t.Helper()
	id := r.world.Spawn(name)
	r.world.AddHealth(id, component.Health{Current: 100, Max: 100})
	r.world.AddProperties(id, component.Properties{})
	err := r.world.AttachScript(id, component.Script{
		Ref:     component.ScriptReference{ScriptID: scriptID, Origin: component.OriginInline, Code: code},
		Enabled: true,
	})
	if err != nil {
		r.t.Fatal(err)
	}
	return id
}

// spawnExternal attaches a script fetched from the memory source.
func (r *rig) spawnExternal(name, scriptID string) ecs.EntityID {
	r.t.Helper()
	id := r.world.Spawn(name)
	r.world.AddProperties(id, component.Properties{})
	err := r.world.AttachScript(id, component.Script{
		Ref:     component.ScriptReference{ScriptID: scriptID, Origin: component.OriginExternal, Location: scriptID + ".lua"},
		Enabled: true,
	})
	if err != nil {
		r.t.Fatal(err)
	}
	return id
}

func (r *rig) frame() {
	r.o.Frame(frameDT, FrameInput{Playing: r.playing})
}

func (r *rig) frames(n int) {
	for i := 0; i < n; i++ {
		r.frame()
	}
}

func (r *rig) play() { r.playing = true }

func (r *rig) stop() {
	r.playing = false
	r.frame()
}

func (r *rig) compiling() bool {
	busy := false
	r.o.acts.each(func(a *activation) {
		if a.dirty || a.future != nil {
			busy = true
		}
	})
	return busy
}

// settle runs edit mode frames until every compile has landed.
func (r *rig) settle() {
	r.t.Helper()
	if r.playing {
		r.t.Fatal("settle runs edit mode frames")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		r.frame()
		if !r.compiling() {
			return
		}
		if time.Now().After(deadline) {
			r.t.Fatal("compiles did not land")
		}
		time.Sleep(time.Millisecond)
	}
}

// until runs play frames until cond holds or the deadline passes.
func (r *rig) until(cond func() bool) int {
	r.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	n := 0
	for !cond() {
		if time.Now().After(deadline) {
			r.t.Fatal("condition not reached")
		}
		r.frame()
		n++
		time.Sleep(time.Millisecond)
	}
	return n
}

func (r *rig) prop(id ecs.EntityID, key string) any {
	r.t.Helper()
	v, err := r.world.GetField(id, component.PropertiesID, key)
	if err != nil {
		r.t.Fatalf("read %s: %v", key, err)
	}
	return v
}

func (r *rig) num(id ecs.EntityID, key string) float64 {
	r.t.Helper()
	switch v := r.prop(id, key).(type) {
	case nil:
		return 0
	case float64:
		return v
	default:
		r.t.Fatalf("%s is %T", key, v)
		return 0
	}
}

func (r *rig) health(id ecs.EntityID) float64 {
	r.t.Helper()
	v, err := r.world.GetField(id, component.HealthID, "current")
	if err != nil {
		r.t.Fatal(err)
	}
	return v.(float64)
}

func (r *rig) state(id ecs.EntityID) State {
	r.t.Helper()
	st, ok := r.o.State(id)
	if !ok {
		r.t.Fatalf("no activation for %s", id)
	}
	return st
}

func (r *rig) diagKinds(scriptID string) map[diag.Kind]int {
	out := make(map[diag.Kind]int)
	for _, e := range r.diag.ByScript(scriptID) {
		out[e.Kind]++
	}
	return out
}

// counterScript tallies lifecycle calls in the entity's properties.
const counterScript = `
local function bump(key)
	entity.set("properties", key, (entity.get("properties", key) or 0) + 1)
end
function onStart() bump("starts") end
function onUpdate(dt) bump("updates") end
function onDestroy() bump("destroys") end
function onEnable() bump("enables") end
function onDisable() bump("disables") end
`
