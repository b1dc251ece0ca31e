package luavm

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/scripting"
	"github.com/vibe3d/scriptrt/internal/timer"
	"github.com/vibe3d/scriptrt/internal/world"
)

type rig struct {
	world  *world.State
	buf    *mutation.Buffer
	timers *timer.Scheduler
	bus    *event.Bus
	env    *scripting.Env
	sb     *scripting.Sandbox
	be     *Backend
	logs   *observer.ObservedLogs
	hero   ecs.EntityID
}

func newRig(t *testing.T) *rig {
	t.Helper()
	w := world.NewState()
	hero := w.Spawn("hero", "player")
	w.AddTransform(hero, component.DefaultTransform())
	w.AddHealth(hero, component.Health{Current: 100, Max: 100})
	core, logs := observer.New(zap.DebugLevel)
	log := zaptest.NewLogger(t)
	buf := mutation.NewBuffer()
	ts := timer.NewScheduler(0)
	bus := event.NewBus()
	return &rig{
		world:  w,
		buf:    buf,
		timers: ts,
		bus:    bus,
		env:    scripting.NewEnv(w, buf, ts, bus, w.MarkForDestruction, zap.New(core)),
		sb:     scripting.NewSandbox(200*time.Millisecond, 1, 8, log),
		be:     NewBackend(Options{}, log),
		logs:   logs,
		hero:   hero,
	}
}

func (r *rig) ec(id ecs.EntityID) *scripting.ExecutionContext {
	return r.env.For(id, "test", nil)
}

// load compiles code for the entity and runs its chunk.
func (r *rig) load(t *testing.T, id ecs.EntityID, code string, params map[string]any) scripting.Instance {
	t.Helper()
	prog, err := r.be.Compile("test", code)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	inst, err := prog.Instantiate(scripting.Bindings{
		Entity:     id,
		EntityName: r.world.Name(id),
		Tags:       r.world.Tags(id),
		ScriptID:   "test",
		Params:     params,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(inst.Close)
	if out := r.sb.Execute(context.Background(), inst, scripting.Load, r.ec(id)); !out.OK {
		t.Fatalf("load: %v", out.Err)
	}
	return inst
}

func (r *rig) call(inst scripting.Instance, l scripting.Lifecycle, args ...any) scripting.Outcome {
	return r.sb.Execute(context.Background(), inst, l, r.ec(r.hero), args...)
}

func (r *rig) flush(t *testing.T) {
	t.Helper()
	if _, err := r.buf.Flush(r.world.SetField); err != nil {
		t.Fatal(err)
	}
}

func (r *rig) health(t *testing.T) float64 {
	t.Helper()
	v, err := r.world.GetField(r.hero, component.HealthID, "current")
	if err != nil {
		t.Fatal(err)
	}
	return v.(float64)
}

func TestCompileSyntaxError(t *testing.T) {
	be := NewBackend(Options{}, zaptest.NewLogger(t))
	if _, err := be.Compile("bad", "function onUpdate( end"); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestScanHandles(t *testing.T) {
	cases := []struct {
		name string
		code string
		want []scripting.Lifecycle
	}{
		{"globals", "function onStart() end\nonUpdate = function(dt) end", []scripting.Lifecycle{scripting.OnStart, scripting.OnUpdate}},
		{"module", "local M = {}\nfunction M.onUpdate(dt) end\nfunction M:onDestroy() end\nreturn M", []scripting.Lifecycle{scripting.OnUpdate, scripting.OnDestroy}},
		{"module ctor", "local M = { onEnable = function() end }\nM.onDisable = function() end\nreturn M", []scripting.Lifecycle{scripting.OnEnable, scripting.OnDisable}},
		{"returned table", "return { onStart = function() end, helper = 1 }", []scripting.Lifecycle{scripting.OnStart}},
		{"none", "local x = 1", nil},
	}
	be := NewBackend(Options{}, zaptest.NewLogger(t))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prog, err := be.Compile(tc.name, tc.code)
			if err != nil {
				t.Fatal(err)
			}
			var want scripting.Handles
			for _, l := range tc.want {
				want = want.With(l)
			}
			if got := prog.Handles(); got != want {
				t.Fatalf("handles = %s, want %s", got, want)
			}
		})
	}
}

func TestLifecycleWritesThroughBuffer(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		local hits = 0
		function onStart()
			entity.set("health", "current", 90)
		end
		function onUpdate(dt)
			hits = hits + 1
			entity.set("Health", "current", entity.get("health", "current") - 20 * hits)
		end
	`, nil)

	if !inst.Has(scripting.OnStart) || !inst.Has(scripting.OnUpdate) || inst.Has(scripting.OnDestroy) {
		t.Fatalf("hooks not resolved")
	}
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	if out := r.call(inst, scripting.OnUpdate, 0.016); !out.OK {
		t.Fatal(out.Err)
	}
	if r.health(t) != 100 {
		t.Fatalf("store written before flush")
	}
	if r.buf.Len() != 1 {
		t.Fatalf("buffer len %d, want 1", r.buf.Len())
	}
	r.flush(t)
	if got := r.health(t); got != 70 {
		t.Fatalf("health = %v, want 70", got)
	}
}

func TestModuleTableHooks(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		local M = {}
		function onUpdate() error("global hook must be ignored") end
		function M.onUpdate(dt) entity.set("health", "current", 1) end
		return M
	`, nil)
	if out := r.call(inst, scripting.OnUpdate, 0.016); !out.OK {
		t.Fatal(out.Err)
	}
	r.flush(t)
	if r.health(t) != 1 {
		t.Fatalf("module hook not used")
	}
}

func TestDangerousGlobalsRemoved(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onStart()
			for _, name in ipairs({"os", "io", "debug", "package", "require", "dofile",
				"loadfile", "load", "loadstring", "collectgarbage", "module", "setfenv", "getfenv"}) do
				if _G[name] ~= nil then error(name .. " is reachable") end
			end
			assert(string.format and table.insert and math.floor)
		end
	`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
}

func TestInfiniteLoopHitsBudget(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `function onUpdate() while true do end end`, nil)
	out := r.call(inst, scripting.OnUpdate, 0.016)
	if !scripting.IsTimeout(out.Err) {
		t.Fatalf("err = %v, want timeout", out.Err)
	}
	// the VM stays usable after an abort
	if !inst.Has(scripting.OnUpdate) {
		t.Fatalf("instance lost its hooks")
	}
}

func TestRuntimeErrorDiscardsWrites(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onUpdate()
			entity.set("health", "current", 5)
			error("kaboom")
		end
	`, nil)
	out := r.call(inst, scripting.OnUpdate, 0.016)
	if out.OK || !strings.Contains(out.Err.Error(), "kaboom") {
		t.Fatalf("outcome %+v", out)
	}
	if r.buf.Len() != 0 {
		t.Fatalf("failed call left %d writes", r.buf.Len())
	}
}

func TestTimeIsReadOnly(t *testing.T) {
	r := newRig(t)
	r.env.Time = scripting.TimeInfo{Time: 1.5, DeltaTime: 0.5, Frame: 3}
	inst := r.load(t, r.hero, `
		function onStart()
			assert(time.time == 1.5 and time.deltaTime == 0.5 and time.frameCount == 3)
		end
		function onUpdate() time.time = 0 end
	`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	if out := r.call(inst, scripting.OnUpdate); out.OK {
		t.Fatalf("write to time succeeded")
	}
}

func TestTransformHelpers(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onUpdate()
			entity.transform:setPosition(1, 2, 3)
			entity.transform:translate({x = 1, y = 0, z = -1})
			local x, y, z = entity.transform:getPosition()
			assert(x == 2 and y == 2 and z == 2, "read-your-writes")
		end
	`, nil)
	if out := r.call(inst, scripting.OnUpdate); !out.OK {
		t.Fatal(out.Err)
	}
	r.flush(t)
	tr, _ := r.world.Transform(r.hero)
	if tr.Position != (component.Vec3{X: 2, Y: 2, Z: 2}) {
		t.Fatalf("position = %+v", tr.Position)
	}
}

func TestComponentQueries(t *testing.T) {
	r := newRig(t)
	crate := r.world.Spawn("crate")
	inst := r.load(t, r.hero, `
		function onUpdate()
			assert(entity.has("health") and entity.has("Transform"))
			assert(not entity.has("rigidbody"))
			local c = scene.find("crate")
			assert(scene.has(c, "transform") == false)
		end
	`, nil)
	if out := r.call(inst, scripting.OnUpdate); !out.OK {
		t.Fatal(out.Err)
	}
	if got := r.world.Components(r.hero); len(got) != 2 || got[0] != component.TransformID || got[1] != component.HealthID {
		t.Fatalf("components = %v", got)
	}
	r.world.Destroy(crate)
	if r.world.Has(crate, component.TransformID) {
		t.Fatal("destroyed entity reports components")
	}
}

func TestInvalidWriteRaises(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `function onUpdate() entity.set("health", "bogus", 1) end`, nil)
	out := r.call(inst, scripting.OnUpdate)
	if out.OK || !strings.Contains(out.Err.Error(), "unknown field") {
		t.Fatalf("outcome %+v", out)
	}
}

func TestParametersAndIdentity(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onStart()
			assert(entity.name == "hero")
			assert(entity.tags[1] == "player")
			assert(parameters.speed == 4 and parameters.label == "fast")
		end
	`, map[string]any{"speed": 4.0, "label": "fast"})
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	inst.SetParameters(map[string]any{"speed": 8.0})
	p, ok := inst.(*Instance).L.GetGlobal("parameters").(*lua.LTable)
	if !ok || lNum(p, "speed") != 8 {
		t.Fatalf("parameters not replaced")
	}
}

func TestConsoleLogs(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `function onStart() console.warn("hp", 3, true) print("plain") end`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	if n := r.logs.FilterMessage("hp 3 true").FilterLevelExact(zap.WarnLevel).Len(); n != 1 {
		t.Fatalf("warn entries = %d", n)
	}
	if n := r.logs.FilterMessage("plain").Len(); n != 1 {
		t.Fatalf("print entries = %d", n)
	}
}

func TestTimerCallbackRunsInSandbox(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onStart()
			timer.setTimeout(function() entity.set("health", "current", 42) end, 50)
			local id = timer.setInterval(function() error("should be cleared") end, 10)
			timer.clearInterval(id)
		end
	`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	if r.timers.Len() != 1 {
		t.Fatalf("timers = %d", r.timers.Len())
	}
	var outs []scripting.Outcome
	for i := 0; i < 5; i++ {
		r.timers.Tick(20*time.Millisecond, nil, func(tm *timer.Timer) {
			outs = append(outs, r.sb.Invoke(context.Background(), inst, r.ec(tm.Owner), tm.Callback))
		})
	}
	if len(outs) != 1 || !outs[0].OK {
		t.Fatalf("outcomes %+v", outs)
	}
	r.flush(t)
	if r.health(t) != 42 {
		t.Fatalf("timer write not applied")
	}
}

func TestTimerDelaysOutOfRange(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onStart()
			for _, d in ipairs({1e13, 1e300, math.huge}) do
				timer.setTimeout(function() entity.set("health", "current", 1) end, d)
			end
			timer.setInterval(function() entity.set("health", "current", 2) end, math.huge)
		end
		function onUpdate(kind)
			if kind == 1 then
				timer.setTimeout(function() end, 0/0)
			else
				timer.setInterval(function() end, 0/0)
			end
		end
	`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
	fired := 0
	for i := 0; i < 4; i++ {
		fired += r.timers.Tick(50*time.Millisecond, nil, func(*timer.Timer) {})
	}
	if fired != 0 || r.timers.Len() != 4 {
		t.Fatalf("fired %d, live %d", fired, r.timers.Len())
	}

	for _, kind := range []float64{1, 2} {
		out := r.call(inst, scripting.OnUpdate, kind)
		if out.OK || !strings.Contains(out.Err.Error(), "not a number") {
			t.Fatalf("kind %v: outcome %+v", kind, out)
		}
	}
	if r.timers.Len() != 4 {
		t.Fatal("NaN delay scheduled a timer")
	}
}

func TestHandlesMustBeWholeNumbers(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onUpdate(v, which)
			if which == 1 then
				scene.exists(v)
			else
				timer.clearTimeout(v)
			end
		end
	`, nil)
	for _, bad := range []float64{-1, 1.5, math.NaN(), 1e300} {
		for _, which := range []float64{1, 2} {
			out := r.call(inst, scripting.OnUpdate, bad, which)
			if out.OK || !strings.Contains(out.Err.Error(), "invalid id") {
				t.Fatalf("id %v via %v: outcome %+v", bad, which, out)
			}
		}
	}
	if out := r.call(inst, scripting.OnUpdate, float64(r.hero), 1.0); !out.OK {
		t.Fatalf("valid id rejected: %v", out.Err)
	}
}

func TestEventsDeliveredToListeners(t *testing.T) {
	r := newRig(t)
	other := r.world.Spawn("listener")
	r.world.AddHealth(other, component.Health{Current: 10, Max: 10})

	sender := r.load(t, r.hero, `function onUpdate() events.emit("hit", { amount = 3 }) end`, nil)
	recv := r.load(t, other, `
		events.on("hit", function(payload, source)
			entity.set("health", "current", entity.get("health", "current") - payload.amount)
			assert(scene.name(source) == "hero")
		end)
	`, nil)
	if !recv.Listens("hit") || sender.Listens("hit") {
		t.Fatalf("listener registration wrong")
	}

	event.Subscribe(r.bus, func(ev event.ScriptEvent) {
		out := r.sb.Deliver(context.Background(), recv, r.ec(other), ev)
		if !out.OK {
			t.Errorf("deliver: %v", out.Err)
		}
	})
	if out := r.call(sender, scripting.OnUpdate); !out.OK {
		t.Fatal(out.Err)
	}
	if r.bus.Pending() != 1 {
		t.Fatalf("event not queued")
	}
	r.bus.SwapBuffers()
	r.bus.DispatchAll()
	r.flush(t)
	if v, _ := r.world.GetField(other, component.HealthID, "current"); v != 7.0 {
		t.Fatalf("listener health = %v", v)
	}
}

func TestEntityDestroyIsDeferred(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `function onUpdate() entity.destroy() end`, nil)
	if out := r.call(inst, scripting.OnUpdate); !out.OK {
		t.Fatal(out.Err)
	}
	if !r.world.Alive(r.hero) {
		t.Fatalf("destroyed immediately")
	}
	if r.world.FlushDestroyQueue() != 1 || r.world.Alive(r.hero) {
		t.Fatalf("destroy not queued")
	}
}

func TestExtensions(t *testing.T) {
	r := newRig(t)
	r.env.Ext["double"] = func(_ *scripting.ExecutionContext, args []any) (any, error) {
		return args[0].(float64) * 2, nil
	}
	inst := r.load(t, r.hero, `function onStart() assert(ext.double(21) == 42) end`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
}

func TestMathAdditions(t *testing.T) {
	r := newRig(t)
	inst := r.load(t, r.hero, `
		function onStart()
			assert(math.clamp(5, 0, 3) == 3)
			assert(math.lerp(0, 10, 0.25) == 2.5)
			assert(math.abs(math.radToDeg(math.PI) - 180) < 1e-9)
			assert(math.distance({x=0,y=0,z=0}, {x=3,y=4,z=0}) == 5)
			assert(math.distance(0, 0, 0, 0, 0, 2) == 2)
		end
	`, nil)
	if out := r.call(inst, scripting.OnStart); !out.OK {
		t.Fatal(out.Err)
	}
}
