package luavm

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// globals removed after the base library is opened: file and module
// loading, GC control and environment tampering.
var stripped = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"collectgarbage", "setfenv", "getfenv", "_printregs", "newproxy",
}

var safeLibs = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

type listener struct {
	id int
	fn *lua.LFunction
}

// Instance is one entity's VM. Not safe for concurrent use; the frame loop
// owns it.
type Instance struct {
	L     *lua.LState
	prog  *Program
	bind  scripting.Bindings
	ec    *scripting.ExecutionContext
	log   *zap.Logger
	hooks map[scripting.Lifecycle]*lua.LFunction

	listeners    map[string][]listener
	nextListener int
	loaded       bool
}

func newInstance(p *Program, b scripting.Bindings) *Instance {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: p.opts.CallStackSize,
		RegistrySize:  p.opts.RegistrySize,
	})
	in := &Instance{
		L:         L,
		prog:      p,
		bind:      b,
		log:       p.log.With(zap.Stringer("entity", b.Entity), zap.String("script", b.ScriptID)),
		hooks:     make(map[scripting.Lifecycle]*lua.LFunction, len(scripting.Hooks)),
		listeners: make(map[string][]listener),
	}
	for _, lib := range safeLibs {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range stripped {
		L.SetGlobal(name, lua.LNil)
	}
	in.registerAPI()
	return in
}

func (in *Instance) Bind(ec *scripting.ExecutionContext) { in.ec = ec }

// exec returns the bound execution context, raising a Lua error when an API
// is used outside a call (e.g. from a coroutine resumed later).
func (in *Instance) exec(L *lua.LState) *scripting.ExecutionContext {
	if in.ec == nil {
		L.RaiseError("script API used outside of a script call")
		return nil
	}
	return in.ec
}

func (in *Instance) Has(l scripting.Lifecycle) bool {
	return in.hooks[l] != nil
}

func (in *Instance) Listens(name string) bool {
	return len(in.listeners[name]) > 0
}

func (in *Instance) Call(ctx context.Context, l scripting.Lifecycle, args ...any) error {
	if l == scripting.Load {
		return in.load(ctx)
	}
	if !in.loaded {
		return fmt.Errorf("%s before load", l)
	}
	fn := in.hooks[l]
	if fn == nil {
		return nil
	}
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(in.L, a)
	}
	_, err := in.pcall(ctx, fn, 0, largs...)
	return err
}

// load runs the chunk. Lifecycle functions come from the returned table
// when the chunk returns one, otherwise from globals.
func (in *Instance) load(ctx context.Context) error {
	if in.loaded {
		return nil
	}
	fn := in.L.NewFunctionFromProto(in.prog.proto)
	ret, err := in.pcall(ctx, fn, 1)
	if err != nil {
		return err
	}
	lookup := func(name string) lua.LValue { return in.L.GetGlobal(name) }
	if mod, ok := ret.(*lua.LTable); ok {
		lookup = mod.RawGetString
	}
	var found scripting.Handles
	for _, l := range scripting.Hooks {
		if f, ok := lookup(l.String()).(*lua.LFunction); ok {
			in.hooks[l] = f
			found = found.With(l)
		}
	}
	in.loaded = true
	in.log.Debug("script loaded", zap.Stringer("handles", found))
	return nil
}

func (in *Instance) pcall(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) (lua.LValue, error) {
	in.L.SetContext(ctx)
	defer in.L.RemoveContext()
	if err := in.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    nret,
		Protect: true,
	}, args...); err != nil {
		return nil, err
	}
	if nret == 0 {
		return nil, nil
	}
	ret := in.L.Get(-1)
	in.L.Pop(1)
	return ret, nil
}

// callback wraps a Lua function as a timer callback bound to this instance.
func (in *Instance) callback(fn *lua.LFunction) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := in.pcall(ctx, fn, 0)
		return err
	}
}

func (in *Instance) Deliver(ctx context.Context, ev event.ScriptEvent) error {
	ls := in.listeners[ev.Name]
	if len(ls) == 0 {
		return nil
	}
	// handlers may call events.off while we iterate
	ls = append([]listener(nil), ls...)
	payload := toLua(in.L, ev.Payload)
	var errs []error
	for _, h := range ls {
		if _, err := in.pcall(ctx, h.fn, 0, payload, lua.LNumber(ev.Source)); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", ev.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

func (in *Instance) SetParameters(params map[string]any) {
	in.L.SetGlobal("parameters", toLua(in.L, params))
}

func (in *Instance) Close() {
	in.ec = nil
	in.L.Close()
}
