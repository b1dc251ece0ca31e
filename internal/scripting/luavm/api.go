package luavm

import (
	"math"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap/zapcore"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/timer"
)

var componentNames = map[string]component.ID{
	"transform":  component.TransformID,
	"rigidbody":  component.RigidBodyID,
	"health":     component.HealthID,
	"properties": component.PropertiesID,
}

func (in *Instance) registerAPI() {
	L := in.L
	L.SetGlobal("entity", in.entityAPI())
	L.SetGlobal("scene", in.sceneAPI())
	L.SetGlobal("time", in.timeAPI())
	L.SetGlobal("input", in.inputAPI())
	L.SetGlobal("console", in.consoleAPI())
	L.SetGlobal("timer", in.timerAPI())
	L.SetGlobal("events", in.eventsAPI())
	L.SetGlobal("ext", in.extAPI())
	L.SetGlobal("print", L.NewFunction(in.logger(nil, zapcore.InfoLevel)))
	in.extendMath()
	in.SetParameters(in.bind.Params)
}

// argBase returns the stack index of the first real argument, skipping self
// when a table function was called with a colon (entity.transform:translate).
func argBase(L *lua.LState, self *lua.LTable) int {
	if t, ok := L.Get(1).(*lua.LTable); ok && t == self {
		return 2
	}
	return 1
}

func checkComponent(L *lua.LState, n int) component.ID {
	name := L.CheckString(n)
	if id, ok := componentNames[strings.ToLower(name)]; ok {
		return id
	}
	L.ArgError(n, "unknown component "+name)
	return ""
}

// checkID reads a handle previously returned to the script. Handles are
// non-negative integers below 2^53.
func checkID(L *lua.LState, n int) uint64 {
	v := float64(L.CheckNumber(n))
	if v < 0 || v != math.Trunc(v) || v >= 1<<53 {
		L.ArgError(n, "invalid id")
		return 0
	}
	return uint64(v)
}

func checkEntity(L *lua.LState, n int) ecs.EntityID {
	return ecs.EntityID(checkID(L, n))
}

// checkVec accepts either x, y, z or a single {x=, y=, z=} table.
func checkVec(L *lua.LState, n int) (x, y, z float64) {
	if t, ok := L.Get(n).(*lua.LTable); ok {
		return lNum(t, "x"), lNum(t, "y"), lNum(t, "z")
	}
	return float64(L.CheckNumber(n)), float64(L.CheckNumber(n + 1)), float64(L.CheckNumber(n + 2))
}

func (in *Instance) checkValue(L *lua.LState, n int) any {
	v, err := fromLua(L.Get(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return v
}

// get and set are shared by entity and scene.
func (in *Instance) get(L *lua.LState, id ecs.EntityID, c component.ID, field string) int {
	v, err := in.exec(L).Get(id, c, field)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(toLua(L, v))
	return 1
}

func (in *Instance) set(L *lua.LState, id ecs.EntityID, c component.ID, field string, v any) int {
	if err := in.exec(L).Set(id, c, field, v); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// ── entity ──

func (in *Instance) entityAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	t.RawSetString("id", lua.LNumber(in.bind.Entity))
	t.RawSetString("name", lua.LString(in.bind.EntityName))
	t.RawSetString("tags", toLua(L, in.bind.Tags))
	L.SetFuncs(t, map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			b := argBase(L, t)
			return in.get(L, in.bind.Entity, checkComponent(L, b), L.CheckString(b+1))
		},
		"set": func(L *lua.LState) int {
			b := argBase(L, t)
			return in.set(L, in.bind.Entity, checkComponent(L, b), L.CheckString(b+1), in.checkValue(L, b+2))
		},
		"has": func(L *lua.LState) int {
			L.Push(lua.LBool(in.exec(L).Has(in.bind.Entity, checkComponent(L, argBase(L, t)))))
			return 1
		},
		"destroy": func(L *lua.LState) int {
			in.exec(L).Destroy(in.bind.Entity)
			return 0
		},
	})
	t.RawSetString("transform", in.transformAPI())
	return t
}

func (in *Instance) transformAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	getter := func(prefix string) lua.LGFunction {
		return func(L *lua.LState) int {
			ec := in.exec(L)
			for _, axis := range [3]string{".x", ".y", ".z"} {
				v, err := ec.Get(in.bind.Entity, component.TransformID, prefix+axis)
				if err != nil {
					L.RaiseError("%v", err)
					return 0
				}
				L.Push(toLua(L, v))
			}
			return 3
		}
	}
	setter := func(prefix string, delta bool) lua.LGFunction {
		return func(L *lua.LState) int {
			ec := in.exec(L)
			x, y, z := checkVec(L, argBase(L, t))
			for i, axis := range [3]string{".x", ".y", ".z"} {
				v := [3]float64{x, y, z}[i]
				field := prefix + axis
				if delta {
					cur, err := ec.Get(in.bind.Entity, component.TransformID, field)
					if err != nil {
						L.RaiseError("%v", err)
						return 0
					}
					n, _ := cur.(float64)
					v += n
				}
				if err := ec.Set(in.bind.Entity, component.TransformID, field, v); err != nil {
					L.RaiseError("%v", err)
					return 0
				}
			}
			return 0
		}
	}
	L.SetFuncs(t, map[string]lua.LGFunction{
		"getPosition": getter("position"),
		"getRotation": getter("rotation"),
		"getScale":    getter("scale"),
		"setPosition": setter("position", false),
		"setRotation": setter("rotation", false),
		"setScale":    setter("scale", false),
		"translate":   setter("position", true),
		"rotate":      setter("rotation", true),
	})
	return t
}

// ── scene ──

func (in *Instance) sceneAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"find": func(L *lua.LState) int {
			id, ok := in.exec(L).Find(L.CheckString(argBase(L, t)))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LNumber(id))
			return 1
		},
		"exists": func(L *lua.LState) int {
			L.Push(lua.LBool(in.exec(L).Alive(checkEntity(L, argBase(L, t)))))
			return 1
		},
		"name": func(L *lua.LState) int {
			L.Push(lua.LString(in.exec(L).Name(checkEntity(L, argBase(L, t)))))
			return 1
		},
		"has": func(L *lua.LState) int {
			b := argBase(L, t)
			L.Push(lua.LBool(in.exec(L).Has(checkEntity(L, b), checkComponent(L, b+1))))
			return 1
		},
		"get": func(L *lua.LState) int {
			b := argBase(L, t)
			return in.get(L, checkEntity(L, b), checkComponent(L, b+1), L.CheckString(b+2))
		},
		"set": func(L *lua.LState) int {
			b := argBase(L, t)
			return in.set(L, checkEntity(L, b), checkComponent(L, b+1), L.CheckString(b+2), in.checkValue(L, b+3))
		},
	})
	return t
}

// ── time (read-only) ──

func (in *Instance) timeAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		ti := in.exec(L).Time
		switch L.CheckString(2) {
		case "time":
			L.Push(lua.LNumber(ti.Time))
		case "deltaTime":
			L.Push(lua.LNumber(ti.DeltaTime))
		case "frameCount":
			L.Push(lua.LNumber(ti.Frame))
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("time is read-only")
		return 0
	}))
	mt.RawSetString("__metatable", lua.LFalse)
	L.SetMetatable(t, mt)
	return t
}

// ── input ──

func (in *Instance) inputAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"isKeyDown": func(L *lua.LState) int {
			L.Push(lua.LBool(in.exec(L).Input.KeyDown(L.CheckString(argBase(L, t)))))
			return 1
		},
		"isMouseButtonDown": func(L *lua.LState) int {
			L.Push(lua.LBool(in.exec(L).Input.ButtonDown(L.CheckInt(argBase(L, t)))))
			return 1
		},
		"getMousePosition": func(L *lua.LState) int {
			pos := L.NewTable()
			if snap := in.exec(L).Input; snap != nil {
				pos.RawSetString("x", lua.LNumber(snap.MouseX))
				pos.RawSetString("y", lua.LNumber(snap.MouseY))
			} else {
				pos.RawSetString("x", lua.LNumber(0))
				pos.RawSetString("y", lua.LNumber(0))
			}
			L.Push(pos)
			return 1
		},
	})
	return t
}

// ── console ──

func (in *Instance) consoleAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		"log":   in.logger(t, zapcore.InfoLevel),
		"info":  in.logger(t, zapcore.InfoLevel),
		"warn":  in.logger(t, zapcore.WarnLevel),
		"error": in.logger(t, zapcore.ErrorLevel),
		"debug": in.logger(t, zapcore.DebugLevel),
	})
	return t
}

// logger joins its arguments with tostring semantics, like print.
func (in *Instance) logger(self *lua.LTable, level zapcore.Level) lua.LGFunction {
	return func(L *lua.LState) int {
		ec := in.exec(L)
		start := 1
		if self != nil {
			start = argBase(L, self)
		}
		parts := make([]string, 0, L.GetTop())
		for i := start; i <= L.GetTop(); i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		if ce := ec.Console.Check(level, strings.Join(parts, " ")); ce != nil {
			ce.Write()
		}
		return 0
	}
}

// ── math additions ──

func (in *Instance) extendMath() {
	L := in.L
	m, ok := L.GetGlobal("math").(*lua.LTable)
	if !ok {
		return
	}
	m.RawSetString("PI", lua.LNumber(math.Pi))
	m.RawSetString("E", lua.LNumber(math.E))
	L.SetFuncs(m, map[string]lua.LGFunction{
		"clamp": func(L *lua.LState) int {
			v, lo, hi := L.CheckNumber(1), L.CheckNumber(2), L.CheckNumber(3)
			L.Push(lua.LNumber(math.Min(math.Max(float64(v), float64(lo)), float64(hi))))
			return 1
		},
		"lerp": func(L *lua.LState) int {
			a, b, f := L.CheckNumber(1), L.CheckNumber(2), L.CheckNumber(3)
			L.Push(a + (b-a)*f)
			return 1
		},
		"radToDeg": func(L *lua.LState) int {
			L.Push(L.CheckNumber(1) * 180 / math.Pi)
			return 1
		},
		"degToRad": func(L *lua.LState) int {
			L.Push(L.CheckNumber(1) * math.Pi / 180)
			return 1
		},
		// distance(a, b) with {x,y,z} tables, or distance(x1,y1,z1,x2,y2,z2)
		"distance": func(L *lua.LState) int {
			var ax, ay, az, bx, by, bz float64
			if _, ok := L.Get(1).(*lua.LTable); ok {
				ax, ay, az = checkVec(L, 1)
				bx, by, bz = checkVec(L, 2)
			} else {
				ax, ay, az = checkVec(L, 1)
				bx, by, bz = checkVec(L, 4)
			}
			dx, dy, dz := bx-ax, by-ay, bz-az
			L.Push(lua.LNumber(math.Sqrt(dx*dx + dy*dy + dz*dz)))
			return 1
		},
	})
}

// ── timer ──

func millis(L *lua.LState, field string, n lua.LNumber) time.Duration {
	d, err := timer.Millis(field, float64(n))
	if err != nil {
		L.RaiseError("%v", err)
	}
	return d
}

func (in *Instance) timerAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	clearFn := func(L *lua.LState) int {
		id := timer.ID(checkID(L, argBase(L, t)))
		if err := in.exec(L).ClearTimer(id); err != nil {
			L.RaiseError("%v", err)
		}
		return 0
	}
	L.SetFuncs(t, map[string]lua.LGFunction{
		"setTimeout": func(L *lua.LState) int {
			b := argBase(L, t)
			fn := L.CheckFunction(b)
			id := in.exec(L).SetTimeout(millis(L, "timeout", L.OptNumber(b+1, 0)), in.callback(fn))
			L.Push(lua.LNumber(id))
			return 1
		},
		"setInterval": func(L *lua.LState) int {
			b := argBase(L, t)
			fn := L.CheckFunction(b)
			id, err := in.exec(L).SetInterval(millis(L, "interval", L.CheckNumber(b+1)), in.callback(fn))
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(lua.LNumber(id))
			return 1
		},
		"nextTick": func(L *lua.LState) int {
			fn := L.CheckFunction(argBase(L, t))
			L.Push(lua.LNumber(in.exec(L).NextTick(in.callback(fn))))
			return 1
		},
		"waitFrames": func(L *lua.LState) int {
			b := argBase(L, t)
			n := L.CheckInt(b)
			fn := L.CheckFunction(b + 1)
			L.Push(lua.LNumber(in.exec(L).WaitFrames(n, in.callback(fn))))
			return 1
		},
		"clearTimeout":  clearFn,
		"clearInterval": clearFn,
	})
	return t
}

// ── events ──

func (in *Instance) eventsAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	L.SetFuncs(t, map[string]lua.LGFunction{
		// on(name, fn(payload, sourceId)) -> handler id
		"on": func(L *lua.LState) int {
			b := argBase(L, t)
			name := L.CheckString(b)
			fn := L.CheckFunction(b + 1)
			in.nextListener++
			in.listeners[name] = append(in.listeners[name], listener{id: in.nextListener, fn: fn})
			L.Push(lua.LNumber(in.nextListener))
			return 1
		},
		"off": func(L *lua.LState) int {
			id := L.CheckInt(argBase(L, t))
			for name, ls := range in.listeners {
				for i, h := range ls {
					if h.id != id {
						continue
					}
					ls = append(ls[:i:i], ls[i+1:]...)
					if len(ls) == 0 {
						delete(in.listeners, name)
					} else {
						in.listeners[name] = ls
					}
					L.Push(lua.LTrue)
					return 1
				}
			}
			L.Push(lua.LFalse)
			return 1
		},
		"emit": func(L *lua.LState) int {
			b := argBase(L, t)
			name := L.CheckString(b)
			payload := in.checkValue(L, b+1)
			in.exec(L).Emit(name, payload)
			return 0
		},
	})
	return t
}

// ── ext ──

// extAPI resolves ext.<name> against the host extensions at call time.
func (in *Instance) extAPI() *lua.LTable {
	L := in.L
	t := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(2)
		L.Push(L.NewFunction(func(L *lua.LState) int {
			ec := in.exec(L)
			fn, ok := ec.Extension(name)
			if !ok {
				L.RaiseError("unknown extension %q", name)
				return 0
			}
			args := make([]any, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				args = append(args, in.checkValue(L, i))
			}
			out, err := fn(ec, args)
			if err != nil {
				L.RaiseError("ext.%s: %v", name, err)
				return 0
			}
			L.Push(toLua(L, out))
			return 1
		}))
		return 1
	}))
	L.SetMetatable(t, mt)
	return t
}
