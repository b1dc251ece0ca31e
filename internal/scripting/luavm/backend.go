// Package luavm runs scripts on gopher-lua. Source is parsed and compiled
// once per (script, hash) into a FunctionProto shared by every entity; each
// entity then gets its own LState with only the whitelisted libraries and
// the script APIs.
package luavm

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/scripting"
)

// Options tune the VMs created for instances.
type Options struct {
	CallStackSize int
	RegistrySize  int
}

// Backend compiles Lua source. Safe for concurrent use.
type Backend struct {
	opts Options
	log  *zap.Logger
}

func NewBackend(opts Options, log *zap.Logger) *Backend {
	if opts.CallStackSize <= 0 {
		opts.CallStackSize = 256
	}
	if opts.RegistrySize <= 0 {
		opts.RegistrySize = 1024 * 16
	}
	return &Backend{opts: opts, log: log}
}

func (b *Backend) Compile(scriptID, code string) (scripting.Program, error) {
	chunk, err := parse.Parse(strings.NewReader(code), scriptID)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, scriptID)
	if err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}
	return &Program{
		proto:   proto,
		handles: scanHandles(chunk),
		opts:    b.opts,
		log:     b.log,
	}, nil
}

// Program is a compiled chunk.
type Program struct {
	proto   *lua.FunctionProto
	handles scripting.Handles
	opts    Options
	log     *zap.Logger
}

func (p *Program) Handles() scripting.Handles { return p.handles }

func (p *Program) Instantiate(b scripting.Bindings) (scripting.Instance, error) {
	return newInstance(p, b), nil
}

// scanHandles finds lifecycle functions defined at the top level, either as
// globals (function onStart() ... end, onUpdate = function ...) or as
// fields of the returned module table.
func scanHandles(chunk []ast.Stmt) scripting.Handles {
	var h scripting.Handles
	add := func(name string) {
		if l, ok := scripting.HookByName(name); ok {
			h = h.With(l)
		}
	}

	module := ""
	tables := map[string]*ast.TableExpr{}
	for _, st := range chunk {
		if ret, ok := st.(*ast.ReturnStmt); ok && len(ret.Exprs) == 1 {
			switch e := ret.Exprs[0].(type) {
			case *ast.IdentExpr:
				module = e.Value
			case *ast.TableExpr:
				fieldHandles(e, add)
			}
		}
		if la, ok := st.(*ast.LocalAssignStmt); ok {
			for i, name := range la.Names {
				if i < len(la.Exprs) {
					if t, ok := la.Exprs[i].(*ast.TableExpr); ok {
						tables[name] = t
					}
				}
			}
		}
	}
	if t := tables[module]; t != nil {
		fieldHandles(t, add)
	}

	for _, st := range chunk {
		switch s := st.(type) {
		case *ast.FuncDefStmt:
			if s.Name.Func != nil {
				if name, ok := handleName(s.Name.Func, module); ok {
					add(name)
				}
			} else if id, ok := s.Name.Receiver.(*ast.IdentExpr); ok && module != "" && id.Value == module {
				add(s.Name.Method)
			}
		case *ast.AssignStmt:
			for i, lhs := range s.Lhs {
				if i >= len(s.Rhs) {
					break
				}
				if _, ok := s.Rhs[i].(*ast.FunctionExpr); !ok {
					continue
				}
				if name, ok := handleName(lhs, module); ok {
					add(name)
				}
			}
		}
	}
	return h
}

// handleName accepts a global name, or module.name when module is set.
func handleName(e ast.Expr, module string) (string, bool) {
	switch x := e.(type) {
	case *ast.IdentExpr:
		return x.Value, module == ""
	case *ast.AttrGetExpr:
		obj, ok := x.Object.(*ast.IdentExpr)
		if !ok || module == "" || obj.Value != module {
			return "", false
		}
		if key, ok := x.Key.(*ast.StringExpr); ok {
			return key.Value, true
		}
	}
	return "", false
}

func fieldHandles(t *ast.TableExpr, add func(string)) {
	for _, f := range t.Fields {
		key, ok := f.Key.(*ast.StringExpr)
		if !ok {
			continue
		}
		if _, ok := f.Value.(*ast.FunctionExpr); ok {
			add(key.Value)
		}
	}
}
