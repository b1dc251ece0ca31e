package scripting

import (
	"context"
	"time"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
)

// CompiledUnit is the compiled form of one (script id, code hash). Units are
// immutable and shared by every entity running that version. A unit whose
// compilation failed carries Err and no Program.
type CompiledUnit struct {
	ScriptID   string
	Hash       string
	Program    Program
	Handles    Handles
	CompiledAt time.Time
	Err        error
}

func (u *CompiledUnit) Failed() bool { return u.Err != nil }

// Backend turns source into a Program. Compile may be called from several
// goroutines at once.
type Backend interface {
	Compile(scriptID, code string) (Program, error)
}

// Bindings are the per-entity values an instance is created with.
type Bindings struct {
	Entity     ecs.EntityID
	EntityName string
	Tags       []string
	ScriptID   string
	Params     map[string]any
}

// Program is shareable compiled code.
type Program interface {
	// Handles reports the lifecycle functions found at compile time.
	Handles() Handles
	Instantiate(b Bindings) (Instance, error)
}

// Instance is a program bound to one entity, with its own script state.
// Instances are only touched from the frame loop goroutine.
type Instance interface {
	// Bind attaches the capabilities for the next call; nil detaches them.
	Bind(ec *ExecutionContext)
	// Has is only meaningful after Load succeeded.
	Has(l Lifecycle) bool
	Call(ctx context.Context, l Lifecycle, args ...any) error
	Listens(name string) bool
	Deliver(ctx context.Context, ev event.ScriptEvent) error
	SetParameters(params map[string]any)
	Close()
}
