package scripting

import (
	"errors"
	"fmt"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

var (
	ErrNoSource   = errors.New("script source not found")
	ErrSuperseded = errors.New("compile superseded by a newer submission")
	ErrStopped    = errors.New("compiler stopped")
	ErrBudget     = errors.New("execution budget exceeded")
)

// ValidationError is shared with the component layer so scripts, timers and
// the store report bad values the same way.
type ValidationError = component.ValidationError

// ResolutionError means no code could be produced for a reference: the
// backing source failed and no last known good code exists.
type ResolutionError struct {
	ScriptID string
	Location string
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("resolve %s (%s): %v", e.ScriptID, e.Location, e.Err)
	}
	return fmt.Sprintf("resolve %s: %v", e.ScriptID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type CompileError struct {
	ScriptID string
	Hash     string
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s@%s: %v", e.ScriptID, shortHash(e.Hash), e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ExecutionError is a failed lifecycle or callback invocation. Timeout is
// set when the call was aborted by its budget.
type ExecutionError struct {
	Entity    ecs.EntityID
	ScriptID  string
	Lifecycle Lifecycle
	Timeout   bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s on %s: timed out: %v", e.ScriptID, e.Lifecycle, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s %s on %s: %v", e.ScriptID, e.Lifecycle, e.Entity, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an execution budget timeout.
func IsTimeout(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Timeout
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
