package scripting

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/timer"
)

// Key identifies one script activation.
type Key struct {
	Entity   ecs.EntityID
	ScriptID string
}

// Outcome reports a single sandboxed call.
type Outcome struct {
	OK       bool
	Duration time.Duration
	Err      error
}

type backoff struct {
	timeouts int
	until    uint64
}

// Sandbox runs script calls under a wall-clock budget and isolates their
// failures. A call that errors or panics only loses its own effects. A call
// that times out also suspends its activation for a number of frames that
// doubles with each consecutive timeout, up to a cap. The next success
// clears the penalty.
type Sandbox struct {
	budget      time.Duration
	backoffBase int
	backoffMax  int

	frame   uint64
	backoff map[Key]*backoff
	log     *zap.Logger
}

func NewSandbox(budget time.Duration, backoffBase, backoffMax int, log *zap.Logger) *Sandbox {
	if backoffBase < 1 {
		backoffBase = 1
	}
	if backoffMax < backoffBase {
		backoffMax = backoffBase
	}
	return &Sandbox{
		budget:      budget,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		backoff:     make(map[Key]*backoff),
		log:         log,
	}
}

func (s *Sandbox) Budget() time.Duration { return s.budget }

// BeginFrame sets the frame number used for backoff bookkeeping.
func (s *Sandbox) BeginFrame(frame uint64) { s.frame = frame }

// Suspended reports whether the activation is serving a timeout penalty.
func (s *Sandbox) Suspended(key Key) bool {
	b, ok := s.backoff[key]
	return ok && s.frame <= b.until
}

// Timeouts returns the consecutive timeout count of an activation.
func (s *Sandbox) Timeouts(key Key) int {
	if b, ok := s.backoff[key]; ok {
		return b.timeouts
	}
	return 0
}

// Forget drops backoff state for an activation that went away.
func (s *Sandbox) Forget(key Key) { delete(s.backoff, key) }

// Reset drops all backoff state.
func (s *Sandbox) Reset() { clear(s.backoff) }

// Execute runs a lifecycle function of inst.
func (s *Sandbox) Execute(ctx context.Context, inst Instance, l Lifecycle, ec *ExecutionContext, args ...any) Outcome {
	return s.run(ctx, inst, l, ec, func(ctx context.Context) error {
		return inst.Call(ctx, l, args...)
	})
}

// Invoke runs a timer callback registered by inst.
func (s *Sandbox) Invoke(ctx context.Context, inst Instance, ec *ExecutionContext, cb timer.Callback) Outcome {
	return s.run(ctx, inst, Callback, ec, cb)
}

// Deliver hands a script event to inst's listeners.
func (s *Sandbox) Deliver(ctx context.Context, inst Instance, ec *ExecutionContext, ev event.ScriptEvent) Outcome {
	return s.run(ctx, inst, Callback, ec, func(ctx context.Context) error {
		return inst.Deliver(ctx, ev)
	})
}

func (s *Sandbox) run(parent context.Context, inst Instance, l Lifecycle, ec *ExecutionContext, fn func(context.Context) error) Outcome {
	key := Key{Entity: ec.Entity, ScriptID: ec.ScriptID}
	ctx, cancel := context.WithTimeout(parent, s.budget)
	defer cancel()

	inst.Bind(ec)
	start := time.Now()
	err := protect(ctx, fn)
	took := time.Since(start)
	inst.Bind(nil)

	if err != nil {
		ec.env.discard()
		timeout := errors.Is(ctx.Err(), context.DeadlineExceeded)
		if timeout {
			err = fmt.Errorf("%w (%s): %v", ErrBudget, s.budget, err)
			s.penalize(key)
		}
		return Outcome{Duration: took, Err: &ExecutionError{
			Entity:    ec.Entity,
			ScriptID:  ec.ScriptID,
			Lifecycle: l,
			Timeout:   timeout,
			Err:       err,
		}}
	}
	if err := ec.env.commit(); err != nil {
		return Outcome{Duration: took, Err: fmt.Errorf("commit %s %s: %w", ec.ScriptID, l, err)}
	}
	delete(s.backoff, key)
	return Outcome{OK: true, Duration: took}
}

func (s *Sandbox) penalize(key Key) {
	b := s.backoff[key]
	if b == nil {
		b = &backoff{}
		s.backoff[key] = b
	}
	b.timeouts++
	skip := s.backoffMax
	if shift := b.timeouts - 1; shift < 31 {
		if k := s.backoffBase << shift; k < skip {
			skip = k
		}
	}
	b.until = s.frame + uint64(skip)
	s.log.Warn("script timed out, backing off",
		zap.Stringer("entity", key.Entity),
		zap.String("script", key.ScriptID),
		zap.Int("timeouts", b.timeouts),
		zap.Int("skip_frames", skip))
}

// protect turns a panic in fn into an error.
func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}
