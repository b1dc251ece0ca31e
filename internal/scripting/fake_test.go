package scripting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibe3d/scriptrt/internal/core/event"
)

// fakeBackend compiles "source" by recognizing a few directives:
//
//	syntax error   -> compile fails
//	slow           -> every call blocks until its context is done
//	fail <hook>    -> that hook returns an error
//	panic <hook>   -> that hook panics
type fakeBackend struct {
	compiles atomic.Int64
	gate     chan struct{} // when set, Compile waits for a token
	mu       sync.Mutex
	seen     []string
}

func (b *fakeBackend) Compile(scriptID, code string) (Program, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.compiles.Add(1)
	b.mu.Lock()
	b.seen = append(b.seen, scriptID+":"+code)
	b.mu.Unlock()
	if strings.Contains(code, "syntax error") {
		return nil, errors.New("unexpected symbol near 'error'")
	}
	return &fakeProgram{code: code}, nil
}

type fakeProgram struct{ code string }

func (p *fakeProgram) Handles() Handles {
	var h Handles
	for _, l := range Hooks {
		h = h.With(l)
	}
	return h
}

func (p *fakeProgram) Instantiate(b Bindings) (Instance, error) {
	return &fakeInstance{code: p.code, bind: b}, nil
}

type fakeInstance struct {
	code   string
	bind   Bindings
	ec     *ExecutionContext
	calls  []Lifecycle
	closed bool
	// do runs after the directives, with the bound context.
	do func(ec *ExecutionContext, l Lifecycle) error
}

func (in *fakeInstance) Bind(ec *ExecutionContext) { in.ec = ec }

func (in *fakeInstance) Has(Lifecycle) bool { return true }

func (in *fakeInstance) Listens(string) bool { return false }

func (in *fakeInstance) SetParameters(p map[string]any) { in.bind.Params = p }

func (in *fakeInstance) Close() { in.closed = true }

func (in *fakeInstance) Deliver(context.Context, event.ScriptEvent) error { return nil }

func (in *fakeInstance) Call(ctx context.Context, l Lifecycle, _ ...any) error {
	in.calls = append(in.calls, l)
	if strings.Contains(in.code, "slow") {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}
	if strings.Contains(in.code, "panic "+l.String()) {
		panic("boom")
	}
	if in.do != nil {
		if err := in.do(in.ec, l); err != nil {
			return err
		}
	}
	if strings.Contains(in.code, "fail "+l.String()) {
		return errors.New("script error")
	}
	return nil
}
