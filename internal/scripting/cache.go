package scripting

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Future is the eventual result of a Submit.
type Future struct {
	done chan struct{}
	unit *CompiledUnit
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func resolvedFuture(u *CompiledUnit, err error) *Future {
	f := &Future{done: make(chan struct{}), unit: u, err: err}
	close(f.done)
	return f
}

func (f *Future) resolve(u *CompiledUnit, err error) {
	f.unit, f.err = u, err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the unit, or ErrSuperseded when a newer submission for the
// same script replaced this one. Only valid once Ready.
func (f *Future) Result() (*CompiledUnit, error) { return f.unit, f.err }

func (f *Future) Wait(ctx context.Context) (*CompiledUnit, error) {
	select {
	case <-f.done:
		return f.unit, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type job struct {
	scriptID string
	hash     string
	code     string
	gen      uint64
	fut      *Future
}

type finished struct {
	job  *job
	unit *CompiledUnit
}

// per-script compile bookkeeping: at most one job in flight and one parked.
type scriptJobs struct {
	gen      uint64
	inflight *job
	pending  *job
}

type CacheStats struct {
	Hits       uint64
	Compiles   uint64
	Failures   uint64
	Stale      uint64
	Superseded uint64
	Cached     int
	InFlight   int
}

// Cache stores compiled units keyed by (script id, code hash) and compiles
// misses on background workers. Results are handed to the frame loop only
// through Poll, so units become visible at a frame boundary.
type Cache struct {
	backend     Backend
	log         *zap.Logger
	workers     int
	maxVersions int

	mu       sync.Mutex
	cond     *sync.Cond
	units    map[string][]*CompiledUnit // per script, oldest first
	jobs     map[string]*scriptJobs
	ready    []*job
	finished []finished
	closed   bool
	stats    CacheStats

	g      *errgroup.Group
	cancel context.CancelFunc
}

func NewCache(backend Backend, workers, maxVersions int, log *zap.Logger) *Cache {
	if workers < 1 {
		workers = 1
	}
	if maxVersions < 1 {
		maxVersions = 1
	}
	c := &Cache{
		backend:     backend,
		log:         log,
		workers:     workers,
		maxVersions: maxVersions,
		units:       make(map[string][]*CompiledUnit),
		jobs:        make(map[string]*scriptJobs),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the compile workers. They exit when ctx is cancelled or
// Stop is called.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(c.worker)
	}
	g.Go(func() error {
		<-ctx.Done()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cond.Broadcast()
		return nil
	})
	c.g = g
}

// Stop wakes the workers, waits for them to exit and fails every parked
// future with ErrStopped. Jobs already compiling finish first.
func (c *Cache) Stop() error {
	c.mu.Lock()
	c.closed = true
	parked := c.ready
	c.ready = nil
	for _, js := range c.jobs {
		if js.pending != nil {
			parked = append(parked, js.pending)
			js.pending = nil
		}
	}
	c.mu.Unlock()
	c.cond.Broadcast()
	for _, j := range parked {
		j.fut.resolve(nil, ErrStopped)
	}
	if c.g == nil {
		return nil
	}
	c.cancel()
	return c.g.Wait()
}

func (c *Cache) worker() error {
	for {
		c.mu.Lock()
		for len(c.ready) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		j := c.ready[0]
		c.ready[0] = nil
		c.ready = c.ready[1:]
		c.mu.Unlock()

		u := c.compile(j)

		c.mu.Lock()
		c.finished = append(c.finished, finished{job: j, unit: u})
		c.mu.Unlock()
	}
}

func (c *Cache) compile(j *job) (u *CompiledUnit) {
	u = &CompiledUnit{ScriptID: j.scriptID, Hash: j.hash}
	defer func() {
		if r := recover(); r != nil {
			u.Program = nil
			u.Err = &CompileError{ScriptID: j.scriptID, Hash: j.hash, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
		u.CompiledAt = time.Now()
	}()
	prog, err := c.backend.Compile(j.scriptID, j.code)
	if err != nil {
		u.Err = &CompileError{ScriptID: j.scriptID, Hash: j.hash, Err: err}
		return u
	}
	u.Program = prog
	u.Handles = prog.Handles()
	return u
}

// Get returns the cached unit for (scriptID, hash), failed units included.
func (c *Cache) Get(scriptID, hash string) (*CompiledUnit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.lookup(scriptID, hash)
	if u != nil {
		c.stats.Hits++
	}
	return u, u != nil
}

func (c *Cache) lookup(scriptID, hash string) *CompiledUnit {
	versions := c.units[scriptID]
	for i := len(versions) - 1; i >= 0; i-- {
		if u := versions[i]; u.Hash == hash {
			if i != len(versions)-1 {
				copy(versions[i:], versions[i+1:])
				versions[len(versions)-1] = u
			}
			return u
		}
	}
	return nil
}

func (c *Cache) store(u *CompiledUnit) {
	versions := append(c.units[u.ScriptID], u)
	if over := len(versions) - c.maxVersions; over > 0 {
		clear(versions[:over])
		versions = versions[over:]
	}
	c.units[u.ScriptID] = versions
}

// Submit returns the unit for (scriptID, hash). A cache hit resolves
// immediately without compiling. Otherwise the job is queued behind any
// compile already running for scriptID; a queued job that has not started
// is replaced by the newer one and its future fails with ErrSuperseded.
func (c *Cache) Submit(scriptID, hash, code string) *Future {
	c.mu.Lock()
	if u := c.lookup(scriptID, hash); u != nil {
		c.stats.Hits++
		c.mu.Unlock()
		return resolvedFuture(u, nil)
	}
	if c.closed {
		c.mu.Unlock()
		return resolvedFuture(nil, ErrStopped)
	}
	js := c.jobs[scriptID]
	if js == nil {
		js = &scriptJobs{}
		c.jobs[scriptID] = js
	}
	if js.pending != nil && js.pending.hash == hash {
		fut := js.pending.fut
		c.mu.Unlock()
		return fut
	}
	if js.pending == nil && js.inflight != nil && js.inflight.hash == hash {
		fut := js.inflight.fut
		c.mu.Unlock()
		return fut
	}
	js.gen++
	j := &job{scriptID: scriptID, hash: hash, code: code, gen: js.gen, fut: newFuture()}
	var superseded *job
	if js.inflight == nil {
		js.inflight = j
		c.dispatch(j)
	} else {
		superseded = js.pending
		js.pending = j
	}
	if superseded != nil {
		c.stats.Superseded++
	}
	c.mu.Unlock()
	if superseded != nil {
		superseded.fut.resolve(nil, ErrSuperseded)
	}
	return j.fut
}

func (c *Cache) dispatch(j *job) {
	if c.closed {
		return
	}
	c.ready = append(c.ready, j)
	c.cond.Signal()
}

// Poll applies at most limit finished compiles (limit <= 0 means all) and
// returns the units that are current. A result whose generation was
// overtaken by a newer Submit is dropped, and the newer job is dispatched.
func (c *Cache) Poll(limit int) []*CompiledUnit {
	var out []*CompiledUnit
	var stale []*job
	c.mu.Lock()
	taken := 0
	for taken < len(c.finished) && (limit <= 0 || len(out) < limit) {
		f := c.finished[taken]
		taken++
		js := c.jobs[f.job.scriptID]
		current := js != nil && js.inflight == f.job && f.job.gen == js.gen
		if js != nil && js.inflight == f.job {
			js.inflight = nil
			if js.pending != nil {
				js.inflight, js.pending = js.pending, nil
				c.dispatch(js.inflight)
			} else {
				delete(c.jobs, f.job.scriptID)
			}
		}
		if !current {
			c.stats.Stale++
			stale = append(stale, f.job)
			continue
		}
		c.stats.Compiles++
		if f.unit.Failed() {
			c.stats.Failures++
		}
		c.store(f.unit)
		out = append(out, f.unit)
		f.job.fut.resolve(f.unit, nil)
	}
	clear(c.finished[:taken])
	c.finished = c.finished[taken:]
	c.mu.Unlock()

	for _, j := range stale {
		j.fut.resolve(nil, ErrSuperseded)
		c.log.Debug("dropped stale compile", zap.String("script", j.scriptID), zap.String("hash", shortHash(j.hash)))
	}
	return out
}

// InFlight reports whether a compile for scriptID is running or queued.
func (c *Cache) InFlight(scriptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.jobs[scriptID]
	return ok
}

// Evict drops every cached version of scriptID.
func (c *Cache) Evict(scriptID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.units[scriptID])
	delete(c.units, scriptID)
	return n
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	for _, v := range c.units {
		st.Cached += len(v)
	}
	st.InFlight = len(c.jobs)
	return st
}
