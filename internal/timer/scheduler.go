// Package timer implements frame-driven timers bound to simulation time.
//
// Timers never look at the wall clock: Tick advances them by the frame's
// delta. A timer created during frame N starts accumulating on the tick of
// frame N+1, and fires on the first tick where the accumulated time reaches
// its duration. Intervals carry the remainder forward instead of resetting,
// so a 100ms interval driven by 30ms frames fires at 120, 210, 300, ... and
// does not drift.
//
// At most MaxPerFrame callbacks fire per tick. Due timers beyond the cap are
// carried to the next tick and fire before any newly due timer, in the order
// they became due (FIFO).
package timer

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

var (
	ErrInvalidInterval = errors.New("interval must be positive")
	ErrNotANumber      = errors.New("duration is not a number")
)

// Millis converts a script-supplied millisecond count to a Duration.
// Values past the Duration range saturate, so a huge delay means "never"
// rather than wrapping around to an immediate fire.
func Millis(field string, ms float64) (time.Duration, error) {
	if math.IsNaN(ms) {
		return 0, &component.ValidationError{Field: field, Err: ErrNotANumber}
	}
	ns := ms * float64(time.Millisecond)
	switch {
	case ns >= math.MaxInt64:
		return time.Duration(math.MaxInt64), nil
	case ns <= math.MinInt64:
		return time.Duration(math.MinInt64), nil
	}
	return time.Duration(ns), nil
}

type Kind int

const (
	Timeout Kind = iota
	Interval
	NextFrame
	WaitFrames
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Interval:
		return "interval"
	case NextFrame:
		return "nextFrame"
	case WaitFrames:
		return "waitFrames"
	}
	return "unknown"
}

type ID uint64

// Callback is what a timer runs when it fires. The scheduler never invokes it
// itself; the fire function passed to Tick does, under its own budget.
type Callback func(ctx context.Context) error

type Timer struct {
	ID       ID
	Kind     Kind
	Owner    ecs.EntityID
	Duration time.Duration
	Elapsed  time.Duration
	Frames   int
	Callback Callback

	born      uint64
	cancelled bool
	queued    bool
}

// Remaining is the simulation time left before the timer is due.
func (t *Timer) Remaining() time.Duration {
	if r := t.Duration - t.Elapsed; r > 0 {
		return r
	}
	return 0
}

type Scheduler struct {
	timers   map[ID]*Timer
	list     []*Timer
	byOwner  map[ecs.EntityID]map[ID]struct{}
	overflow []*Timer
	spare    []*Timer
	due      []*Timer
	nextID   ID
	frame    uint64
	dead     int

	MaxPerFrame int // <= 0 means unlimited
}

func NewScheduler(maxPerFrame int) *Scheduler {
	return &Scheduler{
		timers:      make(map[ID]*Timer, 64),
		list:        make([]*Timer, 0, 64),
		byOwner:     make(map[ecs.EntityID]map[ID]struct{}, 64),
		MaxPerFrame: maxPerFrame,
	}
}

func (s *Scheduler) add(t *Timer) ID {
	s.nextID++
	t.ID = s.nextID
	t.born = s.frame
	s.timers[t.ID] = t
	s.list = append(s.list, t)
	owned := s.byOwner[t.Owner]
	if owned == nil {
		owned = make(map[ID]struct{}, 4)
		s.byOwner[t.Owner] = owned
	}
	owned[t.ID] = struct{}{}
	return t.ID
}

// SetTimeout schedules a one-shot callback. A non-positive delay fires on
// the next tick.
func (s *Scheduler) SetTimeout(owner ecs.EntityID, delay time.Duration, cb Callback) ID {
	if delay < 0 {
		delay = 0
	}
	return s.add(&Timer{Kind: Timeout, Owner: owner, Duration: delay, Callback: cb})
}

// SetInterval schedules a repeating callback.
func (s *Scheduler) SetInterval(owner ecs.EntityID, every time.Duration, cb Callback) (ID, error) {
	if every <= 0 {
		return 0, &component.ValidationError{Field: "interval", Err: ErrInvalidInterval}
	}
	return s.add(&Timer{Kind: Interval, Owner: owner, Duration: every, Callback: cb}), nil
}

// NextTick fires cb on the next tick.
func (s *Scheduler) NextTick(owner ecs.EntityID, cb Callback) ID {
	return s.add(&Timer{Kind: NextFrame, Owner: owner, Callback: cb})
}

// WaitFrames fires cb after n ticks; n < 1 behaves like NextTick.
func (s *Scheduler) WaitFrames(owner ecs.EntityID, n int, cb Callback) ID {
	if n < 1 {
		n = 1
	}
	return s.add(&Timer{Kind: WaitFrames, Owner: owner, Frames: n, Callback: cb})
}

func (s *Scheduler) Get(id ID) (*Timer, bool) {
	t, ok := s.timers[id]
	return t, ok
}

// Clear cancels a timer in O(1). Unknown ids return false.
func (s *Scheduler) Clear(id ID) bool {
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	s.remove(t)
	return true
}

// CancelOwner cancels every timer owned by an entity.
func (s *Scheduler) CancelOwner(owner ecs.EntityID) int {
	owned := s.byOwner[owner]
	n := 0
	for id := range owned {
		if t, ok := s.timers[id]; ok {
			s.remove(t)
			n++
		}
	}
	delete(s.byOwner, owner)
	return n
}

// Reset cancels every timer.
func (s *Scheduler) Reset() int {
	n := len(s.timers)
	for _, t := range s.list {
		t.cancelled = true
	}
	clear(s.timers)
	clear(s.byOwner)
	clear(s.list)
	s.list = s.list[:0]
	clear(s.overflow)
	s.overflow = s.overflow[:0]
	s.dead = 0
	return n
}

// Len returns the number of live timers.
func (s *Scheduler) Len() int { return len(s.timers) }

// Owned returns the number of live timers owned by an entity.
func (s *Scheduler) Owned(owner ecs.EntityID) int { return len(s.byOwner[owner]) }

// Overflow returns the number of due timers carried to the next tick.
func (s *Scheduler) Overflow() int { return len(s.overflow) }

func (s *Scheduler) remove(t *Timer) {
	if t.cancelled {
		return
	}
	t.cancelled = true
	delete(s.timers, t.ID)
	if owned := s.byOwner[t.Owner]; owned != nil {
		delete(owned, t.ID)
		if len(owned) == 0 {
			delete(s.byOwner, t.Owner)
		}
	}
	s.dead++
}

// Tick advances all timers whose owner is active by dt and calls fire for
// each due timer, up to MaxPerFrame. Timers of inactive owners are
// suspended: they neither advance nor fire and do not count against the cap.
// Returns the number of callbacks fired.
func (s *Scheduler) Tick(dt time.Duration, active func(ecs.EntityID) bool, fire func(*Timer)) int {
	if active == nil {
		active = func(ecs.EntityID) bool { return true }
	}
	fired := 0
	limit := s.MaxPerFrame

	carried := s.overflow
	s.overflow = s.spare[:0]
	for _, t := range carried {
		if t.cancelled {
			continue
		}
		if !active(t.Owner) || (limit > 0 && fired >= limit) {
			s.overflow = append(s.overflow, t)
			continue
		}
		s.fire(t, fire)
		fired++
	}
	clear(carried)
	s.spare = carried[:0]

	for _, t := range s.list {
		if t.cancelled || t.born == s.frame || !active(t.Owner) {
			continue
		}
		due := false
		switch t.Kind {
		case Timeout, Interval:
			if t.queued && t.Kind == Timeout {
				continue
			}
			t.Elapsed += dt
			due = t.Elapsed >= t.Duration
		case NextFrame:
			due = true
		case WaitFrames:
			if t.queued {
				continue
			}
			t.Frames--
			due = t.Frames <= 0
		}
		if due && !t.queued {
			t.queued = true
			s.due = append(s.due, t)
		}
	}

	for _, t := range s.due {
		if t.cancelled {
			continue
		}
		if limit > 0 && fired >= limit {
			s.overflow = append(s.overflow, t)
			continue
		}
		s.fire(t, fire)
		fired++
	}
	clear(s.due)
	s.due = s.due[:0]

	s.frame++
	if s.dead > 32 && s.dead > len(s.list)/2 {
		s.compact()
	}
	return fired
}

func (s *Scheduler) fire(t *Timer, fire func(*Timer)) {
	t.queued = false
	if t.Kind == Interval {
		t.Elapsed -= t.Duration
		if t.Elapsed < 0 {
			t.Elapsed = 0
		}
	} else {
		s.remove(t)
	}
	fire(t)
}

func (s *Scheduler) compact() {
	live := s.list[:0]
	for _, t := range s.list {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	clear(s.list[len(live):])
	s.list = live
	s.dead = 0
}
