// Package diag collects per-script problems and console output for script
// authors, and streams them to connected tools over a websocket.
package diag

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

// Kind classifies an entry.
type Kind string

const (
	KindResolve Kind = "resolve"
	KindCompile Kind = "compile"
	KindExecute Kind = "execute"
	KindTimeout Kind = "timeout"
	KindInvalid Kind = "validation"
	KindWarning Kind = "warning"
	KindConsole Kind = "console"
	KindSession Kind = "session"
)

// Entry is one diagnostic record.
type Entry struct {
	ID       uuid.UUID     `json:"id"`
	At       time.Time     `json:"at"`
	Kind     Kind          `json:"kind"`
	Level    zapcore.Level `json:"level"`
	ScriptID string        `json:"scriptId,omitempty"`
	Entity   string        `json:"entity,omitempty"`
	Message  string        `json:"message"`
}

// Sink receives entries. Record must not block the frame loop.
type Sink interface {
	Record(e Entry)
}

type discard struct{}

func (discard) Record(Entry) {}

// Discard drops every entry.
var Discard Sink = discard{}

// New fills in the id and timestamp of an entry.
func New(kind Kind, level zapcore.Level, scriptID string, entity ecs.EntityID, msg string) Entry {
	e := Entry{
		ID:       uuid.New(),
		At:       time.Now(),
		Kind:     kind,
		Level:    level,
		ScriptID: scriptID,
		Message:  msg,
	}
	if !entity.IsZero() {
		e.Entity = entity.String()
	}
	return e
}

// Store keeps the most recent entries in a ring and fans new ones out to
// subscribers. Safe for concurrent use: the frame loop records while
// websocket clients read.
type Store struct {
	mu    sync.Mutex
	ring  []Entry
	next  int
	full  bool
	subs  map[int]chan Entry
	subID int
	drops uint64
}

func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 256
	}
	return &Store{
		ring: make([]Entry, capacity),
		subs: make(map[int]chan Entry),
	}
}

func (s *Store) Record(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = e
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.drops++
		}
	}
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything held.
func (s *Store) Recent(n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent(n)
}

func (s *Store) recent(n int) []Entry {
	size := s.next
	if s.full {
		size = len(s.ring)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	start := s.next - n
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// ByScript returns the held entries of one script, oldest first.
func (s *Store) ByScript(scriptID string) []Entry {
	var out []Entry
	for _, e := range s.Recent(0) {
		if e.ScriptID == scriptID {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe returns a channel receiving every entry recorded from now on,
// the backlog held at subscription time, and a cancel func. Entries are
// dropped for subscribers that fall behind.
func (s *Store) Subscribe(buffer int) (<-chan Entry, []Entry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Entry, buffer)
	id := s.subID
	s.subID++
	s.subs[id] = ch
	backlog := s.recent(0)
	var once sync.Once
	return ch, backlog, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many entries slow subscribers missed.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
