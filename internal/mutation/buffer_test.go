package mutation

import (
	"errors"
	"testing"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

type applied struct {
	key   Key
	value any
}

func recorder(out *[]applied) ApplyFunc {
	return func(e ecs.EntityID, c component.ID, f string, v any) error {
		*out = append(*out, applied{Key{e, c, f}, v})
		return nil
	}
}

func TestLastWriteWinsAppliedOnce(t *testing.T) {
	b := NewBuffer()
	e := ecs.NewEntityID(1, 0)

	b.Queue(e, component.HealthID, "current", 90.0)
	b.Queue(e, component.HealthID, "current", 70.0)

	if b.Len() != 1 {
		t.Fatalf("Len = %d, want 1", b.Len())
	}
	var got []applied
	n, err := b.Flush(recorder(&got))
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 1 || len(got) != 1 {
		t.Fatalf("applied %d writes (%v), want exactly 1", n, got)
	}
	if got[0].value != 70.0 {
		t.Errorf("applied value = %v, want 70", got[0].value)
	}
}

func TestFlushPreservesFirstWriteOrder(t *testing.T) {
	b := NewBuffer()
	a, c := ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0)

	b.Queue(a, component.TransformID, "position.x", 1.0)
	b.Queue(c, component.TransformID, "position.x", 2.0)
	b.Queue(a, component.TransformID, "position.y", 3.0)
	b.Queue(a, component.TransformID, "position.x", 4.0)

	var got []applied
	if _, err := b.Flush(recorder(&got)); err != nil {
		t.Fatal(err)
	}
	want := []applied{
		{Key{a, component.TransformID, "position.x"}, 4.0},
		{Key{c, component.TransformID, "position.x"}, 2.0},
		{Key{a, component.TransformID, "position.y"}, 3.0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFlushClearsBuffer(t *testing.T) {
	b := NewBuffer()
	e := ecs.NewEntityID(1, 0)
	b.Queue(e, component.HealthID, "current", 1.0)

	var first []applied
	b.Flush(recorder(&first))
	var second []applied
	n, _ := b.Flush(recorder(&second))

	if n != 0 || len(second) != 0 {
		t.Fatalf("second flush applied %d entries, want 0", n)
	}
	if _, ok := b.Lookup(e, component.HealthID, "current"); ok {
		t.Error("entry survived flush")
	}
}

func TestDropEntity(t *testing.T) {
	b := NewBuffer()
	dead, alive := ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0)
	b.Queue(dead, component.HealthID, "current", 1.0)
	b.Queue(alive, component.HealthID, "current", 2.0)
	b.Queue(dead, component.TransformID, "position.x", 3.0)

	if n := b.DropEntity(dead); n != 2 {
		t.Fatalf("DropEntity = %d, want 2", n)
	}
	// Re-queueing after a drop must work and not resurrect old values.
	b.Queue(alive, component.HealthID, "max", 5.0)

	var got []applied
	b.Flush(recorder(&got))
	for _, a := range got {
		if a.key.Entity == dead {
			t.Fatalf("dropped entity write applied: %+v", a)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
}

func TestFlushContinuesPastErrors(t *testing.T) {
	b := NewBuffer()
	e := ecs.NewEntityID(1, 0)
	b.Queue(e, component.HealthID, "bogus", 1.0)
	b.Queue(e, component.HealthID, "current", 2.0)

	bad := errors.New("nope")
	var ok int
	n, err := b.Flush(func(_ ecs.EntityID, _ component.ID, f string, _ any) error {
		if f == "bogus" {
			return bad
		}
		ok++
		return nil
	})
	if !errors.Is(err, bad) {
		t.Fatalf("err = %v, want wrapped %v", err, bad)
	}
	if n != 1 || ok != 1 {
		t.Fatalf("applied = %d, want 1", n)
	}
	if b.Len() != 0 {
		t.Fatal("buffer not cleared after failed entry")
	}
}

func TestQueueDuringFlushRejected(t *testing.T) {
	b := NewBuffer()
	e := ecs.NewEntityID(1, 0)
	b.Queue(e, component.HealthID, "current", 1.0)

	var inner error
	b.Flush(func(ecs.EntityID, component.ID, string, any) error {
		inner = b.Queue(e, component.HealthID, "current", 2.0)
		return nil
	})
	if !errors.Is(inner, ErrFlushing) {
		t.Fatalf("Queue during flush = %v, want ErrFlushing", inner)
	}
	if err := b.Queue(e, component.HealthID, "current", 3.0); err != nil {
		t.Fatalf("Queue after flush: %v", err)
	}
}

func TestStageCommitAndDiscard(t *testing.T) {
	b := NewBuffer()
	s := NewStage(b)
	e := ecs.NewEntityID(1, 0)

	s.Queue(e, component.HealthID, "current", 10.0)
	if v, ok := s.Lookup(e, component.HealthID, "current"); !ok || v != 10.0 {
		t.Fatalf("stage lookup = %v %v", v, ok)
	}
	s.Discard()
	if b.Len() != 0 {
		t.Fatal("discarded stage reached the buffer")
	}

	s.Queue(e, component.HealthID, "current", 20.0)
	s.Queue(e, component.HealthID, "current", 30.0)
	if err := s.Commit(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Error("stage not empty after commit")
	}
	if v, ok := b.Lookup(e, component.HealthID, "current"); !ok || v != 30.0 {
		t.Fatalf("buffer value = %v %v, want 30", v, ok)
	}
}
