package world

import (
	"errors"
	"testing"

	"github.com/vibe3d/scriptrt/internal/component"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

func TestSetPatchIsAllOrNothing(t *testing.T) {
	s := NewState()
	id := s.Spawn("box")
	s.AddTransform(id, component.DefaultTransform())

	err := s.Set(id, component.TransformID, Patch{"position.x": 3.0, "position.w": 1.0})
	var verr *component.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	tr, _ := s.Transform(id)
	if tr.Position.X != 0 {
		t.Fatal("partial patch applied")
	}

	if err := s.Set(id, component.TransformID, Patch{"position.x": 3.0, "scale.y": 2}); err != nil {
		t.Fatal(err)
	}
	tr, _ = s.Transform(id)
	if tr.Position.X != 3 || tr.Scale.Y != 2 {
		t.Fatalf("transform = %+v", tr)
	}
	if s.Applied() != 2 {
		t.Fatalf("applied = %d", s.Applied())
	}
}

func TestGetReturnsCopies(t *testing.T) {
	s := NewState()
	id := s.Spawn("bag")
	s.AddProperties(id, component.Properties{Values: map[string]any{"n": 1.0}})

	v, ok := s.Get(id, component.PropertiesID)
	if !ok {
		t.Fatal("properties missing")
	}
	v.(component.Properties).Values["n"] = 99.0
	if got, _ := s.GetField(id, component.PropertiesID, "n"); got != 1.0 {
		t.Fatalf("store mutated through a copy: %v", got)
	}
	if err := s.CheckField(id, component.PropertiesID, "n", 5.0); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.GetField(id, component.PropertiesID, "n"); got != 1.0 {
		t.Fatal("CheckField wrote to the store")
	}
}

func TestMissingTargets(t *testing.T) {
	s := NewState()
	id := s.Spawn("bare")
	if _, err := s.GetField(id, component.HealthID, "current"); !errors.Is(err, ErrNoComponent) {
		t.Fatalf("err = %v", err)
	}
	s.Destroy(id)
	if err := s.SetField(id, component.HealthID, "current", 1.0); !errors.Is(err, ErrNoEntity) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := s.Find("bare"); ok {
		t.Fatal("destroyed entity still found by name")
	}
}

func TestScriptJournal(t *testing.T) {
	s := NewState()
	a := s.Spawn("a")
	b := s.Spawn("b")
	mk := func(id string) component.Script {
		return component.Script{Ref: component.ScriptReference{ScriptID: id, Code: "--"}, Enabled: true}
	}
	if err := s.AttachScript(a, mk("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.AttachScript(b, mk("x")); err != nil {
		t.Fatal(err)
	}
	s.SetScriptEnabled(a, true) // unchanged, not journaled
	got := s.DrainScriptChanges(nil)
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("journal = %v", got)
	}
	if len(s.DrainScriptChanges(nil)) != 0 {
		t.Fatal("journal not reset")
	}

	if err := s.AttachScript(a, component.Script{}); err == nil {
		t.Fatal("empty script id accepted")
	}
	sc, _ := s.Script(a)
	if sc.Ref.Origin != component.OriginInline {
		t.Fatalf("origin defaulted to %q", sc.Ref.Origin)
	}

	if n := s.RenameScript("x", "y"); n != 2 {
		t.Fatalf("renamed %d", n)
	}
	if ids := s.ScriptsByID("y"); len(ids) != 2 {
		t.Fatalf("by id = %v", ids)
	}
	if err := s.ConvertToInline(b, "print(1)", "h"); err != nil {
		t.Fatal(err)
	}
	sc, _ = s.Script(b)
	if sc.Ref.Code != "print(1)" || sc.Ref.CodeHash != "h" || sc.Ref.Location != "" {
		t.Fatalf("converted = %+v", sc.Ref)
	}

	s.MarkForDestruction(a)
	s.FlushDestroyQueue()
	got = s.DrainScriptChanges(nil)
	found := false
	for _, id := range got {
		if id == a {
			found = true
		}
	}
	if !found {
		t.Fatal("destroyed entity not journaled")
	}
}

func TestSpawnAndDestroyHooks(t *testing.T) {
	s := NewState()
	var spawned, destroyed []ecs.EntityID
	s.OnSpawn(func(id ecs.EntityID) { spawned = append(spawned, id) })
	s.OnDestroy(func(id ecs.EntityID) { destroyed = append(destroyed, id) })

	a := s.Spawn("a", "enemy")
	s.Spawn("b")
	if len(spawned) != 2 {
		t.Fatalf("spawned %v", spawned)
	}
	if tags := s.Tags(a); len(tags) != 1 || tags[0] != "enemy" {
		t.Fatalf("tags = %v", tags)
	}
	s.Destroy(a)
	if len(destroyed) != 1 || destroyed[0] != a {
		t.Fatalf("destroyed %v", destroyed)
	}
	n := 0
	s.Entities(func(ecs.EntityID) { n++ })
	if n != 1 || s.Len() != 1 {
		t.Fatalf("live = %d/%d", n, s.Len())
	}
}

func TestComponentIndex(t *testing.T) {
	s := NewState()
	id := s.Spawn("box")
	s.AddRigidBody(id, component.RigidBody{})
	s.AddProperties(id, component.Properties{})
	if !s.Has(id, component.RigidBodyID) || s.Has(id, component.HealthID) {
		t.Fatal("wrong components reported")
	}
	got := s.Components(id)
	if len(got) != 2 || got[0] != component.RigidBodyID || got[1] != component.PropertiesID {
		t.Fatalf("components = %v", got)
	}
	s.Destroy(id)
	if len(s.Components(id)) != 0 {
		t.Fatal("components survive destroy")
	}
}
