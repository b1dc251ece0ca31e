package ecs

import "testing"

func TestPoolGenerations(t *testing.T) {
	p := NewEntityPool()
	a := p.Create()
	if a.IsZero() || a.Index() != 1 {
		t.Fatalf("first id = %s", a)
	}
	if !p.Destroy(a) || p.Destroy(a) {
		t.Fatal("destroy must succeed once")
	}
	b := p.Create()
	if b.Index() != a.Index() || b.Generation() != a.Generation()+1 {
		t.Fatalf("reused id = %s after %s", b, a)
	}
	if p.Alive(a) || !p.Alive(b) {
		t.Fatal("stale id reported alive")
	}
	if p.Alive(0) {
		t.Fatal("zero id alive")
	}
	if p.Len() != 1 {
		t.Fatalf("len = %d", p.Len())
	}
}

func TestWorldDestroyQueue(t *testing.T) {
	w := NewWorld()
	store := NewStore[int]("n")
	w.Registry().Register(store)

	var destroyed []EntityID
	w.OnDestroy(func(id EntityID) {
		if store.Has(id) {
			t.Error("hook ran before components were removed")
		}
		destroyed = append(destroyed, id)
	})

	a, b := w.CreateEntity(), w.CreateEntity()
	v := 7
	store.Set(a, &v)
	w.MarkForDestruction(a)
	w.MarkForDestruction(a)
	if !w.PendingDestruction(a) || !w.Alive(a) {
		t.Fatal("marked entity must stay alive until flush")
	}
	if n := w.FlushDestroyQueue(); n != 1 {
		t.Fatalf("flushed %d", n)
	}
	if w.Alive(a) || !w.Alive(b) || w.PendingDestruction(a) {
		t.Fatal("wrong entities destroyed")
	}
	if len(destroyed) != 1 || destroyed[0] != a {
		t.Fatalf("hook saw %v", destroyed)
	}
	if w.DestroyEntity(a) {
		t.Fatal("double destroy")
	}
}

func TestRegistryColumns(t *testing.T) {
	w := NewWorld()
	hp, tag := NewStore[int]("hp"), NewStore[string]("tag")
	w.Registry().Register(hp)
	w.Registry().Register(tag)

	id := w.CreateEntity()
	v, s := 3, "x"
	tag.Set(id, &s)
	hp.Set(id, &v)
	if !w.Registry().Has(id, "hp") || w.Registry().Has(id, "missing") {
		t.Fatal("Has by name")
	}
	if names := w.Registry().Names(id); len(names) != 2 || names[0] != "hp" {
		t.Fatalf("names = %v", names)
	}
	if c, ok := w.Registry().Column("tag"); !ok || c != Column(tag) {
		t.Fatal("column lookup")
	}
	w.DestroyEntity(id)
	if hp.Len() != 0 || tag.Len() != 0 {
		t.Fatal("columns not cleared")
	}
}
