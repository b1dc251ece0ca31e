package diag

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

func TestStoreRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		s.Record(Entry{Kind: KindWarning, Message: msg})
	}
	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("held %d entries, want 3", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
	if last := s.Recent(1); len(last) != 1 || last[0].Message != "e" {
		t.Errorf("Recent(1) = %+v", last)
	}
	if got[0].ID.String() == "00000000-0000-0000-0000-000000000000" || got[0].At.IsZero() {
		t.Errorf("Record did not stamp the entry: %+v", got[0])
	}
}

func TestStoreByScript(t *testing.T) {
	s := NewStore(8)
	s.Record(New(KindCompile, zapcore.ErrorLevel, "door", ecs.NewEntityID(1, 0), "bad"))
	s.Record(New(KindCompile, zapcore.ErrorLevel, "lamp", 0, "bad"))
	s.Record(New(KindExecute, zapcore.WarnLevel, "door", ecs.NewEntityID(2, 0), "oops"))
	got := s.ByScript("door")
	if len(got) != 2 || got[0].Entity != "1:0" || got[1].Kind != KindExecute {
		t.Fatalf("ByScript = %+v", got)
	}
}

func TestSubscribeBacklogAndLive(t *testing.T) {
	s := NewStore(8)
	s.Record(Entry{Message: "old"})
	ch, backlog, cancel := s.Subscribe(1)
	if len(backlog) != 1 || backlog[0].Message != "old" {
		t.Fatalf("backlog = %+v", backlog)
	}
	s.Record(Entry{Message: "new"})
	s.Record(Entry{Message: "dropped"}) // subscriber buffer is full
	if e := <-ch; e.Message != "new" {
		t.Fatalf("live entry = %q", e.Message)
	}
	if s.Dropped() != 1 {
		t.Errorf("dropped = %d", s.Dropped())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after cancel")
	}
	s.Record(Entry{Message: "after"})
}

func TestConsoleCoreRecordsScriptFields(t *testing.T) {
	s := NewStore(8)
	log := zap.New(NewConsoleCore(s, zapcore.InfoLevel)).Named("script")
	scoped := log.With(zap.Stringer("entity", ecs.NewEntityID(4, 1)), zap.String("script", "spinner"))
	scoped.Info("hello")
	scoped.Debug("hidden")

	got := s.Recent(0)
	if len(got) != 1 {
		t.Fatalf("recorded %d entries, want 1", len(got))
	}
	e := got[0]
	if e.Kind != KindConsole || e.ScriptID != "spinner" || e.Entity != "4:1" || e.Message != "hello" {
		t.Fatalf("entry = %+v", e)
	}
}

func TestServerStreamsEntries(t *testing.T) {
	store := NewStore(16)
	store.Record(New(KindCompile, zapcore.ErrorLevel, "door", 0, "syntax"))
	store.Record(New(KindCompile, zapcore.ErrorLevel, "lamp", 0, "other script"))

	srv, err := NewServer("127.0.0.1:0", 8, store, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	url := "ws://" + srv.Addr().String() + "/diag?script=door"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Entry
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	if first.ScriptID != "door" || first.Message != "syntax" {
		t.Fatalf("backlog entry = %+v", first)
	}

	// the client registers before the backlog is written, so this is live
	store.Record(New(KindExecute, zapcore.WarnLevel, "lamp", 0, "filtered"))
	store.Record(New(KindExecute, zapcore.WarnLevel, "door", 0, "live"))
	var live Entry
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.Message != "live" || live.Kind != KindExecute {
		t.Fatalf("live entry = %+v", live)
	}
	if srv.Clients() != 1 {
		t.Errorf("clients = %d", srv.Clients())
	}
}
