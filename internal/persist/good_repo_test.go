package persist

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vibe3d/scriptrt/internal/config"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

func TestGoodRepoCoalescesAndFlushesOnShutdown(t *testing.T) {
	r := NewGoodRepo(nil, 8, zaptest.NewLogger(t))
	var batches [][]scripting.GoodCode
	r.write = func(_ context.Context, b []scripting.GoodCode) error {
		batches = append(batches, b)
		return nil
	}
	r.SaveGood(scripting.GoodCode{ScriptID: "a", Hash: "1"})
	r.SaveGood(scripting.GoodCode{ScriptID: "a", Hash: "2"})
	r.SaveGood(scripting.GoodCode{ScriptID: "b", Hash: "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
	for _, g := range batches[0] {
		if g.ScriptID == "a" && g.Hash != "2" {
			t.Fatalf("kept stale entry %+v", g)
		}
	}
}

func TestGoodRepoDropsWhenFull(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := NewGoodRepo(nil, 1, zap.New(core))
	r.SaveGood(scripting.GoodCode{ScriptID: "a"})
	r.SaveGood(scripting.GoodCode{ScriptID: "b"})
	if r.dropped != 1 || logs.Len() != 1 {
		t.Fatalf("dropped = %d, logs = %d", r.dropped, logs.Len())
	}
}

// TestScriptRepoRoundTrip needs a scratch database in SCRIPTRT_TEST_DSN.
func TestScriptRepoRoundTrip(t *testing.T) {
	dsn := os.Getenv("SCRIPTRT_TEST_DSN")
	if dsn == "" {
		t.Skip("SCRIPTRT_TEST_DSN not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 2}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := RunMigrations(ctx, db.Pool); err != nil {
		t.Fatal(err)
	}

	repo := NewScriptRepo(db)
	loc := "test/" + time.Now().Format(time.RFC3339Nano) + ".lua"
	if _, err := repo.Stat(ctx, loc); err == nil {
		t.Fatal("stat of missing script succeeded")
	}
	mod, err := repo.Store(ctx, loc, "print(1)")
	if err != nil {
		t.Fatal(err)
	}
	code, got, err := repo.Fetch(ctx, loc)
	if err != nil || code != "print(1)" || !got.Equal(mod) {
		t.Fatalf("fetch = %q %v %v", code, got, err)
	}

	good := NewGoodRepo(db, 4, zaptest.NewLogger(t))
	g := scripting.GoodCode{ScriptID: loc, Hash: "h", Code: "print(1)", SavedAt: time.Now().UTC().Truncate(time.Microsecond)}
	if err := good.writeBatch(ctx, []scripting.GoodCode{g}); err != nil {
		t.Fatal(err)
	}
	rows, err := good.LoadGood(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r.ScriptID == loc && r.Hash == "h" {
			found = true
		}
	}
	if !found {
		t.Fatal("good code not loaded back")
	}
}
