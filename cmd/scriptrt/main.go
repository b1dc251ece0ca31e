package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vibe3d/scriptrt/internal/config"
	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/core/event"
	"github.com/vibe3d/scriptrt/internal/data"
	"github.com/vibe3d/scriptrt/internal/diag"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/persist"
	"github.com/vibe3d/scriptrt/internal/scripting"
	"github.com/vibe3d/scriptrt/internal/scripting/luavm"
	"github.com/vibe3d/scriptrt/internal/system"
	"github.com/vibe3d/scriptrt/internal/timer"
	"github.com/vibe3d/scriptrt/internal/world"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfgPath := "config/scriptrt.toml"
	if p := os.Getenv(config.EnvPath); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger; script console output also feeds the diagnostics store
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	store := diag.NewStore(cfg.Diagnostics.Capacity)
	var scriptLevel zapcore.Level
	if err := scriptLevel.UnmarshalText([]byte(cfg.Logging.ScriptLevel)); err != nil {
		scriptLevel = zapcore.DebugLevel
	}
	scriptLog := zap.New(zapcore.NewTee(log.Core(), diag.NewConsoleCore(store, scriptLevel))).Named("script")

	if cfg.Profile.Mode != "" {
		defer startProfile(cfg.Profile, log).Stop()
	}

	printBanner(cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// 3. Script sources: database when enabled, otherwise the scripts dir
	printSection("Script sources")
	var (
		src  scripting.Source = scripting.NewFileSource(cfg.Runtime.ScriptsDir)
		good scripting.GoodStore
	)
	if cfg.Database.Enabled {
		dbCtx, dbCancel := context.WithTimeout(ctx, 30*time.Second)
		db, err := persist.NewDB(dbCtx, cfg.Database, log)
		if err != nil {
			dbCancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		version, err := persist.RunMigrations(dbCtx, db.Pool)
		dbCancel()
		if err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK(fmt.Sprintf("PostgreSQL connected, schema v%d", version))

		repo := persist.NewScriptRepo(db)
		if locs, err := repo.List(ctx); err == nil {
			printStat("Stored scripts", len(locs))
		}
		goodRepo := persist.NewGoodRepo(db, cfg.Database.GoodQueueSize, log.Named("persist"))
		g.Go(func() error { return goodRepo.Run(gctx) })
		src, good = repo, goodRepo
	} else {
		printOK("Scripts directory " + cfg.Runtime.ScriptsDir)
	}

	resolver := scripting.NewResolver(src, good, log.Named("resolver"))
	if n, err := resolver.Preload(ctx); err != nil {
		log.Warn("last known good code not loaded", zap.Error(err))
	} else if n > 0 {
		printStat("Last known good", n)
	}

	// 4. Compiler
	backend := luavm.NewBackend(luavm.Options{
		CallStackSize: cfg.Sandbox.LuaCallStack,
		RegistrySize:  cfg.Sandbox.LuaRegistry,
	}, log.Named("lua"))
	cache := scripting.NewCache(backend, cfg.Compile.Workers, cfg.Compile.VersionsPerScript, log.Named("compile"))
	cache.Start(gctx)
	defer cache.Stop()

	// 5. Scene
	printSection("Scene")
	ws := world.NewState()
	scene, err := data.LoadScene(cfg.Runtime.ScenePath)
	if err != nil {
		return fmt.Errorf("scene: %w", err)
	}
	n, err := scene.Spawn(ws)
	if err != nil {
		log.Warn("scene loaded with errors", zap.Error(err))
	}
	printStat("Entities", n)
	printStat("Scripts", len(scriptIDs(ws)))
	fmt.Println()

	// 6. Runtime
	timers := timer.NewScheduler(cfg.Timers.MaxPerFrame)
	o := system.NewOrchestrator(ctx, system.Deps{
		World:     ws,
		Resolver:  resolver,
		Cache:     cache,
		Sandbox:   scripting.NewSandbox(cfg.Sandbox.Budget, cfg.Sandbox.BackoffBase, cfg.Sandbox.BackoffMax, log.Named("sandbox")),
		Timers:    timers,
		Buffer:    mutation.NewBuffer(),
		Bus:       event.NewBus(),
		Diag:      store,
		Log:       log.Named("runtime"),
		ScriptLog: scriptLog,
	}, system.Config{
		CompileResultsPerFrame: cfg.Compile.ResultsPerFrame,
		PollEvery:              cfg.Runtime.PollEvery,
	})
	defer o.Close()
	registerExtensions(o, ws)

	// 7. Diagnostics feed
	if cfg.Diagnostics.Enabled {
		srv, err := diag.NewServer(cfg.Diagnostics.BindAddress, cfg.Diagnostics.OutQueueSize, store, log.Named("diag"))
		if err != nil {
			return fmt.Errorf("diagnostics: %w", err)
		}
		g.Go(srv.Serve)
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			return srv.Shutdown(shCtx)
		})
		printReady("Diagnostics on ws://" + srv.Addr().String() + "/diag")
	}

	// 8. Frame loop
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	toggleCh := make(chan os.Signal, 1)
	signal.Notify(toggleCh, syscall.SIGUSR1)

	frame := cfg.Runtime.FrameInterval()
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	printReady(fmt.Sprintf("Frame loop started (%d fps, play=%v)", cfg.Runtime.FrameRate, cfg.Runtime.Play))
	fmt.Println()

	in := system.FrameInput{Playing: cfg.Runtime.Play}
	var loopErr error
loop:
	for {
		select {
		case <-ticker.C:
			o.Frame(frame, in)
		case <-toggleCh:
			in.Playing = !in.Playing
			log.Info("play mode toggled", zap.Bool("playing", in.Playing))
		case <-stats.C:
			logStats(log, o.Stats())
		case sig := <-shutdownCh:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
			break loop
		case <-gctx.Done():
			loopErr = context.Cause(gctx)
			log.Error("background task failed", zap.Error(loopErr))
			break loop
		}
	}

	// end play before saving so spawned entities are gone
	if o.Playing() {
		o.Frame(frame, system.FrameInput{})
	}
	if cfg.Runtime.SaveScene {
		if err := data.SaveScene(cfg.Runtime.ScenePath, data.Snapshot(scene.Name, ws)); err != nil {
			log.Error("scene save failed", zap.Error(err))
		} else {
			log.Info("scene saved", zap.String("path", cfg.Runtime.ScenePath))
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("runtime stopped")
	return loopErr
}

func registerExtensions(o *system.Orchestrator, ws *world.State) {
	o.RegisterExtension("random", func(_ *scripting.ExecutionContext, args []any) (any, error) {
		if len(args) == 2 {
			lo, lok := args[0].(float64)
			hi, hok := args[1].(float64)
			if !lok || !hok {
				return nil, errors.New("random(lo, hi) wants numbers")
			}
			return lo + rand.Float64()*(hi-lo), nil
		}
		return rand.Float64(), nil
	})
	o.RegisterExtension("entityCount", func(_ *scripting.ExecutionContext, _ []any) (any, error) {
		return float64(ws.Len()), nil
	})
}

func scriptIDs(ws *world.State) map[string]struct{} {
	ids := make(map[string]struct{})
	ws.Entities(func(id ecs.EntityID) {
		if s, ok := ws.Script(id); ok {
			ids[s.Ref.ScriptID] = struct{}{}
		}
	})
	return ids
}

func logStats(log *zap.Logger, st system.Stats) {
	log.Info("runtime stats",
		zap.Uint64("frame", st.Frame),
		zap.Bool("playing", st.Playing),
		zap.String("session", st.Session),
		zap.Int("registered", st.Registered),
		zap.Int("running", st.Running),
		zap.Int("pending", st.Pending),
		zap.Int("failed", st.Failed),
		zap.Int("timers", st.Timers),
		zap.Uint64("errors", st.Errors),
		zap.Uint64("timeouts", st.Timeouts),
		zap.Uint64("compiles", st.Cache.Compiles),
		zap.Uint64("cache_hits", st.Cache.Hits))
}

func startProfile(cfg config.ProfileConfig, log *zap.Logger) interface{ Stop() } {
	opts := []func(*profile.Profile){profile.NoShutdownHook, profile.Quiet}
	if cfg.Path != "" {
		opts = append(opts, profile.ProfilePath(cfg.Path))
	}
	switch cfg.Mode {
	case "cpu":
		opts = append(opts, profile.CPUProfile)
	case "mem":
		opts = append(opts, profile.MemProfile)
	case "block":
		opts = append(opts, profile.BlockProfile)
	case "mutex":
		opts = append(opts, profile.MutexProfile)
	case "trace":
		opts = append(opts, profile.TraceProfile)
	default:
		log.Warn("unknown profile mode, using cpu", zap.String("mode", cfg.Mode))
		opts = append(opts, profile.CPUProfile)
	}
	return profile.Start(opts...)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
