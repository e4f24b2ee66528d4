package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	persistlog "voxelstore.ai/internal/persistence/log"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/sim/catalogs"
	"voxelstore.ai/internal/sim/tuning"
	"voxelstore.ai/internal/sim/world"
	"voxelstore.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		seed       = flag.Int64("seed", 1337, "world seed (used only when starting a fresh world)")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (ticks, changes, chunk blobs)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		replayLog  = flag.Bool("replay_changes", true, "re-apply logged changes newer than the loaded snapshot")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}

	// Load tuning (required for fresh world; optional for snapshot resumes).
	tune, err := tuning.Load(tp)
	if err != nil {
		if snapshotToLoad == "" || !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		// The snapshot carries the terrain-shaping parameters.
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	// A snapshot's own palette wins over blocks.json.
	blocks, err := catalogs.Load(*configDir)
	switch {
	case err == nil:
		logger.Printf("block catalog: %d blocks palette=%s", len(blocks.Palette), blocks.PaletteDigest[:12])
	case os.IsNotExist(err):
		blocks = catalogs.Default()
	default:
		logger.Fatalf("load block catalog: %v", err)
	}

	cfg := world.ConfigFromTuning(*worldID, *seed, tune)
	cfg.Blocks = blocks.Palette
	var w *world.World
	var replayFrom uint64
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != *worldID {
			logger.Fatalf("snapshot world id mismatch: flag=%s snap=%s", *worldID, snap.Header.WorldID)
		}
		w, err = world.FromSnapshot(cfg, snap, logger)
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
		replayFrom = snap.Header.Tick
		logger.Printf("resumed from snapshot=%s tick=%d chunks=%d", filepath.Base(snapshotToLoad), snap.Header.Tick, len(snap.Chunks))
	} else {
		w, err = world.New(cfg, logger)
		if err != nil {
			logger.Fatalf("world: %v", err)
		}
	}
	if *replayLog {
		changes, err := persistlog.ReadChanges(worldDir, replayFrom)
		if err != nil {
			logger.Fatalf("read change log: %v", err)
		}
		n, err := w.ReplayChanges(changes)
		if err != nil {
			logger.Fatalf("replay change log: %v", err)
		}
		if n > 0 {
			logger.Printf("replayed %d changes, now at tick %d", n, w.CurrentTick())
		}
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	changeLog := persistlog.NewChangeLogger(worldDir)
	defer tickLog.Close()
	defer changeLog.Close()
	if idx != nil {
		w.SetTickLogger(multiTickLogger{tickLog, idx})
		w.SetChangeLogger(multiChangeLogger{changeLog, idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetChangeLogger(changeLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	writeSnap := func(snap snapshot.SnapshotV1) {
		path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			logger.Printf("snapshot write: %v", err)
			return
		}
		if idx != nil {
			idx.RecordSnapshot(path, snap)
		}
		logger.Printf("snapshot tick=%d chunks=%d", snap.Header.Tick, len(snap.Chunks))
	}
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for snap := range snapCh {
			writeSnap(snap)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	worldDone := make(chan struct{})
	go func() {
		defer close(worldDone)
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	mux := newMux(httpDeps{
		world:  w,
		index:  idx,
		logger: logger,
		ws: ws.Options{
			SetsPerSecond:   tune.Clients.SetsPerSecond,
			SetBurst:        tune.Clients.SetBurst,
			MaxMessageBytes: tune.Clients.MaxMessageBytes,
		},
		enableAdmin: envBool("VS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("VS_ENABLE_PPROF_HTTP", false),
	})
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final snapshot once the loop has stopped.
	<-worldDone
	snapCh <- w.ExportSnapshot(w.CurrentTick())
	close(snapCh)
	<-snapDone
	if idx != nil {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		_ = idx.Flush(ctx2)
		cancel2()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
