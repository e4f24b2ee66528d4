package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"voxelstore.ai/internal/sim/world"
	"voxelstore.ai/internal/transport/ws"
)

type httpDeps struct {
	world  *world.World
	index  runtimeIndex // may be nil
	ws     ws.Options
	logger *log.Logger

	enableAdmin bool
	enablePprof bool
}

func newMux(d httpDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", d.metricsHandler)
	mux.HandleFunc("/v1/ws", ws.NewServer(d.world, d.logger, d.ws).Handler())

	if d.enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", loopbackOnly(d.stateHandler))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(d.snapshotHandler))
		mux.HandleFunc("/admin/v1/history", loopbackOnly(d.historyHandler))
		mux.HandleFunc("/admin/v1/chunk", loopbackOnly(d.chunkHandler))
	} else if d.logger != nil {
		d.logger.Printf("admin endpoints disabled (VS_ENABLE_ADMIN_HTTP=false)")
	}
	if d.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSONResponse(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (d httpDeps) metricsHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	w := d.world
	id := w.ID()
	m := w.Metrics()

	// Minimal Prometheus exposition format.
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %v\n", name, id, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE %s counter\n", name)
		fmt.Fprintf(rw, "%s{world=%q} %d\n", name, id, v)
	}

	gauge("voxelstore_world_tick", "Current world tick.", w.CurrentTick())
	gauge("voxelstore_world_loaded_chunks", "Loaded chunk count.", m.LoadedChunks)
	gauge("voxelstore_world_subscribers", "Connected subscribers.", m.Subscribers)
	gauge("voxelstore_world_dirty_chunks", "Chunks changed in the last tick.", m.DirtyChunks)
	gauge("voxelstore_world_promoted_cells", "Cells held in overflow tables.", m.PromotedCells)
	gauge("voxelstore_world_overflow_slots", "Overflow table slots across chunks.", m.OverflowSlots)
	gauge("voxelstore_world_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", m.StepMS))
	gauge("voxelstore_world_last_snapshot_tick", "Tick of the last queued snapshot.", m.LastSnapshotTick)
	counter("voxelstore_world_changes_total", "Block changes applied.", m.ChangesTotal)
	counter("voxelstore_world_changes_dropped_total", "Block changes missing from the change log.", m.ChangesDropped)
	counter("voxelstore_world_frames_dropped_total", "Subscriber frames dropped on full queues.", m.FramesDropped)
	counter("voxelstore_world_compressions_total", "Chunk compressions.", m.Compressions)

	fmt.Fprintf(rw, "# HELP voxelstore_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelstore_world_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelstore_world_queue_depth{world=%q,queue=%q} %d\n", id, "changes", m.QueueDepths.Changes)
	fmt.Fprintf(rw, "voxelstore_world_queue_depth{world=%q,queue=%q} %d\n", id, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "voxelstore_world_queue_depth{world=%q,queue=%q} %d\n", id, "leave", m.QueueDepths.Leave)

	if d.index == nil {
		return
	}
	s := d.index.Stats()
	fmt.Fprintf(rw, "# HELP voxelstore_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelstore_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelstore_index_queue_depth{world=%q} %d\n", id, s.QueueDepth)
	fmt.Fprintf(rw, "# HELP voxelstore_index_dropped_total Index writes dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE voxelstore_index_dropped_total counter\n")
	fmt.Fprintf(rw, "voxelstore_index_dropped_total{world=%q,kind=%q} %d\n", id, "tick", s.DropTickTotal)
	fmt.Fprintf(rw, "voxelstore_index_dropped_total{world=%q,kind=%q} %d\n", id, "change", s.DropChangeTotal)
	fmt.Fprintf(rw, "voxelstore_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
	fmt.Fprintf(rw, "voxelstore_index_dropped_total{world=%q,kind=%q} %d\n", id, "chunk", s.DropChunkTotal)
}

func (d httpDeps) stateHandler(rw http.ResponseWriter, r *http.Request) {
	writeJSONResponse(rw, http.StatusOK, struct {
		WorldID string             `json:"world_id"`
		Tick    uint64             `json:"tick"`
		Config  world.WorldConfig  `json:"config"`
		Metrics world.WorldMetrics `json:"metrics"`
	}{
		WorldID: d.world.ID(),
		Tick:    d.world.CurrentTick(),
		Config:  d.world.Config(),
		Metrics: d.world.Metrics(),
	})
}

func (d httpDeps) snapshotHandler(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tick, err := d.world.RequestSnapshot(ctx)
	if err != nil {
		writeJSONResponse(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
}

func intParams(r *http.Request, names ...string) ([]int, error) {
	out := make([]int, len(names))
	for i, n := range names {
		v, err := strconv.Atoi(r.URL.Query().Get(n))
		if err != nil {
			return nil, fmt.Errorf("bad %s", n)
		}
		out[i] = v
	}
	return out, nil
}

// historyHandler lists the indexed changes of one block, oldest first.
func (d httpDeps) historyHandler(rw http.ResponseWriter, r *http.Request) {
	if d.index == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	p, err := intParams(r, "x", "y", "z")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	changes, err := d.index.ChangesAt(r.Context(), p[0], p[1], p[2], limit)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"changes": changes})
}

// chunkHandler returns the chunk as of the last indexed snapshot.
func (d httpDeps) chunkHandler(rw http.ResponseWriter, r *http.Request) {
	if d.index == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	p, err := intParams(r, "cx", "cy", "cz")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	chunk, tick, ok, err := d.index.LoadChunk(r.Context(), p[0], p[1], p[2])
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(rw, "chunk not indexed", http.StatusNotFound)
		return
	}
	writeJSONResponse(rw, http.StatusOK, map[string]any{"tick": tick, "chunk": chunk})
}
