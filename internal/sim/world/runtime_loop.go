package world

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"voxelstore.ai/internal/blockstore"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world/io/chunkcodec"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer w.closeSubscriptions()
	defer w.flushChanges()
	defer w.Stop()

	var pendingAdmin []adminSnapshotReq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleSubscribe(req)
		case req := <-w.viewReq:
			w.handleView(req)
		case sub := <-w.leave:
			w.handleLeave(sub)
		case req := <-w.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			w.step()
			w.handleAdminSnapshotRequests(pendingAdmin)
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (w *World) Stop() { w.stopOnce.Do(func() { close(w.stop) }) }

// StepOnce advances one tick on the caller's goroutine. It must not run
// alongside Run.
func (w *World) StepOnce() TickLogEntry { return w.step() }

type tickDelta struct {
	slots  *roaring.Bitmap
	deltas map[uint32]protocol.ChunkDelta
}

func (w *World) step() TickLogEntry {
	start := time.Now()
	tick := w.tick.Load()
	entry := TickLogEntry{Tick: tick, Subscribers: len(w.subs)}

	entry.Changes = w.flushChanges()

	td := w.collectDirty()
	entry.DirtyChunks = int(td.slots.GetCardinality())
	for _, d := range td.deltas {
		if d.Resend {
			entry.Resends++
		}
	}
	w.fanout(tick, td)

	var stats chunkStats
	if every(tick, w.cfg.MaintenanceEveryTicks) {
		entry.Compressions, stats = w.maintain()
	}
	if tick > 0 && every(tick, w.cfg.SnapshotEveryTicks) && w.snapshotSink != nil {
		w.offerSnapshot(w.ExportSnapshot(tick))
	}

	entry.StepMS = float64(time.Since(start).Microseconds()) / 1000
	if w.tickLogger != nil {
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.logger.Printf("tick log: %v", err)
		}
	}
	w.updateMetrics(entry, stats)
	w.tick.Add(1)
	return entry
}

func every(tick uint64, n int) bool { return n > 0 && tick%uint64(n) == 0 }

// flushChanges hands queued change entries to the change logger.
func (w *World) flushChanges() int {
	n := 0
	for {
		select {
		case e := <-w.changes:
			n++
			if w.changeLogger != nil {
				if err := w.changeLogger.WriteChange(e); err != nil {
					w.logger.Printf("change log: %v", err)
				}
			}
		default:
			return n
		}
	}
}

// collectDirty drains every dirty chunk into a delta keyed by slot.
func (w *World) collectDirty() tickDelta {
	td := tickDelta{slots: roaring.New(), deltas: map[uint32]protocol.ChunkDelta{}}
	var buf []blockstore.Pos
	for _, ch := range w.chunks.Slots() {
		if !ch.IsDirty() {
			continue
		}
		var overflow bool
		buf, overflow = ch.DrainDirty(buf[:0])
		if len(buf) == 0 && !overflow {
			continue
		}
		td.slots.Add(ch.Slot)
		td.deltas[ch.Slot] = chunkcodec.BuildDelta(ch, buf, overflow)
	}
	return td
}

// fanout sends each subscriber the deltas inside its view. A frame that does
// not fit is dropped and its chunks are resent whole on a later tick.
func (w *World) fanout(tick uint64, td tickDelta) {
	for _, sub := range w.subs {
		targets := roaring.And(td.slots, sub.slots)
		targets.Or(sub.pending)
		if targets.IsEmpty() {
			continue
		}
		msg := protocol.DeltaMsg{
			Type:            protocol.TypeDelta,
			ProtocolVersion: protocol.Version,
			Tick:            tick,
			Chunks:          make([]protocol.ChunkDelta, 0, targets.GetCardinality()),
		}
		it := targets.Iterator()
		for it.HasNext() {
			slot := it.Next()
			if sub.pending.Contains(slot) {
				msg.Chunks = append(msg.Chunks, chunkcodec.Resend(w.chunks.BySlot(slot)))
				continue
			}
			msg.Chunks = append(msg.Chunks, td.deltas[slot])
		}
		b, err := json.Marshal(msg)
		if err != nil {
			w.logger.Printf("encode delta: %v", err)
			continue
		}
		if trySend(sub.out, b) {
			sub.pending.Clear()
			continue
		}
		sub.dropped.Add(1)
		sub.pending.Or(targets)
	}
}

type chunkStats struct {
	promoted int
	slots    int
}

// maintain compresses chunks with slack in parallel. Each chunk's gate holds
// off its writers while it compresses.
func (w *World) maintain() (int, chunkStats) {
	chunks := w.chunks.Slots()
	done := make([]bool, len(chunks))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ch := range chunks {
		i, ch := i, ch
		if !ch.NeedsCompression() {
			continue
		}
		g.Go(func() error {
			done[i] = ch.Compress()
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range done {
		if ok {
			n++
		}
	}
	w.compressions.Add(uint64(n))

	var st chunkStats
	for _, ch := range chunks {
		p, s := ch.Stats()
		st.promoted += p
		st.slots += s
	}
	return n, st
}

func (w *World) exportChunks() []snapshot.ChunkV1 {
	chunks := w.chunks.Loaded()
	out := make([]snapshot.ChunkV1, len(chunks))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ch := range chunks {
		i, ch := i, ch
		g.Go(func() error {
			out[i] = store.ExportChunk(ch)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (w *World) offerSnapshot(snap snapshot.SnapshotV1) bool {
	select {
	case w.snapshotSink <- snap:
		w.lastSnapshotTick.Store(snap.Header.Tick)
		return true
	default:
		w.logger.Printf("snapshot sink full, skipped tick %d", snap.Header.Tick)
		return false
	}
}
