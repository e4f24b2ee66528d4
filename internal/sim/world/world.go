package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"voxelstore.ai/internal/blockstore"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

var (
	ErrOutOfBounds = store.ErrOutOfBounds
	ErrStopped     = errors.New("world stopped")
)

// World serves block reads and writes from any goroutine. Writes go straight
// to the lock-free chunk stores; the loop goroutine only drains what changed,
// fans it out to subscribers, and runs maintenance and snapshots.
type World struct {
	cfg    WorldConfig
	logger *log.Logger

	tick   atomic.Uint64
	chunks *store.ChunkStore

	changes        chan ChangeEntry
	changesTotal   atomic.Uint64
	changesDropped atomic.Uint64
	compressions   atomic.Uint64

	// Subscribers are owned by the loop goroutine.
	subs       map[string]*Subscription
	nextSubNum atomic.Uint64

	join     chan subscribeReq
	viewReq  chan viewReq
	leave    chan *Subscription
	admin    chan adminSnapshotReq
	stop     chan struct{}
	stopOnce sync.Once

	// Optional sinks (may be nil). Implemented in internal/persistence/*.
	tickLogger   TickLogger
	changeLogger ChangeLogger

	// Snapshot writing happens off the loop goroutine.
	snapshotSink chan<- snapshot.SnapshotV1

	lastSnapshotTick atomic.Uint64
	metrics          atomic.Value
}

func New(cfg WorldConfig, logger *log.Logger) (*World, error) {
	cfg.applyDefaults()
	if cfg.ChunkShift < 1 || cfg.ChunkShift > 8 {
		return nil, fmt.Errorf("world: chunk shift %d out of range", cfg.ChunkShift)
	}
	if cfg.Encoding != store.EncodingOverflow && cfg.Encoding != store.EncodingPalette {
		return nil, fmt.Errorf("world: unknown chunk encoding %q", cfg.Encoding)
	}
	gen, err := cfg.worldGen()
	if err != nil {
		return nil, fmt.Errorf("world: block palette: %w", err)
	}
	return newWorld(cfg, store.NewChunkStore(gen), logger), nil
}

func newWorld(cfg WorldConfig, chunks *store.ChunkStore, logger *log.Logger) *World {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w := &World{
		cfg:     cfg,
		logger:  logger,
		chunks:  chunks,
		changes: make(chan ChangeEntry, cfg.ChangeQueue),
		subs:    map[string]*Subscription{},
		join:    make(chan subscribeReq, 64),
		viewReq: make(chan viewReq, 64),
		leave:   make(chan *Subscription, 64),
		admin:   make(chan adminSnapshotReq, 8),
		stop:    make(chan struct{}),
	}
	w.metrics.Store(WorldMetrics{})
	return w
}

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) Config() WorldConfig { return w.cfg }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// Chunks exposes the chunk store for tools and tests.
func (w *World) Chunks() *store.ChunkStore { return w.chunks }

func (w *World) SetTickLogger(l TickLogger)     { w.tickLogger = l }
func (w *World) SetChangeLogger(l ChangeLogger) { w.changeLogger = l }

func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) GetBlock(x, y, z int) blockstore.State {
	return w.chunks.GetBlock(x, y, z)
}

// SetBlock writes st and returns what was there before. Out-of-bounds writes
// fail with ErrOutOfBounds.
func (w *World) SetBlock(source string, x, y, z int, st blockstore.State) (blockstore.State, error) {
	prev, _, err := w.chunks.SetBlock(x, y, z, st)
	if err != nil {
		return blockstore.State{}, err
	}
	w.record(source, x, y, z, prev, st)
	return prev, nil
}

// CompareAndSetBlock writes update only while the block holds expect. On a
// mismatch it returns false and the state it saw.
func (w *World) CompareAndSetBlock(source string, x, y, z int, expect, update blockstore.State) (bool, blockstore.State, error) {
	ok, ch, err := w.chunks.CompareAndSetBlock(x, y, z, expect, update)
	if err != nil {
		return false, blockstore.State{}, err
	}
	if !ok {
		_, local := w.chunks.Locate(x, y, z)
		return false, ch.Get(local.X, local.Y, local.Z), nil
	}
	w.record(source, x, y, z, expect, update)
	return true, expect, nil
}

func (w *World) record(source string, x, y, z int, from, to blockstore.State) {
	w.changesTotal.Add(1)
	e := ChangeEntry{
		Tick:     w.tick.Load(),
		Source:   source,
		Pos:      [3]int{x, y, z},
		FromID:   from.ID,
		FromData: from.Data,
		ToID:     to.ID,
		ToData:   to.Data,
	}
	select {
	case w.changes <- e:
	default:
		w.changesDropped.Add(1)
	}
}

// ExportSnapshot captures every loaded chunk. Writers keep running, so
// chunks are consistent individually but not with each other; replaying the
// change log from the snapshot tick converges.
func (w *World) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	c := w.cfg
	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: c.ID,
			Tick:    tick,
		},
		Seed:                        c.Seed,
		TickRate:                    c.TickRateHz,
		ChunkShift:                  c.ChunkShift,
		Encoding:                    c.Encoding,
		DirtyCapacity:               c.DirtyCapacity,
		MaxOverflow:                 c.MaxOverflow,
		BoundaryR:                   c.BoundaryR,
		MinChunkY:                   c.MinChunkY,
		MaxChunkY:                   c.MaxChunkY,
		BiomeRegionSize:             c.BiomeRegionSize,
		SeaLevel:                    c.SeaLevel,
		OreClusterProbScalePermille: c.OreClusterProbScalePermille,
		BlockPalette:                c.Blocks,
		SnapshotEveryTicks:          c.SnapshotEveryTicks,
		MaintenanceEveryTicks:       c.MaintenanceEveryTicks,
		Chunks:                      w.exportChunks(),
		Counters: snapshot.CountersV1{
			BlockChanges: w.changesTotal.Load(),
			Compressions: w.compressions.Load(),
		},
	}
}

// FromSnapshot rebuilds a world from a snapshot. Operational fields of cfg
// (id, queues, view radius) are kept; everything that shapes the terrain
// comes from the snapshot.
func FromSnapshot(cfg WorldConfig, snap snapshot.SnapshotV1, logger *log.Logger) (*World, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("world: unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Header.WorldID != "" {
		cfg.ID = snap.Header.WorldID
	}
	cfg.Seed = snap.Seed
	cfg.TickRateHz = snap.TickRate
	cfg.ChunkShift = snap.ChunkShift
	cfg.Encoding = snap.Encoding
	cfg.DirtyCapacity = snap.DirtyCapacity
	cfg.MaxOverflow = snap.MaxOverflow
	cfg.BoundaryR = snap.BoundaryR
	cfg.MinChunkY = snap.MinChunkY
	cfg.MaxChunkY = snap.MaxChunkY
	cfg.BiomeRegionSize = snap.BiomeRegionSize
	cfg.SeaLevel = snap.SeaLevel
	cfg.OreClusterProbScalePermille = snap.OreClusterProbScalePermille
	cfg.Blocks = snap.BlockPalette
	if snap.SnapshotEveryTicks > 0 {
		cfg.SnapshotEveryTicks = snap.SnapshotEveryTicks
	}
	if snap.MaintenanceEveryTicks > 0 {
		cfg.MaintenanceEveryTicks = snap.MaintenanceEveryTicks
	}
	cfg.applyDefaults()

	gen, err := cfg.worldGen()
	if err != nil {
		return nil, fmt.Errorf("world: block palette: %w", err)
	}
	chunks, err := store.ImportChunks(gen, snap.Chunks)
	if err != nil {
		return nil, fmt.Errorf("world: import chunks: %w", err)
	}
	w := newWorld(cfg, chunks, logger)
	w.tick.Store(snap.Header.Tick + 1)
	w.lastSnapshotTick.Store(snap.Header.Tick)
	w.changesTotal.Store(snap.Counters.BlockChanges)
	w.compressions.Store(snap.Counters.Compressions)
	return w, nil
}
