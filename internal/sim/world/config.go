package world

import (
	"voxelstore.ai/internal/sim/catalogs"
	"voxelstore.ai/internal/sim/tuning"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

type WorldConfig struct {
	ID         string
	TickRateHz int
	Seed       int64

	// Chunk geometry and cell encoding.
	ChunkShift    int
	Encoding      string
	DirtyCapacity int
	MaxOverflow   int

	// Worldgen tuning.
	BoundaryR                   int
	MinChunkY                   int
	MaxChunkY                   int
	BiomeRegionSize             int
	SeaLevel                    int
	OreClusterProbScalePermille int

	// Block palette; ids are positions. Empty means catalogs.DefaultPalette.
	Blocks []string

	// Operational parameters. These are included in snapshots for resume.
	SnapshotEveryTicks    int
	MaintenanceEveryTicks int

	// Queue sizes.
	ChangeQueue     int
	SubscriberQueue int

	// View radius in chunks: the default when a client asks for 0, and the
	// largest accepted.
	DefaultViewRadius int
	MaxViewRadius     int
}

// ConfigFromTuning fills a config from the tuning file; id and seed come
// from the command line.
func ConfigFromTuning(id string, seed int64, t tuning.Tuning) WorldConfig {
	return WorldConfig{
		ID:                          id,
		Seed:                        seed,
		TickRateHz:                  t.TickRateHz,
		ChunkShift:                  t.Chunks.Shift,
		Encoding:                    t.Chunks.Encoding,
		DirtyCapacity:               t.Chunks.DirtyCapacity,
		MaxOverflow:                 t.Chunks.MaxOverflow,
		BoundaryR:                   t.WorldGen.BoundaryR,
		MinChunkY:                   t.WorldGen.MinChunkY,
		MaxChunkY:                   t.WorldGen.MaxChunkY,
		BiomeRegionSize:             t.WorldGen.BiomeRegionSize,
		SeaLevel:                    t.WorldGen.SeaLevel,
		OreClusterProbScalePermille: t.WorldGen.OreClusterProbScalePermille,
		SnapshotEveryTicks:          t.SnapshotEveryTicks,
		MaintenanceEveryTicks:       t.MaintenanceEveryTicks,
		SubscriberQueue:             t.Clients.OutboundQueue,
		DefaultViewRadius:           t.Clients.ViewRadius,
	}
}

func (c *WorldConfig) applyDefaults() {
	if len(c.Blocks) == 0 {
		c.Blocks = catalogs.DefaultPalette()
	}
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.ChunkShift <= 0 {
		c.ChunkShift = 4
	}
	if c.Encoding == "" {
		c.Encoding = store.EncodingOverflow
	}
	if c.BoundaryR <= 0 {
		c.BoundaryR = 512
	}
	if c.MaxChunkY < c.MinChunkY {
		c.MaxChunkY = c.MinChunkY
	}
	if c.BiomeRegionSize <= 0 {
		c.BiomeRegionSize = 128
	}
	if c.SeaLevel <= 0 {
		c.SeaLevel = 48
	}
	if c.OreClusterProbScalePermille <= 0 {
		c.OreClusterProbScalePermille = 1000
	}
	if c.SnapshotEveryTicks <= 0 {
		c.SnapshotEveryTicks = 6000
	}
	if c.MaintenanceEveryTicks <= 0 {
		c.MaintenanceEveryTicks = 200
	}
	if c.ChangeQueue <= 0 {
		c.ChangeQueue = 1 << 16
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 256
	}
	if c.MaxViewRadius <= 0 {
		c.MaxViewRadius = 8
	}
	if c.DefaultViewRadius <= 0 || c.DefaultViewRadius > c.MaxViewRadius {
		c.DefaultViewRadius = min(2, c.MaxViewRadius)
	}
}

func (c WorldConfig) worldGen() (store.WorldGen, error) {
	cat, err := catalogs.FromPalette(c.Blocks)
	if err != nil {
		return store.WorldGen{}, err
	}
	ids, err := cat.TerrainIDs()
	if err != nil {
		return store.WorldGen{}, err
	}
	return store.WorldGen{
		Seed:                        c.Seed,
		BoundaryR:                   c.BoundaryR,
		Shift:                       c.ChunkShift,
		Encoding:                    c.Encoding,
		DirtyCapacity:               c.DirtyCapacity,
		MaxOverflow:                 c.MaxOverflow,
		MinChunkY:                   c.MinChunkY,
		MaxChunkY:                   c.MaxChunkY,
		BiomeRegionSize:             c.BiomeRegionSize,
		SeaLevel:                    c.SeaLevel,
		OreClusterProbScalePermille: c.OreClusterProbScalePermille,
		Blocks:                      ids,
	}, nil
}
