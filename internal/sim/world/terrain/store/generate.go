package store

import genpkg "voxelstore.ai/internal/sim/world/terrain/gen"

type oreLayer struct {
	salt     int64
	grid     int
	radius   int
	permille uint64
	maxDepth int // ore only spawns at least this far below sea level
	id       func(BlockIDs) uint16
}

var oreLayers = []oreLayer{
	{salt: 101, grid: 24, radius: 2, permille: 200, maxDepth: 16, id: func(b BlockIDs) uint16 { return b.CrystalOre }},
	{salt: 102, grid: 16, radius: 2, permille: 450, maxDepth: 8, id: func(b BlockIDs) uint16 { return b.IronOre }},
	{salt: 103, grid: 16, radius: 2, permille: 450, maxDepth: 4, id: func(b BlockIDs) uint16 { return b.CopperOre }},
	{salt: 104, grid: 12, radius: 3, permille: 650, maxDepth: 0, id: func(b BlockIDs) uint16 { return b.CoalOre }},
}

// GenerateChunk computes the initial cells of a chunk in store index order.
// Ore blocks carry the cluster richness as data.
func (s *ChunkStore) GenerateChunk(k ChunkKey) (ids, data []uint16) {
	g := s.Gen
	shift := g.Shift
	side := 1 << shift
	ids = make([]uint16, side*side*side)
	data = make([]uint16, len(ids))
	floor := g.MinChunkY * side

	for z := 0; z < side; z++ {
		for x := 0; x < side; x++ {
			wx, wz := k.CX*side+x, k.CZ*side+z
			if !s.InBounds(wx, floor, wz) {
				for y := 0; y < side; y++ {
					ids[y<<(2*shift)|z<<shift|x] = g.Blocks.Air
				}
				continue
			}
			biome := genpkg.BiomeAt(g.Seed, wx, wz, g.BiomeRegionSize)
			h := genpkg.HeightAt(g.Seed, wx, wz, g.SeaLevel, biome)

			for y := 0; y < side; y++ {
				wy := k.CY*side + y
				i := y<<(2*shift) | z<<shift | x
				b, d := s.blockAt(wx, wy, wz, h, biome)
				ids[i], data[i] = b, d
			}
		}
	}
	return ids, data
}

func (s *ChunkStore) blockAt(wx, wy, wz, h int, biome string) (uint16, uint16) {
	g := s.Gen
	switch {
	case wy == g.MinChunkY*g.Side():
		return g.Blocks.Bedrock, 0
	case wy > h:
		if wy <= g.SeaLevel {
			return g.Blocks.Water, 0
		}
		return g.Blocks.Air, 0
	case wy == h:
		if biome == genpkg.BiomeDesert || h < g.SeaLevel {
			return g.Blocks.Sand, 0
		}
		return g.Blocks.Grass, 0
	case wy > h-3:
		if biome == genpkg.BiomeDesert {
			return g.Blocks.Sand, 0
		}
		return g.Blocks.Dirt, 0
	}

	for _, ore := range oreLayers {
		if wy > g.SeaLevel-ore.maxDepth {
			continue
		}
		p := genpkg.ScalePermille(ore.permille, g.OreClusterProbScalePermille)
		if ok, rich := genpkg.InCluster3(g.Seed+ore.salt, wx, wy, wz, ore.grid, ore.radius, p); ok {
			return ore.id(g.Blocks), rich
		}
	}
	if genpkg.Hash3(g.Seed+7, wx, wy, wz)%1000 < 15 {
		return g.Blocks.Gravel, 0
	}
	return g.Blocks.Stone, 0
}
