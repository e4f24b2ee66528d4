// Package gen holds the deterministic pieces of terrain generation: hashing,
// biomes, column heights and ore clusters. Everything is a pure function of
// the seed and world coordinates.
package gen

const (
	BiomePlains = "PLAINS"
	BiomeForest = "FOREST"
	BiomeDesert = "DESERT"
)

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return BiomePlains
	case 1:
		return BiomeForest
	default:
		return BiomeDesert
	}
}

func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	return BiomeFrom(Hash2(seed, FloorDiv(x, regionSize), FloorDiv(z, regionSize)))
}

// heightGrid is the lattice spacing of the height noise.
const heightGrid = 16

func biomeAmplitude(biome string) int {
	switch biome {
	case BiomeForest:
		return 10
	case BiomeDesert:
		return 4
	default:
		return 6
	}
}

// HeightAt returns the y of the topmost solid block of column (x, z). The
// height is lattice noise interpolated bilinearly, centred just above sea
// level.
func HeightAt(seed int64, x, z, seaLevel int, biome string) int {
	amp := biomeAmplitude(biome)
	gx, gz := FloorDiv(x, heightGrid), FloorDiv(z, heightGrid)
	fx, fz := Mod(x, heightGrid), Mod(z, heightGrid)

	corner := func(dx, dz int) int {
		return int(Hash2(seed^0x5eed, gx+dx, gz+dz) % uint64(2*amp+1))
	}
	h00, h10 := corner(0, 0), corner(1, 0)
	h01, h11 := corner(0, 1), corner(1, 1)

	top := h00*(heightGrid-fx) + h10*fx
	bottom := h01*(heightGrid-fx) + h11*fx
	v := (top*(heightGrid-fz) + bottom*fz) / (heightGrid * heightGrid)
	return seaLevel + 1 + v - amp
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func ScalePermille(base uint64, scalePermille int) uint64 {
	if scalePermille <= 0 {
		scalePermille = 1000
	}
	scaled := (base*uint64(scalePermille) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// InCluster reports whether column (x, z) lies in a disc of the given radius
// around a cluster centre. Each grid cell holds at most one centre, present
// with probability probPermille.
func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := FloorDiv(x, grid)
	gz := FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx, cgz := gx+dx, gz+dz
			h := Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			cx := cgx*grid + int((h>>10)%uint64(grid))
			cz := cgz*grid + int((h>>20)%uint64(grid))
			ddx, ddz := x-cx, z-cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

// InCluster3 is InCluster over a 3D grid of spheres. It also returns a
// per-cluster richness in [1, 15] so callers can vary the block data.
func InCluster3(seed int64, x, y, z, grid, radius int, probPermille uint64) (bool, uint16) {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false, 0
	}
	gx, gy, gz := FloorDiv(x, grid), FloorDiv(y, grid), FloorDiv(z, grid)
	r2 := radius * radius

	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				cgx, cgy, cgz := gx+dx, gy+dy, gz+dz
				h := Hash3(seed, cgx, cgy, cgz)
				if h%1000 >= probPermille {
					continue
				}
				cx := cgx*grid + int((h>>10)%uint64(grid))
				cy := cgy*grid + int((h>>20)%uint64(grid))
				cz := cgz*grid + int((h>>30)%uint64(grid))
				ddx, ddy, ddz := x-cx, y-cy, z-cz
				if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
					return true, uint16(1 + (h>>40)%15)
				}
			}
		}
	}
	return false, 0
}
