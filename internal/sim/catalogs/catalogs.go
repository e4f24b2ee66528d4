package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"voxelstore.ai/internal/sim/world/terrain/store"
)

// Block names the terrain generator places.
const (
	Air        = "AIR"
	Stone      = "STONE"
	Dirt       = "DIRT"
	Grass      = "GRASS"
	Sand       = "SAND"
	Water      = "WATER"
	Gravel     = "GRAVEL"
	Bedrock    = "BEDROCK"
	CoalOre    = "COAL_ORE"
	IronOre    = "IRON_ORE"
	CopperOre  = "COPPER_ORE"
	CrystalOre = "CRYSTAL_ORE"
)

// BlockCatalog maps block names to the ids stored in chunks. An id is the
// name's position in Palette; AIR is always 0.
type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string
}

type BlockDef struct {
	ID    string `json:"id"`
	Solid bool   `json:"solid"`
}

// DefaultPalette lists the terrain blocks in the order of
// store.DefaultBlockIDs.
func DefaultPalette() []string {
	return []string{Air, Stone, Dirt, Grass, Sand, Water, Gravel, Bedrock, CoalOre, IronOre, CopperOre, CrystalOre}
}

// Default is the catalog used when no blocks.json is configured.
func Default() *BlockCatalog {
	c, _ := FromPalette(DefaultPalette())
	return c
}

// Load reads <configDir>/blocks.json, a JSON array of block definitions in
// id order.
func Load(configDir string) (*BlockCatalog, error) {
	return LoadBlocks(filepath.Join(configDir, "blocks.json"))
}

func LoadBlocks(path string) (*BlockCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.ID
	}
	c, err := FromPalette(names)
	if err != nil {
		return nil, fmt.Errorf("blocks.json: %w", err)
	}
	for _, d := range defs {
		c.Defs[d.ID] = d
	}
	c.DefsDigest = sha256Hex(raw)
	return c, nil
}

// FromPalette rebuilds a catalog from a palette, e.g. one stored in a
// snapshot. Definitions default to solid for everything except AIR and WATER.
func FromPalette(names []string) (*BlockCatalog, error) {
	if len(names) == 0 || names[0] != Air {
		return nil, fmt.Errorf("palette must start with %s", Air)
	}
	if len(names) > 1<<16 {
		return nil, fmt.Errorf("palette has %d blocks, max %d", len(names), 1<<16)
	}
	c := &BlockCatalog{
		Palette: append([]string(nil), names...),
		Index:   make(map[string]uint16, len(names)),
		Defs:    make(map[string]BlockDef, len(names)),
	}
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("palette entry %d: empty id", i)
		}
		if _, dup := c.Index[n]; dup {
			return nil, fmt.Errorf("palette entry %d: duplicate id %s", i, n)
		}
		c.Index[n] = uint16(i)
		c.Defs[n] = BlockDef{ID: n, Solid: n != Air && n != Water}
	}
	palJSON, _ := json.Marshal(c.Palette)
	c.PaletteDigest = sha256Hex(palJSON)
	return c, nil
}

func (c *BlockCatalog) Name(id uint16) (string, bool) {
	if int(id) >= len(c.Palette) {
		return "", false
	}
	return c.Palette[id], true
}

// TerrainIDs resolves the ids the generator needs. Every terrain block must
// be in the palette.
func (c *BlockCatalog) TerrainIDs() (store.BlockIDs, error) {
	var ids store.BlockIDs
	fields := []struct {
		name string
		dst  *uint16
	}{
		{Air, &ids.Air}, {Stone, &ids.Stone}, {Dirt, &ids.Dirt}, {Grass, &ids.Grass},
		{Sand, &ids.Sand}, {Water, &ids.Water}, {Gravel, &ids.Gravel}, {Bedrock, &ids.Bedrock},
		{CoalOre, &ids.CoalOre}, {IronOre, &ids.IronOre}, {CopperOre, &ids.CopperOre}, {CrystalOre, &ids.CrystalOre},
	}
	for _, f := range fields {
		id, ok := c.Index[f.name]
		if !ok {
			return ids, fmt.Errorf("palette is missing %s", f.name)
		}
		*f.dst = id
	}
	return ids, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
