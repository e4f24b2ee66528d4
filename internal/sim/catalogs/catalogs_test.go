package catalogs

import (
	"os"
	"path/filepath"
	"testing"

	"voxelstore.ai/internal/sim/world/terrain/store"
)

func TestDefaultMatchesGeneratorIDs(t *testing.T) {
	ids, err := Default().TerrainIDs()
	if err != nil {
		t.Fatalf("terrain ids: %v", err)
	}
	if ids != store.DefaultBlockIDs() {
		t.Fatalf("default palette ids = %+v", ids)
	}
}

func TestLoadBlocks(t *testing.T) {
	dir := t.TempDir()
	raw := `[{"id":"AIR"},{"id":"WATER"},{"id":"STONE","solid":true},{"id":"DIRT","solid":true},{"id":"GRASS","solid":true},
{"id":"SAND","solid":true},{"id":"GRAVEL","solid":true},{"id":"BEDROCK","solid":true},{"id":"COAL_ORE","solid":true},
{"id":"IRON_ORE","solid":true},{"id":"COPPER_ORE","solid":true},{"id":"CRYSTAL_ORE","solid":true},{"id":"GLASS","solid":true}]`
	if err := os.WriteFile(filepath.Join(dir, "blocks.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Index["WATER"] != 1 || c.Index["GLASS"] != 12 {
		t.Fatalf("index %v", c.Index)
	}
	if n, ok := c.Name(12); !ok || n != "GLASS" {
		t.Fatalf("name(12) = %q %v", n, ok)
	}
	if _, ok := c.Name(13); ok {
		t.Fatalf("name past palette resolved")
	}
	ids, err := c.TerrainIDs()
	if err != nil {
		t.Fatalf("terrain ids: %v", err)
	}
	if ids.Water != 1 || ids.Stone != 2 {
		t.Fatalf("ids %+v", ids)
	}
	if c.DefsDigest == "" || c.PaletteDigest == Default().PaletteDigest {
		t.Fatalf("digests %q %q", c.DefsDigest, c.PaletteDigest)
	}

	same, err := FromPalette(c.Palette)
	if err != nil {
		t.Fatalf("from palette: %v", err)
	}
	if same.PaletteDigest != c.PaletteDigest {
		t.Fatalf("palette digest differs after rebuild")
	}
}

func TestFromPaletteRejects(t *testing.T) {
	for _, names := range [][]string{
		nil,
		{"STONE", "AIR"},
		{"AIR", "STONE", "STONE"},
		{"AIR", ""},
	} {
		if _, err := FromPalette(names); err == nil {
			t.Fatalf("palette %v accepted", names)
		}
	}
	c, _ := FromPalette([]string{"AIR", "STONE"})
	if _, err := c.TerrainIDs(); err == nil {
		t.Fatalf("partial palette resolved terrain ids")
	}
}
