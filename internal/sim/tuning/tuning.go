package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz            int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks    int `yaml:"snapshot_every_ticks"`
	MaintenanceEveryTicks int `yaml:"maintenance_every_ticks"`

	Chunks   Chunks   `yaml:"chunks"`
	WorldGen WorldGen `yaml:"worldgen"`
	Clients  Clients  `yaml:"clients"`
}

type Chunks struct {
	// Shift is log2 of the chunk side.
	Shift         int    `yaml:"shift"`
	Encoding      string `yaml:"encoding"`
	DirtyCapacity int    `yaml:"dirty_capacity"`
	MaxOverflow   int    `yaml:"max_overflow"`
}

type WorldGen struct {
	BoundaryR                   int `yaml:"boundary_r"`
	MinChunkY                   int `yaml:"min_chunk_y"`
	MaxChunkY                   int `yaml:"max_chunk_y"`
	BiomeRegionSize             int `yaml:"biome_region_size"`
	SeaLevel                    int `yaml:"sea_level"`
	OreClusterProbScalePermille int `yaml:"ore_cluster_prob_scale_permille"`
}

type Clients struct {
	ViewRadius      int     `yaml:"view_radius"`
	SetsPerSecond   float64 `yaml:"sets_per_second"`
	SetBurst        int     `yaml:"set_burst"`
	OutboundQueue   int     `yaml:"outbound_queue"`
	MaxMessageBytes int64   `yaml:"max_message_bytes"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:       "1.0",
		TickRateHz:            20,
		SnapshotEveryTicks:    6000,
		MaintenanceEveryTicks: 200,
		Chunks: Chunks{
			Shift:         4,
			Encoding:      "overflow",
			DirtyCapacity: 10,
		},
		WorldGen: WorldGen{
			BoundaryR:                   512,
			MinChunkY:                   0,
			MaxChunkY:                   7,
			BiomeRegionSize:             128,
			SeaLevel:                    48,
			OreClusterProbScalePermille: 1000,
		},
		Clients: Clients{
			ViewRadius:      2,
			SetsPerSecond:   40,
			SetBurst:        80,
			OutboundQueue:   256,
			MaxMessageBytes: 1 << 20,
		},
	}
}

// Load reads a tuning file over the defaults, so a file only needs the keys
// it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize replaces non-positive values with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.SnapshotEveryTicks <= 0 {
		t.SnapshotEveryTicks = d.SnapshotEveryTicks
	}
	if t.MaintenanceEveryTicks <= 0 {
		t.MaintenanceEveryTicks = d.MaintenanceEveryTicks
	}
	if t.Chunks.Shift <= 0 {
		t.Chunks.Shift = d.Chunks.Shift
	}
	if t.Chunks.Encoding == "" {
		t.Chunks.Encoding = d.Chunks.Encoding
	}
	if t.Chunks.DirtyCapacity < 0 {
		t.Chunks.DirtyCapacity = d.Chunks.DirtyCapacity
	}
	if t.WorldGen.BiomeRegionSize <= 0 {
		t.WorldGen.BiomeRegionSize = d.WorldGen.BiomeRegionSize
	}
	if t.Clients.ViewRadius < 0 {
		t.Clients.ViewRadius = d.Clients.ViewRadius
	}
	if t.Clients.SetsPerSecond <= 0 {
		t.Clients.SetsPerSecond = d.Clients.SetsPerSecond
	}
	if t.Clients.SetBurst <= 0 {
		t.Clients.SetBurst = d.Clients.SetBurst
	}
	if t.Clients.OutboundQueue <= 0 {
		t.Clients.OutboundQueue = d.Clients.OutboundQueue
	}
	if t.Clients.MaxMessageBytes <= 0 {
		t.Clients.MaxMessageBytes = d.Clients.MaxMessageBytes
	}
}

func (t Tuning) Validate() error {
	if t.Chunks.Shift < 1 || t.Chunks.Shift > 8 {
		return fmt.Errorf("chunks.shift %d outside [1,8]", t.Chunks.Shift)
	}
	switch t.Chunks.Encoding {
	case "overflow", "palette":
	default:
		return fmt.Errorf("chunks.encoding %q: want overflow or palette", t.Chunks.Encoding)
	}
	if t.Chunks.MaxOverflow < 0 || t.Chunks.MaxOverflow >= 1<<15 {
		return fmt.Errorf("chunks.max_overflow %d outside [0,32767]", t.Chunks.MaxOverflow)
	}
	if t.WorldGen.MaxChunkY < t.WorldGen.MinChunkY {
		return fmt.Errorf("worldgen.max_chunk_y %d below min_chunk_y %d", t.WorldGen.MaxChunkY, t.WorldGen.MinChunkY)
	}
	if t.WorldGen.BoundaryR < 0 {
		return fmt.Errorf("worldgen.boundary_r %d negative", t.WorldGen.BoundaryR)
	}
	return nil
}
