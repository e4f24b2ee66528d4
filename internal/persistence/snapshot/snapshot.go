package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed     int64 `json:"seed"`
	TickRate int   `json:"tick_rate_hz"`

	// Chunk geometry and encoding.
	ChunkShift    int    `json:"chunk_shift"`
	Encoding      string `json:"encoding"`
	DirtyCapacity int    `json:"dirty_capacity,omitempty"`
	MaxOverflow   int    `json:"max_overflow,omitempty"`

	// Worldgen tuning.
	BoundaryR                   int `json:"boundary_r"`
	MinChunkY                   int `json:"min_chunk_y"`
	MaxChunkY                   int `json:"max_chunk_y"`
	BiomeRegionSize             int `json:"biome_region_size,omitempty"`
	SeaLevel                    int `json:"sea_level,omitempty"`
	OreClusterProbScalePermille int `json:"ore_cluster_prob_scale_permille,omitempty"`

	// Block names by id. Empty means the default palette.
	BlockPalette []string `json:"block_palette,omitempty"`

	SnapshotEveryTicks    int `json:"snapshot_every_ticks,omitempty"`
	MaintenanceEveryTicks int `json:"maintenance_every_ticks,omitempty"`

	Chunks []ChunkV1 `json:"chunks"`

	Counters CountersV1 `json:"counters"`
}

type CountersV1 struct {
	BlockChanges uint64 `json:"block_changes"`
	Compressions uint64 `json:"compressions"`
}

// ChunkV1 holds one chunk's cells in store index order (x fastest, then z,
// then y).
type ChunkV1 struct {
	CX     int      `json:"cx"`
	CY     int      `json:"cy"`
	CZ     int      `json:"cz"`
	Shift  int      `json:"shift"`
	Blocks []uint16 `json:"blocks"`
	Data   []uint16 `json:"data,omitempty"`
}

type ChunkKeyV1 struct {
	CX int `json:"cx"`
	CY int `json:"cy"`
	CZ int `json:"cz"`
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded
// snapshot, all inside one zstd stream.
func WriteSnapshot(path string, snap SnapshotV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadHeader reads only the header line of a snapshot file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}
