package snapshot

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteReadSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "42.snap.zst")
	snap := SnapshotV1{
		Header:     Header{Version: Version, WorldID: "world_1", Tick: 42},
		Seed:       7,
		TickRate:   20,
		ChunkShift: 1,
		Encoding:   "overflow",
		BoundaryR:  64,
		MaxChunkY:  1,
		Chunks: []ChunkV1{
			{CX: -1, CY: 0, CZ: 2, Shift: 1, Blocks: []uint16{1, 1, 2, 3, 0, 0, 0, 9}, Data: []uint16{0, 0, 0, 5, 0, 0, 0, 1}},
		},
		Counters: CountersV1{BlockChanges: 3, Compressions: 1},
	}
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h != snap.Header {
		t.Fatalf("header=%+v want %+v", h, snap.Header)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Fatalf("snapshot mismatch:\n got=%+v\nwant=%+v", got, snap)
	}
}

func TestReadSnapshotRejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: Version + 1}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}
