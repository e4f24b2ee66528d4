package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"voxelstore.ai/internal/persistence/indexdb"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/sim/world"
)

type runtimeIndex interface {
	world.TickLogger
	world.ChangeLogger
	Close() error
	Stats() indexdb.Stats
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
	LoadChunk(ctx context.Context, cx, cy, cz int) (snapshot.ChunkV1, uint64, bool, error)
	ChangesAt(ctx context.Context, x, y, z int, limit int) ([]world.ChangeEntry, error)
	Flush(ctx context.Context) error
}

func openRuntimeIndex(worldDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("VS_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(worldDir, "index", "world.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported VS_INDEX_BACKEND: %s", backend)
	}
}

type multiTickLogger []world.TickLogger

func (m multiTickLogger) WriteTick(entry world.TickLogEntry) error {
	for _, l := range m {
		if l != nil {
			_ = l.WriteTick(entry)
		}
	}
	return nil
}

type multiChangeLogger []world.ChangeLogger

func (m multiChangeLogger) WriteChange(entry world.ChangeEntry) error {
	for _, l := range m {
		if l != nil {
			_ = l.WriteChange(entry)
		}
	}
	return nil
}
