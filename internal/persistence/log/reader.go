package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"voxelstore.ai/internal/sim/world"
)

// Files lists the rotated files of a writer in chronological order.
func Files(dir, prefix string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	// The hour layout sorts lexically.
	sort.Strings(paths)
	return paths, nil
}

// ReadJSONL decodes every line of one compressed file, calling fn in order.
// A stream truncated by a crash ends the read without error after the last
// complete line.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadChanges returns every change recorded under worldDir at or after
// fromTick, oldest first.
func ReadChanges(worldDir string, fromTick uint64) ([]world.ChangeEntry, error) {
	paths, err := Files(ChangeDir(worldDir), "changes")
	if err != nil {
		return nil, err
	}
	var out []world.ChangeEntry
	for _, p := range paths {
		err := ReadJSONL(p, func(line []byte) error {
			var e world.ChangeEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			if e.Tick >= fromTick {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
