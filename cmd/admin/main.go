package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	persistlog "voxelstore.ai/internal/persistence/log"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// rollbackCmd writes a new snapshot in which every logged change inside an
// AABB between since_tick and to_tick is undone. The server is not touched;
// restart it with -snapshot pointing at the output to adopt the result.
func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	snapPath := fs.String("snapshot", "", "snapshot path to rollback from (optional; defaults to latest)")
	aabb := fs.String("aabb", "", "AABB filter: x1,y1,z1:x2,y2,z2 (required)")
	sinceTick := fs.Uint64("since_tick", 0, "rollback changes since tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "rollback changes up to tick (inclusive, optional; defaults to the last logged change)")
	source := fs.String("source", "", "only rollback changes from this source (optional)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	if strings.TrimSpace(*aabb) == "" {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}
	box, err := parseAABB(*aabb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -aabb:", err)
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	if snapshotToLoad == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	w, err := world.FromSnapshot(world.WorldConfig{}, snap, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "import snapshot:", err)
		os.Exit(1)
	}

	// Bring the snapshot up to date first so the undo starts from the
	// latest logged state.
	all, err := persistlog.ReadChanges(worldDir, snap.Header.Tick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read changes:", err)
		os.Exit(1)
	}
	if _, err := w.ReplayChanges(all); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}

	window, err := persistlog.ReadChanges(worldDir, *sinceTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read changes:", err)
		os.Exit(1)
	}
	recs := window[:0]
	for _, e := range window {
		if *toTick > 0 && e.Tick > *toTick {
			break
		}
		if *source != "" && e.Source != *source {
			continue
		}
		recs = append(recs, e)
	}
	if len(recs) == 0 {
		fmt.Println("no matching changes; nothing to rollback")
		return
	}

	applied, skipped := world.Rollback(w.Chunks(), recs, box)
	endTick := w.CurrentTick() - 1
	out := w.ExportSnapshot(endTick)

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.rollback.snap.zst", endTick))
	}
	if err := snapshot.WriteSnapshot(*outPath, out); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("rollback ok: snapshot=%s tick=%d aabb=%s since=%d entries=%d applied=%d skipped=%d out=%s\n",
		filepath.Base(snapshotToLoad), endTick, *aabb, *sinceTick, len(recs), applied, skipped, *outPath)
}

func parseAABB(s string) (world.AABB, error) {
	var box world.AABB
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return box, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseVec3(parts[0])
	if err != nil {
		return box, err
	}
	b, err := parseVec3(parts[1])
	if err != nil {
		return box, err
	}
	for i := 0; i < 3; i++ {
		box.Min[i], box.Max[i] = min(a[i], b[i]), max(a[i], b[i])
	}
	return box, nil
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

// latestSnapshot ignores rollback outputs; those are adopted explicitly.
func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
