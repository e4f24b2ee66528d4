package indexdb

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/sim/world"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

// ErrClosed is returned by blocking calls after Close.
var ErrClosed = errors.New("indexdb: closed")

// SQLiteIndex is a secondary read model of the world: per-tick summaries,
// block change history, snapshot metadata and the latest contents of every
// chunk. All statements run on one writer goroutine; the JSONL logs and
// snapshot files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropChange   atomic.Uint64
	dropSnapshot atomic.Uint64
	dropChunk    atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqChange
	reqSnapshot
	reqChunk
	reqQuery
)

type req struct {
	kind reqKind

	tick     world.TickLogEntry
	change   world.ChangeEntry
	snapshot snapshotRow
	chunk    chunkRow

	query func(q queryer) error
	done  chan error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type snapshotRow struct {
	Tick         uint64
	Path         string
	Seed         int64
	Shift        int
	Encoding     string
	Chunks       int
	BlockChanges uint64
}

type chunkRow struct {
	CX, CY, CZ int
	Tick       uint64
	Shift      int
	Digest     string
	Codec      string
	RawLen     int
	Blob       []byte
}

// SnapshotInfo describes one recorded snapshot.
type SnapshotInfo struct {
	Tick         uint64
	Path         string
	Seed         int64
	Shift        int
	Encoding     string
	Chunks       int
	BlockChanges uint64
}

// Stats reports queue pressure. Records are dropped, never blocked on, when
// the writer falls behind.
type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropTickTotal     uint64
	DropChangeTotal   uint64
	DropSnapshotTotal uint64
	DropChunkTotal    uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 262144)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Bursty edits from many clients must never stall the tick loop.
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			changes INTEGER NOT NULL,
			dirty_chunks INTEGER NOT NULL,
			resends INTEGER NOT NULL,
			compressions INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS changes (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			source TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_id INTEGER NOT NULL,
			from_data INTEGER NOT NULL,
			to_id INTEGER NOT NULL,
			to_data INTEGER NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_pos_tick ON changes(x, z, y, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_source_tick ON changes(source, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			shift INTEGER NOT NULL,
			encoding TEXT NOT NULL,
			chunks INTEGER NOT NULL,
			block_changes INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			shift INTEGER NOT NULL,
			digest TEXT NOT NULL,
			codec TEXT NOT NULL,
			raw_len INTEGER NOT NULL,
			blob BLOB NOT NULL,
			PRIMARY KEY (cx, cy, cz)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropChangeTotal:   s.dropChange.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropChunkTotal:    s.dropChunk.Load(),
	}
}

func (s *SQLiteIndex) offer(r req, drops *atomic.Uint64) {
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) WriteTick(entry world.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.offer(req{kind: reqTick, tick: entry}, &s.dropTick)
	return nil
}

func (s *SQLiteIndex) WriteChange(entry world.ChangeEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	s.offer(req{kind: reqChange, change: entry}, &s.dropChange)
	return nil
}

// RecordSnapshot indexes a written snapshot and replaces the stored contents
// of every chunk it holds.
func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	s.offer(req{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:         snap.Header.Tick,
		Path:         path,
		Seed:         snap.Seed,
		Shift:        snap.ChunkShift,
		Encoding:     snap.Encoding,
		Chunks:       len(snap.Chunks),
		BlockChanges: snap.Counters.BlockChanges,
	}}, &s.dropSnapshot)

	for _, c := range snap.Chunks {
		data := c.Data
		if len(data) != len(c.Blocks) {
			data = make([]uint16, len(c.Blocks))
		}
		blob, codec, rawLen := encodeCells(c.Blocks, data)
		s.offer(req{kind: reqChunk, chunk: chunkRow{
			CX: c.CX, CY: c.CY, CZ: c.CZ,
			Tick:   snap.Header.Tick,
			Shift:  c.Shift,
			Digest: cellsDigest(c.Blocks, data),
			Codec:  codec,
			RawLen: rawLen,
			Blob:   blob,
		}}, &s.dropChunk)
	}
}

func cellsDigest(ids, data []uint16) string {
	d := store.CellsDigest(ids, data)
	return hex.EncodeToString(d[:])
}

// do runs fn on the writer goroutine after committing the open batch, so
// reads observe every record queued before the call.
func (s *SQLiteIndex) do(ctx context.Context, fn func(q queryer) error) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	select {
	case s.ch <- req{kind: reqQuery, query: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	return s.do(ctx, nil)
}

// LoadChunk returns the most recently indexed contents of a chunk.
func (s *SQLiteIndex) LoadChunk(ctx context.Context, cx, cy, cz int) (snapshot.ChunkV1, uint64, bool, error) {
	var (
		out    snapshot.ChunkV1
		tick   int64
		found  bool
		shift  int
		digest string
		codec  string
		rawLen int
		blob   []byte
	)
	err := s.do(ctx, func(q queryer) error {
		err := q.QueryRowContext(ctx,
			`SELECT tick, shift, digest, codec, raw_len, blob FROM chunks WHERE cx=? AND cy=? AND cz=?`,
			cx, cy, cz,
		).Scan(&tick, &shift, &digest, &codec, &rawLen, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return out, 0, false, err
	}
	ids, data, err := decodeCells(blob, codec, rawLen)
	if err != nil {
		return out, 0, false, fmt.Errorf("chunk %d,%d,%d: %w", cx, cy, cz, err)
	}
	if got := cellsDigest(ids, data); got != digest {
		return out, 0, false, fmt.Errorf("chunk %d,%d,%d: digest mismatch", cx, cy, cz)
	}
	out = snapshot.ChunkV1{CX: cx, CY: cy, CZ: cz, Shift: shift, Blocks: ids, Data: data}
	return out, uint64(tick), true, nil
}

// LatestSnapshot returns the newest recorded snapshot, if any.
func (s *SQLiteIndex) LatestSnapshot(ctx context.Context) (SnapshotInfo, bool, error) {
	var (
		info    SnapshotInfo
		found   bool
		tick    int64
		changes int64
	)
	err := s.do(ctx, func(q queryer) error {
		err := q.QueryRowContext(ctx,
			`SELECT tick, path, seed, shift, encoding, chunks, block_changes FROM snapshots ORDER BY tick DESC LIMIT 1`,
		).Scan(&tick, &info.Path, &info.Seed, &info.Shift, &info.Encoding, &info.Chunks, &changes)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	info.Tick, info.BlockChanges = uint64(tick), uint64(changes)
	return info, found && err == nil, err
}

// ChangesAt returns the indexed history of one block, oldest first.
func (s *SQLiteIndex) ChangesAt(ctx context.Context, x, y, z int, limit int) ([]world.ChangeEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []world.ChangeEntry
	err := s.do(ctx, func(q queryer) error {
		rows, err := q.QueryContext(ctx,
			`SELECT tick, source, from_id, from_data, to_id, to_data FROM changes
			 WHERE x=? AND z=? AND y=? ORDER BY tick, seq LIMIT ?`,
			x, z, y, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				tick int64
				e    world.ChangeEntry
			)
			if err := rows.Scan(&tick, &e.Source, &e.FromID, &e.FromData, &e.ToID, &e.ToData); err != nil {
				return err
			}
			e.Tick = uint64(tick)
			e.Pos = [3]int{x, y, z}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,changes,dirty_chunks,resends,compressions,raw_json) VALUES(?,?,?,?,?,?)`)
	insertChange, _ := s.db.Prepare(`INSERT OR REPLACE INTO changes(tick,seq,source,x,y,z,from_id,from_data,to_id,to_data) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,seed,shift,encoding,chunks,block_changes) VALUES(?,?,?,?,?,?,?)`)
	upsertChunk, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunks(cx,cy,cz,tick,shift,digest,codec,raw_len,blob) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertChange, insertSnapshot, upsertChunk} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastChangeTick uint64
		changeSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() error {
		if tx == nil {
			return nil
		}
		err := tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		return err
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			_ = commit()
		}
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqQuery {
			err := commit()
			if err == nil && r.query != nil {
				err = r.query(s.db)
			}
			r.done <- err
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, int64(t.Tick), t.Changes, t.DirtyChunks, t.Resends, t.Compressions, string(raw))

		case reqChange:
			c := r.change
			if c.Tick != lastChangeTick {
				lastChangeTick = c.Tick
				changeSeq = 0
			}
			seq := changeSeq
			changeSeq++
			exec(insertChange,
				int64(c.Tick), seq, c.Source,
				c.Pos[0], c.Pos[1], c.Pos[2],
				int(c.FromID), int(c.FromData), int(c.ToID), int(c.ToData),
			)

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Seed, sn.Shift, sn.Encoding, sn.Chunks, int64(sn.BlockChanges))

		case reqChunk:
			c := r.chunk
			exec(upsertChunk, c.CX, c.CY, c.CZ, int64(c.Tick), c.Shift, c.Digest, c.Codec, c.RawLen, c.Blob)
		}
		flushIfNeeded()
	}

	_ = commit()
}
