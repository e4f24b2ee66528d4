package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const dbUsage = "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-limit N] [-source S] [-since T] snapshots|chunks|changes|ticks|meta"

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	source := fs.String("source", "", "source filter (changes)")
	since := fs.Uint64("since", 0, "only rows at or after this tick (changes, ticks)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		type row struct {
			Tick         uint64 `json:"tick"`
			Path         string `json:"path"`
			Seed         int64  `json:"seed"`
			Shift        int    `json:"shift"`
			Encoding     string `json:"encoding"`
			Chunks       int    `json:"chunks"`
			BlockChanges uint64 `json:"block_changes"`
		}
		queryRows(db, `SELECT tick,path,seed,shift,encoding,chunks,block_changes FROM snapshots ORDER BY tick DESC LIMIT ?`,
			[]any{*limit}, func(rows *sql.Rows) (any, error) {
				var r row
				err := rows.Scan(&r.Tick, &r.Path, &r.Seed, &r.Shift, &r.Encoding, &r.Chunks, &r.BlockChanges)
				return r, err
			})

	case "chunks":
		type row struct {
			CX     int    `json:"cx"`
			CY     int    `json:"cy"`
			CZ     int    `json:"cz"`
			Tick   uint64 `json:"tick"`
			Shift  int    `json:"shift"`
			Digest string `json:"digest"`
			Codec  string `json:"codec"`
			RawLen int    `json:"raw_len"`
			Stored int    `json:"stored_len"`
		}
		queryRows(db, `SELECT cx,cy,cz,tick,shift,digest,codec,raw_len,length(blob) FROM chunks ORDER BY cx,cy,cz LIMIT ?`,
			[]any{*limit}, func(rows *sql.Rows) (any, error) {
				var r row
				err := rows.Scan(&r.CX, &r.CY, &r.CZ, &r.Tick, &r.Shift, &r.Digest, &r.Codec, &r.RawLen, &r.Stored)
				return r, err
			})

	case "changes":
		type row struct {
			Tick     uint64 `json:"tick"`
			Seq      int64  `json:"seq"`
			Source   string `json:"source,omitempty"`
			Pos      [3]int `json:"pos"`
			FromID   uint16 `json:"from_id"`
			FromData uint16 `json:"from_data"`
			ToID     uint16 `json:"to_id"`
			ToData   uint16 `json:"to_data"`
		}
		stmt := `SELECT tick,seq,source,x,y,z,from_id,from_data,to_id,to_data FROM changes WHERE tick >= ?`
		qargs := []any{*since}
		if *source != "" {
			stmt += ` AND source = ?`
			qargs = append(qargs, *source)
		}
		stmt += ` ORDER BY tick DESC, seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		queryRows(db, stmt, qargs, func(rows *sql.Rows) (any, error) {
			var r row
			err := rows.Scan(&r.Tick, &r.Seq, &r.Source, &r.Pos[0], &r.Pos[1], &r.Pos[2], &r.FromID, &r.FromData, &r.ToID, &r.ToData)
			return r, err
		})

	case "ticks":
		queryRows(db, `SELECT raw_json FROM ticks WHERE tick >= ? ORDER BY tick DESC LIMIT ?`,
			[]any{*since, *limit}, func(rows *sql.Rows) (any, error) {
				var raw string
				if err := rows.Scan(&raw); err != nil {
					return nil, err
				}
				return json.RawMessage(raw), nil
			})

	case "meta":
		queryRows(db, `SELECT key,value FROM meta ORDER BY key`, nil, func(rows *sql.Rows) (any, error) {
			var r struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			}
			err := rows.Scan(&r.Key, &r.Value)
			return r, err
		})

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, dbUsage)
		os.Exit(2)
	}
}

// queryRows prints one JSON line per row.
func queryRows(db *sql.DB, stmt string, args []any, scan func(*sql.Rows) (any, error)) {
	rows, err := db.Query(stmt, args...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
		printJSON(v)
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
