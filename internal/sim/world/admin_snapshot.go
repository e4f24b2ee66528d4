package world

import (
	"context"
	"errors"
)

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the world loop goroutine to enqueue a snapshot.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (w *World) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if w == nil || w.admin == nil {
		return 0, errors.New("admin snapshot not available")
	}
	resp := make(chan adminSnapshotResp, 1)
	select {
	case w.admin <- adminSnapshotReq{Resp: resp}:
	case <-w.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-w.stop:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Requests are served right after a step, so the snapshot carries the tick
// that just finished.
func (w *World) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	snapTick := w.tick.Load() - 1

	errStr := ""
	switch {
	case w.snapshotSink == nil:
		errStr = "snapshot sink not configured"
	case !w.offerSnapshot(w.ExportSnapshot(snapTick)):
		errStr = "snapshot queue full"
	}
	for _, r := range reqs {
		r.Resp <- adminSnapshotResp{Tick: snapTick, Err: errStr}
	}
}
