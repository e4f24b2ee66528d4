package world

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"voxelstore.ai/internal/blockstore"
	"voxelstore.ai/internal/persistence/snapshot"
	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world/io/chunkcodec"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

// The top chunk layer (y 24..31) sits above all terrain for this config.
const airY = 28

func testConfig() WorldConfig {
	return WorldConfig{
		ID:                    "test",
		TickRateHz:            100,
		Seed:                  11,
		ChunkShift:            3,
		Encoding:              store.EncodingOverflow,
		BoundaryR:             32,
		MinChunkY:             0,
		MaxChunkY:             3,
		BiomeRegionSize:       32,
		SeaLevel:              10,
		SnapshotEveryTicks:    1000,
		MaintenanceEveryTicks: 1000,
		DefaultViewRadius:     1,
	}
}

func newTestWorld(t *testing.T, cfg WorldConfig) *World {
	t.Helper()
	w, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w
}

type changeSink struct{ got []ChangeEntry }

func (s *changeSink) WriteChange(e ChangeEntry) error {
	s.got = append(s.got, e)
	return nil
}

type tickSink struct{ got []TickLogEntry }

func (s *tickSink) WriteTick(e TickLogEntry) error {
	s.got = append(s.got, e)
	return nil
}

// subscribeNow registers a view on the test goroutine, standing in for Run.
func subscribeNow(t *testing.T, w *World, view protocol.ViewRef) SubscribeResult {
	t.Helper()
	view, err := w.normalizeView(view)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	keys, err := w.viewKeys(view)
	if err != nil {
		t.Fatalf("view keys: %v", err)
	}
	req := subscribeReq{view: view, keys: keys, resp: make(chan subscribeResp, 1)}
	w.handleSubscribe(req)
	r := <-req.resp
	if r.err != nil {
		t.Fatalf("subscribe: %v", r.err)
	}
	return r.res
}

// client mirrors the chunks a subscriber has been sent.
type client struct {
	shift  int
	chunks map[store.ChunkKey][2][]uint16
}

func newClient(shift int) *client {
	return &client{shift: shift, chunks: map[store.ChunkKey][2][]uint16{}}
}

func (c *client) apply(t *testing.T, frame []byte) protocol.BaseMessage {
	t.Helper()
	base, err := protocol.DecodeBase(frame)
	if err != nil {
		t.Fatalf("decode base: %v", err)
	}
	switch base.Type {
	case protocol.TypeChunk:
		var m protocol.ChunkMsg
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		ids, data, err := chunkcodec.DecodeChunk(m)
		if err != nil {
			t.Fatalf("chunk: %v", err)
		}
		c.chunks[store.ChunkKey{CX: m.CX, CY: m.CY, CZ: m.CZ}] = [2][]uint16{ids, data}
	case protocol.TypeDelta:
		var m protocol.DeltaMsg
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("decode delta: %v", err)
		}
		for _, d := range m.Chunks {
			k := store.ChunkKey{CX: d.CX, CY: d.CY, CZ: d.CZ}
			cells, ok := c.chunks[k]
			if !ok {
				t.Fatalf("delta for unknown chunk %v", k)
			}
			if err := chunkcodec.ApplyDelta(c.shift, cells[0], cells[1], d); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
	default:
		t.Fatalf("unexpected frame %s", base.Type)
	}
	return base
}

func (c *client) drain(t *testing.T, sub *Subscription) []string {
	t.Helper()
	var types []string
	for {
		select {
		case b := <-sub.Out():
			types = append(types, c.apply(t, b).Type)
		default:
			return types
		}
	}
}

func (c *client) assertMatches(t *testing.T, w *World) {
	t.Helper()
	for k, cells := range c.chunks {
		ch, ok := w.Chunks().Chunk(k)
		if !ok {
			t.Fatalf("client holds unloaded chunk %v", k)
		}
		want := ch.Digest()
		if got := store.CellsDigest(cells[0], cells[1]); got != want {
			t.Fatalf("chunk %v diverged", k)
		}
	}
}

func TestSetBlockRecordsChanges(t *testing.T) {
	w := newTestWorld(t, testConfig())
	changes := &changeSink{}
	ticks := &tickSink{}
	w.SetChangeLogger(changes)
	w.SetTickLogger(ticks)

	prev, err := w.SetBlock("t", 1, airY, 1, blockstore.State{ID: 9, Data: 3})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if prev != (blockstore.State{}) {
		t.Fatalf("prev = %+v, want air", prev)
	}
	ok, cur, err := w.CompareAndSetBlock("t", 1, airY, 1, blockstore.State{ID: 2}, blockstore.State{ID: 4})
	if err != nil || ok {
		t.Fatalf("cas with stale expect: ok=%v err=%v", ok, err)
	}
	if cur != (blockstore.State{ID: 9, Data: 3}) {
		t.Fatalf("cas reported %+v", cur)
	}
	ok, _, err = w.CompareAndSetBlock("t", 1, airY, 1, cur, blockstore.State{ID: 4})
	if err != nil || !ok {
		t.Fatalf("cas: ok=%v err=%v", ok, err)
	}
	if _, err := w.SetBlock("t", 1000, 0, 0, blockstore.State{ID: 1}); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("out of bounds set: %v", err)
	}
	if got := w.GetBlock(1000, 0, 0); got.ID != 0 {
		t.Fatalf("out of bounds read %+v", got)
	}

	entry := w.StepOnce()
	if entry.Changes != 2 || entry.DirtyChunks != 1 {
		t.Fatalf("tick entry %+v", entry)
	}
	if len(changes.got) != 2 || changes.got[1].FromID != 9 || changes.got[1].ToID != 4 {
		t.Fatalf("change log %+v", changes.got)
	}
	if len(ticks.got) != 1 || w.CurrentTick() != 1 {
		t.Fatalf("tick log %+v at tick %d", ticks.got, w.CurrentTick())
	}
	if m := w.Metrics(); m.ChangesTotal != 2 || m.LoadedChunks == 0 {
		t.Fatalf("metrics %+v", m)
	}
}

func TestSubscriberConvergesThroughDeltas(t *testing.T) {
	w := newTestWorld(t, testConfig())
	res := subscribeNow(t, w, protocol.ViewRef{CX: 0, CY: 3, CZ: 0, Radius: 1})
	// cy 4 is above MaxChunkY, so 3x2x3 chunks remain.
	if res.Chunks != 18 {
		t.Fatalf("view chunks = %d", res.Chunks)
	}
	c := newClient(3)
	if got := c.drain(t, res.Sub); len(got) != 18 {
		t.Fatalf("initial frames %v", got)
	}

	for i := 0; i < 20; i++ {
		if _, err := w.SetBlock("t", i-8, airY-8+i%8, 3, blockstore.State{ID: uint16(20 + i), Data: uint16(i % 3)}); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	// Outside the view.
	if _, err := w.SetBlock("t", 30, 2, 30, blockstore.State{ID: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	w.StepOnce()
	got := c.drain(t, res.Sub)
	if len(got) != 1 || got[0] != protocol.TypeDelta {
		t.Fatalf("frames after step %v", got)
	}
	c.assertMatches(t, w)

	w.StepOnce()
	if got := c.drain(t, res.Sub); len(got) != 0 {
		t.Fatalf("quiet tick sent %v", got)
	}
}

func TestDroppedFramesAreResentWhole(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberQueue = 1
	w := newTestWorld(t, cfg)
	res := subscribeNow(t, w, protocol.ViewRef{CX: 0, CY: 3, CZ: 0, Radius: 1})
	c := newClient(3)

	// Initial frames fill the queue but one slot.
	w.SetBlock("t", 0, airY, 0, blockstore.State{ID: 5})
	w.StepOnce()
	w.SetBlock("t", 1, airY, 0, blockstore.State{ID: 6})
	w.StepOnce()
	if res.Sub.Dropped() != 1 {
		t.Fatalf("dropped = %d", res.Sub.Dropped())
	}
	c.drain(t, res.Sub)

	w.StepOnce()
	var m protocol.DeltaMsg
	select {
	case b := <-res.Sub.Out():
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		c.apply(t, b)
	default:
		t.Fatalf("no resend after drop")
	}
	if len(m.Chunks) != 1 || !m.Chunks[0].Resend {
		t.Fatalf("expected one whole-chunk resend, got %+v", m.Chunks)
	}
	c.assertMatches(t, w)
}

func TestUpdateViewSendsEnteringChunks(t *testing.T) {
	w := newTestWorld(t, testConfig())
	res := subscribeNow(t, w, protocol.ViewRef{CX: 0, CY: 3, CZ: 0, Radius: 1})
	c := newClient(3)
	c.drain(t, res.Sub)

	view := protocol.ViewRef{CX: 1, CY: 3, CZ: 0, Radius: 1}
	keys, err := w.viewKeys(view)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	req := viewReq{sub: res.Sub, view: view, keys: keys, resp: make(chan error, 1)}
	w.handleView(req)
	if err := <-req.resp; err != nil {
		t.Fatalf("view: %v", err)
	}
	if got := c.drain(t, res.Sub); len(got) != 6 {
		t.Fatalf("entering chunks %v", got)
	}

	// cx -1 left the view.
	w.SetBlock("t", -4, airY, 0, blockstore.State{ID: 7})
	w.StepOnce()
	if got := c.drain(t, res.Sub); len(got) != 0 {
		t.Fatalf("frames for a chunk outside the view: %v", got)
	}

	w.handleLeave(res.Sub)
	if _, ok := <-res.Sub.Out(); ok {
		t.Fatalf("out should be closed")
	}
}

func TestMaintenanceCompressesChunks(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceEveryTicks = 1
	w := newTestWorld(t, cfg)
	for i := 0; i < 200; i++ {
		x, z := i%8, (i/8)%8
		y := airY - 4 + i/64
		w.SetBlock("t", x, y, z, blockstore.State{ID: 3, Data: 1})
	}
	for i := 2; i < 200; i++ {
		x, z := i%8, (i/8)%8
		y := airY - 4 + i/64
		w.SetBlock("t", x, y, z, blockstore.State{})
	}
	k, _ := w.Chunks().Locate(0, airY, 0)
	ch, _ := w.Chunks().Chunk(k)
	if !ch.NeedsCompression() {
		t.Fatalf("chunk should need compression")
	}

	entry := w.StepOnce()
	if entry.Compressions != 1 {
		t.Fatalf("compressions = %d", entry.Compressions)
	}
	if ch.NeedsCompression() {
		t.Fatalf("still needs compression")
	}
	if got := w.GetBlock(1, airY-4, 0); got != (blockstore.State{ID: 3, Data: 1}) {
		t.Fatalf("promoted cell lost: %+v", got)
	}
	if m := w.Metrics(); m.PromotedCells < 2 || m.Compressions != 1 {
		t.Fatalf("metrics %+v", m)
	}
}

func TestSnapshotResumeAndReplay(t *testing.T) {
	for _, enc := range []string{store.EncodingOverflow, store.EncodingPalette} {
		cfg := testConfig()
		cfg.Encoding = enc
		w := newTestWorld(t, cfg)
		changes := &changeSink{}
		w.SetChangeLogger(changes)

		w.SetBlock("t", 3, airY, 3, blockstore.State{ID: 40, Data: 2})
		w.StepOnce()
		snap := w.ExportSnapshot(w.CurrentTick() - 1)

		w.SetBlock("t", 4, airY, 4, blockstore.State{ID: 41})
		w.SetBlock("t", -20, 5, 9, blockstore.State{ID: 42, Data: 7})
		w.StepOnce()

		resumed, err := FromSnapshot(WorldConfig{}, snap, nil)
		if err != nil {
			t.Fatalf("%s: resume: %v", enc, err)
		}
		if resumed.Config().Encoding != enc || resumed.CurrentTick() != snap.Header.Tick+1 {
			t.Fatalf("%s: resumed config %+v tick %d", enc, resumed.Config(), resumed.CurrentTick())
		}
		var after []ChangeEntry
		for _, e := range changes.got {
			if e.Tick >= snap.Header.Tick {
				after = append(after, e)
			}
		}
		if _, err := resumed.ReplayChanges(after); err != nil {
			t.Fatalf("%s: replay: %v", enc, err)
		}
		for _, k := range w.Chunks().LoadedChunkKeys() {
			want, _ := w.Chunks().Chunk(k)
			got, err := resumed.Chunks().GetOrGenChunk(k)
			if err != nil {
				t.Fatalf("%s: chunk %v: %v", enc, k, err)
			}
			if got.Digest() != want.Digest() {
				t.Fatalf("%s: chunk %v differs after replay", enc, k)
			}
		}
	}
}

func TestRunServesSubscribersAndSnapshots(t *testing.T) {
	w := newTestWorld(t, testConfig())
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	res, err := w.Subscribe(ctx, protocol.ViewRef{CX: 0, CY: 3, CZ: 0})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if res.View.Radius != 1 {
		t.Fatalf("default radius not applied: %+v", res.View)
	}
	if _, err := w.Subscribe(ctx, protocol.ViewRef{Radius: 99}); err == nil {
		t.Fatalf("oversized view accepted")
	}

	tick, err := w.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	select {
	case snap := <-sink:
		if snap.Header.Tick != tick || len(snap.Chunks) < res.Chunks {
			t.Fatalf("snapshot tick %d chunks %d", snap.Header.Tick, len(snap.Chunks))
		}
	case <-ctx.Done():
		t.Fatalf("no snapshot")
	}

	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	for range res.Sub.Out() {
	}
	if _, err := w.Subscribe(context.Background(), protocol.ViewRef{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("subscribe after stop: %v", err)
	}
}
