package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world/io/chunkcodec"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

// Subscription receives encoded CHUNK and DELTA frames for the chunks in its
// view. Out is closed once the subscription ends.
type Subscription struct {
	ID string

	out     chan []byte
	dropped atomic.Uint64

	// Loop goroutine only.
	view    protocol.ViewRef
	slots   *roaring.Bitmap
	pending *roaring.Bitmap // slots whose frames were dropped; resent whole
}

func (s *Subscription) Out() <-chan []byte { return s.out }

// Dropped counts frames that did not fit the outbound queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type SubscribeResult struct {
	Sub    *Subscription
	Tick   uint64
	View   protocol.ViewRef
	Chunks int
}

type subscribeReq struct {
	view protocol.ViewRef
	keys []store.ChunkKey
	resp chan subscribeResp
}

type subscribeResp struct {
	res SubscribeResult
	err error
}

type viewReq struct {
	sub  *Subscription
	view protocol.ViewRef
	keys []store.ChunkKey
	resp chan error
}

func (w *World) normalizeView(v protocol.ViewRef) (protocol.ViewRef, error) {
	if v.Radius == 0 {
		v.Radius = w.cfg.DefaultViewRadius
	}
	if v.Radius < 0 || v.Radius > w.cfg.MaxViewRadius {
		return v, fmt.Errorf("view radius %d outside 0..%d", v.Radius, w.cfg.MaxViewRadius)
	}
	return v, nil
}

// viewKeys lists the in-bounds chunks of a view and makes sure each is
// loaded. Generation runs on the caller's goroutine.
func (w *World) viewKeys(v protocol.ViewRef) ([]store.ChunkKey, error) {
	var keys []store.ChunkKey
	for cy := v.CY - v.Radius; cy <= v.CY+v.Radius; cy++ {
		for cz := v.CZ - v.Radius; cz <= v.CZ+v.Radius; cz++ {
			for cx := v.CX - v.Radius; cx <= v.CX+v.Radius; cx++ {
				k := store.ChunkKey{CX: cx, CY: cy, CZ: cz}
				if !w.chunks.ChunkInBounds(k) {
					continue
				}
				if _, err := w.chunks.GetOrGenChunk(k); err != nil {
					return nil, err
				}
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}

// Subscribe registers a view. Its first frames are the CHUNK messages for
// every chunk in the view, followed by DELTAs as blocks change.
func (w *World) Subscribe(ctx context.Context, view protocol.ViewRef) (SubscribeResult, error) {
	view, err := w.normalizeView(view)
	if err != nil {
		return SubscribeResult{}, err
	}
	keys, err := w.viewKeys(view)
	if err != nil {
		return SubscribeResult{}, err
	}
	req := subscribeReq{view: view, keys: keys, resp: make(chan subscribeResp, 1)}
	select {
	case w.join <- req:
	case <-w.stop:
		return SubscribeResult{}, ErrStopped
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.res, r.err
	case <-w.stop:
		return SubscribeResult{}, ErrStopped
	case <-ctx.Done():
		return SubscribeResult{}, ctx.Err()
	}
}

// UpdateView moves a subscription's view. Chunks entering the view are sent
// whole; chunks leaving it stop producing frames.
func (w *World) UpdateView(ctx context.Context, sub *Subscription, view protocol.ViewRef) error {
	view, err := w.normalizeView(view)
	if err != nil {
		return err
	}
	keys, err := w.viewKeys(view)
	if err != nil {
		return err
	}
	req := viewReq{sub: sub, view: view, keys: keys, resp: make(chan error, 1)}
	select {
	case w.viewReq <- req:
	case <-w.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.resp:
		return err
	case <-w.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *World) Unsubscribe(sub *Subscription) {
	select {
	case w.leave <- sub:
	case <-w.stop:
	}
}

func (w *World) handleSubscribe(req subscribeReq) {
	n := w.nextSubNum.Add(1)
	sub := &Subscription{
		ID:      fmt.Sprintf("S%06d", n),
		out:     make(chan []byte, w.cfg.SubscriberQueue+len(req.keys)),
		view:    req.view,
		slots:   roaring.New(),
		pending: roaring.New(),
	}
	tick := w.tick.Load()
	for _, k := range req.keys {
		ch, ok := w.chunks.Chunk(k)
		if !ok {
			continue
		}
		sub.slots.Add(ch.Slot)
		w.sendChunk(sub, tick, ch)
	}
	w.subs[sub.ID] = sub
	req.resp <- subscribeResp{res: SubscribeResult{Sub: sub, Tick: tick, View: req.view, Chunks: len(req.keys)}}
}

func (w *World) handleView(req viewReq) {
	sub := req.sub
	if _, ok := w.subs[sub.ID]; !ok {
		req.resp <- fmt.Errorf("subscription %s not active", sub.ID)
		return
	}
	next := roaring.New()
	tick := w.tick.Load()
	for _, k := range req.keys {
		ch, ok := w.chunks.Chunk(k)
		if !ok {
			continue
		}
		next.Add(ch.Slot)
		if !sub.slots.Contains(ch.Slot) {
			w.sendChunk(sub, tick, ch)
		}
	}
	sub.pending.And(next)
	sub.slots = next
	sub.view = req.view
	req.resp <- nil
}

func (w *World) handleLeave(sub *Subscription) {
	if _, ok := w.subs[sub.ID]; !ok {
		return
	}
	delete(w.subs, sub.ID)
	close(sub.out)
}

func (w *World) closeSubscriptions() {
	for id, sub := range w.subs {
		delete(w.subs, id)
		close(sub.out)
	}
}

func (w *World) sendChunk(sub *Subscription, tick uint64, ch *store.Chunk) {
	b, err := json.Marshal(chunkcodec.ChunkMessage(tick, ch))
	if err != nil {
		w.logger.Printf("encode chunk %s: %v", ch.Key, err)
		return
	}
	if !trySend(sub.out, b) {
		sub.dropped.Add(1)
		sub.pending.Add(ch.Slot)
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}
