package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

func startWorld(t *testing.T) *world.World {
	t.Helper()
	w, err := world.New(world.WorldConfig{
		ID:                "ws-test",
		TickRateHz:        50,
		Seed:              5,
		ChunkShift:        3,
		Encoding:          store.EncodingOverflow,
		BoundaryR:         32,
		MaxChunkY:         3,
		SeaLevel:          10,
		DefaultViewRadius: 1,
	}, nil)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func dial(t *testing.T, w *world.World, opts Options) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(w, nil, opts).Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil returns the first frame of the given type, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, typ string, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type != typ {
			continue
		}
		if err := json.Unmarshal(b, v); err != nil {
			t.Fatalf("decode %s: %v", typ, err)
		}
		return
	}
}

func hello(t *testing.T, conn *websocket.Conn) protocol.WelcomeMsg {
	t.Helper()
	send(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "test",
		View:            protocol.ViewRef{CX: 0, CY: 3, CZ: 0},
	})
	var welcome protocol.WelcomeMsg
	readUntil(t, conn, protocol.TypeWelcome, &welcome)
	return welcome
}

func TestHandshakeSetAndDelta(t *testing.T) {
	w := startWorld(t)
	conn := dial(t, w, Options{})
	welcome := hello(t, conn)
	if welcome.WorldParams.ChunkSide != 8 || welcome.View.Radius != 1 || len(welcome.WorldParams.BlockPalette) == 0 {
		t.Fatalf("welcome %+v", welcome)
	}
	if _, err := uuid.Parse(welcome.SessionID); err != nil {
		t.Fatalf("session id %q: %v", welcome.SessionID, err)
	}
	for i := 0; i < 18; i++ {
		var chunk protocol.ChunkMsg
		readUntil(t, conn, protocol.TypeChunk, &chunk)
	}

	send(t, conn, protocol.SetMsg{
		Type:            protocol.TypeSet,
		ProtocolVersion: protocol.Version,
		RequestID:       "r1",
		X:               2, Y: 28, Z: 3,
		Block: protocol.BlockRef{ID: 9, Data: 4},
	})
	var ack protocol.AckMsg
	readUntil(t, conn, protocol.TypeAck, &ack)
	if !ack.Accepted || ack.AckFor != "r1" || ack.Previous == nil || ack.Previous.ID != 0 {
		t.Fatalf("ack %+v", ack)
	}

	var delta protocol.DeltaMsg
	readUntil(t, conn, protocol.TypeDelta, &delta)
	if len(delta.Chunks) != 1 || len(delta.Chunks[0].Blocks) != 1 {
		t.Fatalf("delta %+v", delta)
	}
	if b := delta.Chunks[0].Blocks[0]; b.X != 2 || b.Y != 4 || b.Z != 3 || b.ID != 9 || b.Data != 4 {
		t.Fatalf("delta block %+v", b)
	}

	send(t, conn, protocol.SetMsg{
		Type:            protocol.TypeSet,
		ProtocolVersion: protocol.Version,
		RequestID:       "r2",
		X:               2, Y: 28, Z: 3,
		Block:  protocol.BlockRef{ID: 1},
		Expect: &protocol.BlockRef{ID: 0},
	})
	readUntil(t, conn, protocol.TypeAck, &ack)
	if ack.Accepted || ack.Code != protocol.ErrConflict || ack.Previous.ID != 9 {
		t.Fatalf("conflict ack %+v", ack)
	}

	send(t, conn, protocol.SetMsg{
		Type:            protocol.TypeSet,
		ProtocolVersion: protocol.Version,
		RequestID:       "r3",
		X:               500,
		Block:           protocol.BlockRef{ID: 1},
	})
	readUntil(t, conn, protocol.TypeAck, &ack)
	if ack.Code != protocol.ErrOutOfBounds {
		t.Fatalf("out of bounds ack %+v", ack)
	}
}

func TestSetRateLimit(t *testing.T) {
	w := startWorld(t)
	conn := dial(t, w, Options{SetsPerSecond: 0.001, SetBurst: 1})
	hello(t, conn)
	for i, want := range []string{"", protocol.ErrRateLimit} {
		send(t, conn, protocol.SetMsg{
			Type:            protocol.TypeSet,
			ProtocolVersion: protocol.Version,
			X:               i, Y: 28,
			Block: protocol.BlockRef{ID: 2},
		})
		var ack protocol.AckMsg
		readUntil(t, conn, protocol.TypeAck, &ack)
		if ack.Code != want {
			t.Fatalf("set %d: code %q want %q", i, ack.Code, want)
		}
	}
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	w := startWorld(t)
	conn := dial(t, w, Options{})
	send(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"})
	var e protocol.ErrorMsg
	readUntil(t, conn, protocol.TypeError, &e)
	if e.Code != protocol.ErrProtoVersion {
		t.Fatalf("error %+v", e)
	}
}

func TestViewMoveSendsChunks(t *testing.T) {
	w := startWorld(t)
	conn := dial(t, w, Options{})
	hello(t, conn)
	send(t, conn, protocol.ViewMsg{
		Type:            protocol.TypeView,
		ProtocolVersion: protocol.Version,
		View:            protocol.ViewRef{CX: 2, CY: 0, CZ: 1, Radius: 1},
	})
	// The new view shares no chunk with the first one, which sits at cy 2..3.
	seen := map[[3]int]bool{}
	for len(seen) < 18 {
		var chunk protocol.ChunkMsg
		readUntil(t, conn, protocol.TypeChunk, &chunk)
		if chunk.CY <= 1 {
			seen[[3]int{chunk.CX, chunk.CY, chunk.CZ}] = true
		}
	}
	if !seen[[3]int{3, 1, 2}] {
		t.Fatalf("missing corner chunk of the new view")
	}
}
