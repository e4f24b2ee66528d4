package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world/io/chunkcodec"
)

// mirror is the bot's copy of one subscribed chunk.
type mirror struct {
	ids, data []uint16
}

type bot struct {
	logger *log.Logger
	conn   *websocket.Conn
	rng    *rand.Rand

	shift  int
	chunks map[[3]int]*mirror
	seq    int

	sent, accepted, conflicts, rejected int
	frames, resends                     int
}

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "client name")
		cx     = flag.Int("cx", 0, "view centre chunk x")
		cy     = flag.Int("cy", 0, "view centre chunk y")
		cz     = flag.Int("cz", 0, "view centre chunk z")
		radius = flag.Int("radius", 1, "view radius in chunks")
		sets   = flag.Float64("sets_per_sec", 5, "SET messages per second")
		blockN = flag.Int("block_ids", 8, "SET picks block ids in 1..N")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		View:            protocol.ViewRef{CX: *cx, CY: *cy, CZ: *cz, Radius: *radius},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	b := &bot{
		logger: logger,
		conn:   conn,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		chunks: map[[3]int]*mirror{},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	msgs := make(chan []byte, 256)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(*sets), 1)
	setTick := time.NewTicker(10 * time.Millisecond)
	defer setTick.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			b.report()
			return
		case msg, ok := <-msgs:
			if !ok {
				b.report()
				logger.Printf("connection closed")
				return
			}
			b.handle(msg)
		case <-setTick.C:
			if b.shift > 0 && limiter.Allow() {
				b.sendSet(uint16(1 + b.rng.Intn(max(*blockN, 1))))
			}
		case <-report.C:
			b.report()
		}
	}
}

func (b *bot) handle(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	b.frames++
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		b.shift = w.WorldParams.ChunkShift
		b.logger.Printf("WELCOME session=%s world=%s tick=%d shift=%d encoding=%s", w.SessionID, w.WorldParams.WorldID, w.WorldParams.Tick, w.WorldParams.ChunkShift, w.WorldParams.Encoding)

	case protocol.TypeChunk:
		var c protocol.ChunkMsg
		if err := json.Unmarshal(msg, &c); err != nil {
			return
		}
		ids, data, err := chunkcodec.DecodeChunk(c)
		if err != nil {
			b.logger.Printf("bad CHUNK %d,%d,%d: %v", c.CX, c.CY, c.CZ, err)
			return
		}
		b.chunks[[3]int{c.CX, c.CY, c.CZ}] = &mirror{ids: ids, data: data}

	case protocol.TypeDelta:
		var d protocol.DeltaMsg
		if err := json.Unmarshal(msg, &d); err != nil {
			return
		}
		for _, cd := range d.Chunks {
			m := b.chunks[[3]int{cd.CX, cd.CY, cd.CZ}]
			if m == nil {
				continue
			}
			if cd.Resend {
				b.resends++
			}
			if err := chunkcodec.ApplyDelta(b.shift, m.ids, m.data, cd); err != nil {
				b.logger.Printf("bad DELTA %d,%d,%d: %v", cd.CX, cd.CY, cd.CZ, err)
			}
		}

	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err != nil {
			return
		}
		switch {
		case a.Accepted:
			b.accepted++
		case a.Code == protocol.ErrConflict:
			b.conflicts++
		default:
			b.rejected++
		}

	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err == nil {
			b.logger.Printf("ERROR %s: %s", e.Code, e.Message)
		}
	}
}

// sendSet writes a random cell of a random mirrored chunk, expecting the
// state the mirror holds. Conflicts show the mirror lagging the server.
func (b *bot) sendSet(id uint16) {
	if len(b.chunks) == 0 {
		return
	}
	keys := make([][3]int, 0, len(b.chunks))
	for k := range b.chunks {
		keys = append(keys, k)
	}
	k := keys[b.rng.Intn(len(keys))]
	m := b.chunks[k]
	side := 1 << b.shift
	i := b.rng.Intn(len(m.ids))
	lx, lz, ly := i&(side-1), (i>>b.shift)&(side-1), i>>(2*b.shift)

	b.seq++
	set := protocol.SetMsg{
		Type:            protocol.TypeSet,
		ProtocolVersion: protocol.Version,
		RequestID:       fmt.Sprintf("S_%d", b.seq),
		X:               k[0]*side + lx,
		Y:               k[1]*side + ly,
		Z:               k[2]*side + lz,
		Block:           protocol.BlockRef{ID: id},
		Expect:          &protocol.BlockRef{ID: m.ids[i], Data: m.data[i]},
	}
	if err := b.conn.WriteJSON(set); err != nil {
		b.logger.Printf("send SET: %v", err)
		return
	}
	b.sent++
}

func (b *bot) report() {
	b.logger.Printf("chunks=%d frames=%d resends=%d sets=%d accepted=%d conflicts=%d rejected=%d",
		len(b.chunks), b.frames, b.resends, b.sent, b.accepted, b.conflicts, b.rejected)
}
