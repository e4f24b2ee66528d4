package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxelstore.ai/internal/blockstore"
	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/world"
)

type Options struct {
	// SET messages per second and burst per connection.
	SetsPerSecond float64
	SetBurst      int

	MaxMessageBytes int64
}

type Server struct {
	world *world.World
	log   *log.Logger
	opts  Options

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger *log.Logger, opts Options) *Server {
	if opts.SetsPerSecond <= 0 {
		opts.SetsPerSecond = 40
	}
	if opts.SetBurst <= 0 {
		opts.SetBurst = int(opts.SetsPerSecond * 2)
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	return &Server{
		world: w,
		log:   logger,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.opts.MaxMessageBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sub, sessionID := s.handshake(ctx, conn)
		if sub == nil {
			return
		}
		defer s.world.Unsubscribe(sub)

		replies := make(chan []byte, 64)

		// Writer goroutine.
		go func() {
			defer cancel()
			for {
				var b []byte
				var ok bool
				select {
				case <-ctx.Done():
					return
				case b = <-replies:
				case b, ok = <-sub.Out():
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseGoingAway, "world stopped"), time.Now().Add(time.Second))
						return
					}
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}()

		sess := &session{
			srv:     s,
			id:      sessionID,
			sub:     sub,
			limiter: rate.NewLimiter(rate.Limit(s.opts.SetsPerSecond), s.opts.SetBurst),
			reply: func(v any) bool {
				b, err := json.Marshal(v)
				if err != nil {
					return false
				}
				select {
				case replies <- b:
					return true
				case <-ctx.Done():
					return false
				}
			},
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if !sess.handle(ctx, msg) {
				return
			}
		}
	}
}

// handshake answers HELLO with WELCOME. The session id is unique across
// restarts and tags the session's writes in the change log.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*world.Subscription, string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.reject(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return nil, ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.reject(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return nil, ""
	}
	if hello.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return nil, ""
	}

	res, err := s.world.Subscribe(ctx, hello.View)
	if err != nil {
		s.reject(conn, protocol.ErrBadRequest, err.Error())
		return nil, ""
	}

	sessionID := uuid.NewString()
	cfg := s.world.Config()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		WorldParams: protocol.WorldParams{
			WorldID:    cfg.ID,
			Tick:       res.Tick,
			TickRateHz: cfg.TickRateHz,
			ChunkShift: cfg.ChunkShift,
			ChunkSide:  1 << cfg.ChunkShift,
			Encoding:   cfg.Encoding,
			Seed:       cfg.Seed,
			MinChunkY:  cfg.MinChunkY,
			MaxChunkY:  cfg.MaxChunkY,
			BoundaryR:  cfg.BoundaryR,

			BlockPalette: cfg.Blocks,
		},
		View: res.View,
	}
	// The subscription's first frames are the view's chunks; they go out
	// once the writer starts.
	if err := writeJSON(conn, welcome); err != nil {
		s.world.Unsubscribe(res.Sub)
		return nil, ""
	}
	if s.log != nil {
		s.log.Printf("session %s sub=%s (%s) view %d,%d,%d r=%d chunks=%d",
			sessionID, res.Sub.ID, hello.ClientName, res.View.CX, res.View.CY, res.View.CZ, res.View.Radius, res.Chunks)
	}
	return res.Sub, sessionID
}

func (s *Server) reject(conn *websocket.Conn, code, msg string) {
	_ = writeJSON(conn, protocol.NewError(code, msg))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(time.Second))
}

type session struct {
	srv     *Server
	id      string
	sub     *world.Subscription
	limiter *rate.Limiter
	reply   func(v any) bool
}

// handle serves one client message and reports whether the connection
// should stay open.
func (c *session) handle(ctx context.Context, msg []byte) bool {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return c.reply(protocol.NewError(protocol.ErrProtoBadRequest, "invalid json"))
	}
	if base.ProtocolVersion != protocol.Version {
		return c.reply(protocol.NewError(protocol.ErrProtoVersion, "bad protocol_version"))
	}
	switch base.Type {
	case protocol.TypeSet:
		var set protocol.SetMsg
		if err := json.Unmarshal(msg, &set); err != nil {
			return c.reply(protocol.NewError(protocol.ErrProtoBadRequest, "bad SET"))
		}
		return c.reply(c.applySet(set))
	case protocol.TypeView:
		var view protocol.ViewMsg
		if err := json.Unmarshal(msg, &view); err != nil {
			return c.reply(protocol.NewError(protocol.ErrProtoBadRequest, "bad VIEW"))
		}
		if err := c.srv.world.UpdateView(ctx, c.sub, view.View); err != nil {
			if errors.Is(err, world.ErrStopped) || ctx.Err() != nil {
				return false
			}
			return c.reply(protocol.NewError(protocol.ErrBadRequest, err.Error()))
		}
		return true
	default:
		return c.reply(protocol.NewError(protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected %s", base.Type)))
	}
}

func (c *session) applySet(set protocol.SetMsg) protocol.AckMsg {
	w := c.srv.world
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          set.RequestID,
		ServerTick:      w.CurrentTick(),
	}
	if !c.limiter.Allow() {
		ack.Code = protocol.ErrRateLimit
		ack.Message = "too many SET messages"
		return ack
	}

	update := blockstore.State{ID: set.Block.ID, Data: set.Block.Data}
	var prev blockstore.State
	var err error
	if set.Expect != nil {
		var ok bool
		expect := blockstore.State{ID: set.Expect.ID, Data: set.Expect.Data}
		ok, prev, err = w.CompareAndSetBlock(c.id, set.X, set.Y, set.Z, expect, update)
		if err == nil && !ok {
			ack.Code = protocol.ErrConflict
			ack.Message = "block changed"
			ack.Previous = &protocol.BlockRef{ID: prev.ID, Data: prev.Data}
			return ack
		}
	} else {
		prev, err = w.SetBlock(c.id, set.X, set.Y, set.Z, update)
	}
	switch {
	case errors.Is(err, world.ErrOutOfBounds):
		ack.Code = protocol.ErrOutOfBounds
		ack.Message = err.Error()
		return ack
	case err != nil:
		ack.Code = protocol.ErrInternal
		ack.Message = err.Error()
		return ack
	}
	ack.Accepted = true
	ack.Previous = &protocol.BlockRef{ID: prev.ID, Data: prev.Data}
	return ack
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
