package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	ClientName      string  `json:"client_name"`
	View            ViewRef `json:"view"`
}

// ViewRef is a cube of chunks around a centre chunk.
type ViewRef struct {
	CX     int `json:"cx"`
	CY     int `json:"cy"`
	CZ     int `json:"cz"`
	Radius int `json:"radius"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	WorldParams     WorldParams `json:"world_params"`
	View            ViewRef     `json:"view"`
}

type WorldParams struct {
	WorldID    string `json:"world_id"`
	Tick       uint64 `json:"tick"`
	TickRateHz int    `json:"tick_rate_hz"`
	ChunkShift int    `json:"chunk_shift"`
	ChunkSide  int    `json:"chunk_side"`
	Encoding   string `json:"encoding"`
	Seed       int64  `json:"seed"`
	MinChunkY  int    `json:"min_chunk_y"`
	MaxChunkY  int    `json:"max_chunk_y"`
	BoundaryR  int    `json:"boundary_r"`

	// Block names by id.
	BlockPalette []string `json:"block_palette,omitempty"`
}

// VIEW (client -> server): move the subscribed view. The server answers with
// CHUNK messages for chunks that entered it.
type ViewMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	View            ViewRef `json:"view"`
}

// CHUNK (server -> client): full contents of one chunk. Ids and data are
// RLE-encoded in store index order (x fastest, then z, then y).
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
	CZ              int    `json:"cz"`
	Shift           int    `json:"shift"`
	IDs             string `json:"ids_rle"`
	Data            string `json:"data_rle"`
	Digest          string `json:"digest"`
}

// DELTA (server -> client): changes of one tick across the client's view.
type DeltaMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	Chunks          []ChunkDelta `json:"chunks"`
}

// ChunkDelta lists changed blocks of one chunk. When more blocks changed than
// the chunk tracks individually, Resend is set and the full contents ride
// along instead.
type ChunkDelta struct {
	CX     int          `json:"cx"`
	CY     int          `json:"cy"`
	CZ     int          `json:"cz"`
	Blocks []BlockDelta `json:"blocks,omitempty"`
	Resend bool         `json:"resend,omitempty"`
	IDs    string       `json:"ids_rle,omitempty"`
	Data   string       `json:"data_rle,omitempty"`
}

// BlockDelta carries chunk-local coordinates.
type BlockDelta struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
	ID   uint16 `json:"id"`
	Data uint16 `json:"data"`
}

// SET (client -> server): write one block at world coordinates. With Expect
// the write only happens if the block still holds that state.
type SetMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	RequestID       string    `json:"request_id,omitempty"`
	X               int       `json:"x"`
	Y               int       `json:"y"`
	Z               int       `json:"z"`
	Block           BlockRef  `json:"block"`
	Expect          *BlockRef `json:"expect,omitempty"`
}

type BlockRef struct {
	ID   uint16 `json:"id"`
	Data uint16 `json:"data"`
}

type AckMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	AckFor          string    `json:"ack_for"`
	Accepted        bool      `json:"accepted"`
	Code            string    `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`
	ServerTick      uint64    `json:"server_tick,omitempty"`
	Previous        *BlockRef `json:"previous,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
