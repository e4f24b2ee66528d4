// Package chunkcodec turns chunks into CHUNK and DELTA payloads and applies
// them back onto flat cell arrays.
package chunkcodec

import (
	"encoding/hex"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"voxelstore.ai/internal/blockstore"
	"voxelstore.ai/internal/protocol"
	"voxelstore.ai/internal/sim/encoding"
	"voxelstore.ai/internal/sim/world/terrain/store"
)

func DigestHex(ids, data []uint16) string {
	d := store.CellsDigest(ids, data)
	return hex.EncodeToString(d[:])
}

// ChunkMessage encodes the chunk's full contents.
func ChunkMessage(tick uint64, ch *store.Chunk) protocol.ChunkMsg {
	ids, data := ch.Cells()
	k := ch.Key
	return protocol.ChunkMsg{
		Type:            protocol.TypeChunk,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		CX:              k.CX,
		CY:              k.CY,
		CZ:              k.CZ,
		Shift:           shiftOf(ch.Side()),
		IDs:             encoding.EncodeRLE(ids),
		Data:            encoding.EncodeRLE(data),
		Digest:          DigestHex(ids, data),
	}
}

func shiftOf(side int) int {
	s := 0
	for 1<<s < side {
		s++
	}
	return s
}

// DecodeChunk expands a CHUNK payload and checks its digest.
func DecodeChunk(msg protocol.ChunkMsg) (ids, data []uint16, err error) {
	if msg.Shift < 1 || msg.Shift > 8 {
		return nil, nil, fmt.Errorf("chunk shift %d out of range", msg.Shift)
	}
	volume := 1 << (3 * msg.Shift)
	ids, data, err = decodeCells(msg.IDs, msg.Data, volume)
	if err != nil {
		return nil, nil, err
	}
	if msg.Digest != "" && DigestHex(ids, data) != msg.Digest {
		return nil, nil, fmt.Errorf("chunk %d,%d,%d digest mismatch", msg.CX, msg.CY, msg.CZ)
	}
	return ids, data, nil
}

func decodeCells(idsRLE, dataRLE string, volume int) ([]uint16, []uint16, error) {
	ids, err := encoding.DecodeRLE(idsRLE, volume)
	if err != nil {
		return nil, nil, fmt.Errorf("ids: %w", err)
	}
	data, err := encoding.DecodeRLE(dataRLE, volume)
	if err != nil {
		return nil, nil, fmt.Errorf("data: %w", err)
	}
	if len(ids) != volume || len(data) != volume {
		return nil, nil, fmt.Errorf("cells: got %d ids and %d data, want %d", len(ids), len(data), volume)
	}
	return ids, data, nil
}

// BuildDelta describes the drained cells of ch. Repeated positions collapse
// into one entry holding the cell's current state, in index order. With
// overflow set the whole chunk is carried instead.
func BuildDelta(ch *store.Chunk, dirty []blockstore.Pos, overflow bool) protocol.ChunkDelta {
	if overflow {
		return Resend(ch)
	}
	k := ch.Key
	d := protocol.ChunkDelta{CX: k.CX, CY: k.CY, CZ: k.CZ}
	shift := shiftOf(ch.Side())
	seen := roaring.New()
	for _, p := range dirty {
		seen.Add(uint32(blockstore.Index(shift, p.X, p.Y, p.Z)))
	}
	d.Blocks = make([]protocol.BlockDelta, 0, seen.GetCardinality())
	it := seen.Iterator()
	for it.HasNext() {
		p := blockstore.PosOf(shift, int(it.Next()))
		st := ch.Get(p.X, p.Y, p.Z)
		d.Blocks = append(d.Blocks, protocol.BlockDelta{X: p.X, Y: p.Y, Z: p.Z, ID: st.ID, Data: st.Data})
	}
	return d
}

// Resend carries the full contents of ch inside a delta.
func Resend(ch *store.Chunk) protocol.ChunkDelta {
	ids, data := ch.Cells()
	k := ch.Key
	return protocol.ChunkDelta{
		CX:     k.CX,
		CY:     k.CY,
		CZ:     k.CZ,
		Resend: true,
		IDs:    encoding.EncodeRLE(ids),
		Data:   encoding.EncodeRLE(data),
	}
}

// ApplyDelta updates a client-side copy of a chunk in place.
func ApplyDelta(shift int, ids, data []uint16, d protocol.ChunkDelta) error {
	volume := 1 << (3 * shift)
	if len(ids) != volume || len(data) != volume {
		return fmt.Errorf("apply delta: cells sized %d/%d, want %d", len(ids), len(data), volume)
	}
	if d.Resend {
		nids, ndata, err := decodeCells(d.IDs, d.Data, volume)
		if err != nil {
			return err
		}
		copy(ids, nids)
		copy(data, ndata)
		return nil
	}
	side := 1 << shift
	for _, b := range d.Blocks {
		if b.X < 0 || b.X >= side || b.Y < 0 || b.Y >= side || b.Z < 0 || b.Z >= side {
			return fmt.Errorf("apply delta: block %d,%d,%d outside chunk", b.X, b.Y, b.Z)
		}
		i := blockstore.Index(shift, b.X, b.Y, b.Z)
		ids[i] = b.ID
		data[i] = b.Data
	}
	return nil
}
