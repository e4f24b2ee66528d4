package indexdb

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	codecLZ4 = "lz4"
	codecRaw = "raw"
)

// encodeCells lays out ids then data as little-endian uint16 and compresses
// the result with LZ4. Incompressible chunks are stored raw.
func encodeCells(ids, data []uint16) (blob []byte, codec string, rawLen int) {
	raw := make([]byte, 2*(len(ids)+len(data)))
	for i, v := range ids {
		binary.LittleEndian.PutUint16(raw[2*i:], v)
	}
	off := 2 * len(ids)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[off+2*i:], v)
	}

	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, dst, nil)
	if err != nil || n == 0 || n >= len(raw) {
		return raw, codecRaw, len(raw)
	}
	return dst[:n], codecLZ4, len(raw)
}

func decodeCells(blob []byte, codec string, rawLen int) (ids, data []uint16, err error) {
	if rawLen%4 != 0 {
		return nil, nil, fmt.Errorf("bad raw length %d", rawLen)
	}
	raw := blob
	switch codec {
	case codecRaw:
	case codecLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(blob, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("lz4: %w", err)
		}
		raw = raw[:n]
	default:
		return nil, nil, fmt.Errorf("unknown codec %q", codec)
	}
	if len(raw) != rawLen {
		return nil, nil, fmt.Errorf("decoded %d bytes, want %d", len(raw), rawLen)
	}
	cells := rawLen / 4
	ids = make([]uint16, cells)
	data = make([]uint16, cells)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(raw[2*i:])
		data[i] = binary.LittleEndian.Uint16(raw[2*(cells+i):])
	}
	return ids, data, nil
}
