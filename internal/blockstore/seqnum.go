package blockstore

import "sync/atomic"

// Unstable is the sequence value of a slot that is being written or is
// claimed by a store-wide lock. Its payload must not be trusted.
const Unstable uint32 = 0

type seqCounter struct {
	n atomic.Uint32
}

// next never returns Unstable.
func (c *seqCounter) next() uint32 {
	for {
		if v := c.n.Add(1); v != Unstable {
			return v
		}
	}
}
