package world

import "voxelstore.ai/internal/blockstore"

// ChangeEntry records one applied block write. Pos is in world coordinates.
type ChangeEntry struct {
	Tick     uint64 `json:"tick"`
	Source   string `json:"source,omitempty"`
	Pos      [3]int `json:"pos"`
	FromID   uint16 `json:"from_id"`
	FromData uint16 `json:"from_data"`
	ToID     uint16 `json:"to_id"`
	ToData   uint16 `json:"to_data"`
}

func (e ChangeEntry) From() blockstore.State {
	return blockstore.State{ID: e.FromID, Data: e.FromData}
}
func (e ChangeEntry) To() blockstore.State { return blockstore.State{ID: e.ToID, Data: e.ToData} }

type TickLogEntry struct {
	Tick         uint64  `json:"tick"`
	Changes      int     `json:"changes"`
	DirtyChunks  int     `json:"dirty_chunks"`
	Resends      int     `json:"resends"`
	Compressions int     `json:"compressions"`
	Subscribers  int     `json:"subscribers"`
	StepMS       float64 `json:"step_ms"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type ChangeLogger interface {
	WriteChange(entry ChangeEntry) error
}
