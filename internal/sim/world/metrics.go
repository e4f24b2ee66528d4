package world

// WorldMetrics is a read-only view of runtime signals. The loop goroutine
// publishes it once per tick; HTTP handlers and tests read it.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	LoadedChunks int `json:"loaded_chunks"`
	Subscribers  int `json:"subscribers"`

	DirtyChunks int `json:"dirty_chunks"`
	Resends     int `json:"resends"`

	ChangesTotal   uint64 `json:"changes_total"`
	ChangesDropped uint64 `json:"changes_dropped"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Compressions   uint64 `json:"compressions"`

	// Refreshed on maintenance ticks.
	PromotedCells int `json:"promoted_cells"`
	OverflowSlots int `json:"overflow_slots"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS           float64 `json:"step_ms"`
	LastSnapshotTick uint64  `json:"last_snapshot_tick"`
}

type QueueDepths struct {
	Changes int `json:"changes"`
	Join    int `json:"join"`
	Leave   int `json:"leave"`
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	m, _ := w.metrics.Load().(WorldMetrics)
	return m
}

func (w *World) updateMetrics(entry TickLogEntry, stats chunkStats) {
	prev := w.Metrics()
	m := WorldMetrics{
		Tick:           entry.Tick,
		LoadedChunks:   w.chunks.Len(),
		Subscribers:    len(w.subs),
		DirtyChunks:    entry.DirtyChunks,
		Resends:        entry.Resends,
		ChangesTotal:   w.changesTotal.Load(),
		ChangesDropped: w.changesDropped.Load(),
		Compressions:   w.compressions.Load(),
		PromotedCells:  prev.PromotedCells,
		OverflowSlots:  prev.OverflowSlots,
		QueueDepths: QueueDepths{
			Changes: len(w.changes),
			Join:    len(w.join),
			Leave:   len(w.leave),
		},
		StepMS:           entry.StepMS,
		LastSnapshotTick: w.lastSnapshotTick.Load(),
	}
	if every(entry.Tick, w.cfg.MaintenanceEveryTicks) {
		m.PromotedCells = stats.promoted
		m.OverflowSlots = stats.slots
	}
	for _, sub := range w.subs {
		m.FramesDropped += sub.Dropped()
	}
	w.metrics.Store(m)
}
