package pipeline

import "sync/atomic"

// Stats holds pipeline statistics
type Stats struct {
	FramesIn      uint64 `json:"frames_in"`
	LateFrames    uint64 `json:"late_frames"`
	Aggregates    uint64 `json:"aggregates"`
	Sequenced     uint64 `json:"sequenced"`
	Composed      uint64 `json:"composed"`
	ComposeErrors uint64 `json:"compose_errors"`
	Skipped       uint64 `json:"skipped"`
	LateMerged    uint64 `json:"late_merged"`
	FramesOut     uint64 `json:"frames_out"`
	ChunksOut     uint64 `json:"chunks_out"`
	BytesChunked  uint64 `json:"bytes_chunked"`
}

// counters is shared by the stages of one pipeline
type counters struct {
	framesIn      uint64
	lateFrames    uint64
	aggregates    uint64
	sequenced     uint64
	composed      uint64
	composeErrors uint64
	skipped       uint64
	lateMerged    uint64
	framesOut     uint64
	chunksOut     uint64
}

func (c *counters) add(field *uint64, n uint64) {
	atomic.AddUint64(field, n)
}

func (c *counters) snapshot() Stats {
	return Stats{
		FramesIn:      atomic.LoadUint64(&c.framesIn),
		LateFrames:    atomic.LoadUint64(&c.lateFrames),
		Aggregates:    atomic.LoadUint64(&c.aggregates),
		Sequenced:     atomic.LoadUint64(&c.sequenced),
		Composed:      atomic.LoadUint64(&c.composed),
		ComposeErrors: atomic.LoadUint64(&c.composeErrors),
		Skipped:       atomic.LoadUint64(&c.skipped),
		LateMerged:    atomic.LoadUint64(&c.lateMerged),
		FramesOut:     atomic.LoadUint64(&c.framesOut),
		ChunksOut:     atomic.LoadUint64(&c.chunksOut),
	}
}
