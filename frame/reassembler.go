package frame

import (
	"container/list"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxPendingParents = 256
	DefaultReassemblyTimeout = 10 * time.Second
	DefaultMaxChunks         = 1024
)

var (
	// ErrChunkOutOfRange is returned for chunk indices outside [0, finalChunkIndex]
	// or a final index that disagrees with earlier chunks of the same parent.
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrHashMismatch is returned when a reassembled payload does not match its hash
	ErrHashMismatch = errors.New("reassembled frame hash mismatch")
)

// ReassemblerConfig bounds the memory held for incomplete frames
type ReassemblerConfig struct {
	MaxPending int
	Timeout    time.Duration
	VerifyHash bool
	// MaxChunks caps the chunk count a single frame may announce
	MaxChunks int
}

type pendingFrame struct {
	key       ParentKey
	first     ChunkedFrame
	chunks    [][]byte
	received  int
	arrivedAt time.Time
	elem      *list.Element
}

// Reassembler buffers chunks by parent identity until every chunk of a frame
// has arrived. It is owned by a single goroutine and is not safe for
// concurrent use.
type Reassembler struct {
	config  ReassemblerConfig
	pending map[ParentKey]*pendingFrame
	order   *list.List // oldest first
	now     func() time.Time

	stats ReassemblerStats
}

// ReassemblerStats counts reassembly outcomes
type ReassemblerStats struct {
	FramesCompleted uint64
	Duplicates      uint64
	Evicted         uint64
	HashMismatches  uint64
	Rejected        uint64
}

// NewReassembler creates a reassembler with the given bounds
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPendingParents
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultReassemblyTimeout
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	return &Reassembler{
		config:  cfg,
		pending: make(map[ParentKey]*pendingFrame),
		order:   list.New(),
		now:     time.Now,
	}
}

// Add buffers a chunk. It returns the whole frame and true once the last
// missing chunk of its parent arrives. Duplicate chunks are ignored.
func (r *Reassembler) Add(c ChunkedFrame) (Frame, bool, error) {
	now := r.now()
	r.evictExpired(now)

	if c.FinalChunkIndex < 0 || c.ChunkIndex < 0 || c.ChunkIndex > c.FinalChunkIndex {
		r.stats.Rejected++
		return Frame{}, false, fmt.Errorf("%w: chunk %d of final %d (%s)", ErrChunkOutOfRange, c.ChunkIndex, c.FinalChunkIndex, c.Key())
	}
	if c.FinalChunkIndex >= r.config.MaxChunks {
		r.stats.Rejected++
		return Frame{}, false, fmt.Errorf("%w: final index %d exceeds %d chunks (%s)", ErrChunkOutOfRange, c.FinalChunkIndex, r.config.MaxChunks, c.Key())
	}

	// Fast path: single chunk frame
	if c.FinalChunkIndex == 0 {
		return r.complete(c, [][]byte{c.Data})
	}

	key := c.Key()
	p, exists := r.pending[key]
	if !exists {
		if len(r.pending) >= r.config.MaxPending {
			r.evictOldest()
		}
		p = &pendingFrame{
			key:       key,
			first:     c,
			chunks:    make([][]byte, c.FinalChunkIndex+1),
			arrivedAt: now,
		}
		p.elem = r.order.PushBack(p)
		r.pending[key] = p
	}

	if c.FinalChunkIndex != len(p.chunks)-1 {
		r.stats.Rejected++
		return Frame{}, false, fmt.Errorf("%w: final index %d disagrees with %d (%s)", ErrChunkOutOfRange, c.FinalChunkIndex, len(p.chunks)-1, key)
	}

	if p.chunks[c.ChunkIndex] != nil {
		r.stats.Duplicates++
		return Frame{}, false, nil
	}

	data := c.Data
	if data == nil {
		data = []byte{}
	}
	p.chunks[c.ChunkIndex] = data
	p.received++
	if c.ChunkIndex == 0 {
		p.first = c
	}

	if p.received < len(p.chunks) {
		return Frame{}, false, nil
	}

	r.remove(p)
	return r.complete(p.first, p.chunks)
}

// complete joins chunk payloads into a frame and verifies the hash
func (r *Reassembler) complete(first ChunkedFrame, parts [][]byte) (Frame, bool, error) {
	size := 0
	for _, part := range parts {
		size += len(part)
	}
	data := make([]byte, 0, size)
	for _, part := range parts {
		data = append(data, part...)
	}

	if r.config.VerifyHash && first.Hash != "" {
		if got := CalculateHash(data); got != first.Hash {
			r.stats.HashMismatches++
			return Frame{}, false, fmt.Errorf("%w: %s", ErrHashMismatch, first.Key())
		}
	}

	r.stats.FramesCompleted++
	return Frame{
		Camera:      first.Camera,
		Ssrc:        first.Ssrc,
		Timestamp:   FromMillis(first.Timestamp),
		FrameNumber: first.FrameNumber,
		Data:        data,
		Hash:        first.Hash,
		Tags:        first.Tags,
	}, true, nil
}

func (r *Reassembler) evictExpired(now time.Time) {
	for e := r.order.Front(); e != nil; {
		p := e.Value.(*pendingFrame)
		if now.Sub(p.arrivedAt) < r.config.Timeout {
			return
		}
		next := e.Next()
		r.remove(p)
		r.stats.Evicted++
		e = next
	}
}

func (r *Reassembler) evictOldest() {
	if e := r.order.Front(); e != nil {
		r.remove(e.Value.(*pendingFrame))
		r.stats.Evicted++
	}
}

func (r *Reassembler) remove(p *pendingFrame) {
	r.order.Remove(p.elem)
	delete(r.pending, p.key)
}

// Pending returns the number of incomplete parents currently buffered
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Stats returns a copy of the reassembly counters
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}
