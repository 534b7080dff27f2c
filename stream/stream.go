// Package stream connects the pipeline to the chunked frame logs it reads
// from and writes to.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multi-video-grid/frame"
	"multi-video-grid/metrics"
)

// ErrClosed is returned when writing to a closed log
var ErrClosed = errors.New("stream closed")

// StartPosition selects where a source begins reading its log
type StartPosition int

const (
	// StartBeginning replays the whole retained log
	StartBeginning StartPosition = iota
	// StartTail reads only chunks appended after the source opens
	StartTail
)

func (p StartPosition) String() string {
	switch p {
	case StartBeginning:
		return "beginning"
	case StartTail:
		return "tail"
	default:
		return fmt.Sprintf("StartPosition(%d)", int(p))
	}
}

// StartAt maps the start_at_tail config flag to a position
func StartAt(tail bool) StartPosition {
	if tail {
		return StartTail
	}
	return StartBeginning
}

// ChunkSource delivers chunks from an ordered log. Chunks blocks until ctx
// is cancelled or the log ends and never closes out.
type ChunkSource interface {
	Chunks(ctx context.Context, start StartPosition, out chan<- frame.ChunkedFrame) error
}

// ChunkSink appends chunks to an ordered log
type ChunkSink interface {
	Write(ctx context.Context, chunk frame.ChunkedFrame) error
	Close() error
}

// SourceStats counts what a FrameSource has seen
type SourceStats struct {
	Chunks  uint64 `json:"chunks"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
}

// FrameSource reassembles chunks from a ChunkSource into whole frames
type FrameSource struct {
	chunks ChunkSource
	start  StartPosition
	config frame.ReassemblerConfig
	logger *zap.Logger

	chunksIn  uint64
	framesOut uint64
	dropped   uint64
}

// NewFrameSource creates a frame source reading from start
func NewFrameSource(chunks ChunkSource, start StartPosition, cfg frame.ReassemblerConfig, logger *zap.Logger) *FrameSource {
	return &FrameSource{
		chunks: chunks,
		start:  start,
		config: cfg,
		logger: logger,
	}
}

// Frames reads and reassembles until the chunk source ends or ctx is done.
// Incomplete or corrupt frames are logged and dropped.
func (s *FrameSource) Frames(ctx context.Context, out chan<- frame.Frame) error {
	s.logger.Info("Opening frame source", zap.Stringer("start", s.start))

	r := frame.NewReassembler(s.config)
	raw := make(chan frame.ChunkedFrame, 64)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(raw)
		return s.chunks.Chunks(ctx, s.start, raw)
	})

	g.Go(func() error {
		var last frame.ReassemblerStats
		for c := range raw {
			atomic.AddUint64(&s.chunksIn, 1)
			metrics.ChunksReceived.Inc()

			f, ok, err := r.Add(c)
			last = s.recordDrops(last, r.Stats())
			if err != nil {
				s.logger.Warn("Dropping chunk", zap.Stringer("parent", c.Key()), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}

			atomic.AddUint64(&s.framesOut, 1)
			metrics.FramesReassembled.Inc()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- f:
			}
		}
		return nil
	})

	return g.Wait()
}

func (s *FrameSource) recordDrops(prev, cur frame.ReassemblerStats) frame.ReassemblerStats {
	deltas := []struct {
		reason string
		n      uint64
	}{
		{"duplicate", cur.Duplicates - prev.Duplicates},
		{"evicted", cur.Evicted - prev.Evicted},
		{"hash_mismatch", cur.HashMismatches - prev.HashMismatches},
		{"rejected", cur.Rejected - prev.Rejected},
	}
	for _, d := range deltas {
		if d.n == 0 {
			continue
		}
		atomic.AddUint64(&s.dropped, d.n)
		metrics.ReassemblyDrops.WithLabelValues(d.reason).Add(float64(d.n))
	}
	return cur
}

// GetStats returns source statistics
func (s *FrameSource) GetStats() SourceStats {
	return SourceStats{
		Chunks:  atomic.LoadUint64(&s.chunksIn),
		Frames:  atomic.LoadUint64(&s.framesOut),
		Dropped: atomic.LoadUint64(&s.dropped),
	}
}
