package frame

import (
	"errors"
	"sync/atomic"
)

const (
	// DefaultChunkSize matches the 512 KiB chunks used by the camera writers
	DefaultChunkSize = 512 * 1024

	// MinChunkSize keeps misconfiguration from exploding the chunk count
	MinChunkSize = 1024
)

// ErrEmptyFrame is returned when a frame has no parent identity to chunk under
var ErrEmptyFrame = errors.New("frame has no timestamp")

// Chunker splits frames into bounded-size chunks for transport
type Chunker struct {
	chunkSize int

	// Statistics
	framesChunked uint64
	chunksEmitted uint64
	bytesChunked  uint64
}

// NewChunker creates a chunker that emits payloads of at most chunkSize bytes
func NewChunker(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	return &Chunker{chunkSize: chunkSize}
}

// ChunkSize returns the maximum payload size per chunk
func (c *Chunker) ChunkSize() int {
	return c.chunkSize
}

// Chunk splits a frame into ordered chunks. An empty payload still yields a
// single chunk so the frame survives the trip.
func (c *Chunker) Chunk(f Frame) ([]ChunkedFrame, error) {
	if f.Timestamp.IsZero() {
		return nil, ErrEmptyFrame
	}

	// Calculate number of chunks needed
	numChunks := (len(f.Data) + c.chunkSize - 1) / c.chunkSize
	if numChunks == 0 {
		numChunks = 1
	}

	chunks := make([]ChunkedFrame, 0, numChunks)
	ts := f.Timestamp.UnixMilli()

	for i := 0; i < numChunks; i++ {
		start := i * c.chunkSize
		end := start + c.chunkSize
		if end > len(f.Data) {
			end = len(f.Data)
		}

		payload := make([]byte, end-start)
		copy(payload, f.Data[start:end])

		chunks = append(chunks, ChunkedFrame{
			Camera:          f.Camera,
			Ssrc:            f.Ssrc,
			Timestamp:       ts,
			FrameNumber:     f.FrameNumber,
			ChunkIndex:      i,
			FinalChunkIndex: numChunks - 1,
			Hash:            f.Hash,
			Tags:            f.Tags,
			Data:            payload,
		})
	}

	atomic.AddUint64(&c.framesChunked, 1)
	atomic.AddUint64(&c.chunksEmitted, uint64(len(chunks)))
	atomic.AddUint64(&c.bytesChunked, uint64(len(f.Data)))

	return chunks, nil
}

// GetStats returns chunker statistics
func (c *Chunker) GetStats() ChunkerStats {
	return ChunkerStats{
		FramesChunked: atomic.LoadUint64(&c.framesChunked),
		ChunksEmitted: atomic.LoadUint64(&c.chunksEmitted),
		BytesChunked:  atomic.LoadUint64(&c.bytesChunked),
	}
}

// ChunkerStats holds statistics about chunking
type ChunkerStats struct {
	FramesChunked uint64
	ChunksEmitted uint64
	BytesChunked  uint64
}
