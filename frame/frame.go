package frame

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Frame is a single whole image from a camera, or a composite grid image
// keyed by monitor id once it leaves the composer.
type Frame struct {
	Camera      int
	Ssrc        int
	Timestamp   time.Time
	FrameNumber int64
	Data        []byte
	Hash        string
	Tags        map[string]string
}

// ParentKey identifies the frame a chunk belongs to
type ParentKey struct {
	Camera      int
	Ssrc        int
	FrameNumber int64
	TimestampMs int64
}

func (k ParentKey) String() string {
	return fmt.Sprintf("camera=%d ssrc=%d frame=%d ts=%d", k.Camera, k.Ssrc, k.FrameNumber, k.TimestampMs)
}

// Key returns the parent identity used to tag this frame's chunks
func (f Frame) Key() ParentKey {
	return ParentKey{
		Camera:      f.Camera,
		Ssrc:        f.Ssrc,
		FrameNumber: f.FrameNumber,
		TimestampMs: f.Timestamp.UnixMilli(),
	}
}

// ChunkedFrame is the wire unit exchanged with the source and sink logs.
// Field names follow the JSON layout used by the camera writers.
type ChunkedFrame struct {
	Camera          int               `json:"camera" cbor:"camera"`
	Ssrc            int               `json:"ssrc" cbor:"ssrc"`
	Timestamp       int64             `json:"timestamp" cbor:"timestamp"` // milliseconds since epoch
	FrameNumber     int64             `json:"frameNumber" cbor:"frameNumber"`
	ChunkIndex      int               `json:"chunkIndex" cbor:"chunkIndex"`
	FinalChunkIndex int               `json:"finalChunkIndex" cbor:"finalChunkIndex"`
	Hash            string            `json:"hash,omitempty" cbor:"hash,omitempty"`
	Tags            map[string]string `json:"tags,omitempty" cbor:"tags,omitempty"`
	Data            []byte            `json:"data" cbor:"data"`
}

// Key returns the identity of the parent frame
func (c ChunkedFrame) Key() ParentKey {
	return ParentKey{
		Camera:      c.Camera,
		Ssrc:        c.Ssrc,
		FrameNumber: c.FrameNumber,
		TimestampMs: c.Timestamp,
	}
}

// CalculateHash returns the hex SHA-256 digest of data
func CalculateHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FromMillis converts a wire timestamp to time.Time in UTC
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
