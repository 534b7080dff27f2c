package frame

import (
	"errors"
	"testing"
	"time"
)

// TestReassemblerDuplicateChunk tests duplicate chunks are ignored
func TestReassemblerDuplicateChunk(t *testing.T) {
	c := NewChunker(MinChunkSize)
	r := NewReassembler(ReassemblerConfig{})

	chunks, _ := c.Chunk(testFrame(0, 1, 2*MinChunkSize))

	if _, ok, err := r.Add(chunks[0]); ok || err != nil {
		t.Fatalf("first chunk: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Add(chunks[0]); ok || err != nil {
		t.Fatalf("duplicate chunk: ok=%v err=%v", ok, err)
	}
	f, ok, err := r.Add(chunks[1])
	if !ok || err != nil {
		t.Fatalf("last chunk: ok=%v err=%v", ok, err)
	}
	if len(f.Data) != 2*MinChunkSize {
		t.Errorf("payload = %d bytes", len(f.Data))
	}
	if r.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", r.Stats().Duplicates)
	}
}

// TestReassemblerOutOfRange tests malformed chunk indices
func TestReassemblerOutOfRange(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{})

	tests := []struct {
		name  string
		chunk ChunkedFrame
	}{
		{name: "index beyond final", chunk: ChunkedFrame{Timestamp: 1, ChunkIndex: 3, FinalChunkIndex: 1}},
		{name: "negative index", chunk: ChunkedFrame{Timestamp: 1, ChunkIndex: -1, FinalChunkIndex: 1}},
		{name: "negative final", chunk: ChunkedFrame{Timestamp: 1, ChunkIndex: 0, FinalChunkIndex: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := r.Add(tt.chunk)
			if ok || !errors.Is(err, ErrChunkOutOfRange) {
				t.Errorf("ok=%v err=%v, want ErrChunkOutOfRange", ok, err)
			}
		})
	}

	// Final index must agree across chunks of one parent
	if _, _, err := r.Add(ChunkedFrame{Timestamp: 5, ChunkIndex: 0, FinalChunkIndex: 2}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, _, err := r.Add(ChunkedFrame{Timestamp: 5, ChunkIndex: 1, FinalChunkIndex: 3}); !errors.Is(err, ErrChunkOutOfRange) {
		t.Errorf("err = %v, want ErrChunkOutOfRange", err)
	}
}

// TestReassemblerHashMismatch tests corrupted payloads are dropped
func TestReassemblerHashMismatch(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{VerifyHash: true})

	chunk := ChunkedFrame{Timestamp: 10, FinalChunkIndex: 0, Hash: CalculateHash([]byte("abc")), Data: []byte("abd")}
	_, ok, err := r.Add(chunk)
	if ok || !errors.Is(err, ErrHashMismatch) {
		t.Errorf("ok=%v err=%v, want ErrHashMismatch", ok, err)
	}
}

// TestReassemblerEvictsOldest tests the pending bound
func TestReassemblerEvictsOldest(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{MaxPending: 2})

	for i := int64(0); i < 3; i++ {
		if _, _, err := r.Add(ChunkedFrame{Timestamp: 1000 + i, FrameNumber: i, ChunkIndex: 0, FinalChunkIndex: 1}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if r.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", r.Pending())
	}
	if r.Stats().Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", r.Stats().Evicted)
	}

	// The evicted parent (frame 0) cannot complete any more
	_, ok, _ := r.Add(ChunkedFrame{Timestamp: 1000, FrameNumber: 0, ChunkIndex: 1, FinalChunkIndex: 1})
	if ok {
		t.Error("evicted parent should not complete from a single late chunk")
	}

	// Frame 2 is still pending and completes
	_, ok, _ = r.Add(ChunkedFrame{Timestamp: 1002, FrameNumber: 2, ChunkIndex: 1, FinalChunkIndex: 1})
	if !ok {
		t.Error("frame 2 should complete")
	}
}

// TestReassemblerEvictsExpired tests the age bound
func TestReassemblerEvictsExpired(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{Timeout: time.Second})
	now := time.Unix(100, 0)
	r.now = func() time.Time { return now }

	if _, _, err := r.Add(ChunkedFrame{Timestamp: 1, ChunkIndex: 0, FinalChunkIndex: 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	now = now.Add(2 * time.Second)
	if _, _, err := r.Add(ChunkedFrame{Timestamp: 2, ChunkIndex: 0, FinalChunkIndex: 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if r.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", r.Pending())
	}
	if r.Stats().Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", r.Stats().Evicted)
	}
}

// TestReassemblerRejectsOversizedFrame tests the announced chunk count is
// capped before anything is buffered
func TestReassemblerRejectsOversizedFrame(t *testing.T) {
	r := NewReassembler(ReassemblerConfig{MaxChunks: 4})

	tests := []struct {
		name  string
		final int
	}{
		{name: "just over the cap", final: 4},
		{name: "huge", final: 1 << 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := r.Add(ChunkedFrame{Camera: 1, Timestamp: 1, FinalChunkIndex: tt.final, Data: []byte("x")})
			if ok || !errors.Is(err, ErrChunkOutOfRange) {
				t.Errorf("ok=%v err=%v, want ErrChunkOutOfRange", ok, err)
			}
		})
	}

	if r.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", r.Pending())
	}
	if r.Stats().Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", r.Stats().Rejected)
	}

	// The last chunk the cap allows still reassembles
	for i := 0; i < 4; i++ {
		f, ok, err := r.Add(ChunkedFrame{Camera: 1, Timestamp: 2, ChunkIndex: i, FinalChunkIndex: 3, Data: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if ok != (i == 3) {
			t.Fatalf("chunk %d: ok=%v", i, ok)
		}
		if ok && len(f.Data) != 4 {
			t.Errorf("payload = %d bytes, want 4", len(f.Data))
		}
	}
}
