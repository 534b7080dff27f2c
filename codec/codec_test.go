package codec

import (
	"encoding/json"
	"reflect"
	"testing"

	"multi-video-grid/frame"
)

func sampleChunk() frame.ChunkedFrame {
	return frame.ChunkedFrame{
		Camera:          4,
		Ssrc:            12,
		Timestamp:       1_700_000_000_123,
		FrameNumber:     99,
		ChunkIndex:      1,
		FinalChunkIndex: 3,
		Hash:            "abc",
		Tags:            map[string]string{"numCameras": "2"},
		Data:            []byte{0xFF, 0xD8, 0x00, 0x01},
	}
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "cbor"} {
		t.Run(name, func(t *testing.T) {
			c, err := New(name)
			if err != nil {
				t.Fatalf("New(%q) error: %v", name, err)
			}
			if c.Name() != name {
				t.Fatalf("Name = %q", c.Name())
			}

			want := sampleChunk()
			data, err := c.Marshal(want)
			if err != nil {
				t.Fatalf("Marshal error: %v", err)
			}
			got, err := c.Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal error: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("mismatch: got %#v want %#v", got, want)
			}
		})
	}
}

// TestJSONFieldNames checks compatibility with the camera writers' layout
func TestJSONFieldNames(t *testing.T) {
	data, err := JSON{}.Marshal(sampleChunk())
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	for _, key := range []string{"camera", "ssrc", "timestamp", "frameNumber", "chunkIndex", "finalChunkIndex", "hash", "tags", "data"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing field %q", key)
		}
	}
	if fields["data"] != "/9gAAQ==" {
		t.Errorf("data = %v, want base64 payload", fields["data"])
	}
}

func TestUnknownCodec(t *testing.T) {
	if _, err := New("protobuf"); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	if _, err := (JSON{}).Unmarshal([]byte("{")); err == nil {
		t.Error("expected JSON error")
	}
	c, _ := NewCBOR()
	if _, err := c.Unmarshal([]byte{0xFF}); err == nil {
		t.Error("expected CBOR error")
	}
}
