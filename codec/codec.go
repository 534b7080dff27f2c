// Package codec encodes chunked frames for the source and sink logs.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"multi-video-grid/frame"
)

// Codec converts chunks to and from their wire representation
type Codec interface {
	Name() string
	Marshal(c frame.ChunkedFrame) ([]byte, error)
	Unmarshal(data []byte) (frame.ChunkedFrame, error)
}

// New returns the codec registered under name ("json" or "cbor")
func New(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return NewCBOR()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSON is the original wire format: one JSON object per chunk with the
// payload base64-encoded in "data".
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(c frame.ChunkedFrame) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}
	return data, nil
}

func (JSON) Unmarshal(data []byte) (frame.ChunkedFrame, error) {
	var c frame.ChunkedFrame
	if err := json.Unmarshal(data, &c); err != nil {
		return frame.ChunkedFrame{}, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return c, nil
}

// CBOR carries the same fields with raw byte strings instead of base64
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds a CBOR codec with canonical encoding
func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Name() string { return "cbor" }

func (c *CBOR) Marshal(ch frame.ChunkedFrame) ([]byte, error) {
	data, err := c.enc.Marshal(ch)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal chunk: %w", err)
	}
	return data, nil
}

func (c *CBOR) Unmarshal(data []byte) (frame.ChunkedFrame, error) {
	var ch frame.ChunkedFrame
	if err := c.dec.Unmarshal(data, &ch); err != nil {
		return frame.ChunkedFrame{}, fmt.Errorf("cbor unmarshal chunk: %w", err)
	}
	return ch, nil
}
