package mjpeg

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	RTPVersion         = 2
	RTPPayloadTypeJPEG = 26
	RTPHeaderSize      = 12
	JPEGHeaderSize     = 8

	// RFC 2435 JPEG/RTP specific
	DefaultMTU     = 1400
	MaxPayloadSize = DefaultMTU - RTPHeaderSize - JPEGHeaderSize
	RTPClockRate   = 90000

	// Width and height travel in 8 pixel blocks in one byte each
	maxDimension = 255 * 8
)

// RTPPacketizer splits JPEG frames into RTP packets according to RFC 2435
type RTPPacketizer struct {
	payloadType    uint8
	ssrc           uint32
	mtu            int
	maxPayloadSize int

	mu             sync.Mutex
	sequenceNumber uint16

	packetsSent uint64
	bytesSent   uint64
	framesSent  uint64
}

// NewRTPPacketizer creates a new RTP packetizer
func NewRTPPacketizer(ssrc uint32, mtu int) *RTPPacketizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}

	maxPayload := mtu - RTPHeaderSize - JPEGHeaderSize
	if maxPayload <= 0 {
		maxPayload = MaxPayloadSize
	}

	return &RTPPacketizer{
		payloadType:    RTPPayloadTypeJPEG,
		ssrc:           ssrc,
		mtu:            mtu,
		maxPayloadSize: maxPayload,
	}
}

// PacketizeJPEG splits a JPEG frame into marshalled RTP packets. The frame
// size is read from the JPEG header.
func (p *RTPPacketizer) PacketizeJPEG(jpegData []byte, timestamp uint32) ([][]byte, error) {
	if len(jpegData) == 0 {
		return nil, fmt.Errorf("empty JPEG data")
	}
	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		return nil, fmt.Errorf("invalid JPEG: missing SOI marker")
	}

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(jpegData))
	if err != nil {
		return nil, fmt.Errorf("failed to read JPEG header: %w", err)
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return nil, fmt.Errorf("JPEG %dx%d exceeds RTP/JPEG limit of %d", cfg.Width, cfg.Height, maxDimension)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	numPackets := (len(jpegData) + p.maxPayloadSize - 1) / p.maxPayloadSize
	packets := make([][]byte, 0, numPackets)

	for offset := 0; offset < len(jpegData); offset += p.maxPayloadSize {
		end := offset + p.maxPayloadSize
		if end > len(jpegData) {
			end = len(jpegData)
		}

		payload := make([]byte, JPEGHeaderSize+end-offset)
		putJPEGHeader(payload, uint32(offset), cfg.Width, cfg.Height)
		copy(payload[JPEGHeaderSize:], jpegData[offset:end])

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        RTPVersion,
				Marker:         end == len(jpegData),
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequenceNumber,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RTP packet: %w", err)
		}
		packets = append(packets, raw)
		p.sequenceNumber++
	}

	atomic.AddUint64(&p.packetsSent, uint64(len(packets)))
	atomic.AddUint64(&p.bytesSent, uint64(len(jpegData)))
	atomic.AddUint64(&p.framesSent, 1)

	return packets, nil
}

// putJPEGHeader writes the RFC 2435 main JPEG header. Q=128 signals
// in-band quantization tables.
func putJPEGHeader(b []byte, fragmentOffset uint32, width, height int) {
	b[0] = 0 // type-specific
	b[1] = uint8(fragmentOffset >> 16)
	b[2] = uint8(fragmentOffset >> 8)
	b[3] = uint8(fragmentOffset)
	b[4] = 0   // baseline
	b[5] = 128 // Q
	b[6] = uint8(width / 8)
	b[7] = uint8(height / 8)
}

// SequenceNumber returns the sequence number of the next packet
func (p *RTPPacketizer) SequenceNumber() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequenceNumber
}

// GetStats returns packetizer statistics
func (p *RTPPacketizer) GetStats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: atomic.LoadUint64(&p.packetsSent),
		BytesSent:   atomic.LoadUint64(&p.bytesSent),
		FramesSent:  atomic.LoadUint64(&p.framesSent),
		CurrentSeq:  p.SequenceNumber(),
	}
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64
	BytesSent   uint64
	FramesSent  uint64
	CurrentSeq  uint16
}

// MediaTimestamp converts a frame's event time to the 90kHz RTP clock
func MediaTimestamp(ts time.Time) uint32 {
	return uint32(ts.UnixMilli() * (RTPClockRate / 1000))
}
