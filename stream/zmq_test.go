package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"multi-video-grid/codec"
	"multi-video-grid/frame"
)

func TestZMQRoundTrip(t *testing.T) {
	c, err := codec.NewCBOR()
	if err != nil {
		t.Fatalf("NewCBOR failed: %v", err)
	}

	endpoint := "inproc://stream-roundtrip"
	src := NewZMQSource(endpoint, c, 10, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan frame.ChunkedFrame, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- src.Chunks(ctx, StartTail, out) }()

	sink, err := DialZMQSink(endpoint, c)
	if err != nil {
		t.Fatalf("DialZMQSink failed: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 3; i++ {
		chunk := frame.ChunkedFrame{Camera: i, Timestamp: 1000, FrameNumber: int64(i), Data: []byte{byte(i)}}
		if err := sink.Write(ctx, chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-out:
			if got.Camera != i || got.Data[0] != byte(i) {
				t.Errorf("chunk %d = %+v", i, got)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for chunks")
		}
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Chunks returned %v, want context.Canceled", err)
	}
}

func TestZMQSinkClosed(t *testing.T) {
	sink, err := DialZMQSink("inproc://stream-closed", codec.JSON{})
	if err != nil {
		t.Fatalf("DialZMQSink failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := sink.Write(context.Background(), frame.ChunkedFrame{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after close = %v, want ErrClosed", err)
	}
}

func TestLogDue(t *testing.T) {
	tests := []struct {
		n, every int
		want     bool
	}{
		{1, 1, true},
		{2, 1, true},
		{1, 10, true},
		{2, 10, false},
		{11, 10, true},
	}
	for _, tt := range tests {
		if got := logDue(tt.n, tt.every); got != tt.want {
			t.Errorf("logDue(%d, %d) = %v, want %v", tt.n, tt.every, got, tt.want)
		}
	}
}
