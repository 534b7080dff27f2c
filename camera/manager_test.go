package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"multi-video-grid/config"
	"multi-video-grid/frame"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks []frame.ChunkedFrame
	err    error
}

func (s *recordingSink) Write(_ context.Context, c frame.ChunkedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func testGeneratorConfig() config.GeneratorConfig {
	return config.GeneratorConfig{
		Cameras:      3,
		FramesPerSec: 100,
		Width:        64,
		Height:       48,
		Quality:      80,
		NumFrames:    4,
	}
}

func TestCameraRender(t *testing.T) {
	cam := NewCamera(2, 64, 48, 80)
	ts := time.UnixMilli(1_700_000_000_000)

	f, err := cam.Next(ts)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if f.Camera != 2 || f.FrameNumber != 0 || !f.Timestamp.Equal(ts) {
		t.Errorf("unexpected frame header %+v", f)
	}
	if f.Hash != frame.CalculateHash(f.Data) {
		t.Error("hash does not match payload")
	}

	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		t.Fatalf("frame is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("image size = %dx%d, want 64x48", b.Dx(), b.Dy())
	}

	next, _ := cam.Next(ts.Add(time.Second))
	if next.FrameNumber != 1 {
		t.Errorf("second frame number = %d, want 1", next.FrameNumber)
	}
}

func TestManagerRun(t *testing.T) {
	sink := &recordingSink{}
	m, err := NewManager(testGeneratorConfig(), 256, sink, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if m.Written() != 12 {
		t.Errorf("Written = %d, want 12", m.Written())
	}

	r := frame.NewReassembler(frame.ReassemblerConfig{VerifyHash: true})
	perCamera := map[int]int{}
	for _, c := range sink.chunks {
		f, ok, err := r.Add(c)
		if err != nil {
			t.Fatalf("reassembly failed: %v", err)
		}
		if ok {
			perCamera[f.Camera]++
		}
	}
	for cam := 0; cam < 3; cam++ {
		if perCamera[cam] != 4 {
			t.Errorf("camera %d produced %d frames, want 4", cam, perCamera[cam])
		}
	}

	status := m.GetStatus()
	if status["running"] != false || status["cameras"] != 3 {
		t.Errorf("unexpected status %v", status)
	}
}

func TestManagerSinkError(t *testing.T) {
	boom := errors.New("boom")
	m, err := NewManager(testGeneratorConfig(), 256, &recordingSink{err: boom}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Run = %v, want wrapped sink error", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.GeneratorConfig)
	}{
		{"no cameras", func(c *config.GeneratorConfig) { c.Cameras = 0 }},
		{"zero fps", func(c *config.GeneratorConfig) { c.FramesPerSec = 0 }},
		{"zero width", func(c *config.GeneratorConfig) { c.Width = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testGeneratorConfig()
			tt.modify(&cfg)
			if _, err := NewManager(cfg, 256, &recordingSink{}, zaptest.NewLogger(t)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
