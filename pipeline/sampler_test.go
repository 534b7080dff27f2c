package pipeline

import (
	"math/rand"
	"testing"
	"time"

	"multi-video-grid/frame"
)

func TestWindowStart(t *testing.T) {
	sec := int64(time.Second)

	tests := []struct {
		name string
		ts   int64
		want int64
	}{
		{name: "zero", ts: 0, want: 0},
		{name: "inside first window", ts: sec / 2, want: 0},
		{name: "on boundary", ts: 3 * sec, want: 3 * sec},
		{name: "just before boundary", ts: 3*sec - 1, want: 2 * sec},
		{name: "negative", ts: -sec / 2, want: -sec},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := windowStart(tt.ts, sec); got != tt.want {
				t.Errorf("windowStart(%d) = %d, want %d", tt.ts, got, tt.want)
			}
		})
	}
}

func TestSamplerLatestWins(t *testing.T) {
	s := NewSampler(time.Second)

	s.Add(camFrame(0, 100, 1))
	s.Add(camFrame(0, 900, 3))
	s.Add(camFrame(0, 500, 2))
	s.Add(camFrame(1, 200, 1))

	samples := s.Fire(ms(1000))
	if len(samples) != 2 {
		t.Fatalf("got %d samples, want 2", len(samples))
	}

	if samples[0].Frame.Camera != 0 || samples[0].Frame.FrameNumber != 3 {
		t.Errorf("camera 0 kept frame %d, want 3", samples[0].Frame.FrameNumber)
	}
	if samples[1].Frame.Camera != 1 {
		t.Errorf("second sample camera = %d, want 1", samples[1].Frame.Camera)
	}
	if !samples[0].WindowEnd.Equal(time.UnixMilli(1000)) {
		t.Errorf("WindowEnd = %v", samples[0].WindowEnd)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestSamplerFiresOnlyClosedWindows(t *testing.T) {
	s := NewSampler(time.Second)

	s.Add(camFrame(0, 300, 1))
	s.Add(camFrame(0, 1300, 2))
	s.Add(camFrame(0, 2300, 3))

	if got := s.Fire(ms(999)); len(got) != 0 {
		t.Fatalf("fired %d samples before the window closed", len(got))
	}

	got := s.Fire(ms(2000))
	if len(got) != 2 {
		t.Fatalf("got %d samples, want 2", len(got))
	}
	if got[0].Frame.FrameNumber != 1 || got[1].Frame.FrameNumber != 2 {
		t.Errorf("windows fired out of order: %d, %d", got[0].Frame.FrameNumber, got[1].Frame.FrameNumber)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", s.Pending())
	}
}

func TestSamplerDeterministicUnderPermutation(t *testing.T) {
	frames := []frame.Frame{
		camFrame(0, 100, 1),
		camFrame(0, 700, 2),
		camFrame(0, 700, 5), // same timestamp, higher frame number
		camFrame(0, 300, 9),
		withHash(camFrame(1, 400, 1), "7c"),
		withHash(camFrame(1, 400, 1), "ff"), // full tie broken by hash
		withHash(camFrame(1, 400, 1), "0a"),
	}

	want := map[int]frame.Frame{}
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		perm := append([]frame.Frame(nil), frames...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		s := NewSampler(time.Second)
		for _, f := range perm {
			s.Add(f)
		}

		for _, sample := range s.Fire(ms(1000)) {
			f := sample.Frame
			if round == 0 {
				want[f.Camera] = f
				continue
			}
			w := want[f.Camera]
			if f.FrameNumber != w.FrameNumber || f.Hash != w.Hash || !f.Timestamp.Equal(w.Timestamp) {
				t.Fatalf("round %d camera %d picked %d/%s, want %d/%s", round, f.Camera, f.FrameNumber, f.Hash, w.FrameNumber, w.Hash)
			}
		}
	}

	if want[0].FrameNumber != 5 {
		t.Errorf("camera 0 picked frame %d, want 5", want[0].FrameNumber)
	}
	if want[1].Hash != "ff" {
		t.Errorf("camera 1 picked hash %q, want ff", want[1].Hash)
	}
}

func TestSamplerEmpty(t *testing.T) {
	s := NewSampler(time.Second)
	if got := s.Fire(ms(10_000)); got != nil {
		t.Errorf("empty sampler fired %d samples", len(got))
	}
}

func camFrame(camera int, tsMs, number int64) frame.Frame {
	data := []byte{byte(camera), byte(number)}
	return frame.Frame{
		Camera:      camera,
		Ssrc:        camera,
		Timestamp:   time.UnixMilli(tsMs).UTC(),
		FrameNumber: number,
		Data:        data,
		Hash:        frame.CalculateHash(data),
	}
}

func withHash(f frame.Frame, hash string) frame.Frame {
	f.Hash = hash
	return f
}

func ms(v int64) int64 {
	return v * int64(time.Millisecond)
}
