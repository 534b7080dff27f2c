package pipeline

import (
	"sort"
	"time"

	"multi-video-grid/frame"
)

// windowStart returns the start of the tumbling window containing ts. Both
// values are unix nanoseconds.
func windowStart(ts, size int64) int64 {
	r := ts % size
	if r < 0 {
		r += size
	}
	return ts - r
}

// Sample is the frame a camera kept for one window
type Sample struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Frame       frame.Frame
}

type sampleKey struct {
	start  int64
	camera int
}

// Sampler keeps the latest frame per camera and tumbling window
type Sampler struct {
	size   int64
	latest map[sampleKey]frame.Frame
}

// NewSampler creates a sampler for windows of the given length
func NewSampler(window time.Duration) *Sampler {
	return &Sampler{
		size:   int64(window),
		latest: make(map[sampleKey]frame.Frame),
	}
}

// Add offers a frame. It replaces the kept frame of its window when newer.
func (s *Sampler) Add(f frame.Frame) {
	k := sampleKey{start: windowStart(f.Timestamp.UnixNano(), s.size), camera: f.Camera}
	if cur, ok := s.latest[k]; !ok || Newer(f, cur) {
		s.latest[k] = f
	}
}

// Fire removes every window that ends at or before watermark and returns its
// samples ordered by window start, then camera
func (s *Sampler) Fire(watermark int64) []Sample {
	var fired []sampleKey
	for k := range s.latest {
		if k.start+s.size <= watermark {
			fired = append(fired, k)
		}
	}
	if len(fired) == 0 {
		return nil
	}

	sort.Slice(fired, func(i, j int) bool {
		if fired[i].start != fired[j].start {
			return fired[i].start < fired[j].start
		}
		return fired[i].camera < fired[j].camera
	})

	samples := make([]Sample, 0, len(fired))
	for _, k := range fired {
		samples = append(samples, Sample{
			WindowStart: time.Unix(0, k.start).UTC(),
			WindowEnd:   time.Unix(0, k.start+s.size).UTC(),
			Frame:       s.latest[k],
		})
		delete(s.latest, k)
	}
	return samples
}

// Pending returns the number of open (camera, window) slots
func (s *Sampler) Pending() int {
	return len(s.latest)
}

// Newer reports whether a should replace b as the latest frame. Equal
// timestamps fall back to the frame number, then the hash, so the choice does
// not depend on arrival order.
func Newer(a, b frame.Frame) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.FrameNumber != b.FrameNumber {
		return a.FrameNumber > b.FrameNumber
	}
	return a.Hash > b.Hash
}
