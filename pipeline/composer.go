package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"multi-video-grid/detect"
	"multi-video-grid/frame"
	"multi-video-grid/grid"
	"multi-video-grid/metrics"
)

// ErrEmptyAggregate is returned when an item carries no camera frames
var ErrEmptyAggregate = errors.New("aggregate has no frames")

// Composer turns a sequenced aggregate into the monitor's composite frame
type Composer interface {
	Compose(ctx context.Context, item SequencedItem) (frame.Frame, error)
}

// GridComposer draws each camera of a monitor into its grid slot
type GridComposer struct {
	builder   *grid.Builder
	detector  detect.Detector
	groupSize int
	ssrcBase  int
	logger    *zap.Logger
}

// NewGridComposer creates a composer. A nil detector passes images through.
func NewGridComposer(builder *grid.Builder, detector detect.Detector, groupSize, ssrcBase int, logger *zap.Logger) *GridComposer {
	if detector == nil {
		detector = detect.PassThrough{}
	}
	return &GridComposer{
		builder:   builder,
		detector:  detector,
		groupSize: groupSize,
		ssrcBase:  ssrcBase,
		logger:    logger,
	}
}

// Compose builds the composite frame for item
func (c *GridComposer) Compose(ctx context.Context, item SequencedItem) (frame.Frame, error) {
	agg := item.Aggregate
	if agg == nil || len(agg.Frames) == 0 {
		return frame.Frame{}, ErrEmptyAggregate
	}

	tiles := make(map[int][]byte, len(agg.Frames))
	for camera, f := range agg.Frames {
		data, err := c.detector.Detect(ctx, f.Data)
		if err != nil {
			// Detection is optional; keep the raw image
			c.logger.Warn("Detection failed, using raw image", zap.Int("camera", camera), zap.Error(err))
			data = f.Data
		}
		tiles[PositionFor(camera, c.groupSize)] = data
	}

	data, err := c.builder.Compose(tiles)
	if err != nil {
		return frame.Frame{}, err
	}

	cams := agg.Cameras()
	return frame.Frame{
		Camera:      agg.Monitor,
		Ssrc:        c.ssrcBase + agg.Monitor,
		Timestamp:   agg.Timestamp,
		FrameNumber: int64(item.Index),
		Data:        data,
		Hash:        frame.CalculateHash(data),
		Tags: map[string]string{
			"numCameras": strconv.Itoa(len(cams)),
			"cameras":    formatCameras(cams),
		},
	}, nil
}

// formatCameras renders camera ids as "[0, 1]"
func formatCameras(cams []int) string {
	parts := make([]string, len(cams))
	for i, c := range cams {
		parts[i] = strconv.Itoa(c)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// composeLane runs workers composers over one lane. Completion order is not
// preserved. Failed items leave as drop markers.
type composeLane struct {
	lane     Lane
	workers  int
	composer Composer
	in       <-chan SequencedItem
	out      chan SequencedItem
	stats    *counters
	logger   *zap.Logger
}

func (l *composeLane) run(ctx context.Context) error {
	defer close(l.out)

	label := strconv.Itoa(int(l.lane))
	errs := make(chan error, l.workers)
	var wg sync.WaitGroup

	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.work(ctx, label); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	return <-errs
}

func (l *composeLane) work(ctx context.Context, label string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-l.in:
			if !ok {
				return nil
			}

			out := l.compose(ctx, item, label)

			select {
			case l.out <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (l *composeLane) compose(ctx context.Context, item SequencedItem, label string) SequencedItem {
	start := time.Now()
	f, err := l.composer.Compose(ctx, item)
	metrics.ComposeDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if err != nil {
		l.stats.add(&l.stats.composeErrors, 1)
		metrics.ComposeErrors.WithLabelValues(label).Inc()
		l.logger.Warn("Compose failed, dropping frame",
			zap.Int("monitor", item.Monitor),
			zap.Uint64("index", item.Index),
			zap.Error(err))
		return SequencedItem{Index: item.Index, Monitor: item.Monitor, Origin: item.Origin, Dropped: true}
	}

	l.stats.add(&l.stats.composed, 1)
	l.logger.Debug("Composed frame",
		zap.Int("monitor", item.Monitor),
		zap.Uint64("index", item.Index),
		zap.Int("bytes", len(f.Data)),
		zap.Duration("took", time.Since(start)))

	return SequencedItem{Index: item.Index, Monitor: item.Monitor, Origin: item.Origin, Frame: &f}
}
