package pipeline

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"multi-video-grid/frame"
	"multi-video-grid/metrics"
)

// windowEvent is either a frame or a watermark, in source order
type windowEvent struct {
	frame     *frame.Frame
	watermark int64
}

// ingest assigns the watermark and spreads frames over the window workers by
// monitor. It is the only goroutine that sees every frame.
type ingest struct {
	size       int64
	bound      int64
	groupSize  int
	workers    []chan windowEvent
	closedTill int64 // windows ending at or before this are closed
	maxSeen    int64
	seen       bool
	stats      *counters
	logger     *zap.Logger
}

func newIngest(window, outOfOrderness time.Duration, groupSize int, workers []chan windowEvent, stats *counters, logger *zap.Logger) *ingest {
	return &ingest{
		size:       int64(window),
		bound:      int64(outOfOrderness),
		groupSize:  groupSize,
		workers:    workers,
		closedTill: math.MinInt64,
		stats:      stats,
		logger:     logger,
	}
}

func (g *ingest) run(ctx context.Context, frames <-chan frame.Frame) error {
	defer func() {
		for _, w := range g.workers {
			close(w)
		}
	}()

	for {
		var f frame.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok = <-frames:
			if !ok {
				g.logger.Info("Source exhausted, closing all windows")
				return nil
			}
		}

		if err := g.handle(ctx, f); err != nil {
			return err
		}
	}
}

func (g *ingest) handle(ctx context.Context, f frame.Frame) error {
	g.stats.add(&g.stats.framesIn, 1)

	if f.Camera < 0 {
		g.logger.Warn("Dropping frame with negative camera id", zap.Int("camera", f.Camera))
		return nil
	}

	ts := f.Timestamp.UnixNano()
	if windowStart(ts, g.size)+g.size <= g.closedTill {
		g.stats.add(&g.stats.lateFrames, 1)
		metrics.LateFrames.Inc()
		g.logger.Debug("Dropping late frame",
			zap.Int("camera", f.Camera),
			zap.Int64("frame_number", f.FrameNumber),
			zap.Time("timestamp", f.Timestamp))
		return nil
	}

	monitor := MonitorFor(f.Camera, g.groupSize)
	if err := g.send(ctx, g.workers[monitor%len(g.workers)], windowEvent{frame: &f}); err != nil {
		return err
	}

	if g.seen && ts <= g.maxSeen {
		return nil
	}
	g.seen = true
	g.maxSeen = ts

	// Only window boundaries matter to the workers
	boundary := windowStart(g.maxSeen-g.bound, g.size)
	if boundary <= g.closedTill {
		return nil
	}
	g.closedTill = boundary
	metrics.Watermark.Set(float64(boundary) / float64(time.Second))

	for _, w := range g.workers {
		if err := g.send(ctx, w, windowEvent{watermark: boundary}); err != nil {
			return err
		}
	}
	return nil
}

func (g *ingest) send(ctx context.Context, ch chan<- windowEvent, ev windowEvent) error {
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// windowWorker owns the sampler and aggregator state of the monitors in one
// partition
type windowWorker struct {
	id         int
	sampler    *Sampler
	aggregator *Aggregator
	in         <-chan windowEvent
	out        chan<- *MonitorAggregate
	stats      *counters
	logger     *zap.Logger
}

func (w *windowWorker) run(ctx context.Context) error {
	defer close(w.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.in:
			if !ok {
				return w.fire(ctx, math.MaxInt64)
			}
			if ev.frame != nil {
				w.sampler.Add(*ev.frame)
				continue
			}
			if err := w.fire(ctx, ev.watermark); err != nil {
				return err
			}
		}
	}
}

func (w *windowWorker) fire(ctx context.Context, watermark int64) error {
	aggs := w.aggregator.Aggregate(w.sampler.Fire(watermark))
	for _, agg := range aggs {
		w.logger.Debug("Window closed",
			zap.Int("monitor", agg.Monitor),
			zap.Time("window_start", agg.WindowStart),
			zap.Ints("cameras", agg.Cameras()))

		select {
		case w.out <- agg:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.stats.add(&w.stats.aggregates, 1)
		metrics.AggregatesEmitted.Inc()
	}
	return nil
}
