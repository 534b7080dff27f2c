// Package pipeline turns camera frames into ordered monitor grid frames.
//
// Frames are sampled per camera and tumbling window, grouped per monitor,
// numbered per monitor, spread over P compose lanes by index mod P and put
// back into index order by a fixed tree of merge stages before being chunked
// and written out.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multi-video-grid/frame"
	"multi-video-grid/metrics"
	"multi-video-grid/sequence"
)

// Source produces reassembled camera frames until ctx is cancelled or the
// input is exhausted. It must not close out.
type Source interface {
	Frames(ctx context.Context, out chan<- frame.Frame) error
}

// Sink appends chunks of composite frames to the output log
type Sink interface {
	Write(ctx context.Context, chunk frame.ChunkedFrame) error
}

// Observer sees every composite frame in output order. It must not block.
type Observer func(f frame.Frame)

// Options holds the pipeline shape
type Options struct {
	WindowLength   time.Duration
	OutOfOrderness time.Duration
	GroupSize      int
	Parallelism    int
	WorkersPerLane int
	Partitions     int
	ChunkSize      int
	Merge          MergeConfig
	StageBuffer    int
	LaneBuffer     int
}

func (o *Options) normalize() error {
	if o.WindowLength <= 0 {
		return fmt.Errorf("window length must be positive, got %v", o.WindowLength)
	}
	if o.GroupSize < 1 {
		return fmt.Errorf("group size must be at least 1, got %d", o.GroupSize)
	}
	if o.Parallelism < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", o.Parallelism)
	}
	if o.WorkersPerLane < 1 {
		o.WorkersPerLane = 1
	}
	if o.Partitions < 1 {
		o.Partitions = 1
	}
	if o.StageBuffer < 1 {
		o.StageBuffer = 64
	}
	if o.LaneBuffer < 1 {
		o.LaneBuffer = 16
	}
	if lead := o.laneLead(); o.Merge.MaxPending < lead {
		o.Merge.MaxPending = lead
	}
	return nil
}

// laneLead is how many items healthy lanes can run ahead of a slow lane
// before the router blocks on it: every lane queue and worker full, plus one
// stage buffer. Merge stages must hold at least that many per monitor.
func (o *Options) laneLead() int {
	return o.Parallelism*(o.LaneBuffer+o.WorkersPerLane) + o.StageBuffer
}

// Pipeline wires all stages between one source and one sink
type Pipeline struct {
	opts      Options
	source    Source
	sink      Sink
	store     sequence.Store
	composer  Composer
	chunker   *frame.Chunker
	observers []Observer
	stats     *counters
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
}

// New creates a pipeline
func New(opts Options, source Source, sink Sink, store sequence.Store, composer Composer, logger *zap.Logger) (*Pipeline, error) {
	requested := opts.Merge.MaxPending
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if requested > 0 && requested < opts.Merge.MaxPending {
		logger.Info("Raising merge max pending to cover the lane lead",
			zap.Int("requested", requested),
			zap.Int("max_pending", opts.Merge.MaxPending))
	}
	return &Pipeline{
		opts:     opts,
		source:   source,
		sink:     sink,
		store:    store,
		composer: composer,
		chunker:  frame.NewChunker(opts.ChunkSize),
		stats:    &counters{},
		logger:   logger,
	}, nil
}

// AddObserver registers a tap on the ordered output. Call before Run.
func (p *Pipeline) AddObserver(o Observer) {
	p.observers = append(p.observers, o)
}

// GetStats returns pipeline statistics
func (p *Pipeline) GetStats() Stats {
	stats := p.stats.snapshot()
	stats.BytesChunked = p.chunker.GetStats().BytesChunked
	return stats
}

// IsRunning reports whether Run is in progress
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run processes frames until the source is exhausted, ctx is cancelled or a
// stage fails. All stages stop together.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	o := p.opts
	p.logger.Info("Starting pipeline",
		zap.Duration("window", o.WindowLength),
		zap.Duration("out_of_orderness", o.OutOfOrderness),
		zap.Int("group_size", o.GroupSize),
		zap.Int("parallelism", o.Parallelism),
		zap.Int("workers_per_lane", o.WorkersPerLane),
		zap.Int("partitions", o.Partitions))

	g, ctx := errgroup.WithContext(ctx)

	// Source
	frames := make(chan frame.Frame, o.StageBuffer)
	g.Go(func() error {
		defer close(frames)
		if err := p.source.Frames(ctx, frames); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		return nil
	})

	// Ingest and window workers, one sequencer per partition
	events := make([]chan windowEvent, o.Partitions)
	sequenced := make(chan SequencedItem, o.StageBuffer)
	var seqWG sync.WaitGroup

	for i := 0; i < o.Partitions; i++ {
		events[i] = make(chan windowEvent, o.StageBuffer)
		aggs := make(chan *MonitorAggregate, o.StageBuffer)

		w := &windowWorker{
			id:         i,
			sampler:    NewSampler(o.WindowLength),
			aggregator: NewAggregator(o.GroupSize),
			in:         events[i],
			out:        aggs,
			stats:      p.stats,
			logger:     p.logger.With(zap.Int("partition", i)),
		}
		g.Go(func() error { return w.run(ctx) })

		seq := NewSequencer(p.store, p.logger.With(zap.Int("partition", i)))
		seq.stats = p.stats
		seqWG.Add(1)
		g.Go(func() error {
			defer seqWG.Done()
			return seq.run(ctx, aggs, sequenced)
		})
	}

	in := newIngest(o.WindowLength, o.OutOfOrderness, o.GroupSize, events, p.stats, p.logger.Named("ingest"))
	g.Go(func() error { return in.run(ctx, frames) })

	g.Go(func() error {
		seqWG.Wait()
		close(sequenced)
		return nil
	})

	// Router and compose lanes
	router := NewRouter(o.Parallelism, o.LaneBuffer)
	g.Go(func() error { return router.Run(ctx, sequenced) })

	composed := make([]<-chan SequencedItem, o.Parallelism)
	for i, laneIn := range router.Lanes() {
		out := make(chan SequencedItem, o.LaneBuffer)
		composed[i] = out
		lane := &composeLane{
			lane:     Lane(i),
			workers:  o.WorkersPerLane,
			composer: p.composer,
			in:       laneIn,
			out:      out,
			stats:    p.stats,
			logger:   p.logger.With(zap.Stringer("lane", Lane(i))),
		}
		g.Go(func() error { return lane.run(ctx) })
	}

	// Merge network
	merge := newMergeNetwork(composed, o.Merge, o.StageBuffer, p.stats, p.logger.Named("merge"))
	g.Go(func() error { return merge.Run(ctx) })

	// Chunker and sink
	g.Go(func() error { return p.write(ctx, merge.Output()) })

	err := g.Wait()
	stats := p.GetStats()
	p.logger.Info("Pipeline stopped",
		zap.Uint64("frames_in", stats.FramesIn),
		zap.Uint64("frames_out", stats.FramesOut),
		zap.Uint64("late_frames", stats.LateFrames),
		zap.Uint64("compose_errors", stats.ComposeErrors),
		zap.Uint64("skipped", stats.Skipped),
		zap.Error(err))
	return err
}

func (p *Pipeline) write(ctx context.Context, ordered <-chan SequencedItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-ordered:
			if !ok {
				return nil
			}

			f := *item.Frame
			chunks, err := p.chunker.Chunk(f)
			if err != nil {
				p.logger.Warn("Failed to chunk frame", zap.Int("monitor", item.Monitor), zap.Uint64("index", item.Index), zap.Error(err))
				continue
			}

			for _, c := range chunks {
				if err := p.sink.Write(ctx, c); err != nil {
					metrics.SinkErrors.Inc()
					return fmt.Errorf("sink: %w", err)
				}
			}

			p.stats.add(&p.stats.framesOut, 1)
			p.stats.add(&p.stats.chunksOut, uint64(len(chunks)))
			metrics.FramesOut.Inc()
			metrics.ChunksOut.Add(float64(len(chunks)))

			for _, o := range p.observers {
				o(f)
			}
		}
	}
}
