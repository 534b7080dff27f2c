package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multi-video-grid/camera"
	"multi-video-grid/codec"
	"multi-video-grid/config"
	"multi-video-grid/detect"
	"multi-video-grid/frame"
	"multi-video-grid/grid"
	"multi-video-grid/mjpeg"
	"multi-video-grid/pipeline"
	"multi-video-grid/sequence"
	"multi-video-grid/stream"
	"multi-video-grid/web"
)

// demoRetention bounds the in-process source log used by --demo
const demoRetention = 4096

// Application wires the pipeline to its transports and operational surfaces
type Application struct {
	config *config.Config
	logger *zap.Logger
	jobID  uuid.UUID

	// Components
	demoInput *stream.Log
	source    *stream.FrameSource
	sink      stream.ChunkSink
	closers   []func() error
	store     sequence.Store
	pipeline  *pipeline.Pipeline
	generator *camera.Manager
	preview   *web.PreviewHub
	rtp       *mjpeg.Streamer
	webServer *web.Server

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan error
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	jobID := uuid.New()
	return &Application{
		config: cfg,
		logger: logger.With(zap.String("job_id", jobID.String())),
		jobID:  jobID,
		done:   make(chan error, 1),
	}
}

// Start builds every component and launches the pipeline. With demo set the
// source is an in-process log fed by synthetic cameras.
func (a *Application) Start(ctx context.Context, demo bool) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if err := a.initializeTransports(ctx, demo); err != nil {
		return fmt.Errorf("failed to initialize transports: %w", err)
	}
	if err := a.initializeStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize sequence store: %w", err)
	}
	if err := a.initializePipeline(); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	if err := a.initializePreview(ctx); err != nil {
		return fmt.Errorf("failed to initialize preview: %w", err)
	}
	if err := a.initializeWebServer(); err != nil {
		return fmt.Errorf("failed to initialize web server: %w", err)
	}

	a.startComponents(ctx)

	a.logger.Info("Application started successfully",
		zap.String("source", a.config.Source.Transport),
		zap.String("sink", a.config.Sink.Transport),
		zap.Int("parallelism", a.config.Pipeline.Parallelism))
	return nil
}

func (a *Application) initializeTransports(ctx context.Context, demo bool) error {
	cfg := a.config
	start := stream.StartAt(cfg.Pipeline.StartAtTail)
	reassembly := frame.ReassemblerConfig{
		MaxPending: cfg.Reassembly.MaxPending,
		Timeout:    time.Duration(cfg.Reassembly.TimeoutSeconds) * time.Second,
		VerifyHash: cfg.Reassembly.VerifyHash,
		MaxChunks:  cfg.Reassembly.MaxChunks,
	}

	if demo {
		a.demoInput = stream.NewBoundedLog(demoRetention)
		a.closers = append(a.closers, a.demoInput.Close)

		gen, err := camera.NewManager(cfg.Generator, cfg.Pipeline.ChunkSizeBytes, a.demoInput, a.logger.Named("generator"))
		if err != nil {
			return err
		}
		a.generator = gen
		a.source = stream.NewFrameSource(a.demoInput, stream.StartBeginning, reassembly, a.logger.Named("source"))
		a.sink = stream.Discard{}
		return nil
	}

	srcCodec, err := codecFor(cfg.Source.Codec)
	if err != nil {
		return err
	}
	sinkCodec, err := codecFor(cfg.Sink.Codec)
	if err != nil {
		return err
	}

	var chunks stream.ChunkSource
	switch cfg.Source.Transport {
	case "zmq":
		chunks = stream.NewZMQSource(cfg.ZMQ.SourceEndpoint, srcCodec, cfg.ZMQ.LogEvery, a.logger.Named("zmq"))
	default:
		log, err := stream.DialNATS(ctx, natsConfig(cfg, cfg.Source.Stream, cfg.Source.Subject, cfg.NATS.Consumer), srcCodec, a.logger.Named("nats"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, log.Close)
		chunks = log
	}
	a.source = stream.NewFrameSource(chunks, start, reassembly, a.logger.Named("source"))

	switch cfg.Sink.Transport {
	case "zmq":
		sink, err := stream.DialZMQSink(cfg.ZMQ.SinkEndpoint, sinkCodec)
		if err != nil {
			return err
		}
		a.sink = sink
	default:
		sink, err := stream.DialNATS(ctx, natsConfig(cfg, cfg.Sink.Stream, cfg.Sink.Subject, ""), sinkCodec, a.logger.Named("nats"))
		if err != nil {
			return err
		}
		a.sink = sink
	}
	return nil
}

func (a *Application) initializeStore(ctx context.Context) error {
	switch a.config.Pipeline.SequenceStore {
	case "redis":
		store, err := sequence.DialRedis(ctx, a.config.Redis.URL, a.config.Redis.KeyPrefix)
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Info("Using Redis sequence counters", zap.String("prefix", a.config.Redis.KeyPrefix))
	default:
		a.store = sequence.NewMemoryStore()
	}
	return nil
}

func (a *Application) initializePipeline() error {
	cfg := a.config
	p := cfg.Pipeline

	var detector detect.Detector = detect.PassThrough{}
	if cfg.Detection.Enabled {
		detector = detect.NewHTTPDetector(cfg.Detection.URL, time.Duration(cfg.Detection.TimeoutMs)*time.Millisecond, a.logger.Named("detect"))
	}

	builder := grid.NewBuilder(cfg.Image.Width, cfg.Image.Height, p.CamerasPerMonitor, cfg.Image.Quality)
	// Output ssrcs are offset per run so restarted jobs are distinguishable
	ssrcBase := int(a.jobID.ID()>>16) << 8
	composer := pipeline.NewGridComposer(builder, detector, p.CamerasPerMonitor, ssrcBase, a.logger.Named("composer"))

	opts := pipeline.Options{
		WindowLength:   p.WindowLength(),
		OutOfOrderness: p.OutOfOrderness(),
		GroupSize:      p.CamerasPerMonitor,
		Parallelism:    p.Parallelism,
		WorkersPerLane: p.WorkersPerLane,
		Partitions:     p.EffectivePartitions(),
		ChunkSize:      p.ChunkSizeBytes,
		Merge: pipeline.MergeConfig{
			GapTimeout: cfg.Merge.GapTimeout(),
			MaxPending: cfg.Merge.MaxPending,
		},
		StageBuffer: cfg.Buffers.StageChannelSize,
		LaneBuffer:  cfg.Buffers.LaneChannelSize,
	}

	pl, err := pipeline.New(opts, a.source, a.sink, a.store, composer, a.logger.Named("pipeline"))
	if err != nil {
		return err
	}
	a.pipeline = pl
	return nil
}

func (a *Application) initializePreview(ctx context.Context) error {
	cfg := a.config.Preview

	if cfg.WebSocket && a.config.Server.Enabled {
		a.preview = web.NewPreviewHub(nil, a.config.Buffers.PreviewChannelSize, a.logger.Named("preview"))
		a.pipeline.AddObserver(a.preview.Observe)
	}

	if cfg.RTP.Enabled {
		st, err := mjpeg.NewStreamer(&mjpeg.StreamerConfig{
			Monitor:   cfg.RTP.Monitor,
			DestHost:  cfg.RTP.DestHost,
			DestPort:  cfg.RTP.DestPort,
			LocalPort: cfg.RTP.LocalPort,
			MTU:       cfg.RTP.MTU,
			SSRC:      cfg.RTP.SSRC,
			Buffer:    a.config.Buffers.PreviewChannelSize,
		}, a.logger.Named("rtp"))
		if err != nil {
			return err
		}
		if err := st.Start(ctx); err != nil {
			return err
		}
		a.rtp = st
		a.pipeline.AddObserver(st.Observe)
	}
	return nil
}

func (a *Application) initializeWebServer() error {
	if !a.config.Server.Enabled {
		return nil
	}

	a.webServer = web.NewServer(a.config, a.logger.Named("web"))
	a.webServer.SetPipeline(a.pipeline)
	a.webServer.SetSource(a.source)
	if a.generator != nil {
		a.webServer.SetGenerator(a.generator)
	}
	if a.preview != nil {
		a.webServer.SetPreview(a.preview)
	}
	if a.rtp != nil {
		a.webServer.SetRTPStreamer(a.rtp)
	}
	return a.webServer.Start()
}

func (a *Application) startComponents(ctx context.Context) {
	if a.generator != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.generator.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("Generator failed", zap.Error(err))
			}
			// A finite run drains through the pipeline and ends it
			a.demoInput.Close()
		}()
	}

	if interval := a.config.Logging.StatsLogInterval; interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logStats(ctx, time.Duration(interval)*time.Second)
		}()
	}

	go func() {
		a.done <- a.pipeline.Run(ctx)
	}()
}

// logStats periodically logs pipeline and source statistics
func (a *Application) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := a.pipeline.GetStats()
			src := a.source.GetStats()
			a.logger.Info("Pipeline stats",
				zap.Uint64("chunks_in", src.Chunks),
				zap.Uint64("frames_in", s.FramesIn),
				zap.Uint64("late_frames", s.LateFrames),
				zap.Uint64("aggregates", s.Aggregates),
				zap.Uint64("composed", s.Composed),
				zap.Uint64("compose_errors", s.ComposeErrors),
				zap.Uint64("skipped", s.Skipped),
				zap.Uint64("frames_out", s.FramesOut))
		}
	}
}

// Wait blocks until the pipeline stops and returns its error
func (a *Application) Wait() error {
	return <-a.done
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.cancel != nil {
		a.cancel()
	}

	if a.webServer != nil {
		if err := a.webServer.Stop(time.Duration(a.config.Timeouts.HTTPShutdownTimeout) * time.Second); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}
	if a.rtp != nil {
		a.rtp.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Error("Error closing sink", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Error("Error closing transport", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Error closing sequence store", zap.Error(err))
		}
	}
	return nil
}

// codecFor resolves a configured wire codec
func codecFor(name string) (codec.Codec, error) {
	c, err := codec.New(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return c, nil
}

// natsConfig builds the JetStream settings for one stream
func natsConfig(cfg *config.Config, streamName, subject, consumer string) stream.NATSConfig {
	return stream.NATSConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: time.Duration(cfg.NATS.ReconnectWaitMs) * time.Millisecond,
		Stream:        streamName,
		Subject:       subject,
		MaxAge:        time.Duration(cfg.NATS.MaxAgeHours) * time.Hour,
		Consumer:      consumer,
	}
}
