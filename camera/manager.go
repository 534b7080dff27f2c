package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"multi-video-grid/config"
	"multi-video-grid/frame"
	"multi-video-grid/metrics"
)

// Sink receives the chunks of generated frames
type Sink interface {
	Write(ctx context.Context, chunk frame.ChunkedFrame) error
}

// Manager drives a set of synthetic cameras at a fixed frame rate
type Manager struct {
	config  config.GeneratorConfig
	chunker *frame.Chunker
	sink    Sink
	logger  *zap.Logger
	cameras []*Camera
	now     func() time.Time

	mu        sync.Mutex
	isRunning bool
	written   int64
}

// NewManager creates a manager with cfg.Cameras cameras
func NewManager(cfg config.GeneratorConfig, chunkSize int, sink Sink, logger *zap.Logger) (*Manager, error) {
	if cfg.Cameras < 1 {
		return nil, fmt.Errorf("generator needs at least one camera, got %d", cfg.Cameras)
	}
	if cfg.FramesPerSec <= 0 {
		return nil, fmt.Errorf("generator frame rate must be positive, got %v", cfg.FramesPerSec)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid generator frame size %dx%d", cfg.Width, cfg.Height)
	}

	m := &Manager{
		config:  cfg,
		chunker: frame.NewChunker(chunkSize),
		sink:    sink,
		logger:  logger,
		now:     time.Now,
	}
	for i := 0; i < cfg.Cameras; i++ {
		m.cameras = append(m.cameras, NewCamera(i, cfg.Width, cfg.Height, cfg.Quality))
	}
	return m, nil
}

// Run writes one frame per camera every tick until ctx is done or
// NumFrames frames per camera have been written.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return fmt.Errorf("generator is already running")
	}
	m.isRunning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.isRunning = false
		m.mu.Unlock()
	}()

	interval := time.Duration(float64(time.Second) / m.config.FramesPerSec)
	m.logger.Info("Starting synthetic cameras",
		zap.Int("cameras", len(m.cameras)),
		zap.Duration("interval", interval),
		zap.Int("num_frames", m.config.NumFrames))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for tick := 0; m.config.NumFrames <= 0 || tick < m.config.NumFrames; tick++ {
		if err := m.Tick(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	m.logger.Info("Synthetic cameras finished", zap.Int64("frames", m.Written()))
	return nil
}

// Tick renders and writes one frame for every camera
func (m *Manager) Tick(ctx context.Context) error {
	ts := m.now()
	for _, cam := range m.cameras {
		f, err := cam.Next(ts)
		if err != nil {
			return err
		}

		chunks, err := m.chunker.Chunk(f)
		if err != nil {
			return fmt.Errorf("chunk camera %d frame %d: %w", cam.ID, f.FrameNumber, err)
		}
		for _, c := range chunks {
			if err := m.sink.Write(ctx, c); err != nil {
				return fmt.Errorf("write camera %d frame %d: %w", cam.ID, f.FrameNumber, err)
			}
		}

		metrics.FramesGenerated.WithLabelValues(strconv.Itoa(cam.ID)).Inc()
		m.mu.Lock()
		m.written++
		m.mu.Unlock()
	}
	return nil
}

// Written returns the number of frames written so far
func (m *Manager) Written() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// IsRunning reports whether Run is in progress
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// GetStatus returns status information for the generator
func (m *Manager) GetStatus() map[string]interface{} {
	return map[string]interface{}{
		"cameras":        len(m.cameras),
		"frames_per_sec": m.config.FramesPerSec,
		"width":          m.config.Width,
		"height":         m.config.Height,
		"running":        m.IsRunning(),
		"frames_written": m.Written(),
	}
}
