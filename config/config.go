package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Pipeline   PipelineConfig   `toml:"pipeline" json:"pipeline"`
	Image      ImageConfig      `toml:"image" json:"image"`
	Merge      MergeConfig      `toml:"merge" json:"merge"`
	Reassembly ReassemblyConfig `toml:"reassembly" json:"reassembly"`
	Source     SourceConfig     `toml:"source" json:"source"`
	Sink       SinkConfig       `toml:"sink" json:"sink"`
	NATS       NATSConfig       `toml:"nats" json:"nats"`
	ZMQ        ZMQConfig        `toml:"zmq" json:"zmq"`
	Redis      RedisConfig      `toml:"redis" json:"redis"`
	Detection  DetectionConfig  `toml:"detection" json:"detection"`
	Preview    PreviewConfig    `toml:"preview" json:"preview"`
	Server     ServerConfig     `toml:"server" json:"server"`
	Generator  GeneratorConfig  `toml:"generator" json:"generator"`
	Buffers    BufferConfig     `toml:"buffers" json:"buffers"`
	Timeouts   TimeoutConfig    `toml:"timeouts" json:"timeouts"`
	Logging    LoggingConfig    `toml:"logging" json:"logging"`
}

// PipelineConfig holds the windowing, grouping and parallelism settings
type PipelineConfig struct {
	FramesPerSec        float64 `toml:"frames_per_sec" json:"frames_per_sec"`
	MaxOutOfOrdernessMs int64   `toml:"max_out_of_orderness_ms" json:"max_out_of_orderness_ms"`
	CamerasPerMonitor   int     `toml:"cameras_per_monitor" json:"cameras_per_monitor"`
	Parallelism         int     `toml:"parallelism" json:"parallelism"`
	WorkersPerLane      int     `toml:"workers_per_lane" json:"workers_per_lane"`
	Partitions          int     `toml:"partitions" json:"partitions"`
	EnableRebalance     bool    `toml:"enable_rebalance" json:"enable_rebalance"`
	ChunkSizeBytes      int     `toml:"chunk_size_bytes" json:"chunk_size_bytes"`
	StartAtTail         bool    `toml:"start_at_tail" json:"start_at_tail"`
	SequenceStore       string  `toml:"sequence_store" json:"sequence_store"` // "memory" or "redis"
}

// ImageConfig holds the composite tile settings
type ImageConfig struct {
	Width   int `toml:"width" json:"width"`
	Height  int `toml:"height" json:"height"`
	Quality int `toml:"quality" json:"quality"`
}

// MergeConfig holds the merge network gap policy
type MergeConfig struct {
	GapTimeoutMs int `toml:"gap_timeout_ms" json:"gap_timeout_ms"`
	MaxPending   int `toml:"max_pending" json:"max_pending"`
}

// ReassemblyConfig bounds buffering of incomplete chunked frames
type ReassemblyConfig struct {
	MaxPending     int  `toml:"max_pending" json:"max_pending"`
	TimeoutSeconds int  `toml:"timeout_seconds" json:"timeout_seconds"`
	VerifyHash     bool `toml:"verify_hash" json:"verify_hash"`
	MaxChunks      int  `toml:"max_chunks" json:"max_chunks"`
}

// SourceConfig selects the input log
type SourceConfig struct {
	Transport string `toml:"transport" json:"transport"` // "nats" or "zmq"
	Codec     string `toml:"codec" json:"codec"`         // "json" or "cbor"
	Stream    string `toml:"stream" json:"stream"`
	Subject   string `toml:"subject" json:"subject"`
}

// SinkConfig selects the output log
type SinkConfig struct {
	Transport string `toml:"transport" json:"transport"`
	Codec     string `toml:"codec" json:"codec"`
	Stream    string `toml:"stream" json:"stream"`
	Subject   string `toml:"subject" json:"subject"`
}

// NATSConfig holds NATS JetStream connection settings
type NATSConfig struct {
	URL             string `toml:"url" json:"url"`
	Name            string `toml:"name" json:"name"`
	MaxReconnects   int    `toml:"max_reconnects" json:"max_reconnects"`
	ReconnectWaitMs int    `toml:"reconnect_wait_ms" json:"reconnect_wait_ms"`
	MaxAgeHours     int    `toml:"max_age_hours" json:"max_age_hours"`
	Consumer        string `toml:"consumer" json:"consumer"` // durable source consumer, empty for ordered
}

// ZMQConfig holds ZeroMQ endpoints
type ZMQConfig struct {
	SourceEndpoint string `toml:"source_endpoint" json:"source_endpoint"`
	SinkEndpoint   string `toml:"sink_endpoint" json:"sink_endpoint"`
	LogEvery       int    `toml:"log_every" json:"log_every"`
}

// RedisConfig holds the sequence counter store connection
type RedisConfig struct {
	URL       string `toml:"url" json:"url"`
	KeyPrefix string `toml:"key_prefix" json:"key_prefix"`
}

// DetectionConfig holds the optional object detection endpoint
type DetectionConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	URL       string `toml:"url" json:"url"`
	TimeoutMs int    `toml:"timeout_ms" json:"timeout_ms"`
}

// PreviewConfig holds live preview outputs
type PreviewConfig struct {
	WebSocket bool             `toml:"websocket" json:"websocket"`
	RTP       RTPPreviewConfig `toml:"rtp" json:"rtp"`
}

// RTPPreviewConfig streams one monitor as RTP/JPEG over UDP
type RTPPreviewConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	Monitor   int    `toml:"monitor" json:"monitor"`
	DestHost  string `toml:"dest_host" json:"dest_host"`
	DestPort  int    `toml:"dest_port" json:"dest_port"`
	LocalPort int    `toml:"local_port" json:"local_port"`
	MTU       int    `toml:"mtu" json:"mtu"`
	SSRC      uint32 `toml:"ssrc" json:"ssrc"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	WebPort int    `toml:"web_port" json:"web_port"`
	BindIP  string `toml:"bind_ip" json:"bind_ip"`
}

// GeneratorConfig holds synthetic camera settings
type GeneratorConfig struct {
	Cameras      int     `toml:"cameras" json:"cameras"`
	FramesPerSec float64 `toml:"frames_per_sec" json:"frames_per_sec"`
	Width        int     `toml:"width" json:"width"`
	Height       int     `toml:"height" json:"height"`
	Quality      int     `toml:"quality" json:"quality"`
	NumFrames    int     `toml:"num_frames" json:"num_frames"` // 0 means unbounded
}

// BufferConfig holds buffer size settings for channels
type BufferConfig struct {
	StageChannelSize   int `toml:"stage_channel_size" json:"stage_channel_size"`
	LaneChannelSize    int `toml:"lane_channel_size" json:"lane_channel_size"`
	PreviewChannelSize int `toml:"preview_channel_size" json:"preview_channel_size"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Dir              string `toml:"dir" json:"dir"`
	MaxFiles         int    `toml:"max_files" json:"max_files"`
	StatsLogInterval int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			FramesPerSec:        1.0,
			MaxOutOfOrdernessMs: 1000,
			CamerasPerMonitor:   2,
			Parallelism:         4,
			WorkersPerLane:      1,
			Partitions:          2,
			EnableRebalance:     true,
			ChunkSizeBytes:      512 * 1024,
			StartAtTail:         false,
			SequenceStore:       "memory",
		},
		Image: ImageConfig{
			Width:   320,
			Height:  240,
			Quality: 85,
		},
		Merge: MergeConfig{
			GapTimeoutMs: 5000,
			MaxPending:   64,
		},
		Reassembly: ReassemblyConfig{
			MaxPending:     256,
			TimeoutSeconds: 10,
			VerifyHash:     true,
			MaxChunks:      1024,
		},
		Source: SourceConfig{
			Transport: "nats",
			Codec:     "json",
			Stream:    "VIDEO_CAMERAS",
			Subject:   "video.cameras",
		},
		Sink: SinkConfig{
			Transport: "nats",
			Codec:     "json",
			Stream:    "VIDEO_GRID",
			Subject:   "video.grid",
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			Name:            "multi-video-grid",
			MaxReconnects:   -1,
			ReconnectWaitMs: 2000,
			MaxAgeHours:     24,
			Consumer:        "multi-video-grid",
		},
		ZMQ: ZMQConfig{
			SourceEndpoint: "tcp://127.0.0.1:31001",
			SinkEndpoint:   "tcp://127.0.0.1:31002",
			LogEvery:       100,
		},
		Redis: RedisConfig{
			URL:       "redis://127.0.0.1:6379/0",
			KeyPrefix: "videogrid:seq",
		},
		Detection: DetectionConfig{
			Enabled:   false,
			TimeoutMs: 2000,
		},
		Preview: PreviewConfig{
			WebSocket: true,
			RTP: RTPPreviewConfig{
				Enabled:  false,
				Monitor:  0,
				DestHost: "127.0.0.1",
				DestPort: 5000,
				MTU:      1400,
				SSRC:     0x12345678,
			},
		},
		Server: ServerConfig{
			Enabled: true,
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Generator: GeneratorConfig{
			Cameras:      4,
			FramesPerSec: 2.0,
			Width:        320,
			Height:       240,
			Quality:      90,
		},
		Buffers: BufferConfig{
			StageChannelSize:   64,
			LaneChannelSize:    16,
			PreviewChannelSize: 8,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
		Logging: LoggingConfig{
			Dir:              "logs",
			MaxFiles:         20,
			StatsLogInterval: 60,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := Default()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides deployment-specific settings from the environment
func (c *Config) applyEnv() error {
	if v := os.Getenv("VIDEOGRID_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("VIDEOGRID_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("VIDEOGRID_PARALLELISM"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: VIDEOGRID_PARALLELISM=%q: %v", ErrInvalidConfig, v, err)
		}
		c.Pipeline.Parallelism = p
	}
	return nil
}

// Validate checks ranges that would otherwise break the pipeline at runtime
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.FramesPerSec <= 0:
		return fmt.Errorf("%w: pipeline.frames_per_sec must be > 0", ErrInvalidConfig)
	case p.MaxOutOfOrdernessMs < 0:
		return fmt.Errorf("%w: pipeline.max_out_of_orderness_ms must be >= 0", ErrInvalidConfig)
	case p.CamerasPerMonitor < 1:
		return fmt.Errorf("%w: pipeline.cameras_per_monitor must be >= 1", ErrInvalidConfig)
	case p.Parallelism < 1:
		return fmt.Errorf("%w: pipeline.parallelism must be >= 1", ErrInvalidConfig)
	case p.WorkersPerLane < 1:
		return fmt.Errorf("%w: pipeline.workers_per_lane must be >= 1", ErrInvalidConfig)
	case p.Partitions < 1:
		return fmt.Errorf("%w: pipeline.partitions must be >= 1", ErrInvalidConfig)
	case p.ChunkSizeBytes < 1024:
		return fmt.Errorf("%w: pipeline.chunk_size_bytes must be >= 1024", ErrInvalidConfig)
	}

	switch p.SequenceStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unknown pipeline.sequence_store %q", ErrInvalidConfig, p.SequenceStore)
	}

	if c.Image.Width < 8 || c.Image.Height < 8 {
		return fmt.Errorf("%w: image dimensions %dx%d too small", ErrInvalidConfig, c.Image.Width, c.Image.Height)
	}
	if c.Merge.GapTimeoutMs <= 0 || c.Merge.MaxPending < 1 {
		return fmt.Errorf("%w: merge.gap_timeout_ms and merge.max_pending must be positive", ErrInvalidConfig)
	}
	if c.Reassembly.MaxChunks < 1 {
		return fmt.Errorf("%w: reassembly.max_chunks must be >= 1", ErrInvalidConfig)
	}

	for name, transport := range map[string]string{"source": c.Source.Transport, "sink": c.Sink.Transport} {
		switch transport {
		case "nats", "zmq":
		default:
			return fmt.Errorf("%w: unknown %s.transport %q", ErrInvalidConfig, name, transport)
		}
	}

	return nil
}

// WindowLength returns the tumbling window length derived from frames per second
func (p PipelineConfig) WindowLength() time.Duration {
	return time.Duration(float64(time.Second) / p.FramesPerSec)
}

// OutOfOrderness returns the watermark bound
func (p PipelineConfig) OutOfOrderness() time.Duration {
	return time.Duration(p.MaxOutOfOrdernessMs) * time.Millisecond
}

// EffectivePartitions returns the number of window/sequencer partitions
func (p PipelineConfig) EffectivePartitions() int {
	if !p.EnableRebalance {
		return 1
	}
	return p.Partitions
}

// GapTimeout returns the merge gap timeout as a duration
func (m MergeConfig) GapTimeout() time.Duration {
	return time.Duration(m.GapTimeoutMs) * time.Millisecond
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	return WriteConfig(config, file)
}

// WriteConfig encodes the configuration as TOML
func WriteConfig(config *Config, w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
