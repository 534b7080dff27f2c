package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Source metrics
	ChunksReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_source_chunks_total",
			Help: "Total number of chunks read from the source log",
		},
	)

	FramesReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_source_frames_total",
			Help: "Total number of camera frames reassembled from chunks",
		},
	)

	ReassemblyDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogrid_reassembly_drops_total",
			Help: "Total number of chunks or frames dropped during reassembly",
		},
		[]string{"reason"},
	)

	// Window metrics
	LateFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_late_frames_total",
			Help: "Total number of frames dropped because their window had closed",
		},
	)

	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videogrid_watermark_seconds",
			Help: "Current event time watermark as a unix timestamp",
		},
	)

	AggregatesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_aggregates_total",
			Help: "Total number of monitor aggregates emitted at window close",
		},
	)

	// Sequencer metrics
	SequenceIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videogrid_sequence_index",
			Help: "Last index assigned per monitor",
		},
		[]string{"monitor"},
	)

	// Composer metrics
	ComposeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "videogrid_compose_duration_seconds",
			Help:    "Duration of grid composition in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	ComposeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogrid_compose_errors_total",
			Help: "Total number of items dropped because composition failed",
		},
		[]string{"lane"},
	)

	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videogrid_lane_queue_depth",
			Help: "Items waiting in each lane",
		},
		[]string{"lane"},
	)

	// Merge metrics
	MergePending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "videogrid_merge_pending",
			Help: "Items buffered by each merge stage",
		},
		[]string{"stage"},
	)

	MergeSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogrid_merge_skipped_indices_total",
			Help: "Total number of indices skipped by merge stages",
		},
		[]string{"stage", "reason"},
	)

	MergeLate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_merge_late_total",
			Help: "Total number of items that arrived after their index was skipped",
		},
	)

	// Sink metrics
	FramesOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_sink_frames_total",
			Help: "Total number of composite frames written to the sink",
		},
	)

	ChunksOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_sink_chunks_total",
			Help: "Total number of chunks written to the sink",
		},
	)

	SinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_sink_errors_total",
			Help: "Total number of sink write failures",
		},
	)

	// Generator metrics
	FramesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "videogrid_generator_frames_total",
			Help: "Total number of synthetic camera frames written",
		},
		[]string{"camera"},
	)

	// Preview metrics
	PreviewClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "videogrid_preview_clients",
			Help: "Connected websocket preview clients",
		},
	)

	RTPPacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "videogrid_rtp_packets_total",
			Help: "Total number of RTP preview packets sent",
		},
	)
)
