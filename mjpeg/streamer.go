package mjpeg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"multi-video-grid/frame"
	"multi-video-grid/metrics"
)

// StreamerConfig holds configuration for the RTP/JPEG preview
type StreamerConfig struct {
	Monitor   int
	DestHost  string
	DestPort  int
	LocalPort int // optional local port binding
	MTU       int
	SSRC      uint32
	Buffer    int
}

// Streamer sends the composite frames of one monitor as RTP/JPEG over UDP
type Streamer struct {
	config *StreamerConfig
	logger *zap.Logger

	conn     *net.UDPConn
	destAddr *net.UDPAddr

	packetizer *RTPPacketizer

	frameChan chan frame.Frame
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	isRunning  atomic.Bool
	frameCount uint64
	dropCount  uint64
	sendErrors uint64
}

// NewStreamer creates a new RTP/JPEG streamer
func NewStreamer(config *StreamerConfig, logger *zap.Logger) (*Streamer, error) {
	if config.MTU <= 0 {
		config.MTU = DefaultMTU
	}
	if config.Buffer <= 0 {
		config.Buffer = 8
	}
	if config.DestPort <= 0 || config.DestPort > 65535 {
		return nil, fmt.Errorf("invalid destination port %d", config.DestPort)
	}

	return &Streamer{
		config:     config,
		logger:     logger,
		packetizer: NewRTPPacketizer(config.SSRC, config.MTU),
		frameChan:  make(chan frame.Frame, config.Buffer),
	}, nil
}

// Start opens the UDP socket and begins sending
func (s *Streamer) Start(ctx context.Context) error {
	if s.isRunning.Load() {
		return fmt.Errorf("streamer already running")
	}

	destAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.DestHost, s.config.DestPort))
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	s.destAddr = destAddr

	var localAddr *net.UDPAddr
	if s.config.LocalPort > 0 {
		localAddr = &net.UDPAddr{Port: s.config.LocalPort}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	s.conn = conn

	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.isRunning.Store(true)

	s.wg.Add(1)
	go s.frameSenderLoop(ctx)

	s.logger.Info("RTP/JPEG preview started",
		zap.Int("monitor", s.config.Monitor),
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", destAddr.String()),
		zap.Int("mtu", s.config.MTU))

	return nil
}

// Stop stops the streamer
func (s *Streamer) Stop() error {
	if !s.isRunning.Swap(false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	s.conn.Close()

	stats := s.GetStats()
	s.logger.Info("RTP/JPEG preview stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("send_errors", stats.SendErrors))

	return nil
}

// Observe queues a composite frame if it belongs to the previewed monitor.
// It never blocks; frames are dropped while the sender is behind.
func (s *Streamer) Observe(f frame.Frame) {
	if f.Camera != s.config.Monitor || !s.isRunning.Load() {
		return
	}

	select {
	case s.frameChan <- f:
	default:
		atomic.AddUint64(&s.dropCount, 1)
	}
}

func (s *Streamer) frameSenderLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.frameChan:
			if err := s.sendFrameRTP(f); err != nil {
				atomic.AddUint64(&s.sendErrors, 1)
				s.logger.Error("Failed to send RTP frame",
					zap.Int64("index", f.FrameNumber),
					zap.Error(err))
				continue
			}
			atomic.AddUint64(&s.frameCount, 1)
		}
	}
}

func (s *Streamer) sendFrameRTP(f frame.Frame) error {
	packets, err := s.packetizer.PacketizeJPEG(f.Data, MediaTimestamp(f.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to packetize JPEG: %w", err)
	}

	for i, packet := range packets {
		if _, err := s.conn.WriteToUDP(packet, s.destAddr); err != nil {
			return fmt.Errorf("failed to send RTP packet %d/%d: %w", i+1, len(packets), err)
		}
		metrics.RTPPacketsSent.Inc()
	}
	return nil
}

// GetStats returns streaming statistics
func (s *Streamer) GetStats() StreamerStats {
	rtpStats := s.packetizer.GetStats()

	return StreamerStats{
		FramesSent:     atomic.LoadUint64(&s.frameCount),
		FramesDropped:  atomic.LoadUint64(&s.dropCount),
		SendErrors:     atomic.LoadUint64(&s.sendErrors),
		RTPPacketsSent: rtpStats.PacketsSent,
		BytesSent:      rtpStats.BytesSent,
		CurrentSeqNum:  rtpStats.CurrentSeq,
	}
}

// StreamerStats holds streamer statistics
type StreamerStats struct {
	FramesSent     uint64 `json:"frames_sent"`
	FramesDropped  uint64 `json:"frames_dropped"`
	SendErrors     uint64 `json:"send_errors"`
	RTPPacketsSent uint64 `json:"rtp_packets_sent"`
	BytesSent      uint64 `json:"bytes_sent"`
	CurrentSeqNum  uint16 `json:"current_seq"`
}

// IsRunning returns whether the streamer is running
func (s *Streamer) IsRunning() bool {
	return s.isRunning.Load()
}

// GetDestination returns current destination address
func (s *Streamer) GetDestination() string {
	if s.destAddr != nil {
		return s.destAddr.String()
	}
	return ""
}
