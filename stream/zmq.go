package stream

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"multi-video-grid/codec"
	"multi-video-grid/frame"
)

const recvPoll = 100 * time.Millisecond

// ZMQSource binds a PULL socket that camera writers push chunks to.
// ZeroMQ keeps no history, so every start position reads from the tail.
type ZMQSource struct {
	endpoint string
	codec    codec.Codec
	logEvery int
	logger   *zap.Logger
}

// NewZMQSource creates a source for endpoint. Errors are logged once every
// logEvery occurrences.
func NewZMQSource(endpoint string, c codec.Codec, logEvery int, logger *zap.Logger) *ZMQSource {
	if logEvery < 1 {
		logEvery = 1
	}
	return &ZMQSource{
		endpoint: endpoint,
		codec:    c,
		logEvery: logEvery,
		logger:   logger,
	}
}

// Chunks receives until ctx is done
func (s *ZMQSource) Chunks(ctx context.Context, start StartPosition, out chan<- frame.ChunkedFrame) error {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return fmt.Errorf("create PULL socket: %w", err)
	}
	defer socket.Close()

	if err := socket.SetRcvtimeo(recvPoll); err != nil {
		return fmt.Errorf("set receive timeout: %w", err)
	}
	if err := socket.Bind(s.endpoint); err != nil {
		return fmt.Errorf("bind %s: %w", s.endpoint, err)
	}

	if start == StartBeginning {
		s.logger.Info("ZeroMQ keeps no history, reading from tail", zap.String("endpoint", s.endpoint))
	}

	var recvErrors, decodeErrors int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			recvErrors++
			if logDue(recvErrors, s.logEvery) {
				s.logger.Warn("Receive failed", zap.Int("count", recvErrors), zap.Error(err))
			}
			continue
		}

		c, err := s.codec.Unmarshal(msg)
		if err != nil {
			decodeErrors++
			if logDue(decodeErrors, s.logEvery) {
				s.logger.Warn("Skipping undecodable message", zap.Int("count", decodeErrors), zap.Error(err))
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- c:
		}
	}
}

// logDue reports whether the nth occurrence should be logged
func logDue(n, every int) bool {
	return every <= 1 || n%every == 1
}

// ZMQSink pushes chunks to a downstream PULL socket
type ZMQSink struct {
	mu     sync.Mutex
	socket *zmq4.Socket
	codec  codec.Codec
}

// DialZMQSink connects a PUSH socket to endpoint
func DialZMQSink(endpoint string, c codec.Codec) (*ZMQSink, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, fmt.Errorf("create PUSH socket: %w", err)
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &ZMQSink{socket: socket, codec: c}, nil
}

// Write sends one chunk. It blocks while no peer is connected.
func (s *ZMQSink) Write(ctx context.Context, c frame.ChunkedFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.codec.Marshal(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return ErrClosed
	}
	if _, err := s.socket.SendBytes(data, 0); err != nil {
		return fmt.Errorf("send chunk %s: %w", c.Key(), err)
	}
	return nil
}

// Close closes the socket
func (s *ZMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket == nil {
		return nil
	}
	err := s.socket.Close()
	s.socket = nil
	return err
}
