package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"multi-video-grid/codec"
	"multi-video-grid/frame"
)

// NATSConfig holds the JetStream connection and stream settings
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Stream        string
	Subject       string
	MaxAge        time.Duration
	// Consumer names a durable consumer. Empty uses an ordered consumer.
	Consumer string
}

// SubjectFor returns the per-camera subject chunks are published on, so
// all chunks of one frame share a subject.
func SubjectFor(base string, camera int) string {
	return fmt.Sprintf("%s.%d", base, camera)
}

// NATSLog reads and writes chunks on a JetStream stream
type NATSLog struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	codec  codec.Codec
	config NATSConfig
	logger *zap.Logger
}

// DialNATS connects to NATS and makes sure the stream exists
func DialNATS(ctx context.Context, cfg NATSConfig, c codec.Codec, logger *zap.Logger) (*NATSLog, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		MaxAge:    cfg.MaxAge,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Stream, err)
	}

	logger.Info("Connected to NATS",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("stream", cfg.Stream),
		zap.String("subject", cfg.Subject),
		zap.String("codec", c.Name()))

	return &NATSLog{
		conn:   conn,
		js:     js,
		codec:  c,
		config: cfg,
		logger: logger,
	}, nil
}

// Write publishes a chunk on its camera's subject and waits for the ack
func (l *NATSLog) Write(ctx context.Context, c frame.ChunkedFrame) error {
	data, err := l.codec.Marshal(c)
	if err != nil {
		return err
	}
	if _, err := l.js.Publish(ctx, SubjectFor(l.config.Subject, c.Camera), data); err != nil {
		return fmt.Errorf("publish chunk %s: %w", c.Key(), err)
	}
	return nil
}

// Chunks consumes the stream from start in stream order
func (l *NATSLog) Chunks(ctx context.Context, start StartPosition, out chan<- frame.ChunkedFrame) error {
	deliver := jetstream.DeliverAllPolicy
	if start == StartTail {
		deliver = jetstream.DeliverNewPolicy
	}
	filter := l.config.Subject + ".>"
	durable := l.config.Consumer != ""

	var (
		cons jetstream.Consumer
		err  error
	)
	if durable {
		cons, err = l.js.CreateOrUpdateConsumer(ctx, l.config.Stream, jetstream.ConsumerConfig{
			Name:              l.config.Consumer,
			Durable:           l.config.Consumer,
			FilterSubject:     filter,
			DeliverPolicy:     deliver,
			AckPolicy:         jetstream.AckExplicitPolicy,
			AckWait:           30 * time.Second,
			MaxAckPending:     1024,
			InactiveThreshold: 5 * time.Minute,
		})
	} else {
		cons, err = l.js.OrderedConsumer(ctx, l.config.Stream, jetstream.OrderedConsumerConfig{
			FilterSubjects: []string{filter},
			DeliverPolicy:  deliver,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to create consumer on %s: %w", l.config.Stream, err)
	}

	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer it.Stop()
	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()

	l.logger.Info("Consuming chunks",
		zap.String("stream", l.config.Stream),
		zap.String("consumer", l.config.Consumer),
		zap.Stringer("start", start))

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("next message: %w", err)
		}

		c, err := l.codec.Unmarshal(msg.Data())
		if err != nil {
			l.logger.Warn("Skipping undecodable message", zap.String("subject", msg.Subject()), zap.Error(err))
			if durable {
				l.settle(msg, false)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- c:
		}

		if durable {
			l.settle(msg, true)
		}
	}
}

// settle acks a forwarded message or terminates an undecodable one. A lost
// ack means JetStream redelivers the chunk, which reassembly ignores as a
// duplicate.
func (l *NATSLog) settle(msg jetstream.Msg, ack bool) {
	var err error
	if ack {
		err = msg.Ack()
	} else {
		err = msg.Term()
	}
	if err != nil {
		l.logger.Warn("Failed to settle message",
			zap.String("subject", msg.Subject()),
			zap.Bool("ack", ack),
			zap.Error(err))
	}
}

// Close closes the connection
func (l *NATSLog) Close() error {
	l.conn.Close()
	return nil
}
