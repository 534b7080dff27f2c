package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"multi-video-grid/metrics"
	"multi-video-grid/sequence"
)

// Sequencer numbers the aggregates of the monitors it owns. Every monitor is
// owned by exactly one Sequencer, so its counter has a single writer.
type Sequencer struct {
	store   sequence.Store
	origins map[int]uint64
	stats   *counters
	logger  *zap.Logger
}

// NewSequencer creates a sequencer backed by store
func NewSequencer(store sequence.Store, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		store:   store,
		origins: make(map[int]uint64),
		stats:   &counters{},
		logger:  logger,
	}
}

// Assign returns the aggregate under the next index of its monitor
func (s *Sequencer) Assign(ctx context.Context, agg *MonitorAggregate) (SequencedItem, error) {
	index, err := s.store.Next(ctx, agg.Monitor)
	if err != nil {
		return SequencedItem{}, fmt.Errorf("failed to sequence monitor %d: %w", agg.Monitor, err)
	}

	origin, ok := s.origins[agg.Monitor]
	if !ok {
		origin = index
		s.origins[agg.Monitor] = index
		s.logger.Info("Sequencing monitor", zap.Int("monitor", agg.Monitor), zap.Uint64("origin", origin))
	}

	metrics.SequenceIndex.WithLabelValues(strconv.Itoa(agg.Monitor)).Set(float64(index))
	s.stats.add(&s.stats.sequenced, 1)

	return SequencedItem{
		Index:     index,
		Monitor:   agg.Monitor,
		Origin:    origin,
		Aggregate: agg,
	}, nil
}

func (s *Sequencer) run(ctx context.Context, in <-chan *MonitorAggregate, out chan<- SequencedItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case agg, ok := <-in:
			if !ok {
				return nil
			}

			item, err := s.Assign(ctx, agg)
			if err != nil {
				return err
			}

			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
