package pipeline

import (
	"sort"

	"multi-video-grid/frame"
)

// Aggregator groups fired samples into one MonitorAggregate per monitor and
// window
type Aggregator struct {
	groupSize int
}

// NewAggregator creates an aggregator for monitors of groupSize cameras
func NewAggregator(groupSize int) *Aggregator {
	return &Aggregator{groupSize: groupSize}
}

type aggregateKey struct {
	start   int64
	monitor int
}

// Aggregate returns the aggregates of the given samples ordered by window
// start, then monitor. Monitors without samples produce nothing.
func (a *Aggregator) Aggregate(samples []Sample) []*MonitorAggregate {
	if len(samples) == 0 {
		return nil
	}

	byKey := make(map[aggregateKey]*MonitorAggregate)
	keys := make([]aggregateKey, 0)

	for _, s := range samples {
		k := aggregateKey{start: s.WindowStart.UnixNano(), monitor: MonitorFor(s.Frame.Camera, a.groupSize)}
		agg, ok := byKey[k]
		if !ok {
			agg = &MonitorAggregate{
				Monitor:     k.monitor,
				WindowStart: s.WindowStart,
				WindowEnd:   s.WindowEnd,
				Frames:      make(map[int]frame.Frame),
			}
			byKey[k] = agg
			keys = append(keys, k)
		}

		agg.Frames[s.Frame.Camera] = s.Frame
		if s.Frame.Timestamp.After(agg.Timestamp) {
			agg.Timestamp = s.Frame.Timestamp
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].start != keys[j].start {
			return keys[i].start < keys[j].start
		}
		return keys[i].monitor < keys[j].monitor
	})

	out := make([]*MonitorAggregate, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}
