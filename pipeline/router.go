package pipeline

import (
	"context"
	"strconv"

	"multi-video-grid/metrics"
)

// Router sends each item to lane index mod P
type Router struct {
	lanes []chan SequencedItem
}

// NewRouter creates p lanes with the given buffer size
func NewRouter(p, buffer int) *Router {
	lanes := make([]chan SequencedItem, p)
	for i := range lanes {
		lanes[i] = make(chan SequencedItem, buffer)
	}
	return &Router{lanes: lanes}
}

// Lanes returns the receive side of every lane, indexed by Lane
func (r *Router) Lanes() []<-chan SequencedItem {
	out := make([]<-chan SequencedItem, len(r.lanes))
	for i, ch := range r.lanes {
		out[i] = ch
	}
	return out
}

// Route delivers one item to its lane
func (r *Router) Route(ctx context.Context, item SequencedItem) error {
	lane := LaneFor(item.Index, len(r.lanes))
	select {
	case r.lanes[lane] <- item:
		metrics.LaneDepth.WithLabelValues(strconv.Itoa(int(lane))).Set(float64(len(r.lanes[lane])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run routes everything from in and closes all lanes when in is exhausted
func (r *Router) Run(ctx context.Context, in <-chan SequencedItem) error {
	defer func() {
		for _, ch := range r.lanes {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if err := r.Route(ctx, item); err != nil {
				return err
			}
		}
	}
}
