package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multi-video-grid/metrics"
)

const (
	DefaultGapTimeout = 5 * time.Second
	DefaultMaxPending = 64

	// maxRemembered bounds the skipped indices a stage keeps per monitor.
	// Older skips collapse into a low-water mark.
	maxRemembered = 1024
)

// MergeConfig controls how long a merge stage waits for a missing index
type MergeConfig struct {
	GapTimeout time.Duration
	MaxPending int
}

// MergeNetwork restores per-monitor index order over P lanes with a fixed
// tree of pairwise merge stages
type MergeNetwork struct {
	lanes    int
	stages   []*mergeStage
	root     <-chan SequencedItem
	out      chan SequencedItem
	frontier *frontier
	stats    *counters
	logger   *zap.Logger
}

// NewMergeNetwork builds the tree over lanes, indexed by Lane. With a single
// lane the network is one stage that only reorders.
func NewMergeNetwork(lanes []<-chan SequencedItem, cfg MergeConfig, buffer int, logger *zap.Logger) *MergeNetwork {
	return newMergeNetwork(lanes, cfg, buffer, &counters{}, logger)
}

func newMergeNetwork(lanes []<-chan SequencedItem, cfg MergeConfig, buffer int, stats *counters, logger *zap.Logger) *MergeNetwork {
	if cfg.GapTimeout <= 0 {
		cfg.GapTimeout = DefaultGapTimeout
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	m := &MergeNetwork{
		lanes:    len(lanes),
		out:      make(chan SequencedItem, buffer),
		frontier: newFrontier(),
		stats:    stats,
		logger:   logger,
	}

	if len(lanes) == 1 {
		m.root = m.addStage(lanes[0], nil, 0, 1, []int{0}, cfg, buffer)
	} else {
		m.root = m.build(lanes, 0, len(lanes), cfg, buffer)
	}

	logger.Info("Merge network built", zap.Int("lanes", len(lanes)), zap.Int("stages", len(m.stages)))
	return m
}

// build merges lanes [lo, hi). Children are built first, so stage 0 merges
// lanes 0 and 1.
func (m *MergeNetwork) build(lanes []<-chan SequencedItem, lo, hi int, cfg MergeConfig, buffer int) <-chan SequencedItem {
	if hi-lo == 1 {
		return lanes[lo]
	}
	mid := lo + (hi-lo+1)/2
	left := m.build(lanes, lo, mid, cfg, buffer)
	right := m.build(lanes, mid, hi, cfg, buffer)

	// Lanes read directly by this stage. Every lane has exactly one such
	// stage, and only that stage gives up on the lane's indices.
	var leaves []int
	if mid-lo == 1 {
		leaves = append(leaves, lo)
	}
	if hi-mid == 1 {
		leaves = append(leaves, mid)
	}
	return m.addStage(left, right, lo, hi, leaves, cfg, buffer)
}

func (m *MergeNetwork) addStage(left, right <-chan SequencedItem, lo, hi int, leaves []int, cfg MergeConfig, buffer int) <-chan SequencedItem {
	id := len(m.stages)
	s := &mergeStage{
		id:       id,
		label:    strconv.Itoa(id),
		lo:       lo,
		hi:       hi,
		leaves:   leaves,
		p:        uint64(m.lanes),
		left:     left,
		right:    right,
		out:      make(chan SequencedItem, buffer),
		cfg:      cfg,
		keys:     make(map[int]*mergeKey),
		frontier: m.frontier,
		now:      time.Now,
		stats:    m.stats,
		logger:   m.logger.With(zap.Int("stage", id), zap.Int("lanes_from", lo), zap.Int("lanes_to", hi-1)),
	}
	m.stages = append(m.stages, s)
	return s.out
}

// Stages returns the number of merge stages
func (m *MergeNetwork) Stages() int {
	return len(m.stages)
}

// Output returns the ordered stream. Drop markers are removed.
func (m *MergeNetwork) Output() <-chan SequencedItem {
	return m.out
}

// Run drives every stage until all lanes are closed and flushed, or until the
// first sequence violation
func (m *MergeNetwork) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, s := range m.stages {
		s := s
		g.Go(func() error { return s.run(ctx) })
	}

	g.Go(func() error {
		defer close(m.out)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case item, ok := <-m.root:
				if !ok {
					return nil
				}
				if item.Dropped {
					continue
				}
				select {
				case m.out <- item:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	return g.Wait()
}

// frontier records the highest index seen anywhere in the network per
// monitor, so a stage with nothing pending can still tell that an index it
// owns is missing rather than not yet produced
type frontier struct {
	mu   sync.Mutex
	high map[int]frontierMark
}

type frontierMark struct {
	origin uint64
	index  uint64
}

func newFrontier() *frontier {
	return &frontier{high: make(map[int]frontierMark)}
}

func (f *frontier) observe(monitor int, origin, index uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.high[monitor]; !ok || index > m.index {
		f.high[monitor] = frontierMark{origin: origin, index: index}
	}
}

func (f *frontier) beyond(monitor int, index uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.high[monitor]
	return ok && m.index > index
}

func (f *frontier) snapshot() map[int]frontierMark {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]frontierMark, len(f.high))
	for monitor, m := range f.high {
		out[monitor] = m
	}
	return out
}

// mergeKey is the state of one monitor inside one stage
type mergeKey struct {
	origin    uint64
	next      uint64          // smallest index this stage may emit next
	pending   []SequencedItem // ascending by index, from both inputs
	stalledAt time.Time       // zero unless the stage waits on an index it owns
	skipped   []uint64        // ascending, most recent skips
	lateBelow uint64          // skips below this were forgotten
}

func (k *mergeKey) remember(index uint64) {
	k.skipped = append(k.skipped, index)
	if n := len(k.skipped) - maxRemembered; n > 0 {
		k.lateBelow = k.skipped[n-1] + 1
		k.skipped = append(k.skipped[:0], k.skipped[n:]...)
	}
}

// late reports whether index was skipped by this stage and clears it
func (k *mergeKey) late(index uint64) bool {
	if index < k.lateBelow {
		return true
	}
	i := sort.Search(len(k.skipped), func(i int) bool { return k.skipped[i] >= index })
	if i == len(k.skipped) || k.skipped[i] != index {
		return false
	}
	k.skipped = append(k.skipped[:i], k.skipped[i+1:]...)
	return true
}

// mergeStage merges two inputs covering lanes [lo, hi). For every monitor it
// only emits the next index it expects, so nothing overtakes a lower index
// that may still arrive. It gives up on missing indices only for the lanes
// in leaves; anything else is resolved by the child stage that reads it.
type mergeStage struct {
	id       int
	label    string
	lo, hi   int
	leaves   []int
	p        uint64
	left     <-chan SequencedItem
	right    <-chan SequencedItem
	out      chan SequencedItem
	cfg      MergeConfig
	keys     map[int]*mergeKey
	buffered int
	frontier *frontier
	now      func() time.Time
	stats    *counters
	logger   *zap.Logger
}

func (s *mergeStage) covers(index uint64) bool {
	r := int(index % s.p)
	return r >= s.lo && r < s.hi
}

// owns reports whether index arrives on a lane this stage reads directly
func (s *mergeStage) owns(index uint64) bool {
	r := int(index % s.p)
	for _, lane := range s.leaves {
		if lane == r {
			return true
		}
	}
	return false
}

// advance returns the smallest index >= x that belongs to this stage
func (s *mergeStage) advance(x uint64) uint64 {
	r := int(x % s.p)
	switch {
	case r < s.lo:
		return x + uint64(s.lo-r)
	case r >= s.hi:
		return x + (s.p - uint64(r)) + uint64(s.lo)
	default:
		return x
	}
}

func (s *mergeStage) key(monitor int, origin uint64) *mergeKey {
	k, ok := s.keys[monitor]
	if !ok {
		k = &mergeKey{origin: origin, next: s.advance(origin)}
		s.keys[monitor] = k
	}
	return k
}

// blocked reports whether the monitor waits on an owned index that is known
// to be overtaken
func (s *mergeStage) blocked(monitor int, k *mergeKey) bool {
	if !s.owns(k.next) {
		return false
	}
	return len(k.pending) > 0 || s.frontier.beyond(monitor, k.next)
}

func (s *mergeStage) run(ctx context.Context) error {
	defer close(s.out)

	interval := s.cfg.GapTimeout / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	left, right := s.left, s.right
	for left != nil || right != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-left:
			if !ok {
				left = nil
				continue
			}
			if err := s.accept(ctx, item); err != nil {
				return err
			}
		case item, ok := <-right:
			if !ok {
				right = nil
				continue
			}
			if err := s.accept(ctx, item); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.expire(ctx); err != nil {
				return err
			}
		}
	}

	return s.flush(ctx)
}

func (s *mergeStage) accept(ctx context.Context, item SequencedItem) error {
	if !s.covers(item.Index) {
		return fmt.Errorf("%w: stage %d got index %d of monitor %d from lane %d, outside lanes %d..%d",
			ErrSequenceViolation, s.id, item.Index, item.Monitor, item.Index%s.p, s.lo, s.hi-1)
	}

	k := s.key(item.Monitor, item.Origin)
	s.frontier.observe(item.Monitor, item.Origin, item.Index)

	if item.Index < k.next {
		if s.owns(item.Index) && k.late(item.Index) {
			if item.Dropped {
				s.logger.Debug("Ignoring drop marker for a skipped index",
					zap.Int("monitor", item.Monitor),
					zap.Uint64("index", item.Index))
				return nil
			}
			s.stats.add(&s.stats.lateMerged, 1)
			metrics.MergeLate.Inc()
			s.logger.Warn("Dropping item that arrived after its index was skipped",
				zap.Int("monitor", item.Monitor),
				zap.Uint64("index", item.Index))
			return nil
		}
		return fmt.Errorf("%w: stage %d got index %d of monitor %d after moving on to %d",
			ErrSequenceViolation, s.id, item.Index, item.Monitor, k.next)
	}

	i := sort.Search(len(k.pending), func(i int) bool { return k.pending[i].Index >= item.Index })
	if i < len(k.pending) && k.pending[i].Index == item.Index {
		return fmt.Errorf("%w: stage %d got index %d of monitor %d twice",
			ErrSequenceViolation, s.id, item.Index, item.Monitor)
	}
	k.pending = append(k.pending, SequencedItem{})
	copy(k.pending[i+1:], k.pending[i:])
	k.pending[i] = item
	s.buffered++

	progressed, err := s.drain(ctx, k)
	if err != nil {
		return err
	}
	s.markStall(item.Monitor, k, progressed)

	if len(k.pending) > s.cfg.MaxPending {
		if err := s.skip(ctx, item.Monitor, k, "overflow", false); err != nil {
			return err
		}
	}

	metrics.MergePending.WithLabelValues(s.label).Set(float64(s.buffered))
	return nil
}

// drain emits pending items while the head is the expected index
func (s *mergeStage) drain(ctx context.Context, k *mergeKey) (bool, error) {
	progressed := false
	for len(k.pending) > 0 && k.pending[0].Index == k.next {
		item := k.pending[0]
		k.pending[0] = SequencedItem{}
		k.pending = k.pending[1:]
		s.buffered--
		k.next = s.advance(item.Index + 1)

		select {
		case s.out <- item:
		case <-ctx.Done():
			return progressed, ctx.Err()
		}
		progressed = true
	}
	if len(k.pending) == 0 {
		k.pending = nil
	}
	return progressed, nil
}

func (s *mergeStage) markStall(monitor int, k *mergeKey, progressed bool) {
	switch {
	case !s.blocked(monitor, k):
		k.stalledAt = time.Time{}
	case progressed || k.stalledAt.IsZero():
		k.stalledAt = s.now()
	}
}

// skip gives up on owned indices below the smallest pending one, or on the
// next index alone when nothing is pending, and drains. It stops at the
// first index a child stage owns. With force every index below the smallest
// pending one is skipped. Each skipped index leaves as a drop marker so
// later stages do not wait for it.
func (s *mergeStage) skip(ctx context.Context, monitor int, k *mergeKey, reason string, force bool) error {
	target := k.next + 1
	if len(k.pending) > 0 {
		target = k.pending[0].Index
	} else if force {
		return nil
	}

	from := k.next
	var count, last uint64
	for idx := k.next; idx < target; idx = s.advance(idx + 1) {
		if !force && !s.owns(idx) {
			break
		}
		k.remember(idx)
		last = idx
		k.next = s.advance(idx + 1)
		count++

		marker := SequencedItem{Index: idx, Monitor: monitor, Origin: k.origin, Dropped: true}
		select {
		case s.out <- marker:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if count > 0 {
		s.stats.add(&s.stats.skipped, count)
		metrics.MergeSkipped.WithLabelValues(s.label, reason).Add(float64(count))
		s.logger.Warn("Skipping missing indices",
			zap.Int("monitor", monitor),
			zap.Uint64("from", from),
			zap.Uint64("to", last),
			zap.Uint64("count", count),
			zap.String("reason", reason))
	}

	progressed, err := s.drain(ctx, k)
	if err != nil {
		return err
	}
	s.markStall(monitor, k, progressed || count > 0)
	return nil
}

// expire skips owned gaps that have stalled a monitor for longer than the
// timeout
func (s *mergeStage) expire(ctx context.Context) error {
	now := s.now()
	for monitor, mark := range s.frontier.snapshot() {
		k := s.key(monitor, mark.origin)
		if !s.blocked(monitor, k) {
			k.stalledAt = time.Time{}
			continue
		}
		if k.stalledAt.IsZero() {
			k.stalledAt = now
			continue
		}
		if now.Sub(k.stalledAt) < s.cfg.GapTimeout {
			continue
		}
		if err := s.skip(ctx, monitor, k, "timeout", false); err != nil {
			return err
		}
	}
	metrics.MergePending.WithLabelValues(s.label).Set(float64(s.buffered))
	return nil
}

// flush emits everything still pending once both inputs are closed. Nothing
// can arrive any more, so every gap below a pending item is skipped.
func (s *mergeStage) flush(ctx context.Context) error {
	monitors := make([]int, 0, len(s.keys))
	for monitor, k := range s.keys {
		if len(k.pending) > 0 {
			monitors = append(monitors, monitor)
		}
	}
	sort.Ints(monitors)

	for _, monitor := range monitors {
		k := s.keys[monitor]
		for len(k.pending) > 0 {
			if err := s.skip(ctx, monitor, k, "flush", true); err != nil {
				return err
			}
		}
	}

	metrics.MergePending.WithLabelValues(s.label).Set(0)
	s.logger.Debug("Merge stage finished")
	return nil
}
