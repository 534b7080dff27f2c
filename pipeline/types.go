package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"multi-video-grid/frame"
)

// ErrSequenceViolation is returned when a merge stage observes an index that
// a single writer per monitor could not have produced
var ErrSequenceViolation = errors.New("sequence violation")

// Lane identifies one of the P parallel compose paths
type Lane int

// LaneFor returns the lane an index is routed to
func LaneFor(index uint64, p int) Lane {
	return Lane(index % uint64(p))
}

// String names the lane in logs
func (l Lane) String() string {
	return fmt.Sprintf("lane-%d", int(l))
}

// MonitorFor maps a camera to the monitor that displays it
func MonitorFor(camera, groupSize int) int {
	return camera / groupSize
}

// PositionFor returns the grid slot of a camera within its monitor
func PositionFor(camera, groupSize int) int {
	return camera % groupSize
}

// MonitorAggregate holds the latest frame of every camera of one monitor in
// one window
type MonitorAggregate struct {
	Monitor     int
	WindowStart time.Time
	WindowEnd   time.Time
	Timestamp   time.Time // max timestamp over the contributing frames
	Frames      map[int]frame.Frame
}

// Cameras returns the contributing camera ids in ascending order
func (a *MonitorAggregate) Cameras() []int {
	cams := make([]int, 0, len(a.Frames))
	for c := range a.Frames {
		cams = append(cams, c)
	}
	sort.Ints(cams)
	return cams
}

// SequencedItem carries a monitor aggregate, or the frame composed from it,
// under its per-monitor index
type SequencedItem struct {
	Index   uint64
	Monitor int

	// Origin is the first index the sequencer handed out for this monitor in
	// the current run. Merge stages start expecting indices from here.
	Origin uint64

	Aggregate *MonitorAggregate
	Frame     *frame.Frame

	// Dropped marks an index whose composition failed. It keeps the merge
	// network moving and never reaches the sink.
	Dropped bool
}
