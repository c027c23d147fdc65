package playback

import (
	"github.com/agleyzer/segplay/internal/abr"
)

// State is the coordinator's position in the playback state machine.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateSwitching
	StateSeeking
	StateExhausted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateLoading:   "loading",
	StatePlaying:   "playing",
	StateSwitching: "switching",
	StateSeeking:   "seeking",
	StateExhausted: "exhausted",
	StateFailed:    "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// BufferStatus is the per-segment buffer state shown next to each segment.
type BufferStatus int

const (
	BufferMissing BufferStatus = iota
	BufferLoading
	BufferBuffered
	BufferPlaying
)

func (b BufferStatus) String() string {
	switch b {
	case BufferLoading:
		return "loading"
	case BufferBuffered:
		return "buffered"
	case BufferPlaying:
		return "playing"
	default:
		return "missing"
	}
}

// BufferMap tracks the buffer status of every segment of the active quality.
// It is rebuilt, never patched, when the active quality changes.
type BufferMap struct {
	statuses []BufferStatus
}

// NewBufferMap creates a map with n segments, all missing.
func NewBufferMap(n int) *BufferMap {
	return &BufferMap{statuses: make([]BufferStatus, n)}
}

// Len returns the number of segments.
func (m *BufferMap) Len() int {
	return len(m.statuses)
}

// Get returns the status of segment i; out of range reports missing.
func (m *BufferMap) Get(i int) BufferStatus {
	if i < 0 || i >= len(m.statuses) {
		return BufferMissing
	}
	return m.statuses[i]
}

// Set updates segment i. Out of range indexes are ignored.
func (m *BufferMap) Set(i int, status BufferStatus) {
	if i < 0 || i >= len(m.statuses) {
		return
	}
	m.statuses[i] = status
}

// Statuses returns a copy of all statuses.
func (m *BufferMap) Statuses() []BufferStatus {
	out := make([]BufferStatus, len(m.statuses))
	copy(out, m.statuses)
	return out
}

// Snapshot is a copy of the playback state published after every transition.
type Snapshot struct {
	State State

	// Quality is the quality of the segment on screen.
	Quality string

	// Target is the quality being loaded or queued, Quality otherwise.
	Target string

	Index  int
	Offset float64

	// SegmentCount is the number of segments in Quality.
	SegmentCount int

	Mode   abr.Mode
	Pinned string

	Buffers []BufferStatus
}
