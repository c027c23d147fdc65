// Package variant defines data structures for the quality variants of a video.
package variant

import (
	"math"

	"github.com/agleyzer/segplay/internal/segment"
)

// DefaultSegmentDuration is used when neither the segments nor the catalog
// report a usable duration.
const DefaultSegmentDuration = 10.0

// Quality is one fixed encoding of a video as reported by the catalog metadata.
type Quality struct {
	// Name is the label used by the catalog (e.g. "360p", "1080p")
	Name string `json:"name"`

	// Width and Height are the encoded resolution, 0 if not reported
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Bitrate is the nominal video bitrate as reported (e.g. "800k")
	Bitrate string `json:"bitrate,omitempty"`

	// TotalSegments is the segment count of this quality
	TotalSegments int `json:"totalSegments,omitempty"`
}

// Variant is the segment list of a single quality.
type Variant struct {
	// Quality is the quality name this list belongs to
	Quality string

	// SegmentDuration is the measured segment duration in seconds
	SegmentDuration float64

	// Segments holds the descriptors in playback order
	Segments []segment.Segment
}

// Count returns the number of segments.
func (v *Variant) Count() int {
	return len(v.Segments)
}

// Segment returns the descriptor at index i.
func (v *Variant) Segment(i int) (segment.Segment, bool) {
	if i < 0 || i >= len(v.Segments) {
		return segment.Segment{}, false
	}
	return v.Segments[i], true
}

// Duration returns the sum of all segment durations.
func (v *Variant) Duration() float64 {
	var total float64
	for _, s := range v.Segments {
		total += s.Duration
	}
	return total
}

// IndexAt maps a timeline position to a segment index using the measured
// segment duration. The result is clamped to the valid range.
func (v *Variant) IndexAt(t float64) int {
	if len(v.Segments) == 0 {
		return 0
	}
	d := v.SegmentDuration
	if d <= 0 {
		d = DefaultSegmentDuration
	}
	if t < 0 {
		t = 0
	}
	i := int(math.Floor(t / d))
	if i >= len(v.Segments) {
		i = len(v.Segments) - 1
	}
	return i
}

// MeasuredDuration averages the segment durations, leaving out the final
// segment, which is usually a remainder. A single segment reports its own
// duration; an empty list reports fallback.
func MeasuredDuration(segments []segment.Segment, fallback float64) float64 {
	switch len(segments) {
	case 0:
		if fallback <= 0 {
			return DefaultSegmentDuration
		}
		return fallback
	case 1:
		return segments[0].Duration
	}

	core := segments[:len(segments)-1]
	var sum float64
	for _, s := range core {
		sum += s.Duration
	}
	avg := sum / float64(len(core))
	return math.Round(avg*1000) / 1000
}
