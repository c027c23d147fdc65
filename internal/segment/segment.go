// Package segment defines data structures for independently fetchable video segments.
package segment

// Segment describes one fixed-duration chunk of a quality variant.
type Segment struct {
	// Index is the 0-based position within the variant
	Index int

	// Filename is the file name reported by the catalog (e.g. "seg_003.mp4")
	Filename string

	// URL is the absolute payload locator
	URL string

	// Size is the payload size in bytes, 0 if unknown
	Size int64

	// Duration is the segment duration in seconds
	Duration float64

	// Start is the timeline offset in seconds, the sum of all prior durations
	Start float64

	// Thumbnail is an optional preview image locator
	Thumbnail string
}

// End returns the timeline offset at which the segment stops.
func (s Segment) End() float64 {
	return s.Start + s.Duration
}

// Reindex assigns 0-based indexes and derived start offsets in list order.
// Durations that are zero or negative are replaced with fallback.
func Reindex(segments []Segment, fallback float64) []Segment {
	var start float64
	for i := range segments {
		if segments[i].Duration <= 0 {
			segments[i].Duration = fallback
		}
		segments[i].Index = i
		segments[i].Start = start
		start += segments[i].Duration
	}
	return segments
}
