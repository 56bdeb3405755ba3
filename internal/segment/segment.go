// Package segment defines data structures for pre-recorded HLS source segments.
package segment

import (
	"math"
	"time"
)

// Segment represents a single source segment taken from a VOD playlist.
// Segments are read-only once parsed.
type Segment struct {
	// Location is the absolute path or URL of the media file
	Location string

	// Duration is the segment duration in seconds
	Duration float64

	// Discontinuity is set when the source playlist marks the segment
	// with #EXT-X-DISCONTINUITY
	Discontinuity bool

	// Sequence is the position in the source playlist
	Sequence int
}

// TotalDuration returns the summed duration of the first n segments,
// cycling through the list when n exceeds its length.
func TotalDuration(segments []Segment, n int) time.Duration {
	if len(segments) == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < n; i++ {
		total += segments[i%len(segments)].Length()
	}
	return total
}

// Length returns the segment duration as a time.Duration, rounded to the
// nearest nanosecond.
func (s Segment) Length() time.Duration {
	return time.Duration(math.Round(s.Duration * float64(time.Second)))
}
