// Package cycle replays a finite segment list as an endless live sequence.
//
// A Cycle tracks two sliding windows over the replayed segments: the alive
// window of links kept on disk, and the smaller display window that is
// published in the playlist. Every Tick advances both by exactly one segment
// and moves the simulated program clock forward by that segment's duration.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/agleyzer/loopcast/internal/link"
	"github.com/agleyzer/loopcast/internal/segment"
)

var (
	// ErrNoSegments is returned when the source list is empty.
	ErrNoSegments = errors.New("cannot cycle zero segments")

	// ErrWindowSize is returned for a display window smaller than one.
	ErrWindowSize = errors.New("window size must be positive")

	// ErrAliveSize is returned when the alive window is smaller than the
	// display window.
	ErrAliveSize = errors.New("alive size must not be smaller than window size")
)

// Config describes one cycle.
type Config struct {
	// Segments is the source list, replayed round-robin
	Segments []segment.Segment

	// WindowSize is the number of entries published in the playlist
	WindowSize int

	// AliveSize is the number of links kept on disk.
	// Zero means twice the window size.
	AliveSize int

	// Resolution is the variant label used in link names
	Resolution string

	// OutputDir is where links are created
	OutputDir string

	// Start is the program date-time before the first tick
	Start time.Time
}

// Entry is one published playlist entry.
type Entry struct {
	Filename        string
	Duration        float64
	Discontinuity   bool
	ProgramDateTime time.Time
}

// Cycle is the state of one endlessly replayed channel.
// It is not safe for concurrent use.
type Cycle struct {
	segments   []segment.Segment
	resolution string
	outputDir  string

	ticks           int64
	mediaSequence   int64
	programDateTime time.Time

	alive  *Ring[link.Link]
	window *Ring[Entry]

	creations []link.Link
	removals  []link.Link
}

// New creates a cycle positioned before its first tick.
func New(cfg Config) (*Cycle, error) {
	if len(cfg.Segments) == 0 {
		return nil, ErrNoSegments
	}

	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrWindowSize, cfg.WindowSize)
	}

	aliveSize := cfg.AliveSize
	if aliveSize == 0 {
		aliveSize = 2 * cfg.WindowSize
	}
	if aliveSize < cfg.WindowSize {
		return nil, fmt.Errorf("%w: alive %d, window %d", ErrAliveSize, aliveSize, cfg.WindowSize)
	}

	return &Cycle{
		segments:        cfg.Segments,
		resolution:      cfg.Resolution,
		outputDir:       cfg.OutputDir,
		mediaSequence:   -int64(cfg.WindowSize),
		programDateTime: cfg.Start,
		alive:           NewRing[link.Link](aliveSize),
		window:          NewRing[Entry](cfg.WindowSize),
	}, nil
}

// Tick advances the cycle by one segment.
func (c *Cycle) Tick() {
	seg := c.segments[c.ticks%int64(len(c.segments))]
	slot := c.ticks
	first := c.ticks == 0

	c.ticks++
	c.mediaSequence++
	c.programDateTime = c.programDateTime.Add(seg.Length())

	l := link.New(c.outputDir, c.resolution, slot, seg)
	if evicted, ok := c.alive.Push(l); ok {
		c.removals = append(c.removals, evicted)
	}
	c.creations = append(c.creations, l)

	c.window.Push(Entry{
		Filename:        l.Filename(),
		Duration:        seg.Duration,
		Discontinuity:   seg.Discontinuity || first,
		ProgramDateTime: c.programDateTime,
	})
}

// FastForward runs n ticks. Pending link changes keep accumulating.
func (c *Cycle) FastForward(n int) {
	for i := 0; i < n; i++ {
		c.Tick()
	}
}

// Ticks returns the number of ticks run so far.
func (c *Cycle) Ticks() int64 {
	return c.ticks
}

// MediaSequence returns the sequence number of the first displayed entry.
// It is negative until the display window has filled up.
func (c *Cycle) MediaSequence() int64 {
	return c.mediaSequence
}

// ProgramDateTime returns the simulated clock, i.e. the moment the most
// recent segment finished "encoding".
func (c *Cycle) ProgramDateTime() time.Time {
	return c.programDateTime
}

// WindowSize returns the display window capacity.
func (c *Cycle) WindowSize() int {
	return c.window.Cap()
}

// AliveSize returns the alive window capacity.
func (c *Cycle) AliveSize() int {
	return c.alive.Cap()
}

// Window returns the displayed entries in chronological order.
func (c *Cycle) Window() []Entry {
	return c.window.Items()
}

// Alive returns the links that should currently exist, oldest first.
func (c *Cycle) Alive() []link.Link {
	return c.alive.Items()
}

// PendingCreations returns links created since the last ClearPending.
func (c *Cycle) PendingCreations() []link.Link {
	return c.creations
}

// PendingRemovals returns links evicted since the last ClearPending.
func (c *Cycle) PendingRemovals() []link.Link {
	return c.removals
}

// ClearPending forgets the pending link changes once they are applied.
func (c *Cycle) ClearPending() {
	c.creations = nil
	c.removals = nil
}
