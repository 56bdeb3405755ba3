// Package publisher runs one looping channel: it paces the segment cycle to
// wall time, keeps the segment links on disk in step with it, and writes the
// live playlist after every tick.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agleyzer/loopcast/internal/cycle"
	"github.com/agleyzer/loopcast/internal/link"
	"github.com/agleyzer/loopcast/internal/metrics"
	"github.com/agleyzer/loopcast/internal/parser"
	"github.com/agleyzer/loopcast/internal/playlist"
	"github.com/agleyzer/loopcast/internal/segment"
)

// ErrPurge is returned when the output directory cannot be cleaned at startup.
var ErrPurge = errors.New("purge output directory")

// purgePatterns are the files a previous run may have left behind.
var purgePatterns = []string{"*.ts", "*.m3u8"}

// State is the lifecycle phase of a channel.
type State string

const (
	StateInit    State = "init"
	StatePurge   State = "purge"
	StatePrefill State = "prefill"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Config holds the per-channel settings.
type Config struct {
	// Name identifies the channel in logs, metrics and the cluster log
	Name string

	// OutputDir receives the links and the playlist; it must exist
	OutputDir string

	// Resolution is the variant label used in file names
	Resolution string

	// WindowSize is the number of entries in the published playlist
	WindowSize int

	// AliveSize is the number of links kept on disk, 2*WindowSize if zero
	AliveSize int

	// Start is the wall time of the first publish
	Start time.Time

	// SeqLimit stops the channel once the media sequence reaches it.
	// Zero runs forever.
	SeqLimit int64

	// DryRun logs filesystem changes instead of making them
	DryRun bool
}

// PlaylistPath returns where the channel's playlist is written.
func (c Config) PlaylistPath() string {
	return filepath.Join(c.OutputDir, c.Resolution+".m3u8")
}

// Coordinator decides whether this process owns the output directory.
// Implemented by the cluster manager; a nil Coordinator means always.
type Coordinator interface {
	IsLeader() bool

	// RecordPublish replicates the last published media sequence.
	RecordPublish(channel string, mediaSequence int64) error

	// LastPublished returns the last replicated media sequence for channel.
	LastPublished(channel string) (int64, bool)

	// ResetChannel forgets the replicated position after a purge.
	ResetChannel(channel string) error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithMetrics records channel events.
func WithMetrics(m *metrics.Channel) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithCoordinator gates disk changes on cluster leadership.
func WithCoordinator(c Coordinator) Option {
	return func(p *Publisher) { p.coord = c }
}

// Publisher drives a single channel. Run must be called at most once.
type Publisher struct {
	cfg     Config
	source  *parser.Source
	cycle   *cycle.Cycle
	links   *link.Manager
	writer  *playlist.Writer
	clock   Clock
	metrics *metrics.Channel
	coord   Coordinator
	logger  *slog.Logger

	leader bool

	mu    sync.RWMutex
	stats stats
}

type stats struct {
	state          State
	mediaSequence  int64
	ticks          int64
	deadlineMisses int64
	lastPublish    time.Time
	lastError      string
}

// New creates a publisher. The cycle clock starts in the past by the length
// of one full window so that the first publish at cfg.Start already lists
// WindowSize entries.
func New(cfg Config, source *parser.Source, logger *slog.Logger, opts ...Option) (*Publisher, error) {
	if source == nil || len(source.Segments) == 0 {
		return nil, fmt.Errorf("channel %s: %w", cfg.Name, cycle.ErrNoSegments)
	}

	logger = logger.With("channel", cfg.Name)

	backdated := cfg.Start.Add(-segment.TotalDuration(source.Segments, cfg.WindowSize))
	c, err := cycle.New(cycle.Config{
		Segments:   source.Segments,
		WindowSize: cfg.WindowSize,
		AliveSize:  cfg.AliveSize,
		Resolution: cfg.Resolution,
		OutputDir:  cfg.OutputDir,
		Start:      backdated,
	})
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
	}

	p := &Publisher{
		cfg:    cfg,
		source: source,
		cycle:  c,
		links:  link.NewManager(cfg.DryRun, logger),
		writer: playlist.NewWriter(cfg.DryRun, logger),
		clock:  realClock{},
		logger: logger,
		stats: stats{
			state:         StateInit,
			mediaSequence: c.MediaSequence(),
		},
	}

	for _, opt := range opts {
		opt(p)
	}
	p.leader = p.coord == nil

	return p, nil
}

// Run purges the output directory, prefills the window and then publishes
// one segment per tick until the sequence limit is reached or ctx is done.
// Filesystem errors stop the channel; a tick is never skipped.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("starting channel",
		"output_dir", p.cfg.OutputDir,
		"resolution", p.cfg.Resolution,
		"window_size", p.cycle.WindowSize(),
		"alive_size", p.cycle.AliveSize(),
		"segments", len(p.source.Segments),
		"start", p.cfg.Start,
		"seq_limit", p.cfg.SeqLimit,
		"dry_run", p.cfg.DryRun,
	)

	p.setState(StatePurge)
	if err := p.purge(); err != nil {
		return p.fail(err)
	}

	p.setState(StatePrefill)
	p.cycle.FastForward(p.cycle.WindowSize() - 1)

	p.setState(StateRunning)
	for {
		p.cycle.Tick()

		if p.cfg.SeqLimit > 0 && p.cycle.MediaSequence() >= p.cfg.SeqLimit {
			p.setState(StateDone)
			p.logger.Info("sequence limit reached", "media_sequence", p.cycle.MediaSequence())
			return nil
		}

		if err := p.waitForDeadline(ctx); err != nil {
			p.setState(StateDone)
			p.logger.Info("stopping channel", "reason", err)
			return err
		}

		if err := p.publish(); err != nil {
			return p.fail(err)
		}
	}
}

// purge removes segment links and playlists left by a previous run.
func (p *Publisher) purge() error {
	entries, err := os.ReadDir(p.cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPurge, err)
	}

	if p.coord != nil {
		if !p.coord.IsLeader() {
			p.logger.Info("standby, leaving output directory to the leader")
			return nil
		}
		if err := p.coord.ResetChannel(p.cfg.Name); err != nil {
			p.logger.Warn("failed to reset replicated position", "error", err)
		}
	}

	for _, entry := range entries {
		if entry.IsDir() || !matchesAny(entry.Name(), purgePatterns) {
			continue
		}

		path := filepath.Join(p.cfg.OutputDir, entry.Name())
		if p.cfg.DryRun {
			p.logger.Info("would delete", "path", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%w: %w", ErrPurge, err)
		}
		p.logger.Info("deleted", "path", path)
	}

	return nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// waitForDeadline sleeps until the current tick's program date-time.
// A deadline that already passed is logged and not compensated for.
func (p *Publisher) waitForDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := p.cycle.ProgramDateTime()
	wait := deadline.Sub(p.clock.Now())
	if wait > 0 {
		return p.clock.Sleep(ctx, wait)
	}

	p.logger.Warn("missed publish deadline",
		"overrun", -wait,
		"deadline", deadline,
		"media_sequence", p.cycle.MediaSequence(),
	)
	p.metrics.DeadlineMissed(-wait)

	p.mu.Lock()
	p.stats.deadlineMisses++
	p.mu.Unlock()

	return nil
}

// publish applies the pending link changes and writes the playlist.
func (p *Publisher) publish() error {
	seq := p.cycle.MediaSequence()

	if !p.ownsOutput() {
		p.cycle.ClearPending()
		p.logger.Debug("standby, skipping disk changes", "media_sequence", seq)
		p.recordTick(seq, false)
		return nil
	}

	creations := p.cycle.PendingCreations()
	if !p.leader {
		// Links made while another node led may be missing here, so
		// the whole alive window is linked again.
		p.leader = true
		creations = p.cycle.Alive()
		p.logTakeover(seq)
		if err := p.sweepStale(creations); err != nil {
			return err
		}
	}

	removals := p.cycle.PendingRemovals()
	for _, l := range removals {
		if err := p.links.Dematerialize(l); err != nil {
			return err
		}
	}
	for _, l := range creations {
		if err := p.links.Materialize(l); err != nil {
			return err
		}
	}
	p.cycle.ClearPending()
	p.metrics.LinksApplied(len(creations), len(removals))

	if err := p.writer.Write(p.cfg.PlaylistPath(), p.Snapshot()); err != nil {
		return err
	}
	p.metrics.Published(seq)
	p.recordTick(seq, true)

	if p.coord != nil {
		if err := p.coord.RecordPublish(p.cfg.Name, seq); err != nil {
			p.logger.Warn("failed to replicate publish", "media_sequence", seq, "error", err)
		}
	}

	return nil
}

func (p *Publisher) ownsOutput() bool {
	if p.coord == nil {
		return true
	}
	if p.coord.IsLeader() {
		return true
	}
	if p.leader {
		p.logger.Info("lost leadership, entering standby", "media_sequence", p.cycle.MediaSequence())
		p.leader = false
	}
	return false
}

// sweepStale removes segment links outside the alive window, such as those
// evicted while no node was leading.
func (p *Publisher) sweepStale(alive []link.Link) error {
	keep := make(map[string]bool, len(alive))
	for _, l := range alive {
		keep[l.Filename()] = true
	}

	entries, err := os.ReadDir(p.cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}

	prefix := p.cfg.Resolution + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] || !strings.HasPrefix(name, prefix) || filepath.Ext(name) != ".ts" {
			continue
		}
		if err := p.links.Dematerialize(link.Link{Path: filepath.Join(p.cfg.OutputDir, name)}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) logTakeover(seq int64) {
	if p.coord == nil {
		return
	}
	last, ok := p.coord.LastPublished(p.cfg.Name)
	if !ok {
		p.logger.Info("assumed leadership", "media_sequence", seq)
		return
	}
	p.logger.Info("assumed leadership",
		"media_sequence", seq,
		"last_replicated", last,
		"gap", seq-last-1,
	)
}

// Snapshot returns the playlist as of the current tick.
func (p *Publisher) Snapshot() playlist.Snapshot {
	return playlist.Snapshot{
		MediaSequence:  p.cycle.MediaSequence(),
		TargetDuration: p.source.TargetDuration,
		Version:        p.source.Version,
		Entries:        p.cycle.Window(),
	}
}

// Name returns the channel name.
func (p *Publisher) Name() string {
	return p.cfg.Name
}

// OutputDir returns the channel's output directory.
func (p *Publisher) OutputDir() string {
	return p.cfg.OutputDir
}

// recordTick updates the tick counters. The last publish time only moves
// when this node wrote the playlist.
func (p *Publisher) recordTick(seq int64, published bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.mediaSequence = seq
	p.stats.ticks = p.cycle.Ticks()
	if published {
		p.stats.lastPublish = p.clock.Now()
	}
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.state = s
}

func (p *Publisher) fail(err error) error {
	p.metrics.Failed()

	p.mu.Lock()
	p.stats.state = StateFailed
	p.stats.lastError = err.Error()
	p.mu.Unlock()

	p.logger.Error("channel stopped", "error", err)
	return fmt.Errorf("channel %s: %w", p.cfg.Name, err)
}

// GetStats returns current statistics about the channel.
// Safe to call while Run is in progress.
func (p *Publisher) GetStats() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := map[string]any{
		"channel":         p.cfg.Name,
		"resolution":      p.cfg.Resolution,
		"state":           string(p.stats.state),
		"media_sequence":  p.stats.mediaSequence,
		"ticks":           p.stats.ticks,
		"deadline_misses": p.stats.deadlineMisses,
		"window_size":     p.cfg.WindowSize,
		"total_segments":  len(p.source.Segments),
		"dry_run":         p.cfg.DryRun,
	}
	if !p.stats.lastPublish.IsZero() {
		stats["last_publish"] = p.stats.lastPublish
	}
	if p.stats.lastError != "" {
		stats["error"] = p.stats.lastError
	}
	return stats
}
