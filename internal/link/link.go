// Package link maps synthetic segment names in a channel's output directory
// onto the source media files they stand for.
package link

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agleyzer/loopcast/internal/segment"
)

// MaxSeq is the largest sequence number rendered into a filename. Slots
// wrap to zero after it; at 6 second segments that takes roughly 190 years.
//
// Wrapping does not insert a discontinuity into the published playlist.
const MaxSeq int64 = 999_999_999

// Name returns the synthetic filename for a sequence slot.
func Name(resolution string, slot int64) string {
	return fmt.Sprintf("%s_%09d.ts", resolution, slot%(MaxSeq+1))
}

// Link ties one sequence slot to the source segment it is backed by.
type Link struct {
	// Slot is the logical, never-wrapping sequence number
	Slot int64

	// Resolution is the variant label used as filename prefix
	Resolution string

	// Path is the full path of the link inside the output directory
	Path string

	// Segment is the source segment the link points at
	Segment segment.Segment
}

// New builds the link for a slot in dir.
func New(dir, resolution string, slot int64, seg segment.Segment) Link {
	return Link{
		Slot:       slot,
		Resolution: resolution,
		Path:       filepath.Join(dir, Name(resolution, slot)),
		Segment:    seg,
	}
}

// Filename returns the link name relative to the output directory.
func (l Link) Filename() string {
	return filepath.Base(l.Path)
}

// Manager creates and removes links on disk. In dry-run mode it only logs
// what it would have done.
type Manager struct {
	dryRun bool
	logger *slog.Logger
}

// NewManager creates a link manager.
func NewManager(dryRun bool, logger *slog.Logger) *Manager {
	return &Manager{
		dryRun: dryRun,
		logger: logger,
	}
}

// Materialize points l.Path at the segment location, replacing whatever was
// there. The replacement is remove-then-create, so readers may briefly see
// the name missing.
func (m *Manager) Materialize(l Link) error {
	if m.dryRun {
		m.logger.Info("linking", "link", l.Path, "target", l.Segment.Location)
		return nil
	}

	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace link %s: %w", l.Path, err)
	}

	if err := os.Symlink(l.Segment.Location, l.Path); err != nil {
		return fmt.Errorf("create link %s: %w", l.Path, err)
	}

	m.logger.Debug("linked segment", "link", l.Path, "target", l.Segment.Location)
	return nil
}

// Dematerialize removes the link at l.Path. A missing link is not an error.
func (m *Manager) Dematerialize(l Link) error {
	if m.dryRun {
		m.logger.Info("removing", "link", l.Path)
		return nil
	}

	if err := os.Remove(l.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove link %s: %w", l.Path, err)
	}

	m.logger.Debug("removed segment link", "link", l.Path)
	return nil
}
