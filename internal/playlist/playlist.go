// Package playlist renders and persists live HLS media playlists.
package playlist

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/loopcast/internal/cycle"
)

// Snapshot is the state of a channel's playlist at one publish.
type Snapshot struct {
	// MediaSequence is the sequence number of the first entry
	MediaSequence int64

	// TargetDuration is copied from the source playlist
	TargetDuration int

	// Version is copied from the source playlist; zero keeps the encoder default
	Version uint8

	// Entries is the display window, oldest first
	Entries []cycle.Entry
}

// Encode renders the snapshot as a live media playlist (no #EXT-X-ENDLIST).
func Encode(snap Snapshot) ([]byte, error) {
	if snap.MediaSequence < 0 {
		return nil, fmt.Errorf("cannot encode unfilled playlist with media sequence %d", snap.MediaSequence)
	}

	size := uint(len(snap.Entries))
	p, err := m3u8.NewMediaPlaylist(size, max(size, 1))
	if err != nil {
		return nil, fmt.Errorf("create media playlist: %w", err)
	}

	for _, e := range snap.Entries {
		if err := p.Append(e.Filename, e.Duration, ""); err != nil {
			return nil, fmt.Errorf("append %s: %w", e.Filename, err)
		}
		if e.Discontinuity {
			if err := p.SetDiscontinuity(); err != nil {
				return nil, fmt.Errorf("mark discontinuity on %s: %w", e.Filename, err)
			}
		}
		if !e.ProgramDateTime.IsZero() {
			if err := p.SetProgramDateTime(e.ProgramDateTime); err != nil {
				return nil, fmt.Errorf("set program date-time on %s: %w", e.Filename, err)
			}
		}
	}

	p.SeqNo = uint64(snap.MediaSequence)
	if snap.TargetDuration > 0 {
		p.TargetDuration = float64(snap.TargetDuration)
	}
	if snap.Version > 0 {
		p.SetVersion(snap.Version)
	}

	return p.Encode().Bytes(), nil
}

// Writer persists snapshots to disk, or logs them in dry-run mode.
type Writer struct {
	dryRun bool
	logger *slog.Logger
}

// NewWriter creates a playlist writer.
func NewWriter(dryRun bool, logger *slog.Logger) *Writer {
	return &Writer{
		dryRun: dryRun,
		logger: logger,
	}
}

// Write renders snap and stores it at path. The file is replaced via a
// rename so readers never see a partial playlist.
func (w *Writer) Write(path string, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	if w.dryRun {
		w.logger.Info("writing playlist", "path", path, "media_sequence", snap.MediaSequence, "content", string(data))
		return nil
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write playlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace playlist: %w", err)
	}

	w.logger.Debug("wrote playlist", "path", path, "media_sequence", snap.MediaSequence)
	return nil
}
