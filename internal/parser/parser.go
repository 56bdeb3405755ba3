// Package parser loads VOD playlists that serve as the source of a looping channel.
package parser

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/loopcast/internal/segment"
)

// Source contains the parsed VOD playlist.
type Source struct {
	// Segments is the ordered, non-empty segment list
	Segments []segment.Segment

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int

	// Version is the playlist version declared by the source, zero if absent
	Version uint8
}

// Load reads a media playlist from a local path or an http(s) URL.
// Segment locations are resolved to absolute paths for local playlists and
// to absolute URLs for remote ones.
func Load(location string) (*Source, error) {
	if isRemote(location) {
		return loadRemote(location)
	}
	return loadLocal(location)
}

func isRemote(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

func loadLocal(path string) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve playlist path: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open playlist: %w", err)
	}
	defer f.Close()

	return decode(f, func(uri string) (string, error) {
		return resolvePath(filepath.Dir(abs), uri), nil
	})
}

func loadRemote(playlistURL string) (*Source, error) {
	body, err := FetchContent(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer body.Close()

	return decode(body, func(uri string) (string, error) {
		return resolveURL(playlistURL, uri)
	})
}

// decode parses a media playlist and resolves each segment URI with resolve.
func decode(r io.Reader, resolve func(string) (string, error)) (*Source, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}

	mediaPlaylist, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	var segments []segment.Segment
	for i, seg := range mediaPlaylist.Segments {
		if seg == nil {
			break
		}

		if seg.Duration <= 0 {
			return nil, fmt.Errorf("segment %d (%s) has non-positive duration %v", i, seg.URI, seg.Duration)
		}

		location, err := resolve(seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URI: %w", err)
		}

		segments = append(segments, segment.Segment{
			Location:      location,
			Duration:      seg.Duration,
			Discontinuity: seg.Discontinuity,
			Sequence:      i,
		})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	targetDuration := int(mediaPlaylist.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return &Source{
		Segments:       segments,
		TargetDuration: targetDuration,
		Version:        mediaPlaylist.Version(),
	}, nil
}

// resolvePath resolves a segment URI against the playlist directory.
func resolvePath(dir, uri string) string {
	if isRemote(uri) || filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(dir, filepath.FromSlash(uri))
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}

// FetchContent fetches content from a URL.
func FetchContent(url string) (io.ReadCloser, error) {
	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return resp.Body, nil
}
