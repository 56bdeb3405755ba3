package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/loopcast/internal/config"
	"github.com/agleyzer/loopcast/internal/metrics"
	"github.com/agleyzer/loopcast/internal/segment"
)

func TestCalculateSegmentSubset(t *testing.T) {
	tests := []struct {
		name        string
		segments    []segment.Segment
		maxDuration time.Duration
		wantCount   int
		wantTotal   float64 // Expected total duration in seconds
	}{
		{
			name: "zero duration returns all segments",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 10.0},
				{Location: "seg1.ts", Duration: 10.0},
				{Location: "seg2.ts", Duration: 10.0},
			},
			maxDuration: 0,
			wantCount:   3,
			wantTotal:   30.0,
		},
		{
			name:        "empty segments returns empty",
			segments:    []segment.Segment{},
			maxDuration: 10 * time.Second,
			wantCount:   0,
			wantTotal:   0.0,
		},
		{
			name: "first segment longer than duration returns first segment",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 15.0},
				{Location: "seg1.ts", Duration: 10.0},
			},
			maxDuration: 10 * time.Second,
			wantCount:   1,
			wantTotal:   15.0,
		},
		{
			name: "exact fit includes segments up to 50% threshold",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 5.0},
				{Location: "seg1.ts", Duration: 5.0},
				{Location: "seg2.ts", Duration: 5.0}, // Total 15s, exceeds 10s by exactly 50%
			},
			maxDuration: 10 * time.Second,
			wantCount:   3,
			wantTotal:   15.0,
		},
		{
			name: "includes segment within 50% threshold",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 10.0},
				{Location: "seg1.ts", Duration: 4.0}, // Total 14s, exceeds 10s by 40%
			},
			maxDuration: 10 * time.Second,
			wantCount:   2,
			wantTotal:   14.0,
		},
		{
			name: "excludes segment exceeding 50% threshold",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 10.0},
				{Location: "seg1.ts", Duration: 6.0}, // Total 16s, exceeds 10s by 60%
			},
			maxDuration: 10 * time.Second,
			wantCount:   1,
			wantTotal:   10.0,
		},
		{
			name: "multiple segments within threshold",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 2.0},
				{Location: "seg1.ts", Duration: 2.0},
				{Location: "seg2.ts", Duration: 2.0},
				{Location: "seg3.ts", Duration: 2.0},
				{Location: "seg4.ts", Duration: 2.0},
				{Location: "seg5.ts", Duration: 2.0}, // Total 12s, exceeds 10s by 20%
			},
			maxDuration: 10 * time.Second,
			wantCount:   6,
			wantTotal:   12.0,
		},
		{
			name: "real-world case with 30 second limit",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 9.9},
				{Location: "seg1.ts", Duration: 10.0},
				{Location: "seg2.ts", Duration: 10.1},
				{Location: "seg3.ts", Duration: 10.0}, // Total 40s, exceeds 30s by 33%
				{Location: "seg4.ts", Duration: 10.0},
			},
			maxDuration: 30 * time.Second,
			wantCount:   4,
			wantTotal:   40.0,
		},
		{
			name: "boundary case at exactly 50% threshold",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 10.0},
				{Location: "seg1.ts", Duration: 5.0}, // Total 15s, exceeds 10s by exactly 50%
			},
			maxDuration: 10 * time.Second,
			wantCount:   2,
			wantTotal:   15.0,
		},
		{
			name: "very short duration with longer segments",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 10.0},
				{Location: "seg1.ts", Duration: 10.0},
			},
			maxDuration: 1 * time.Second,
			wantCount:   1,
			wantTotal:   10.0,
		},
		{
			name: "stops when next segment would exceed by more than 50%",
			segments: []segment.Segment{
				{Location: "seg0.ts", Duration: 8.0},
				{Location: "seg1.ts", Duration: 8.0}, // Total 16s, exceeds 10s by 60%
				{Location: "seg2.ts", Duration: 8.0},
			},
			maxDuration: 10 * time.Second,
			wantCount:   1,
			wantTotal:   8.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := calculateSegmentSubset(tt.segments, tt.maxDuration)

			if len(result) != tt.wantCount {
				t.Errorf("calculateSegmentSubset() returned %d segments, want %d",
					len(result), tt.wantCount)
			}

			// Calculate total duration
			var totalDuration float64
			for _, seg := range result {
				totalDuration += seg.Duration
			}

			if totalDuration != tt.wantTotal {
				t.Errorf("calculateSegmentSubset() total duration = %.1f, want %.1f",
					totalDuration, tt.wantTotal)
			}

			// Verify segments are in order
			for i, seg := range result {
				if seg.Location != tt.segments[i].Location {
					t.Errorf("segment[%d] Location = %s, want %s",
						i, seg.Location, tt.segments[i].Location)
				}
			}
		})
	}
}

func TestCalculateSegmentSubset_PreservesSegmentFields(t *testing.T) {
	segments := []segment.Segment{
		{Location: "seg0.ts", Duration: 5.0, Sequence: 100},
		{Location: "seg1.ts", Duration: 5.0, Sequence: 101},
	}

	result := calculateSegmentSubset(segments, 10*time.Second)

	if len(result) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(result))
	}

	// Verify all fields are preserved
	for i, seg := range result {
		if seg.Location != segments[i].Location {
			t.Errorf("segment[%d] Location not preserved", i)
		}
		if seg.Duration != segments[i].Duration {
			t.Errorf("segment[%d] Duration not preserved", i)
		}
		if seg.Sequence != segments[i].Sequence {
			t.Errorf("segment[%d] Sequence not preserved", i)
		}
	}
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// createTestSource writes a local VOD playlist with count segments of the
// given duration and returns its path.
func createTestSource(t *testing.T, count int, duration float64) string {
	t.Helper()

	dir := t.TempDir()
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n", int(duration)+1)
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("seg%d.ts", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0644); err != nil {
			t.Fatalf("failed to write segment: %v", err)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", duration, name)
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	path := filepath.Join(dir, "720p.m3u8")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("failed to write playlist: %v", err)
	}
	return path
}

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{"--window-size", "3", "--dry-run", "/vod/720p.m3u8", "/hls/news"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	if !f.set["window-size"] || !f.set["dry-run"] {
		t.Errorf("set flags not recorded: %v", f.set)
	}
	if f.set["port"] {
		t.Error("port recorded as set")
	}
	if len(f.args) != 2 {
		t.Errorf("args = %v", f.args)
	}
}

func TestParseFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"one positional argument", []string{"/vod/720p.m3u8"}},
		{"three positional arguments", []string{"a", "b", "c"}},
		{"unknown flag", []string{"--window", "3"}},
		{"bad duration", []string{"--loop-after", "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, io.Discard); err == nil {
				t.Error("parseFlags() error = nil, want error")
			}
		})
	}

	if _, err := parseFlags([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Errorf("parseFlags(-h) error = %v, want flag.ErrHelp", err)
	}
}

func TestParseFlags_UsageDescribesRaftID(t *testing.T) {
	var out bytes.Buffer
	if _, err := parseFlags([]string{"-h"}, &out); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("parseFlags(-h) error = %v, want flag.ErrHelp", err)
	}
	if !strings.Contains(out.String(), "raft identifies nodes by --raft-bind") {
		t.Errorf("usage does not explain that raft-id is a label:\n%s", out.String())
	}
}

func TestBuildConfig_SingleChannel(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f, err := parseFlags([]string{
		"--window-size", "3",
		"--seq-limit", "50",
		"--loop-after", "20s",
		"--resolution", "360p",
		"--port", "0",
		"/vod/360p.m3u8", "/hls/news",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	cfg, err := buildConfig(f, now)
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}

	if cfg.Port != 0 {
		t.Errorf("Port = %d, want 0", cfg.Port)
	}
	if !cfg.Start.Equal(now.Add(config.DefaultStartDelay)) {
		t.Errorf("Start = %v", cfg.Start)
	}
	if len(cfg.Channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(cfg.Channels))
	}

	ch := cfg.Channels[0]
	want := config.Channel{
		Name:       "news",
		Source:     "/vod/360p.m3u8",
		OutputDir:  "/hls/news",
		Resolution: "360p",
		WindowSize: 3,
		AliveSize:  6,
		SeqLimit:   50,
		LoopAfter:  20 * time.Second,
	}
	if ch != want {
		t.Errorf("channel = %+v, want %+v", ch, want)
	}
}

func TestBuildConfig_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopcast.yaml")
	content := `
window_size: 4
source_root: /hls/streams-original
output_root: /hls/streams
channels:
  - name: A
    resolution: 360p
    seq_limit: 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	f, err := parseFlags([]string{
		"--config", path,
		"--channels", "B:360p",
		"--seq-limit", "99",
		"--start", "2024-03-01T12:00:00Z",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	cfg, err := buildConfig(f, time.Now())
	if err != nil {
		t.Fatalf("buildConfig() error = %v", err)
	}

	if cfg.WindowSize != 4 {
		t.Errorf("WindowSize = %d, want 4 from file", cfg.WindowSize)
	}
	if !cfg.Start.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", cfg.Start)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(cfg.Channels))
	}

	a, b := cfg.Channels[0], cfg.Channels[1]
	if a.SeqLimit != 10 {
		t.Errorf("A.SeqLimit = %d, file value should win", a.SeqLimit)
	}
	if b.SeqLimit != 99 {
		t.Errorf("B.SeqLimit = %d, want 99", b.SeqLimit)
	}
	if b.Source != filepath.Join("/hls/streams-original", "B", "360p.m3u8") {
		t.Errorf("B.Source = %q", b.Source)
	}
	if b.OutputDir != filepath.Join("/hls/streams", "B") {
		t.Errorf("B.OutputDir = %q", b.OutputDir)
	}
}

func TestBuildConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no channels", nil},
		{"bad start", []string{"--start", "tomorrow", "/a.m3u8", "/out"}},
		{"bad channels", []string{"--channels", "A"}},
		{"missing config file", []string{"--config", "/does/not/exist.yaml", "/a.m3u8", "/out"}},
		{"alive below window", []string{"--window-size", "4", "--alive-size", "2", "/a.m3u8", "/out"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFlags(tt.args, io.Discard)
			if err != nil {
				t.Fatalf("parseFlags() error = %v", err)
			}
			if _, err := buildConfig(f, time.Now()); err == nil {
				t.Error("buildConfig() error = nil, want error")
			}
		})
	}
}

func TestClusterConfig(t *testing.T) {
	f, _ := parseFlags(nil, io.Discard)
	if clusterConfig(f) != nil {
		t.Error("cluster enabled without raft flags")
	}

	f, _ = parseFlags([]string{"--raft-bind", "127.0.0.1:7000", "--raft-peers", "127.0.0.1:7000, 127.0.0.1:7001,"}, io.Discard)
	cc := clusterConfig(f)
	if cc == nil {
		t.Fatal("expected cluster config")
	}
	if len(cc.Peers) != 2 || cc.Peers[1] != "127.0.0.1:7001" {
		t.Errorf("Peers = %v", cc.Peers)
	}
	if cc.LogLevel != "off" {
		t.Errorf("LogLevel = %q, want off", cc.LogLevel)
	}
}

func TestBuildPublishers(t *testing.T) {
	source := createTestSource(t, 6, 2.0)
	cfg := config.Config{
		Start: time.Now(),
		Channels: []config.Channel{
			{Name: "news", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 2, AliveSize: 4, LoopAfter: 3 * time.Second},
		},
	}

	publishers, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger())
	if err != nil {
		t.Fatalf("buildPublishers() error = %v", err)
	}
	if len(publishers) != 1 {
		t.Fatalf("expected 1 publisher, got %d", len(publishers))
	}

	stats := publishers[0].GetStats()
	if stats["total_segments"] != 2 {
		t.Errorf("total_segments = %v, want 2 after loop-after", stats["total_segments"])
	}

	cfg.Channels[0].Source = filepath.Join(t.TempDir(), "missing.m3u8")
	if _, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger()); err == nil {
		t.Error("expected error for missing source")
	}
}

func TestRunChannels_SeqLimit(t *testing.T) {
	source := createTestSource(t, 3, 0.01)
	dirA, dirB := t.TempDir(), t.TempDir()
	cfg := config.Config{
		Start: time.Now(),
		Channels: []config.Channel{
			{Name: "a", Source: source, OutputDir: dirA, Resolution: "720p", WindowSize: 2, AliveSize: 4, SeqLimit: 3},
			{Name: "b", Source: source, OutputDir: dirB, Resolution: "360p", WindowSize: 1, AliveSize: 1, SeqLimit: 2},
		},
	}

	publishers, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger())
	if err != nil {
		t.Fatalf("buildPublishers() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runChannels(ctx, publishers); err != nil {
		t.Fatalf("runChannels() error = %v", err)
	}

	for _, tc := range []struct {
		dir, playlist, seq string
	}{
		{dirA, "720p.m3u8", "#EXT-X-MEDIA-SEQUENCE:2"},
		{dirB, "360p.m3u8", "#EXT-X-MEDIA-SEQUENCE:1"},
	} {
		data, err := os.ReadFile(filepath.Join(tc.dir, tc.playlist))
		if err != nil {
			t.Fatalf("failed to read playlist: %v", err)
		}
		if !strings.Contains(string(data), tc.seq) {
			t.Errorf("%s: expected %s in\n%s", tc.playlist, tc.seq, data)
		}
	}
}

func TestRunChannels_ReportsFailure(t *testing.T) {
	source := createTestSource(t, 2, 0.01)
	cfg := config.Config{
		Start: time.Now(),
		Channels: []config.Channel{
			{Name: "ok", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 1, AliveSize: 2, SeqLimit: 2},
			{Name: "broken", Source: source, OutputDir: filepath.Join(t.TempDir(), "missing"), Resolution: "720p", WindowSize: 1, AliveSize: 2},
		},
	}

	publishers, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger())
	if err != nil {
		t.Fatalf("buildPublishers() error = %v", err)
	}

	err = runChannels(context.Background(), publishers)
	if err == nil || !strings.Contains(err.Error(), "channel broken") {
		t.Errorf("runChannels() error = %v, want failure of channel broken", err)
	}
	if err != nil && strings.Count(err.Error(), "channel broken") != 1 {
		t.Errorf("channel name repeated in error: %v", err)
	}

	if state := publishers[0].GetStats()["state"]; state != "done" {
		t.Errorf("healthy channel state = %v, want done", state)
	}
}

func TestRunChannels_CancelIsClean(t *testing.T) {
	source := createTestSource(t, 2, 60)
	cfg := config.Config{
		Start: time.Now().Add(time.Hour),
		Channels: []config.Channel{
			{Name: "slow", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 1, AliveSize: 2},
		},
	}

	publishers, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger())
	if err != nil {
		t.Fatalf("buildPublishers() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	if err := runChannels(ctx, publishers); err != nil {
		t.Errorf("runChannels() error = %v, want nil on cancel", err)
	}
}

func TestRunChannels_DeadlineIsClean(t *testing.T) {
	source := createTestSource(t, 2, 60)
	cfg := config.Config{
		Start: time.Now().Add(time.Hour),
		Channels: []config.Channel{
			{Name: "slow", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 1, AliveSize: 2},
		},
	}

	publishers, err := buildPublishers(cfg, metrics.New(), nil, createTestLogger())
	if err != nil {
		t.Fatalf("buildPublishers() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := runChannels(ctx, publishers); err != nil {
		t.Errorf("runChannels() error = %v, want nil on deadline", err)
	}
}

func TestRun_ServerBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	source := createTestSource(t, 2, 60)
	cfg := config.Config{
		Port:  port,
		Start: time.Now().Add(time.Hour),
		Channels: []config.Channel{
			{Name: "slow", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 1, AliveSize: 2},
		},
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, nil, logger) }()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "HTTP server error") {
			t.Errorf("run() error = %v, want HTTP server error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run() kept running after the server failed to bind")
	}

	if !strings.Contains(logs.String(), "HTTP server failed") {
		t.Errorf("bind failure not logged:\n%s", logs.String())
	}
}

func TestRun_StopsServerWhenChannelsFinish(t *testing.T) {
	port, err := freePort()
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}

	source := createTestSource(t, 2, 0.01)
	cfg := config.Config{
		Port:  port,
		Start: time.Now(),
		Channels: []config.Channel{
			{Name: "short", Source: source, OutputDir: t.TempDir(), Resolution: "720p", WindowSize: 1, AliveSize: 2, SeqLimit: 2},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx, cfg, nil, createTestLogger()); err != nil {
		t.Errorf("run() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Error("run() only returned once the context expired")
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
