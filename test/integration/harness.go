// Package integration runs complete loopcast nodes in-process: source
// playlists on disk or behind an HTTP server, publishers writing to real
// output directories, and the HTTP server in front of them.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agleyzer/loopcast/internal/cluster"
	"github.com/agleyzer/loopcast/internal/metrics"
	"github.com/agleyzer/loopcast/internal/parser"
	"github.com/agleyzer/loopcast/internal/publisher"
	"github.com/agleyzer/loopcast/internal/server"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t            *testing.T
	sourceDir    string
	sourceServer *httptest.Server
	nodes        []*Node
}

// Node is one loopcast process: an optional cluster member, a single
// channel and the HTTP server in front of it.
type Node struct {
	ID        string
	HTTPPort  int
	Cluster   *cluster.Manager
	Publisher *publisher.Publisher
	Metrics   *metrics.Metrics

	cancel     context.CancelFunc
	done       chan error
	serverDone chan error
	stopped    bool
}

// ChannelOptions describes the channel a node runs.
type ChannelOptions struct {
	Name       string
	Source     string
	OutputDir  string
	Resolution string
	WindowSize int
	AliveSize  int
	SeqLimit   int64
	Start      time.Time
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:         t,
		sourceDir: t.TempDir(),
	}
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// CreateSource writes count segment files, each containing its own name, and
// a VOD playlist listing them. It returns the playlist path.
func (h *TestHarness) CreateSource(name string, count int, duration float64) string {
	h.t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-PLAYLIST-TYPE:VOD\n", int(duration)+1)
	for i := 0; i < count; i++ {
		seg := fmt.Sprintf("segment%d.ts", i)
		if err := os.WriteFile(filepath.Join(h.sourceDir, seg), []byte(seg), 0644); err != nil {
			h.t.Fatalf("failed to write test segment: %v", err)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%s\n", duration, seg)
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	path := filepath.Join(h.sourceDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		h.t.Fatalf("failed to write test playlist: %v", err)
	}
	return path
}

// SourceURL serves the source directory over HTTP and returns the URL of name.
func (h *TestHarness) SourceURL(name string) string {
	h.t.Helper()

	if h.sourceServer == nil {
		h.sourceServer = httptest.NewServer(http.FileServer(http.Dir(h.sourceDir)))
	}
	return h.sourceServer.URL + "/" + name
}

// StartNode runs opts on a new node. A nil manager runs the node standalone.
func (h *TestHarness) StartNode(opts ChannelOptions, mgr *cluster.Manager) *Node {
	h.t.Helper()

	if opts.Resolution == "" {
		opts.Resolution = "720p"
	}
	if opts.Start.IsZero() {
		opts.Start = time.Now().Add(200 * time.Millisecond)
	}

	source, err := parser.Load(opts.Source)
	if err != nil {
		h.t.Fatalf("failed to load source playlist: %v", err)
	}

	logger := createTestLogger()
	met := metrics.New()

	pubOpts := []publisher.Option{publisher.WithMetrics(met.Channel(opts.Name))}
	srvOpts := []server.Option{server.WithMetrics(met.Handler())}
	id := fmt.Sprintf("node%d", len(h.nodes))
	if mgr != nil {
		pubOpts = append(pubOpts, publisher.WithCoordinator(mgr))
		srvOpts = append(srvOpts, server.WithCluster(mgr))
		id = mgr.NodeID()
	}

	p, err := publisher.New(publisher.Config{
		Name:       opts.Name,
		OutputDir:  opts.OutputDir,
		Resolution: opts.Resolution,
		WindowSize: opts.WindowSize,
		AliveSize:  opts.AliveSize,
		Start:      opts.Start,
		SeqLimit:   opts.SeqLimit,
	}, source, logger, pubOpts...)
	if err != nil {
		h.t.Fatalf("failed to create publisher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		ID:         id,
		HTTPPort:   findAvailablePort(h.t),
		Cluster:    mgr,
		Publisher:  p,
		Metrics:    met,
		cancel:     cancel,
		done:       make(chan error, 1),
		serverDone: make(chan error, 1),
	}
	h.nodes = append(h.nodes, node)

	srv := server.New([]server.Channel{p}, node.HTTPPort, logger, srvOpts...)
	go func() { node.serverDone <- srv.Start(ctx) }()
	go func() { node.done <- p.Run(ctx) }()

	h.waitForServer(fmt.Sprintf("http://localhost:%d/health", node.HTTPPort), 5*time.Second)
	return node
}

// StartCluster forms a raft group of size nodes and starts opts on each of
// them. All nodes share opts.OutputDir.
func (h *TestHarness) StartCluster(size int, opts ChannelOptions) []*Node {
	h.t.Helper()

	peers := make([]string, size)
	for i := range peers {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", findAvailablePort(h.t))
	}

	managers := make([]*cluster.Manager, size)
	for i := range managers {
		mgr, err := cluster.NewManager(cluster.Config{
			RaftID:           fmt.Sprintf("node%d", i),
			BindAddr:         peers[i],
			Peers:            peers,
			HeartbeatTimeout: 200 * time.Millisecond,
			ElectionTimeout:  200 * time.Millisecond,
		}, createTestLogger())
		if err != nil {
			h.t.Fatalf("failed to create cluster manager: %v", err)
		}
		if err := mgr.Start(context.Background()); err != nil {
			h.t.Fatalf("failed to start cluster manager: %v", err)
		}
		managers[i] = mgr
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, mgr := range managers {
		if err := mgr.WaitForLeader(ctx); err != nil {
			h.t.Fatalf("no leader elected: %v", err)
		}
	}

	if opts.Start.IsZero() {
		opts.Start = time.Now().Add(500 * time.Millisecond)
	}

	nodes := make([]*Node, size)
	for i, mgr := range managers {
		nodes[i] = h.StartNode(opts, mgr)
	}
	return nodes
}

// Leader returns the node currently leading the cluster.
func (h *TestHarness) Leader(timeout time.Duration) *Node {
	h.t.Helper()

	var leader *Node
	h.WaitForCondition(func() bool {
		for _, n := range h.nodes {
			if !n.stopped && n.Cluster != nil && n.Cluster.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, timeout, "cluster leader")
	return leader
}

// StopNode cancels the node's channel and server and leaves the cluster.
// It returns the channel's Run result.
func (h *TestHarness) StopNode(n *Node) error {
	h.t.Helper()

	if n.stopped {
		return nil
	}
	n.stopped = true
	n.cancel()

	var err error
	select {
	case err = <-n.done:
	case <-time.After(10 * time.Second):
		h.t.Fatalf("node %s did not stop", n.ID)
	}
	<-n.serverDone

	if n.Cluster != nil {
		n.Cluster.Shutdown()
	}
	return err
}

// Wait blocks until the node's channel stops on its own.
func (h *TestHarness) Wait(n *Node, timeout time.Duration) error {
	h.t.Helper()

	select {
	case err := <-n.done:
		n.done <- err
		return err
	case <-time.After(timeout):
		h.t.Fatalf("channel on node %s did not finish within %v", n.ID, timeout)
		return nil
	}
}

// Get fetches path from the node and returns the status code and body.
func (h *TestHarness) Get(n *Node, path string) (int, string) {
	h.t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", n.HTTPPort, path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s body: %v", path, err)
	}

	return resp.StatusCode, string(body)
}

// FetchPlaylist fetches the channel's current playlist from the node.
func (h *TestHarness) FetchPlaylist(n *Node, channel, resolution string) *ParsedPlaylist {
	h.t.Helper()

	status, body := h.Get(n, fmt.Sprintf("/channels/%s/%s.m3u8", channel, resolution))
	if status != http.StatusOK {
		h.t.Fatalf("unexpected playlist status code: %d", status)
	}
	return ParsePlaylist(body)
}

// FetchHealth fetches the health endpoint and decodes the JSON response.
func (h *TestHarness) FetchHealth(n *Node) map[string]any {
	h.t.Helper()

	_, body := h.Get(n, "/health")

	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		h.t.Fatalf("failed to decode health response: %v", err)
	}
	return health
}

// Cleanup stops all running nodes and servers.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	for _, n := range h.nodes {
		h.StopNode(n)
	}
	if h.sourceServer != nil {
		h.sourceServer.Close()
	}
}

// waitForServer waits for a server to become available.
func (h *TestHarness) waitForServer(url string, timeout time.Duration) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	h.t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// ParsedPlaylist represents a parsed HLS playlist for testing.
type ParsedPlaylist struct {
	Version        int
	TargetDuration int
	MediaSequence  int64
	Segments       []PlaylistSegment
	HasEndList     bool
}

// PlaylistSegment represents a segment in a playlist.
type PlaylistSegment struct {
	Duration        float64
	URI             string
	Discontinuity   bool
	ProgramDateTime time.Time
}

// ParsePlaylist parses an HLS playlist into a structured format.
func ParsePlaylist(content string) *ParsedPlaylist {
	playlist := &ParsedPlaylist{
		Segments: []PlaylistSegment{},
	}

	var current PlaylistSegment
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			fmt.Sscanf(line, "#EXT-X-VERSION:%d", &playlist.Version)

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			fmt.Sscanf(line, "#EXT-X-TARGETDURATION:%d", &playlist.TargetDuration)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			fmt.Sscanf(line, "#EXT-X-MEDIA-SEQUENCE:%d", &playlist.MediaSequence)

		case line == "#EXT-X-ENDLIST":
			playlist.HasEndList = true

		case line == "#EXT-X-DISCONTINUITY":
			current.Discontinuity = true

		case strings.HasPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"):
			current.ProgramDateTime, _ = time.Parse(time.RFC3339Nano, strings.TrimPrefix(line, "#EXT-X-PROGRAM-DATE-TIME:"))

		case strings.HasPrefix(line, "#EXTINF:"):
			fmt.Sscanf(line, "#EXTINF:%f,", &current.Duration)

		case !strings.HasPrefix(line, "#"):
			current.URI = line
			playlist.Segments = append(playlist.Segments, current)
			current = PlaylistSegment{}
		}
	}

	return playlist
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}
