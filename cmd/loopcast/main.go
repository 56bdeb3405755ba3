// The loopcast command replays static HLS playlists as continuously looping
// live channels written to disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/loopcast/internal/cluster"
	"github.com/agleyzer/loopcast/internal/config"
	"github.com/agleyzer/loopcast/internal/logging"
	"github.com/agleyzer/loopcast/internal/metrics"
	"github.com/agleyzer/loopcast/internal/parser"
	"github.com/agleyzer/loopcast/internal/publisher"
	"github.com/agleyzer/loopcast/internal/segment"
	"github.com/agleyzer/loopcast/internal/server"
)

const (
	version = "1.0.0"

	leaderWaitTimeout = 30 * time.Second
)

// flags holds the parsed command line. Only flags the user set override
// values from the environment and the config file.
type flags struct {
	configFile  string
	envFile     string
	verbose     bool
	showVersion bool

	port       int
	logLevel   string
	logFormat  string
	dryRun     bool
	sourceRoot string
	outputRoot string
	windowSize int
	aliveSize  int
	startDelay time.Duration
	start      string
	channels   string
	resolution string
	seqLimit   int64
	loopAfter  time.Duration

	raftBind     string
	raftPeers    string
	raftID       string
	raftLogLevel string

	set  map[string]bool
	args []string
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("loopcast", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&f.configFile, "config", "", "YAML file with settings and channels")
	fs.StringVar(&f.envFile, "env-file", ".env", "Environment file loaded before anything else (ignored if missing)")
	fs.BoolVar(&f.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&f.showVersion, "version", false, "Show version and exit")

	fs.IntVar(&f.port, "port", config.DefaultPort, "HTTP server port for health, metrics and channel files (0 disables)")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Log filesystem changes instead of making them")
	fs.StringVar(&f.sourceRoot, "source-root", "", "Directory holding <channel>/<resolution>.m3u8 source playlists")
	fs.StringVar(&f.outputRoot, "output-root", "", "Directory receiving one <channel> output directory per channel")
	fs.IntVar(&f.windowSize, "window-size", config.DefaultWindowSize, "Number of segments in the published playlist")
	fs.IntVar(&f.aliveSize, "alive-size", 0, "Number of segment links kept on disk (default 2x window size)")
	fs.DurationVar(&f.startDelay, "start-delay", config.DefaultStartDelay, "Delay between startup and the first publish")
	fs.StringVar(&f.start, "start", "", "Absolute start time (RFC3339), overrides --start-delay")
	fs.StringVar(&f.channels, "channels", "", "Comma-separated name:resolution pairs resolved against the source and output roots")
	fs.StringVar(&f.resolution, "resolution", "720p", "Resolution label for the single channel given as arguments")
	fs.Int64Var(&f.seqLimit, "seq-limit", 0, "Stop each channel once its media sequence reaches this value (0 runs forever)")
	fs.DurationVar(&f.loopAfter, "loop-after", 0, "Maximum duration of content to use before looping (e.g., '10s', '1m30s')")

	fs.StringVar(&f.raftBind, "raft-bind", "", "Raft bind address (enables clustering)")
	fs.StringVar(&f.raftPeers, "raft-peers", "", "Comma-separated raft peer addresses, including this node")
	fs.StringVar(&f.raftID, "raft-id", "", "Node label shown in logs and /health; raft identifies nodes by --raft-bind (default: random UUID)")
	fs.StringVar(&f.raftLogLevel, "raft-log-level", "off", "Raft internal log level")

	fs.Usage = func() {
		fmt.Fprintf(output, "loopcast - HLS VOD-to-live looper v%s\n\n", version)
		fmt.Fprintf(output, "Usage: loopcast [options] [<source-playlist> <output-dir>]\n\n")
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  loopcast /vod/news/720p.m3u8 /hls/news\n")
		fmt.Fprintf(output, "  loopcast --source-root /hls/streams-original --output-root /hls/streams --channels A:360p,B:360p\n")
		fmt.Fprintf(output, "  loopcast --config channels.yaml --raft-bind 10.0.0.1:7000 --raft-peers 10.0.0.1:7000,10.0.0.2:7000\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	f.args = fs.Args()

	if len(f.args) != 0 && len(f.args) != 2 {
		return nil, fmt.Errorf("expected <source-playlist> <output-dir>, got %d arguments", len(f.args))
	}

	return f, nil
}

// buildConfig layers environment, config file and explicitly set flags.
func buildConfig(f *flags, now time.Time) (config.Config, error) {
	cfg := config.Default()

	if f.configFile != "" {
		if err := config.LoadFile(f.configFile, &cfg); err != nil {
			return cfg, err
		}
	}

	if f.set["port"] {
		cfg.Port = f.port
	}
	if f.set["log-level"] {
		cfg.LogLevel = f.logLevel
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	if f.set["log-format"] {
		cfg.LogFormat = f.logFormat
	}
	if f.set["dry-run"] {
		cfg.DryRun = f.dryRun
	}
	if f.set["source-root"] {
		cfg.SourceRoot = f.sourceRoot
	}
	if f.set["output-root"] {
		cfg.OutputRoot = f.outputRoot
	}
	if f.set["window-size"] {
		cfg.WindowSize = f.windowSize
	}
	if f.set["alive-size"] {
		cfg.AliveSize = f.aliveSize
	}
	if f.set["start-delay"] {
		cfg.StartDelay = f.startDelay
	}
	if f.start != "" {
		start, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return cfg, fmt.Errorf("invalid --start time %q: %w", f.start, err)
		}
		cfg.Start = start
	}

	if f.channels != "" {
		channels, err := config.ParseChannels(f.channels)
		if err != nil {
			return cfg, err
		}
		cfg.Channels = append(cfg.Channels, channels...)
	}
	if len(f.args) == 2 {
		cfg.Channels = append(cfg.Channels, config.Channel{
			Source:     f.args[0],
			OutputDir:  f.args[1],
			Resolution: f.resolution,
		})
	}

	for i := range cfg.Channels {
		if f.set["seq-limit"] && cfg.Channels[i].SeqLimit == 0 {
			cfg.Channels[i].SeqLimit = f.seqLimit
		}
		if f.set["loop-after"] && cfg.Channels[i].LoopAfter == 0 {
			cfg.Channels[i].LoopAfter = f.loopAfter
		}
	}

	if err := cfg.Validate(now); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// clusterConfig returns nil when clustering is not requested.
func clusterConfig(f *flags) *cluster.Config {
	if f.raftBind == "" && f.raftPeers == "" {
		return nil
	}

	var peers []string
	for _, p := range strings.Split(f.raftPeers, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}

	return &cluster.Config{
		RaftID:   f.raftID,
		BindAddr: f.raftBind,
		Peers:    peers,
		LogLevel: f.raftLogLevel,
	}
}

func main() {
	f, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if f.showVersion {
		fmt.Printf("loopcast v%s\n", version)
		os.Exit(0)
	}

	if err := config.Load(f.envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := buildConfig(f, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("loopcast starting", "version", version, "channels", len(cfg.Channels), "start", cfg.Start)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, clusterConfig(f), logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("loopcast stopped")
}

func run(ctx context.Context, cfg config.Config, clusterCfg *cluster.Config, logger *slog.Logger) error {
	met := metrics.New()

	var coord publisher.Coordinator
	var clusterStats server.StatsProvider
	if clusterCfg != nil {
		mgr, err := startCluster(ctx, *clusterCfg, logger)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()
		coord = mgr
		clusterStats = mgr
	}

	publishers, err := buildPublishers(cfg, met, coord, logger)
	if err != nil {
		return err
	}

	// A server failure cancels the channels; the channels finishing stops the server.
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Port > 0 {
		channels := make([]server.Channel, len(publishers))
		for i, p := range publishers {
			channels[i] = p
		}

		opts := []server.Option{server.WithMetrics(met.Handler())}
		if clusterStats != nil {
			opts = append(opts, server.WithCluster(clusterStats))
		}
		srv := server.New(channels, cfg.Port, logger, opts...)

		g.Go(func() error { return srv.Start(serverCtx) })

		logger.Info("live channels ready",
			"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
			"metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.Port),
		)
	}

	g.Go(func() error {
		defer stopServer()
		return runChannels(gctx, publishers)
	})

	return g.Wait()
}

func startCluster(ctx context.Context, cfg cluster.Config, logger *slog.Logger) (*cluster.Manager, error) {
	mgr, err := cluster.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster manager: %w", err)
	}

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start cluster: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
	defer cancel()
	if err := mgr.WaitForLeader(waitCtx); err != nil {
		mgr.Shutdown()
		return nil, fmt.Errorf("no cluster leader elected: %w", err)
	}

	logger.Info("cluster ready", "node_id", mgr.NodeID(), "leader", mgr.LeaderAddr(), "is_leader", mgr.IsLeader())
	return mgr, nil
}

// buildPublishers loads every channel's source playlist and creates its publisher.
func buildPublishers(cfg config.Config, met *metrics.Metrics, coord publisher.Coordinator, logger *slog.Logger) ([]*publisher.Publisher, error) {
	publishers := make([]*publisher.Publisher, 0, len(cfg.Channels))

	for _, ch := range cfg.Channels {
		logger.Info("loading source playlist", "channel", ch.Name, "source", ch.Source)
		source, err := parser.Load(ch.Source)
		if err != nil {
			return nil, fmt.Errorf("channel %s: failed to load source playlist: %w", ch.Name, err)
		}

		if ch.LoopAfter > 0 {
			original := len(source.Segments)
			source.Segments = calculateSegmentSubset(source.Segments, ch.LoopAfter)
			logger.Info("applied loop-after",
				"channel", ch.Name,
				"originalSegments", original,
				"includedSegments", len(source.Segments),
				"duration", ch.LoopAfter,
			)
		}

		opts := []publisher.Option{publisher.WithMetrics(met.Channel(ch.Name))}
		if coord != nil {
			opts = append(opts, publisher.WithCoordinator(coord))
		}

		p, err := publisher.New(publisher.Config{
			Name:       ch.Name,
			OutputDir:  ch.OutputDir,
			Resolution: ch.Resolution,
			WindowSize: ch.WindowSize,
			AliveSize:  ch.AliveSize,
			Start:      cfg.Start,
			SeqLimit:   ch.SeqLimit,
			DryRun:     cfg.DryRun,
		}, source, logger, opts...)
		if err != nil {
			return nil, err
		}

		publishers = append(publishers, p)
	}

	return publishers, nil
}

// runChannels runs every publisher until all of them stop and returns the
// first failure. Cancellation and an expired deadline are a clean stop.
func runChannels(ctx context.Context, publishers []*publisher.Publisher) error {
	var g errgroup.Group

	for _, p := range publishers {
		p := p
		g.Go(func() error {
			err := p.Run(ctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

// calculateSegmentSubset returns a subset of segments that fit within the specified duration.
// It sums segment durations from the start until the threshold is reached.
// A segment is included if adding it doesn't exceed the threshold by more than 50%.
// Returns at least 1 segment even if the first segment exceeds the duration.
func calculateSegmentSubset(segments []segment.Segment, maxDuration time.Duration) []segment.Segment {
	if len(segments) == 0 || maxDuration == 0 {
		return segments
	}

	limit := maxDuration.Seconds()
	total := segments[0].Duration
	result := []segment.Segment{segments[0]}

	for _, seg := range segments[1:] {
		next := total + seg.Duration
		if next > limit && next-limit > limit*0.5 {
			break
		}
		result = append(result, seg)
		total = next
		if next > limit {
			break
		}
	}

	return result
}
