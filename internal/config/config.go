// Package config loads loopcast settings from the environment, an optional
// .env file and an optional YAML channel file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v2"
)

// Defaults applied by Validate and Default.
const (
	DefaultPort       = 8080
	DefaultWindowSize = 6
	DefaultStartDelay = time.Second
)

// Channel maps one source VOD playlist to one live output directory.
type Channel struct {
	Name       string        `yaml:"name"`
	Source     string        `yaml:"source"`
	OutputDir  string        `yaml:"output_dir"`
	Resolution string        `yaml:"resolution"`
	WindowSize int           `yaml:"window_size"`
	AliveSize  int           `yaml:"alive_size"`
	SeqLimit   int64         `yaml:"seq_limit"`
	LoopAfter  time.Duration `yaml:"loop_after"`
}

// Config holds the process-wide settings and the channel list.
type Config struct {
	Port       int           `yaml:"port"`
	LogLevel   string        `yaml:"log_level"`
	LogFormat  string        `yaml:"log_format"`
	DryRun     bool          `yaml:"dry_run"`
	SourceRoot string        `yaml:"source_root"`
	OutputRoot string        `yaml:"output_root"`
	WindowSize int           `yaml:"window_size"`
	AliveSize  int           `yaml:"alive_size"`
	StartDelay time.Duration `yaml:"start_delay"`
	Channels   []Channel     `yaml:"channels"`

	// Start is the shared wall-clock start of every channel. Zero means
	// now plus StartDelay.
	Start time.Time `yaml:"-"`
}

// Load reads .env files and sets environment variables. With no paths,
// ".env" is used. A missing file is not an error.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}

	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}

	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool is GetEnvInt for booleans.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration is GetEnvInt for time.ParseDuration values such as "1s".
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Default returns a Config populated from LOOPCAST_* environment variables.
func Default() Config {
	return Config{
		Port:       GetEnvInt("LOOPCAST_PORT", DefaultPort),
		LogLevel:   GetEnv("LOOPCAST_LOG_LEVEL", "info"),
		LogFormat:  GetEnv("LOOPCAST_LOG_FORMAT", "text"),
		DryRun:     GetEnvBool("LOOPCAST_DRY_RUN", false),
		SourceRoot: GetEnv("LOOPCAST_SOURCE_ROOT", ""),
		OutputRoot: GetEnv("LOOPCAST_OUTPUT_ROOT", ""),
		WindowSize: GetEnvInt("LOOPCAST_WINDOW_SIZE", DefaultWindowSize),
		AliveSize:  GetEnvInt("LOOPCAST_ALIVE_SIZE", 0),
		StartDelay: GetEnvDuration("LOOPCAST_START_DELAY", DefaultStartDelay),
	}
}

// LoadFile decodes a YAML file on top of cfg. Keys absent from the file keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// ParseChannels parses the compact "name:resolution,name:resolution" form.
func ParseChannels(s string) ([]Channel, error) {
	var channels []Channel
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, res, ok := strings.Cut(part, ":")
		if !ok || name == "" || res == "" {
			return nil, fmt.Errorf("invalid channel %q: expected name:resolution", part)
		}

		channels = append(channels, Channel{Name: name, Resolution: res})
	}
	return channels, nil
}

// Validate applies defaults and rejects invalid settings. now anchors the
// default start time.
func (c *Config) Validate(now time.Time) error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}

	if c.WindowSize == 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1, got %d", c.WindowSize)
	}
	if c.AliveSize == 0 {
		c.AliveSize = 2 * c.WindowSize
	}
	if c.AliveSize < c.WindowSize {
		return fmt.Errorf("alive size %d must not be smaller than window size %d", c.AliveSize, c.WindowSize)
	}

	if c.StartDelay < 0 {
		return fmt.Errorf("start delay must not be negative, got %s", c.StartDelay)
	}
	if c.Start.IsZero() {
		c.Start = now.Add(c.StartDelay)
	}

	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}

	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if err := c.validateChannel(ch); err != nil {
			return fmt.Errorf("channel %d (%s): %w", i, ch.Name, err)
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
	}

	return nil
}

func (c *Config) validateChannel(ch *Channel) error {
	if ch.Resolution == "" {
		return fmt.Errorf("resolution is required")
	}

	if ch.Name == "" {
		if ch.OutputDir == "" {
			return fmt.Errorf("name or output_dir is required")
		}
		ch.Name = filepath.Base(ch.OutputDir)
	}

	if ch.Source == "" {
		if c.SourceRoot == "" {
			return fmt.Errorf("source is required when no source root is set")
		}
		ch.Source = filepath.Join(c.SourceRoot, ch.Name, ch.Resolution+".m3u8")
	}

	if ch.OutputDir == "" {
		if c.OutputRoot == "" {
			return fmt.Errorf("output_dir is required when no output root is set")
		}
		ch.OutputDir = filepath.Join(c.OutputRoot, ch.Name)
	}

	switch {
	case ch.WindowSize == 0:
		ch.WindowSize = c.WindowSize
		if ch.AliveSize == 0 {
			ch.AliveSize = c.AliveSize
		}
	case ch.WindowSize < 1:
		return fmt.Errorf("window size must be at least 1, got %d", ch.WindowSize)
	}
	if ch.AliveSize == 0 {
		ch.AliveSize = 2 * ch.WindowSize
	}
	if ch.AliveSize < ch.WindowSize {
		return fmt.Errorf("alive size %d must not be smaller than window size %d", ch.AliveSize, ch.WindowSize)
	}

	if ch.SeqLimit < 0 {
		return fmt.Errorf("seq limit must not be negative, got %d", ch.SeqLimit)
	}
	if ch.LoopAfter < 0 {
		return fmt.Errorf("loop_after must not be negative, got %s", ch.LoopAfter)
	}

	return nil
}
