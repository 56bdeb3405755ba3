// Package cluster provides Raft-based leader election for loopcast nodes
// sharing output directories, and replicates the last published position of
// every channel.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(PublishCommand{})
	gob.Register(ResetCommand{})
}

// ClusterState represents the shared state across all cluster nodes.
type ClusterState struct {
	// Channels maps a channel name to its last published position.
	Channels map[string]ChannelState
}

// ChannelState is the last published position of one channel.
type ChannelState struct {
	// MediaSequence is the media sequence of the last written playlist.
	MediaSequence int64
	// PublishedAt is the leader's wall time at the publish.
	PublishedAt time.Time
	// Publishes counts replicated publishes since the last reset.
	Publishes uint64
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandPublish records a playlist publish.
	CommandPublish CommandType = 1
	// CommandReset forgets a channel's position.
	CommandReset CommandType = 2
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// PublishCommand records that the leader wrote a channel's playlist.
type PublishCommand struct {
	Channel       string
	MediaSequence int64
	PublishedAt   time.Time
}

// ResetCommand clears a channel, e.g. after it was restarted from scratch.
type ResetCommand struct {
	Channel string
}

// ChannelFSM implements the raft.FSM interface for channel positions.
type ChannelFSM struct {
	mu     sync.RWMutex
	state  ClusterState
	logger *slog.Logger
}

// NewChannelFSM creates a new ChannelFSM.
func NewChannelFSM(logger *slog.Logger) *ChannelFSM {
	return &ChannelFSM{
		state:  ClusterState{Channels: make(map[string]ChannelState)},
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *ChannelFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandPublish:
		return f.applyPublish(cmd.Data)
	case CommandReset:
		return f.applyReset(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyPublish stores a channel's newest position. Stale publishes from a
// deposed leader never move a channel backwards.
func (f *ChannelFSM) applyPublish(data any) any {
	pub, ok := data.(PublishCommand)
	if !ok {
		return fmt.Errorf("invalid publish command data")
	}

	cur, exists := f.state.Channels[pub.Channel]
	if exists && pub.MediaSequence <= cur.MediaSequence {
		f.logger.Debug("ignoring stale publish",
			"channel", pub.Channel,
			"media_sequence", pub.MediaSequence,
			"current", cur.MediaSequence,
		)
		return nil
	}

	f.state.Channels[pub.Channel] = ChannelState{
		MediaSequence: pub.MediaSequence,
		PublishedAt:   pub.PublishedAt,
		Publishes:     cur.Publishes + 1,
	}
	f.logger.Debug("recorded publish", "channel", pub.Channel, "media_sequence", pub.MediaSequence)
	return nil
}

func (f *ChannelFSM) applyReset(data any) any {
	reset, ok := data.(ResetCommand)
	if !ok {
		return fmt.Errorf("invalid reset command data")
	}

	delete(f.state.Channels, reset.Channel)
	f.logger.Info("reset channel position", "channel", reset.Channel)
	return nil
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *ChannelFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{state: f.GetState()}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *ChannelFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Channels == nil {
		state.Channels = make(map[string]ChannelState)
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "channels", len(state.Channels))
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *ChannelFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return ClusterState{Channels: maps.Clone(f.state.Channels)}
}

// Channel returns the replicated position of one channel.
func (f *ChannelFSM) Channel(name string) (ChannelState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	st, ok := f.state.Channels[name]
	return st, ok
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
