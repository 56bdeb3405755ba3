package cluster

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// newRaftLogger creates the hclog.Logger handed to Raft. Raft is chatty, so
// it stays silent unless a level is configured, in which case its output is
// forwarded to w.
func newRaftLogger(level string, w io.Writer) hclog.Logger {
	lvl := hclog.LevelFromString(level)
	if lvl == hclog.NoLevel || lvl == hclog.Off {
		return hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  lvl,
		Output: w,
	})
}

// slogWriter forwards each write from hclog as one slog record.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.logger.Info(msg)
	return len(p), nil
}
