// Package fswatch implements the OS filesystem watcher external
// collaborator: OnFileEvent(repo_index, relative_path, kind, timestamp).
// Platform-specific implementations are selected at compile time via build
// tags (inotify on Linux, a polling fallback elsewhere), reporting
// created/modified/deleted events over whole-tree recursive watching
// instead of a flat, non-recursive directory scan.
package fswatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cookforge/cooker/internal/model"
)

// DefaultPollInterval is the scan frequency used by the portable polling
// backend when no platform-specific watcher is available.
const DefaultPollInterval = 250 * time.Millisecond

// Config describes one repo tree to watch.
type Config struct {
	Repo         model.RepoIndex
	Root         string
	PollInterval time.Duration
}

// Watcher monitors a single repo's directory tree and emits FileEvents for
// every create, modify, and delete observed beneath Root. Implementations
// must be safe for concurrent use and must not emit events for paths
// outside Root.
type Watcher interface {
	// Start begins monitoring in a background goroutine and returns
	// immediately. Start may be called only once per Watcher.
	Start(ctx context.Context) error

	// Stop ceases monitoring, blocks until all internal goroutines exit,
	// and closes the Events channel. Idempotent.
	Stop()

	// Events returns the channel on which FileEvents are delivered. Closed
	// after Stop returns.
	Events() <-chan model.FileEvent
}

// platformFactory is set by an init() function in the platform-specific
// build-tagged file compiled for the current GOOS (inotify_linux.go is the
// only one). When unset (no platform backend for this GOOS), New
// falls back to the portable poller.
var platformFactory func(cfg Config, logger *slog.Logger) (Watcher, error)

// New constructs the best available Watcher for cfg: the platform-specific
// backend if one was registered for this GOOS, otherwise the portable
// polling watcher.
func New(cfg Config, logger *slog.Logger) (Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if platformFactory != nil {
		return platformFactory(cfg, logger)
	}
	return newPoller(cfg, logger), nil
}
