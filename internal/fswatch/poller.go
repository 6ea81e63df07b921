// Portable polling watcher, used on any GOOS without a registered
// platform-specific backend: a periodic stat-based snapshot diff over a
// recursive filepath.WalkDir of the whole repo tree, since this system
// tracks entire repos rather than a handful of explicitly configured paths.
package fswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cookforge/cooker/internal/model"
)

type fileState struct {
	isDir   bool
	size    int64
	modTime time.Time
}

type poller struct {
	cfg    Config
	logger *slog.Logger

	events chan model.FileEvent
	done   chan struct{}
	ready  chan struct{}

	mu       sync.Mutex
	snapshot map[string]fileState
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newPoller(cfg Config, logger *slog.Logger) *poller {
	return &poller{
		cfg:      cfg,
		logger:   logger,
		events:   make(chan model.FileEvent, 256),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		snapshot: make(map[string]fileState),
	}
}

func (p *poller) Start(_ context.Context) error {
	p.wg.Add(1)
	go p.run()
	return nil
}

func (p *poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		close(p.events)
	})
}

func (p *poller) Events() <-chan model.FileEvent {
	return p.events
}

func (p *poller) run() {
	defer p.wg.Done()

	p.mu.Lock()
	p.snapshot = p.scan()
	p.mu.Unlock()
	close(p.ready)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			current := p.scan()
			p.diff(p.snapshot, current)
			p.snapshot = current
			p.mu.Unlock()
		}
	}
}

func (p *poller) scan() map[string]fileState {
	result := make(map[string]fileState)

	_ = filepath.WalkDir(p.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Warn("fswatch: scan error", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		rel, relErr := filepath.Rel(p.cfg.Root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		result[rel] = fileState{isDir: d.IsDir(), size: info.Size(), modTime: info.ModTime()}
		return nil
	})

	return result
}

func (p *poller) diff(old, current map[string]fileState) {
	now := time.Now().UTC()

	for rel, cur := range current {
		prev, existed := old[rel]
		if !existed {
			p.emit(rel, model.EventCreated, now)
		} else if !cur.isDir && (cur.modTime != prev.modTime || cur.size != prev.size) {
			p.emit(rel, model.EventModified, now)
		}
	}
	for rel := range old {
		if _, ok := current[rel]; !ok {
			p.emit(rel, model.EventDeleted, now)
		}
	}
}

func (p *poller) emit(relPath string, kind model.EventKind, ts time.Time) {
	evt := model.FileEvent{Repo: p.cfg.Repo, Path: relPath, Kind: kind, Timestamp: ts}
	select {
	case p.events <- evt:
	default:
		p.logger.Warn("fswatch: event channel full, dropping event", slog.String("path", relPath))
	}
}
