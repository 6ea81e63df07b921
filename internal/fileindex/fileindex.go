// Package fileindex holds, per repo, the ordered collection of file entries
// and assigns stable FileIndex values. The initial-scan walk (directory walk
// into a path->state snapshot) and the reader-writer lock around per-repo
// metadata follow the same shape as a file watcher's scan and a
// per-resource-mutexed store.
package fileindex

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cookforge/cooker/internal/model"
	"github.com/cookforge/cooker/internal/strpool"
)

// Listener is the callback shape for FileEntry change notification. Index
// does not call it, and no package in this module implements it.
type Listener interface {
	OnFileChanged(id model.FileID)
}

// Index is the File Index for a single repo: an ordered collection of
// FileEntry records keyed by path, with stable FileIndex assignment.
type Index struct {
	repo model.RepoIndex
	pool *strpool.Pool

	mu      sync.RWMutex
	entries []*model.FileEntry
	byPath  map[strpool.Handle]model.FileIndex
}

// New returns an empty Index for the given repo, interning paths through
// pool.
func New(repo model.RepoIndex, pool *strpool.Pool) *Index {
	return &Index{
		repo:   repo,
		pool:   pool,
		byPath: make(map[strpool.Handle]model.FileIndex),
	}
}

// Get returns the FileEntry for id. The returned pointer aliases the index's
// own storage; callers must not mutate it outside this package.
func (idx *Index) Get(id model.FileID) (*model.FileEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if int(id.Index) < 0 || int(id.Index) >= len(idx.entries) {
		return nil, false
	}
	return idx.entries[id.Index], true
}

// Path returns the repo-relative path for id, resolving its interned
// strpool.Handle back to a string.
func (idx *Index) Path(id model.FileID) (string, bool) {
	e, ok := idx.Get(id)
	if !ok {
		return "", false
	}
	return idx.pool.String(e.Path), true
}

// Lookup returns the FileID for a repo-relative path, if the path has been
// observed before.
func (idx *Index) Lookup(relPath string) (model.FileID, bool) {
	h := idx.pool.Intern(normalize(relPath))
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	fi, ok := idx.byPath[h]
	if !ok {
		return model.FileID{}, false
	}
	return model.FileID{Repo: idx.repo, Index: fi}, true
}

// FindOrCreate returns the FileID for relPath, creating a new non-existent
// entry if this is the first observation of the path. Entries are never
// removed once created, matching the "CommandIDs stay stable" lifecycle.
func (idx *Index) FindOrCreate(relPath string) model.FileID {
	h := idx.pool.Intern(normalize(relPath))

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if fi, ok := idx.byPath[h]; ok {
		return model.FileID{Repo: idx.repo, Index: fi}
	}

	fi := model.FileIndex(len(idx.entries))
	idx.entries = append(idx.entries, &model.FileEntry{
		ID:   model.FileID{Repo: idx.repo, Index: fi},
		Path: h,
	})
	idx.byPath[h] = fi
	return model.FileID{Repo: idx.repo, Index: fi}
}

// Apply updates the entry for relPath with freshly observed metadata,
// creating the entry if necessary. Events for the same path arriving out of
// order are resolved by timestamp: a stale update (older than the entry's
// last-recorded timestamp) is ignored unless it flips existence, in which
// case all of its metadata is applied.
func (idx *Index) Apply(relPath string, exists, isDir bool, size int64, modTime time.Time) model.FileID {
	id := idx.FindOrCreate(relPath)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	e := idx.entries[id.Index]
	if modTime.Before(e.ModTime) && exists == e.Exists {
		return id
	}
	e.Exists = exists
	e.IsDir = isDir
	e.Size = size
	e.ModTime = modTime
	return id
}

// AddInput records that id is a declared or dep-file-discovered input of
// cmd, if not already recorded.
func (idx *Index) AddInput(id model.FileID, cmd model.CommandID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := idx.entries[id.Index]
	for _, c := range e.InputOf {
		if c == cmd {
			return
		}
	}
	e.InputOf = append(e.InputOf, cmd)
}

// SetProducer records cmd as the sole producer of id. Returns false without
// modifying state if id already has a different producer — the caller (the
// Command Instantiator) must treat this as a duplicate-producer
// configuration error.
func (idx *Index) SetProducer(id model.FileID, cmd model.CommandID) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := idx.entries[id.Index]
	if e.OutputOf != nil && *e.OutputOf != cmd {
		return false
	}
	c := cmd
	e.OutputOf = &c
	return true
}

// Len returns the number of entries currently tracked.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Paths returns the repo-relative path of every entry currently tracked, in
// no particular order. Used to enumerate a repo's known files for initial
// trigger matching and for periodic snapshot persistence.
func (idx *Index) Paths() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, len(idx.entries))
	for i, e := range idx.entries {
		out[i] = idx.pool.String(e.Path)
	}
	return out
}

// Scan walks root once, populating a FileEntry for every regular file and
// directory found. Used at startup before the watcher takes over. It fails
// if root itself cannot be read; errors below root are logged and skipped.
func Scan(ctx context.Context, idx *Index, root string, logger *slog.Logger) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			if path == root {
				return err
			}
			logger.Warn("fileindex: scan error", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		idx.Apply(rel, true, d.IsDir(), info.Size(), info.ModTime())
		return nil
	})
}

// normalize converts backslash separators to forward slashes (strpool.Intern
// folds case itself) and strips a leading "./" so paths from WalkDir and
// from watcher events collapse to the same key.
func normalize(relPath string) string {
	relPath = strings.ReplaceAll(relPath, "\\", "/")
	return strings.TrimPrefix(relPath, "./")
}
