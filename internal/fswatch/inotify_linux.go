// Linux inotify backend for fswatch: InotifyInit1/InotifyAddWatch/
// poll(2)-with-timeout/parseEvents, extended to recursive whole-repo
// watching (a watch is registered per directory, and IN_CREATE on a
// directory entry adds a watch for the new subtree) reporting
// created/modified/deleted semantics.
//
//go:build linux

package fswatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/cookforge/cooker/internal/model"
)

func init() {
	platformFactory = func(cfg Config, logger *slog.Logger) (Watcher, error) {
		return newInotifyWatcher(cfg, logger)
	}
}

const inotifyMask uint32 = syscall.IN_MODIFY |
	syscall.IN_CLOSE_WRITE |
	syscall.IN_CREATE |
	syscall.IN_MOVED_TO |
	syscall.IN_DELETE |
	syscall.IN_MOVED_FROM |
	syscall.IN_DELETE_SELF

const inotifyEventHeaderSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

type inotifyWatcher struct {
	cfg    Config
	logger *slog.Logger

	fd int

	mu   sync.Mutex
	wds  map[int32]string // watch descriptor -> directory, relative to Root ("" for Root itself)
	dirs map[string]int32 // directory -> watch descriptor

	events   chan model.FileEvent
	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newInotifyWatcher(cfg Config, logger *slog.Logger) (*inotifyWatcher, error) {
	fd, err := syscall.InotifyInit1(syscall.IN_NONBLOCK | syscall.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fswatch: inotify init: %w", err)
	}
	return &inotifyWatcher{
		cfg:    cfg,
		logger: logger,
		fd:     fd,
		wds:    make(map[int32]string),
		dirs:   make(map[string]int32),
		events: make(chan model.FileEvent, 256),
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}, nil
}

func (w *inotifyWatcher) Start(_ context.Context) error {
	w.watchTree(w.cfg.Root, "")
	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *inotifyWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		_ = syscall.Close(w.fd)
		close(w.events)
	})
}

func (w *inotifyWatcher) Events() <-chan model.FileEvent {
	return w.events
}

// watchTree registers a watch on absDir (relDir relative to Root) and
// recurses into every subdirectory.
func (w *inotifyWatcher) watchTree(absDir, relDir string) {
	wd, err := syscall.InotifyAddWatch(w.fd, absDir, inotifyMask)
	if err != nil {
		w.logger.Warn("fswatch: cannot watch directory", slog.String("path", absDir), slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.wds[int32(wd)] = relDir
	w.dirs[relDir] = int32(wd)
	w.mu.Unlock()

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		childRel := joinRel(relDir, e.Name())
		w.watchTree(filepath.Join(absDir, e.Name()), childRel)
	}
}

func joinRel(relDir, name string) string {
	if relDir == "" {
		return name
	}
	return relDir + "/" + name
}

func (w *inotifyWatcher) run() {
	defer w.wg.Done()
	close(w.ready)

	buf := make([]byte, 64*1024)
	// pollFd mirrors struct pollfd; ppoll(2) is invoked directly because the
	// syscall package has no poll wrapper on Linux.
	type pollFd struct {
		fd      int32
		events  int16
		revents int16
	}
	const pollIn = 0x1
	pfd := pollFd{fd: int32(w.fd), events: pollIn}

	for {
		select {
		case <-w.done:
			return
		default:
		}

		// The kernel may write the remaining time back, so the 100ms
		// timeout is rebuilt on every iteration.
		timeout := syscall.NsecToTimespec(int64(100 * time.Millisecond))
		r, _, errno := syscall.Syscall6(syscall.SYS_PPOLL, uintptr(unsafe.Pointer(&pfd)), 1, uintptr(unsafe.Pointer(&timeout)), 0, 0, 0)
		n := int(r)
		var err error
		if errno != 0 {
			err = errno
		}
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Error("fswatch: poll error", slog.Any("error", err))
			return
		}
		if n == 0 {
			continue
		}

		nr, err := syscall.Read(w.fd, buf)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Error("fswatch: read error", slog.Any("error", err))
			return
		}
		if nr > 0 {
			w.parseEvents(buf[:nr])
		}
	}
}

func (w *inotifyWatcher) parseEvents(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}
		raw := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		w.mu.Lock()
		relDir, ok := w.wds[raw.Wd]
		w.mu.Unlock()
		if !ok {
			continue
		}

		isDir := raw.Mask&syscall.IN_ISDIR != 0
		relPath := joinRel(relDir, name)

		switch {
		case raw.Mask&(syscall.IN_CREATE|syscall.IN_MOVED_TO) != 0:
			if isDir {
				w.watchTree(filepath.Join(w.cfg.Root, relPath), relPath)
			}
			w.emit(relPath, model.EventCreated)
		case raw.Mask&(syscall.IN_CLOSE_WRITE|syscall.IN_MODIFY) != 0:
			w.emit(relPath, model.EventModified)
		case raw.Mask&(syscall.IN_DELETE|syscall.IN_MOVED_FROM) != 0:
			w.emit(relPath, model.EventDeleted)
		case raw.Mask&syscall.IN_DELETE_SELF != 0:
			// the watched directory itself was removed; its watch
			// descriptor is invalidated automatically by the kernel.
		}
	}
}

func (w *inotifyWatcher) emit(relPath string, kind model.EventKind) {
	evt := model.FileEvent{Repo: w.cfg.Repo, Path: relPath, Kind: kind, Timestamp: time.Now().UTC()}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("fswatch: event channel full, dropping event", slog.String("path", relPath))
	}
}
