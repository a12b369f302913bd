package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSource is a Source fed by filesystem events. Keys are file paths; a
// key is notified when the file is written, created, removed or renamed.
//
// The parent directory is watched rather than the file, so files that are
// replaced atomically, or do not exist yet, are still seen.
type FileSource struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	reg     *registry

	mu   sync.Mutex
	dirs map[string]int // watched directory -> number of keys in it
}

// NewFileSource starts an fsnotify watcher. Call Run to dispatch events and
// Close to release it.
func NewFileSource(logger *slog.Logger) (*FileSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		watcher: w,
		logger:  logger,
		reg:     newRegistry(),
		dirs:    make(map[string]int),
	}, nil
}

func cleanKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// Register implements Source.
func (f *FileSource) Register(path string, notify func()) (func(), error) {
	key, err := cleanKey(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(key)

	f.mu.Lock()
	if f.dirs[dir] == 0 {
		if err := f.watcher.Add(dir); err != nil {
			f.mu.Unlock()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	f.dirs[dir]++
	f.mu.Unlock()

	id := f.reg.add(key, notify)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.reg.remove(key, id)
			f.release(dir)
		})
	}, nil
}

func (f *FileSource) release(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dirs[dir]--
	if f.dirs[dir] > 0 {
		return
	}
	delete(f.dirs, dir)
	if err := f.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		f.logger.Warn("unwatching directory failed", "dir", dir, "error", err)
	}
}

// Run dispatches filesystem events until ctx is done or the source is
// closed.
func (f *FileSource) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-f.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key := filepath.Clean(event.Name)
			if n := f.reg.notify(key); n > 0 {
				f.logger.Debug("file changed", "path", key, "op", event.Op.String(), "watchers", n)
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("file watcher error", "error", err)
		}
	}
}

// Close stops the watcher. Run returns once it notices.
func (f *FileSource) Close() error {
	return f.watcher.Close()
}
