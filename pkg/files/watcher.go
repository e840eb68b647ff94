package files

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers a rescan when files change on disk outside the agent's
// own writes, for example when the user drops a new upload in. Events are
// debounced so a burst of writes produces one scan.
type Watcher struct {
	scanner  Watched
	fs       *fsnotify.Watcher
	root     string
	debounce time.Duration
	onChange func(*ScanResult)
	log      *slog.Logger
}

// Watched is the minimal scanning surface the watcher needs.
type Watched interface {
	ScanWorkspace() (*ScanResult, error)
}

// NewWatcher watches root and every non-noise subdirectory.
func NewWatcher(root string, scanner Watched, onChange func(*ScanResult)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		scanner:  scanner,
		fs:       fsw,
		root:     root,
		debounce: 500 * time.Millisecond,
		onChange: onChange,
		log:      slog.Default().With("component", "watcher"),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (noiseDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

// Run blocks until ctx ends, rescanning after quiet periods.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if w.ignorable(event) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addRecursive(event.Name)
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			result, err := w.scanner.ScanWorkspace()
			if err != nil {
				w.log.Warn("rescan failed", "error", err)
				continue
			}
			if w.onChange != nil && (len(result.Added)+len(result.Updated)+len(result.Removed)) > 0 {
				w.onChange(result)
			}
		}
	}
}

func (w *Watcher) ignorable(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".db") || strings.HasSuffix(name, ".tmp") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(event.Name), "/") {
		if noiseDirs[part] {
			return true
		}
	}
	return event.Op == fsnotify.Chmod
}
