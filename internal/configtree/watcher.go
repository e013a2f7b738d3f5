package configtree

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/edgemesh/supervisor/pkg/logging"
)

// SnapshotWatcher watches a snapshot file for out-of-band changes (e.g. an
// operator dropping a recovery snapshot onto disk) and reloads the tree on
// debounced write events. Grounded on the teacher's FilesystemDetector
// (internal/reconciler/filesystem_detector.go), trimmed from its
// multi-resource-type YAML directory watch down to a single snapshot path.
type SnapshotWatcher struct {
	mu      sync.Mutex
	tree    *Tree
	path    string
	debounce time.Duration
	watcher *fsnotify.Watcher
	timer   *time.Timer
	stopCh  chan struct{}
}

// NewSnapshotWatcher creates a watcher for the tree's snapshot file at path.
func NewSnapshotWatcher(tree *Tree, path string, debounce time.Duration) *SnapshotWatcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &SnapshotWatcher{tree: tree, path: path, debounce: debounce}
}

// Start begins watching. It watches the containing directory (not the file
// itself) so that a write-temp-then-rename reload, as produced by another
// process using the same atomic-save convention, is observed.
func (w *SnapshotWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	logging.Info("ConfigTree", "watching %s for out-of-band snapshot changes", w.path)
	return nil
}

func (w *SnapshotWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !(event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
				continue
			}
			w.debounceReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("ConfigTree", err, "snapshot watcher error")
		}
	}
}

func (w *SnapshotWatcher) debounceReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.tree.LoadSnapshotFile(w.path); err != nil {
			logging.Error("ConfigTree", err, "failed to reload snapshot from %s", w.path)
			return
		}
		logging.Info("ConfigTree", "reloaded snapshot from %s", w.path)
	})
}

// Stop stops the watcher.
func (w *SnapshotWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	if w.timer != nil {
		w.timer.Stop()
	}
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
