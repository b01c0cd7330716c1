package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/pkg/logger"
)

// WatcherConfig wires an ImportWatcher
type WatcherConfig struct {
	Dir      string
	Graph    *socialgraph.Graph
	Clock    schedule.Clock
	Debounce time.Duration // quiet period after the last write to a file
	OnImport func(path string, lists int)
	Logger   *zap.Logger
}

// ImportWatcher merges snapshot files written into a directory into the graph.
// Each *.json file is imported once writes to it settle. Files already present when
// the watcher starts are imported too.
type ImportWatcher struct {
	cfg     WatcherConfig
	log     *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*schedule.Debouncer
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewImportWatcher starts watching cfg.Dir, creating it if needed
func NewImportWatcher(cfg WatcherConfig) (*ImportWatcher, error) {
	if cfg.Clock == nil {
		cfg.Clock = schedule.RealClock{}
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create import dir: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(cfg.Dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch import dir: %w", err)
	}

	w := &ImportWatcher{
		cfg:     cfg,
		log:     logger.OrNamed(cfg.Logger, "import-watcher"),
		watcher: fsWatcher,
		pending: make(map[string]*schedule.Debouncer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	existing, _ := filepath.Glob(filepath.Join(cfg.Dir, "*.json"))
	for _, path := range existing {
		w.importPath(path)
	}

	go w.watchLoop()

	w.log.Info("Watching for snapshot imports", zap.String("dir", cfg.Dir))
	return w, nil
}

func (w *ImportWatcher) watchLoop() {
	defer close(w.doneCh)
	defer w.watcher.Close()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && isSnapshotFile(event.Name) {
				w.log.Debug("Snapshot file changed",
					zap.String("file", event.Name),
					zap.String("operation", event.Op.String()))
				w.schedule(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("File watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}

func (w *ImportWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	d, ok := w.pending[path]
	if !ok {
		d = schedule.NewDebouncer(w.cfg.Clock, w.cfg.Debounce, 0, func() { w.importPath(path) })
		w.pending[path] = d
	}
	d.Call()
}

func (w *ImportWatcher) importPath(path string) {
	lists, err := ImportFile(path, w.cfg.Graph)
	if err != nil {
		w.log.Warn("Snapshot import rejected", zap.String("file", path), zap.Error(err))
		return
	}
	w.log.Info("Snapshot imported", zap.String("file", path), zap.Int("lists", lists))
	if w.cfg.OnImport != nil {
		w.cfg.OnImport(path, lists)
	}
}

// Close stops the watcher and drops imports still waiting on their quiet period
func (w *ImportWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, d := range w.pending {
		d.Cancel()
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return nil
}

func isSnapshotFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
