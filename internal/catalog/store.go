package catalog

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Store holds the live catalog and hot-reloads it when the backing file
// changes, so a new report upload does not require a restart.
type Store struct {
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	current *Catalog
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads the catalog and, when watch is set, starts a file watcher.
func NewStore(path string, watch bool, logger *zap.Logger) (*Store, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, logger: logger, current: c, done: make(chan struct{})}
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("Catalog watcher unavailable, hot reload disabled", zap.Error(err))
			return s, nil
		}
		if err := w.Add(path); err != nil {
			logger.Warn("Catalog watch failed, hot reload disabled", zap.String("path", path), zap.Error(err))
			w.Close()
			return s, nil
		}
		s.watcher = w
		go s.watch()
	}
	return s, nil
}

// Get returns the current catalog snapshot.
func (s *Store) Get() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Catalog watcher error", zap.Error(err))
		}
	}
}

func (s *Store) reload() {
	c, err := Load(s.path)
	if err != nil {
		// Keep serving the previous snapshot on a bad write.
		s.logger.Warn("Catalog reload failed, keeping previous snapshot", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	s.logger.Info("Catalog reloaded",
		zap.Int("products", len(c.Products)),
		zap.Int("documents", len(c.Documents)),
	)
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
