package feed

import (
	"sync"

	"go.uber.org/zap"

	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/pkg/logger"
)

// Manager owns the mounted pipelines, at most one per feed id
type Manager struct {
	log    *zap.Logger
	source Source
	cache  *Cache
	clock  schedule.Clock

	// mountMu serializes Mount, Unmount and Close so at most one pipeline per id
	// ever holds the cached set and a live subscription
	mountMu sync.Mutex

	mu        sync.Mutex
	pipelines map[string]*Pipeline
}

// NewManager creates a manager mounting feeds on source
func NewManager(source Source, cache *Cache, clock schedule.Clock, log *zap.Logger) *Manager {
	return &Manager{
		log:       logger.OrNamed(log, "feed-manager"),
		source:    source,
		cache:     cache,
		clock:     clock,
		pipelines: make(map[string]*Pipeline),
	}
}

// Mount starts a pipeline for id, replacing any pipeline already mounted under it
func (m *Manager) Mount(id string, opts Options) *Pipeline {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()

	m.mu.Lock()
	prev := m.pipelines[id]
	delete(m.pipelines, id)
	m.mu.Unlock()

	// The previous pipeline releases the cached set before the new one claims it
	if prev != nil {
		prev.Close()
		feedsMounted.Dec()
	}

	p := NewPipeline(id, m.source, m.cache, m.clock, opts, m.log)
	m.mu.Lock()
	m.pipelines[id] = p
	m.mu.Unlock()
	feedsMounted.Inc()

	p.Start()
	m.log.Info("Feed mounted", zap.String("feed", id), zap.Bool("replaced", prev != nil))
	return p
}

// Get returns the pipeline mounted under id
func (m *Manager) Get(id string) (*Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	return p, ok
}

// Unmount closes the pipeline mounted under id
func (m *Manager) Unmount(id string) bool {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()

	m.mu.Lock()
	p, ok := m.pipelines[id]
	delete(m.pipelines, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	p.Close()
	feedsMounted.Dec()
	m.log.Info("Feed unmounted", zap.String("feed", id))
	return true
}

// Mounted returns the number of mounted pipelines
func (m *Manager) Mounted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelines)
}

// Close unmounts every pipeline
func (m *Manager) Close() {
	m.mountMu.Lock()
	defer m.mountMu.Unlock()

	m.mu.Lock()
	pipelines := m.pipelines
	m.pipelines = make(map[string]*Pipeline)
	m.mu.Unlock()

	for _, p := range pipelines {
		p.Close()
		feedsMounted.Dec()
	}
}
