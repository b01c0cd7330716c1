// Package bootstrap ships a small pre-crawled graph and profile set used when no
// local snapshot exists or the local one is unreadable.
package bootstrap

import (
	_ "embed"
	"os"
	"sync"

	"go.uber.org/zap"

	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/pkg/logger"
)

//go:embed data/graph.json
var embeddedGraph []byte

//go:embed data/profiles.json
var embeddedProfiles []byte

// Loader parses the bootstrap dataset on first use. An override path replaces the
// embedded graph snapshot; if it cannot be read or parsed the embedded one is used.
type Loader struct {
	path string
	log  *zap.Logger

	graphOnce sync.Once
	snapshot  *socialgraph.Snapshot
	graphErr  error

	profilesOnce sync.Once
	profiles     []search.Entry
	profilesErr  error
}

// NewLoader creates a loader. path may be empty.
func NewLoader(path string, log *zap.Logger) *Loader {
	return &Loader{path: path, log: logger.OrNamed(log, "bootstrap")}
}

// Snapshot returns the bootstrap graph snapshot
func (l *Loader) Snapshot() (*socialgraph.Snapshot, error) {
	l.graphOnce.Do(func() {
		if l.path != "" {
			s, err := l.readOverride()
			if err == nil {
				l.snapshot = s
				return
			}
			l.log.Warn("Bootstrap override unusable, using embedded dataset",
				zap.String("path", l.path), zap.Error(err))
		}
		l.snapshot, l.graphErr = socialgraph.ParseSnapshot(embeddedGraph, "embedded bootstrap")
		if l.graphErr == nil {
			l.log.Debug("Bootstrap snapshot loaded",
				zap.Int("ids", len(l.snapshot.IDs)),
				zap.Int("follow_lists", len(l.snapshot.FollowLists)))
		}
	})
	return l.snapshot, l.graphErr
}

// Graph builds a graph centered on root from the bootstrap snapshot. It returns an
// empty graph when no snapshot is available.
func (l *Loader) Graph(root string, opts ...socialgraph.Option) *socialgraph.Graph {
	s, err := l.Snapshot()
	if err != nil {
		l.log.Error("Bootstrap snapshot unavailable", zap.Error(err))
		return socialgraph.New(root, opts...)
	}
	return socialgraph.FromSnapshot(root, s, opts...)
}

// Profiles returns the bootstrap profile entries
func (l *Loader) Profiles() ([]search.Entry, error) {
	l.profilesOnce.Do(func() {
		l.profiles, l.profilesErr = search.ParseEntries(embeddedProfiles, "embedded bootstrap profiles")
	})
	return l.profiles, l.profilesErr
}

func (l *Loader) readOverride() (*socialgraph.Snapshot, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	return socialgraph.ParseSnapshot(data, l.path)
}
