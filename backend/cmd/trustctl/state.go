package main

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"trustfeed/backend/internal/bootstrap"
	"trustfeed/backend/internal/persist"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/storage"
	"trustfeed/backend/pkg/config"
)

// state is the stored graph opened for one command
type state struct {
	store     *storage.BadgerStore
	graph     *socialgraph.Graph
	index     *search.Index
	scheduler *persist.Scheduler
}

// openState opens the store under cfg.DataDir and restores the graph. The server
// must not be running: badger holds an exclusive lock on its directory.
func openState(ctx context.Context, cfg *config.Config, log *zap.Logger, withProfiles bool) (*state, error) {
	storeCfg := storage.DefaultConfig(filepath.Join(cfg.DataDir, "store"))
	storeCfg.GCInterval = 0
	storeCfg.Logger = log
	store, err := storage.Open(storeCfg)
	if err != nil {
		return nil, err
	}

	boot := bootstrap.NewLoader(cfg.BootstrapPath, log)
	g := persist.LoadGraph(ctx, store, cfg.RootPubkey, boot, log,
		socialgraph.WithMaxDistance(cfg.MaxFollowDistance),
		socialgraph.WithLogger(log))
	g.RecalculateFollowDistances()

	var index *search.Index
	if withProfiles {
		index = search.NewIndex(log)
		persist.LoadProfiles(ctx, store, index, boot, log)
	}

	return &state{
		store: store,
		graph: g,
		index: index,
		scheduler: persist.NewScheduler(persist.SchedulerConfig{
			Store:            store,
			Graph:            g,
			Logger:           log,
			SnapshotMaxBytes: cfg.SnapshotMaxBytes,
		}),
	}, nil
}

// save writes the graph back to the store
func (s *state) save(ctx context.Context) error {
	return s.scheduler.SaveGraph(ctx)
}

func (s *state) close() error {
	return s.store.Close()
}
