package persist

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"trustfeed/backend/internal/bootstrap"
	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/storage"
	"trustfeed/backend/pkg/logger"
)

// LoadGraph restores the graph saved in store, centered on root. It never fails: a
// missing, unreadable or corrupt snapshot yields the bootstrap graph, or an empty graph
// when boot is nil.
func LoadGraph(ctx context.Context, store storage.Store, root string, boot *bootstrap.Loader, log *zap.Logger, opts ...socialgraph.Option) *socialgraph.Graph {
	log = logger.OrNamed(log, "persist")

	if s := loadSnapshot(ctx, store, log); s != nil {
		g := socialgraph.FromSnapshot(root, s, opts...)
		log.Info("Graph restored from storage",
			zap.String("root", g.Root()), zap.Int("users", g.Size().Users))
		return g
	}

	if boot == nil {
		return socialgraph.New(root, opts...)
	}
	g := boot.Graph(root, opts...)
	log.Info("Graph hydrated from bootstrap",
		zap.String("root", g.Root()), zap.Int("users", g.Size().Users))
	return g
}

func loadSnapshot(ctx context.Context, store storage.Store, log *zap.Logger) *socialgraph.Snapshot {
	if store == nil {
		return nil
	}
	data, err := store.Get(ctx, constants.KeySocialGraph)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("Stored graph unreadable", zap.Error(err))
		}
		return nil
	}
	s, err := socialgraph.ParseSnapshot(data, constants.KeySocialGraph)
	if err != nil {
		log.Warn("Stored graph corrupt", zap.Error(err))
		return nil
	}
	return s
}

// LoadProfiles fills index from store, falling back to the bootstrap profiles. It
// returns the number of entries added.
func LoadProfiles(ctx context.Context, store storage.Store, index *search.Index, boot *bootstrap.Loader, log *zap.Logger) int {
	log = logger.OrNamed(log, "persist")

	if store != nil {
		data, err := store.Get(ctx, constants.KeyProfileIndex)
		switch {
		case err == nil:
			entries, perr := search.ParseEntries(data, constants.KeyProfileIndex)
			if perr == nil {
				return index.Load(entries)
			}
			log.Warn("Stored profile index corrupt", zap.Error(perr))
		case !errors.Is(err, storage.ErrNotFound):
			log.Warn("Stored profile index unreadable", zap.Error(err))
		}
	}

	if boot == nil {
		return 0
	}
	entries, err := boot.Profiles()
	if err != nil {
		log.Error("Bootstrap profiles unavailable", zap.Error(err))
		return 0
	}
	return index.Load(entries)
}

// LoadSeen restores the seen-event set. Missing or corrupt data leaves it empty.
func LoadSeen(ctx context.Context, store storage.Store, seen *SeenEvents, log *zap.Logger) {
	log = logger.OrNamed(log, "persist")
	if store == nil {
		return
	}
	data, err := store.Get(ctx, constants.KeySeenEvents)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("Stored seen events unreadable", zap.Error(err))
		}
		return
	}
	if err := seen.Load(data, constants.KeySeenEvents); err != nil {
		log.Warn("Stored seen events corrupt", zap.Error(err))
	}
}
