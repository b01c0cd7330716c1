package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trustfeed/backend/internal/bootstrap"
	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/feed"
	"trustfeed/backend/internal/graphdb"
	"trustfeed/backend/internal/persist"
	"trustfeed/backend/internal/relay"
	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/storage"
	"trustfeed/backend/internal/trust"
	"trustfeed/backend/internal/visibility"
	"trustfeed/backend/pkg/config"
	"trustfeed/backend/pkg/logger"
)

func main() {
	// Initialize logger
	if err := logger.Init(os.Getenv("ENV")); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting trust feed server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Open storage
	storeCfg := storage.DefaultConfig(filepath.Join(cfg.DataDir, "store"))
	if cfg.StoreInMemory {
		storeCfg = storage.InMemoryConfig()
	}
	storeCfg.Logger = log
	store, err := storage.Open(storeCfg)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}

	// Restore state
	boot := bootstrap.NewLoader(cfg.BootstrapPath, log)
	g := persist.LoadGraph(ctx, store, cfg.RootPubkey, boot, log,
		socialgraph.WithMaxDistance(cfg.MaxFollowDistance),
		socialgraph.WithLogger(log))
	index := search.NewIndex(log)
	persist.LoadProfiles(ctx, store, index, boot, log)
	seen, err := persist.NewSeenEvents(cfg.SeenEventsLimit)
	if err != nil {
		log.Fatal("Failed to create seen-event set", zap.Error(err))
	}
	persist.LoadSeen(ctx, store, seen, log)

	settings := visibility.NewAtomicSettings(visibility.Settings{
		HideEventsByUnknownUsers:         cfg.HideEventsByUnknownUsers,
		HidePostsByMutedMoreThanFollowed: cfg.HidePostsByMutedMoreThanFollowed,
		UnknownHorizon:                   cfg.UnknownHorizon,
	})
	if err := settings.Settings().Validate(); err != nil {
		log.Fatal("Invalid visibility settings", zap.Error(err))
	}

	// Initialize dependencies
	clock := schedule.RealClock{}
	scheduler := persist.NewScheduler(persist.SchedulerConfig{
		Store:            store,
		Graph:            g,
		Index:            index,
		Seen:             seen,
		Clock:            clock,
		Logger:           log,
		SnapshotMaxBytes: cfg.SnapshotMaxBytes,
		GraphInterval:    cfg.PersistInterval,
	})
	svc := trust.New(trust.Config{
		Graph:          g,
		Index:          index,
		Settings:       settings,
		Persist:        scheduler,
		Seen:           seen,
		Clock:          clock,
		RecalcInterval: cfg.RecalcInterval,
		Logger:         log,
	})

	connectCtx, cancelConnect := context.WithTimeout(ctx, 15*time.Second)
	pool, err := relay.Connect(connectCtx, relay.Config{URLs: cfg.RelayURLs, Logger: log})
	cancelConnect()
	if err != nil {
		log.Warn("Running offline", zap.Error(err))
		pool, _ = relay.Connect(ctx, relay.Config{Logger: log})
	}
	stopRoot := svc.Subscribe(pool)

	cache, err := feed.NewCache(cfg.FeedCacheSize, log)
	if err != nil {
		log.Fatal("Failed to create feed cache", zap.Error(err))
	}
	feeds := feed.NewManager(pool, cache, clock, log)

	var mirror *graphdb.Repository
	if cfg.Neo4jEnabled() {
		mirror = openMirror(ctx, cfg, g, log)
	}

	var watcher *persist.ImportWatcher
	if cfg.ImportDir != "" {
		watcher, err = persist.NewImportWatcher(persist.WatcherConfig{
			Dir:   cfg.ImportDir,
			Graph: g,
			Clock: clock,
			OnImport: func(path string, lists int) {
				svc.GraphChanged()
			},
			Logger: log,
		})
		if err != nil {
			log.Error("Failed to start import watcher", zap.Error(err))
		}
	}

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(&server{
		log:              log,
		trust:            svc,
		settings:         settings,
		feeds:            feeds,
		mirror:           mirror,
		snapshotMaxBytes: cfg.SnapshotMaxBytes,
	})

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("root", g.Root()),
		zap.Strings("relays", pool.Relays()))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	if watcher != nil {
		_ = watcher.Close()
	}
	feeds.Close()
	stopRoot()
	_ = pool.Close()
	svc.Close()
	if err := scheduler.Close(shutdownCtx); err != nil {
		log.Error("Failed to flush state", zap.Error(err))
	}
	if mirror != nil {
		_ = mirror.Close()
	}
	if err := store.Close(); err != nil {
		log.Error("Failed to close storage", zap.Error(err))
	}

	log.Info("Server exited")
}

// openMirror connects to Neo4j and pushes the loaded graph. Failures leave the mirror
// disabled; the server does not depend on it.
func openMirror(ctx context.Context, cfg *config.Config, g *socialgraph.Graph, log *zap.Logger) *graphdb.Repository {
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Error("Failed to create Neo4j driver", zap.Error(err))
		return nil
	}

	// Verify Neo4j connection
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("Failed to verify Neo4j connectivity", zap.Error(err))
		_ = driver.Close(ctx)
		return nil
	}

	repo := graphdb.NewRepository(driver, log)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to ensure mirror schema", zap.Error(err))
	}
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := repo.SyncSnapshot(syncCtx, g.Serialize(constants.DefaultSnapshotMaxBytes)); err != nil {
			log.Warn("Initial mirror sync failed", zap.Error(err))
		}
	}()
	return repo
}
