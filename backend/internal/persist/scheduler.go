// Package persist writes the trust graph, the profile index and the seen-event set to
// durable storage on a schedule, and restores them at startup.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/storage"
	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

// SchedulerConfig wires a Scheduler. Graph, Index and Seen are optional; a nil target
// is never written.
type SchedulerConfig struct {
	Store  storage.Store
	Graph  *socialgraph.Graph
	Index  *search.Index
	Seen   *SeenEvents
	Clock  schedule.Clock
	Logger *zap.Logger

	SnapshotMaxBytes int
	GraphInterval    time.Duration
	ProfileDebounce  time.Duration
	ProfileMaxWait   time.Duration
	SeenDebounce     time.Duration
	WriteTimeout     time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.Clock == nil {
		c.Clock = schedule.RealClock{}
	}
	if c.SnapshotMaxBytes <= 0 {
		c.SnapshotMaxBytes = constants.DefaultSnapshotMaxBytes
	}
	if c.GraphInterval <= 0 {
		c.GraphInterval = constants.DefaultPersistInterval
	}
	if c.ProfileDebounce <= 0 {
		c.ProfileDebounce = constants.ProfileSaveDebounce
	}
	if c.ProfileMaxWait <= 0 {
		c.ProfileMaxWait = constants.ProfileSaveMaxWait
	}
	if c.SeenDebounce <= 0 {
		c.SeenDebounce = constants.SeenSaveDebounce
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Scheduler coalesces change notifications into durable writes. Graph snapshots are
// throttled, profile and seen-event writes are debounced. A write that fails with a
// retryable error is rescheduled.
type Scheduler struct {
	cfg SchedulerConfig
	log *zap.Logger

	graphSave   *schedule.Throttler
	profileSave *schedule.Debouncer
	seenSave    *schedule.Debouncer

	closed atomic.Bool
}

// NewScheduler creates a scheduler. Nothing is written until a change is reported.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg: cfg,
		log: logger.OrNamed(cfg.Logger, "persist"),
	}
	s.graphSave = schedule.NewThrottler(cfg.Clock, cfg.GraphInterval, true, func() {
		s.run(constants.KeySocialGraph, s.SaveGraph, s.graphSave.Call)
	})
	s.profileSave = schedule.NewDebouncer(cfg.Clock, cfg.ProfileDebounce, cfg.ProfileMaxWait, func() {
		s.run(constants.KeyProfileIndex, s.SaveProfiles, s.profileSave.Call)
	})
	s.seenSave = schedule.NewDebouncer(cfg.Clock, cfg.SeenDebounce, 0, func() {
		s.run(constants.KeySeenEvents, s.SaveSeen, s.seenSave.Call)
	})
	return s
}

// GraphChanged schedules a graph snapshot write
func (s *Scheduler) GraphChanged() {
	if s.closed.Load() || s.cfg.Graph == nil {
		return
	}
	s.graphSave.Call()
}

// ProfilesChanged schedules a profile index write
func (s *Scheduler) ProfilesChanged() {
	if s.closed.Load() || s.cfg.Index == nil {
		return
	}
	s.profileSave.Call()
}

// SeenChanged schedules a seen-event write
func (s *Scheduler) SeenChanged() {
	if s.closed.Load() || s.cfg.Seen == nil {
		return
	}
	s.seenSave.Call()
}

// Pending reports whether any write is waiting on its timer
func (s *Scheduler) Pending() bool {
	return s.graphSave.Scheduled() || s.profileSave.Pending() || s.seenSave.Pending()
}

func (s *Scheduler) run(key string, save func(context.Context) error, retry func()) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	err := save(ctx)
	if err == nil {
		return
	}
	if apperrors.IsRetryable(err) && !s.closed.Load() {
		s.log.Warn("Persist write failed, retrying",
			zap.String("key", key), zap.Error(err))
		retry()
		return
	}
	s.log.Error("Persist write failed", zap.String("key", key), zap.Error(err))
}

// ============================================================================
// Writes
// ============================================================================

// SaveGraph writes the graph snapshot now
func (s *Scheduler) SaveGraph(ctx context.Context) error {
	if s.cfg.Graph == nil {
		return nil
	}
	data, err := s.cfg.Graph.MarshalSnapshot(s.cfg.SnapshotMaxBytes)
	if err != nil {
		writesTotal.WithLabelValues(constants.KeySocialGraph, "error").Inc()
		return fmt.Errorf("failed to serialize graph: %w", err)
	}
	return s.write(ctx, constants.KeySocialGraph, data)
}

// SaveProfiles writes the profile index now
func (s *Scheduler) SaveProfiles(ctx context.Context) error {
	if s.cfg.Index == nil {
		return nil
	}
	data, err := s.cfg.Index.Marshal()
	if err != nil {
		writesTotal.WithLabelValues(constants.KeyProfileIndex, "error").Inc()
		return fmt.Errorf("failed to serialize profile index: %w", err)
	}
	return s.write(ctx, constants.KeyProfileIndex, data)
}

// SaveSeen writes the seen-event set now
func (s *Scheduler) SaveSeen(ctx context.Context) error {
	if s.cfg.Seen == nil {
		return nil
	}
	data, err := s.cfg.Seen.Marshal()
	if err != nil {
		writesTotal.WithLabelValues(constants.KeySeenEvents, "error").Inc()
		return fmt.Errorf("failed to serialize seen events: %w", err)
	}
	return s.write(ctx, constants.KeySeenEvents, data)
}

func (s *Scheduler) write(ctx context.Context, key string, data []byte) error {
	if err := s.cfg.Store.Set(ctx, key, data); err != nil {
		writesTotal.WithLabelValues(key, "error").Inc()
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	writesTotal.WithLabelValues(key, "ok").Inc()
	writeBytes.WithLabelValues(key).Set(float64(len(data)))
	s.log.Debug("Persisted", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Flush cancels pending timers and writes every configured target now
func (s *Scheduler) Flush(ctx context.Context) error {
	s.graphSave.Cancel()
	s.profileSave.Cancel()
	s.seenSave.Cancel()

	return errors.Join(
		s.SaveGraph(ctx),
		s.SaveProfiles(ctx),
		s.SaveSeen(ctx),
	)
}

// Close performs a final flush and stops accepting change notifications
func (s *Scheduler) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.Flush(ctx)
}
