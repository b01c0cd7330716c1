package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustfeed/backend/internal/bootstrap"
	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/storage"
	apperrors "trustfeed/backend/pkg/errors"
)

func pk(n int) string {
	return fmt.Sprintf("%064x", n)
}

// recordingStore counts writes per key and can fail the next writes with a given error
type recordingStore struct {
	storage.Store

	mu       sync.Mutex
	attempts map[string]int
	failNext int
	failWith error
}

func newRecordingStore(t *testing.T) *recordingStore {
	t.Helper()
	s, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &recordingStore{Store: s, attempts: make(map[string]int)}
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.attempts[key]++
	if s.failNext > 0 {
		s.failNext--
		err := s.failWith
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	return s.Store.Set(ctx, key, value)
}

func (s *recordingStore) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key]
}

func smallGraph() *socialgraph.Graph {
	root := pk(1)
	g := socialgraph.New(root, socialgraph.WithLogger(zap.NewNop()))
	g.ApplyFollowList(root, []string{pk(2), pk(3)}, 10)
	g.ApplyFollowList(pk(2), []string{pk(4)}, 11)
	g.ApplyMuteList(root, []string{pk(5)}, 12)
	g.RecalculateFollowDistances()
	return g
}

func newTestScheduler(store storage.Store, clock schedule.Clock, g *socialgraph.Graph, idx *search.Index, seen *SeenEvents) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Store:           store,
		Graph:           g,
		Index:           idx,
		Seen:            seen,
		Clock:           clock,
		Logger:          zap.NewNop(),
		GraphInterval:   30 * time.Second,
		ProfileDebounce: 5 * time.Second,
		ProfileMaxWait:  60 * time.Second,
		SeenDebounce:    2 * time.Second,
	})
}

// ============================================================================
// SeenEvents
// ============================================================================

func TestSeenEvents_BoundedOldestFirst(t *testing.T) {
	seen, err := NewSeenEvents(3)
	require.NoError(t, err)

	assert.True(t, seen.Mark("a"))
	assert.True(t, seen.Mark("b"))
	assert.False(t, seen.Mark("a"), "already seen")
	assert.False(t, seen.Mark(""))
	assert.True(t, seen.Mark("c"))
	assert.True(t, seen.Mark("d"))

	assert.Equal(t, 3, seen.Len())
	assert.False(t, seen.Has("b"), "least recently marked is dropped")
	assert.Equal(t, []string{"a", "c", "d"}, seen.IDs())

	data, err := seen.Marshal()
	require.NoError(t, err)

	restored, err := NewSeenEvents(3)
	require.NoError(t, err)
	require.NoError(t, restored.Load(data, "test"))
	assert.Equal(t, seen.IDs(), restored.IDs())

	err = restored.Load([]byte("{"), "test")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeParse))
}

// ============================================================================
// Scheduler
// ============================================================================

func TestScheduler_GraphWritesAreThrottled(t *testing.T) {
	store := newRecordingStore(t)
	clock := schedule.NewManualClock(time.Unix(1000, 0))
	g := smallGraph()
	s := newTestScheduler(store, clock, g, nil, nil)

	s.GraphChanged()
	assert.Equal(t, 1, store.count(constants.KeySocialGraph), "leading write")

	s.GraphChanged()
	s.GraphChanged()
	assert.Equal(t, 1, store.count(constants.KeySocialGraph))
	assert.True(t, s.Pending())

	clock.Advance(29 * time.Second)
	assert.Equal(t, 1, store.count(constants.KeySocialGraph))

	clock.Advance(time.Second)
	assert.Equal(t, 2, store.count(constants.KeySocialGraph), "bursts coalesce into one trailing write")
	assert.False(t, s.Pending())

	data, err := store.Get(context.Background(), constants.KeySocialGraph)
	require.NoError(t, err)
	expected, err := g.MarshalSnapshot(constants.DefaultSnapshotMaxBytes)
	require.NoError(t, err)
	assert.Equal(t, expected, data)
}

func TestScheduler_RetriesRetryableFailures(t *testing.T) {
	store := newRecordingStore(t)
	store.failNext = 1
	store.failWith = apperrors.NewStorageWrite(constants.KeySocialGraph, errors.New("disk full"))
	clock := schedule.NewManualClock(time.Unix(1000, 0))
	s := newTestScheduler(store, clock, smallGraph(), nil, nil)

	s.GraphChanged()
	assert.Equal(t, 1, store.count(constants.KeySocialGraph))
	assert.True(t, s.Pending(), "failed write rescheduled")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 2, store.count(constants.KeySocialGraph))
	assert.False(t, s.Pending())

	_, err := store.Get(context.Background(), constants.KeySocialGraph)
	assert.NoError(t, err)
}

func TestScheduler_DoesNotRetryPermanentFailures(t *testing.T) {
	store := newRecordingStore(t)
	store.failNext = 1
	store.failWith = apperrors.NewContextCancelled("save", context.Canceled)
	clock := schedule.NewManualClock(time.Unix(1000, 0))
	s := newTestScheduler(store, clock, smallGraph(), nil, nil)

	s.GraphChanged()
	assert.Equal(t, 1, store.count(constants.KeySocialGraph))
	assert.False(t, s.Pending())
}

func TestScheduler_ProfileWritesAreDebounced(t *testing.T) {
	store := newRecordingStore(t)
	clock := schedule.NewManualClock(time.Unix(1000, 0))
	idx := search.NewIndex(zap.NewNop())
	idx.Add(search.Entry{Pubkey: pk(2), Name: "alice", CreatedAt: 1})
	s := newTestScheduler(store, clock, nil, idx, nil)

	for i := 0; i < 3; i++ {
		s.ProfilesChanged()
		clock.Advance(4 * time.Second)
	}
	assert.Equal(t, 0, store.count(constants.KeyProfileIndex), "still inside the quiet window")

	clock.Advance(time.Second)
	assert.Equal(t, 1, store.count(constants.KeyProfileIndex))

	// A continuous stream still gets written at the max wait
	for i := 0; i < 16; i++ {
		s.ProfilesChanged()
		clock.Advance(4 * time.Second)
	}
	assert.Equal(t, 2, store.count(constants.KeyProfileIndex))

	data, err := store.Get(context.Background(), constants.KeyProfileIndex)
	require.NoError(t, err)
	entries, err := search.ParseEntries(data, "test")
	require.NoError(t, err)
	assert.Equal(t, idx.Entries(), entries)
}

func TestScheduler_FlushAndClose(t *testing.T) {
	store := newRecordingStore(t)
	clock := schedule.NewManualClock(time.Unix(1000, 0))
	g := smallGraph()
	idx := search.NewIndex(zap.NewNop())
	idx.Add(search.Entry{Pubkey: pk(2), Name: "alice", CreatedAt: 1})
	seen, err := NewSeenEvents(10)
	require.NoError(t, err)
	seen.Mark("ev1")

	s := newTestScheduler(store, clock, g, idx, seen)
	s.SeenChanged()
	s.ProfilesChanged()
	assert.True(t, s.Pending())

	require.NoError(t, s.Close(context.Background()))
	assert.False(t, s.Pending())
	assert.Equal(t, 1, store.count(constants.KeySocialGraph))
	assert.Equal(t, 1, store.count(constants.KeyProfileIndex))
	assert.Equal(t, 1, store.count(constants.KeySeenEvents))

	s.GraphChanged()
	s.SeenChanged()
	clock.Advance(time.Minute)
	assert.Equal(t, 1, store.count(constants.KeySocialGraph), "closed scheduler ignores changes")
	assert.Equal(t, 1, store.count(constants.KeySeenEvents))
	assert.NoError(t, s.Close(context.Background()), "close is idempotent")
}

func TestScheduler_FlushJoinsErrors(t *testing.T) {
	store := newRecordingStore(t)
	store.failNext = 2
	store.failWith = apperrors.NewStorageWrite("any", errors.New("disk full"))
	idx := search.NewIndex(zap.NewNop())
	s := newTestScheduler(store, schedule.NewManualClock(time.Unix(0, 0)), smallGraph(), idx, nil)

	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), constants.KeySocialGraph)
	assert.Contains(t, err.Error(), constants.KeyProfileIndex)
}

// ============================================================================
// Loading
// ============================================================================

func TestLoadGraph(t *testing.T) {
	ctx := context.Background()
	root := constants.DefaultRootPubkey
	boot := bootstrap.NewLoader("", zap.NewNop())
	log := zap.NewNop()

	t.Run("empty store uses bootstrap", func(t *testing.T) {
		store := newRecordingStore(t)
		g := LoadGraph(ctx, store, root, boot, log)
		assert.Len(t, g.Following(root), 8)
	})

	t.Run("no bootstrap yields empty graph", func(t *testing.T) {
		g := LoadGraph(ctx, nil, root, nil, log)
		assert.Equal(t, root, g.Root())
		assert.Empty(t, g.Following(root))
	})

	t.Run("stored snapshot restored", func(t *testing.T) {
		store := newRecordingStore(t)
		src := smallGraph()
		data, err := src.MarshalSnapshot(0)
		require.NoError(t, err)
		require.NoError(t, store.Set(ctx, constants.KeySocialGraph, data))

		g := LoadGraph(ctx, store, pk(1), boot, log)
		assert.Equal(t, src.Following(pk(1)), g.Following(pk(1)))
		d, ok := g.FollowDistance(pk(4))
		assert.True(t, ok)
		assert.Equal(t, 2, d)
	})

	t.Run("corrupt snapshot falls back", func(t *testing.T) {
		store := newRecordingStore(t)
		require.NoError(t, store.Set(ctx, constants.KeySocialGraph, []byte(`{"version":1,"ids":[["zz",0]]}`)))

		g := LoadGraph(ctx, store, root, boot, log)
		assert.Len(t, g.Following(root), 8)
	})
}

func TestLoadProfilesAndSeen(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()
	boot := bootstrap.NewLoader("", log)
	store := newRecordingStore(t)

	idx := search.NewIndex(log)
	bootProfiles, err := boot.Profiles()
	require.NoError(t, err)
	assert.Equal(t, len(bootProfiles), LoadProfiles(ctx, store, idx, boot, log))

	stored := search.NewIndex(log)
	stored.Add(search.Entry{Pubkey: pk(7), Name: "carol", CreatedAt: 3})
	data, err := stored.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, constants.KeyProfileIndex, data))

	idx = search.NewIndex(log)
	assert.Equal(t, 1, LoadProfiles(ctx, store, idx, boot, log))
	_, ok := idx.Get(pk(7))
	assert.True(t, ok)

	seen, err := NewSeenEvents(10)
	require.NoError(t, err)
	LoadSeen(ctx, store, seen, log)
	assert.Equal(t, 0, seen.Len())

	require.NoError(t, store.Set(ctx, constants.KeySeenEvents, []byte(`["x","y"]`)))
	LoadSeen(ctx, store, seen, log)
	assert.Equal(t, []string{"x", "y"}, seen.IDs())
}

// ============================================================================
// Files
// ============================================================================

func TestExportImportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")
	src := smallGraph()

	require.NoError(t, ExportFile(path, src, 0))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file cleaned up")

	dst := socialgraph.New(pk(1), socialgraph.WithLogger(zap.NewNop()))
	lists, err := ImportFile(path, dst)
	require.NoError(t, err)
	assert.Equal(t, 3, lists)
	assert.Equal(t, src.Following(pk(1)), dst.Following(pk(1)))
	assert.True(t, dst.IsMuting(pk(1), pk(5)))
}

func TestImportFile_InvalidLeavesGraphUntouched(t *testing.T) {
	dir := t.TempDir()
	g := smallGraph()
	before, err := g.MarshalSnapshot(0)
	require.NoError(t, err)

	cases := map[string]string{
		"not json":      `{"version":`,
		"bad pubkey":    `{"version":1,"ids":[["nothex",0]],"followLists":[],"muteLists":[]}`,
		"dangling id":   `{"version":1,"ids":[["` + pk(9) + `",0]],"followLists":[[0,[7],1]],"muteLists":[]}`,
		"wrong version": `{"version":2,"ids":[],"followLists":[],"muteLists":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

			_, err := ImportFile(path, g)
			require.Error(t, err)

			after, err := g.MarshalSnapshot(0)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}

	_, err = ImportFile(filepath.Join(dir, "missing.json"), g)
	assert.Error(t, err)
}

func TestImportWatcher(t *testing.T) {
	dir := t.TempDir()

	// A file present at startup is imported immediately
	seed := smallGraph()
	require.NoError(t, ExportFile(filepath.Join(dir, "seed.json"), seed, 0))

	g := socialgraph.New(pk(1), socialgraph.WithLogger(zap.NewNop()))
	imported := make(chan string, 4)
	w, err := NewImportWatcher(WatcherConfig{
		Dir:      dir,
		Graph:    g,
		Debounce: 20 * time.Millisecond,
		Logger:   zap.NewNop(),
		OnImport: func(path string, lists int) { imported <- filepath.Base(path) },
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, "seed.json", <-imported)
	assert.True(t, g.IsFollowing(pk(1), pk(2)))

	other := socialgraph.New(pk(20), socialgraph.WithLogger(zap.NewNop()))
	other.ApplyFollowList(pk(20), []string{pk(21)}, 5)
	require.NoError(t, ExportFile(filepath.Join(dir, "drop.json"), other, 0))

	select {
	case name := <-imported:
		assert.Equal(t, "drop.json", name)
	case <-time.After(5 * time.Second):
		t.Fatal("dropped snapshot was not imported")
	}
	assert.True(t, g.IsFollowing(pk(20), pk(21)))
	assert.True(t, g.IsFollowing(pk(1), pk(2)), "merge keeps existing edges")

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}
