package feed

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/schedule"
)

var epoch = time.Unix(1_700_000_000, 0)

func pk(n int) string {
	return fmt.Sprintf("%064x", n)
}

func note(id string, createdAt int64, author string) *nostr.Event {
	return &nostr.Event{ID: id, CreatedAt: nostr.Timestamp(createdAt), PubKey: author, Kind: constants.KindTextNote}
}

type fakeSub struct {
	filter  nostr.Filter
	onEvent func(*nostr.Event)
	closed  bool
}

func (s *fakeSub) deliver(events ...*nostr.Event) {
	for _, ev := range events {
		s.onEvent(ev)
	}
}

type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (f *fakeSource) Subscribe(filter nostr.Filter, onEvent func(*nostr.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{filter: filter, onEvent: onEvent}
	f.subs = append(f.subs, sub)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		sub.closed = true
	}
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed {
			n++
		}
	}
	return n
}

func (f *fakeSource) last(t *testing.T) *fakeSub {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.subs)
	return f.subs[len(f.subs)-1]
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *fakeSource, *schedule.ManualClock, *Cache) {
	t.Helper()
	src := &fakeSource{}
	clock := schedule.NewManualClock(epoch)
	cache, err := NewCache(4, nil)
	require.NoError(t, err)
	p := NewPipeline("test", src, cache, clock, opts, nil)
	p.Start()
	t.Cleanup(p.Close)
	return p, src, clock, cache
}

func ids(events []*nostr.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestPipeline_InitialLoad(t *testing.T) {
	p, src, clock, _ := newTestPipeline(t, Options{PageSize: 3})
	sub := src.last(t)

	sub.deliver(note("b", 200, pk(1)), note("a", 100, pk(1)), note("c", 300, pk(2)), note("b", 200, pk(1)))
	assert.False(t, p.InitialLoadDone())
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 0, p.NewEventsCount())

	// Display order comes from the comparator, not arrival order
	assert.Equal(t, []string{"c", "b", "a"}, ids(p.Displayed()))

	clock.Advance(constants.InitialLoadQuietPeriod - time.Millisecond)
	assert.False(t, p.InitialLoadDone())
	clock.Advance(time.Millisecond)
	assert.True(t, p.InitialLoadDone())
}

func TestPipeline_InitialLoadMaxWait(t *testing.T) {
	p, src, clock, _ := newTestPipeline(t, Options{})
	sub := src.last(t)

	for i := 0; i < 10; i++ {
		sub.deliver(note(fmt.Sprintf("e%d", i), int64(100+i), pk(1)))
		clock.Advance(400 * time.Millisecond)
		if p.InitialLoadDone() {
			break
		}
	}
	assert.True(t, p.InitialLoadDone())
	assert.Equal(t, epoch.Add(constants.InitialLoadMaxWait), clock.Now())
}

func TestPipeline_RoutesAfterInitialLoad(t *testing.T) {
	p, src, clock, _ := newTestPipeline(t, Options{PageSize: 3})
	sub := src.last(t)

	for i := 0; i < 5; i++ {
		sub.deliver(note(fmt.Sprintf("e%d", i), int64(100+i), pk(1)))
	}
	clock.Advance(constants.InitialLoadQuietPeriod)
	require.True(t, p.InitialLoadDone())
	require.Equal(t, []string{"e4", "e3", "e2"}, ids(p.Displayed()))

	// Older than or equal to the last displayed item: straight into the working set
	sub.deliver(note("old", 50, pk(2)), note("edge", 102, pk(2)))
	assert.Equal(t, 7, p.Len())
	assert.Equal(t, 0, p.NewEventsCount())

	// Newer: buffered
	sub.deliver(note("n1", 103, pk(3)), note("n2", 500, pk(4)), note("n2", 500, pk(4)))
	assert.Equal(t, 7, p.Len())
	assert.Equal(t, 2, p.NewEventsCount())
	assert.Equal(t, []string{pk(3), pk(4)}, p.NewEventAuthors())

	view := p.View()
	assert.Equal(t, 2, view.NewEvents)
	assert.Equal(t, 7, view.Total)
	assert.True(t, view.HasMore)
	assert.True(t, view.Subscribed)

	assert.Equal(t, 2, p.ShowNewEvents())
	assert.Equal(t, 0, p.ShowNewEvents())
	assert.Equal(t, 9, p.Len())
	assert.Equal(t, []string{"n2", "e4", "e3"}, ids(p.Displayed()))
	assert.Empty(t, p.NewEventAuthors())
}

func TestPipeline_OwnRecentEventsSkipBuffer(t *testing.T) {
	viewer := pk(1)
	p, src, clock, _ := newTestPipeline(t, Options{Viewer: viewer})
	sub := src.last(t)

	base := epoch.Unix()
	sub.deliver(note("old", base-1000, pk(2)))
	clock.Advance(constants.InitialLoadQuietPeriod)
	require.True(t, p.InitialLoadDone())

	now := clock.Now().Unix()
	sub.deliver(note("mine", now-5, viewer))
	sub.deliver(note("theirs", now-5, pk(2)))
	sub.deliver(note("mine-stale", now-30, viewer))

	assert.ElementsMatch(t, []string{"mine", "old"}, ids(p.Filtered()))
	assert.Equal(t, 2, p.NewEventsCount())
}

func TestPipeline_FetchFilterAndOldestSeen(t *testing.T) {
	onlyNotes := func(ev *nostr.Event) bool { return ev.Kind == constants.KindTextNote }
	p, src, _, _ := newTestPipeline(t, Options{FetchFilter: onlyNotes})
	sub := src.last(t)

	reaction := &nostr.Event{ID: "r", CreatedAt: 10, Kind: constants.KindReaction, PubKey: pk(1)}
	sub.deliver(reaction, note("n", 20, pk(1)), nil, &nostr.Event{CreatedAt: 1})

	assert.Equal(t, 1, p.Len())
	oldest, ok := p.OldestSeen()
	require.True(t, ok)
	assert.Equal(t, nostr.Timestamp(10), oldest, "rejected events still move the pagination boundary")
}

func TestPipeline_DisplayFilterIsLive(t *testing.T) {
	var hidden sync.Map
	display := func(ev *nostr.Event) bool {
		_, hide := hidden.Load(ev.PubKey)
		return !hide
	}
	p, src, _, _ := newTestPipeline(t, Options{DisplayFilter: display})
	src.last(t).deliver(note("a", 1, pk(1)), note("b", 2, pk(2)))

	assert.Equal(t, []string{"b", "a"}, ids(p.Displayed()))
	hidden.Store(pk(2), true)
	assert.Equal(t, []string{"a"}, ids(p.Displayed()))
	assert.Equal(t, 2, p.Len())
	hidden.Delete(pk(2))
	assert.Len(t, p.Filtered(), 2)
}

func TestPipeline_ZeroAuthorsDoesNotSubscribe(t *testing.T) {
	p, src, _, _ := newTestPipeline(t, Options{Filter: nostr.Filter{Authors: []string{}, Kinds: []int{1}}})

	assert.Equal(t, 0, src.count())
	assert.True(t, p.InitialLoadDone())
	assert.Empty(t, p.Displayed())
	assert.False(t, p.LoadMoreItems())

	view := p.View()
	assert.False(t, view.Subscribed)
	assert.Empty(t, view.Events)
}

func TestPipeline_LoadMoreItems(t *testing.T) {
	filter := nostr.Filter{Kinds: []int{1}, Authors: []string{pk(1)}}
	p, src, clock, _ := newTestPipeline(t, Options{PageSize: 2, Filter: filter})
	first := src.last(t)

	first.deliver(note("a", 300, pk(1)), note("b", 200, pk(1)), note("c", 100, pk(1)))
	clock.Advance(constants.InitialLoadQuietPeriod)

	// More already loaded than displayed
	assert.True(t, p.LoadMoreItems())
	assert.Equal(t, 4, p.DisplayCount())
	assert.Len(t, p.Displayed(), 3)

	// Nothing more locally: widen the window back to the oldest seen event
	assert.False(t, p.LoadMoreItems())
	require.Equal(t, 2, src.count())
	second := src.last(t)
	require.NotNil(t, second.filter.Until)
	assert.Equal(t, nostr.Timestamp(100), *second.filter.Until)
	assert.Equal(t, filter.Authors, second.filter.Authors)
	assert.True(t, first.closed)
	assert.Equal(t, 6, p.DisplayCount())

	// Asking again before anything arrives does not resubscribe
	assert.False(t, p.LoadMoreItems())
	assert.Equal(t, 2, src.count())

	// Late deliveries from the replaced subscription are dropped
	first.deliver(note("late", 50, pk(1)))
	assert.Equal(t, 3, p.Len())

	second.deliver(note("d", 90, pk(1)), note("e", 80, pk(1)))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(p.Displayed()))
	assert.Equal(t, 0, p.NewEventsCount())
}

func TestPipeline_CloseDropsLateDeliveries(t *testing.T) {
	p, src, _, _ := newTestPipeline(t, Options{})
	sub := src.last(t)
	sub.deliver(note("a", 1, pk(1)))

	p.Close()
	assert.True(t, sub.closed)
	sub.deliver(note("b", 2, pk(1)))
	assert.Equal(t, 1, p.Len())

	p.Close()
}

func TestPipeline_MalformedDeliveriesAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	src := &fakeSource{}
	p := NewPipeline("test", src, nil, schedule.NewManualClock(epoch), Options{}, zap.New(core))
	p.Start()
	defer p.Close()

	src.last(t).deliver(nil, note("", 1, pk(1)), note("a", 1, pk(1)))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 2, logs.FilterMessage("Dropping malformed event").Len())
}

func TestCache_WriteThroughOnce(t *testing.T) {
	p, src, _, cache := newTestPipeline(t, Options{})
	assert.Equal(t, 0, cache.Len(), "empty sets are not cached")

	src.last(t).deliver(note("a", 1, pk(1)))
	set, ok := cache.Get("test")
	require.True(t, ok)
	assert.Equal(t, 1, set.Len())

	src.last(t).deliver(note("b", 2, pk(1)))
	assert.Equal(t, 2, set.Len(), "the cached set is the working set")
	assert.Equal(t, 2, p.Len())
}

func TestCache_Eviction(t *testing.T) {
	cache, err := NewCache(2, nil)
	require.NoError(t, err)
	clock := schedule.NewManualClock(epoch)

	for i := 0; i < 3; i++ {
		src := &fakeSource{}
		p := NewPipeline(fmt.Sprintf("feed-%d", i), src, cache, clock, Options{}, nil)
		p.Start()
		src.last(t).deliver(note("x", 1, pk(1)))
		p.Close()
	}
	assert.Equal(t, 2, cache.Len())
	_, ok := cache.Get("feed-0")
	assert.False(t, ok)
	assert.True(t, cache.Remove("feed-2"))
}

func TestManager_RemountRestoresFromCache(t *testing.T) {
	src := &fakeSource{}
	clock := schedule.NewManualClock(epoch)
	cache, err := NewCache(4, nil)
	require.NoError(t, err)
	m := NewManager(src, cache, clock, nil)
	defer m.Close()

	filter := nostr.Filter{Kinds: []int{1}}
	p := m.Mount("X", Options{Filter: filter})
	var events []*nostr.Event
	for i := 0; i < 5; i++ {
		events = append(events, note(fmt.Sprintf("e%d", i), int64(100+i), pk(1)))
	}
	src.last(t).deliver(events...)
	require.False(t, p.InitialLoadDone())
	assert.Equal(t, 5, p.Len())

	first := src.last(t)
	require.True(t, m.Unmount("X"))
	assert.True(t, first.closed)
	assert.False(t, m.Unmount("X"))

	again := m.Mount("X", Options{Filter: filter})
	assert.Equal(t, 5, again.Len())
	assert.True(t, again.InitialLoadDone(), "warm cache completes the initial load")

	second := src.last(t)
	require.NotSame(t, first, second)
	require.NotNil(t, second.filter.Since)
	assert.Equal(t, nostr.Timestamp(104), *second.filter.Since)

	// Redelivered content is not duplicated
	second.deliver(events...)
	assert.Equal(t, 5, again.Len())
	assert.Equal(t, 0, again.NewEventsCount())
	assert.Equal(t, 1, m.Mounted())
}

func TestManager_MountReplacesExisting(t *testing.T) {
	src := &fakeSource{}
	cache, err := NewCache(4, nil)
	require.NoError(t, err)
	m := NewManager(src, cache, schedule.NewManualClock(epoch), nil)

	first := m.Mount("X", Options{})
	firstSub := src.last(t)
	second := m.Mount("X", Options{})

	assert.NotSame(t, first, second)
	assert.True(t, firstSub.closed)
	got, ok := m.Get("X")
	require.True(t, ok)
	assert.Same(t, second, got)

	m.Close()
	assert.Equal(t, 0, m.Mounted())
	assert.True(t, src.last(t).closed)
}

func TestManager_ConcurrentMountsLeaveOnePipeline(t *testing.T) {
	src := &fakeSource{}
	cache, err := NewCache(4, nil)
	require.NoError(t, err)
	m := NewManager(src, cache, schedule.NewManualClock(epoch), nil)

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		mounted := make([]*Pipeline, 8)
		for i := range mounted {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mounted[i] = m.Mount("X", Options{})
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, m.Mounted())
		assert.Equal(t, 1, src.open(), "round %d", round)
		got, ok := m.Get("X")
		require.True(t, ok)
		assert.Contains(t, mounted, got)
	}

	m.Close()
	assert.Equal(t, 0, src.open())
}
