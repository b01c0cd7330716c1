// Package feed turns an unordered, duplicated event stream into a paginated,
// ordered feed with a "new events" buffer.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/eventmap"
	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/pkg/logger"
)

// Source delivers events matching filter to onEvent until the returned function is
// called. Deliveries may be duplicated, unordered, and may still arrive after
// unsubscribe returns.
type Source interface {
	Subscribe(filter nostr.Filter, onEvent func(*nostr.Event)) (unsubscribe func())
}

// Options configure a pipeline
type Options struct {
	// Filter is the subscription query. A non-nil Authors list with no entries means
	// the feed follows nobody, and nothing is subscribed.
	Filter nostr.Filter

	// FetchFilter rejects structurally unwanted events on arrival. Nil accepts all.
	FetchFilter func(*nostr.Event) bool

	// DisplayFilter is evaluated on every read. Nil shows all.
	DisplayFilter func(*nostr.Event) bool

	// Viewer is the local actor; their own fresh events skip the new-events buffer.
	Viewer string

	Compare        eventmap.Compare[string, *nostr.Event]
	PageSize       int
	QuietPeriod    time.Duration
	MaxWait        time.Duration
	OwnEventWindow time.Duration
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = constants.DefaultDisplayCount
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = constants.InitialLoadQuietPeriod
	}
	if o.MaxWait <= 0 {
		o.MaxWait = constants.InitialLoadMaxWait
	}
	if o.OwnEventWindow <= 0 {
		o.OwnEventWindow = constants.OwnEventWindow
	}
}

// View is what a feed shows at one moment
type View struct {
	ID              string         `json:"id"`
	Events          []*nostr.Event `json:"events"`
	Total           int            `json:"total"`
	HasMore         bool           `json:"hasMore"`
	DisplayCount    int            `json:"displayCount"`
	NewEvents       int            `json:"newEvents"`
	NewAuthors      []string       `json:"newAuthors"`
	InitialLoadDone bool           `json:"initialLoadDone"`
	Subscribed      bool           `json:"subscribed"`
}

// Pipeline is one mounted feed
type Pipeline struct {
	id       string
	instance string
	log      *zap.Logger
	source   Source
	cache    *Cache
	clock    schedule.Clock
	opts     Options
	loadDone *schedule.Debouncer

	mu              sync.Mutex
	working         *eventmap.Events
	newEvents       map[string]*nostr.Event
	oldestSeen      nostr.Timestamp
	hasOldest       bool
	initialLoadDone bool
	displayCount    int
	cached          bool
	warm            bool
	until           *nostr.Timestamp
	generation      uint64
	unsubscribe     func()
	started         bool
	closed          bool
}

// NewPipeline creates a feed. A working set cached under id is picked up, which
// completes the initial load immediately. Nothing is subscribed until Start.
func NewPipeline(id string, source Source, cache *Cache, clock schedule.Clock, opts Options, log *zap.Logger) *Pipeline {
	opts.applyDefaults()
	if clock == nil {
		clock = schedule.RealClock{}
	}
	instance := uuid.New().String()
	p := &Pipeline{
		id:           id,
		instance:     instance,
		log:          logger.OrNamed(log, "feed").With(zap.String("feed", id), zap.String("instance", instance)),
		source:       source,
		cache:        cache,
		clock:        clock,
		opts:         opts,
		newEvents:    make(map[string]*nostr.Event),
		displayCount: opts.PageSize,
	}
	if cache != nil {
		if set, ok := cache.Get(id); ok && set.Len() > 0 {
			p.working = set
			p.cached = true
			p.warm = true
			p.initialLoadDone = true
		}
	}
	if p.working == nil {
		p.working = eventmap.NewEvents(opts.Compare)
	}
	p.loadDone = schedule.NewDebouncer(clock, opts.QuietPeriod, opts.MaxWait, p.finishInitialLoad)
	return p
}

// ID returns the feed id
func (p *Pipeline) ID() string {
	return p.id
}

// Start subscribes to the source. A warm remount only asks for events newer than
// the newest cached one.
func (p *Pipeline) Start() {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true

	filter := p.opts.Filter
	if filter.Authors != nil && len(filter.Authors) == 0 {
		p.initialLoadDone = true
		p.mu.Unlock()
		p.log.Debug("Feed has no authors, not subscribing")
		return
	}
	if p.warm {
		if newest, ok := p.newestLocked(); ok && (filter.Since == nil || *filter.Since < newest) {
			filter.Since = &newest
		}
	}
	if !p.initialLoadDone {
		p.loadDone.Call()
	}
	p.mu.Unlock()

	p.log.Debug("Feed mounted", zap.Bool("warm", p.warm))
	p.subscribe(filter)
}

// Close stops the subscription and drops buffered events. A cached working set
// stays in the cache for the next mount.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.generation++
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.newEvents = make(map[string]*nostr.Event)
	p.mu.Unlock()

	p.loadDone.Cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	p.log.Debug("Feed closed")
}

func (p *Pipeline) subscribe(filter nostr.Filter) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.generation++
	gen := p.generation
	prev := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if prev != nil {
		prev()
	}
	unsubscribe := p.source.Subscribe(filter, func(ev *nostr.Event) { p.handle(gen, ev) })

	p.mu.Lock()
	if p.closed || gen != p.generation {
		p.mu.Unlock()
		unsubscribe()
		return
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

// ============================================================================
// Routing
// ============================================================================

func (p *Pipeline) handle(gen uint64, ev *nostr.Event) {
	if ev == nil || ev.ID == "" {
		eventsRouted.WithLabelValues(routeRejected).Inc()
		p.log.Warn("Dropping malformed event", zap.Bool("nil", ev == nil))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Deliveries from a closed or replaced subscription
	if p.closed || gen != p.generation {
		eventsRouted.WithLabelValues(routeLate).Inc()
		return
	}

	if !p.hasOldest || ev.CreatedAt < p.oldestSeen {
		p.oldestSeen = ev.CreatedAt
		p.hasOldest = true
	}

	if p.opts.FetchFilter != nil && !p.opts.FetchFilter(ev) {
		eventsRouted.WithLabelValues(routeRejected).Inc()
		return
	}

	if _, buffered := p.newEvents[ev.ID]; buffered || p.working.Has(ev.ID) {
		eventsRouted.WithLabelValues(routeDuplicate).Inc()
		return
	}

	if p.routeDirectLocked(ev) {
		p.insertLocked(ev)
		eventsRouted.WithLabelValues(routeWorking).Inc()
	} else {
		p.newEvents[ev.ID] = ev
		eventsRouted.WithLabelValues(routeNew).Inc()
	}

	if !p.initialLoadDone {
		p.loadDone.Call()
	}
}

// routeDirectLocked decides whether ev goes straight into the working set rather
// than the new-events buffer
func (p *Pipeline) routeDirectLocked(ev *nostr.Event) bool {
	if !p.initialLoadDone {
		return true
	}
	if boundary, ok := p.boundaryLocked(); ok && ev.CreatedAt <= boundary {
		return true
	}
	return p.ownRecentLocked(ev)
}

// boundaryLocked is the timestamp of the last displayed event
func (p *Pipeline) boundaryLocked() (nostr.Timestamp, bool) {
	var last *nostr.Event
	shown := 0
	p.working.Scan(func(_ string, ev *nostr.Event) bool {
		if !p.visible(ev) {
			return true
		}
		last = ev
		shown++
		return shown < p.displayCount
	})
	if last == nil {
		return 0, false
	}
	return last.CreatedAt, true
}

func (p *Pipeline) ownRecentLocked(ev *nostr.Event) bool {
	if p.opts.Viewer == "" || ev.PubKey != p.opts.Viewer {
		return false
	}
	created := time.Unix(int64(ev.CreatedAt), 0)
	return !created.Before(p.clock.Now().Add(-p.opts.OwnEventWindow))
}

// insertLocked adds ev to the working set. The first insert into an empty, uncached
// set writes it through to the cache.
func (p *Pipeline) insertLocked(ev *nostr.Event) bool {
	if !p.working.Set(ev.ID, ev) {
		return false
	}
	if !p.cached && p.cache != nil {
		p.cache.Put(p.id, p.working)
		p.cached = true
	}
	return true
}

func (p *Pipeline) finishInitialLoad() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.initialLoadDone {
		return
	}
	p.initialLoadDone = true
	p.log.Debug("Initial load complete", zap.Int("events", p.working.Len()))
}

func (p *Pipeline) visible(ev *nostr.Event) bool {
	return p.opts.DisplayFilter == nil || p.opts.DisplayFilter(ev)
}

func (p *Pipeline) newestLocked() (nostr.Timestamp, bool) {
	var newest nostr.Timestamp
	found := false
	p.working.Scan(func(_ string, ev *nostr.Event) bool {
		if !found || ev.CreatedAt > newest {
			newest = ev.CreatedAt
			found = true
		}
		return true
	})
	return newest, found
}

// ============================================================================
// User actions
// ============================================================================

// ShowNewEvents moves every buffered event into the working set and returns how
// many were moved
func (p *Pipeline) ShowNewEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	moved := 0
	for _, ev := range p.newEvents {
		if p.insertLocked(ev) {
			moved++
		}
	}
	p.newEvents = make(map[string]*nostr.Event)
	return moved
}

// LoadMoreItems pages further back. It returns true when more items were already
// available. Otherwise it widens the subscription to end at the oldest timestamp seen
// and returns false; the results show up as they arrive.
func (p *Pipeline) LoadMoreItems() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if p.visibleCountLocked(p.displayCount+1) > p.displayCount {
		p.displayCount += p.opts.PageSize
		p.mu.Unlock()
		return true
	}

	if !p.started || !p.hasOldest || (p.until != nil && *p.until == p.oldestSeen) {
		p.mu.Unlock()
		return false
	}
	filter := p.opts.Filter
	if filter.Authors != nil && len(filter.Authors) == 0 {
		p.mu.Unlock()
		return false
	}
	until := p.oldestSeen
	p.until = &until
	filter.Until = &until
	p.displayCount += p.opts.PageSize
	p.mu.Unlock()

	p.log.Debug("Loading older events", zap.Int64("until", int64(until)))
	p.subscribe(filter)
	return false
}

// ============================================================================
// Reads
// ============================================================================

// Displayed returns the visible events up to the display count, in order
func (p *Pipeline) Displayed() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleLocked(p.displayCount)
}

// Filtered returns every visible event in the working set, in order
func (p *Pipeline) Filtered() []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visibleLocked(0)
}

// Len returns the size of the working set before display filtering
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.working.Len()
}

// NewEventsCount returns the number of visible buffered events
func (p *Pipeline) NewEventsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, _ := p.newEventsLocked()
	return count
}

// NewEventAuthors returns the authors of visible buffered events
func (p *Pipeline) NewEventAuthors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, authors := p.newEventsLocked()
	return authors
}

// InitialLoadDone reports whether the initial load has settled
func (p *Pipeline) InitialLoadDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialLoadDone
}

// DisplayCount returns how many visible events are displayed
func (p *Pipeline) DisplayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayCount
}

// OldestSeen returns the oldest timestamp delivered so far, filtered or not
func (p *Pipeline) OldestSeen() (nostr.Timestamp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.oldestSeen, p.hasOldest
}

// View returns the current display state
func (p *Pipeline) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()

	visible := p.visibleLocked(0)
	shown := visible
	if len(shown) > p.displayCount {
		shown = shown[:p.displayCount]
	}
	count, authors := p.newEventsLocked()
	return View{
		ID:              p.id,
		Events:          shown,
		Total:           len(visible),
		HasMore:         len(visible) > p.displayCount,
		DisplayCount:    p.displayCount,
		NewEvents:       count,
		NewAuthors:      authors,
		InitialLoadDone: p.initialLoadDone,
		Subscribed:      p.unsubscribe != nil,
	}
}

// visibleLocked returns up to limit visible events in order; limit <= 0 means all
func (p *Pipeline) visibleLocked(limit int) []*nostr.Event {
	out := make([]*nostr.Event, 0)
	p.working.Scan(func(_ string, ev *nostr.Event) bool {
		if p.visible(ev) {
			out = append(out, ev)
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}

func (p *Pipeline) visibleCountLocked(limit int) int {
	count := 0
	p.working.Scan(func(_ string, ev *nostr.Event) bool {
		if p.visible(ev) {
			count++
		}
		return count < limit
	})
	return count
}

func (p *Pipeline) newEventsLocked() (int, []string) {
	count := 0
	seen := make(map[string]struct{})
	authors := make([]string, 0)
	for _, ev := range p.newEvents {
		if !p.visible(ev) {
			continue
		}
		count++
		if _, ok := seen[ev.PubKey]; !ok {
			seen[ev.PubKey] = struct{}{}
			authors = append(authors, ev.PubKey)
		}
	}
	sort.Strings(authors)
	return count, authors
}
