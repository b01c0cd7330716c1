// Package trust is the long-lived service around the viewer's trust graph. It feeds
// follow lists, mute lists and profiles from a source into the graph and the search
// index, keeps distances fresh and schedules persistence.
package trust

import (
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/feed"
	"trustfeed/backend/internal/persist"
	"trustfeed/backend/internal/schedule"
	"trustfeed/backend/internal/search"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/visibility"
	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

// Config wires a Service. Persist and Seen are optional.
type Config struct {
	Graph          *socialgraph.Graph
	Index          *search.Index
	Settings       visibility.SettingsProvider
	Persist        *persist.Scheduler
	Seen           *persist.SeenEvents
	Clock          schedule.Clock
	RecalcInterval time.Duration
	Logger         *zap.Logger
}

// Service owns the graph, index and policy for one viewer
type Service struct {
	graph    *socialgraph.Graph
	index    *search.Index
	policy   *visibility.Policy
	settings visibility.SettingsProvider
	persist  *persist.Scheduler
	seen     *persist.SeenEvents
	log      *zap.Logger

	recalc *schedule.Throttler

	mu      sync.Mutex
	source  feed.Source
	unsub   func()
	authors string // joined author list of the live root subscription
	gen     uint64 // bumped whenever the live root subscription changes
	closed  bool
}

// New creates a service
func New(cfg Config) *Service {
	if cfg.Settings == nil {
		cfg.Settings = visibility.NewAtomicSettings(visibility.DefaultSettings())
	}
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = constants.DefaultRecalcInterval
	}
	if cfg.Index == nil {
		cfg.Index = search.NewIndex(cfg.Logger)
	}

	s := &Service{
		graph:    cfg.Graph,
		index:    cfg.Index,
		settings: cfg.Settings,
		policy:   visibility.New(cfg.Graph, cfg.Settings),
		persist:  cfg.Persist,
		seen:     cfg.Seen,
		log:      logger.OrNamed(cfg.Logger, "trust"),
	}
	s.recalc = schedule.NewThrottler(cfg.Clock, cfg.RecalcInterval, true, s.graph.RecalculateFollowDistances)
	return s
}

// Graph returns the trust graph
func (s *Service) Graph() *socialgraph.Graph { return s.graph }

// Index returns the profile index
func (s *Service) Index() *search.Index { return s.index }

// Policy returns the visibility policy
func (s *Service) Policy() *visibility.Policy { return s.policy }

// Settings returns the live visibility settings
func (s *Service) Settings() visibility.SettingsProvider { return s.settings }

// ============================================================================
// Ingestion
// ============================================================================

// HandleEvent routes follow and mute lists to the graph and profile metadata to the
// index. It reports whether anything changed. A closed service ignores events.
func (s *Service) HandleEvent(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	switch ev.Kind {
	case constants.KindFollowList, constants.KindMuteList:
		if !s.graph.HandleEvent(ev) {
			return false
		}
		s.GraphChanged()
		if ev.Kind == constants.KindFollowList && socialgraph.NormalizePubkey(ev.PubKey) == s.graph.Root() {
			s.refreshSubscription()
		}
		return true

	case constants.KindProfileMetadata:
		entry, err := search.ParseProfile(ev)
		if err != nil {
			s.log.Debug("Dropping profile", zap.Error(err))
			return false
		}
		if !s.index.Add(entry) {
			return false
		}
		if s.persist != nil {
			s.persist.ProfilesChanged()
		}
		return true
	}
	return false
}

// GraphChanged schedules a distance recompute and a snapshot write. Callers that
// mutate the graph directly report it here.
func (s *Service) GraphChanged() {
	s.recalc.Call()
	if s.persist != nil {
		s.persist.GraphChanged()
	}
}

// Recalculate runs a pending distance recompute now
func (s *Service) Recalculate() {
	s.recalc.Cancel()
	s.graph.RecalculateFollowDistances()
}

// SetRoot recenters the graph on pubkey and recomputes distances
func (s *Service) SetRoot(pubkey string) error {
	if !socialgraph.ValidPubkey(pubkey) {
		return apperrors.NewInvalidPubkey(pubkey)
	}
	if !s.graph.SetRoot(pubkey) {
		return nil
	}
	s.Recalculate()
	if s.persist != nil {
		s.persist.GraphChanged()
	}
	s.refreshSubscription()
	return nil
}

// Prune drops muted, unreachable actors nobody reachable follows
func (s *Service) Prune() int {
	removed := s.graph.RemoveMutedNotFollowedUsers()
	if removed > 0 {
		s.log.Info("Pruned graph", zap.Int("removed", removed))
		s.GraphChanged()
	}
	return removed
}

// MarkSeen records that the viewer has seen an event
func (s *Service) MarkSeen(id string) bool {
	if s.seen == nil || !s.seen.Mark(id) {
		return false
	}
	if s.persist != nil {
		s.persist.SeenChanged()
	}
	return true
}

// Seen reports whether an event was marked seen
func (s *Service) Seen(id string) bool {
	return s.seen != nil && s.seen.Has(id)
}

// ============================================================================
// Search
// ============================================================================

// Search finds profiles by name or handle, ranked by text score and closeness to root
func (s *Service) Search(query string, limit int) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrBlankQuery
	}
	// Ranking may reorder text matches, so rank over every match before limiting
	matches := s.index.Search(query, 0)
	return search.Rank(matches, query, s.graph, limit), nil
}

// ============================================================================
// Root subscription
// ============================================================================

// Subscribe keeps a subscription on src for the profiles, follow lists and mute lists
// of root and root's direct follows, replacing it whenever root's follows change.
// The returned function stops it.
func (s *Service) Subscribe(src feed.Source) (stop func()) {
	s.mu.Lock()
	prev := s.unsub
	s.source, s.unsub, s.authors = src, nil, ""
	s.gen++
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	s.refreshSubscription()

	return func() {
		s.mu.Lock()
		unsub := s.unsub
		if s.source == src {
			s.source, s.unsub, s.authors = nil, nil, ""
			s.gen++
		} else {
			unsub = nil
		}
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
	}
}

// RootFilter is the query for root's own network metadata
func (s *Service) RootFilter() nostr.Filter {
	root := s.graph.Root()
	authors := append([]string{root}, s.graph.Following(root)...)
	return nostr.Filter{
		Kinds:   []int{constants.KindProfileMetadata, constants.KindFollowList, constants.KindMuteList},
		Authors: authors,
	}
}

func (s *Service) refreshSubscription() {
	filter := s.RootFilter()
	key := strings.Join(filter.Authors, ",")

	s.mu.Lock()
	src := s.source
	if src == nil || s.closed || key == s.authors {
		s.mu.Unlock()
		return
	}
	s.authors = key
	s.gen++
	gen := s.gen
	old := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if old != nil {
		old()
	}
	unsub := src.Subscribe(filter, func(ev *nostr.Event) { s.handleFrom(gen, ev) })

	s.mu.Lock()
	if s.closed || gen != s.gen {
		// Replaced or stopped while subscribing
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()

	s.log.Debug("Root subscription updated", zap.Int("authors", len(filter.Authors)))
}

// handleFrom applies a delivery unless its subscription has since been replaced,
// stopped or closed
func (s *Service) handleFrom(gen uint64, ev *nostr.Event) {
	s.mu.Lock()
	live := !s.closed && gen == s.gen
	s.mu.Unlock()
	if !live {
		s.log.Debug("Dropping late delivery", zap.Uint64("subscription", gen))
		return
	}
	s.HandleEvent(ev)
}

// Close stops the subscription and pending recomputes
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	unsub := s.unsub
	s.source, s.unsub = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	s.recalc.Cancel()
}
