// Package socialgraph maintains the follow/mute graph of actors and the follow
// distances from a single root actor (the local viewer).
//
// Edges change through versioned list writes: a follow or mute list for an actor
// replaces that actor's previous list only when it is strictly newer, so replayed
// and reordered deliveries are harmless. Distances are derived state; edge writes
// only mark them dirty and RecalculateFollowDistances rebuilds them.
//
// A Graph is safe for concurrent use, but callers are expected to funnel writes
// through one owner (the trust service) so writes are never interleaved.
package socialgraph

import (
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/pkg/logger"
)

type edgeKind int

const (
	follow edgeKind = iota
	mute
)

func (k edgeKind) String() string {
	if k == mute {
		return "mute"
	}
	return "follow"
}

// Graph is the trust graph
type Graph struct {
	mu          sync.RWMutex
	log         *zap.Logger
	maxDistance int

	ids  *idTable
	root uint32

	following map[uint32]idSet // actor -> actors it follows
	followers map[uint32]idSet // actor -> actors following it
	muting    map[uint32]idSet // actor -> actors it mutes
	mutedBy   map[uint32]idSet // actor -> actors muting it

	followListAt map[uint32]nostr.Timestamp
	muteListAt   map[uint32]nostr.Timestamp

	distance   map[uint32]int
	byDistance map[int]idSet
	dirty      bool
}

// Option configures a Graph
type Option func(*Graph)

// WithMaxDistance caps the distance BFS. Actors further away report unknown distance.
func WithMaxDistance(d int) Option {
	return func(g *Graph) {
		if d > 0 {
			g.maxDistance = d
		}
	}
}

// WithLogger sets the graph's logger
func WithLogger(log *zap.Logger) Option {
	return func(g *Graph) {
		if log != nil {
			g.log = log
		}
	}
}

// New creates an empty graph centered on root. An invalid root falls back to the
// default root actor so callers always get a usable graph.
func New(root string, opts ...Option) *Graph {
	g := &Graph{
		log:          logger.Named("socialgraph"),
		maxDistance:  constants.DefaultMaxFollowDistance,
		ids:          newIDTable(),
		following:    make(map[uint32]idSet),
		followers:    make(map[uint32]idSet),
		muting:       make(map[uint32]idSet),
		mutedBy:      make(map[uint32]idSet),
		followListAt: make(map[uint32]nostr.Timestamp),
		muteListAt:   make(map[uint32]nostr.Timestamp),
	}
	for _, opt := range opts {
		opt(g)
	}

	pk := NormalizePubkey(root)
	if pk == "" {
		g.log.Warn("Invalid root pubkey, using default root", zap.String("root", root))
		pk = constants.DefaultRootPubkey
	}
	g.root = g.ids.id(pk)
	g.resetDistancesLocked()
	return g
}

// ============================================================================
// Root
// ============================================================================

// Root returns the pubkey the graph is centered on
func (g *Graph) Root() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ids.pubkey(g.root)
}

// SetRoot moves the center of the graph. Edges are kept; every distance except the
// new root's is unknown until the next recomputation.
func (g *Graph) SetRoot(pubkey string) bool {
	pk := NormalizePubkey(pubkey)
	if pk == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.ids.id(pk)
	if id == g.root {
		return true
	}
	g.root = id
	g.resetDistancesLocked()
	g.dirty = true
	g.log.Info("Root changed", zap.String("root", pk))
	return true
}

func (g *Graph) resetDistancesLocked() {
	g.distance = map[uint32]int{g.root: 0}
	g.byDistance = map[int]idSet{0: {g.root: {}}}
}

// ============================================================================
// Edge writes
// ============================================================================

// ApplyFollowList replaces actor's follow edges with followees if createdAt is newer
// than the last applied follow list of actor. It reports whether the list was applied.
func (g *Graph) ApplyFollowList(actor string, followees []string, createdAt nostr.Timestamp) bool {
	return g.applyList(follow, actor, followees, createdAt)
}

// ApplyMuteList replaces actor's mute edges with muted if createdAt is newer than the
// last applied mute list of actor
func (g *Graph) ApplyMuteList(actor string, muted []string, createdAt nostr.Timestamp) bool {
	return g.applyList(mute, actor, muted, createdAt)
}

// HandleEvent ingests follow list (kind 3) and mute list (kind 10000) events. Targets
// come from "p" tags; malformed targets are skipped, a malformed author drops the event.
func (g *Graph) HandleEvent(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	switch ev.Kind {
	case constants.KindFollowList:
		return g.ApplyFollowList(ev.PubKey, PubkeyTags(ev), ev.CreatedAt)
	case constants.KindMuteList:
		return g.ApplyMuteList(ev.PubKey, PubkeyTags(ev), ev.CreatedAt)
	default:
		return false
	}
}

// PubkeyTags returns the values of an event's "p" tags
func PubkeyTags(ev *nostr.Event) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			out = append(out, tag[1])
		}
	}
	return out
}

func (g *Graph) applyList(kind edgeKind, actor string, targets []string, createdAt nostr.Timestamp) bool {
	owner := NormalizePubkey(actor)
	if owner == "" {
		listsApplied.WithLabelValues(kind.String(), "invalid").Inc()
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.ids.id(owner)
	listAt := g.listTimes(kind)
	if last, ok := listAt[id]; ok && createdAt <= last {
		listsApplied.WithLabelValues(kind.String(), "stale").Inc()
		return false
	}

	next := make(idSet, len(targets))
	for _, target := range targets {
		pk := NormalizePubkey(target)
		if pk == "" || pk == owner {
			continue
		}
		next[g.ids.id(pk)] = struct{}{}
	}

	out, in := g.edges(kind)
	for prev := range out[id] {
		if !next.has(prev) {
			g.removeEdgeLocked(out, in, id, prev)
		}
	}
	for target := range next {
		g.addEdgeLocked(out, in, id, target)
	}
	listAt[id] = createdAt
	g.dirty = true

	listsApplied.WithLabelValues(kind.String(), "applied").Inc()
	return true
}

func (g *Graph) edges(kind edgeKind) (out, in map[uint32]idSet) {
	if kind == mute {
		return g.muting, g.mutedBy
	}
	return g.following, g.followers
}

func (g *Graph) listTimes(kind edgeKind) map[uint32]nostr.Timestamp {
	if kind == mute {
		return g.muteListAt
	}
	return g.followListAt
}

func (g *Graph) addEdgeLocked(out, in map[uint32]idSet, from, to uint32) {
	if out[from] == nil {
		out[from] = make(idSet)
	}
	out[from][to] = struct{}{}
	if in[to] == nil {
		in[to] = make(idSet)
	}
	in[to][from] = struct{}{}
}

func (g *Graph) removeEdgeLocked(out, in map[uint32]idSet, from, to uint32) {
	if set := out[from]; set != nil {
		delete(set, to)
		if len(set) == 0 {
			delete(out, from)
		}
	}
	if set := in[to]; set != nil {
		delete(set, from)
		if len(set) == 0 {
			delete(in, to)
		}
	}
}

// ============================================================================
// Edge queries
// ============================================================================

// Following returns the actors pubkey follows
func (g *Graph) Following(pubkey string) []string {
	return g.neighbors(g.following, pubkey)
}

// Followers returns the actors following pubkey
func (g *Graph) Followers(pubkey string) []string {
	return g.neighbors(g.followers, pubkey)
}

// Muting returns the actors pubkey mutes
func (g *Graph) Muting(pubkey string) []string {
	return g.neighbors(g.muting, pubkey)
}

// Muters returns the actors muting pubkey
func (g *Graph) Muters(pubkey string) []string {
	return g.neighbors(g.mutedBy, pubkey)
}

// FollowedByFriends returns the actors followed by root that follow pubkey
func (g *Graph) FollowedByFriends(pubkey string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return nil
	}
	friends := g.following[g.root]
	var out []string
	for follower := range g.followers[id] {
		if friends.has(follower) {
			out = append(out, g.ids.pubkey(follower))
		}
	}
	sort.Strings(out)
	return out
}

// FollowedByFriendsCount returns len(FollowedByFriends(pubkey)) without allocating the list
func (g *Graph) FollowedByFriendsCount(pubkey string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return 0
	}
	friends := g.following[g.root]
	count := 0
	for follower := range g.followers[id] {
		if friends.has(follower) {
			count++
		}
	}
	return count
}

// IsFollowing reports whether follower follows followee
func (g *Graph) IsFollowing(follower, followee string) bool {
	return g.hasEdge(g.following, follower, followee)
}

// IsMuting reports whether muter mutes muted
func (g *Graph) IsMuting(muter, muted string) bool {
	return g.hasEdge(g.muting, muter, muted)
}

// FollowListCreatedAt returns the timestamp of the last applied follow list of pubkey
func (g *Graph) FollowListCreatedAt(pubkey string) (nostr.Timestamp, bool) {
	return g.listTime(follow, pubkey)
}

// MuteListCreatedAt returns the timestamp of the last applied mute list of pubkey
func (g *Graph) MuteListCreatedAt(pubkey string) (nostr.Timestamp, bool) {
	return g.listTime(mute, pubkey)
}

func (g *Graph) listTime(kind edgeKind, pubkey string) (nostr.Timestamp, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return 0, false
	}
	at, ok := g.listTimes(kind)[id]
	return at, ok
}

func (g *Graph) neighbors(adj map[uint32]idSet, pubkey string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return nil
	}
	return g.pubkeysLocked(adj[id])
}

func (g *Graph) hasEdge(adj map[uint32]idSet, from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	a, ok := g.ids.lookup(NormalizePubkey(from))
	if !ok {
		return false
	}
	b, ok := g.ids.lookup(NormalizePubkey(to))
	if !ok {
		return false
	}
	return adj[a].has(b)
}

func (g *Graph) pubkeysLocked(set idSet) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, g.ids.pubkey(id))
	}
	sort.Strings(out)
	return out
}
