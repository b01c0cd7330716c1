package socialgraph

import (
	"sort"

	"go.uber.org/zap"
)

// Opinions counts the followers and muters of an actor at one distance
type Opinions struct {
	Followers int `json:"followers"`
	Muters    int `json:"muters"`
}

// Total returns followers plus muters
func (o Opinions) Total() int {
	return o.Followers + o.Muters
}

// Stats groups the followers and muters of pubkey by their own follow distance.
// Opinions from actors with unknown distance are not counted. Computed on demand.
func (g *Graph) Stats(pubkey string) map[int]Opinions {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make(map[int]Opinions)
	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return stats
	}
	for follower := range g.followers[id] {
		if d, ok := g.distanceLocked(follower); ok {
			o := stats[d]
			o.Followers++
			stats[d] = o
		}
	}
	for muter := range g.mutedBy[id] {
		if d, ok := g.distanceLocked(muter); ok {
			o := stats[d]
			o.Muters++
			stats[d] = o
		}
	}
	return stats
}

// SortedDistances returns the keys of a Stats result in ascending order
func SortedDistances(stats map[int]Opinions) []int {
	out := make([]int, 0, len(stats))
	for d := range stats {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func (g *Graph) distanceLocked(id uint32) (int, bool) {
	if id == g.root {
		return 0, true
	}
	d, ok := g.distance[id]
	return d, ok
}

// RemoveMutedNotFollowedUsers drops actors that someone mutes but nobody reachable
// from root follows, along with all their edges. Root and actors root follows are
// never removed. Actors left without any edge afterwards are forgotten too. It returns
// the number of muted actors removed.
//
// Reachability must be current, so a dirty graph has its distances recomputed first
// under the same lock. This is the one writer of the distance cache besides
// RecalculateFollowDistances; both go through recalculateLocked.
func (g *Graph) RemoveMutedNotFollowedUsers() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dirty {
		g.recalculateLocked()
	}

	var doomed []uint32
	for id, muters := range g.mutedBy {
		if len(muters) == 0 || id == g.root || g.following[g.root].has(id) {
			continue
		}
		if _, reachable := g.distance[id]; reachable {
			continue
		}
		if g.hasReachableFollowerLocked(id) {
			continue
		}
		doomed = append(doomed, id)
	}

	for _, id := range doomed {
		g.removeActorLocked(id)
	}
	g.forgetIsolatedLocked()

	if len(doomed) > 0 {
		g.dirty = true
		usersRemoved.Add(float64(len(doomed)))
		g.log.Info("Removed muted users without reachable followers", zap.Int("removed", len(doomed)))
	}
	return len(doomed)
}

func (g *Graph) hasReachableFollowerLocked(id uint32) bool {
	for follower := range g.followers[id] {
		if _, ok := g.distanceLocked(follower); ok {
			return true
		}
	}
	return false
}

func (g *Graph) removeActorLocked(id uint32) {
	for _, kind := range []edgeKind{follow, mute} {
		out, in := g.edges(kind)
		for target := range out[id] {
			g.removeEdgeLocked(out, in, id, target)
		}
		for source := range in[id] {
			g.removeEdgeLocked(out, in, source, id)
		}
		delete(g.listTimes(kind), id)
	}
	g.ids.remove(id)
}

// forgetIsolatedLocked drops ids that no longer take part in any edge or list
func (g *Graph) forgetIsolatedLocked() {
	var isolated []uint32
	for id := range g.ids.byID {
		if id == g.root {
			continue
		}
		if len(g.following[id]) > 0 || len(g.followers[id]) > 0 ||
			len(g.muting[id]) > 0 || len(g.mutedBy[id]) > 0 {
			continue
		}
		if _, ok := g.followListAt[id]; ok {
			continue
		}
		if _, ok := g.muteListAt[id]; ok {
			continue
		}
		isolated = append(isolated, id)
	}
	for _, id := range isolated {
		g.ids.remove(id)
	}
}
