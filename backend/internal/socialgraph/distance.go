package socialgraph

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// SizeInfo summarizes the graph
type SizeInfo struct {
	Users          int         `json:"users"`
	Follows        int         `json:"follows"`
	Mutes          int         `json:"mutes"`
	SizeByDistance map[int]int `json:"sizeByDistance"`
}

// RecalculateFollowDistances rebuilds the distance cache with a breadth-first search
// from root over follow edges, stopping at the distance horizon. It is safe to call
// repeatedly. Apart from RemoveMutedNotFollowedUsers refreshing a stale cache,
// nothing else writes distances.
func (g *Graph) RecalculateFollowDistances() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recalculateLocked()
}

// Dirty reports whether edges changed since the last recomputation
func (g *Graph) Dirty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dirty
}

func (g *Graph) recalculateLocked() {
	start := time.Now()

	g.resetDistancesLocked()
	frontier := []uint32{g.root}
	for d := 1; d <= g.maxDistance && len(frontier) > 0; d++ {
		var next []uint32
		for _, u := range frontier {
			for v := range g.following[u] {
				if _, seen := g.distance[v]; seen {
					continue
				}
				g.distance[v] = d
				if g.byDistance[d] == nil {
					g.byDistance[d] = make(idSet)
				}
				g.byDistance[d][v] = struct{}{}
				next = append(next, v)
			}
		}
		frontier = next
	}
	g.dirty = false

	elapsed := time.Since(start)
	recalcDuration.Observe(elapsed.Seconds())
	reachableUsers.Set(float64(len(g.distance)))
	g.log.Debug("Follow distances recalculated",
		zap.Int("reachable", len(g.distance)),
		zap.Int("users", g.ids.len()),
		zap.Duration("took", elapsed),
	)
}

// FollowDistance returns the follow distance of pubkey from root as of the last
// recomputation. The boolean is false when the distance is unknown: the actor is
// unreachable, beyond the horizon, or not yet reached by a recomputation.
func (g *Graph) FollowDistance(pubkey string) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id, ok := g.ids.lookup(NormalizePubkey(pubkey))
	if !ok {
		return 0, false
	}
	if id == g.root {
		return 0, true
	}
	d, ok := g.distance[id]
	return d, ok
}

// UsersByDistance returns the actors at exactly distance d
func (g *Graph) UsersByDistance(d int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pubkeysLocked(g.byDistance[d])
}

// MaxDistance returns the distance horizon
func (g *Graph) MaxDistance() int {
	return g.maxDistance
}

// Size returns user, edge and per-distance counts
func (g *Graph) Size() SizeInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()

	info := SizeInfo{
		Users:          g.ids.len(),
		SizeByDistance: make(map[int]int, len(g.byDistance)),
	}
	for _, set := range g.following {
		info.Follows += len(set)
	}
	for _, set := range g.muting {
		info.Mutes += len(set)
	}
	for d, set := range g.byDistance {
		info.SizeByDistance[d] = len(set)
	}
	return info
}

// sortByDistanceLocked orders ids for serialization: root, then by ascending distance, then
// unreachable; ties by pubkey
func (g *Graph) sortByDistanceLocked(ids []uint32) {
	sort.Slice(ids, func(i, j int) bool {
		di, iok := g.distance[ids[i]]
		dj, jok := g.distance[ids[j]]
		if iok != jok {
			return iok
		}
		if iok && di != dj {
			return di < dj
		}
		return g.ids.pubkey(ids[i]) < g.ids.pubkey(ids[j])
	})
}
