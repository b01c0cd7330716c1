package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"trustfeed/backend/internal/constants"
)

// Signals supplies the social signals used to re-rank text matches
type Signals interface {
	FollowDistance(pubkey string) (int, bool)
	FollowedByFriendsCount(pubkey string) int
}

// Weights tune the re-ranking score
type Weights struct {
	TextWeight      float64
	DistancePenalty float64
	FriendBoost     float64
	FriendCap       int
	PrefixBonus     float64
	// UnknownDistance stands in for actors with no known distance
	UnknownDistance int
}

// DefaultWeights favour close actors without letting distance drown a clearly better
// text match
var DefaultWeights = Weights{
	TextWeight:      1,
	DistancePenalty: 4,
	FriendBoost:     2,
	FriendCap:       10,
	PrefixBonus:     20,
	UnknownDistance: constants.DefaultMaxFollowDistance + 1,
}

// Result is a ranked search hit
type Result struct {
	Entry
	Distance int     `json:"distance"`
	Known    bool    `json:"known"`
	Friends  int     `json:"followedByFriends"`
	Score    float64 `json:"score"`
}

// Rank re-ranks matches with DefaultWeights
func Rank(matches []Match, query string, signals Signals, limit int) []Result {
	return DefaultWeights.Rank(matches, query, signals, limit)
}

// Rank combines text score, follow distance, friend count and prefix match:
//
//	score = text*TextWeight - distance*DistancePenalty + min(friends, FriendCap)*FriendBoost + PrefixBonus
//
// A single-character query keeps only prefix matches and orders them by distance.
func (w Weights) Rank(matches []Match, query string, signals Signals, limit int) []Result {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	single := utf8.RuneCountInString(query) == 1

	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		prefix := hasPrefix(m.Name, query) || hasPrefix(m.Handle, query)
		if single && !prefix {
			continue
		}

		r := Result{Entry: m.Entry}
		r.Distance, r.Known = signals.FollowDistance(m.Pubkey)
		if !r.Known {
			r.Distance = w.UnknownDistance
		}
		r.Friends = signals.FollowedByFriendsCount(m.Pubkey)

		r.Score = float64(m.Score)*w.TextWeight -
			float64(r.Distance)*w.DistancePenalty +
			float64(min(r.Friends, w.FriendCap))*w.FriendBoost
		if prefix {
			r.Score += w.PrefixBonus
		}
		out = append(out, r)
	}

	if single {
		sort.Slice(out, func(i, j int) bool {
			if out[i].Distance != out[j].Distance {
				return out[i].Distance < out[j].Distance
			}
			return out[i].Pubkey < out[j].Pubkey
		})
	} else {
		sort.Slice(out, func(i, j int) bool {
			if out[i].Score != out[j].Score {
				return out[i].Score > out[j].Score
			}
			return out[i].Pubkey < out[j].Pubkey
		})
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func hasPrefix(s, lowerPrefix string) bool {
	return s != "" && strings.HasPrefix(strings.ToLower(s), lowerPrefix)
}
