// Package visibility decides which content the viewer sees, based on follow
// distances and the follow/mute opinions of the viewer's network.
package visibility

import (
	"github.com/nbd-wtf/go-nostr"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/socialgraph"
)

// GraphReader is the part of the trust graph the policy reads
type GraphReader interface {
	Root() string
	FollowDistance(pubkey string) (int, bool)
	Stats(pubkey string) map[int]socialgraph.Opinions
	IsMuting(muter, muted string) bool
}

// Policy evaluates visibility against a graph and live settings. It holds no state of
// its own, so every answer reflects the graph and settings at call time.
type Policy struct {
	graph     GraphReader
	settings  SettingsProvider
	threshold float64
}

// New creates a policy
func New(graph GraphReader, settings SettingsProvider) *Policy {
	return &Policy{
		graph:     graph,
		settings:  settings,
		threshold: constants.DefaultOvermuteThreshold,
	}
}

// ShouldHideEvent reports whether ev's author is too far from root to be shown, when
// hiding unknown users is enabled
func (p *Policy) ShouldHideEvent(ev *nostr.Event) bool {
	if ev == nil {
		return true
	}
	return p.hideUnknown(p.settings.Settings(), ev.PubKey)
}

// ShouldSocialHide looks at the nearest distance where anyone has an opinion about
// pubkey and hides when muters*threshold >= followers there. With no opinions at any
// distance the actor is hidden.
func (p *Policy) ShouldSocialHide(pubkey string, threshold float64) bool {
	stats := p.graph.Stats(pubkey)
	for _, d := range socialgraph.SortedDistances(stats) {
		o := stats[d]
		if o.Total() == 0 {
			continue
		}
		return float64(o.Muters)*threshold >= float64(o.Followers)
	}
	return true
}

// IsKnown reports whether pubkey is within the unknown-user horizon
func (p *Policy) IsKnown(pubkey string) bool {
	d, ok := p.graph.FollowDistance(pubkey)
	return ok && d <= p.settings.Settings().UnknownHorizon
}

// IsMutedByRoot reports whether the viewer mutes pubkey
func (p *Policy) IsMutedByRoot(pubkey string) bool {
	return p.graph.IsMuting(p.graph.Root(), pubkey)
}

// ShouldHideAuthor applies every author-level rule with the current settings
func (p *Policy) ShouldHideAuthor(pubkey string) bool {
	s := p.settings.Settings()
	if p.IsMutedByRoot(pubkey) {
		return true
	}
	if p.hideUnknown(s, pubkey) {
		return true
	}
	if s.HidePostsByMutedMoreThanFollowed && !p.exempt(pubkey) {
		return p.ShouldSocialHide(pubkey, p.threshold)
	}
	return false
}

// DisplayFilter reports whether ev should be displayed. Feeds call it on every read.
func (p *Policy) DisplayFilter(ev *nostr.Event) bool {
	if ev == nil {
		return false
	}
	return !p.ShouldHideAuthor(ev.PubKey)
}

func (p *Policy) hideUnknown(s Settings, pubkey string) bool {
	if !s.HideEventsByUnknownUsers {
		return false
	}
	d, ok := p.graph.FollowDistance(pubkey)
	return !ok || d > s.UnknownHorizon
}

// exempt covers root and its direct follows, who are never social-hidden
func (p *Policy) exempt(pubkey string) bool {
	d, ok := p.graph.FollowDistance(pubkey)
	return ok && d <= 1
}
