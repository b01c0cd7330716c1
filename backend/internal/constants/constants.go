package constants

import "time"

// Graph constants
const (
	// DefaultRootPubkey is the well-known actor an empty graph is centered on
	// before the local viewer is known
	DefaultRootPubkey = "4523be58d395b1b196a9b8c82b038b6895cb02b683d0c253a955068dba1facd0"

	// DefaultMaxFollowDistance caps the distance BFS; actors further away are unknown
	DefaultMaxFollowDistance = 10

	// DefaultSnapshotMaxBytes bounds serialized graph snapshots
	DefaultSnapshotMaxBytes = 4 * 1024 * 1024

	// DefaultRecalcInterval is the minimum time between distance recomputations
	DefaultRecalcInterval = time.Second
)

// Visibility constants
const (
	// DefaultUnknownHorizon is the distance beyond which an author counts as unknown
	DefaultUnknownHorizon = 5

	// DefaultOvermuteThreshold weighs muters against followers in the social-hide check
	DefaultOvermuteThreshold = 1.0
)

// Feed constants
const (
	// DefaultFeedCacheSize is the number of feed working sets kept across remounts
	DefaultFeedCacheSize = 20

	// DefaultDisplayCount is the initial and incremental page size of a feed
	DefaultDisplayCount = 10

	// InitialLoadQuietPeriod is the debounce window that finalizes a feed's initial load
	InitialLoadQuietPeriod = 500 * time.Millisecond

	// InitialLoadMaxWait caps how long a busy stream can defer initial load completion
	InitialLoadMaxWait = 2 * time.Second

	// OwnEventWindow is how recent a viewer's own event must be to skip the new-events buffer
	OwnEventWindow = 10 * time.Second
)

// Persistence constants
const (
	// DefaultPersistInterval is the minimum time between graph snapshot writes
	DefaultPersistInterval = 30 * time.Second

	// ProfileSaveDebounce coalesces search index writes
	ProfileSaveDebounce = 5 * time.Second

	// ProfileSaveMaxWait forces a search index write during continuous updates
	ProfileSaveMaxWait = 60 * time.Second

	// SeenSaveDebounce coalesces seen-event writes
	SeenSaveDebounce = 2 * time.Second

	// DefaultSeenEventsLimit bounds the persisted seen-event list
	DefaultSeenEventsLimit = 10000
)

// Storage keys
const (
	KeySocialGraph  = "socialGraph"
	KeyProfileIndex = "profileIndex"
	KeySeenEvents   = "seenEvents"
)

// Event kinds
const (
	KindProfileMetadata = 0
	KindTextNote        = 1
	KindFollowList      = 3
	KindRepost          = 6
	KindReaction        = 7
	KindMuteList        = 10000
)

// DefaultRelayURLs are used when RELAY_URLS is not configured
var DefaultRelayURLs = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
}
