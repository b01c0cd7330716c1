package socialgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	apperrors "trustfeed/backend/pkg/errors"
)

// SnapshotVersion is the current snapshot format
const SnapshotVersion = 1

// Snapshot is the serialized, size-bounded form of a graph's edges. Ids are local to
// the snapshot and assigned densely in emission order.
type Snapshot struct {
	Version     int         `json:"version" validate:"gte=0,lte=1"`
	IDs         []IDEntry   `json:"ids" validate:"required,dive"`
	FollowLists []ListEntry `json:"followLists" validate:"dive"`
	MuteLists   []ListEntry `json:"muteLists" validate:"dive"`
}

// IDEntry maps a snapshot-local id to a pubkey. Encoded as [pubkey, id].
type IDEntry struct {
	Pubkey string `validate:"len=64,hexadecimal,lowercase"`
	ID     uint32
}

// ListEntry is one actor's follow or mute list. Encoded as [owner, [targets...], createdAt].
type ListEntry struct {
	Owner     uint32
	Targets   []uint32
	CreatedAt int64 `validate:"gte=0"`
}

func (e IDEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Pubkey, e.ID})
}

func (e *IDEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("id entry needs 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Pubkey); err != nil {
		return fmt.Errorf("id entry pubkey: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.ID); err != nil {
		return fmt.Errorf("id entry id: %w", err)
	}
	return nil
}

func (e ListEntry) MarshalJSON() ([]byte, error) {
	targets := e.Targets
	if targets == nil {
		targets = []uint32{}
	}
	return json.Marshal([]any{e.Owner, targets, e.CreatedAt})
}

func (e *ListEntry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("list entry needs 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Owner); err != nil {
		return fmt.Errorf("list entry owner: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Targets); err != nil {
		return fmt.Errorf("list entry targets: %w", err)
	}
	if err := json.Unmarshal(raw[2], &e.CreatedAt); err != nil {
		return fmt.Errorf("list entry created_at: %w", err)
	}
	return nil
}

var validate = validator.New()

// ParseSnapshot decodes and validates a snapshot. Every list must reference ids
// declared in the id table.
func ParseSnapshot(data []byte, source string) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, apperrors.NewSnapshotParse(source, err)
	}
	if err := s.Validate(); err != nil {
		return nil, apperrors.NewSnapshotParse(source, err)
	}
	return &s, nil
}

// Validate checks field formats and id references
func (s *Snapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	declared := make(map[uint32]struct{}, len(s.IDs))
	for _, entry := range s.IDs {
		if _, dup := declared[entry.ID]; dup {
			return fmt.Errorf("duplicate id %d", entry.ID)
		}
		declared[entry.ID] = struct{}{}
	}
	for _, lists := range [][]ListEntry{s.FollowLists, s.MuteLists} {
		for _, list := range lists {
			if _, ok := declared[list.Owner]; !ok {
				return fmt.Errorf("list owner %d not declared", list.Owner)
			}
			for _, target := range list.Targets {
				if _, ok := declared[target]; !ok {
					return fmt.Errorf("list target %d not declared", target)
				}
			}
		}
	}
	return nil
}

// ============================================================================
// Serialization
// ============================================================================

// Serialize exports the graph's lists, most relevant owners first, keeping the JSON
// encoding within maxBytes. maxBytes <= 0 means unbounded.
func (g *Graph) Serialize(maxBytes int) *Snapshot {
	s, _ := g.serialize(maxBytes)
	return s
}

// MarshalSnapshot is Serialize followed by JSON encoding
func (g *Graph) MarshalSnapshot(maxBytes int) ([]byte, error) {
	_, data := g.serialize(maxBytes)
	if data == nil {
		return nil, fmt.Errorf("snapshot exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func (g *Graph) serialize(maxBytes int) (*Snapshot, []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	owners := make([]uint32, 0, len(g.followListAt)+len(g.muteListAt))
	seen := make(map[uint32]struct{})
	for _, lists := range []map[uint32]nostr.Timestamp{g.followListAt, g.muteListAt} {
		for id := range lists {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				owners = append(owners, id)
			}
		}
	}
	g.sortByDistanceLocked(owners)

	count := len(owners)
	if maxBytes > 0 {
		count = g.estimateOwnersLocked(owners, maxBytes)
	}
	for {
		s := g.buildSnapshotLocked(owners[:count])
		data, err := json.Marshal(s)
		if err != nil {
			g.log.Error("Failed to encode snapshot", zap.Error(err))
			return s, nil
		}
		if maxBytes <= 0 || len(data) <= maxBytes {
			return s, data
		}
		if count == 0 {
			return s, nil
		}
		// Estimate was short; shrink by a tenth (at least one owner) and retry
		count -= max(1, count/10)
	}
}

// estimateOwnersLocked returns how many owners fit in maxBytes, estimating the
// encoded size of each owner's lists and newly referenced ids
func (g *Graph) estimateOwnersLocked(owners []uint32, maxBytes int) int {
	const envelope = len(`{"version":1,"ids":[],"followLists":[],"muteLists":[]}`)
	total := envelope
	assigned := make(map[uint32]struct{})
	idCost := func(id uint32) int {
		if _, ok := assigned[id]; ok {
			return 0
		}
		assigned[id] = struct{}{}
		return 64 + 6 + digits(int64(len(assigned)))
	}

	for i, owner := range owners {
		cost := idCost(owner)
		for _, kind := range []edgeKind{follow, mute} {
			at, ok := g.listTimes(kind)[owner]
			if !ok {
				continue
			}
			out, _ := g.edges(kind)
			cost += 6 + digits(int64(owner)) + digits(int64(at))
			for target := range out[owner] {
				cost += 1 + digits(int64(len(assigned))) + idCost(target)
			}
		}
		if total+cost > maxBytes {
			return i
		}
		total += cost
	}
	return len(owners)
}

func (g *Graph) buildSnapshotLocked(owners []uint32) *Snapshot {
	s := &Snapshot{
		Version:     SnapshotVersion,
		IDs:         []IDEntry{},
		FollowLists: []ListEntry{},
		MuteLists:   []ListEntry{},
	}
	local := make(map[uint32]uint32)
	localID := func(id uint32) uint32 {
		if n, ok := local[id]; ok {
			return n
		}
		n := uint32(len(local))
		local[id] = n
		s.IDs = append(s.IDs, IDEntry{Pubkey: g.ids.pubkey(id), ID: n})
		return n
	}

	for _, owner := range owners {
		ownerID := localID(owner)
		for _, kind := range []edgeKind{follow, mute} {
			at, ok := g.listTimes(kind)[owner]
			if !ok {
				continue
			}
			out, _ := g.edges(kind)
			targets := make([]uint32, 0, len(out[owner]))
			for target := range out[owner] {
				targets = append(targets, target)
			}
			sort.Slice(targets, func(i, j int) bool {
				return g.ids.pubkey(targets[i]) < g.ids.pubkey(targets[j])
			})
			entry := ListEntry{Owner: ownerID, Targets: make([]uint32, len(targets)), CreatedAt: int64(at)}
			for i, target := range targets {
				entry.Targets[i] = localID(target)
			}
			if kind == follow {
				s.FollowLists = append(s.FollowLists, entry)
			} else {
				s.MuteLists = append(s.MuteLists, entry)
			}
		}
	}
	return s
}

func digits(n int64) int {
	return len(strconv.FormatInt(n, 10))
}

// ============================================================================
// Loading and merging
// ============================================================================

// FromSnapshot builds a graph centered on root from a snapshot and computes distances
func FromSnapshot(root string, s *Snapshot, opts ...Option) *Graph {
	g := New(root, opts...)
	g.MergeSnapshot(s)
	g.RecalculateFollowDistances()
	return g
}

// MergeSnapshot unions the snapshot's edges into the graph. Per-actor list times
// merge by maximum, so merging is commutative and idempotent.
func (g *Graph) MergeSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	pubkeys := make(map[uint32]string, len(s.IDs))
	for _, entry := range s.IDs {
		if pk := NormalizePubkey(entry.Pubkey); pk != "" {
			pubkeys[entry.ID] = pk
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	merge := func(kind edgeKind, lists []ListEntry) {
		out, in := g.edges(kind)
		listAt := g.listTimes(kind)
		for _, list := range lists {
			ownerPK, ok := pubkeys[list.Owner]
			if !ok {
				continue
			}
			owner := g.ids.id(ownerPK)
			for _, t := range list.Targets {
				targetPK, ok := pubkeys[t]
				if !ok || targetPK == ownerPK {
					continue
				}
				g.addEdgeLocked(out, in, owner, g.ids.id(targetPK))
			}
			at := nostr.Timestamp(list.CreatedAt)
			if prev, ok := listAt[owner]; !ok || at > prev {
				listAt[owner] = at
			}
		}
	}
	merge(follow, s.FollowLists)
	merge(mute, s.MuteLists)
	g.dirty = true
}

// Merge unions other's edges into g
func (g *Graph) Merge(other *Graph) {
	if other == nil {
		return
	}
	g.MergeSnapshot(other.Serialize(0))
}
