// Package search is a fuzzy profile index over actor names and handles.
package search

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"trustfeed/backend/internal/socialgraph"
	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

// Entry is one searchable profile
type Entry struct {
	Pubkey    string `json:"pubkey" validate:"len=64,hexadecimal,lowercase"`
	Name      string `json:"name"`
	Handle    string `json:"handle,omitempty"`
	CreatedAt int64  `json:"createdAt" validate:"gte=0"`
}

// Match is an index hit with its raw fuzzy score
type Match struct {
	Entry
	Score int
}

const (
	fieldName = iota
	fieldHandle
)

type field struct {
	entry int
	kind  int
}

// Index holds profile entries keyed by pubkey
type Index struct {
	mu       sync.RWMutex
	log      *zap.Logger
	entries  []Entry
	byPubkey map[string]int
}

// NewIndex creates an empty index
func NewIndex(log *zap.Logger) *Index {
	return &Index{
		log:      logger.OrNamed(log, "search"),
		byPubkey: make(map[string]int),
	}
}

// Add inserts e, replacing the existing entry for the same pubkey unless that entry is
// newer. It reports whether the index changed.
func (x *Index) Add(e Entry) bool {
	e.Pubkey = socialgraph.NormalizePubkey(e.Pubkey)
	if e.Pubkey == "" || (e.Name == "" && e.Handle == "") {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if i, ok := x.byPubkey[e.Pubkey]; ok {
		if e.CreatedAt < x.entries[i].CreatedAt || x.entries[i] == e {
			return false
		}
		x.entries[i] = e
		return true
	}
	x.byPubkey[e.Pubkey] = len(x.entries)
	x.entries = append(x.entries, e)
	return true
}

// Remove deletes every entry matching pred and returns how many were removed
func (x *Index) Remove(pred func(Entry) bool) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	kept := x.entries[:0]
	removed := 0
	for _, e := range x.entries {
		if pred(e) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	// Clear the tail so removed entries can be collected
	for i := len(kept); i < len(x.entries); i++ {
		x.entries[i] = Entry{}
	}
	x.entries = kept
	x.reindexLocked()
	return removed
}

// Get returns the entry for pubkey
func (x *Index) Get(pubkey string) (Entry, bool) {
	pubkey = socialgraph.NormalizePubkey(pubkey)
	x.mu.RLock()
	defer x.mu.RUnlock()
	i, ok := x.byPubkey[pubkey]
	if !ok {
		return Entry{}, false
	}
	return x.entries[i], true
}

// Len returns the number of entries
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Search fuzzy-matches query against names and handles. Each pubkey appears once
// with its best score; results are ordered by score, ties by pubkey. limit <= 0
// returns every match.
func (x *Index) Search(query string, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	src := x.fieldsLocked()
	best := make(map[int]int)
	for _, m := range fuzzy.FindFrom(query, src) {
		f := src.fields[m.Index]
		if score, ok := best[f.entry]; !ok || m.Score > score {
			best[f.entry] = m.Score
		}
	}

	out := make([]Match, 0, len(best))
	for i, score := range best {
		out = append(out, Match{Entry: x.entries[i], Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Pubkey < out[j].Pubkey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ============================================================================
// Persistence
// ============================================================================

// Entries returns a copy of all entries sorted by pubkey
func (x *Index) Entries() []Entry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Entry, len(x.entries))
	copy(out, x.entries)
	sort.Slice(out, func(i, j int) bool { return out[i].Pubkey < out[j].Pubkey })
	return out
}

// Marshal encodes the index for storage
func (x *Index) Marshal() ([]byte, error) {
	return json.Marshal(x.Entries())
}

// Load adds entries to the index, keeping newer entries already present
func (x *Index) Load(entries []Entry) int {
	added := 0
	for _, e := range entries {
		if x.Add(e) {
			added++
		}
	}
	x.log.Debug("Loaded profile entries", zap.Int("added", added), zap.Int("offered", len(entries)))
	return added
}

var validate = validator.New()

// ParseEntries decodes and validates stored index entries
func ParseEntries(data []byte, source string) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, apperrors.NewSnapshotParse(source, err)
	}
	if err := validate.Var(entries, "dive"); err != nil {
		return nil, apperrors.NewSnapshotParse(source, err)
	}
	return entries, nil
}

func (x *Index) reindexLocked() {
	x.byPubkey = make(map[string]int, len(x.entries))
	for i, e := range x.entries {
		x.byPubkey[e.Pubkey] = i
	}
}

// fieldSource exposes names and handles to the fuzzy matcher
type fieldSource struct {
	entries []Entry
	fields  []field
}

func (s fieldSource) String(i int) string {
	f := s.fields[i]
	if f.kind == fieldHandle {
		return s.entries[f.entry].Handle
	}
	return s.entries[f.entry].Name
}

func (s fieldSource) Len() int {
	return len(s.fields)
}

func (x *Index) fieldsLocked() fieldSource {
	fields := make([]field, 0, len(x.entries)*2)
	for i, e := range x.entries {
		if e.Name != "" {
			fields = append(fields, field{entry: i, kind: fieldName})
		}
		if e.Handle != "" {
			fields = append(fields, field{entry: i, kind: fieldHandle})
		}
	}
	return fieldSource{entries: x.entries, fields: fields}
}
