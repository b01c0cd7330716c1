package persist

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru/v2"

	"trustfeed/backend/internal/constants"
	apperrors "trustfeed/backend/pkg/errors"
)

// SeenEvents is the bounded set of event ids the viewer has marked as seen. When
// full, the least recently marked id is dropped.
type SeenEvents struct {
	ids *lru.Cache[string, struct{}]
}

// NewSeenEvents creates a set holding up to limit ids
func NewSeenEvents(limit int) (*SeenEvents, error) {
	if limit <= 0 {
		limit = constants.DefaultSeenEventsLimit
	}
	ids, err := lru.New[string, struct{}](limit)
	if err != nil {
		return nil, err
	}
	return &SeenEvents{ids: ids}, nil
}

// Mark records id as seen and reports whether it was new
func (s *SeenEvents) Mark(id string) bool {
	if id == "" {
		return false
	}
	if s.ids.Contains(id) {
		s.ids.Get(id)
		return false
	}
	s.ids.Add(id, struct{}{})
	return true
}

// Has reports whether id was marked
func (s *SeenEvents) Has(id string) bool {
	return s.ids.Contains(id)
}

// Len returns the number of ids held
func (s *SeenEvents) Len() int {
	return s.ids.Len()
}

// IDs returns the held ids from least to most recently marked
func (s *SeenEvents) IDs() []string {
	return s.ids.Keys()
}

// Marshal encodes the ids for storage, oldest first
func (s *SeenEvents) Marshal() ([]byte, error) {
	return json.Marshal(s.IDs())
}

// Load marks every id in data, preserving their order
func (s *SeenEvents) Load(data []byte, source string) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return apperrors.NewSnapshotParse(source, err)
	}
	for _, id := range ids {
		s.Mark(id)
	}
	return nil
}
