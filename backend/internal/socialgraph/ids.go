package socialgraph

import "strings"

// idTable maps actor pubkeys to dense internal ids. Adjacency sets hold ids instead
// of 64-byte strings, which keeps graphs with millions of edges compact.
type idTable struct {
	byPubkey map[string]uint32
	byID     map[uint32]string
	next     uint32
}

func newIDTable() *idTable {
	return &idTable{
		byPubkey: make(map[string]uint32),
		byID:     make(map[uint32]string),
	}
}

// id returns the id for pubkey, assigning a new one if needed
func (t *idTable) id(pubkey string) uint32 {
	if id, ok := t.byPubkey[pubkey]; ok {
		return id
	}
	id := t.next
	t.next++
	t.byPubkey[pubkey] = id
	t.byID[id] = pubkey
	return id
}

func (t *idTable) lookup(pubkey string) (uint32, bool) {
	id, ok := t.byPubkey[pubkey]
	return id, ok
}

func (t *idTable) pubkey(id uint32) string {
	return t.byID[id]
}

// remove forgets an id. Ids are never reused.
func (t *idTable) remove(id uint32) {
	if pk, ok := t.byID[id]; ok {
		delete(t.byPubkey, pk)
		delete(t.byID, id)
	}
}

func (t *idTable) len() int {
	return len(t.byID)
}

// idSet is a set of internal ids
type idSet map[uint32]struct{}

func (s idSet) has(id uint32) bool {
	_, ok := s[id]
	return ok
}

// ValidPubkey reports whether s is a 64 character lowercase hex public key
func ValidPubkey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// NormalizePubkey lowercases and trims a pubkey, returning "" when it is invalid
func NormalizePubkey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !ValidPubkey(s) {
		return ""
	}
	return s
}
