package search

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustfeed/backend/internal/constants"
	apperrors "trustfeed/backend/pkg/errors"
)

func pk(n int) string {
	return fmt.Sprintf("%064x", n)
}

type fakeSignals struct {
	distance map[string]int
	friends  map[string]int
}

func (f fakeSignals) FollowDistance(pubkey string) (int, bool) {
	d, ok := f.distance[pubkey]
	return d, ok
}

func (f fakeSignals) FollowedByFriendsCount(pubkey string) int {
	return f.friends[pubkey]
}

func TestIndex_AddReplacesOnlyWithNewer(t *testing.T) {
	x := NewIndex(nil)

	assert.True(t, x.Add(Entry{Pubkey: pk(1), Name: "alice", CreatedAt: 10}))
	assert.False(t, x.Add(Entry{Pubkey: pk(1), Name: "old alice", CreatedAt: 5}))
	assert.False(t, x.Add(Entry{Pubkey: pk(1), Name: "alice", CreatedAt: 10}), "identical entry")
	assert.True(t, x.Add(Entry{Pubkey: pk(1), Name: "alice2", CreatedAt: 11}))

	e, ok := x.Get(pk(1))
	require.True(t, ok)
	assert.Equal(t, "alice2", e.Name)
	assert.Equal(t, 1, x.Len())

	assert.False(t, x.Add(Entry{Pubkey: "bad", Name: "x"}))
	assert.False(t, x.Add(Entry{Pubkey: pk(2)}), "no name or handle")
}

func TestIndex_GetNormalizesPubkey(t *testing.T) {
	x := NewIndex(nil)
	upper := strings.ToUpper(fmt.Sprintf("%064x", 0xabc))
	require.True(t, x.Add(Entry{Pubkey: " " + upper, Name: "carol", CreatedAt: 1}))

	for _, key := range []string{upper, " " + upper + "\n", strings.ToLower(upper)} {
		e, ok := x.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, "carol", e.Name)
	}

	_, ok := x.Get("")
	assert.False(t, ok)
	_, ok = x.Get("nothex")
	assert.False(t, ok)
}

func TestIndex_SearchAndRemove(t *testing.T) {
	x := NewIndex(nil)
	x.Add(Entry{Pubkey: pk(1), Name: "Alice", Handle: "alice@example.com"})
	x.Add(Entry{Pubkey: pk(2), Name: "Bob"})
	x.Add(Entry{Pubkey: pk(3), Name: "Malice"})

	matches := x.Search("alice", 0)
	require.Len(t, matches, 2)
	got := []string{matches[0].Pubkey, matches[1].Pubkey}
	assert.ElementsMatch(t, []string{pk(1), pk(3)}, got)

	assert.Len(t, x.Search("alice", 1), 1)
	assert.Empty(t, x.Search("   ", 10))
	assert.Empty(t, x.Search("zzz", 10))

	removed := x.Remove(func(e Entry) bool { return e.Name == "Alice" })
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, x.Len())
	_, ok := x.Get(pk(1))
	assert.False(t, ok)
	e, ok := x.Get(pk(3))
	require.True(t, ok)
	assert.Equal(t, "Malice", e.Name)
}

func TestIndex_MarshalAndParse(t *testing.T) {
	x := NewIndex(nil)
	x.Add(Entry{Pubkey: pk(2), Name: "bob", CreatedAt: 3})
	x.Add(Entry{Pubkey: pk(1), Name: "alice", Handle: "al", CreatedAt: 4})

	data, err := x.Marshal()
	require.NoError(t, err)

	entries, err := ParseEntries(data, "test")
	require.NoError(t, err)
	assert.Equal(t, x.Entries(), entries)

	y := NewIndex(nil)
	assert.Equal(t, 2, y.Load(entries))
	assert.Equal(t, x.Entries(), y.Entries())

	_, err = ParseEntries([]byte(`{"not":"a list"}`), "bad")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeParse))
	_, err = ParseEntries([]byte(`[{"pubkey":"xyz","name":"a"}]`), "bad")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeParse))
}

func TestParseProfile(t *testing.T) {
	ev := &nostr.Event{
		ID:        "e1",
		Kind:      constants.KindProfileMetadata,
		PubKey:    pk(7),
		CreatedAt: 42,
		Content:   `{"name":"satoshi","display_name":"Satoshi N","nip05":"sn@example.com"}`,
	}
	e, err := ParseProfile(ev)
	require.NoError(t, err)
	assert.Equal(t, Entry{Pubkey: pk(7), Name: "Satoshi N", Handle: "sn@example.com", CreatedAt: 42}, e)

	ev.Content = `{"name":"solo"}`
	e, err = ParseProfile(ev)
	require.NoError(t, err)
	assert.Equal(t, "solo", e.Name)
	assert.Empty(t, e.Handle)

	for name, bad := range map[string]*nostr.Event{
		"wrong kind": {Kind: constants.KindTextNote, PubKey: pk(7), Content: `{"name":"x"}`},
		"bad json":   {Kind: constants.KindProfileMetadata, PubKey: pk(7), Content: `{`},
		"empty":      {Kind: constants.KindProfileMetadata, PubKey: pk(7), Content: `{}`},
		"bad author": {Kind: constants.KindProfileMetadata, PubKey: "nope", Content: `{"name":"x"}`},
		"nil event":  nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProfile(bad)
			assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeSubscription))
		})
	}
}

func TestRank_SocialSignals(t *testing.T) {
	matches := []Match{
		{Entry: Entry{Pubkey: pk(1), Name: "jack far"}, Score: 30},
		{Entry: Entry{Pubkey: pk(2), Name: "jack close"}, Score: 30},
		{Entry: Entry{Pubkey: pk(3), Name: "unknown jack"}, Score: 30},
	}
	signals := fakeSignals{
		distance: map[string]int{pk(1): 3, pk(2): 1},
		friends:  map[string]int{pk(2): 50},
	}

	results := Rank(matches, "jack", signals, 0)
	require.Len(t, results, 3)
	assert.Equal(t, pk(2), results[0].Pubkey)
	assert.Equal(t, pk(1), results[1].Pubkey)
	assert.Equal(t, pk(3), results[2].Pubkey)

	assert.False(t, results[2].Known)
	assert.Equal(t, DefaultWeights.UnknownDistance, results[2].Distance)

	// friend boost is capped
	w := DefaultWeights
	want := 30*w.TextWeight - 1*w.DistancePenalty + float64(w.FriendCap)*w.FriendBoost + w.PrefixBonus
	assert.InDelta(t, want, results[0].Score, 1e-9)

	assert.Len(t, Rank(matches, "jack", signals, 2), 2)
	assert.Empty(t, Rank(matches, " ", signals, 0))
}

func TestRank_SingleCharacterUsesPrefixAndDistance(t *testing.T) {
	matches := []Match{
		{Entry: Entry{Pubkey: pk(1), Name: "zed", Handle: "zz"}, Score: 100},
		{Entry: Entry{Pubkey: pk(2), Name: "Zoe"}, Score: 1},
		{Entry: Entry{Pubkey: pk(3), Name: "Liz"}, Score: 50},
		{Entry: Entry{Pubkey: pk(4), Name: "other", Handle: "zara"}, Score: 2},
	}
	signals := fakeSignals{distance: map[string]int{pk(1): 4, pk(2): 1}}

	results := Rank(matches, "Z", signals, 0)
	require.Len(t, results, 3, "non-prefix matches are excluded")
	assert.Equal(t, []string{pk(2), pk(1), pk(4)},
		[]string{results[0].Pubkey, results[1].Pubkey, results[2].Pubkey})
}
