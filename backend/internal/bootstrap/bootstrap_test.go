package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/socialgraph"
)

func TestLoader_EmbeddedSnapshot(t *testing.T) {
	l := NewLoader("", nil)

	s, err := l.Snapshot()
	require.NoError(t, err)
	assert.NotEmpty(t, s.IDs)
	assert.NotEmpty(t, s.FollowLists)

	again, err := l.Snapshot()
	require.NoError(t, err)
	assert.Same(t, s, again, "parsed once")

	g := l.Graph(constants.DefaultRootPubkey)
	assert.Len(t, g.Following(constants.DefaultRootPubkey), 8)
	assert.Equal(t, 8, g.Size().SizeByDistance[1])
	assert.NotEmpty(t, g.Muting(constants.DefaultRootPubkey))
}

func TestLoader_Profiles(t *testing.T) {
	l := NewLoader("", nil)
	profiles, err := l.Profiles()
	require.NoError(t, err)
	require.NotEmpty(t, profiles)
	for _, p := range profiles {
		assert.True(t, socialgraph.ValidPubkey(p.Pubkey), p.Pubkey)
		assert.NotEmpty(t, p.Name)
	}
}

func TestLoader_Override(t *testing.T) {
	root := constants.DefaultRootPubkey
	other := "00000000000000000000000000000000000000000000000000000000000000aa"
	path := filepath.Join(t.TempDir(), "graph.json")
	data := `{"version":1,"ids":[["` + root + `",0],["` + other + `",1]],"followLists":[[0,[1],5]],"muteLists":[]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	g := NewLoader(path, nil).Graph(root)
	assert.Equal(t, []string{other}, g.Following(root))
	assert.Equal(t, 2, g.Size().Users)
}

func TestLoader_BadOverrideFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewLoader(path, nil).Snapshot()
	require.NoError(t, err)

	embedded, err := NewLoader("", nil).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, embedded, s)

	s, err = NewLoader(filepath.Join(t.TempDir(), "missing.json"), nil).Snapshot()
	require.NoError(t, err)
	assert.Equal(t, embedded, s)
}
