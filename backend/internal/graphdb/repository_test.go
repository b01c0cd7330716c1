package graphdb

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trustfeed/backend/internal/socialgraph"
)

func pk(n int) string {
	return fmt.Sprintf("%064x", n)
}

func TestListParams(t *testing.T) {
	pubkeys := map[uint32]string{0: pk(1), 1: pk(2), 2: pk(3)}
	lists := []socialgraph.ListEntry{
		{Owner: 0, Targets: []uint32{1, 2, 9}, CreatedAt: 10},
		{Owner: 7, Targets: []uint32{1}, CreatedAt: 11},
		{Owner: 1, Targets: nil, CreatedAt: 12},
	}

	params := listParams(lists, pubkeys)
	require.Len(t, params, 2, "undeclared owner skipped")
	assert.Equal(t, pk(1), params[0]["owner"])
	assert.Equal(t, []string{pk(2), pk(3)}, params[0]["targets"], "undeclared target skipped")
	assert.Equal(t, int64(10), params[0]["createdAt"])
	assert.Equal(t, []string{}, params[1]["targets"])
}

func TestRelProperty(t *testing.T) {
	assert.Equal(t, "follows", relProperty(relFollows))
	assert.Equal(t, "mutes", relProperty(relMutes))
}

// The tests below require a running Neo4j instance
// Set NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD environment variables
func TestRepository_SyncAndQuery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	driver, err := createTestDriver()
	if err != nil {
		t.Skipf("Neo4j unavailable: %v", err)
	}

	repo := NewRepository(driver, zap.NewNop())
	defer repo.Close()
	repo.batchSize = 2

	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.Clear(ctx))
	defer func() { _ = repo.Clear(ctx) }()

	g := socialgraph.New(pk(1), socialgraph.WithLogger(zap.NewNop()))
	g.ApplyFollowList(pk(1), []string{pk(2), pk(3)}, 10)
	g.ApplyFollowList(pk(2), []string{pk(4)}, 10)
	g.ApplyFollowList(pk(4), []string{pk(5)}, 10)
	g.ApplyMuteList(pk(1), []string{pk(6)}, 10)
	g.RecalculateFollowDistances()

	stats, err := repo.SyncSnapshot(ctx, g.Serialize(0))
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Actors: 6, FollowLists: 3, MuteLists: 1}, stats)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Actors: 6, Follows: 4, Mutes: 1}, counts)

	for _, target := range []string{pk(2), pk(4), pk(5)} {
		want, _ := g.FollowDistance(target)
		hops, ok, err := repo.ShortestFollowPath(ctx, pk(1), target)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, hops, target)
	}

	_, ok, err := repo.ShortestFollowPath(ctx, pk(1), pk(6))
	require.NoError(t, err)
	assert.False(t, ok, "mutes are not follow paths")

	// A newer list replaces the mirrored edges on resync
	g.ApplyFollowList(pk(1), []string{pk(3)}, 11)
	_, err = repo.SyncSnapshot(ctx, g.Serialize(0))
	require.NoError(t, err)

	counts, err = repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Follows)
}

func createTestDriver() (neo4j.DriverWithContext, error) {
	uri := getenv("NEO4J_URI", "bolt://localhost:7687")
	user := getenv("NEO4J_USER", "neo4j")
	password := getenv("NEO4J_PASSWORD", "password")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, err
	}

	// Verify connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}

	return driver, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
