// Package graphdb mirrors the trust graph's edges into Neo4j for ad hoc analysis and
// for cross-checking follow distances.
package graphdb

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/socialgraph"
	apperrors "trustfeed/backend/pkg/errors"
	"trustfeed/backend/pkg/logger"
)

const defaultBatchSize = 500

// Repository handles all Neo4j database operations
type Repository struct {
	driver    neo4j.DriverWithContext
	logger    *zap.Logger
	batchSize int
}

// NewRepository creates a new mirror repository
func NewRepository(driver neo4j.DriverWithContext, log *zap.Logger) *Repository {
	return &Repository{
		driver:    driver,
		logger:    logger.OrNamed(log, "graphdb"),
		batchSize: defaultBatchSize,
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close() error {
	return r.driver.Close(context.Background())
}

// SyncStats summarizes a snapshot sync
type SyncStats struct {
	Actors      int `json:"actors"`
	FollowLists int `json:"followLists"`
	MuteLists   int `json:"muteLists"`
}

// Counts is the size of the mirrored graph
type Counts struct {
	Actors  int `json:"actors"`
	Follows int `json:"follows"`
	Mutes   int `json:"mutes"`
}

// ============================================================================
// Schema
// ============================================================================

// EnsureSchema creates the actor uniqueness constraint
func (r *Repository) EnsureSchema(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `CREATE CONSTRAINT actor_pubkey IF NOT EXISTS FOR (a:Actor) REQUIRE a.pubkey IS UNIQUE`
	if _, err := session.Run(ctx, query, nil); err != nil {
		return apperrors.NewMirrorQueryFailed("ensure schema", err)
	}
	return nil
}

// ============================================================================
// Sync
// ============================================================================

// SyncSnapshot writes the snapshot's actors and lists. Each listed actor's mirrored
// edges of that kind are replaced by the snapshot's, so repeated syncs converge.
func (r *Repository) SyncSnapshot(ctx context.Context, s *socialgraph.Snapshot) (SyncStats, error) {
	var stats SyncStats
	if s == nil {
		return stats, nil
	}

	pubkeys := make(map[uint32]string, len(s.IDs))
	all := make([]string, 0, len(s.IDs))
	for _, entry := range s.IDs {
		pubkeys[entry.ID] = entry.Pubkey
		all = append(all, entry.Pubkey)
	}

	for start := 0; start < len(all); start += r.batchSize {
		batch := all[start:min(start+r.batchSize, len(all))]
		if err := r.mergeActors(ctx, batch); err != nil {
			return stats, err
		}
	}
	stats.Actors = len(all)

	for _, kind := range []struct {
		rel   string
		lists []socialgraph.ListEntry
		count *int
	}{
		{relFollows, s.FollowLists, &stats.FollowLists},
		{relMutes, s.MuteLists, &stats.MuteLists},
	} {
		params := listParams(kind.lists, pubkeys)
		for start := 0; start < len(params); start += r.batchSize {
			batch := params[start:min(start+r.batchSize, len(params))]
			if err := r.replaceLists(ctx, kind.rel, batch); err != nil {
				return stats, err
			}
		}
		*kind.count = len(params)
	}

	r.logger.Info("Mirror synced",
		zap.Int("actors", stats.Actors),
		zap.Int("follow_lists", stats.FollowLists),
		zap.Int("mute_lists", stats.MuteLists))
	return stats, nil
}

func (r *Repository) mergeActors(ctx context.Context, pubkeys []string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	query := `
		UNWIND $pubkeys AS pk
		MERGE (:Actor {pubkey: pk})
	`
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, map[string]interface{}{"pubkeys": pubkeys})
		return nil, err
	})
	if err != nil {
		return apperrors.NewMirrorQueryFailed("merge actors", err)
	}
	return nil
}

func (r *Repository) replaceLists(ctx context.Context, rel string, lists []map[string]interface{}) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	clearQuery := fmt.Sprintf(`
		UNWIND $lists AS list
		MATCH (o:Actor {pubkey: list.owner})
		OPTIONAL MATCH (o)-[old:%s]->()
		DELETE old
	`, rel)
	linkQuery := fmt.Sprintf(`
		UNWIND $lists AS list
		MATCH (o:Actor {pubkey: list.owner})
		SET o.%s_at = list.createdAt
		WITH o, list
		UNWIND list.targets AS target
		MATCH (t:Actor {pubkey: target})
		MERGE (o)-[:%s]->(t)
	`, relProperty(rel), rel)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		params := map[string]interface{}{"lists": lists}
		if _, err := tx.Run(ctx, clearQuery, params); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx, linkQuery, params)
		return nil, err
	})
	if err != nil {
		return apperrors.NewMirrorQueryFailed("replace "+rel+" lists", err)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// ShortestFollowPath returns the hop count of the shortest follow path from one actor
// to another, up to the default follow horizon. ok is false when there is none.
func (r *Repository) ShortestFollowPath(ctx context.Context, from, to string) (int, bool, error) {
	if from == to {
		return 0, true, nil
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:Actor {pubkey: $from}), (b:Actor {pubkey: $to})
		MATCH p = shortestPath((a)-[:%s*..%d]->(b))
		RETURN length(p) AS hops
	`, relFollows, constants.DefaultMaxFollowDistance)

	result, err := session.Run(ctx, query, map[string]interface{}{
		"from": from,
		"to":   to,
	})
	if err != nil {
		return 0, false, apperrors.NewMirrorQueryFailed("shortest follow path", err)
	}
	if !result.Next(ctx) {
		if err := result.Err(); err != nil {
			return 0, false, apperrors.NewMirrorQueryFailed("shortest follow path", err)
		}
		return 0, false, nil
	}
	return getIntFromRecord(result.Record(), "hops"), true, nil
}

// Counts returns the mirrored actor and edge counts
func (r *Repository) Counts(ctx context.Context) (Counts, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
		MATCH (a:Actor)
		WITH count(a) AS actors
		OPTIONAL MATCH ()-[f:%s]->()
		WITH actors, count(f) AS follows
		OPTIONAL MATCH ()-[m:%s]->()
		RETURN actors, follows, count(m) AS mutes
	`, relFollows, relMutes)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return Counts{}, apperrors.NewMirrorQueryFailed("counts", err)
	}
	if !result.Next(ctx) {
		return Counts{}, result.Err()
	}
	record := result.Record()
	return Counts{
		Actors:  getIntFromRecord(record, "actors"),
		Follows: getIntFromRecord(record, "follows"),
		Mutes:   getIntFromRecord(record, "mutes"),
	}, nil
}

// Clear removes every mirrored actor and edge
func (r *Repository) Clear(ctx context.Context) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	if _, err := session.Run(ctx, `MATCH (a:Actor) DETACH DELETE a`, nil); err != nil {
		return apperrors.NewMirrorQueryFailed("clear", err)
	}
	return nil
}
