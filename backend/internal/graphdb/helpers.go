package graphdb

import (
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"trustfeed/backend/internal/socialgraph"
)

// ============================================================================
// Helper Functions
// ============================================================================

const (
	relFollows = "FOLLOWS"
	relMutes   = "MUTES"
)

// relProperty names the owner property holding a list's creation time
func relProperty(rel string) string {
	return strings.ToLower(rel)
}

// listParams converts snapshot lists to query parameters, resolving snapshot-local ids
// to pubkeys. Lists whose owner is not declared are skipped, as are undeclared targets.
func listParams(lists []socialgraph.ListEntry, pubkeys map[uint32]string) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(lists))
	for _, list := range lists {
		owner, ok := pubkeys[list.Owner]
		if !ok {
			continue
		}
		targets := make([]string, 0, len(list.Targets))
		for _, t := range list.Targets {
			if pk, ok := pubkeys[t]; ok {
				targets = append(targets, pk)
			}
		}
		out = append(out, map[string]interface{}{
			"owner":     owner,
			"targets":   targets,
			"createdAt": list.CreatedAt,
		})
	}
	return out
}

func getIntFromRecord(record *neo4j.Record, key string) int {
	val, ok := record.Get(key)
	if !ok || val == nil {
		return 0
	}
	if i, ok := val.(int64); ok {
		return int(i)
	}
	if i, ok := val.(int); ok {
		return i
	}
	return 0
}
