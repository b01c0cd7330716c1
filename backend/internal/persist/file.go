package persist

import (
	"fmt"
	"os"
	"path/filepath"

	"trustfeed/backend/internal/socialgraph"
)

// ExportFile writes the graph snapshot to path. The file is replaced atomically.
func ExportFile(path string, graph *socialgraph.Graph, maxBytes int) error {
	data, err := graph.MarshalSnapshot(maxBytes)
	if err != nil {
		return fmt.Errorf("failed to serialize graph: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// ImportFile merges the snapshot at path into graph. The file is validated in full
// first; an invalid file leaves the graph untouched.
func ImportFile(path string, graph *socialgraph.Graph) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		importsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Import(data, path, graph)
}

// Import merges an encoded snapshot into graph and returns the number of lists it
// carried. Distances are left for the next recompute.
func Import(data []byte, source string, graph *socialgraph.Graph) (int, error) {
	s, err := socialgraph.ParseSnapshot(data, source)
	if err != nil {
		importsTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}
	graph.MergeSnapshot(s)
	importsTotal.WithLabelValues("ok").Inc()
	return len(s.FollowLists) + len(s.MuteLists), nil
}
