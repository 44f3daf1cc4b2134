package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/entityflow/internal/ir"
)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBolt creates a new bbolt store in a temp dir.
func createTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bolt")
	s, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("OpenBolt() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOp creates a queued update with minimal required fields.
func createTestOp(opID, entity string, seq int64) ir.QueuedOperation {
	return ir.QueuedOperation{
		OpID:         opID,
		Entity:       entity,
		Kind:         ir.OpUpdate,
		TargetIDs:    []string{"7"},
		BaseVersions: map[string]string{"7": "2"},
		Payload:      ir.Object{"name": ir.String("Ann")},
		ClientSeq:    seq,
	}
}
