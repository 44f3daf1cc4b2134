package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if err := s1.Append(ctx, createTestOp("op-1", "users", 1)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	ops, err := s2.ListInOrder(ctx, "users")
	if err != nil {
		t.Fatalf("ListInOrder() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].OpID != "op-1" {
		t.Errorf("ListInOrder() = %+v, want op-1", ops)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDB_ReturnsUnderlyingConnection(t *testing.T) {
	s := createTestStore(t)

	db := s.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("DB() connection not usable: %v", err)
	}
}

func TestPragma_JournalMode(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
}

func TestPragma_Synchronous(t *testing.T) {
	s := createTestStore(t)
	// NORMAL = 1
	if err := s.verifyPragma("synchronous", "1"); err != nil {
		t.Error(err)
	}
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
}

func TestPragma_UserVersion(t *testing.T) {
	s := createTestStore(t)
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestSchema_OutboxTable(t *testing.T) {
	s := createTestStore(t)

	rows, err := s.db.Query("PRAGMA table_info(outbox)")
	if err != nil {
		t.Fatalf("table_info failed: %v", err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		columns[name] = true
	}

	for _, col := range []string{"op_id", "entity", "action", "kind", "bulk_op", "target_ids", "base_versions", "payload", "client_seq"} {
		if !columns[col] {
			t.Errorf("outbox table missing column %q", col)
		}
	}
}

func TestSchema_CanonicalPayloadColumn(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	if err := s.Append(ctx, createTestOp("op-1", "users", 1)); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	var payload, versions string
	if err := s.db.QueryRow("SELECT payload, base_versions FROM outbox WHERE op_id = 'op-1'").Scan(&payload, &versions); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if payload != `{"name":"Ann"}` {
		t.Errorf("payload = %s", payload)
	}
	if versions != `{"7":"2"}` {
		t.Errorf("base_versions = %s", versions)
	}
}

func TestConstraint_KindCheck(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO outbox (op_id, entity, kind, target_ids, base_versions, payload, client_seq)
		VALUES ('x', 'users', 'upsert', '[]', '{}', '{}', 1)`)
	if err == nil {
		t.Error("expected CHECK constraint failure for unknown kind")
	}
}
