package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/entityflow/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial outbox schema
const currentSchemaVersion = 1

// Store is the SQLite-backed offline outbox.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

var _ Outbox = (*Store)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	// Open database (creates file if doesn't exist)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Append persists a queued operation.
// Uses ON CONFLICT(op_id) DO NOTHING for idempotency - appending the same
// operation twice is a no-op, so a retried append never duplicates replay.
func (s *Store) Append(ctx context.Context, op ir.QueuedOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	row, err := marshalQueued(op)
	if err != nil {
		return fmt.Errorf("append %s: %w", op.OpID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox
		(op_id, entity, action, kind, bulk_op, target_ids, base_versions, payload, client_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(op_id) DO NOTHING
	`,
		op.OpID,
		op.Entity,
		op.Action,
		string(op.Kind),
		string(op.BulkOp),
		row.targets,
		row.versions,
		row.payload,
		op.ClientSeq,
	)
	if err != nil {
		return fmt.Errorf("append %s: %w", op.OpID, err)
	}
	return nil
}

// ListInOrder returns the queued operations of one entity.
// Results are ordered deterministically: ORDER BY client_seq ASC, op_id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) when nothing is queued.
func (s *Store) ListInOrder(ctx context.Context, entity string) ([]ir.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_id, entity, action, kind, bulk_op, target_ids, base_versions, payload, client_seq
		FROM outbox
		WHERE entity = ?
		ORDER BY client_seq ASC, op_id COLLATE BINARY ASC
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	ops := []ir.QueuedOperation{}
	for rows.Next() {
		var (
			op                         ir.QueuedOperation
			kind, bulkOp               string
			targets, versions, payload string
		)
		if err := rows.Scan(&op.OpID, &op.Entity, &op.Action, &kind, &bulkOp, &targets, &versions, &payload, &op.ClientSeq); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		op.Kind = ir.OpKind(kind)
		op.BulkOp = ir.OpKind(bulkOp)
		if err := unmarshalQueued(&op, queuedRow{targets: targets, versions: versions, payload: payload}); err != nil {
			return nil, fmt.Errorf("outbox row %s: %w", op.OpID, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return ops, nil
}

// Remove deletes an operation. Removing an unknown op id is not an error.
func (s *Store) Remove(ctx context.Context, opID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("remove %s: %w", opID, err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
