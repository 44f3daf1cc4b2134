package store

import (
	"context"
	"fmt"

	"github.com/roach88/entityflow/internal/ir"
)

// Outbox is the durable, ordered key-value surface the offline queue needs.
// Entries are keyed by op id and listed by client sequence.
type Outbox interface {
	Append(ctx context.Context, op ir.QueuedOperation) error
	ListInOrder(ctx context.Context, entity string) ([]ir.QueuedOperation, error)
	Remove(ctx context.Context, opID string) error
	Close() error
}

// Drivers accepted by OpenOutbox.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// OpenOutbox opens an outbox with the named driver.
func OpenOutbox(driver, path string) (Outbox, error) {
	switch driver {
	case DriverSQLite, "":
		return Open(path)
	case DriverBolt:
		return OpenBolt(path)
	}
	return nil, fmt.Errorf("unknown outbox driver %q (want %q or %q)", driver, DriverSQLite, DriverBolt)
}
