package engine

import (
	"github.com/google/uuid"

	"github.com/roach88/entityflow/internal/ir"
)

// NewClientID returns a time-sortable UUIDv7 identifying one engine
// instance. It feeds operation ids and collaboration lock holders.
func NewClientID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OpIDGenerator names pending operations. The id doubles as the gateway
// idempotency key, so it must be stable across replays of the same
// operation.
type OpIDGenerator interface {
	OpID(clientID, entity string, kind ir.OpKind, targets []string, payload ir.Object, seq int64) string
}

// ContentAddressed derives op ids with ir.OperationID. It is the default.
type ContentAddressed struct{}

// OpID implements OpIDGenerator.
func (ContentAddressed) OpID(clientID, entity string, kind ir.OpKind, targets []string, payload ir.Object, seq int64) string {
	return ir.MustOperationID(clientID, entity, kind, targets, payload, seq)
}
