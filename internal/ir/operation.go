package ir

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// OpKind is the server effect of a pending operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpBulk   OpKind = "bulk"
)

// OpStatus tracks a pending operation through its lifecycle. A waiting
// operation is held back behind an earlier operation on the same record.
type OpStatus string

const (
	StatusInFlight OpStatus = "in-flight"
	StatusWaiting  OpStatus = "waiting"
	StatusQueued   OpStatus = "queued"
	StatusFailed   OpStatus = "failed"
	StatusAcked    OpStatus = "acked"
)

// TempIDPrefix marks ids assigned locally to optimistic creates.
const TempIDPrefix = "tmp-"

// TempID returns the local id for a create dispatched at seq.
func TempID(seq int64) string {
	return TempIDPrefix + strconv.FormatInt(seq, 10)
}

// IsTempID reports whether id was assigned locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// PendingOperation is a mutation applied (or about to be applied) locally
// and not yet acknowledged by the server.
//
// For creates TargetIDs holds the temp id. For bulk operations BulkOp names
// the per-record effect. SnapshotBefore records the visible state of each
// target when the operation was dispatched; a nil entry means the record did
// not exist.
type PendingOperation struct {
	OpID           string
	Seq            int64
	Action         string
	Kind           OpKind
	BulkOp         OpKind
	TargetIDs      []string
	Payload        Object
	BaseVersions   map[string]string
	SnapshotBefore map[string]*Record
	SubmittedAt    time.Time
	Status         OpStatus
	Optimistic     bool
}

// Effect returns the per-record effect: BulkOp for bulk operations, Kind
// otherwise.
func (op *PendingOperation) Effect() OpKind {
	if op.Kind == OpBulk {
		return op.BulkOp
	}
	return op.Kind
}

// Targets reports whether op references id.
func (op *PendingOperation) Targets(id string) bool {
	return slices.Contains(op.TargetIDs, id)
}

// Clone returns a deep copy.
func (op *PendingOperation) Clone() *PendingOperation {
	if op == nil {
		return nil
	}
	out := *op
	out.TargetIDs = slices.Clone(op.TargetIDs)
	out.Payload = op.Payload.Clone()
	if op.BaseVersions != nil {
		out.BaseVersions = make(map[string]string, len(op.BaseVersions))
		for k, v := range op.BaseVersions {
			out.BaseVersions[k] = v
		}
	}
	if op.SnapshotBefore != nil {
		out.SnapshotBefore = make(map[string]*Record, len(op.SnapshotBefore))
		for k, v := range op.SnapshotBefore {
			if v == nil {
				out.SnapshotBefore[k] = nil
				continue
			}
			c := v.Clone()
			out.SnapshotBefore[k] = &c
		}
	}
	return &out
}

// QueuedOperation is the durable form of a pending operation kept in the
// offline outbox.
type QueuedOperation struct {
	OpID         string            `json:"op_id"`
	Entity       string            `json:"entity"`
	Action       string            `json:"action,omitempty"`
	Kind         OpKind            `json:"kind"`
	BulkOp       OpKind            `json:"bulk_op,omitempty"`
	TargetIDs    []string          `json:"target_ids"`
	BaseVersions map[string]string `json:"base_versions,omitempty"`
	Payload      Object            `json:"payload"`
	ClientSeq    int64             `json:"client_seq"`
}

// Queued converts a pending operation into its outbox entry.
func (op *PendingOperation) Queued(entity string) QueuedOperation {
	c := op.Clone()
	return QueuedOperation{
		OpID:         c.OpID,
		Entity:       entity,
		Action:       c.Action,
		Kind:         c.Kind,
		BulkOp:       c.BulkOp,
		TargetIDs:    c.TargetIDs,
		BaseVersions: c.BaseVersions,
		Payload:      c.Payload,
		ClientSeq:    c.Seq,
	}
}

// Pending rebuilds a pending operation from an outbox entry.
func (q QueuedOperation) Pending(optimistic bool) *PendingOperation {
	op := &PendingOperation{
		OpID:         q.OpID,
		Seq:          q.ClientSeq,
		Action:       q.Action,
		Kind:         q.Kind,
		BulkOp:       q.BulkOp,
		TargetIDs:    slices.Clone(q.TargetIDs),
		Payload:      q.Payload.Clone(),
		BaseVersions: map[string]string{},
		Status:       StatusQueued,
		Optimistic:   optimistic,
	}
	for k, v := range q.BaseVersions {
		op.BaseVersions[k] = v
	}
	return op
}

// Validate checks the structural shape of an outbox entry.
func (q QueuedOperation) Validate() error {
	if q.OpID == "" {
		return fmt.Errorf("queued operation: empty op_id")
	}
	if q.Entity == "" {
		return fmt.Errorf("queued operation %s: empty entity", q.OpID)
	}
	switch q.Kind {
	case OpCreate, OpUpdate, OpDelete:
	case OpBulk:
		if q.BulkOp != OpUpdate && q.BulkOp != OpDelete {
			return fmt.Errorf("queued operation %s: bulk effect %q", q.OpID, q.BulkOp)
		}
	default:
		return fmt.Errorf("queued operation %s: unknown kind %q", q.OpID, q.Kind)
	}
	if q.ClientSeq <= 0 {
		return fmt.Errorf("queued operation %s: client_seq must be positive", q.OpID)
	}
	return nil
}

// ChangeAction is the kind of an out-of-band server change.
type ChangeAction string

const (
	ChangeCreate ChangeAction = "create"
	ChangeUpdate ChangeAction = "update"
	ChangeDelete ChangeAction = "delete"
)

// Change is a realtime push: a record created, updated or deleted elsewhere.
// Record is nil for deletes that only carry the ID.
type Change struct {
	Entity string       `json:"entity"`
	Action ChangeAction `json:"action"`
	ID     string       `json:"id"`
	Record *Record      `json:"record,omitempty"`
}
