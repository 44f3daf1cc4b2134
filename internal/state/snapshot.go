package state

import (
	"slices"
	"sort"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// RecordState is the per-record lifecycle as seen by the engine.
type RecordState string

const (
	Idle              RecordState = "idle"
	OptimisticPending RecordState = "optimistic-pending"
	ConflictReview    RecordState = "conflict-review"
)

// Conflict describes a local change the server rejected as stale. The record
// stays in ConflictReview until the caller discards or force-overwrites.
type Conflict struct {
	OpID        string
	Operation   ir.OpKind
	Payload     ir.Object
	BaseVersion string
	Server      *ir.Record
	Message     string
}

func (c Conflict) clone() Conflict {
	out := c
	out.Payload = c.Payload.Clone()
	if c.Server != nil {
		s := c.Server.Clone()
		out.Server = &s
	}
	return out
}

// ListMeta describes the visible list.
type ListMeta struct {
	IDs      []string
	Total    int
	Page     int
	PageSize int
	Filter   query.Predicate
	Sort     ir.SortSpec
}

func (m ListMeta) clone() ListMeta {
	m.IDs = slices.Clone(m.IDs)
	return m
}

// Snapshot is an immutable view of the store. Accessors return copies, so a
// subscriber can never reach into the store's internal state.
type Snapshot struct {
	revision  uint64
	records   map[string]ir.Record
	list      ListMeta
	selection map[string]struct{}
	pending   map[string]*ir.PendingOperation
	opLog     []string
	states    map[string]RecordState
	conflicts map[string]Conflict
}

// Revision increases by one per committed transaction.
func (s *Snapshot) Revision() uint64 { return s.revision }

// Record returns a visible record, including optimistic changes.
func (s *Snapshot) Record(id string) (ir.Record, bool) {
	r, ok := s.records[id]
	if !ok {
		return ir.Record{}, false
	}
	return r.Clone(), true
}

// Records returns the visible records in list order.
func (s *Snapshot) Records() []ir.Record {
	out := make([]ir.Record, 0, len(s.list.IDs))
	for _, id := range s.list.IDs {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Len is the number of visible records.
func (s *Snapshot) Len() int { return len(s.records) }

// ListMeta returns the list metadata.
func (s *Snapshot) ListMeta() ListMeta { return s.list.clone() }

// Selection returns the selected ids in sorted order.
func (s *Snapshot) Selection() []string {
	out := make([]string, 0, len(s.selection))
	for id := range s.selection {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Selected reports whether id is selected.
func (s *Snapshot) Selected(id string) bool {
	_, ok := s.selection[id]
	return ok
}

// Pending returns one pending operation.
func (s *Snapshot) Pending(opID string) (*ir.PendingOperation, bool) {
	op, ok := s.pending[opID]
	return op.Clone(), ok
}

// PendingOps returns the pending operations in operation-log order.
func (s *Snapshot) PendingOps() []*ir.PendingOperation {
	out := make([]*ir.PendingOperation, 0, len(s.pending))
	for _, id := range s.opLog {
		if op, ok := s.pending[id]; ok {
			out = append(out, op.Clone())
		}
	}
	return out
}

// OpLog returns the operation log: every op id in local application order.
func (s *Snapshot) OpLog() []string { return slices.Clone(s.opLog) }

// State returns the lifecycle state of a record. Unknown ids are Idle.
func (s *Snapshot) State(id string) RecordState {
	if st, ok := s.states[id]; ok {
		return st
	}
	return Idle
}

// Conflict returns the conflict holding a record in review.
func (s *Snapshot) Conflict(id string) (Conflict, bool) {
	c, ok := s.conflicts[id]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// Conflicts returns the ids currently in conflict review, sorted.
func (s *Snapshot) Conflicts() []string {
	out := make([]string, 0, len(s.conflicts))
	for id := range s.conflicts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Document renders the snapshot as a canonical object for golden files and
// the CLI. Timestamps are left out so the output is deterministic.
func (s *Snapshot) Document() ir.Object {
	records := make(ir.Array, 0, len(s.list.IDs))
	for _, id := range s.list.IDs {
		rec := s.records[id].Object()
		rec["_state"] = ir.String(s.State(id))
		records = append(records, rec)
	}

	selection := ir.Array{}
	for _, id := range s.Selection() {
		selection = append(selection, ir.String(id))
	}

	pending := ir.Array{}
	for _, op := range s.PendingOps() {
		targets := make(ir.Array, len(op.TargetIDs))
		for i, t := range op.TargetIDs {
			targets[i] = ir.String(t)
		}
		entry := ir.Object{
			"seq":     ir.Int(op.Seq),
			"kind":    ir.String(op.Kind),
			"targets": targets,
			"status":  ir.String(op.Status),
		}
		if op.Kind == ir.OpBulk {
			entry["bulk_op"] = ir.String(op.BulkOp)
		}
		pending = append(pending, entry)
	}

	conflicts := ir.Object{}
	for _, id := range s.Conflicts() {
		c := s.conflicts[id]
		entry := ir.Object{
			"operation":    ir.String(c.Operation),
			"base_version": ir.String(c.BaseVersion),
			"payload":      orEmpty(c.Payload),
		}
		if c.Server != nil {
			entry["server_version"] = ir.String(c.Server.Version)
		}
		conflicts[id] = entry
	}

	return ir.Object{
		"records":   records,
		"total":     ir.Int(s.list.Total),
		"selection": selection,
		"pending":   pending,
		"conflicts": conflicts,
	}
}

func orEmpty(o ir.Object) ir.Object {
	if o == nil {
		return ir.Object{}
	}
	return o.Clone()
}
