package state

import (
	"slices"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// Tx is the mutation handle passed to Transact. It is only valid inside the
// transaction function.
type Tx struct {
	s *Store
}

// Reset replaces the confirmed page with recs. Records that fell off the
// page but are still referenced by a pending operation or a conflict stay
// available to the optimistic view.
func (tx *Tx) Reset(recs []ir.Record, total int, params query.ListParams) {
	s := tx.s
	keep := make(map[string]ir.Record)
	for id, r := range s.confirmed {
		if tx.referenced(id) {
			keep[id] = r
		}
	}
	s.confirmed = keep
	s.order = make([]string, 0, len(recs))
	for _, r := range recs {
		s.confirmed[r.ID] = r.Clone()
		s.order = append(s.order, r.ID)
	}
	s.total = total
	s.setQuery(params)
}

func (tx *Tx) referenced(id string) bool {
	if _, ok := tx.s.conflicts[id]; ok {
		return true
	}
	for _, op := range tx.s.pending {
		if op.Targets(id) {
			return true
		}
	}
	return false
}

// Confirmed returns the server-canonical version of a record.
func (tx *Tx) Confirmed(id string) (ir.Record, bool) {
	r, ok := tx.s.confirmed[id]
	return r.Clone(), ok
}

// Put installs a server-canonical record. New records join the end of the
// list.
func (tx *Tx) Put(rec ir.Record) {
	s := tx.s
	if !slices.Contains(s.order, rec.ID) {
		s.order = append(s.order, rec.ID)
		s.total++
	}
	s.confirmed[rec.ID] = rec.Clone()
}

// Remove deletes a record from the confirmed layer.
func (tx *Tx) Remove(id string) {
	s := tx.s
	delete(s.confirmed, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
		s.total = max(0, s.total-1)
	}
}

// Add appends an operation to the pending layer and the operation log.
func (tx *Tx) Add(op *ir.PendingOperation) {
	s := tx.s
	s.pending[op.OpID] = op.Clone()
	s.opLog = append(s.opLog, op.OpID)
	s.trimLog()
}

// Op returns the live pending operation for in-transaction updates.
func (tx *Tx) Op(opID string) (*ir.PendingOperation, bool) {
	op, ok := tx.s.pending[opID]
	return op, ok
}

// PendingOps returns the live pending operations in operation-log order.
func (tx *Tx) PendingOps() []*ir.PendingOperation {
	out := make([]*ir.PendingOperation, 0, len(tx.s.pending))
	for _, id := range tx.s.opLog {
		if op, ok := tx.s.pending[id]; ok {
			out = append(out, op)
		}
	}
	return out
}

// SetStatus updates a pending operation's status.
func (tx *Tx) SetStatus(opID string, status ir.OpStatus) {
	if op, ok := tx.s.pending[opID]; ok {
		op.Status = status
	}
}

// Drop removes a pending operation, rolling back its optimistic effect.
// The op id stays in the operation log.
func (tx *Tx) Drop(opID string) (*ir.PendingOperation, bool) {
	op, ok := tx.s.pending[opID]
	if !ok {
		return nil, false
	}
	delete(tx.s.pending, opID)
	return op, true
}

// DropTargets rolls back part of an operation. When no target remains the
// whole operation is dropped.
func (tx *Tx) DropTargets(opID string, ids []string) {
	op, ok := tx.s.pending[opID]
	if !ok {
		return
	}
	op.TargetIDs = slices.DeleteFunc(op.TargetIDs, func(id string) bool { return slices.Contains(ids, id) })
	for _, id := range ids {
		delete(op.BaseVersions, id)
		delete(op.SnapshotBefore, id)
	}
	if len(op.TargetIDs) == 0 {
		delete(tx.s.pending, opID)
	}
}

// Ack resolves an operation with the server's canonical results. For a
// create the temp id is remapped to the server id first.
func (tx *Tx) Ack(opID string, canonical []ir.Record, deleted []string) {
	op, ok := tx.s.pending[opID]
	if ok {
		delete(tx.s.pending, opID)
		if op.Kind == ir.OpCreate && len(op.TargetIDs) > 0 && len(canonical) > 0 {
			tx.RemapID(op.TargetIDs[0], canonical[0].ID)
		}
	}
	for _, r := range canonical {
		tx.Put(r)
	}
	for _, id := range deleted {
		tx.Remove(id)
	}
}

// AckTargets resolves part of an operation: the listed targets are removed
// from it and the canonical results installed.
func (tx *Tx) AckTargets(opID string, canonical []ir.Record, deleted []string) {
	ids := make([]string, 0, len(canonical)+len(deleted))
	for _, r := range canonical {
		ids = append(ids, r.ID)
	}
	ids = append(ids, deleted...)
	tx.DropTargets(opID, ids)
	for _, r := range canonical {
		tx.Put(r)
	}
	for _, id := range deleted {
		tx.Remove(id)
	}
}

// RemapID renames a local id everywhere it is referenced: selection,
// pending targets and conflicts.
func (tx *Tx) RemapID(from, to string) {
	if from == to {
		return
	}
	s := tx.s
	if _, ok := s.selection[from]; ok {
		delete(s.selection, from)
		s.selection[to] = struct{}{}
	}
	for _, op := range s.pending {
		for i, id := range op.TargetIDs {
			if id == from {
				op.TargetIDs[i] = to
			}
		}
		if v, ok := op.BaseVersions[from]; ok {
			delete(op.BaseVersions, from)
			op.BaseVersions[to] = v
		}
		if r, ok := op.SnapshotBefore[from]; ok {
			delete(op.SnapshotBefore, from)
			op.SnapshotBefore[to] = r
		}
	}
	if c, ok := s.conflicts[from]; ok {
		delete(s.conflicts, from)
		s.conflicts[to] = c
	}
}

// SetConflict moves a record into conflict review.
func (tx *Tx) SetConflict(id string, c Conflict) {
	tx.s.conflicts[id] = c.clone()
}

// ClearConflict returns a record from conflict review.
func (tx *Tx) ClearConflict(id string) (Conflict, bool) {
	c, ok := tx.s.conflicts[id]
	delete(tx.s.conflicts, id)
	return c, ok
}

// InConflict reports whether id is in conflict review.
func (tx *Tx) InConflict(id string) bool {
	_, ok := tx.s.conflicts[id]
	return ok
}

// Busy reports whether id is referenced by a pending operation or a
// conflict, which blocks realtime merges.
func (tx *Tx) Busy(id string) bool {
	return tx.referenced(id)
}

// Select adds ids to the selection. Ids missing from the view are pruned on
// commit.
func (tx *Tx) Select(ids ...string) {
	for _, id := range ids {
		tx.s.selection[id] = struct{}{}
	}
}

// Deselect removes ids from the selection.
func (tx *Tx) Deselect(ids ...string) {
	for _, id := range ids {
		delete(tx.s.selection, id)
	}
}

// ClearSelection empties the selection.
func (tx *Tx) ClearSelection() {
	clear(tx.s.selection)
}
