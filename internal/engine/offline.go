package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

// errNoOutbox fails queueing when no outbox is configured.
var errNoOutbox = errors.New("offline queue needs an outbox")

// ReplayReport summarizes one Reconnect.
type ReplayReport struct {
	// Replayed lists the op ids the server acknowledged, in replay order.
	Replayed []string
	// Conflicts lists the op ids the server rejected as stale. Their
	// records are in conflict review.
	Conflicts []string
	// Failed lists the op ids rolled back for any other reason.
	Failed []string
	// Remaining counts the operations still queued.
	Remaining int
	// Online reports whether the outbox drained and the engine is online.
	Online bool
}

// persist appends op to the outbox once. Runs on the loop.
func (e *Engine) persist(op *ir.PendingOperation) error {
	if e.outbox == nil {
		return errNoOutbox
	}
	if e.queued[op.OpID] {
		return nil
	}
	if err := e.outbox.Append(e.runCtx, op.Queued(e.cfg.Name)); err != nil {
		return err
	}
	e.queued[op.OpID] = true
	e.metrics.SetQueueDepth(e.cfg.Name, len(e.queued))
	return nil
}

// unqueue removes opID from the outbox if it was persisted.
func (e *Engine) unqueue(opID string) {
	if !e.queued[opID] {
		return
	}
	if err := e.outbox.Remove(e.runCtx, opID); err != nil {
		slog.Error("outbox remove failed", "entity", e.cfg.Name, "op_id", opID, "error", err)
		return
	}
	delete(e.queued, opID)
	e.metrics.SetQueueDepth(e.cfg.Name, len(e.queued))
}

// repersist rewrites outbox entries whose ids or base versions changed.
// The client sequence is kept, so replay order is unchanged.
func (e *Engine) repersist(ops []*ir.PendingOperation) {
	for _, op := range ops {
		if !e.queued[op.OpID] {
			continue
		}
		if err := e.outbox.Remove(e.runCtx, op.OpID); err != nil {
			slog.Error("outbox rewrite failed", "entity", e.cfg.Name, "op_id", op.OpID, "error", err)
			continue
		}
		if err := e.outbox.Append(e.runCtx, op.Queued(e.cfg.Name)); err != nil {
			slog.Error("outbox rewrite failed", "entity", e.cfg.Name, "op_id", op.OpID, "error", err)
			delete(e.queued, op.OpID)
		}
	}
}

// restore re-applies operations persisted by an earlier run, in client
// sequence order, and moves the sequencer past them. Runs on the loop.
func (e *Engine) restore(ops []ir.QueuedOperation) {
	if len(ops) == 0 {
		return
	}
	var maxSeq int64
	snap := e.state.Snapshot()
	e.state.Transact(func(tx *state.Tx) {
		for _, q := range ops {
			op := q.Pending(e.optimistic)
			op.SnapshotBefore = make(map[string]*ir.Record, len(op.TargetIDs))
			for _, id := range op.TargetIDs {
				if r, ok := snap.Record(id); ok {
					op.SnapshotBefore[id] = &r
				} else {
					op.SnapshotBefore[id] = nil
				}
			}
			op.SubmittedAt = e.now()
			tx.Add(op)
			e.queued[op.OpID] = true
			maxSeq = max(maxSeq, op.Seq)
		}
	})
	e.seq.Advance(maxSeq)
	e.metrics.SetQueueDepth(e.cfg.Name, len(e.queued))
	slog.Info("restored queued operations", "entity", e.cfg.Name, "count", len(ops), "seq", maxSeq)
}

// queueOffline keeps op for replay after a transient failure and takes the
// engine offline. Runs on the loop.
func (e *Engine) queueOffline(op *ir.PendingOperation, cause error) {
	e.setOnline(false)
	if err := e.persist(op); err != nil {
		slog.Error("outbox append failed", "entity", e.cfg.Name, "op_id", op.OpID, "error", err)
		e.rollback(op, cause)
		return
	}
	e.state.Transact(func(tx *state.Tx) { tx.SetStatus(op.OpID, ir.StatusQueued) })
	slog.Warn("gateway unreachable, operation queued", "entity", e.cfg.Name, "op_id", op.OpID, "seq", op.Seq, "error", cause)
	e.settle(op, &ActionResult{Status: StatusQueued, Err: cause})
}

// nextQueued returns the queued operation with the lowest client sequence.
func (e *Engine) nextQueued() *ir.PendingOperation {
	var next *ir.PendingOperation
	for _, op := range e.state.Snapshot().PendingOps() {
		if op.Status != ir.StatusQueued {
			continue
		}
		if next == nil || op.Seq < next.Seq {
			next = op
		}
	}
	return next
}

// inFlightOn returns an operation already on the wire for one of op's
// records.
func (e *Engine) inFlightOn(op *ir.PendingOperation) *ir.PendingOperation {
	for _, other := range e.state.Snapshot().PendingOps() {
		if other.Status != ir.StatusInFlight || other.OpID == op.OpID {
			continue
		}
		for _, id := range op.TargetIDs {
			if other.Targets(id) {
				return other
			}
		}
	}
	return nil
}

// Reconnect replays the offline queue strictly by client sequence, one
// operation at a time, each against the current server state. An operation
// whose record still has a call on the wire waits for that call. A replayed
// operation that now conflicts is reported and its record enters conflict
// review. Replay stops at the first transient failure; the engine goes
// back online only once the outbox is empty.
func (e *Engine) Reconnect(ctx context.Context) (*ReplayReport, error) {
	e.mustInit("Reconnect")
	report := &ReplayReport{}
	slog.Info("replaying offline queue", "entity", e.cfg.Name)

	for {
		var next, blocker *ir.PendingOperation
		var wait chan *ActionResult
		err := e.exec(ctx, func() {
			next = e.nextQueued()
			if next == nil {
				e.setOnline(true)
				e.release()
				return
			}
			wait = make(chan *ActionResult, 1)
			if blocker = e.inFlightOn(next); blocker != nil {
				slog.Debug("replay waiting for in-flight operation", "entity", e.cfg.Name, "op_id", next.OpID, "in_flight", blocker.OpID)
				e.watchers[blocker.OpID] = wait
				return
			}
			e.watchers[next.OpID] = wait
			e.state.Transact(func(tx *state.Tx) { tx.SetStatus(next.OpID, ir.StatusInFlight) })
			slog.Debug("replaying operation", "entity", e.cfg.Name, "op_id", next.OpID, "seq", next.Seq)
			e.send(next)
		})
		if err != nil {
			return report, err
		}
		if next == nil {
			report.Online = true
			slog.Info("offline queue drained", "entity", e.cfg.Name, "replayed", len(report.Replayed), "conflicts", len(report.Conflicts), "failed", len(report.Failed))
			return report, nil
		}

		var res *ActionResult
		select {
		case res = <-wait:
		case <-ctx.Done():
			return report, ctx.Err()
		case <-e.stopped:
			return report, ErrStopped
		}

		switch {
		case res.Status == StatusQueued:
			err := e.exec(ctx, func() { report.Remaining = len(e.queued) })
			slog.Warn("replay stopped, server unreachable", "entity", e.cfg.Name, "op_id", next.OpID, "remaining", report.Remaining)
			return report, err
		case blocker != nil:
			// next has not been sent; pick the queue up again.
		case res.Status == StatusOK || res.Status == StatusPartial:
			report.Replayed = append(report.Replayed, next.OpID)
		case IsConflict(res.Err):
			report.Conflicts = append(report.Conflicts, next.OpID)
		default:
			report.Failed = append(report.Failed, next.OpID)
		}
	}
}
