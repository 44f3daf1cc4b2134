package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

// completion is a finished gateway call, delivered back to the loop.
type completion struct {
	opID    string
	records []ir.Record
	deleted []string
	err     error
	batch   *batchResult
}

// send issues op's gateway call on its own goroutine. Runs on the loop.
func (e *Engine) send(op *ir.PendingOperation) {
	if op.Kind == ir.OpBulk {
		e.launchBulk(op)
		return
	}
	ctx, cancel := e.callContext(e.runCtx)
	e.cancels[op.OpID] = cancel
	op = op.Clone()

	go func() {
		start := time.Now()
		c := e.call(ctx, op)
		e.metrics.ObserveCall(e.cfg.Name, string(op.Kind), time.Since(start))
		e.queue.Enqueue(Event{Type: EventTypeCompletion, Completion: c})
	}()
}

// call performs the gateway request for a single-record operation. The op
// id is the idempotency key, so a replayed call never applies twice.
func (e *Engine) call(ctx context.Context, op *ir.PendingOperation) *completion {
	c := &completion{opID: op.OpID}
	switch op.Kind {
	case ir.OpCreate:
		var rec ir.Record
		rec, c.err = e.gw.Create(ctx, gateway.CreateRequest{Payload: op.Payload, IdempotencyKey: op.OpID})
		if c.err == nil {
			c.records = []ir.Record{rec}
		}
	case ir.OpUpdate:
		id := op.TargetIDs[0]
		var rec ir.Record
		rec, c.err = e.gw.Update(ctx, gateway.UpdateRequest{
			ID:             id,
			Version:        op.BaseVersions[id],
			Payload:        op.Payload,
			IdempotencyKey: op.OpID,
		})
		if c.err == nil {
			c.records = []ir.Record{rec}
		}
	case ir.OpDelete:
		id := op.TargetIDs[0]
		c.err = e.gw.Delete(ctx, gateway.DeleteRequest{ID: id, Version: op.BaseVersions[id], IdempotencyKey: op.OpID})
		if c.err == nil {
			c.deleted = []string{id}
		}
	}
	if c.err != nil && !gateway.IsTimeout(c.err) && errors.Is(c.err, context.DeadlineExceeded) {
		c.err = &gateway.TimeoutError{Op: string(op.Kind), Err: c.err}
	}
	return c
}

// complete reconciles a finished call with its pending operation by op id.
func (e *Engine) complete(c *completion) error {
	if cancel, ok := e.cancels[c.opID]; ok {
		cancel()
		delete(e.cancels, c.opID)
	}
	if c.batch != nil {
		return e.completeBatch(c)
	}

	op, ok := e.state.Snapshot().Pending(c.opID)
	if !ok {
		slog.Debug("completion for resolved operation ignored", "entity", e.cfg.Name, "op_id", c.opID)
		return nil
	}

	switch {
	case c.err == nil:
		e.ack(op, c.records, c.deleted)
	case gateway.IsTransient(c.err) && e.outbox != nil:
		e.queueOffline(op, c.err)
	case gateway.IsConflict(c.err):
		e.conflict(op, c.err)
	default:
		e.rollback(op, c.err)
	}
	e.release()
	return nil
}

// ack installs the canonical records, drops op and carries the new
// versions forward to later operations on the same records.
func (e *Engine) ack(op *ir.PendingOperation, canonical []ir.Record, deleted []string) {
	var touched []*ir.PendingOperation
	e.state.Transact(func(tx *state.Tx) {
		tx.Ack(op.OpID, canonical, deleted)
		touched = e.carryForward(tx, op, canonical)
	})
	for id, v := range op.BaseVersions {
		e.ackedBase[id] = v
	}
	e.unqueue(op.OpID)
	e.repersist(touched)

	slog.Debug("operation acknowledged", "entity", e.cfg.Name, "op_id", op.OpID, "seq", op.Seq)
	e.settle(op, &ActionResult{Status: StatusOK, Records: canonical})
}

// carryForward rebases later operations that were built on op's base
// version onto the version the server just returned. It returns the queued
// operations whose durable copy is now out of date.
func (e *Engine) carryForward(tx *state.Tx, op *ir.PendingOperation, canonical []ir.Record) []*ir.PendingOperation {
	var touched []*ir.PendingOperation
	for _, later := range tx.PendingOps() {
		changed := false
		for _, r := range canonical {
			if !later.Targets(r.ID) {
				continue
			}
			changed = true
			base := op.BaseVersions[r.ID]
			if op.Kind == ir.OpCreate {
				base = ""
			}
			if v, ok := later.BaseVersions[r.ID]; ok && v == base {
				later.BaseVersions[r.ID] = r.Version
			}
		}
		if changed && later.Status == ir.StatusQueued {
			touched = append(touched, later.Clone())
		}
	}
	return touched
}

// rollback drops op, and every operation built on a failed create.
func (e *Engine) rollback(op *ir.PendingOperation, cause error) {
	var dependents []*ir.PendingOperation
	e.state.Transact(func(tx *state.Tx) {
		tx.Drop(op.OpID)
		if gateway.IsNotFound(cause) {
			for _, id := range op.TargetIDs {
				tx.Remove(id)
			}
		}
		if op.Kind == ir.OpCreate {
			dependents = dropDependents(tx, op.TargetIDs[0])
		}
	})
	slog.Warn("operation rolled back", "entity", e.cfg.Name, "op_id", op.OpID, "seq", op.Seq, "error", cause)

	e.unqueue(op.OpID)
	e.settle(op, &ActionResult{Status: StatusFailed, Err: wrapGatewayError(op, cause)})
	for _, d := range dependents {
		e.unqueue(d.OpID)
		e.settle(d, &ActionResult{Status: StatusFailed, Err: &EngineError{
			Code:     CodeNotApplicable,
			Message:  "create " + op.OpID + " failed",
			OpID:     d.OpID,
			RecordID: op.TargetIDs[0],
			Err:      cause,
		}})
	}
}

// dropDependents removes every pending operation targeting id.
func dropDependents(tx *state.Tx, id string) []*ir.PendingOperation {
	var out []*ir.PendingOperation
	for _, later := range tx.PendingOps() {
		if later.Targets(id) {
			out = append(out, later.Clone())
			tx.Drop(later.OpID)
		}
	}
	return out
}

// conflict moves op's records into conflict review. Waiting operations on
// the same records were built on the rejected change and fail with it.
func (e *Engine) conflict(op *ir.PendingOperation, cause error) {
	var he *gateway.HTTPError
	errors.As(cause, &he)

	var dependents []*ir.PendingOperation
	e.state.Transact(func(tx *state.Tx) {
		tx.Drop(op.OpID)
		if he != nil && he.Current != nil {
			tx.Put(*he.Current)
		}
		for _, id := range op.TargetIDs {
			c := state.Conflict{
				OpID:        op.OpID,
				Operation:   op.Effect(),
				Payload:     op.Payload,
				BaseVersion: op.BaseVersions[id],
				Message:     cause.Error(),
			}
			if he != nil {
				c.Server = he.Current
			}
			tx.SetConflict(id, c)
			for _, later := range tx.PendingOps() {
				if later.Status == ir.StatusWaiting && later.Targets(id) {
					dependents = append(dependents, later.Clone())
					tx.Drop(later.OpID)
				}
			}
		}
	})
	slog.Warn("operation conflicted", "entity", e.cfg.Name, "op_id", op.OpID, "targets", op.TargetIDs, "error", cause)

	e.unqueue(op.OpID)
	e.settle(op, &ActionResult{Status: StatusFailed, Err: &EngineError{
		Code:     CodeConflict,
		Message:  "stale version",
		OpID:     op.OpID,
		RecordID: firstTarget(op),
		Err:      cause,
	}})
	for _, d := range dependents {
		e.settle(d, &ActionResult{Status: StatusFailed, Err: &EngineError{
			Code:     CodeConflict,
			Message:  "earlier operation " + op.OpID + " conflicted",
			OpID:     d.OpID,
			RecordID: firstTarget(d),
			Err:      cause,
		}})
	}
}

// release sends waiting operations whose records are no longer busy, in
// operation-log order, then flushes buffered pushes. Runs on the loop.
func (e *Engine) release() {
	busy := make(map[string]bool)
	var ready []*ir.PendingOperation
	for _, op := range e.state.Snapshot().PendingOps() {
		switch op.Status {
		case ir.StatusInFlight:
		case ir.StatusWaiting:
			free := true
			for _, id := range op.TargetIDs {
				if busy[id] {
					free = false
				}
			}
			if free {
				ready = append(ready, op)
			}
		default:
			continue
		}
		for _, id := range op.TargetIDs {
			busy[id] = true
		}
	}

	if len(ready) > 0 {
		status := ir.StatusInFlight
		if !e.online {
			status = ir.StatusQueued
		}
		var sendable []*ir.PendingOperation
		for _, op := range ready {
			if status == ir.StatusQueued {
				if err := e.persist(op); err != nil {
					slog.Error("outbox append failed", "entity", e.cfg.Name, "op_id", op.OpID, "error", err)
					e.rollback(op, err)
					continue
				}
			}
			sendable = append(sendable, op)
		}
		e.state.Transact(func(tx *state.Tx) {
			for _, op := range sendable {
				tx.SetStatus(op.OpID, status)
			}
		})
		for _, op := range sendable {
			if status == ir.StatusQueued {
				e.settle(op, &ActionResult{Status: StatusQueued})
				continue
			}
			e.send(op)
		}
	}
	e.flush()
}

// Cancel aborts an operation that has not resolved yet: the outstanding
// call is cancelled (best-effort), the optimistic change is rolled back
// immediately and the result reports CANCELLED. It reports whether opID
// was still pending.
func (e *Engine) Cancel(ctx context.Context, opID string) (bool, error) {
	e.mustInit("Cancel")
	var found bool
	err := e.exec(ctx, func() {
		found = e.cancel(opID)
	})
	return found, err
}

func (e *Engine) cancel(opID string) bool {
	op, ok := e.state.Snapshot().Pending(opID)
	if !ok {
		return false
	}
	if cancel, ok := e.cancels[opID]; ok {
		cancel()
		delete(e.cancels, opID)
	}
	if run, ok := e.bulks[opID]; ok {
		run.stop()
		delete(e.bulks, opID)
	}

	var dependents []*ir.PendingOperation
	e.state.Transact(func(tx *state.Tx) {
		tx.Drop(opID)
		if op.Kind == ir.OpCreate {
			dependents = dropDependents(tx, op.TargetIDs[0])
		}
	})
	slog.Info("operation cancelled", "entity", e.cfg.Name, "op_id", opID, "seq", op.Seq)

	e.unqueue(opID)
	cancelled := &EngineError{Code: CodeCancelled, Message: "cancelled by caller", OpID: opID, RecordID: firstTarget(op)}
	e.settle(op, &ActionResult{Status: StatusCancelled, Err: cancelled})
	for _, d := range dependents {
		e.unqueue(d.OpID)
		e.settle(d, &ActionResult{Status: StatusCancelled, Err: &EngineError{
			Code:    CodeCancelled,
			Message: "create " + opID + " was cancelled",
			OpID:    d.OpID,
		}})
	}
	e.release()
	return true
}

// settle resolves whoever waits on op: the dispatcher's future and a
// replay watcher. Runs on the loop.
func (e *Engine) settle(op *ir.PendingOperation, res *ActionResult) {
	res.Action = op.Action
	res.Kind = e.kindOf(op.Action)
	res.OpIDs = []string{op.OpID}
	e.metrics.Resolved(e.cfg.Name, outcome(res))

	if f, ok := e.futures[op.OpID]; ok {
		delete(e.futures, op.OpID)
		f.resolve(res)
	}
	if w, ok := e.watchers[op.OpID]; ok {
		delete(e.watchers, op.OpID)
		w <- res
	}
}

// outcome labels a result for metrics.
func outcome(res *ActionResult) string {
	switch {
	case res.Status == StatusOK:
		return "acked"
	case res.Status == StatusQueued:
		return "queued"
	case res.Status == StatusCancelled:
		return "cancelled"
	case res.Status == StatusPartial:
		return "partial"
	case IsConflict(res.Err):
		return "conflict"
	}
	return "rolled_back"
}

// wrapGatewayError maps server rejections onto engine codes. Other errors
// pass through unchanged.
func wrapGatewayError(op *ir.PendingOperation, err error) error {
	var code ErrorCode
	switch {
	case gateway.IsValidation(err):
		code = CodeValidation
	case gateway.IsNotFound(err):
		code = CodeNotApplicable
	default:
		return err
	}
	return &EngineError{Code: code, Message: err.Error(), OpID: op.OpID, RecordID: firstTarget(op), Err: err}
}

func firstTarget(op *ir.PendingOperation) string {
	if len(op.TargetIDs) == 0 {
		return ""
	}
	return op.TargetIDs[0]
}
