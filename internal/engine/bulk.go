package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
	"github.com/roach88/entityflow/internal/state"
)

// bulkRun tracks one bulk operation across its batches. Loop-owned except
// for aborted, which batch goroutines read.
type bulkRun struct {
	opID      string
	atomic    bool
	order     []string
	items     map[string]ItemResult
	remaining int
	cause     error
	aborted   atomic.Bool
	cancel    context.CancelFunc
}

func (r *bulkRun) stop() {
	r.aborted.Store(true)
	if r.cancel != nil {
		r.cancel()
	}
}

// batchResult is the outcome of one gateway bulk call.
type batchResult struct {
	index   int
	ids     []string
	items   []gateway.BulkItem
	err     error
	aborted bool
}

// bulk ships a bulk action to the loop. Empty ids means the selection.
func (e *Engine) bulk(ctx context.Context, a ir.BulkAction, ids []string, input ir.Object) (*Future, error) {
	var f *Future
	err := e.exec(ctx, func() {
		f = e.startBulk(a, ids, input)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// startBulk checks eligibility per record, applies the operation to the
// eligible ones and launches the batches. Runs on the loop.
func (e *Engine) startBulk(a ir.BulkAction, ids []string, input ir.Object) *Future {
	snap := e.state.Snapshot()
	if len(ids) == 0 {
		ids = snap.Selection()
	}
	run := &bulkRun{atomic: a.Atomic, order: ids, items: make(map[string]ItemResult, len(ids))}

	if a.Operation != ir.OpUpdate && a.Operation != ir.OpDelete {
		for _, id := range ids {
			run.items[id] = notApplicable(id, fmt.Sprintf("bulk %s is not supported", a.Operation))
		}
		return resolved(e.bulkResult(a.Key, run, ""))
	}

	pred := query.FromConditions(a.When)
	var eligible []string
	for _, id := range ids {
		rec, ok := snap.Record(id)
		switch {
		case !ok:
			run.items[id] = notApplicable(id, "record "+id+" not found")
		case snap.State(id) == state.ConflictReview:
			run.items[id] = notApplicable(id, "record "+id+" is in conflict review")
		case !query.Match(pred, rec):
			run.items[id] = notApplicable(id, "record "+id+" does not meet the action's conditions")
		default:
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		return resolved(e.bulkResult(a.Key, run, ""))
	}

	op := e.newOp(a.Key, ir.OpBulk, a.Operation, eligible, a.Payload.Merge(input))
	run.opID = op.OpID
	f := newFuture(e.stopped, op.OpID)

	if !e.online {
		op.Status = ir.StatusQueued
		if err := e.persist(op); err != nil {
			for _, id := range eligible {
				run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: err}
			}
			f.resolve(e.bulkResult(a.Key, run, op.OpID))
			return f
		}
		e.state.Transact(func(tx *state.Tx) { tx.Add(op) })
		for _, id := range eligible {
			run.items[id] = ItemResult{ID: id, Status: ItemQueued}
		}
		res := e.bulkResult(a.Key, run, op.OpID)
		e.metrics.Resolved(e.cfg.Name, outcome(res))
		f.resolve(res)
		return f
	}

	op.Status = ir.StatusInFlight
	e.state.Transact(func(tx *state.Tx) { tx.Add(op) })
	e.futures[op.OpID] = f
	e.bulks[op.OpID] = run
	e.runBatches(op, run, a.BatchSize, a.Concurrency)
	return f
}

// launchBulk resends a queued bulk operation as a single batch keyed by
// its op id. Runs on the loop.
func (e *Engine) launchBulk(op *ir.PendingOperation) {
	run := &bulkRun{opID: op.OpID, order: op.TargetIDs, items: make(map[string]ItemResult, len(op.TargetIDs))}
	e.bulks[op.OpID] = run
	e.runBatches(op, run, len(op.TargetIDs), 1)
}

// runBatches partitions op's targets and runs the batches with bounded
// concurrency. Each batch completion is reconciled on the loop.
func (e *Engine) runBatches(op *ir.PendingOperation, run *bulkRun, size, concurrency int) {
	if size <= 0 {
		size = len(op.TargetIDs)
	}
	if concurrency <= 0 {
		concurrency = e.bulkConcurrency
	}
	batches := partition(op.TargetIDs, size)
	run.remaining = len(batches)

	ctx, cancel := context.WithCancel(e.runCtx)
	run.cancel = cancel
	op = op.Clone()
	single := len(batches) == 1

	slog.Debug("bulk operation started", "entity", e.cfg.Name, "op_id", op.OpID, "ids", len(op.TargetIDs), "batches", len(batches), "concurrency", concurrency)

	go func() {
		defer cancel()
		var g errgroup.Group
		g.SetLimit(concurrency)
		for i, ids := range batches {
			g.Go(func() error {
				b := &batchResult{index: i, ids: ids}
				if run.aborted.Load() {
					b.aborted = true
					e.queue.Enqueue(Event{Type: EventTypeCompletion, Completion: &completion{opID: op.OpID, batch: b}})
					return nil
				}

				key := op.OpID
				if !single {
					key = fmt.Sprintf("%s/%d", op.OpID, i)
				}
				versions := make(map[string]string, len(ids))
				for _, id := range ids {
					if v, ok := op.BaseVersions[id]; ok {
						versions[id] = v
					}
				}

				callCtx, callCancel := e.callContext(ctx)
				start := time.Now()
				res, err := e.gw.Bulk(callCtx, gateway.BulkRequest{
					IDs:            ids,
					Operation:      op.BulkOp,
					Payload:        op.Payload,
					Versions:       versions,
					IdempotencyKey: key,
				})
				callCancel()
				e.metrics.ObserveCall(e.cfg.Name, "bulk", time.Since(start))

				b.items, b.err = res.Items, err
				if run.atomic && batchFailed(b) {
					run.aborted.Store(true)
				}
				e.queue.Enqueue(Event{Type: EventTypeCompletion, Completion: &completion{opID: op.OpID, batch: b}})
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func batchFailed(b *batchResult) bool {
	if b.err != nil {
		return true
	}
	for _, it := range b.items {
		if !it.OK() {
			return true
		}
	}
	return false
}

// completeBatch reconciles one batch per id. Runs on the loop.
func (e *Engine) completeBatch(c *completion) error {
	run, ok := e.bulks[c.opID]
	if !ok {
		slog.Debug("batch for resolved bulk ignored", "entity", e.cfg.Name, "op_id", c.opID)
		return nil
	}
	op, ok := e.state.Snapshot().Pending(c.opID)
	if !ok {
		delete(e.bulks, c.opID)
		return nil
	}
	b := c.batch
	offline := b.err != nil && gateway.IsTransient(b.err) && e.outbox != nil

	var touched []*ir.PendingOperation
	e.state.Transact(func(tx *state.Tx) {
		switch {
		case b.aborted:
			tx.DropTargets(op.OpID, b.ids)
			for _, id := range b.ids {
				run.items[id] = ItemResult{ID: id, Status: ItemAborted, Err: &EngineError{
					Code: CodeBatchAborted, Message: "an earlier batch failed", OpID: op.OpID, RecordID: id,
				}}
			}
		case offline:
			for _, id := range b.ids {
				run.items[id] = ItemResult{ID: id, Status: ItemQueued, Err: b.err}
			}
			run.cause = b.err
		case b.err != nil:
			tx.DropTargets(op.OpID, b.ids)
			for _, id := range b.ids {
				run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: b.err}
			}
		default:
			for _, id := range b.ids {
				it, found := gateway.BulkResult{Items: b.items}.Item(id)
				if !found {
					it = gateway.BulkItem{ID: id, Status: http.StatusBadGateway, Error: "missing from bulk response"}
				}
				touched = append(touched, e.reconcileItem(tx, op, run, it)...)
			}
		}
	})
	for _, id := range b.ids {
		if run.items[id].Status == ItemOK {
			e.ackedBase[id] = op.BaseVersions[id]
		}
	}
	e.repersist(touched)
	if offline {
		e.setOnline(false)
	}

	run.remaining--
	if run.remaining == 0 {
		delete(e.bulks, op.OpID)
		if run.cause == nil || !e.requeueBulk(op.OpID, run) {
			e.state.Transact(func(tx *state.Tx) { tx.Drop(op.OpID) })
			e.unqueue(op.OpID)
		}
		res := e.bulkResult(op.Action, run, op.OpID)
		slog.Info("bulk operation finished", "entity", e.cfg.Name, "op_id", op.OpID, "status", res.Status)
		e.settle(op, res)
	}
	e.release()
	return nil
}

// requeueBulk keeps the targets no batch reached for replay and reports
// whether they were queued. Acked targets are already resolved. Runs on
// the loop.
func (e *Engine) requeueBulk(opID string, run *bulkRun) bool {
	rest, ok := e.state.Snapshot().Pending(opID)
	if !ok {
		return false
	}
	if e.queued[opID] {
		e.repersist([]*ir.PendingOperation{rest})
	} else if err := e.persist(rest); err != nil {
		slog.Error("outbox append failed", "entity", e.cfg.Name, "op_id", opID, "error", err)
		for _, id := range rest.TargetIDs {
			run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: run.cause}
		}
		return false
	}
	e.state.Transact(func(tx *state.Tx) { tx.SetStatus(opID, ir.StatusQueued) })
	slog.Warn("gateway unreachable, bulk operation queued", "entity", e.cfg.Name, "op_id", opID, "ids", len(rest.TargetIDs), "error", run.cause)
	return true
}

// reconcileItem applies one per-id outcome inside a transaction.
func (e *Engine) reconcileItem(tx *state.Tx, op *ir.PendingOperation, run *bulkRun, it gateway.BulkItem) []*ir.PendingOperation {
	id := it.ID
	switch {
	case it.OK():
		var canonical []ir.Record
		var deleted []string
		if it.Record != nil {
			canonical = []ir.Record{*it.Record}
		} else if op.BulkOp == ir.OpDelete {
			deleted = []string{id}
		}
		acked := &ir.PendingOperation{Kind: op.BulkOp, BaseVersions: op.BaseVersions}
		tx.AckTargets(op.OpID, canonical, deleted)
		if len(canonical) == 0 && len(deleted) == 0 {
			tx.DropTargets(op.OpID, []string{id})
		}
		run.items[id] = ItemResult{ID: id, Status: ItemOK, Record: it.Record}
		return e.carryForward(tx, acked, canonical)

	case it.Status == http.StatusConflict:
		tx.DropTargets(op.OpID, []string{id})
		c := state.Conflict{
			OpID:        op.OpID,
			Operation:   op.BulkOp,
			Payload:     op.Payload,
			BaseVersion: op.BaseVersions[id],
			Server:      it.Record,
			Message:     it.Error,
		}
		if it.Record != nil {
			tx.Put(*it.Record)
		}
		tx.SetConflict(id, c)
		run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: &EngineError{
			Code: CodeConflict, Message: "stale version", OpID: op.OpID, RecordID: id, Err: it.Err(),
		}}

	case it.Status == http.StatusNotFound:
		tx.DropTargets(op.OpID, []string{id})
		tx.Remove(id)
		run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: &EngineError{
			Code: CodeNotApplicable, Message: "record no longer exists", OpID: op.OpID, RecordID: id, Err: it.Err(),
		}}

	default:
		tx.DropTargets(op.OpID, []string{id})
		var err error = it.Err()
		if it.Status == http.StatusUnprocessableEntity {
			err = &EngineError{Code: CodeValidation, Message: it.Error, OpID: op.OpID, RecordID: id, Err: err}
		}
		run.items[id] = ItemResult{ID: id, Status: ItemFailed, Err: err}
	}
	return nil
}

// bulkResult aggregates per-id outcomes in request order.
func (e *Engine) bulkResult(action string, run *bulkRun, opID string) *ActionResult {
	res := &ActionResult{Action: action, Kind: ir.KindBulk}
	if opID != "" {
		res.OpIDs = []string{opID}
	}
	ok, queued := 0, 0
	for _, id := range run.order {
		it, found := run.items[id]
		if !found {
			it = ItemResult{ID: id, Status: ItemFailed, Err: fmt.Errorf("no result for %s", id)}
		}
		res.Items = append(res.Items, it)
		if it.Status == ItemQueued {
			queued++
		}
		if it.Status == ItemOK {
			ok++
			if it.Record != nil {
				res.Records = append(res.Records, *it.Record)
			}
		}
	}
	switch {
	case queued > 0:
		res.Status = StatusQueued
		res.Err = run.cause
	case ok == len(res.Items) && ok > 0:
		res.Status = StatusOK
	case ok == 0:
		res.Status = StatusFailed
		res.Err = newError(CodeNotApplicable, "no record was updated")
		if len(res.Items) > 0 && res.Items[0].Err != nil {
			res.Err = res.Items[0].Err
		}
	default:
		res.Status = StatusPartial
	}
	return res
}

func notApplicable(id, msg string) ItemResult {
	return ItemResult{ID: id, Status: ItemNotApplicable, Err: &EngineError{Code: CodeNotApplicable, Message: msg, RecordID: id}}
}

// partition splits ids into consecutive batches of at most size.
func partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
