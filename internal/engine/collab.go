package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

// EditMode says whether an edit session may submit changes.
type EditMode string

const (
	ModeEditable EditMode = "editable"
	ModeReadOnly EditMode = "read-only"
)

// EditSession is the result of BeginEdit. A read-only session is not a
// failure: Err explains why (a lock held elsewhere, or a conflict under
// review) and the record is still available for preview.
type EditSession struct {
	Mode   EditMode
	HeldBy string
	Record ir.Record
	Err    error

	mu     sync.Mutex
	locker collab.Locker
	lease  *collab.Lease
}

// Release gives the collaboration lock back. It is safe to call more than
// once and on read-only sessions.
func (s *EditSession) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return nil
	}
	if err := s.locker.Release(ctx, *s.lease); err != nil {
		return fmt.Errorf("release lock on %s/%s: %w", s.lease.Entity, s.lease.ID, err)
	}
	s.lease = nil
	return nil
}

// Lease returns the held lease, if any.
func (s *EditSession) Lease() (collab.Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return collab.Lease{}, false
	}
	return *s.lease, true
}

// BeginEdit prepares to edit id. With a locker configured it acquires the
// advisory lock; a lock held by someone else yields a read-only session
// carrying a *LockHeldError, not an error.
func (e *Engine) BeginEdit(ctx context.Context, id string) (*EditSession, error) {
	e.mustInit("BeginEdit")

	snap := e.state.Snapshot()
	rec, ok := snap.Record(id)
	if !ok {
		return nil, &EngineError{Code: CodeNotApplicable, Message: "record " + id + " not found", RecordID: id}
	}
	s := &EditSession{Mode: ModeEditable, Record: rec, locker: e.locker}

	if snap.State(id) == state.ConflictReview {
		s.Mode = ModeReadOnly
		s.Err = &EngineError{Code: CodeConflict, Message: "record " + id + " is in conflict review", RecordID: id}
		return s, nil
	}
	if e.locker == nil {
		return s, nil
	}

	lease, err := e.locker.Acquire(ctx, e.cfg.Name, id, e.clientID)
	if he, held := collab.IsHeld(err); held {
		slog.Info("edit lock held elsewhere", "entity", e.cfg.Name, "id", id, "held_by", he.HeldBy)
		s.Mode = ModeReadOnly
		s.HeldBy = he.HeldBy
		s.Err = &LockHeldError{Entity: e.cfg.Name, ID: id, HeldBy: he.HeldBy}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock on %s/%s: %w", e.cfg.Name, id, err)
	}
	s.lease = &lease
	return s, nil
}

// Resolution is how a conflict under review ends.
type Resolution string

const (
	// Discard drops the local change and keeps the server record.
	Discard Resolution = "discard"
	// ForceOverwrite reissues the local change against the server's
	// current version.
	ForceOverwrite Resolution = "force-overwrite"
)

// forceAction names operations issued by ForceOverwrite.
const forceAction = "force-overwrite"

// ResolveConflict returns a record from conflict review to idle.
func (e *Engine) ResolveConflict(ctx context.Context, id string, how Resolution) (*ActionResult, error) {
	e.mustInit("ResolveConflict")

	switch how {
	case Discard:
		res := &ActionResult{Action: string(how)}
		err := e.exec(ctx, func() {
			var found bool
			e.state.Transact(func(tx *state.Tx) { _, found = tx.ClearConflict(id) })
			if !found {
				res.Status = StatusFailed
				res.Err = &EngineError{Code: CodeNotApplicable, Message: "record " + id + " is not in conflict review", RecordID: id}
				return
			}
			slog.Info("conflict discarded", "entity", e.cfg.Name, "id", id)
			if r, ok := e.state.Record(id); ok {
				res.Records = []ir.Record{r}
			}
			res.Status = StatusOK
			e.flush()
		})
		if err != nil {
			return nil, err
		}
		return res, nil

	case ForceOverwrite:
		callCtx, cancel := e.callContext(ctx)
		start := time.Now()
		current, err := e.gw.Get(callCtx, id)
		cancel()
		e.metrics.ObserveCall(e.cfg.Name, "get", time.Since(start))
		missing := gateway.IsNotFound(err)
		if err != nil && !missing {
			return nil, fmt.Errorf("get %s/%s: %w", e.cfg.Name, id, err)
		}

		var f *Future
		err = e.exec(ctx, func() {
			f = e.startForce(id, current, missing)
		})
		if err != nil {
			return nil, err
		}
		return f.Wait(ctx)
	}
	return nil, fmt.Errorf("unknown conflict resolution %q", how)
}

// startForce clears the conflict and reissues its change on top of the
// server's current record. Runs on the loop.
func (e *Engine) startForce(id string, current ir.Record, missing bool) *Future {
	fail := func(err *EngineError) *Future {
		return resolved(&ActionResult{Action: forceAction, Status: StatusFailed, Err: err})
	}

	var c state.Conflict
	var found bool
	e.state.Transact(func(tx *state.Tx) {
		c, found = tx.ClearConflict(id)
		if !found {
			return
		}
		if missing {
			tx.Remove(id)
		} else {
			tx.Put(current)
		}
	})
	if !found {
		return fail(&EngineError{Code: CodeNotApplicable, Message: "record " + id + " is not in conflict review", RecordID: id})
	}
	if missing {
		slog.Info("conflicted record no longer exists", "entity", e.cfg.Name, "id", id)
		return fail(&EngineError{Code: CodeNotApplicable, Message: "record " + id + " no longer exists", RecordID: id})
	}

	slog.Info("conflict force-overwritten", "entity", e.cfg.Name, "id", id, "op_id", c.OpID, "version", current.Version)
	op := e.newOp(forceAction, c.Operation, "", []string{id}, c.Payload)
	f := newFuture(e.stopped, op.OpID)
	e.futures[op.OpID] = f
	e.admit(op)
	return f
}
