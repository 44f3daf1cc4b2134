package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entityflow/internal/form"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

// CustomRequest is what a custom handler receives.
type CustomRequest struct {
	Entity  string
	Action  string
	IDs     []string
	Records []ir.Record
	Input   ir.Object
}

// CustomResult is what a custom handler returns. Records are installed as
// server-canonical and Deleted ids removed, the way pushes are: a record
// with a pending operation or in conflict review gets them once it is idle.
type CustomResult struct {
	Records []ir.Record
	Deleted []string
	Data    ir.Value
}

// CustomHandler implements a custom action. It runs on the caller's
// goroutine, never on the Run loop.
type CustomHandler func(ctx context.Context, req CustomRequest) (CustomResult, error)

// Confirmation is the question put to the host for a confirm action.
type Confirmation struct {
	Action string
	Prompt string
	IDs    []string
}

// Confirmer answers confirmations. false (or an error) cancels the action.
type Confirmer func(ctx context.Context, c Confirmation) (bool, error)

// DispatchAction runs the action key against ids and waits for its result.
// Expected failures come back inside the ActionResult; the error is only
// for unknown actions, a stopped engine or ctx expiry.
func (e *Engine) DispatchAction(ctx context.Context, key string, ids []string, input ir.Object) (*ActionResult, error) {
	f, err := e.Submit(ctx, key, ids, input)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Submit dispatches the action key and returns without waiting for the
// server. The Future carries the op ids, for Cancel.
func (e *Engine) Submit(ctx context.Context, key string, ids []string, input ir.Object) (*Future, error) {
	e.mustInit("Submit")

	act, ok := e.cfg.Action(key)
	if !ok {
		return nil, newError(CodeUnknownAction, "entity %s has no action %q", e.cfg.Name, key)
	}
	e.metrics.Dispatched(e.cfg.Name, string(act.Kind()))
	slog.Debug("dispatching action", "entity", e.cfg.Name, "action", key, "kind", act.Kind(), "ids", ids)

	switch a := act.(type) {
	case ir.ModalAction:
		return resolved(e.modal(a, ids)), nil

	case ir.NavigationAction:
		return resolved(e.navigate(a, ids)), nil

	case ir.DownloadAction:
		return resolved(e.download(ctx, a, ids)), nil

	case ir.CustomAction:
		res, err := e.custom(ctx, a, ids, input)
		if err != nil {
			return nil, err
		}
		return resolved(res), nil

	case ir.ConfirmAction:
		if res := e.confirm(ctx, a, ids); res != nil {
			return resolved(res), nil
		}
		return e.mutate(ctx, a, a.Mutation, ids, a.Payload.Merge(input))

	case ir.FormAction:
		payload, res := e.validateForm(a, input)
		if res != nil {
			return resolved(res), nil
		}
		return e.mutate(ctx, a, a.Mutation, ids, payload)

	case ir.ImmediateAction:
		return e.mutate(ctx, a, a.Mutation, ids, a.Payload.Merge(input))

	case ir.BulkAction:
		return e.bulk(ctx, a, ids, input)
	}
	return nil, fmt.Errorf("entity %s: unhandled action kind %q", e.cfg.Name, act.Kind())
}

func (e *Engine) modal(a ir.ModalAction, ids []string) *ActionResult {
	desc := &ModalDescription{Component: a.Component}
	if len(a.Fields) == 0 {
		desc.Fields = append(desc.Fields, e.cfg.Fields...)
	}
	for _, key := range a.Fields {
		if f, ok := e.cfg.Field(key); ok {
			desc.Fields = append(desc.Fields, f)
		}
	}
	snap := e.state.Snapshot()
	for _, id := range ids {
		if r, ok := snap.Record(id); ok {
			desc.Records = append(desc.Records, r)
		}
	}
	return &ActionResult{Action: a.Key, Kind: a.Kind(), Status: StatusDeclarative, Modal: desc}
}

func (e *Engine) navigate(a ir.NavigationAction, ids []string) *ActionResult {
	res := &ActionResult{Action: a.Key, Kind: a.Kind()}
	var rec *ir.Record
	if len(ids) == 1 {
		if r, ok := e.state.Record(ids[0]); ok {
			rec = &r
		}
	}
	path, err := fillTemplate(a.Target, rec)
	if err != nil {
		res.Status = StatusFailed
		res.Err = &EngineError{Code: CodeNotApplicable, Message: err.Error()}
		return res
	}
	res.Status = StatusDeclarative
	res.Navigation = &NavigationDescription{Path: path}
	return res
}

// fillTemplate replaces {field} placeholders with escaped values of rec.
func fillTemplate(tmpl string, rec *ir.Record) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", tmpl)
		}
		field := rest[open+1 : open+end]
		if rec == nil {
			return "", fmt.Errorf("navigation target %q needs exactly one record", tmpl)
		}
		v, ok := rec.Get(field)
		if !ok {
			return "", fmt.Errorf("record %s has no field %q", rec.ID, field)
		}
		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(textOf(v)))
		rest = rest[open+end+1:]
	}
}

func textOf(v ir.Value) string {
	switch x := v.(type) {
	case ir.String:
		return string(x)
	case ir.Int:
		return strconv.FormatInt(int64(x), 10)
	case ir.Float:
		return strconv.FormatFloat(float64(x), 'f', -1, 64)
	case ir.Bool:
		return strconv.FormatBool(bool(x))
	case nil, ir.Null:
		return ""
	}
	return fmt.Sprint(v)
}

func (e *Engine) download(ctx context.Context, a ir.DownloadAction, ids []string) *ActionResult {
	res := &ActionResult{Action: a.Key, Kind: a.Kind()}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	start := time.Now()
	exp, err := e.gw.Export(callCtx, gateway.ExportRequest{
		Format: a.Format,
		IDs:    ids,
		Filter: e.state.ListMeta().Filter,
	})
	e.metrics.ObserveCall(e.cfg.Name, "export", time.Since(start))
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusOK
	res.Download = &exp
	return res
}

func (e *Engine) custom(ctx context.Context, a ir.CustomAction, ids []string, input ir.Object) (*ActionResult, error) {
	h, ok := e.handlers[a.Handler]
	if !ok {
		return nil, newError(CodeUnknownAction, "no custom handler %q registered for action %q", a.Handler, a.Key)
	}
	snap := e.state.Snapshot()
	req := CustomRequest{Entity: e.cfg.Name, Action: a.Key, IDs: ids, Input: input.Clone()}
	for _, id := range ids {
		if r, ok := snap.Record(id); ok {
			req.Records = append(req.Records, r)
		}
	}

	res := &ActionResult{Action: a.Key, Kind: a.Kind()}
	out, err := h(ctx, req)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res, nil
	}
	if len(out.Records) > 0 || len(out.Deleted) > 0 {
		err := e.exec(ctx, func() {
			for _, r := range out.Records {
				_ = e.merge(ir.Change{Entity: e.cfg.Name, Action: ir.ChangeCreate, ID: r.ID, Record: &r}, true)
			}
			for _, id := range out.Deleted {
				_ = e.merge(ir.Change{Entity: e.cfg.Name, Action: ir.ChangeDelete, ID: id}, true)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	res.Status = StatusOK
	res.Records = out.Records
	res.Data = out.Data
	return res, nil
}

// confirm returns a cancelled result unless the host confirms.
func (e *Engine) confirm(ctx context.Context, a ir.ConfirmAction, ids []string) *ActionResult {
	cancelled := func(err error) *ActionResult {
		return &ActionResult{Action: a.Key, Kind: a.Kind(), Status: StatusCancelled, Err: err}
	}
	if e.confirmer == nil {
		return cancelled(newError(CodeCancelled, "no confirmer registered for %q", a.Key))
	}
	ok, err := e.confirmer(ctx, Confirmation{Action: a.Key, Prompt: a.Prompt, IDs: ids})
	if err != nil {
		return cancelled(&EngineError{Code: CodeCancelled, Message: "confirmation failed", Err: err})
	}
	if !ok {
		return cancelled(newError(CodeCancelled, "%s declined", a.Key))
	}
	return nil
}

// validateForm returns the payload to send, or a result carrying the field
// errors. Updates are validated as patches.
func (e *Engine) validateForm(a ir.FormAction, input ir.Object) (ir.Object, *ActionResult) {
	fe := e.forms
	if len(a.Fields) > 0 {
		sub, err := e.forms.Subset(a.Fields)
		if err != nil {
			return nil, &ActionResult{Action: a.Key, Kind: a.Kind(), Status: StatusFailed,
				Err: &EngineError{Code: CodeValidation, Message: "form fields", Err: err}}
		}
		fe = sub
	}

	var r form.Result
	if a.Operation == ir.OpCreate {
		r = fe.Validate(input)
	} else {
		r = fe.ValidatePatch(input)
	}
	if !r.OK() {
		return nil, &ActionResult{
			Action:      a.Key,
			Kind:        a.Kind(),
			Status:      StatusInvalid,
			FieldErrors: r.Errors,
			Err:         newError(CodeValidation, "%d field(s) failed validation", len(r.Errors)),
		}
	}
	return a.Payload.Merge(r.Payload), nil
}

// mutate ships a single-record mutation to the loop.
func (e *Engine) mutate(ctx context.Context, act ir.Action, m ir.Mutation, ids []string, payload ir.Object) (*Future, error) {
	var f *Future
	err := e.exec(ctx, func() {
		f = e.startMutation(act, m, ids, payload)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// startMutation validates targets, applies the operation and sends it.
// Runs on the loop.
func (e *Engine) startMutation(act ir.Action, m ir.Mutation, ids []string, payload ir.Object) *Future {
	fail := func(err *EngineError) *Future {
		return resolved(&ActionResult{Action: act.ActionKey(), Kind: act.Kind(), Status: StatusFailed, Err: err})
	}

	var targets []string
	switch m.Operation {
	case ir.OpCreate:
	case ir.OpUpdate, ir.OpDelete:
		if len(ids) != 1 {
			return fail(newError(CodeNotApplicable, "%s %s needs exactly one record, got %d", m.Operation, e.cfg.Name, len(ids)))
		}
		snap := e.state.Snapshot()
		if _, ok := snap.Record(ids[0]); !ok {
			err := newError(CodeNotApplicable, "record %s not found", ids[0])
			err.RecordID = ids[0]
			return fail(err)
		}
		if snap.State(ids[0]) == state.ConflictReview {
			err := newError(CodeConflict, "record %s is in conflict review", ids[0])
			err.RecordID = ids[0]
			return fail(err)
		}
		targets = []string{ids[0]}
	default:
		return fail(newError(CodeNotApplicable, "unsupported operation %q", m.Operation))
	}

	op := e.newOp(act.ActionKey(), m.Operation, "", targets, payload)
	f := newFuture(e.stopped, op.OpID)
	e.futures[op.OpID] = f
	e.admit(op)
	return f
}

// newOp stamps a new pending operation. Runs on the loop.
func (e *Engine) newOp(action string, kind, bulkOp ir.OpKind, targets []string, payload ir.Object) *ir.PendingOperation {
	seq := e.seq.Next()
	if kind == ir.OpCreate {
		targets = []string{ir.TempID(seq)}
	}
	if payload == nil {
		payload = ir.Object{}
	}
	op := &ir.PendingOperation{
		OpID:           e.opIDs.OpID(e.clientID, e.cfg.Name, kind, targets, payload, seq),
		Seq:            seq,
		Action:         action,
		Kind:           kind,
		BulkOp:         bulkOp,
		TargetIDs:      targets,
		Payload:        payload.Clone(),
		BaseVersions:   make(map[string]string, len(targets)),
		SnapshotBefore: make(map[string]*ir.Record, len(targets)),
		SubmittedAt:    e.now(),
		Optimistic:     e.optimistic,
	}
	snap := e.state.Snapshot()
	for _, id := range targets {
		r, ok := snap.Record(id)
		if !ok {
			op.SnapshotBefore[id] = nil
			continue
		}
		op.BaseVersions[id] = r.Version
		op.SnapshotBefore[id] = &r
	}
	return op
}

// admit applies op locally and either sends it, holds it behind an earlier
// operation on the same record, or queues it while offline.
func (e *Engine) admit(op *ir.PendingOperation) {
	switch {
	case !e.online:
		op.Status = ir.StatusQueued
		if err := e.persist(op); err != nil {
			slog.Error("outbox append failed", "entity", e.cfg.Name, "op_id", op.OpID, "error", err)
			e.settle(op, &ActionResult{Status: StatusFailed, Err: err})
			return
		}
	case e.blocked(op):
		op.Status = ir.StatusWaiting
	default:
		op.Status = ir.StatusInFlight
	}

	e.state.Transact(func(tx *state.Tx) { tx.Add(op) })
	slog.Debug("operation applied", "entity", e.cfg.Name, "op_id", op.OpID, "seq", op.Seq, "kind", op.Kind, "status", op.Status)

	switch op.Status {
	case ir.StatusInFlight:
		e.send(op)
	case ir.StatusQueued:
		e.settle(op, &ActionResult{Status: StatusQueued})
	}
}

// blocked reports whether an in-flight or waiting operation already
// targets one of op's records.
func (e *Engine) blocked(op *ir.PendingOperation) bool {
	for _, other := range e.state.Snapshot().PendingOps() {
		if other.Status != ir.StatusInFlight && other.Status != ir.StatusWaiting {
			continue
		}
		for _, id := range op.TargetIDs {
			if other.Targets(id) {
				return true
			}
		}
	}
	return false
}

// kindOf returns the action kind for results built after the fact.
func (e *Engine) kindOf(action string) ir.ActionKind {
	if a, ok := e.cfg.Action(action); ok {
		return a.Kind()
	}
	return ""
}
