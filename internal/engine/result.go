package engine

import (
	"context"
	"sync"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
)

// Status summarizes how a dispatched action ended.
type Status string

const (
	StatusOK          Status = "ok"
	StatusPartial     Status = "partial"
	StatusFailed      Status = "failed"
	StatusQueued      Status = "queued"
	StatusCancelled   Status = "cancelled"
	StatusInvalid     Status = "invalid"
	StatusDeclarative Status = "declarative"
)

// ItemStatus is the per-record outcome of a bulk action.
type ItemStatus string

const (
	ItemOK            ItemStatus = "ok"
	ItemFailed        ItemStatus = "failed"
	ItemQueued        ItemStatus = "queued"
	ItemNotApplicable ItemStatus = "not-applicable"
	ItemAborted       ItemStatus = "aborted"
)

// ItemResult is the outcome for one record of a bulk action.
type ItemResult struct {
	ID     string
	Status ItemStatus
	Record *ir.Record
	Err    error
}

// ModalDescription tells the host which component to open. The engine
// neither calls the server nor mutates state for it.
type ModalDescription struct {
	Component string
	Fields    []ir.FieldDescriptor
	Records   []ir.Record
}

// NavigationDescription is a resolved navigation target.
type NavigationDescription struct {
	Path string
}

// ActionResult is the single resolution of a dispatched action. Expected
// failures (validation, conflict, lock, not applicable) are reported here,
// never as the function error.
type ActionResult struct {
	Action string
	Kind   ir.ActionKind
	Status Status
	OpIDs  []string

	// Records holds the server-canonical records the action produced.
	Records []ir.Record
	// Items holds per-record outcomes for bulk actions, in request order.
	Items []ItemResult
	// FieldErrors maps field key to message when form validation fails.
	FieldErrors map[string]string
	Err         error

	Modal      *ModalDescription
	Navigation *NavigationDescription
	Download   *gateway.Export
	// Data is whatever a custom handler chose to return.
	Data ir.Value
}

// Item returns the outcome for id.
func (r *ActionResult) Item(id string) (ItemResult, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return ItemResult{}, false
}

// Future resolves once with the ActionResult of a submitted action.
type Future struct {
	opIDs   []string
	done    chan struct{}
	once    sync.Once
	result  *ActionResult
	stopped <-chan struct{}
}

func newFuture(stopped <-chan struct{}, opIDs ...string) *Future {
	return &Future{opIDs: opIDs, done: make(chan struct{}), stopped: stopped}
}

// resolved returns an already-resolved future.
func resolved(res *ActionResult) *Future {
	f := newFuture(nil, res.OpIDs...)
	f.resolve(res)
	return f
}

// OpIDs returns the pending operation ids the action created, for Cancel.
func (f *Future) OpIDs() []string {
	return append([]string(nil), f.opIDs...)
}

// Done is closed when the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the result without blocking.
func (f *Future) Result() (*ActionResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return nil, false
	}
}

// Wait blocks until the action resolves, ctx ends or the engine stops.
func (f *Future) Wait(ctx context.Context) (*ActionResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopped:
		select {
		case <-f.done:
			return f.result, nil
		default:
			return nil, ErrStopped
		}
	}
}

func (f *Future) resolve(res *ActionResult) {
	f.once.Do(func() {
		f.result = res
		close(f.done)
	})
}
