package harness

import "github.com/roach88/entityflow/internal/ir"

// TraceEvent records how one step ended.
type TraceEvent struct {
	Step   int      `json:"step"`
	Kind   string   `json:"kind"`
	Action string   `json:"action,omitempty"`
	IDs    []string `json:"ids,omitempty"`
	Status string   `json:"status,omitempty"`
	Error  string   `json:"error,omitempty"`
	OpIDs  []string `json:"op_ids,omitempty"`
	// Items maps record id to per-item status for bulk actions.
	Items map[string]string `json:"items,omitempty"`
}

func (e TraceEvent) object() ir.Object {
	obj := ir.Object{
		"step": ir.Int(e.Step),
		"kind": ir.String(e.Kind),
	}
	if e.Action != "" {
		obj["action"] = ir.String(e.Action)
	}
	if len(e.IDs) > 0 {
		obj["ids"] = stringArray(e.IDs)
	}
	if e.Status != "" {
		obj["status"] = ir.String(e.Status)
	}
	if e.Error != "" {
		obj["error"] = ir.String(e.Error)
	}
	if len(e.OpIDs) > 0 {
		obj["op_ids"] = stringArray(e.OpIDs)
	}
	if len(e.Items) > 0 {
		items := make(ir.Object, len(e.Items))
		for id, st := range e.Items {
			items[id] = ir.String(st)
		}
		obj["items"] = items
	}
	return obj
}

func stringArray(ss []string) ir.Array {
	arr := make(ir.Array, len(ss))
	for i, s := range ss {
		arr[i] = ir.String(s)
	}
	return arr
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final snapshot document.
	State ir.Object `json:"state,omitempty"`

	// Server holds the server's records at the end, in server order.
	Server []ir.Record `json:"server,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Document renders the result for golden comparison: the trace, the final
// engine state and the server's records.
func (r *Result) Document(name string) ir.Object {
	trace := make(ir.Array, len(r.Trace))
	for i, e := range r.Trace {
		trace[i] = e.object()
	}
	server := make(ir.Array, len(r.Server))
	for i, rec := range r.Server {
		server[i] = rec.Object()
	}
	state := r.State
	if state == nil {
		state = ir.Object{}
	}
	return ir.Object{
		"scenario": ir.String(name),
		"trace":    trace,
		"state":    state,
		"server":   server,
	}
}
