package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/compiler"
	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/store"
	"github.com/roach88/entityflow/internal/testutil"
)

// DefaultClientID is stamped on operations when a scenario names none.
const DefaultClientID = "harness"

// Harness is the test execution engine. It drives one engine over an
// in-memory server with a deterministic sequencer, sequential op ids and a
// frozen wall clock, so the same scenario always produces the same trace.
type Harness struct {
	scenario *Scenario
	engine   *engine.Engine
	server   *gateway.Memory
	cfg      *ir.EntityConfig
	named    map[string]string // dispatch "as" name -> op id
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh server and, when it asks for one, a
// fresh outbox in a temporary directory.
//
// Execution flow:
// 1. Compile the entity file and seed the server
// 2. Start the engine and load the first page
// 3. Execute steps, checking each expect clause
// 4. Evaluate assertions against the final state
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	cfg, err := loadEntity(scenario)
	if err != nil {
		return nil, err
	}

	server := gateway.NewMemory(cfg.Name)
	for i, raw := range scenario.Seed {
		rec, err := seedRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("seed[%d]: %w", i, err)
		}
		server.Seed(rec)
	}
	if scenario.NextID > 0 {
		server.SetNextID(scenario.NextID)
	}
	if reject := scenario.Features.Reject; len(reject) > 0 {
		server.SetValidator(func(_ ir.OpKind, id string, _ ir.Object) error {
			if msg, ok := reject[id]; ok {
				return errors.New(msg)
			}
			return nil
		})
	}

	clientID := scenario.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	decline := scenario.Features.DeclineConfirm
	opts := []engine.Option{
		engine.WithClientID(clientID),
		engine.WithSequencer(testutil.NewDeterministicClock()),
		engine.WithOpIDGenerator(testutil.SequentialOpIDs{}),
		engine.WithNow(testutil.FixedNow),
		engine.WithOptimistic(!scenario.Features.Pessimistic),
		engine.WithConfirmer(func(context.Context, engine.Confirmation) (bool, error) {
			return !decline, nil
		}),
	}
	if scenario.Features.Locks {
		opts = append(opts, engine.WithLocker(collab.NewMemory(collab.WithNow(testutil.FixedNow))))
	}
	var outbox store.Outbox
	if driver := scenario.Features.Outbox; driver != "" {
		dir, err := os.MkdirTemp("", "entityflow-harness-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create outbox directory: %w", err)
		}
		defer os.RemoveAll(dir)
		outbox, err = store.OpenOutbox(driver, filepath.Join(dir, "outbox.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open outbox: %w", err)
		}
		defer outbox.Close()
		opts = append(opts, engine.WithOutbox(outbox))
	}

	eng, err := engine.New(cfg, server, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		eng.Stop()
		cancel()
		<-done
	}()

	if err := eng.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		engine:   eng,
		server:   server,
		cfg:      cfg,
		named:    make(map[string]string),
		logger:   slog.Default(),
	}

	result := NewResult()
	if err := h.executeSteps(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", err)
	}

	actx := &AssertionContext{
		Ctx:      ctx,
		Entity:   cfg.Name,
		Snapshot: eng.Snapshot(),
		Server:   server,
		Outbox:   outbox,
		Online:   eng.Online(),
	}
	result.State = actx.Snapshot.Document()
	result.Server = server.Records()
	for _, errMsg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// loadEntity compiles the scenario's entity file and picks its entity.
func loadEntity(s *Scenario) (*ir.EntityConfig, error) {
	cfgs, err := compiler.CompileFile(s.Entity)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	if s.EntityName == "" {
		if len(cfgs) > 1 {
			return nil, fmt.Errorf("%s declares %d entities; set entity_name", s.Entity, len(cfgs))
		}
		return cfgs[0], nil
	}
	for _, cfg := range cfgs {
		if cfg.Name == s.EntityName {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("%s: no entity named %q", s.Entity, s.EntityName)
}

// outcome is what one step produced, beyond its trace event.
type outcome struct {
	event       TraceEvent
	fieldErrors map[string]string
	path        string
	report      *engine.ReplayReport
	found       *bool
}

// executeSteps runs every step in order. Expected failures (conflicts,
// validation errors) are outcomes compared against expect clauses; only
// harness faults are returned as errors.
func (h *Harness) executeSteps(ctx context.Context, result *Result) error {
	for i, step := range h.scenario.Steps {
		out, err := h.executeStep(ctx, step)
		if err != nil {
			return fmt.Errorf("steps[%d] (%s): %w", i, step.Kind(), err)
		}
		out.event.Step = i
		out.event.Kind = step.Kind()
		result.Trace = append(result.Trace, out.event)

		for _, msg := range checkExpect(i, step.Expect, out) {
			result.AddError(msg)
		}

		h.logger.Debug("scenario step completed",
			"scenario", h.scenario.Name,
			"step", i,
			"kind", out.event.Kind,
			"status", out.event.Status,
			"error", out.event.Error,
		)
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step Step) (*outcome, error) {
	switch step.Kind() {
	case StepDispatch:
		input, err := toObject(step.Input)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		res, err := h.engine.DispatchAction(ctx, step.Dispatch, step.IDs, input)
		if err != nil {
			return nil, err
		}
		if step.As != "" && len(res.OpIDs) > 0 {
			h.named[step.As] = res.OpIDs[0]
		}
		out := resultOutcome(res)
		out.event.IDs = step.IDs
		return out, nil

	case StepNetwork:
		h.server.SetOffline(step.Network == "down")
		return &outcome{event: TraceEvent{Status: step.Network}}, nil

	case StepOffline:
		out := &outcome{event: TraceEvent{Status: "offline"}}
		if err := h.engine.SetOffline(ctx); err != nil {
			out.event.Error = errorCode(err)
		}
		return out, nil

	case StepReconnect:
		report, err := h.engine.Reconnect(ctx)
		if err != nil {
			return nil, err
		}
		status := "offline"
		if report.Online {
			status = "online"
		}
		return &outcome{event: TraceEvent{Status: status, OpIDs: report.Replayed}, report: report}, nil

	case StepPush:
		c, err := h.change(step.Push)
		if err != nil {
			return nil, err
		}
		if err := h.engine.Apply(ctx, c); err != nil {
			return nil, err
		}
		return &outcome{event: TraceEvent{Action: step.Push.Action, IDs: []string{c.ID}, Status: "applied"}}, nil

	case StepServer:
		return h.serverChange(step.Server)

	case StepCancel:
		opID := h.named[step.Cancel]
		found, err := h.engine.Cancel(ctx, opID)
		if err != nil {
			return nil, err
		}
		status := "cancelled"
		if !found {
			status = "settled"
		}
		return &outcome{event: TraceEvent{OpIDs: []string{opID}, Status: status}, found: &found}, nil

	case StepResolve:
		res, err := h.engine.ResolveConflict(ctx, step.Resolve.ID, engine.Resolution(step.Resolve.How))
		if err != nil {
			return nil, err
		}
		out := resultOutcome(res)
		out.event.IDs = []string{step.Resolve.ID}
		return out, nil

	case StepSelect:
		if err := h.engine.ClearSelection(ctx); err != nil {
			return nil, err
		}
		if err := h.engine.Select(ctx, step.Select...); err != nil {
			return nil, err
		}
		return &outcome{event: TraceEvent{IDs: step.Select, Status: "selected"}}, nil

	case StepRefresh:
		out := &outcome{event: TraceEvent{IDs: []string{step.Refresh}, Status: "refreshed"}}
		if _, err := h.engine.Refresh(ctx, step.Refresh); err != nil {
			out.event.Status = "failed"
			out.event.Error = errorCode(err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown step kind %v", step.Kinds())
}

// serverChange edits the server directly, as another client would.
func (h *Harness) serverChange(cs *ChangeStep) (*outcome, error) {
	out := &outcome{event: TraceEvent{Action: cs.Action, IDs: []string{cs.ID}, Status: "changed"}}
	switch cs.Action {
	case "create":
		c, err := h.change(cs)
		if err != nil {
			return nil, err
		}
		h.server.Seed(*c.Record)
	case "update":
		fields, err := toObject(cs.Fields)
		if err != nil {
			return nil, fmt.Errorf("fields: %w", err)
		}
		if _, err := h.server.Modify(cs.ID, fields); err != nil {
			out.event.Status = "failed"
			out.event.Error = errorCode(err)
		}
	case "delete":
		h.server.Remove(cs.ID)
	}
	return out, nil
}

// change builds a realtime change for this scenario's entity.
func (h *Harness) change(cs *ChangeStep) (ir.Change, error) {
	c := ir.Change{Entity: h.cfg.Name, Action: ir.ChangeAction(cs.Action), ID: cs.ID}
	if c.Action == ir.ChangeDelete {
		return c, nil
	}
	fields, err := toObject(cs.Fields)
	if err != nil {
		return ir.Change{}, fmt.Errorf("fields: %w", err)
	}
	version := cs.Version
	if version == "" {
		version = "1"
	}
	c.Record = &ir.Record{ID: cs.ID, Version: version, Fields: fields}
	return c, nil
}

func resultOutcome(res *engine.ActionResult) *outcome {
	out := &outcome{
		event: TraceEvent{
			Action: res.Action,
			Status: string(res.Status),
			Error:  errorCode(res.Err),
			OpIDs:  res.OpIDs,
		},
		fieldErrors: res.FieldErrors,
	}
	if len(res.Items) > 0 {
		out.event.Items = make(map[string]string, len(res.Items))
		for _, it := range res.Items {
			out.event.Items[it.ID] = string(it.Status)
		}
	}
	if res.Navigation != nil {
		out.path = res.Navigation.Path
	}
	return out
}

// errorCode names the class of err for traces and expect clauses.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	switch {
	case gateway.IsNotFound(err):
		return "NOT_FOUND"
	case gateway.IsConflict(err):
		return "CONFLICT"
	case gateway.IsValidation(err):
		return "VALIDATION"
	case gateway.IsTransient(err):
		return "TRANSIENT"
	}
	return "ERROR"
}

// checkExpect compares a step's outcome with its expect clause. A step
// without one must end without an error.
func checkExpect(i int, want *Expect, out *outcome) []string {
	got := out.event
	if want == nil {
		if got.Error != "" {
			return []string{fmt.Sprintf("steps[%d] (%s): unexpected error %s", i, got.Kind, got.Error)}
		}
		return nil
	}

	var errs []string
	mismatch := func(what string, expected, actual any) {
		errs = append(errs, fmt.Sprintf("steps[%d] (%s): %s: expected %v, got %v", i, got.Kind, what, expected, actual))
	}
	if want.Status != "" && want.Status != got.Status {
		mismatch("status", want.Status, got.Status)
	}
	if want.Error != "" && want.Error != got.Error {
		mismatch("error", want.Error, orNone(got.Error))
	}
	for _, id := range sortedKeys(want.Items) {
		if st := got.Items[id]; st != want.Items[id] {
			mismatch("item "+id, want.Items[id], orNone(st))
		}
	}
	for _, key := range sortedKeys(want.FieldErrors) {
		if msg := out.fieldErrors[key]; msg != want.FieldErrors[key] {
			mismatch("field error "+key, want.FieldErrors[key], orNone(msg))
		}
	}
	if want.Path != "" && want.Path != out.path {
		mismatch("path", want.Path, orNone(out.path))
	}
	if out.report != nil {
		if want.Replayed != nil && *want.Replayed != len(out.report.Replayed) {
			mismatch("replayed", *want.Replayed, len(out.report.Replayed))
		}
		if want.Conflicts != nil && *want.Conflicts != len(out.report.Conflicts) {
			mismatch("conflicts", *want.Conflicts, len(out.report.Conflicts))
		}
		if want.Remaining != nil && *want.Remaining != out.report.Remaining {
			mismatch("remaining", *want.Remaining, out.report.Remaining)
		}
		if want.Online != nil && *want.Online != out.report.Online {
			mismatch("online", *want.Online, out.report.Online)
		}
	}
	if want.Found != nil && out.found != nil && *want.Found != *out.found {
		mismatch("found", *want.Found, *out.found)
	}
	return errs
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// seedRecord converts a YAML seed entry into a server record.
func seedRecord(raw map[string]any) (ir.Record, error) {
	obj, err := toObject(raw)
	if err != nil {
		return ir.Record{}, err
	}
	return ir.RecordFromObject(obj)
}

// toObject converts YAML-decoded values to an ir.Object.
func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return nil, nil
	}
	v, err := ir.FromNative(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}
