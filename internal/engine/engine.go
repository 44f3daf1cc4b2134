package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/form"
	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/metrics"
	"github.com/roach88/entityflow/internal/query"
	"github.com/roach88/entityflow/internal/realtime"
	"github.com/roach88/entityflow/internal/state"
	"github.com/roach88/entityflow/internal/store"
)

// DefaultCallTimeout bounds every gateway call unless WithCallTimeout
// overrides it.
const DefaultCallTimeout = 30 * time.Second

// Engine is the single-writer orchestrator for one entity instance.
//
// Every StateStore transaction and subscriber notification happens on the
// Run goroutine. Gateway calls run on their own goroutines and come back as
// completion events, reconciled by op id rather than arrival order.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - every other exported method: safe from any goroutine; mutations are
//     shipped to the Run loop as commands
//
// Fields below the loop-owned marker are only touched on the Run goroutine.
type Engine struct {
	cfg   *ir.EntityConfig
	gw    gateway.Gateway
	state *state.Store
	forms *form.Engine
	queue *eventQueue

	seq             Sequencer
	opIDs           OpIDGenerator
	clientID        string
	optimistic      bool
	outbox          store.Outbox
	source          realtime.Source
	locker          collab.Locker
	callTimeout     time.Duration
	handlers        map[string]CustomHandler
	confirmer       Confirmer
	metrics         *metrics.Collector
	formOpts        []form.Option
	bulkConcurrency int
	logRetention    int
	now             func() time.Time

	// Loop-owned.
	runCtx      context.Context
	futures     map[string]*Future
	bulks       map[string]*bulkRun
	cancels     map[string]context.CancelFunc
	buffered    map[string][]ir.Change
	bufferOrder []string
	ackedBase   map[string]string
	watchers    map[string]chan *ActionResult
	queued      map[string]bool
	online      bool
	restored    bool

	onlineFlag  atomic.Bool
	initialized atomic.Bool
	stopped     chan struct{}
	stopOnce    sync.Once
}

// New creates an engine for cfg over gw. cfg must come from
// ir.NewEntityConfig and is shared read-only.
func New(cfg *ir.EntityConfig, gw gateway.Gateway, opts ...Option) (*Engine, error) {
	if cfg == nil || !cfg.Indexed() {
		return nil, errors.New("engine: entity config must be built with ir.NewEntityConfig")
	}
	if gw == nil {
		return nil, fmt.Errorf("engine: entity %q has no gateway", cfg.Name)
	}

	e := &Engine{
		cfg:             cfg,
		gw:              gw,
		queue:           newEventQueue(),
		seq:             NewClock(),
		opIDs:           ContentAddressed{},
		optimistic:      true,
		callTimeout:     DefaultCallTimeout,
		handlers:        make(map[string]CustomHandler),
		bulkConcurrency: 1,
		now:             time.Now,
		runCtx:          context.Background(),
		futures:         make(map[string]*Future),
		bulks:           make(map[string]*bulkRun),
		cancels:         make(map[string]context.CancelFunc),
		buffered:        make(map[string][]ir.Change),
		ackedBase:       make(map[string]string),
		watchers:        make(map[string]chan *ActionResult),
		queued:          make(map[string]bool),
		online:          true,
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clientID == "" {
		e.clientID = NewClientID()
	}

	forms, err := form.New(cfg.Fields, e.formOpts...)
	if err != nil {
		return nil, fmt.Errorf("engine: entity %q: %w", cfg.Name, err)
	}
	e.forms = forms
	e.state = state.New(state.WithLogRetention(e.logRetention))
	e.onlineFlag.Store(true)
	return e, nil
}

// Config returns the entity configuration.
func (e *Engine) Config() *ir.EntityConfig { return e.cfg }

// ClientID returns the id this engine stamps on operations and locks.
func (e *Engine) ClientID() string { return e.clientID }

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop() is called.
//
// ERROR HANDLING: a failing event is logged with its context and the loop
// moves on to the next one. The loop never retries by itself.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.runCtx = runCtx
	defer e.stopOnce.Do(func() { close(e.stopped) })

	slog.Info("engine starting", "entity", e.cfg.Name, "client_id", e.clientID)
	e.subscribePushes(runCtx)

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			if err := e.processEvent(event); err != nil {
				logEventError(event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled", "entity", e.cfg.Name)
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed with the queue.
			if e.queue.Drained() {
				slog.Info("engine stopping: queue closed", "entity", e.cfg.Name)
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine. Run returns once the queued
// events are drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

// subscribePushes forwards realtime changes into the loop.
func (e *Engine) subscribePushes(ctx context.Context) {
	if e.source == nil {
		return
	}
	ch, err := e.source.Subscribe(ctx)
	if err != nil {
		slog.Warn("realtime subscription failed, continuing without pushes", "entity", e.cfg.Name, "error", err)
		return
	}
	go func() {
		for c := range ch {
			if !e.queue.Enqueue(Event{Type: EventTypePush, Change: &c}) {
				return
			}
		}
	}()
}

// processEvent routes an event to its handler. Called only from Run.
func (e *Engine) processEvent(event Event) error {
	switch event.Type {
	case EventTypeCommand:
		if event.Command == nil {
			return errors.New("command event missing function")
		}
		event.Command()
		return nil

	case EventTypeCompletion:
		if event.Completion == nil {
			return errors.New("completion event missing completion data")
		}
		return e.complete(event.Completion)

	case EventTypePush:
		if event.Change == nil {
			return errors.New("push event missing change")
		}
		return e.push(*event.Change)

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

// exec runs fn on the loop and waits for it to finish.
func (e *Engine) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ok := e.queue.Enqueue(Event{Type: EventTypeCommand, Command: func() {
		defer close(done)
		fn()
	}})
	if !ok {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) mustInit(op string) {
	if !e.initialized.Load() {
		panic(&ContractError{Code: CodeNotInitialized, Op: op, Message: "Init has not completed"})
	}
}

// callContext bounds one gateway call.
func (e *Engine) callContext(parent context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout > 0 {
		return context.WithTimeout(parent, e.callTimeout)
	}
	return context.WithCancel(parent)
}

// Init loads the first page and restores any operations left in the
// outbox. A transient list failure is tolerated when an outbox is
// configured: the engine starts offline with whatever it restored.
// Calling Init again only reloads.
func (e *Engine) Init(ctx context.Context, params ...query.ListParams) error {
	var p query.ListParams
	if len(params) > 0 {
		p = params[0]
	}
	p = p.Normalize(e.cfg.DefaultPageSize, e.cfg.DefaultSort)

	var restored []ir.QueuedOperation
	if e.outbox != nil && !e.initialized.Load() {
		ops, err := e.outbox.ListInOrder(ctx, e.cfg.Name)
		if err != nil {
			return fmt.Errorf("restore outbox for %s: %w", e.cfg.Name, err)
		}
		for _, q := range ops {
			if err := q.Validate(); err != nil {
				slog.Warn("skipping invalid outbox entry", "entity", e.cfg.Name, "op_id", q.OpID, "error", err)
				continue
			}
			restored = append(restored, q)
		}
	}

	callCtx, cancel := e.callContext(ctx)
	start := time.Now()
	res, err := e.gw.List(callCtx, p)
	cancel()
	e.metrics.ObserveCall(e.cfg.Name, "list", time.Since(start))
	offline := false
	if err != nil {
		if e.outbox == nil || !gateway.IsTransient(err) {
			return fmt.Errorf("list %s: %w", e.cfg.Name, err)
		}
		slog.Warn("initial list failed, starting offline", "entity", e.cfg.Name, "error", err)
		offline = true
	}

	return e.exec(ctx, func() {
		if !offline {
			e.state.Transact(func(tx *state.Tx) { tx.Reset(res.Records, res.Total, p) })
		}
		if !e.restored {
			e.restore(restored)
			e.restored = true
		}
		if offline || len(e.queued) > 0 {
			e.setOnline(false)
		}
		e.initialized.Store(true)
		slog.Info("engine initialized", "entity", e.cfg.Name, "records", len(res.Records), "restored", len(restored), "online", e.online)
	})
}

// Load replaces the confirmed page with the result of params.
func (e *Engine) Load(ctx context.Context, params query.ListParams) error {
	e.mustInit("Load")
	p := params.Normalize(e.cfg.DefaultPageSize, e.cfg.DefaultSort)

	callCtx, cancel := e.callContext(ctx)
	start := time.Now()
	res, err := e.gw.List(callCtx, p)
	cancel()
	e.metrics.ObserveCall(e.cfg.Name, "list", time.Since(start))
	if err != nil {
		return fmt.Errorf("list %s: %w", e.cfg.Name, err)
	}
	return e.exec(ctx, func() {
		e.state.Transact(func(tx *state.Tx) { tx.Reset(res.Records, res.Total, p) })
	})
}

// Refresh fetches one record from the server. A record with local changes
// in flight is not overwritten; the fetched copy is merged once it settles.
func (e *Engine) Refresh(ctx context.Context, id string) (ir.Record, error) {
	e.mustInit("Refresh")

	callCtx, cancel := e.callContext(ctx)
	start := time.Now()
	rec, err := e.gw.Get(callCtx, id)
	cancel()
	e.metrics.ObserveCall(e.cfg.Name, "get", time.Since(start))

	change := ir.Change{Entity: e.cfg.Name, Action: ir.ChangeCreate, ID: id, Record: &rec}
	switch {
	case gateway.IsNotFound(err):
		change = ir.Change{Entity: e.cfg.Name, Action: ir.ChangeDelete, ID: id}
	case err != nil:
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", e.cfg.Name, id, err)
	}
	if xerr := e.exec(ctx, func() { _ = e.merge(change, true) }); xerr != nil {
		return ir.Record{}, xerr
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("get %s/%s: %w", e.cfg.Name, id, err)
	}
	return rec, nil
}

// Subscribe registers fn for every committed snapshot. fn runs on the Run
// goroutine and must not call back into the engine synchronously.
func (e *Engine) Subscribe(fn func(*state.Snapshot)) (unsubscribe func()) {
	return e.state.Subscribe(fn)
}

// Snapshot returns the latest committed snapshot.
func (e *Engine) Snapshot() *state.Snapshot {
	return e.state.Snapshot()
}

// Lookup returns a read-only existence check over this engine's records,
// for relation fields of other entities.
func (e *Engine) Lookup() form.Lookup {
	return func(id string) bool {
		_, ok := e.state.Record(id)
		return ok
	}
}

// Online reports whether the engine sends operations directly. It turns
// false on the first transient failure and true again once Reconnect has
// drained the outbox.
func (e *Engine) Online() bool {
	return e.onlineFlag.Load()
}

// SetOffline forces the engine offline: new operations are queued until
// Reconnect. It needs an outbox.
func (e *Engine) SetOffline(ctx context.Context) error {
	e.mustInit("SetOffline")
	if e.outbox == nil {
		return fmt.Errorf("entity %s: offline mode needs an outbox", e.cfg.Name)
	}
	return e.exec(ctx, func() { e.setOnline(false) })
}

func (e *Engine) setOnline(online bool) {
	if e.online != online {
		slog.Info("connectivity changed", "entity", e.cfg.Name, "online", online)
	}
	e.online = online
	e.onlineFlag.Store(online)
}

// Select adds ids to the selection.
func (e *Engine) Select(ctx context.Context, ids ...string) error {
	return e.exec(ctx, func() {
		e.state.Transact(func(tx *state.Tx) { tx.Select(ids...) })
	})
}

// Deselect removes ids from the selection.
func (e *Engine) Deselect(ctx context.Context, ids ...string) error {
	return e.exec(ctx, func() {
		e.state.Transact(func(tx *state.Tx) { tx.Deselect(ids...) })
	})
}

// ClearSelection empties the selection.
func (e *Engine) ClearSelection(ctx context.Context) error {
	return e.exec(ctx, func() {
		e.state.Transact(func(tx *state.Tx) { tx.ClearSelection() })
	})
}

// logEventError logs a failed event with full context for manual recovery.
func logEventError(event Event, err error) {
	switch event.Type {
	case EventTypeCompletion:
		if event.Completion != nil {
			slog.Error("completion processing failed",
				"error", err,
				"op_id", event.Completion.opID,
			)
		} else {
			slog.Error("completion processing failed",
				"error", err,
				"event_type", "completion",
				"note", "completion data was nil",
			)
		}

	case EventTypePush:
		if event.Change != nil {
			slog.Error("push processing failed",
				"error", err,
				"entity", event.Change.Entity,
				"id", event.Change.ID,
				"action", event.Change.Action,
			)
		} else {
			slog.Error("push processing failed",
				"error", err,
				"event_type", "push",
				"note", "change data was nil",
			)
		}

	default:
		slog.Error("event processing failed",
			"error", err,
			"event_type", event.Type,
		)
	}
}
