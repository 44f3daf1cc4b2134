package engine

import (
	"time"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/form"
	"github.com/roach88/entityflow/internal/metrics"
	"github.com/roach88/entityflow/internal/realtime"
	"github.com/roach88/entityflow/internal/store"
)

// Option configures an Engine.
type Option func(*Engine)

// WithOptimistic toggles optimistic updates. Default: on.
func WithOptimistic(on bool) Option {
	return func(e *Engine) { e.optimistic = on }
}

// WithOutbox enables the offline queue backed by o.
func WithOutbox(o store.Outbox) Option {
	return func(e *Engine) { e.outbox = o }
}

// WithPushSource enables realtime merge of changes from src.
func WithPushSource(src realtime.Source) Option {
	return func(e *Engine) { e.source = src }
}

// WithLocker enables collaboration locks for BeginEdit.
func WithLocker(l collab.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCallTimeout bounds every gateway call. Expiry is handled like a
// network failure. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithCustomHandler registers the handler custom actions reach by name.
func WithCustomHandler(name string, h CustomHandler) Option {
	return func(e *Engine) { e.handlers[name] = h }
}

// WithConfirmer supplies the confirmation signal for confirm actions.
// Without one every confirm action is cancelled.
func WithConfirmer(c Confirmer) Option {
	return func(e *Engine) { e.confirmer = c }
}

// WithMetrics records engine activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithSequencer replaces the logical clock.
func WithSequencer(s Sequencer) Option {
	return func(e *Engine) { e.seq = s }
}

// WithOpIDGenerator replaces the content-addressed op id scheme.
func WithOpIDGenerator(g OpIDGenerator) Option {
	return func(e *Engine) { e.opIDs = g }
}

// WithClientID fixes the client id instead of generating a UUIDv7.
func WithClientID(id string) Option {
	return func(e *Engine) { e.clientID = id }
}

// WithRelation registers the lookup for relation fields that target
// another entity, usually that entity's Engine.Lookup.
func WithRelation(target string, fn form.Lookup) Option {
	return func(e *Engine) { e.formOpts = append(e.formOpts, form.WithRelation(target, fn)) }
}

// WithBulkConcurrency sets how many bulk batches run at once when an
// action does not say. Default: 1 (sequential).
func WithBulkConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.bulkConcurrency = n
		}
	}
}

// WithLogRetention caps the resolved entries kept in the operation log.
func WithLogRetention(n int) Option {
	return func(e *Engine) { e.logRetention = n }
}

// WithNow injects the wall clock used for SubmittedAt stamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
