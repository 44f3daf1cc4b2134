// Package state is the client-side store for one entity instance.
//
// The store keeps two layers: the confirmed layer holds records exactly as
// the server last returned them, and the pending layer holds local
// operations in operation-log order. Every committed transaction
// materializes the visible view by replaying the optimistic pending
// operations over the confirmed layer and publishes it as an immutable
// Snapshot. Rolling back an operation is therefore just dropping it: the
// next materialization no longer applies it, and every unrelated record is
// left exactly as it was.
package state

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// DefaultLogRetention caps how many resolved op ids the operation log keeps.
const DefaultLogRetention = 1024

// Store owns the state of one entity instance. All mutation goes through
// Transact.
type Store struct {
	mu        sync.Mutex
	confirmed map[string]ir.Record
	order     []string
	total     int
	query     ListMeta
	selection map[string]struct{}
	pending   map[string]*ir.PendingOperation
	opLog     []string
	conflicts map[string]Conflict
	retention int
	revision  uint64

	current atomic.Pointer[Snapshot]

	subMu   sync.Mutex
	subs    map[int]func(*Snapshot)
	nextSub int
}

// Option configures a Store.
type Option func(*Store)

// WithLogRetention caps the number of resolved entries kept in the
// operation log. Pending entries are never trimmed.
func WithLogRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		confirmed: make(map[string]ir.Record),
		selection: make(map[string]struct{}),
		pending:   make(map[string]*ir.PendingOperation),
		conflicts: make(map[string]Conflict),
		retention: DefaultLogRetention,
		subs:      make(map[int]func(*Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(s.materialize())
	return s
}

// Snapshot returns the latest committed snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Record reads one visible record from the latest snapshot.
func (s *Store) Record(id string) (ir.Record, bool) {
	return s.Snapshot().Record(id)
}

// ListMeta reads the list metadata from the latest snapshot.
func (s *Store) ListMeta() ListMeta {
	return s.Snapshot().ListMeta()
}

// Subscribe registers fn for every committed snapshot. fn runs on the
// goroutine that committed the transaction. The returned function removes
// the subscription.
func (s *Store) Subscribe(fn func(*Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Transact applies fn to the store and atomically publishes the resulting
// snapshot. No subscriber or reader ever observes a partially applied fn.
func (s *Store) Transact(fn func(tx *Tx)) *Snapshot {
	s.mu.Lock()
	fn(&Tx{s: s})
	s.revision++
	snap := s.materialize()
	s.current.Store(snap)
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(*Snapshot), 0, len(s.subs))
	for _, id := range sortedKeys(s.subs) {
		subs = append(subs, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap
}

// materialize builds the visible view. Callers hold s.mu.
func (s *Store) materialize() *Snapshot {
	records := make(map[string]ir.Record, len(s.confirmed))
	for id, r := range s.confirmed {
		records[id] = r.Clone()
	}
	order := make([]string, 0, len(s.order))
	for _, id := range s.order {
		if _, ok := records[id]; ok {
			order = append(order, id)
		}
	}
	baseLen := len(order)

	states := make(map[string]RecordState)
	for _, opID := range s.opLog {
		op, ok := s.pending[opID]
		if !ok || op.Status == ir.StatusFailed || op.Status == ir.StatusAcked {
			continue
		}
		for _, id := range op.TargetIDs {
			states[id] = OptimisticPending
		}
		if !op.Optimistic {
			continue
		}
		order = apply(op, records, order)
	}

	conflicts := make(map[string]Conflict, len(s.conflicts))
	for id, c := range s.conflicts {
		conflicts[id] = c.clone()
		states[id] = ConflictReview
	}

	for id := range s.selection {
		if _, ok := records[id]; !ok {
			delete(s.selection, id)
		}
	}
	selection := make(map[string]struct{}, len(s.selection))
	for id := range s.selection {
		selection[id] = struct{}{}
	}

	pending := make(map[string]*ir.PendingOperation, len(s.pending))
	for id, op := range s.pending {
		pending[id] = op.Clone()
	}

	list := s.query.clone()
	list.IDs = order
	list.Total = max(0, s.total+len(order)-baseLen)

	return &Snapshot{
		revision:  s.revision,
		records:   records,
		list:      list,
		selection: selection,
		pending:   pending,
		opLog:     slices.Clone(s.opLog),
		states:    states,
		conflicts: conflicts,
	}
}

// apply replays one optimistic operation onto the view.
func apply(op *ir.PendingOperation, records map[string]ir.Record, order []string) []string {
	switch op.Effect() {
	case ir.OpCreate:
		if len(op.TargetIDs) == 0 {
			return order
		}
		id := op.TargetIDs[0]
		records[id] = ir.Record{ID: id, Fields: op.Payload.Clone()}
		if !slices.Contains(order, id) {
			order = append(order, id)
		}
	case ir.OpUpdate:
		for _, id := range op.TargetIDs {
			if r, ok := records[id]; ok {
				records[id] = r.Merge(op.Payload)
			}
		}
	case ir.OpDelete:
		for _, id := range op.TargetIDs {
			delete(records, id)
		}
		order = slices.DeleteFunc(order, func(id string) bool { return op.Targets(id) })
	}
	return order
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// trimLog drops the oldest resolved entries beyond the retention cap.
func (s *Store) trimLog() {
	excess := len(s.opLog) - s.retention
	if excess <= 0 {
		return
	}
	s.opLog = slices.DeleteFunc(s.opLog, func(id string) bool {
		if excess == 0 {
			return false
		}
		if _, pending := s.pending[id]; pending {
			return false
		}
		excess--
		return true
	})
}

// setQuery records the list parameters that produced the confirmed page.
func (s *Store) setQuery(p query.ListParams) {
	s.query.Page = p.Page
	s.query.PageSize = p.PageSize
	s.query.Filter = p.Filter
	s.query.Sort = p.Sort
}
