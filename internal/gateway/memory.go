package gateway

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// Call describes one gateway invocation, as seen by a Hook.
type Call struct {
	Method         string
	ID             string
	IDs            []string
	IdempotencyKey string
}

// Hook runs before every Memory call. Returning an error fails the call
// with that error; blocking delays it, which lets tests control network
// completion order.
type Hook func(ctx context.Context, call Call) error

// Validator rejects writes server-side. A non-nil error fails the record
// with HTTP 422.
type Validator func(op ir.OpKind, id string, fields ir.Object) error

// Memory is an in-process CRUD server with integer versions, idempotency
// replay and a change feed.
type Memory struct {
	mu        sync.Mutex
	entity    string
	records   map[string]ir.Record
	order     []string
	nextID    int64
	idem      map[string]idemEntry
	offline   bool
	hook      Hook
	validator Validator
	calls     []Call
	subs      map[int]chan ir.Change
	nextSub   int
}

type idemEntry struct {
	record ir.Record
	bulk   BulkResult
	err    error
}

var _ Gateway = (*Memory)(nil)

// NewMemory creates an empty server for entity.
func NewMemory(entity string) *Memory {
	return &Memory{
		entity:  entity,
		records: make(map[string]ir.Record),
		idem:    make(map[string]idemEntry),
		subs:    make(map[int]chan ir.Change),
	}
}

// Seed installs records as-is. Records without a version get "1". Numeric
// ids advance the id counter so later creates do not collide.
func (m *Memory) Seed(recs ...ir.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range recs {
		r = r.Clone()
		if r.Version == "" {
			r.Version = "1"
		}
		if r.Fields == nil {
			r.Fields = ir.Object{}
		}
		if _, exists := m.records[r.ID]; !exists {
			m.order = append(m.order, r.ID)
		}
		m.records[r.ID] = r
		if n, err := strconv.ParseInt(r.ID, 10, 64); err == nil && n > m.nextID {
			m.nextID = n
		}
	}
}

// SetNextID makes the next create receive id n.
func (m *Memory) SetNextID(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = n - 1
}

// SetOffline makes every call fail with *NetworkError until reset.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetHook installs the pre-call hook. nil removes it.
func (m *Memory) SetHook(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = h
}

// SetValidator installs the server-side write validator.
func (m *Memory) SetValidator(v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator = v
}

// Calls returns every call made so far, in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// Records returns every stored record in creation order.
func (m *Memory) Records() []ir.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Record returns one stored record.
func (m *Memory) Record(id string) (ir.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r.Clone(), ok
}

// Modify simulates a write made by another client: it patches the record,
// bumps its version and publishes the change.
func (m *Memory) Modify(id string, patch ir.Object) (ir.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[id]
	if !ok {
		return ir.Record{}, &HTTPError{Op: "modify", Status: http.StatusNotFound, Message: "record " + id + " not found"}
	}
	next := cur.Merge(patch)
	next.Version = bumpVersion(cur.Version)
	m.records[id] = next
	m.publishLocked(ir.Change{Entity: m.entity, Action: ir.ChangeUpdate, ID: id, Record: ptr(next.Clone())})
	return next.Clone(), nil
}

// Remove simulates a delete made by another client.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return
	}
	m.deleteLocked(id)
	m.publishLocked(ir.Change{Entity: m.entity, Action: ir.ChangeDelete, ID: id})
}

// Subscribe streams every change applied to the server until ctx ends.
// Slow subscribers miss changes rather than block writers.
func (m *Memory) Subscribe(ctx context.Context) (<-chan ir.Change, error) {
	ch := make(chan ir.Change, 64)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// before records the call, runs the hook and applies offline and context
// failures.
func (m *Memory) before(ctx context.Context, call Call) error {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	hook, offline := m.hook, m.offline
	m.mu.Unlock()

	if offline {
		return &NetworkError{Op: call.Method, Err: errors.New("server unreachable")}
	}
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Op: call.Method, Err: err}
		}
		return err
	}
	return nil
}

// List implements Gateway.
func (m *Memory) List(ctx context.Context, params query.ListParams) (ListResult, error) {
	if err := m.before(ctx, Call{Method: "list"}); err != nil {
		return ListResult{}, err
	}
	m.mu.Lock()
	all := m.snapshotLocked()
	m.mu.Unlock()

	page, total := query.Apply(all, params)
	return ListResult{Records: page, Total: total}, nil
}

// Get implements Gateway.
func (m *Memory) Get(ctx context.Context, id string) (ir.Record, error) {
	if err := m.before(ctx, Call{Method: "get", ID: id}); err != nil {
		return ir.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ir.Record{}, notFound("get", id)
	}
	return r.Clone(), nil
}

// Create implements Gateway.
func (m *Memory) Create(ctx context.Context, req CreateRequest) (ir.Record, error) {
	if err := m.before(ctx, Call{Method: "create", IdempotencyKey: req.IdempotencyKey}); err != nil {
		return ir.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.replayLocked(req.IdempotencyKey); ok {
		return e.record.Clone(), e.err
	}
	rec, err := m.createLocked(req.Payload)
	m.rememberLocked(req.IdempotencyKey, idemEntry{record: rec, err: err})
	return rec.Clone(), err
}

// Update implements Gateway.
func (m *Memory) Update(ctx context.Context, req UpdateRequest) (ir.Record, error) {
	if err := m.before(ctx, Call{Method: "update", ID: req.ID, IdempotencyKey: req.IdempotencyKey}); err != nil {
		return ir.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.replayLocked(req.IdempotencyKey); ok {
		return e.record.Clone(), e.err
	}
	rec, err := m.updateLocked("update", req.ID, req.Version, req.Payload)
	m.rememberLocked(req.IdempotencyKey, idemEntry{record: rec, err: err})
	return rec.Clone(), err
}

// Delete implements Gateway.
func (m *Memory) Delete(ctx context.Context, req DeleteRequest) error {
	if err := m.before(ctx, Call{Method: "delete", ID: req.ID, IdempotencyKey: req.IdempotencyKey}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.replayLocked(req.IdempotencyKey); ok {
		return e.err
	}
	err := m.removeLocked("delete", req.ID, req.Version)
	m.rememberLocked(req.IdempotencyKey, idemEntry{err: err})
	return err
}

// Bulk implements Gateway. Each id succeeds or fails on its own.
func (m *Memory) Bulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if err := m.before(ctx, Call{Method: "bulk", IDs: slices.Clone(req.IDs), IdempotencyKey: req.IdempotencyKey}); err != nil {
		return BulkResult{}, err
	}
	if req.Operation != ir.OpUpdate && req.Operation != ir.OpDelete {
		return BulkResult{}, &HTTPError{Op: "bulk", Status: http.StatusBadRequest, Message: fmt.Sprintf("unsupported bulk operation %q", req.Operation)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.replayLocked(req.IdempotencyKey); ok {
		return e.bulk, e.err
	}
	res := BulkResult{Items: make([]BulkItem, 0, len(req.IDs))}
	for _, id := range req.IDs {
		item := BulkItem{ID: id, Status: http.StatusOK}
		var err error
		if req.Operation == ir.OpDelete {
			err = m.removeLocked("bulk", id, req.Versions[id])
		} else {
			var rec ir.Record
			rec, err = m.updateLocked("bulk", id, req.Versions[id], req.Payload)
			if err == nil {
				item.Record = ptr(rec.Clone())
			}
		}
		if err != nil {
			item.Status = StatusOf(err)
			if item.Status == 0 {
				item.Status = http.StatusInternalServerError
			}
			var he *HTTPError
			if errors.As(err, &he) {
				item.Error = he.Message
			} else {
				item.Error = err.Error()
			}
		}
		res.Items = append(res.Items, item)
	}
	m.rememberLocked(req.IdempotencyKey, idemEntry{bulk: res})
	return res, nil
}

// Export implements Gateway. Supported formats are csv and json.
func (m *Memory) Export(ctx context.Context, req ExportRequest) (Export, error) {
	if err := m.before(ctx, Call{Method: "export", IDs: slices.Clone(req.IDs)}); err != nil {
		return Export{}, err
	}
	m.mu.Lock()
	all := m.snapshotLocked()
	m.mu.Unlock()

	recs := query.Filter(req.Filter, all)
	if len(req.IDs) > 0 {
		recs = slices.DeleteFunc(recs, func(r ir.Record) bool { return !slices.Contains(req.IDs, r.ID) })
	}

	switch req.Format {
	case "", "csv":
		data, err := encodeCSV(recs)
		if err != nil {
			return Export{}, err
		}
		return Export{ContentType: "text/csv", Filename: m.entity + ".csv", Data: data}, nil
	case "json":
		arr := make(ir.Array, len(recs))
		for i, r := range recs {
			arr[i] = r.Object()
		}
		data, err := ir.MarshalCanonical(arr)
		if err != nil {
			return Export{}, err
		}
		return Export{ContentType: "application/json", Filename: m.entity + ".json", Data: data}, nil
	default:
		return Export{}, &HTTPError{Op: "export", Status: http.StatusBadRequest, Message: fmt.Sprintf("unsupported export format %q", req.Format)}
	}
}

func (m *Memory) createLocked(payload ir.Object) (ir.Record, error) {
	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	if err := m.validateLocked(ir.OpCreate, id, payload); err != nil {
		m.nextID--
		return ir.Record{}, err
	}
	rec := ir.Record{ID: id, Version: "1", Fields: payload.Clone()}
	if rec.Fields == nil {
		rec.Fields = ir.Object{}
	}
	m.records[id] = rec
	m.order = append(m.order, id)
	m.publishLocked(ir.Change{Entity: m.entity, Action: ir.ChangeCreate, ID: id, Record: ptr(rec.Clone())})
	return rec, nil
}

func (m *Memory) updateLocked(op, id, version string, payload ir.Object) (ir.Record, error) {
	cur, ok := m.records[id]
	if !ok {
		return ir.Record{}, notFound(op, id)
	}
	if version != "" && version != cur.Version {
		return ir.Record{}, conflict(op, id, version, cur)
	}
	next := cur.Merge(payload)
	if err := m.validateLocked(ir.OpUpdate, id, next.Fields); err != nil {
		return ir.Record{}, err
	}
	next.Version = bumpVersion(cur.Version)
	m.records[id] = next
	m.publishLocked(ir.Change{Entity: m.entity, Action: ir.ChangeUpdate, ID: id, Record: ptr(next.Clone())})
	return next, nil
}

func (m *Memory) removeLocked(op, id, version string) error {
	cur, ok := m.records[id]
	if !ok {
		return notFound(op, id)
	}
	if version != "" && version != cur.Version {
		return conflict(op, id, version, cur)
	}
	if err := m.validateLocked(ir.OpDelete, id, cur.Fields); err != nil {
		return err
	}
	m.deleteLocked(id)
	m.publishLocked(ir.Change{Entity: m.entity, Action: ir.ChangeDelete, ID: id})
	return nil
}

func (m *Memory) deleteLocked(id string) {
	delete(m.records, id)
	m.order = slices.DeleteFunc(m.order, func(o string) bool { return o == id })
}

func (m *Memory) validateLocked(op ir.OpKind, id string, fields ir.Object) error {
	if m.validator == nil {
		return nil
	}
	if err := m.validator(op, id, fields); err != nil {
		return &HTTPError{Op: string(op), Status: http.StatusUnprocessableEntity, Message: err.Error()}
	}
	return nil
}

func (m *Memory) replayLocked(key string) (idemEntry, bool) {
	if key == "" {
		return idemEntry{}, false
	}
	e, ok := m.idem[key]
	if ok {
		slog.Debug("idempotent replay", "entity", m.entity, "op_id", key)
	}
	return e, ok
}

func (m *Memory) rememberLocked(key string, e idemEntry) {
	if key != "" {
		m.idem[key] = e
	}
}

func (m *Memory) snapshotLocked() []ir.Record {
	out := make([]ir.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id].Clone())
	}
	return out
}

func (m *Memory) publishLocked(c ir.Change) {
	for id, ch := range m.subs {
		select {
		case ch <- c:
		default:
			slog.Warn("dropping change for slow subscriber", "entity", m.entity, "subscriber", id, "id", c.ID)
		}
	}
}

func notFound(op, id string) error {
	return &HTTPError{Op: op, Status: http.StatusNotFound, Message: "record " + id + " not found"}
}

func conflict(op, id, version string, cur ir.Record) error {
	c := cur.Clone()
	return &HTTPError{
		Op:      op,
		Status:  http.StatusConflict,
		Message: fmt.Sprintf("record %s is at version %s, not %s", id, cur.Version, version),
		Current: &c,
	}
}

func bumpVersion(v string) string {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return "1"
	}
	return strconv.FormatInt(n+1, 10)
}

func ptr[T any](v T) *T { return &v }

// encodeCSV writes id, version and the sorted union of field keys.
func encodeCSV(recs []ir.Record) ([]byte, error) {
	keySet := map[string]struct{}{}
	for _, r := range recs {
		for k := range r.Fields {
			keySet[k] = struct{}{}
		}
	}
	keys := ir.Object{}
	for k := range keySet {
		keys[k] = ir.Null{}
	}
	header := append([]string{ir.KeyID, ir.KeyVersion}, keys.SortedKeys()...)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range recs {
		row := []string{r.ID, r.Version}
		for _, k := range header[2:] {
			row = append(row, cellText(r.Fields[k]))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func cellText(v ir.Value) string {
	switch val := v.(type) {
	case nil, ir.Null:
		return ""
	case ir.String:
		return string(val)
	default:
		b, err := ir.MarshalCanonical(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
