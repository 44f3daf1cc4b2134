package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

// push merges an out-of-band change. A record with a pending operation or
// in conflict review is never overwritten: the change is buffered until the
// record is idle again. Runs on the loop.
func (e *Engine) push(c ir.Change) error {
	if c.Entity != "" && c.Entity != e.cfg.Name {
		return nil
	}
	return e.merge(c, false)
}

// Apply merges a change received outside the configured push source and
// returns once the loop has processed it.
func (e *Engine) Apply(ctx context.Context, c ir.Change) error {
	e.mustInit("Apply")
	var err error
	if xerr := e.exec(ctx, func() { err = e.push(c) }); xerr != nil {
		return xerr
	}
	return err
}

// merge applies c, or buffers it while its record is busy. Refresh passes
// fetched=true so a fetched copy is never discarded as an echo.
func (e *Engine) merge(c ir.Change, fetched bool) error {
	if c.ID == "" && c.Record != nil {
		c.ID = c.Record.ID
	}
	if c.ID == "" {
		slog.Warn("change without id ignored", "entity", e.cfg.Name, "action", c.Action)
		return nil
	}
	if e.state.Snapshot().State(c.ID) != state.Idle {
		if _, ok := e.buffered[c.ID]; !ok {
			e.bufferOrder = append(e.bufferOrder, c.ID)
		}
		e.buffered[c.ID] = append(e.buffered[c.ID], c)
		e.metrics.PushBuffered(e.cfg.Name)
		slog.Debug("push buffered behind local change", "entity", e.cfg.Name, "id", c.ID, "action", c.Action)
		return nil
	}
	if !fetched && e.stale(c) {
		return nil
	}
	e.state.Transact(func(tx *state.Tx) { applyChange(tx, c) })
	return nil
}

// stale reports whether c predates what the engine already knows: it
// carries the base version of an operation the server has acknowledged, or
// the version already confirmed.
func (e *Engine) stale(c ir.Change) bool {
	if c.Record == nil {
		return false
	}
	if base, ok := e.ackedBase[c.ID]; ok && base != "" && base == c.Record.Version {
		return true
	}
	if cur, ok := e.state.Snapshot().Record(c.ID); ok && cur.Same(*c.Record) {
		return true
	}
	return false
}

// flush applies buffered changes, in arrival order, for records that are
// idle again. Runs on the loop.
func (e *Engine) flush() {
	if len(e.bufferOrder) == 0 {
		return
	}
	snap := e.state.Snapshot()
	var ready []ir.Change
	pending := e.bufferOrder[:0]
	for _, id := range e.bufferOrder {
		if snap.State(id) != state.Idle {
			pending = append(pending, id)
			continue
		}
		for _, c := range e.buffered[id] {
			if e.stale(c) {
				slog.Debug("stale push discarded", "entity", e.cfg.Name, "id", id, "version", c.Record.Version)
				continue
			}
			ready = append(ready, c)
		}
		delete(e.buffered, id)
	}
	e.bufferOrder = pending
	if len(ready) == 0 {
		return
	}
	e.state.Transact(func(tx *state.Tx) {
		for _, c := range ready {
			applyChange(tx, c)
		}
	})
	slog.Debug("buffered pushes flushed", "entity", e.cfg.Name, "count", len(ready))
}

// applyChange installs one change in the confirmed layer. Updates for
// records outside the loaded page are ignored.
func applyChange(tx *state.Tx, c ir.Change) {
	switch c.Action {
	case ir.ChangeCreate:
		if c.Record != nil {
			tx.Put(*c.Record)
		}
	case ir.ChangeUpdate:
		if c.Record == nil {
			return
		}
		if _, ok := tx.Confirmed(c.ID); ok {
			tx.Put(*c.Record)
		}
	case ir.ChangeDelete:
		tx.Remove(c.ID)
	}
}
