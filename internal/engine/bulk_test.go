package engine

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
)

func activeUsers() *gateway.Memory {
	gw := gateway.NewMemory("users")
	gw.Seed(user("A", "Ann", "active"), user("B", "Bob", "active"), user("C", "Cy", "active"))
	return gw
}

func itemStatuses(res *ActionResult) map[string]ItemStatus {
	out := make(map[string]ItemStatus, len(res.Items))
	for _, it := range res.Items {
		out[it.ID] = it.Status
	}
	return out
}

func TestBulk_PartialFailure(t *testing.T) {
	gw := activeUsers()
	gw.SetValidator(func(_ ir.OpKind, id string, _ ir.Object) error {
		if id == "B" {
			return errors.New("B is protected")
		}
		return nil
	})
	e := startEngine(t, gw)

	res, err := e.DispatchAction(context.Background(), "archive", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, map[string]ItemStatus{"A": ItemOK, "B": ItemFailed, "C": ItemOK}, itemStatuses(res))

	var order []string
	for _, it := range res.Items {
		order = append(order, it.ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, order, "items in request order")

	b, _ := res.Item("B")
	assert.Equal(t, CodeValidation, CodeOf(b.Err))
	assert.Contains(t, b.Err.Error(), "B is protected")

	assert.Equal(t, ir.String("archived"), fieldOf(t, e, "A", "status"))
	assert.Equal(t, ir.String("active"), fieldOf(t, e, "B", "status"))
	assert.Equal(t, ir.String("archived"), fieldOf(t, e, "C", "status"))
	assert.Empty(t, e.Snapshot().PendingOps())

	bulks := callsOf(gw, "bulk")
	require.Len(t, bulks, 3, "batch size 1")
	opID := res.OpIDs[0]
	assert.Equal(t, opID+"/0", bulks[0].IdempotencyKey)
}

func TestBulk_AtomicAbortsLaterBatches(t *testing.T) {
	gw := activeUsers()
	gw.SetValidator(func(_ ir.OpKind, id string, _ ir.Object) error {
		if id == "A" {
			return errors.New("A is protected")
		}
		return nil
	})
	e := startEngine(t, gw)

	res, err := e.DispatchAction(context.Background(), "archive-atomic", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, map[string]ItemStatus{"A": ItemFailed, "B": ItemAborted, "C": ItemAborted}, itemStatuses(res))

	c, _ := res.Item("C")
	assert.Equal(t, CodeBatchAborted, CodeOf(c.Err))
	assert.Len(t, callsOf(gw, "bulk"), 1)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, ir.String("active"), fieldOf(t, e, id, "status"), "record %s rolled back", id)
	}
}

func TestBulk_SelectionAndConditions(t *testing.T) {
	gw := seededGateway()
	e := startEngine(t, gw)
	ctx := context.Background()
	require.NoError(t, e.Select(ctx, "1", "3"))

	res, err := e.DispatchAction(ctx, "archive-active", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, map[string]ItemStatus{"1": ItemOK, "3": ItemNotApplicable}, itemStatuses(res))

	na, _ := res.Item("3")
	assert.True(t, IsNotApplicable(na.Err))

	bulks := callsOf(gw, "bulk")
	require.Len(t, bulks, 1)
	assert.Equal(t, []string{"1"}, bulks[0].IDs, "ineligible records never sent")
	assert.Equal(t, res.OpIDs[0], bulks[0].IdempotencyKey, "single batch keyed by op id")
}

func TestBulk_NothingEligible(t *testing.T) {
	gw := seededGateway()
	e := startEngine(t, gw)

	res, err := e.DispatchAction(context.Background(), "archive-active", []string{"3", "missing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, map[string]ItemStatus{"3": ItemNotApplicable, "missing": ItemNotApplicable}, itemStatuses(res))
	assert.Empty(t, res.OpIDs)
	assert.Empty(t, callsOf(gw, "bulk"))
}

func TestBulk_StaleItemEntersConflictReview(t *testing.T) {
	gw := activeUsers()
	e := startEngine(t, gw)
	_, err := gw.Modify("B", ir.Object{"name": ir.String("Bobby")})
	require.NoError(t, err)

	res, err := e.DispatchAction(context.Background(), "archive", []string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)

	b, _ := res.Item("B")
	assert.True(t, IsConflict(b.Err))
	snap := e.Snapshot()
	assert.Equal(t, state.ConflictReview, snap.State("B"))
	assert.Equal(t, state.Idle, snap.State("A"))
	c, ok := snap.Conflict("B")
	require.True(t, ok)
	assert.Equal(t, ir.OpUpdate, c.Operation)
}

func TestBulk_ConcurrentBatches(t *testing.T) {
	gw := activeUsers()
	e := startEngine(t, gw, WithBulkConcurrency(3))

	res, err := e.DispatchAction(context.Background(), "archive", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Len(t, res.Records, 3)
	assert.Len(t, callsOf(gw, "bulk"), 3)
}

func TestBulk_UnreachableServerQueuesForReplay(t *testing.T) {
	gw := activeUsers()
	outbox := openOutbox(t)
	e := startEngine(t, gw, WithOutbox(outbox))
	ctx := context.Background()

	gw.SetOffline(true)
	res, err := e.DispatchAction(ctx, "archive", []string{"A", "B"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.True(t, gateway.IsTransient(res.Err))
	assert.Equal(t, map[string]ItemStatus{"A": ItemQueued, "B": ItemQueued}, itemStatuses(res))
	assert.False(t, e.Online())
	assert.Equal(t, ir.String("archived"), fieldOf(t, e, "A", "status"), "optimistic change kept")

	queued, err := outbox.ListInOrder(ctx, "users")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, res.OpIDs[0], queued[0].OpID)
	assert.Equal(t, []string{"A", "B"}, queued[0].TargetIDs)

	gw.SetOffline(false)
	report, err := e.Reconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.OpIDs, report.Replayed)
	assert.True(t, report.Online)
	for _, id := range []string{"A", "B"} {
		rec, _ := gw.Record(id)
		assert.Equal(t, ir.String("archived"), rec.Fields["status"], id)
	}
	assert.Empty(t, e.Snapshot().PendingOps())
}

func TestBulk_NetworkFailureQueuesOnlyUnsentBatches(t *testing.T) {
	gw := activeUsers()
	outbox := openOutbox(t)
	e := startEngine(t, gw, WithOutbox(outbox))
	ctx := context.Background()

	gw.SetHook(func(_ context.Context, call gateway.Call) error {
		if call.Method == "bulk" && slices.Contains(call.IDs, "B") {
			return &gateway.NetworkError{Op: "bulk", Err: errors.New("connection reset")}
		}
		return nil
	})

	res, err := e.DispatchAction(ctx, "archive", []string{"A", "B", "C"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, map[string]ItemStatus{"A": ItemOK, "B": ItemQueued, "C": ItemOK}, itemStatuses(res))
	assert.False(t, e.Online())

	snap := e.Snapshot()
	assert.Equal(t, state.Idle, snap.State("A"))
	assert.Equal(t, state.OptimisticPending, snap.State("B"))
	pending := snap.PendingOps()
	require.Len(t, pending, 1)
	assert.Equal(t, ir.StatusQueued, pending[0].Status)
	assert.Equal(t, []string{"B"}, pending[0].TargetIDs)

	queued, err := outbox.ListInOrder(ctx, "users")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, []string{"B"}, queued[0].TargetIDs)

	gw.SetHook(nil)
	report, err := e.Reconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.OpIDs, report.Replayed)
	rec, _ := gw.Record("B")
	assert.Equal(t, ir.String("archived"), rec.Fields["status"])
	assert.Equal(t, "2", rec.Version)

	bulks := callsOf(gw, "bulk")
	require.Len(t, bulks, 4)
	assert.Equal(t, res.OpIDs[0], bulks[3].IdempotencyKey)
	assert.Equal(t, []string{"B"}, bulks[3].IDs)
}

func TestBulk_NetworkFailureWithoutOutboxFails(t *testing.T) {
	gw := activeUsers()
	e := startEngine(t, gw)

	gw.SetOffline(true)
	res, err := e.DispatchAction(context.Background(), "archive", []string{"A"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, map[string]ItemStatus{"A": ItemFailed}, itemStatuses(res))
	assert.True(t, e.Online())
	assert.Empty(t, e.Snapshot().PendingOps())
	assert.Equal(t, ir.String("active"), fieldOf(t, e, "A", "status"))
}

func TestPartition(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, partition(ids, 2))
	assert.Equal(t, [][]string{ids}, partition(ids, 0))
	assert.Equal(t, [][]string{ids}, partition(ids, 10))
	assert.Nil(t, partition(nil, 3))
}
