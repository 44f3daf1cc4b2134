package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

func newHTTPPair(t *testing.T) (*Memory, *HTTPGateway) {
	t.Helper()
	mem := seeded()
	srv := httptest.NewServer(NewServer("users", "/api/users", mem, WithLocks(collab.NewMemory())))
	t.Cleanup(srv.Close)
	return mem, NewHTTP("users", srv.URL, "/api/users", WithHTTPClient(srv.Client()))
}

func TestHTTPGatewayCRUD(t *testing.T) {
	ctx := context.Background()
	mem, gw := newHTTPPair(t)
	mem.SetNextID(42)

	created, err := gw.Create(ctx, CreateRequest{Payload: ir.Object{"name": ir.String("Ann")}, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, "42", created.ID)
	assert.Equal(t, "1", created.Version)

	again, err := gw.Create(ctx, CreateRequest{Payload: ir.Object{"name": ir.String("Ann")}, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, created, again)

	got, err := gw.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	updated, err := gw.Update(ctx, UpdateRequest{ID: "42", Version: "1", Payload: ir.Object{"name": ir.String("Anne")}})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Version)

	_, err = gw.Update(ctx, UpdateRequest{ID: "42", Version: "1", Payload: ir.Object{"name": ir.String("X")}})
	require.True(t, IsConflict(err), "got %v", err)

	require.NoError(t, gw.Delete(ctx, DeleteRequest{ID: "42", Version: "2"}))
	_, err = gw.Get(ctx, "42")
	assert.True(t, IsNotFound(err))
}

func TestHTTPGatewayListWithFilter(t *testing.T) {
	_, gw := newHTTPPair(t)

	res, err := gw.List(context.Background(), query.ListParams{
		Filter:   query.Eq{Field: "active", Value: ir.Bool(true)},
		Sort:     ir.SortSpec{Field: "name"},
		Page:     1,
		PageSize: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Ann", string(res.Records[0].Fields["name"].(ir.String)))
}

func TestHTTPGatewayBulkAndExport(t *testing.T) {
	ctx := context.Background()
	_, gw := newHTTPPair(t)

	res, err := gw.Bulk(ctx, BulkRequest{IDs: []string{"1", "99"}, Operation: ir.OpDelete})
	require.NoError(t, err)
	one, _ := res.Item("1")
	missing, _ := res.Item("99")
	assert.True(t, one.OK())
	assert.Equal(t, http.StatusNotFound, missing.Status)

	exp, err := gw.Export(ctx, ExportRequest{Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, "users.json", exp.Filename)
	assert.Contains(t, string(exp.Data), `"name":"Bea"`)
}

func TestHTTPGatewayLocks(t *testing.T) {
	ctx := context.Background()
	_, gw := newHTTPPair(t)

	lease, err := gw.Acquire(ctx, "users", "7", "alice")
	require.NoError(t, err)

	_, err = gw.Acquire(ctx, "users", "7", "bob")
	held, ok := collab.IsHeld(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "alice", held.HeldBy)
	assert.Equal(t, "7", held.ID)

	require.NoError(t, gw.Release(ctx, lease))
	_, err = gw.Acquire(ctx, "users", "7", "bob")
	assert.NoError(t, err)
}

func TestHTTPGatewayNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	gw := NewHTTP("users", srv.URL, "/api/users")
	_, err := gw.Get(context.Background(), "1")
	assert.True(t, IsTransient(err))
	assert.False(t, IsTimeout(err))
}

func TestHTTPGatewayTimeout(t *testing.T) {
	mem := seeded()
	mem.SetHook(func(ctx context.Context, _ Call) error {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	})
	srv := httptest.NewServer(NewServer("users", "/api/users", mem))
	defer srv.Close()

	gw := NewHTTP("users", srv.URL, "/api/users")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gw.Get(ctx, "1")
	assert.True(t, IsTimeout(err), "got %v", err)
}
