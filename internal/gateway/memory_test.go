package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

func seeded() *Memory {
	m := NewMemory("users")
	m.Seed(
		ir.Record{ID: "1", Fields: ir.Object{"name": ir.String("Ann"), "active": ir.Bool(true)}},
		ir.Record{ID: "2", Fields: ir.Object{"name": ir.String("Bea"), "active": ir.Bool(false)}},
		ir.Record{ID: "7", Version: "2", Fields: ir.Object{"name": ir.String("Cy"), "active": ir.Bool(true)}},
	)
	return m
}

func TestMemoryCreateAssignsIDAndVersion(t *testing.T) {
	m := NewMemory("users")
	m.SetNextID(42)

	rec, err := m.Create(context.Background(), CreateRequest{Payload: ir.Object{"name": ir.String("Ann")}})
	require.NoError(t, err)
	assert.Equal(t, ir.Record{ID: "42", Version: "1", Fields: ir.Object{"name": ir.String("Ann")}}, rec)
}

func TestMemoryUpdateBumpsVersionAndDetectsConflict(t *testing.T) {
	ctx := context.Background()
	m := seeded()

	rec, err := m.Update(ctx, UpdateRequest{ID: "7", Version: "2", Payload: ir.Object{"name": ir.String("Dee")}})
	require.NoError(t, err)
	assert.Equal(t, "3", rec.Version)
	assert.Equal(t, ir.String("Dee"), rec.Fields["name"])

	_, err = m.Update(ctx, UpdateRequest{ID: "7", Version: "2", Payload: ir.Object{"name": ir.String("Eve")}})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	require.NotNil(t, he.Current)
	assert.Equal(t, "3", he.Current.Version)

	_, err = m.Update(ctx, UpdateRequest{ID: "99", Payload: ir.Object{}})
	assert.True(t, IsNotFound(err))
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := seeded()

	err := m.Delete(ctx, DeleteRequest{ID: "7", Version: "1"})
	assert.True(t, IsConflict(err))

	require.NoError(t, m.Delete(ctx, DeleteRequest{ID: "7", Version: "2"}))
	_, ok := m.Record("7")
	assert.False(t, ok)
}

func TestMemoryIdempotencyKeyReplaysResult(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("users")

	first, err := m.Create(ctx, CreateRequest{Payload: ir.Object{"name": ir.String("Ann")}, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	second, err := m.Create(ctx, CreateRequest{Payload: ir.Object{"name": ir.String("Ann")}, IdempotencyKey: "op-1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, m.Records(), 1, "a replayed create must not create twice")
}

func TestMemoryListFiltersSortsPages(t *testing.T) {
	m := seeded()
	res, err := m.List(context.Background(), query.ListParams{
		Filter:   query.Truthy{Field: "active"},
		Sort:     ir.SortSpec{Field: "name", Desc: true},
		Page:     1,
		PageSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "7", res.Records[0].ID)
	assert.Equal(t, "1", res.Records[1].ID)
}

func TestMemoryBulkPartialFailure(t *testing.T) {
	m := seeded()
	m.SetValidator(func(op ir.OpKind, id string, _ ir.Object) error {
		if id == "2" {
			return errors.New("record is locked")
		}
		return nil
	})

	res, err := m.Bulk(context.Background(), BulkRequest{
		IDs:       []string{"1", "2", "7"},
		Operation: ir.OpUpdate,
		Payload:   ir.Object{"active": ir.Bool(false)},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 3)

	a, _ := res.Item("1")
	b, _ := res.Item("2")
	c, _ := res.Item("7")
	assert.True(t, a.OK())
	assert.False(t, b.OK())
	assert.True(t, IsValidation(b.Err()))
	assert.Equal(t, "record is locked", b.Error)
	assert.True(t, c.OK())
	assert.Equal(t, ir.Bool(false), c.Record.Fields["active"])
}

func TestMemoryOfflineAndHook(t *testing.T) {
	ctx := context.Background()
	m := seeded()

	m.SetOffline(true)
	_, err := m.Get(ctx, "1")
	assert.True(t, IsTransient(err))
	m.SetOffline(false)

	m.SetHook(func(ctx context.Context, call Call) error {
		if call.Method == "get" && call.ID == "2" {
			return &HTTPError{Op: "get", Status: 500}
		}
		return nil
	})
	_, err = m.Get(ctx, "2")
	assert.Equal(t, 500, StatusOf(err))
	_, err = m.Get(ctx, "1")
	assert.NoError(t, err)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "get", calls[2].Method)
}

func TestMemoryTimeout(t *testing.T) {
	m := seeded()
	m.SetHook(func(ctx context.Context, _ Call) error {
		<-ctx.Done()
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Get(ctx, "1")
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTransient(err))
}

func TestMemorySubscribePublishesChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := seeded()

	ch, err := m.Subscribe(ctx)
	require.NoError(t, err)

	_, err = m.Modify("1", ir.Object{"name": ir.String("Anne")})
	require.NoError(t, err)
	m.Remove("2")

	c := <-ch
	assert.Equal(t, ir.ChangeUpdate, c.Action)
	assert.Equal(t, "2", c.Record.Version)
	c = <-ch
	assert.Equal(t, ir.ChangeDelete, c.Action)
	assert.Equal(t, "2", c.ID)
}

func TestMemoryExportCSV(t *testing.T) {
	m := seeded()
	exp, err := m.Export(context.Background(), ExportRequest{Format: "csv", IDs: []string{"1", "7"}})
	require.NoError(t, err)

	assert.Equal(t, "text/csv", exp.ContentType)
	assert.Equal(t, "users.csv", exp.Filename)
	lines := strings.Split(strings.TrimSpace(string(exp.Data)), "\n")
	assert.Equal(t, []string{"id,version,active,name", "1,1,true,Ann", "7,2,true,Cy"}, lines)

	_, err = m.Export(context.Background(), ExportRequest{Format: "xlsx"})
	assert.Equal(t, 400, StatusOf(err))
}
