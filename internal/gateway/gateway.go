package gateway

import (
	"context"

	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// Gateway is the CRUD contract for one entity endpoint.
type Gateway interface {
	List(ctx context.Context, params query.ListParams) (ListResult, error)
	Get(ctx context.Context, id string) (ir.Record, error)
	Create(ctx context.Context, req CreateRequest) (ir.Record, error)
	Update(ctx context.Context, req UpdateRequest) (ir.Record, error)
	Delete(ctx context.Context, req DeleteRequest) error
	Bulk(ctx context.Context, req BulkRequest) (BulkResult, error)
	Export(ctx context.Context, req ExportRequest) (Export, error)
}

// ListResult is one page of records plus the filtered total.
type ListResult struct {
	Records []ir.Record `json:"records"`
	Total   int         `json:"total"`
}

// CreateRequest creates one record. The server assigns id and version.
type CreateRequest struct {
	Payload        ir.Object
	IdempotencyKey string
}

// UpdateRequest patches one record. Version is the version the caller last
// saw; a stale version fails with HTTPError 409.
type UpdateRequest struct {
	ID             string
	Version        string
	Payload        ir.Object
	IdempotencyKey string
}

// DeleteRequest deletes one record at Version.
type DeleteRequest struct {
	ID             string
	Version        string
	IdempotencyKey string
}

// BulkRequest applies Operation (update or delete) to every id. Versions is
// optional per id.
type BulkRequest struct {
	IDs            []string          `json:"ids"`
	Operation      ir.OpKind         `json:"operation"`
	Payload        ir.Object         `json:"payload,omitempty"`
	Versions       map[string]string `json:"versions,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// BulkItem is the outcome for one id. Status is 200 for success; Record is
// nil for successful deletes.
type BulkItem struct {
	ID     string     `json:"id"`
	Status int        `json:"status"`
	Record *ir.Record `json:"record,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// OK reports success.
func (b BulkItem) OK() bool {
	return b.Status >= 200 && b.Status < 300
}

// Err returns the item's failure as an *HTTPError, or nil.
func (b BulkItem) Err() error {
	if b.OK() {
		return nil
	}
	return &HTTPError{Op: "bulk", Status: b.Status, Message: b.Error}
}

// BulkResult holds per-id outcomes, in request order.
type BulkResult struct {
	Items []BulkItem `json:"items"`
}

// Item finds the outcome for id.
func (r BulkResult) Item(id string) (BulkItem, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return BulkItem{}, false
}

// ExportRequest asks for a server-generated export. Empty IDs exports every
// record matching Filter.
type ExportRequest struct {
	Format string
	IDs    []string
	Filter query.Predicate
}

// Export is a generated file.
type Export struct {
	ContentType string
	Filename    string
	Data        []byte
}
