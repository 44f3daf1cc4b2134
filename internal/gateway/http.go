package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// HeaderIdempotencyKey carries the operation id on every write.
const HeaderIdempotencyKey = "Idempotency-Key"

// DefaultHTTPTimeout bounds requests when the caller's context has no
// deadline.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPGateway speaks the REST/JSON contract for one endpoint. It also
// implements collab.Locker through the {endpoint}/{id}/lock routes.
type HTTPGateway struct {
	baseURL  string
	endpoint string
	entity   string
	client   *http.Client
}

var (
	_ Gateway       = (*HTTPGateway)(nil)
	_ collab.Locker = (*HTTPGateway)(nil)
)

// HTTPOption configures an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) { g.client = c }
}

// NewHTTP creates a gateway for baseURL + endpoint.
func NewHTTP(entity, baseURL, endpoint string, opts ...HTTPOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		endpoint: "/" + strings.Trim(endpoint, "/"),
		entity:   entity,
		client:   &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) url(path string, q url.Values) string {
	u := g.baseURL + g.endpoint + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one request and classifies every failure.
func (g *HTTPGateway) do(ctx context.Context, op, method, target string, body any, header http.Header) (*response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeHTTPError(op, resp.StatusCode, data)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &NetworkError{Op: op, Err: err}
}

func decodeHTTPError(op string, status int, data []byte) error {
	he := &HTTPError{Op: op, Status: status}
	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if status == http.StatusLocked && body.HeldBy != "" {
			return &collab.HeldError{HeldBy: body.HeldBy}
		}
		he.Message = body.Error
		he.Current = body.Current
	} else {
		he.Message = strings.TrimSpace(string(data))
	}
	return he
}

func writeHeaders(key, version string) http.Header {
	h := http.Header{}
	if key != "" {
		h.Set(HeaderIdempotencyKey, key)
	}
	if version != "" {
		h.Set("If-Match", quoteETag(version))
	}
	return h
}

// List implements Gateway.
func (g *HTTPGateway) List(ctx context.Context, params query.ListParams) (ListResult, error) {
	q := url.Values{}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(params.PageSize))
	}
	if s := params.Sort.String(); s != "" {
		q.Set("sort", s)
	}
	if params.Filter != nil {
		f, err := query.Encode(params.Filter)
		if err != nil {
			return ListResult{}, fmt.Errorf("list: %w", err)
		}
		q.Set("filter", string(f))
	}

	resp, err := g.do(ctx, "list", http.MethodGet, g.url("", q), nil, nil)
	if err != nil {
		return ListResult{}, err
	}
	var res ListResult
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return ListResult{}, fmt.Errorf("list: decode response: %w", err)
	}
	return res, nil
}

// Get implements Gateway.
func (g *HTTPGateway) Get(ctx context.Context, id string) (ir.Record, error) {
	resp, err := g.do(ctx, "get", http.MethodGet, g.url("/"+url.PathEscape(id), nil), nil, nil)
	if err != nil {
		return ir.Record{}, err
	}
	return decodeRecord("get", resp.body)
}

// Create implements Gateway.
func (g *HTTPGateway) Create(ctx context.Context, req CreateRequest) (ir.Record, error) {
	payload := req.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	resp, err := g.do(ctx, "create", http.MethodPost, g.url("", nil), payload, writeHeaders(req.IdempotencyKey, ""))
	if err != nil {
		return ir.Record{}, err
	}
	return decodeRecord("create", resp.body)
}

// Update implements Gateway.
func (g *HTTPGateway) Update(ctx context.Context, req UpdateRequest) (ir.Record, error) {
	payload := req.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	resp, err := g.do(ctx, "update", http.MethodPut, g.url("/"+url.PathEscape(req.ID), nil), payload, writeHeaders(req.IdempotencyKey, req.Version))
	if err != nil {
		return ir.Record{}, err
	}
	return decodeRecord("update", resp.body)
}

// Delete implements Gateway.
func (g *HTTPGateway) Delete(ctx context.Context, req DeleteRequest) error {
	_, err := g.do(ctx, "delete", http.MethodDelete, g.url("/"+url.PathEscape(req.ID), nil), nil, writeHeaders(req.IdempotencyKey, req.Version))
	return err
}

// Bulk implements Gateway.
func (g *HTTPGateway) Bulk(ctx context.Context, req BulkRequest) (BulkResult, error) {
	resp, err := g.do(ctx, "bulk", http.MethodPost, g.url("/bulk", nil), req, writeHeaders(req.IdempotencyKey, ""))
	if err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	if err := json.Unmarshal(resp.body, &res); err != nil {
		return BulkResult{}, fmt.Errorf("bulk: decode response: %w", err)
	}
	return res, nil
}

// Export implements Gateway.
func (g *HTTPGateway) Export(ctx context.Context, req ExportRequest) (Export, error) {
	q := url.Values{}
	if req.Format != "" {
		q.Set("format", req.Format)
	}
	if len(req.IDs) > 0 {
		q.Set("ids", strings.Join(req.IDs, ","))
	}
	if req.Filter != nil {
		f, err := query.Encode(req.Filter)
		if err != nil {
			return Export{}, fmt.Errorf("export: %w", err)
		}
		q.Set("filter", string(f))
	}
	resp, err := g.do(ctx, "export", http.MethodGet, g.url("/export", q), nil, nil)
	if err != nil {
		return Export{}, err
	}
	exp := Export{ContentType: resp.header.Get("Content-Type"), Data: resp.body}
	if _, params, err := mime.ParseMediaType(resp.header.Get("Content-Disposition")); err == nil {
		exp.Filename = params["filename"]
	}
	return exp, nil
}

// Acquire implements collab.Locker. A 423 response becomes *collab.HeldError.
func (g *HTTPGateway) Acquire(ctx context.Context, entity, id, holder string) (collab.Lease, error) {
	_, err := g.do(ctx, "lock", http.MethodPost, g.url("/"+url.PathEscape(id)+"/lock", nil), lockBody{Holder: holder}, nil)
	if held, ok := collab.IsHeld(err); ok {
		held.Entity, held.ID = entity, id
		return collab.Lease{}, held
	}
	if err != nil {
		return collab.Lease{}, err
	}
	return collab.Lease{Entity: entity, ID: id, Holder: holder}, nil
}

// Release implements collab.Locker.
func (g *HTTPGateway) Release(ctx context.Context, lease collab.Lease) error {
	q := url.Values{"holder": []string{lease.Holder}}
	_, err := g.do(ctx, "unlock", http.MethodDelete, g.url("/"+url.PathEscape(lease.ID)+"/lock", q), nil, nil)
	return err
}

func decodeRecord(op string, data []byte) (ir.Record, error) {
	var rec ir.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return ir.Record{}, fmt.Errorf("%s: decode record: %w", op, err)
	}
	return rec, nil
}
