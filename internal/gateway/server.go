package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/roach88/entityflow/internal/collab"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/query"
)

// Server exposes a Gateway over the REST contract HTTPGateway speaks.
type Server struct {
	endpoint string
	entity   string
	gw       Gateway
	locks    collab.Locker
	changes  http.Handler
	router   *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLocks serves the collaboration lock routes from l.
func WithLocks(l collab.Locker) ServerOption {
	return func(s *Server) { s.locks = l }
}

// WithChangeFeed mounts h at {endpoint}/changes.
func WithChangeFeed(h http.Handler) ServerOption {
	return func(s *Server) { s.changes = h }
}

// NewServer routes endpoint (for example "/api/users") to gw.
func NewServer(entity, endpoint string, gw Gateway, opts ...ServerOption) *Server {
	s := &Server{
		endpoint: strings.TrimRight(endpoint, "/"),
		entity:   entity,
		gw:       gw,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	api := r.PathPrefix(s.endpoint).Subrouter()
	api.HandleFunc("", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/bulk", s.handleBulk).Methods(http.MethodPost)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	if s.changes != nil {
		api.Handle("/changes", s.changes)
	}
	if s.locks != nil {
		api.HandleFunc("/{id}/lock", s.handleLock).Methods(http.MethodPost)
		api.HandleFunc("/{id}/lock", s.handleUnlock).Methods(http.MethodDelete)
	}
	api.HandleFunc("/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type errorBody struct {
	Error   string     `json:"error"`
	Current *ir.Record `json:"current,omitempty"`
	HeldBy  string     `json:"held_by,omitempty"`
}

type lockBody struct {
	Holder string `json:"holder"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := query.ListParams{Sort: ir.ParseSort(q.Get("sort"))}
	params.Page, _ = strconv.Atoi(q.Get("page"))
	params.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if f := q.Get("filter"); f != "" {
		pred, err := query.Decode([]byte(f))
		if err != nil {
			respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: err.Error()})
			return
		}
		params.Filter = pred
	}

	res, err := s.gw.List(r.Context(), params)
	if err != nil {
		respondError(w, err)
		return
	}
	if res.Records == nil {
		res.Records = []ir.Record{}
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondRecord(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload ir.Object
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid request payload"})
		return
	}
	rec, err := s.gw.Create(r.Context(), CreateRequest{Payload: payload, IdempotencyKey: r.Header.Get(HeaderIdempotencyKey)})
	if err != nil {
		respondError(w, err)
		return
	}
	respondRecord(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var payload ir.Object
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid request payload"})
		return
	}
	rec, err := s.gw.Update(r.Context(), UpdateRequest{
		ID:             mux.Vars(r)["id"],
		Version:        unquoteETag(r.Header.Get("If-Match")),
		Payload:        payload,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondRecord(w, http.StatusOK, rec)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.gw.Delete(r.Context(), DeleteRequest{
		ID:             mux.Vars(r)["id"],
		Version:        unquoteETag(r.Header.Get("If-Match")),
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: "invalid request payload"})
		return
	}
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)
	res, err := s.gw.Bulk(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ExportRequest{Format: q.Get("format")}
	if ids := q.Get("ids"); ids != "" {
		req.IDs = strings.Split(ids, ",")
	}
	if f := q.Get("filter"); f != "" {
		pred, err := query.Decode([]byte(f))
		if err != nil {
			respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: err.Error()})
			return
		}
		req.Filter = pred
	}
	exp, err := s.gw.Export(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+exp.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Data)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var body lockBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Holder == "" {
		respondError(w, &HTTPError{Status: http.StatusBadRequest, Message: "holder is required"})
		return
	}
	lease, err := s.locks.Acquire(r.Context(), s.entity, mux.Vars(r)["id"], body.Holder)
	if held, ok := collab.IsHeld(err); ok {
		respondJSON(w, http.StatusLocked, errorBody{Error: held.Error(), HeldBy: held.HeldBy})
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, lease)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	lease := collab.Lease{Entity: s.entity, ID: mux.Vars(r)["id"], Holder: r.URL.Query().Get("holder")}
	if err := s.locks.Release(r.Context(), lease); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondRecord(w http.ResponseWriter, status int, rec ir.Record) {
	w.Header().Set("ETag", quoteETag(rec.Version))
	respondJSON(w, status, rec)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	var he *HTTPError
	switch {
	case errors.As(err, &he):
		respondJSON(w, he.Status, errorBody{Error: he.Message, Current: he.Current})
	case IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		respondJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	case IsTransient(err):
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func quoteETag(v string) string {
	return strconv.Quote(v)
}

func unquoteETag(v string) string {
	if u, err := strconv.Unquote(v); err == nil {
		return u
	}
	return v
}
