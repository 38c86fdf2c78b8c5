// Package api exposes the batch outbox over HTTP: batch ingest, monitoring reads,
// processor lifecycle controls and operator actions on failed batches.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/velmie/batchoutbox"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 16 << 20
)

var (
	// ErrIngesterRequired is returned when no batch writer is configured.
	ErrIngesterRequired = errors.New("batchoutbox api: ingester is required")
	// ErrReaderRequired is returned when no store reader is configured.
	ErrReaderRequired = errors.New("batchoutbox api: reader is required")

	errInvalidBody   = errors.New("request body must be valid JSON")
	errInvalidLimit  = errors.New("limit must be a positive integer")
	errInvalidStatus = errors.New("unknown batch status")
	errNoProcessor   = errors.New("processor controls are not configured")
	errNoOperator    = errors.New("operator actions are not configured")
)

// Ingester writes a group of requests as one batch.
type Ingester interface {
	Ingest(ctx context.Context, requests []json.RawMessage) (batchoutbox.IngestResult, error)
}

// Controller starts and stops the publisher loop.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() batchoutbox.ProcessorStatus
}

// Resolver applies operator decisions to failed batches.
type Resolver interface {
	SkipBatch(ctx context.Context, batchID, reason string) (batchoutbox.Batch, error)
	RetryBatch(ctx context.Context, batchID string) (batchoutbox.Batch, error)
}

// Config wires the collaborators of a Server. Controller and Resolver are optional;
// their routes answer 501 when absent.
type Config struct {
	Ingester   Ingester
	Reader     batchoutbox.Reader
	Controller Controller
	Resolver   Resolver
	Logger     batchoutbox.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	validate *validator.Validate
	router   *mux.Router
}

// New validates cfg and registers the routes.
func New(cfg Config) (*Server, error) {
	if cfg.Ingester == nil {
		return nil, ErrIngesterRequired
	}
	if cfg.Reader == nil {
		return nil, ErrReaderRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = batchoutbox.NopLogger{}
	}

	s := &Server{
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   mux.NewRouter(),
	}
	s.register(s.router)

	return s, nil
}

// Router returns the router so binaries can mount extra handlers such as /metrics.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) register(r *mux.Router) {
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	r.HandleFunc("/processor", s.processorStatus).Methods(http.MethodGet)
	r.HandleFunc("/processor/start", s.processorStart).Methods(http.MethodPost)
	r.HandleFunc("/processor/stop", s.processorStop).Methods(http.MethodPost)

	r.HandleFunc("/batches", s.ingest).Methods(http.MethodPost)
	r.HandleFunc("/batches", s.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/pending", s.pendingBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", s.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/items", s.listItems).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}/skip", s.skipBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{id}/retry", s.retryBatch).Methods(http.MethodPost)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.cfg.Ingester.Ingest(r.Context(), req.Requests)
	if err != nil {
		s.fail(w, "ingest", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	batches, err := s.cfg.Reader.ListBatches(r.Context(), filter)
	if err != nil {
		s.fail(w, "list batches", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchViews(batches))
}

func (s *Server) pendingBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	batches, err := s.cfg.Reader.ListBatches(r.Context(), batchoutbox.BatchFilter{
		Statuses: []batchoutbox.BatchStatus{batchoutbox.BatchPending, batchoutbox.BatchProcessing},
		Limit:    limit,
	})
	if err != nil {
		s.fail(w, "list pending batches", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchViews(batches))
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	batch, err := s.cfg.Reader.GetBatch(r.Context(), id)
	if err != nil {
		s.fail(w, "get batch", err)
		return
	}
	view := newBatchView(batch)

	if batch.Status == batchoutbox.BatchFailed {
		items, err := s.cfg.Reader.ListItems(r.Context(), id)
		if err != nil {
			s.fail(w, "list batch items", err)
			return
		}
		for _, it := range items {
			if it.Status == batchoutbox.ItemFailed {
				view.FailedItems = append(view.FailedItems, newItemView(it))
			}
		}
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.cfg.Reader.ListItems(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "list batch items", err)
		return
	}

	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, newItemView(it))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) skipBatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Resolver == nil {
		s.writeError(w, http.StatusNotImplemented, errNoOperator)
		return
	}

	var req skipRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := s.cfg.Resolver.SkipBatch(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.fail(w, "skip batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchView(batch))
}

func (s *Server) retryBatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Resolver == nil {
		s.writeError(w, http.StatusNotImplemented, errNoOperator)
		return
	}

	batch, err := s.cfg.Resolver.RetryBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "retry batch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchView(batch))
}

func (s *Server) processorStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Controller == nil {
		s.writeError(w, http.StatusNotImplemented, errNoProcessor)
		return
	}
	s.writeJSON(w, http.StatusOK, newProcessorView(s.cfg.Controller.Status()))
}

func (s *Server) processorStart(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Controller == nil {
		s.writeError(w, http.StatusNotImplemented, errNoProcessor)
		return
	}
	if err := s.cfg.Controller.Start(r.Context()); err != nil {
		s.fail(w, "start processor", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newProcessorView(s.cfg.Controller.Status()))
}

func (s *Server) processorStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Controller == nil {
		s.writeError(w, http.StatusNotImplemented, errNoProcessor)
		return
	}
	if err := s.cfg.Controller.Stop(r.Context()); err != nil {
		s.fail(w, "stop processor", err)
		return
	}
	s.writeJSON(w, http.StatusOK, newProcessorView(s.cfg.Controller.Status()))
}

func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %w", errInvalidBody, err)
	}

	return s.validationError(s.validate.Struct(dst))
}

// validationError flattens validator errors into one readable message.
func (s *Server) validationError(err error) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}

	return errors.New(strings.Join(parts, "; "))
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.Error("batchoutbox api "+op+" failed", "err", err)
	}
	s.writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, batchoutbox.ErrBatchNotFound),
		errors.Is(err, batchoutbox.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, batchoutbox.ErrEmptyBatch),
		errors.Is(err, batchoutbox.ErrBatchTooLarge),
		errors.Is(err, batchoutbox.ErrInvalidPayload),
		errors.Is(err, batchoutbox.ErrOverrideReasonRequired):
		return http.StatusBadRequest
	case errors.Is(err, batchoutbox.ErrInvalidTransition),
		errors.Is(err, batchoutbox.ErrDuplicateBatch),
		errors.Is(err, batchoutbox.ErrBatchClaimed),
		errors.Is(err, batchoutbox.ErrProcessorRunning),
		errors.Is(err, batchoutbox.ErrProcessorStopping),
		errors.Is(err, batchoutbox.ErrProcessorNotRunning):
		return http.StatusConflict
	case errors.Is(err, batchoutbox.ErrTransientStore),
		errors.Is(err, batchoutbox.ErrAllocationConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseFilter(r *http.Request) (batchoutbox.BatchFilter, error) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		return batchoutbox.BatchFilter{}, err
	}
	filter := batchoutbox.BatchFilter{Limit: limit}

	if after := q.Get("after"); after != "" {
		seq, err := strconv.ParseInt(after, 10, 64)
		if err != nil || seq < 0 {
			return batchoutbox.BatchFilter{}, fmt.Errorf("after must be a non-negative sequence: %q", after)
		}
		filter.AfterSequence = seq
	}

	for _, raw := range q["status"] {
		for _, name := range strings.Split(raw, ",") {
			status := batchoutbox.BatchStatus(strings.ToLower(strings.TrimSpace(name)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				return batchoutbox.BatchFilter{}, fmt.Errorf("%w: %q", errInvalidStatus, name)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	return filter, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidLimit
	}

	return min(limit, maxListLimit), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Warn("batchoutbox api write response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
