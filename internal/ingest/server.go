package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/yangjrun/novellus-sub001/internal/conflict"
	"github.com/yangjrun/novellus-sub001/internal/engine"
	"github.com/yangjrun/novellus-sub001/internal/ir"
)

// DefaultMaxBodyBytes bounds a single webhook request body.
const DefaultMaxBodyBytes = 1 << 20

// Pipeline is the subset of the engine the server uses.
type Pipeline interface {
	Submit(ctx context.Context, ev ir.ChangeEvent) error
	DeadLetters() []ir.DeadLetter
	Conflicts() []ir.ConflictRecord
	UnresolvedConflicts() []ir.ConflictRecord
	ResolveConflict(ctx context.Context, conflictID string, value ir.Value) (ir.ConflictRecord, error)
	History(recordID string) []ir.DataVersion
	Snapshot(recordID string) *ir.RecordSnapshot
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server serves the ingestion webhook and the operator API.
type Server struct {
	pipeline   Pipeline
	metrics    http.Handler
	health     map[string]HealthCheck
	retryAfter time.Duration
	maxBody    int64
	logger     *slog.Logger
	router     *mux.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) ServerOption {
	return func(s *Server) {
		s.health[name] = check
	}
}

// WithRetryAfter sets the Retry-After hint sent with 429 responses.
func WithRetryAfter(d time.Duration) ServerOption {
	return func(s *Server) {
		s.retryAfter = d
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) {
		s.maxBody = n
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer builds the router.
func NewServer(p Pipeline, opts ...ServerOption) *Server {
	s := &Server{
		pipeline:   p,
		health:     make(map[string]HealthCheck),
		retryAfter: time.Second,
		maxBody:    DefaultMaxBodyBytes,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/events", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/deadletters", s.handleDeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}/history", s.handleHistory).Methods(http.MethodGet)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// allowing in-flight requests up to 5 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// SubmitResponse is the body of a 202 answer.
type SubmitResponse struct {
	Status   string `json:"status"`
	EventID  string `json:"event_id"`
	RecordID string `json:"record_id"`
}

// handleSubmit accepts one event.
//
// Responses:
//   - 202 Accepted: the event is buffered
//   - 400 Bad Request: undecodable body or invalid event
//   - 415 Unsupported Media Type: unknown Content-Type
//   - 429 Too Many Requests: buffer full; Retry-After is set
//   - 503 Service Unavailable: the pipeline is shutting down
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	codec, err := CodecFor(r.Header.Get("Content-Type"))
	if err != nil {
		respondError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	wire, err := DecodeEvent(codec, body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := wire.ToEvent()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.Source == "" {
		ev.Source = "webhook"
	}

	err = s.pipeline.Submit(r.Context(), ev)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			Status:   "accepted",
			EventID:  ev.EventID,
			RecordID: ev.RecordID,
		})
	case ir.IsBackpressure(err):
		secs := max(1, int(s.retryAfter.Round(time.Second)/time.Second))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("submit failed",
			"event_id", ev.EventID,
			"record_id", ev.RecordID,
			"error", err)
		respondError(w, http.StatusInternalServerError, "submit failed")
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries := s.pipeline.DeadLetters()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := make([]ir.DeadLetter, 0, len(entries))
		for _, dl := range entries {
			if string(dl.Kind) == kind {
				filtered = append(filtered, dl)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []ir.DeadLetter{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var records []ir.ConflictRecord
	if unresolved, _ := strconv.ParseBool(r.URL.Query().Get("unresolved")); unresolved {
		records = s.pipeline.UnresolvedConflicts()
	} else {
		records = s.pipeline.Conflicts()
	}
	if records == nil {
		records = []ir.ConflictRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// ResolveRequest is the body of POST /v1/conflicts/{id}/resolve.
type ResolveRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ResolveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if len(req.Value) == 0 {
		respondError(w, http.StatusBadRequest, "value is required")
		return
	}
	value, err := ir.UnmarshalValue(req.Value)
	if err != nil {
		respondError(w, http.StatusBadRequest, "value: "+err.Error())
		return
	}

	rec, err := s.pipeline.ResolveConflict(r.Context(), id, value)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, rec)
	case errors.Is(err, conflict.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conflict.ErrAlreadyResolved):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("manual resolution failed",
			"conflict_id", id,
			"error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// HistoryResponse is the body of GET /v1/records/{id}/history.
type HistoryResponse struct {
	RecordID string             `json:"record_id"`
	Snapshot *ir.RecordSnapshot `json:"snapshot"`
	Versions []ir.DataVersion   `json:"versions"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := s.pipeline.Snapshot(id)
	versions := s.pipeline.History(id)
	if snap == nil && len(versions) == 0 {
		respondError(w, http.StatusNotFound, fmt.Sprintf("record %s not found", id))
		return
	}
	if versions == nil {
		versions = []ir.DataVersion{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{
		RecordID: id,
		Snapshot: snap,
		Versions: versions,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	for name, check := range s.health {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

var _ Pipeline = (*engine.Engine)(nil)
