package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/logging"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/process"
	"github.com/go-chi/chi/v5"
)

// Host is the process API served over HTTP. *espalier.Host implements it.
type Host interface {
	Create(ctx context.Context, module, parameter string) (espalier.Result, error)
	Update(ctx context.Context, module, id, event string) (espalier.Result, error)
	Get(ctx context.Context, module, id string) (espalier.Result, error)
	Delete(ctx context.Context, module, id string) error
	List(ctx context.Context, module string) ([]string, error)
	Modules() []string
}

var _ Host = (*espalier.Host)(nil)

// CreateRequest is the body of POST /create.
type CreateRequest struct {
	Wasm      string          `json:"wasm"`
	Parameter json.RawMessage `json:"parameter"`
}

// UpdateRequest is the body of POST /update.
type UpdateRequest struct {
	Wasm      string          `json:"wasm"`
	ProcessID string          `json:"process_id"`
	Event     json.RawMessage `json:"event"`
}

// ErrorResponse is the envelope for every failed request.
type ErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
}

// Server serves a Host.
type Server struct {
	Host    Host
	Streams *StreamManager
	logger  *slog.Logger
	metrics http.Handler
}

// Option configures the handler.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewHandler creates a new HTTP handler for the host.
func NewHandler(host Host, opts ...Option) http.Handler {
	server := &Server{
		Host:   host,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(server)
	}
	server.Streams = NewStreamManager(server.logger)

	r := chi.NewRouter()
	r.Post("/create", server.Create)
	r.Post("/update", server.Update)
	r.Get("/processes/{module}", server.ListProcesses)
	r.Get("/processes/{module}/{id}", server.GetProcess)
	r.Delete("/processes/{module}/{id}", server.DeleteProcess)
	r.Get("/modules", server.ListModules)
	r.Get("/events", server.SubscribeEvents)
	r.Get("/health", server.GetHealth)
	r.Get("/info", server.GetInfo)
	r.Get("/openapi.yaml", server.ServeSpec)
	r.Get("/swagger", server.ServeSwagger)
	if server.metrics != nil {
		r.Method(http.MethodGet, "/metrics", server.metrics)
	}
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Create handles the POST /create request.
func (s *Server) Create(w http.ResponseWriter, r *http.Request) {
	var body CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	parameter, err := compact(body.Parameter)
	if body.Wasm == "" || err != nil {
		s.fail(w, http.StatusBadRequest, errors.New("wasm and parameter are required"))
		return
	}

	result, err := s.Host.Create(r.Context(), body.Wasm, parameter)
	if err != nil {
		s.fail(w, statusFor(err), err)
		return
	}
	s.publish(result)
	s.respond(w, http.StatusOK, result)
}

// Update handles the POST /update request.
func (s *Server) Update(w http.ResponseWriter, r *http.Request) {
	var body UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	event, err := compact(body.Event)
	if body.Wasm == "" || body.ProcessID == "" || err != nil {
		s.fail(w, http.StatusBadRequest, errors.New("wasm, process_id and event are required"))
		return
	}

	result, err := s.Host.Update(r.Context(), body.Wasm, body.ProcessID, event)
	if err != nil {
		s.fail(w, statusFor(err), err)
		return
	}
	s.publish(result)
	s.respond(w, http.StatusOK, result)
}

// GetProcess handles the GET /processes/{module}/{id} request.
func (s *Server) GetProcess(w http.ResponseWriter, r *http.Request) {
	result, err := s.Host.Get(r.Context(), chi.URLParam(r, "module"), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, statusFor(err), err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

// DeleteProcess handles the DELETE /processes/{module}/{id} request.
func (s *Server) DeleteProcess(w http.ResponseWriter, r *http.Request) {
	if err := s.Host.Delete(r.Context(), chi.URLParam(r, "module"), chi.URLParam(r, "id")); err != nil {
		s.fail(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListProcesses handles the GET /processes/{module} request.
func (s *Server) ListProcesses(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Host.List(r.Context(), chi.URLParam(r, "module"))
	if err != nil {
		s.fail(w, statusFor(err), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{"processes": ids})
}

// ListModules handles the GET /modules request.
func (s *Server) ListModules(w http.ResponseWriter, r *http.Request) {
	modules := s.Host.Modules()
	if modules == nil {
		modules = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{"modules": modules})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion := "unknown"
	if swagger, err := GetSwagger(); err == nil && swagger.Info != nil {
		apiVersion = swagger.Info.Version
	}
	s.respond(w, http.StatusOK, map[string]string{
		"app":         "espalier-http",
		"version":     strings.TrimSpace(espalier.Version),
		"api_version": apiVersion,
	})
}

// SubscribeEvents handles the GET /events?wasm=&process_id= request (SSE).
// Every successful create or update of the process is pushed as one event.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	module := r.URL.Query().Get("wasm")
	id := r.URL.Query().Get("process_id")
	if module == "" || id == "" {
		s.fail(w, http.StatusBadRequest, errors.New("wasm and process_id are required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.Streams.Subscribe(process.Key(module, id))
	defer cancel()
	s.logger.Info("sse subscribed", "module", module, "process_id", id)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("sse client disconnected", "module", module, "process_id", id)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) publish(result espalier.Result) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to encode stream event", "error", err)
		return
	}
	s.Streams.Broadcast(process.Key(result.Module, result.ProcessID), string(data))
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	} else {
		s.logger.Warn("request rejected", "status", status, "error", err)
	}
	s.respond(w, status, ErrorResponse{StatusCode: status, Error: err.Error()})
}

// statusFor maps host errors onto HTTP statuses.
func statusFor(err error) int {
	switch espalier.Classify(err) {
	case domain.OutcomeNotFound:
		return http.StatusNotFound
	case domain.OutcomeGuestError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// compact returns raw as compact JSON text.
func compact(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty value")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}
