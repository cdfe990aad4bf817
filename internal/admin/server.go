// Package admin exposes the host's operational surface over HTTP: extension
// listing, load and unload, command execution, health and metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dshills/exthost/internal/broker"
	"github.com/dshills/exthost/internal/dispatch"
	"github.com/dshills/exthost/internal/host"
	"github.com/dshills/exthost/internal/instance"
)

// defaultShutdownTimeout bounds graceful HTTP shutdown.
const defaultShutdownTimeout = 5 * time.Second

// Server serves the admin API for one host.
type Server struct {
	host *host.Host
	log  zerolog.Logger
	http *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer builds the admin server. gatherer serves GET /metrics; pass nil
// to omit the endpoint.
func NewServer(addr string, h *host.Host, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		host: h,
		log:  zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(500))
	health.AddReadinessCheck("host", func() error {
		if h.Closed() {
			return errors.New("host is closed")
		}
		return nil
	})
	r.Get("/healthz", health.LiveEndpoint)
	r.Get("/readyz", health.ReadyEndpoint)

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/extensions", func(r chi.Router) {
		r.Get("/", s.listExtensions)
		r.Post("/", s.loadExtension)
		r.Get("/{name}", s.getExtension)
		r.Post("/{name}/unload", s.unloadExtension)
	})

	r.Route("/commands", func(r chi.Router) {
		r.Get("/", s.listCommands)
		r.Post("/{id}", s.executeCommand)
	})

	r.Post("/events/config", s.configChanged)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler returns the admin API handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the admin API.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("admin API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) listExtensions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Instances())
}

type loadRequest struct {
	Dir  string `json:"dir"`
	Name string `json:"name"`
}

func (s *Server) loadExtension(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		inst *instance.Instance
		err  error
	)
	switch {
	case req.Dir != "":
		inst, err = s.host.LoadExtension(r.Context(), req.Dir)
	case req.Name != "":
		inst, err = s.host.LoadExtensionByName(r.Context(), req.Name)
	default:
		writeError(w, http.StatusBadRequest, errors.New("dir or name is required"))
		return
	}
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, inst.Stats())
}

func (s *Server) getExtension(w http.ResponseWriter, r *http.Request) {
	inst, err := s.host.Instance(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.Stats())
}

func (s *Server) unloadExtension(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.host.UnloadExtension(r.Context(), name); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listCommands(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Commands())
}

type executeRequest struct {
	Args []any `json:"args"`
}

type executeResponse struct {
	Result any `json:"result"`
}

func (s *Server) executeCommand(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	result, err := s.host.ExecuteCommand(r.Context(), chi.URLParam(r, "id"), req.Args)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{Result: result})
}

func (s *Server) configChanged(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	s.host.BroadcastConfigChange(settings)
	w.WriteHeader(http.StatusAccepted)
}

// statusForError maps host errors to HTTP statuses.
func statusForError(err error) int {
	var handlerErr *dispatch.HandlerError
	switch {
	case errors.Is(err, dispatch.ErrUnknownCommand),
		errors.Is(err, instance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrDuplicateCommand),
		errors.Is(err, instance.ErrAlreadyLoaded):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInstanceNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, broker.ErrUnknownCapability),
		errors.Is(err, broker.ErrIncompatibleVersion):
		return http.StatusUnprocessableEntity
	case errors.As(err, &handlerErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
