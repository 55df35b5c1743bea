// Package server exposes task operations over HTTP.
//
// Every route is a thin dispatch onto a task operation: decode the request,
// run the task, encode the Result. Failures are returned as
// {"error":{"kind","message"},"result":{...}} with a status derived from the
// failure kind.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/task"
	"github.com/entrhq/relay/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Tasks is the task boundary the server dispatches to.
type Tasks interface {
	Generate(ctx context.Context, req task.Request, sink types.EventSink) *task.Result
	Chat(ctx context.Context, req task.Request, sink types.EventSink) *task.Result
	Content(ctx context.Context, req task.Request) *task.Result
	Deploy(ctx context.Context, req task.Request, sink types.EventSink) *task.Result
	DeployArchive(ctx context.Context, req task.Request, sink types.EventSink) *task.Result
	Capture(ctx context.Context, req task.Request, sink types.EventSink) *task.Result
}

// Sessions reports browser session state.
type Sessions interface {
	InFlight() int64
	Idle() bool
	Launched() bool
}

// Options configures the listener.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server is the HTTP front of relay.
type Server struct {
	tasks    Tasks
	sessions Sessions
	opts     Options
	logger   *logging.Logger
	router   chi.Router
}

// New creates a server and its routes.
func New(tasks Tasks, sessions Sessions, opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	s := &Server{tasks: tasks, sessions: sessions, opts: opts, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)

	router.Get("/healthz", s.handleHealthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/generate/stream", s.handleGenerateStream)
		r.Post("/chat", s.handleChat)
		r.Get("/chat/{driveID}", s.handleContent)
		r.Post("/deploy", s.handleDeploy)
		r.Post("/deploy/archive", s.handleDeployArchive)
		r.Post("/task", s.handleCapture)
		r.Get("/session", s.handleSession)
	})
	return router
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.logger.Infof("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugf("%s %s -> %d in %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// StatusFor maps a failure kind onto an HTTP status.
func StatusFor(kind types.FailureKind) int {
	switch kind {
	case types.FailureInvalidRequest:
		return http.StatusBadRequest
	case types.FailureNavigationTimeout, types.FailureGenerationTimeout, types.FailureCaptureTimeout:
		return http.StatusGatewayTimeout
	case types.FailureGeneration, types.FailureDownloadControlNotFound, types.FailureDownload,
		types.FailureDeploy, types.FailureBuild:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  *types.FailureInfo `json:"error"`
	Result *task.Result       `json:"result,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondFailure(w http.ResponseWriter, info *types.FailureInfo, res *task.Result) {
	respondJSON(w, StatusFor(info.Kind), errorResponse{Error: info, Result: res})
}

func respondResult(w http.ResponseWriter, res *task.Result) {
	if res.Failure != nil {
		respondFailure(w, res.Failure, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (task.Request, bool) {
	var req task.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondFailure(w, &types.FailureInfo{
			Kind:    types.FailureInvalidRequest,
			Message: fmt.Sprintf("invalid JSON body: %v", err),
		}, nil)
		return req, false
	}
	return req, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	respondResult(w, s.tasks.Generate(r.Context(), req, nil))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	respondResult(w, s.tasks.Chat(r.Context(), req, nil))
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	req := task.Request{DriveID: chi.URLParam(r, "driveID")}
	respondResult(w, s.tasks.Content(r.Context(), req))
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	respondResult(w, s.tasks.Deploy(r.Context(), req, nil))
}

func (s *Server) handleDeployArchive(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	respondResult(w, s.tasks.DeployArchive(r.Context(), req, nil))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	respondResult(w, s.tasks.Capture(r.Context(), req, nil))
}

type sessionResponse struct {
	InFlight int64 `json:"inFlight"`
	Idle     bool  `json:"idle"`
	Launched bool  `json:"launched"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondJSON(w, http.StatusOK, sessionResponse{Idle: true})
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		InFlight: s.sessions.InFlight(),
		Idle:     s.sessions.Idle(),
		Launched: s.sessions.Launched(),
	})
}
