// Package server is the HTTP edge: chat and workflow streaming, the
// human gate, the admin surface, thread history, and the peer-facing
// JSON-RPC endpoint with its discovery documents.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castellan-ai/castellan/pkg/a2a"
	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/auth"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/ratelimit"
	"github.com/castellan-ai/castellan/pkg/seed"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/workflow"
)

// Deps are the assembled runtime pieces the edge serves.
type Deps struct {
	Runner       *agent.Runner
	Orchestrator *workflow.Orchestrator
	Directory    *agent.Directory
	Store        store.Store
	Gates        *workflow.Gates
	Builder      *seed.Builder
	// Verifier is nil when auth is disabled; requests then run as the
	// X-User-Id header's principal or "anonymous".
	Verifier auth.Verifier
	Logger   *slog.Logger
}

// Server wires the HTTP routes over the runtime.
type Server struct {
	cfg       *config.Config
	runner    *agent.Runner
	orch      *workflow.Orchestrator
	dir       *agent.Directory
	store     store.Store
	gates     *workflow.Gates
	builder   *seed.Builder
	verifier  auth.Verifier
	limiter   *ratelimit.Limiter
	a2aSrv    *a2a.Server
	gen       ids.Generator
	clock     ids.Clock
	logger    *slog.Logger
	workflows map[string]config.WorkflowSpec

	http *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		runner:    deps.Runner,
		orch:      deps.Orchestrator,
		dir:       deps.Directory,
		store:     deps.Store,
		gates:     deps.Gates,
		builder:   deps.Builder,
		verifier:  deps.Verifier,
		limiter:   ratelimit.New(cfg.Limits.RateLimitPerMinute, time.Minute),
		gen:       ids.NewGenerator(),
		clock:     ids.SystemClock(),
		logger:    logger,
		workflows: make(map[string]config.WorkflowSpec, len(cfg.Workflow)),
	}
	for _, ws := range cfg.Workflow {
		s.workflows[ws.ID] = ws
	}
	s.a2aSrv = a2a.NewServer(&taskExecutor{s: s}, &cardProvider{s: s}, s.gen, s.clock,
		a2a.WithServerLogger(logger))
	return s
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get(a2a.AgentCardPath, s.a2aSrv.HandleCard)
	r.Get(a2a.DirectoryPath, s.a2aSrv.HandleDirectory)

	r.Group(func(r chi.Router) {
		r.Use(s.admit)

		r.Post(a2a.RPCPath, s.a2aSrv.ServeHTTP)

		r.Post("/chat/{agentId}", s.handleChat)
		r.Post("/workflows/{workflowId}/chat", s.handleWorkflowChat)
		r.Post("/human-gate/action", s.handleGateAction)

		r.Route("/agents", func(r chi.Router) {
			r.With(s.requireAdmin).Get("/", s.handleListAgents)
			r.With(s.requireAdmin).Post("/", s.handleCreateAgent)
			r.Route("/{agentId}", func(r chi.Router) {
				r.With(s.requireAdmin).Get("/", s.handleGetAgent)
				r.With(s.requireAdmin).Put("/", s.handleUpdateAgent)
				r.With(s.requireAdmin).Delete("/", s.handleDeleteAgent)
				r.Route("/threads", func(r chi.Router) {
					r.Get("/", s.handleListThreads)
					r.Post("/", s.handleCreateThread)
					r.Get("/{threadId}", s.handleGetThread)
					r.Delete("/{threadId}", s.handleDeleteThread)
				})
				r.Get("/runs/{runId}", s.handleGetRun)
			})
		})
	})

	return r
}

// Start serves until ctx ends, then drains within the configured
// shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    s.cfg.Server.ListenAddr(),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := 10 * time.Second
	if d, err := time.ParseDuration(s.cfg.Server.ShutdownTimeout); err == nil && d > 0 {
		timeout = d
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("http server draining")
	return s.http.Shutdown(shutdownCtx)
}
