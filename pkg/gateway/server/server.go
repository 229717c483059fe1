package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/build"
	"github.com/voiceforge/forge/pkg/gateway/config"
	"github.com/voiceforge/forge/pkg/gateway/handlers"
	"github.com/voiceforge/forge/pkg/gateway/lifecycle"
	"github.com/voiceforge/forge/pkg/gateway/metrics"
	"github.com/voiceforge/forge/pkg/gateway/mw"
	"github.com/voiceforge/forge/pkg/gateway/ratelimit"
	"github.com/voiceforge/forge/pkg/gateway/relay"
	"github.com/voiceforge/forge/pkg/gateway/session"
	"github.com/voiceforge/forge/pkg/store"
	"github.com/voiceforge/forge/pkg/worker"
)

// Deps carries the externally constructed pieces. Anything nil falls back to
// an in-process default.
type Deps struct {
	Config config.Config
	Logger *slog.Logger

	// Store defaults to the in-memory registry.
	Store store.AgentStore

	// Tester is optional; without it POST /api/test rejects.
	Tester handlers.AgentTester

	// Launcher overrides the build worker launcher, for tests.
	Launcher worker.Launcher

	// Extractor overrides the extraction worker, for tests.
	Extractor handlers.Extractor
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry   *session.Registry
	hub        *relay.Hub
	supervisor *build.Supervisor
	invoker    *worker.Invoker
	limiter    *ratelimit.Limiter
	metrics    *metrics.Set
	lifecycle  *lifecycle.Lifecycle
	store      store.AgentStore
	tester     handlers.AgentTester
	extractor  handlers.Extractor
}

func New(deps Deps) *Server {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	agentStore := deps.Store
	if agentStore == nil {
		agentStore = store.NewMemory()
	}

	m := metrics.New("")
	registry := session.NewRegistry(cfg.SessionIdleTTL, logger)

	invoker := &worker.Invoker{
		Extraction: commandFrom(cfg.ExtractionWorker, cfg.WorkerEnv()),
		Build:      commandFrom(cfg.BuildWorker, cfg.WorkerEnv()),
		Logger:     logger,
		Metrics:    m,
	}

	hub := relay.NewHub(registry, logger, m)
	hub.PingInterval = cfg.WSPingInterval
	hub.WriteTimeout = cfg.WSWriteTimeout

	var launcher worker.Launcher = invoker
	if deps.Launcher != nil {
		launcher = deps.Launcher
	}

	supervisor := &build.Supervisor{
		Registry: registry,
		Launcher: launcher,
		Sink: deployRecorder{
			Sink:     hub,
			registry: registry,
			store:    agentStore,
			logger:   logger,
		},
		Logger:            logger,
		Metrics:           m,
		FailOnWorkerError: cfg.FailBuildOnWorkerError,
		KillOnCancel:      cfg.KillWorkerOnDisconnect,
	}
	hub.Supervisor = supervisor

	var extractor handlers.Extractor = invoker
	if deps.Extractor != nil {
		extractor = deps.Extractor
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		registry:   registry,
		hub:        hub,
		supervisor: supervisor,
		invoker:    invoker,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                      cfg.LimitRPS,
			Burst:                    cfg.LimitBurst,
			MaxConcurrentExtractions: cfg.LimitMaxConcurrentExtractions,
		}),
		metrics:   m,
		lifecycle: &lifecycle.Lifecycle{},
		store:     agentStore,
		tester:    deps.Tester,
		extractor: extractor,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Registry:  s.registry,
	})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// The extraction and test paths spawn a worker or an LLM call per
	// request, so only they sit behind the tenant limiter.
	s.mux.Handle("POST /api/chat", mw.RateLimit(s.limiter, handlers.ChatHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Extractor: s.extractor,
		Hub:       s.hub,
		Logger:    s.logger,
		Metrics:   s.metrics,
	}))
	s.mux.Handle("POST /api/test/{session_id}", mw.RateLimit(s.limiter, handlers.TestHandler{
		Config:   s.cfg,
		Registry: s.registry,
		Tester:   s.tester,
		Logger:   s.logger,
	}))

	s.mux.Handle("POST /api/build/{session_id}", handlers.BuildHandler{
		Supervisor: s.supervisor,
		Logger:     s.logger,
	})
	s.mux.Handle("GET /api/sessions/{session_id}", handlers.SessionHandler{
		Registry:   s.registry,
		Supervisor: s.supervisor,
	})
	s.mux.Handle("GET /api/agents", handlers.AgentsHandler{
		Store:  s.store,
		Logger: s.logger,
	})
	s.mux.Handle("GET /api/agents/{agent_id}", handlers.AgentHandler{
		Store:  s.store,
		Logger: s.logger,
	})
	s.mux.Handle("GET /api/events/{session_id}", handlers.EventsHandler{
		Hub:          s.hub,
		PingInterval: s.cfg.WSPingInterval,
		Logger:       s.logger,
	})
	s.mux.HandleFunc("GET /ws/{session_id}", s.hub.Handle)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Metrics(s.metrics, h)
	h = mw.Tenant(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// StartJanitor runs idle session eviction until ctx is canceled.
func (s *Server) StartJanitor(ctx context.Context) {
	if s.cfg.SessionIdleTTL <= 0 {
		return
	}
	go s.registry.RunJanitor(ctx, s.cfg.SessionJanitorInterval)
}

// SetDraining flips readiness ahead of shutdown.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// CloseRelay disconnects every websocket subscriber.
func (s *Server) CloseRelay() {
	s.hub.CloseAll()
}

// Close releases the agent store.
func (s *Server) Close() {
	s.store.Close()
}

// deployRecorder wraps the relay sink and persists the deployment into the
// agent registry before announcing it.
type deployRecorder struct {
	build.Sink
	registry *session.Registry
	store    store.AgentStore
	logger   *slog.Logger
}

func (s deployRecorder) Deployed(sessionID string, d build.Deployment) {
	rec := agent.Record{
		AgentID:       d.AgentID,
		SessionID:     sessionID,
		DeploymentURL: d.URL,
		Status:        "active",
	}
	if sess, ok := s.registry.Get(sessionID); ok {
		rec.TenantID = sess.TenantID
		rec.VoiceID = sess.SelectedVoice()
		rec.Name = agentName(sess.Fields())
	}
	if err := s.store.Upsert(context.Background(), rec); err != nil {
		s.logger.Error("record deployment", "session_id", sessionID, "agent_id", d.AgentID, "error", err)
	}
	s.Sink.Deployed(sessionID, d)
}

func commandFrom(argv []string, env []string) worker.Command {
	if len(argv) == 0 {
		return worker.Command{}
	}
	return worker.Command{Path: argv[0], Args: argv[1:], Env: env}
}

func agentName(fields agent.Fields) string {
	for _, key := range []string{"agent_name", "org_name"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return "Agent"
}
