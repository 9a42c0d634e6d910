// Command tab runs the twin-agent bridge: an HTTP service that orchestrates
// bounded conversations between coding-agent CLIs.
//
// Modes:
//
//	tab serve          start the HTTP API (default)
//	tab mcp            serve the bridge tools over MCP on stdio
//	tab run [flags]    run a single conversation and print the result
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	tabhttp "github.com/tab-bridge/tab/internal/adapter/http"
	"github.com/tab-bridge/tab/internal/adapter/journalfile"
	_ "github.com/tab-bridge/tab/internal/adapter/linejson"
	tabmcp "github.com/tab-bridge/tab/internal/adapter/mcp"
	"github.com/tab-bridge/tab/internal/adapter/memstore"
	tabnats "github.com/tab-bridge/tab/internal/adapter/nats"
	tabotel "github.com/tab-bridge/tab/internal/adapter/otel"
	"github.com/tab-bridge/tab/internal/adapter/postgres"
	_ "github.com/tab-bridge/tab/internal/adapter/rollout"
	"github.com/tab-bridge/tab/internal/adapter/ws"
	"github.com/tab-bridge/tab/internal/config"
	"github.com/tab-bridge/tab/internal/domain/convergence"
	"github.com/tab-bridge/tab/internal/domain/policy"
	"github.com/tab-bridge/tab/internal/domain/session"
	"github.com/tab-bridge/tab/internal/logger"
	"github.com/tab-bridge/tab/internal/middleware"
	"github.com/tab-bridge/tab/internal/port/agent"
	"github.com/tab-bridge/tab/internal/port/journal"
	"github.com/tab-bridge/tab/internal/port/observability"
	"github.com/tab-bridge/tab/internal/port/store"
	"github.com/tab-bridge/tab/internal/resilience"
	"github.com/tab-bridge/tab/internal/service"
)

const version = "0.1.0"

// Exit codes follow BSD sysexits where they apply.
const (
	exitOK       = 0
	exitConfig   = 64 // configuration rejected
	exitNoAgent  = 69 // a required agent CLI is unavailable
	exitInternal = 70 // internal invariant violated
)

func main() {
	mode := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		mode, args = args[0], args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitConfig)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	var code int
	switch mode {
	case "serve":
		code = runServe(cfg, log)
	case "mcp":
		code = runMCP(cfg, log)
	case "run":
		code = runOnce(cfg, log, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (want serve, mcp, or run)\n", mode)
		code = exitConfig
	}
	os.Exit(code)
}

// app holds the wired service graph shared by all modes.
type app struct {
	manager  *service.Manager
	agents   *agent.Registry
	journal  *journalfile.Journal
	store    store.SessionStore
	hub      *ws.Hub
	shutdown []func(context.Context) error
}

func (a *app) close(ctx context.Context) {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			slog.Warn("shutdown step failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger, withHub bool) (*app, error) {
	a := &app{}

	// Agent registry. Factories self-register via the adapter imports.
	registry, err := agent.NewRegistry(30 * time.Second)
	if err != nil {
		return nil, err
	}
	if err := registry.Load(cfg.Agents); err != nil {
		return nil, err
	}
	a.agents = registry
	a.shutdown = append(a.shutdown, registry.Shutdown)

	// Audit journal.
	jl, err := journalfile.Open(cfg.Journal.Dir, log)
	if err != nil {
		return nil, err
	}
	a.journal = jl
	a.shutdown = append(a.shutdown, jl.Close)

	// Session store.
	if cfg.Postgres.DSN != "" {
		pg, err := postgres.Connect(ctx, cfg.Postgres.DSN, log)
		if err != nil {
			return nil, err
		}
		a.store = pg
		a.shutdown = append(a.shutdown, pg.Close)
	} else {
		a.store = memstore.New()
	}

	// Approval channel.
	var approver service.Approver
	if cfg.NATS.URL != "" {
		na, err := tabnats.Connect(cfg.NATS.URL, log)
		if err != nil {
			return nil, err
		}
		approver = na
		a.shutdown = append(a.shutdown, func(context.Context) error { return na.Close() })
	}

	// Telemetry.
	var sinks observability.Multi
	if cfg.Telemetry.OTLPEndpoint != "" {
		otelShutdown, err := tabotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		a.shutdown = append(a.shutdown, otelShutdown)
		sink, err := tabotel.NewSink()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if withHub {
		a.hub = ws.NewHub(log)
		sinks = append(sinks, a.hub)
	}

	// Policies: presets overlaid with configured ones.
	policies := policy.Presets()
	for i := range cfg.Policies {
		p := cfg.Policies[i]
		policies[p.ID] = &p
	}

	enforcer := service.NewEnforcer(policies, approver, log)
	analyzer := convergence.NewAnalyzer(convergence.Config{
		SimilarityThreshold: cfg.Convergence.SimilarityThreshold,
		ShingleSize:         cfg.Convergence.ShingleSize,
		LookbackTurns:       cfg.Convergence.LookbackTurns,
		CompletionPhrases:   cfg.Convergence.CompletionPhrases,
	})

	orch := service.NewOrchestrator(registry, enforcer, analyzer, jl, sinks, a.store, service.OrchestratorConfig{
		TurnDeadline:     cfg.Orchestrator.TurnDeadline,
		SessionDeadline:  cfg.Orchestrator.SessionDeadline,
		Fallbacks:        cfg.Orchestrator.Fallbacks,
		BreakerThreshold: cfg.Orchestrator.BreakerMaxFailures,
		BreakerTimeout:   cfg.Orchestrator.BreakerTimeout,
		Retry: resilience.RetryPolicy{
			MaxAttempts:     cfg.Orchestrator.RetryMaxAttempts,
			InitialInterval: cfg.Orchestrator.RetryInitialInterval,
			MaxInterval:     cfg.Orchestrator.RetryMaxInterval,
		},
	}, log)
	a.manager = service.NewManager(orch, a.store, int64(cfg.Orchestrator.MaxParallel), log)

	return a, nil
}

func runServe(cfg *config.Config, log *slog.Logger) int {
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, log, true)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitInternal
	}
	defer a.close(ctx)

	handlers := &tabhttp.Handlers{
		Manager:  a.manager,
		Registry: a.agents,
		Journal:  a.journal,
		Version:  version,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)

	r.Get("/ws", a.hub.ServeHTTP)
	tabhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr, "agents", a.agents.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
		return exitInternal
	}
	return exitOK
}

func runMCP(cfg *config.Config, log *slog.Logger) int {
	ctx := context.Background()
	a, err := buildApp(ctx, cfg, log, false)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitInternal
	}
	defer a.close(ctx)

	srv := tabmcp.NewServer(tabmcp.Deps{Manager: a.manager, Registry: a.agents}, version, log)
	if err := srv.ServeStdio(); err != nil {
		log.Error("mcp server failed", "error", err)
		return exitInternal
	}
	return exitOK
}

func runOnce(cfg *config.Config, log *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	topic := fs.String("topic", "", "conversation topic (required)")
	agents := fs.String("agents", "", "comma-separated participant agent ids (required)")
	policyID := fs.String("policy", "default", "policy id")
	maxTurns := fs.Int("max-turns", 8, "turn budget")
	budget := fs.Float64("budget", 1.0, "cost budget in USD")
	initial := fs.String("initial-speaker", "", "participant that speaks first")
	workdir := fs.String("workdir", "", "working directory for the agents")
	history := fs.Bool("history", false, "print full turn history instead of the summary")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *topic == "" || *agents == "" {
		fs.Usage()
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log, false)
	if err != nil {
		log.Error("startup failed", "error", err)
		return exitInternal
	}
	defer a.close(context.Background())

	req := session.CreateRequest{
		Topic:          *topic,
		Participants:   splitList(*agents),
		PolicyID:       *policyID,
		MaxTurns:       *maxTurns,
		BudgetUSD:      *budget,
		InitialSpeaker: *initial,
		WorkingDir:     *workdir,
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	for _, id := range req.Participants {
		if h := checkAgent(ctx, a.agents, id); !h.Healthy {
			fmt.Fprintf(os.Stderr, "agent %s unavailable: %s\n", id, h.Detail)
			return exitNoAgent
		}
	}

	s, runErr := a.manager.Run(ctx, req)
	if s == nil {
		log.Error("conversation failed to start", "error", runErr)
		return exitInternal
	}
	if runErr != nil {
		log.Error("conversation failed", "session", s.ID, "error", runErr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var out any = summaryOf(s)
	if *history {
		out = s
	}
	if err := enc.Encode(out); err != nil {
		return exitInternal
	}
	if verifyErr := verifyChain(context.Background(), a.journal, s.ID); verifyErr != nil {
		log.Error("audit chain verification failed", "session", s.ID, "error", verifyErr)
		return exitInternal
	}
	if s.Status == session.StatusFailed || runErr != nil {
		return exitInternal
	}
	return exitOK
}

func checkAgent(ctx context.Context, reg *agent.Registry, id string) agent.Health {
	h, err := reg.HealthCheck(ctx, id, false)
	if err != nil {
		return agent.Health{Healthy: false, Detail: err.Error()}
	}
	return h
}

func verifyChain(ctx context.Context, v journal.Verifier, sessionID string) error {
	return v.Verify(ctx, sessionID)
}

func summaryOf(s *session.Session) map[string]any {
	return map[string]any{
		"session_id":         s.ID,
		"status":             s.Status,
		"turns":              s.CurrentTurn,
		"total_cost_usd":     s.TotalCostUSD,
		"termination_reason": s.TerminationReason,
		"stats":              s.Stats(),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
